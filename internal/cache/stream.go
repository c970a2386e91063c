package cache

import (
	"strings"

	"github.com/relaymux/relaymux/pkg/types"
)

// SynthesizeStream replays a cached response as a chunk sequence: a
// role chunk, word-granular content deltas, a finish chunk, and a final
// usage chunk when includeUsage is set. Original chunk boundaries and
// timing are not preserved.
func SynthesizeStream(resp *types.ChatResponse, includeUsage bool) []*types.StreamChunk {
	if resp == nil || len(resp.Choices) == 0 {
		return nil
	}

	base := func() *types.StreamChunk {
		return &types.StreamChunk{
			ID:                resp.ID,
			Object:            "chat.completion.chunk",
			Created:           resp.Created,
			Model:             resp.Model,
			SystemFingerprint: resp.SystemFingerprint,
		}
	}

	var chunks []*types.StreamChunk

	for _, choice := range resp.Choices {
		role := choice.Message.Role
		if role == "" {
			role = "assistant"
		}
		roleChunk := base()
		roleChunk.Choices = []types.StreamChoice{{
			Index: choice.Index,
			Delta: types.StreamDelta{Role: role},
		}}
		chunks = append(chunks, roleChunk)

		for _, delta := range splitWords(choice.Message.TextContent()) {
			c := base()
			c.Choices = []types.StreamChoice{{
				Index: choice.Index,
				Delta: types.StreamDelta{Content: delta},
			}}
			chunks = append(chunks, c)
		}

		if len(choice.Message.ToolCalls) > 0 {
			c := base()
			c.Choices = []types.StreamChoice{{
				Index: choice.Index,
				Delta: types.StreamDelta{ToolCalls: choice.Message.ToolCalls},
			}}
			chunks = append(chunks, c)
		}

		finish := base()
		finish.Choices = []types.StreamChoice{{
			Index:        choice.Index,
			FinishReason: choice.FinishReason,
		}}
		chunks = append(chunks, finish)
	}

	if includeUsage && resp.Usage != nil {
		usageChunk := base()
		usageChunk.Choices = []types.StreamChoice{}
		usageChunk.Usage = resp.Usage
		chunks = append(chunks, usageChunk)
	}

	return chunks
}

// splitWords cuts text into word deltas, keeping each word's trailing
// whitespace attached so concatenation reproduces the text exactly.
func splitWords(text string) []string {
	if text == "" {
		return nil
	}

	var parts []string
	var b strings.Builder
	inSpace := false
	for _, r := range text {
		isSpace := r == ' ' || r == '\n' || r == '\t' || r == '\r'
		if !isSpace && inSpace && b.Len() > 0 {
			parts = append(parts, b.String())
			b.Reset()
		}
		b.WriteRune(r)
		inSpace = isSpace
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}
