// Package streaming forwards chat completion streams to clients as
// server-sent events, accumulating the full response along the way for
// caching, guardrails, and accounting.
package streaming

import (
	"sort"
	"strings"

	"github.com/relaymux/relaymux/pkg/types"
)

// Accumulator rebuilds a complete response from stream chunks.
type Accumulator struct {
	id                string
	model             string
	created           int64
	systemFingerprint string
	usage             *types.Usage
	choices           map[int]*choiceState
}

type choiceState struct {
	role         string
	content      strings.Builder
	toolCalls    []types.ToolCall
	finishReason string
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{choices: make(map[int]*choiceState)}
}

// Add folds one chunk into the accumulated state.
func (a *Accumulator) Add(chunk *types.StreamChunk) {
	if chunk.ID != "" {
		a.id = chunk.ID
	}
	if chunk.Model != "" {
		a.model = chunk.Model
	}
	if chunk.Created != 0 {
		a.created = chunk.Created
	}
	if chunk.SystemFingerprint != "" {
		a.systemFingerprint = chunk.SystemFingerprint
	}
	if chunk.Usage != nil {
		a.usage = chunk.Usage
	}

	for _, choice := range chunk.Choices {
		state, ok := a.choices[choice.Index]
		if !ok {
			state = &choiceState{}
			a.choices[choice.Index] = state
		}
		if choice.Delta.Role != "" {
			state.role = choice.Delta.Role
		}
		state.content.WriteString(choice.Delta.Content)
		mergeToolCalls(state, choice.Delta.ToolCalls)
		if choice.FinishReason != "" {
			state.finishReason = choice.FinishReason
		}
	}
}

// mergeToolCalls appends new calls and concatenates argument fragments
// onto the last open call.
func mergeToolCalls(state *choiceState, calls []types.ToolCall) {
	for _, tc := range calls {
		if tc.ID != "" || tc.Function.Name != "" || len(state.toolCalls) == 0 {
			state.toolCalls = append(state.toolCalls, tc)
			continue
		}
		last := &state.toolCalls[len(state.toolCalls)-1]
		last.Function.Arguments += tc.Function.Arguments
	}
}

// Usage returns the captured usage, or nil when the provider sent none.
func (a *Accumulator) Usage() *types.Usage {
	return a.usage
}

// Response materializes the accumulated chunks as a ChatResponse, or
// nil when no choices were seen.
func (a *Accumulator) Response() *types.ChatResponse {
	if len(a.choices) == 0 {
		return nil
	}

	indexes := make([]int, 0, len(a.choices))
	for i := range a.choices {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	resp := &types.ChatResponse{
		ID:                a.id,
		Object:            "chat.completion",
		Created:           a.created,
		Model:             a.model,
		SystemFingerprint: a.systemFingerprint,
		Usage:             a.usage,
	}
	for _, i := range indexes {
		state := a.choices[i]
		role := state.role
		if role == "" {
			role = "assistant"
		}
		msg := types.ChatMessage{Role: role, ToolCalls: state.toolCalls}
		msg.SetTextContent(state.content.String())
		resp.Choices = append(resp.Choices, types.Choice{
			Index:        i,
			Message:      msg,
			FinishReason: state.finishReason,
		})
	}
	return resp
}
