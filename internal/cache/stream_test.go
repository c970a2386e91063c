package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymux/relaymux/pkg/types"
)

func cachedResponse(text string) *types.ChatResponse {
	msg := types.ChatMessage{Role: "assistant"}
	msg.SetTextContent(text)
	return &types.ChatResponse{
		ID:      "chatcmpl-1",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   "gpt-4o",
		Choices: []types.Choice{{Index: 0, Message: msg, FinishReason: "stop"}},
		Usage:   &types.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func TestSynthesizeStreamReassembles(t *testing.T) {
	text := "The quick  brown\nfox jumps."
	chunks := SynthesizeStream(cachedResponse(text), false)
	require.NotEmpty(t, chunks)

	assert.Equal(t, "assistant", chunks[0].Choices[0].Delta.Role)

	var b strings.Builder
	var finish string
	for _, c := range chunks {
		require.Len(t, c.Choices, 1)
		b.WriteString(c.Choices[0].Delta.Content)
		if c.Choices[0].FinishReason != "" {
			finish = c.Choices[0].FinishReason
		}
		assert.Equal(t, "chat.completion.chunk", c.Object)
		assert.Equal(t, "chatcmpl-1", c.ID)
	}
	assert.Equal(t, text, b.String())
	assert.Equal(t, "stop", finish)
}

func TestSynthesizeStreamUsage(t *testing.T) {
	resp := cachedResponse("hi")

	without := SynthesizeStream(resp, false)
	for _, c := range without {
		assert.Nil(t, c.Usage)
	}

	with := SynthesizeStream(resp, true)
	require.NotEmpty(t, with)
	last := with[len(with)-1]
	require.NotNil(t, last.Usage)
	assert.Equal(t, 15, last.Usage.TotalTokens)
	assert.Empty(t, last.Choices)
}

func TestSynthesizeStreamToolCalls(t *testing.T) {
	resp := cachedResponse("")
	resp.Choices[0].Message.ToolCalls = []types.ToolCall{{
		ID:   "call_1",
		Type: "function",
		Function: types.ToolCallFunction{
			Name:      "get_weather",
			Arguments: `{"city":"Oslo"}`,
		},
	}}
	resp.Choices[0].FinishReason = "tool_calls"

	chunks := SynthesizeStream(resp, false)
	require.NotEmpty(t, chunks)

	var sawToolCall bool
	for _, c := range chunks {
		if len(c.Choices) == 1 && len(c.Choices[0].Delta.ToolCalls) > 0 {
			sawToolCall = true
			assert.Equal(t, "get_weather", c.Choices[0].Delta.ToolCalls[0].Function.Name)
		}
	}
	assert.True(t, sawToolCall)
}

func TestSynthesizeStreamEmpty(t *testing.T) {
	assert.Nil(t, SynthesizeStream(nil, true))
	assert.Nil(t, SynthesizeStream(&types.ChatResponse{}, true))
}

func TestSplitWords(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"one", []string{"one"}},
		{"one two", []string{"one ", "two"}},
		{"a  b", []string{"a  ", "b"}},
		{"line\nbreak\t tab", []string{"line\n", "break\t ", "tab"}},
		{"  leading", []string{"  ", "leading"}},
	}
	for _, tt := range tests {
		got := splitWords(tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
		assert.Equal(t, tt.in, strings.Join(got, ""))
	}
}
