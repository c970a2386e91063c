// Package cache implements response caching for chat completions:
// deterministic request fingerprinting, cache-control semantics, and
// reconstruction of cached responses as synthetic streams.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relaymux/relaymux/pkg/types"
)

// Fingerprint computes the cache key for a request over a fixed field
// set, including the user field so callers never share entries. Fields
// outside the set (stream flag, metadata, passthrough extras) never
// affect the key. Floats are rounded to 6 decimals so equal-valued
// requests fingerprint identically. When the request metadata carries
// an explicit cache_key it wins over the computed hash.
func Fingerprint(req *types.ChatRequest) string {
	if req.Metadata != nil && req.Metadata.CacheKey != "" {
		return "custom:" + req.Metadata.CacheKey
	}

	var sb strings.Builder
	sb.WriteString("model=")
	sb.WriteString(req.Model)

	if messages, err := json.Marshal(req.Messages); err == nil {
		sb.WriteString("|messages=")
		sb.Write(messages)
	}
	if req.Temperature != nil {
		sb.WriteString("|temperature=")
		sb.WriteString(formatFloat(*req.Temperature))
	}
	if req.TopP != nil {
		sb.WriteString("|top_p=")
		sb.WriteString(formatFloat(*req.TopP))
	}
	if req.MaxTokens > 0 {
		sb.WriteString("|max_tokens=")
		sb.WriteString(strconv.Itoa(req.MaxTokens))
	}
	if req.N > 0 {
		sb.WriteString("|n=")
		sb.WriteString(strconv.Itoa(req.N))
	}
	if len(req.Stop) > 0 {
		stop, _ := json.Marshal(req.Stop)
		sb.WriteString("|stop=")
		sb.Write(stop)
	}
	if req.PresencePenalty != nil {
		sb.WriteString("|presence_penalty=")
		sb.WriteString(formatFloat(*req.PresencePenalty))
	}
	if req.FrequencyPenalty != nil {
		sb.WriteString("|frequency_penalty=")
		sb.WriteString(formatFloat(*req.FrequencyPenalty))
	}
	if len(req.LogitBias) > 0 {
		// Sort keys for a stable serialization.
		keys := make([]string, 0, len(req.LogitBias))
		for k := range req.LogitBias {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("|logit_bias=")
		for _, k := range keys {
			sb.WriteString(k)
			sb.WriteByte(':')
			sb.WriteString(strconv.Itoa(req.LogitBias[k]))
			sb.WriteByte(',')
		}
	}
	if req.Seed != nil {
		sb.WriteString("|seed=")
		sb.WriteString(strconv.Itoa(*req.Seed))
	}
	if len(req.Tools) > 0 {
		tools, _ := json.Marshal(req.Tools)
		sb.WriteString("|tools=")
		sb.Write(tools)
	}
	if len(req.ToolChoice) > 0 {
		sb.WriteString("|tool_choice=")
		sb.Write(req.ToolChoice)
	}
	if req.ResponseFormat != nil {
		sb.WriteString("|response_format=")
		sb.WriteString(req.ResponseFormat.Type)
	}
	if req.User != "" {
		sb.WriteString("|user=")
		sb.WriteString(req.User)
	}

	hash := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(hash[:])
}

// EmbeddingFingerprint computes the cache key for an embedding request
// over its semantic fields. The metadata cache_key override applies
// here too, namespaced apart from chat keys.
func EmbeddingFingerprint(req *types.EmbeddingRequest) string {
	if req.Metadata != nil && req.Metadata.CacheKey != "" {
		return "custom:" + req.Metadata.CacheKey
	}

	var sb strings.Builder
	sb.WriteString("model=")
	sb.WriteString(req.Model)

	if req.Input != nil {
		if input, err := json.Marshal(req.Input.Texts); err == nil {
			sb.WriteString("|input=")
			sb.Write(input)
		}
	}
	if req.EncodingFormat != "" {
		sb.WriteString("|encoding_format=")
		sb.WriteString(req.EncodingFormat)
	}
	if req.Dimensions > 0 {
		sb.WriteString("|dimensions=")
		sb.WriteString(strconv.Itoa(req.Dimensions))
	}
	if req.User != "" {
		sb.WriteString("|user=")
		sb.WriteString(req.User)
	}

	hash := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(hash[:])
}

// formatFloat rounds to 6 decimals and trims trailing zeros.
func formatFloat(f float64) string {
	rounded := math.Round(f*1e6) / 1e6
	return strconv.FormatFloat(rounded, 'f', -1, 64)
}
