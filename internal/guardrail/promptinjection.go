package guardrail

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/relaymux/relaymux/pkg/types"
)

// injection heuristics, matched case-insensitively against user and
// tool message text.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`),
	regexp.MustCompile(`(?i)disregard\s+(your|the)\s+(system\s+)?(prompt|instructions)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(DAN|in\s+developer\s+mode)`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?prompt`),
	regexp.MustCompile(`(?i)pretend\s+(you\s+have|there\s+are)\s+no\s+(rules|restrictions|guidelines)`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
	regexp.MustCompile(`(?i)override\s+(your\s+)?safety`),
}

// PromptInjectionDetector flags likely prompt-injection attempts with
// pattern heuristics. Scoring is intentionally coarse; the threshold
// param tunes sensitivity.
type PromptInjectionDetector struct {
	name      string
	threshold int
}

// NewPromptInjectionDetector builds a detector. Params may carry
// "threshold", the number of pattern hits required to flag (default 1).
func NewPromptInjectionDetector(name string, params map[string]any) *PromptInjectionDetector {
	threshold := 1
	if raw, ok := params["threshold"]; ok {
		switch v := raw.(type) {
		case int:
			threshold = v
		case float64:
			threshold = int(v)
		}
	}
	if threshold < 1 {
		threshold = 1
	}
	return &PromptInjectionDetector{name: name, threshold: threshold}
}

// Name returns the configured guardrail name.
func (d *PromptInjectionDetector) Name() string { return d.name }

// CheckRequest scans user and tool messages for injection patterns.
func (d *PromptInjectionDetector) CheckRequest(_ context.Context, req *types.ChatRequest) (*Result, error) {
	hits := 0
	var matched []string
	for _, msg := range req.Messages {
		if msg.Role != "user" && msg.Role != "tool" {
			continue
		}
		text := msg.TextContent()
		if text == "" {
			continue
		}
		for _, p := range injectionPatterns {
			if p.MatchString(text) {
				hits++
				matched = append(matched, p.String())
			}
		}
	}

	if hits < d.threshold {
		return &Result{}, nil
	}
	return &Result{
		Violated: true,
		Detail:   fmt.Sprintf("prompt injection heuristics matched %d pattern(s): %s", hits, strings.Join(matched, "; ")),
	}, nil
}

// CheckResponse is a no-op; injection detection applies to input only.
func (d *PromptInjectionDetector) CheckResponse(_ context.Context, _ *types.ChatResponse) (*Result, error) {
	return &Result{}, nil
}

// Moderate answers a pass/fail query over the request content.
func (d *PromptInjectionDetector) Moderate(ctx context.Context, req *types.ChatRequest) (*Result, error) {
	return d.CheckRequest(ctx, req)
}
