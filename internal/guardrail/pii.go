package guardrail

import (
	"context"
	"regexp"

	"github.com/goccy/go-json"

	"github.com/relaymux/relaymux/pkg/types"
)

type piiPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

var defaultPIIPatterns = []piiPattern{
	{
		name:        "email",
		regex:       regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
		replacement: "<EMAIL_ADDRESS>",
	},
	{
		name:        "phone",
		regex:       regexp.MustCompile(`\+?[0-9]{1,3}[-.\s]?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}`),
		replacement: "<PHONE_NUMBER>",
	},
	{
		name:        "ssn",
		regex:       regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`),
		replacement: "<US_SSN>",
	},
	{
		name:        "credit_card",
		regex:       regexp.MustCompile(`\b[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}\b`),
		replacement: "<CREDIT_CARD>",
	},
	{
		name:        "ip_address",
		regex:       regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`),
		replacement: "<IP_ADDRESS>",
	},
}

// PIIMasker replaces personally identifiable information in message
// content with placeholder tokens. It reports a violation whenever it
// masked something, so the configured action decides between blocking
// and forwarding the masked request.
type PIIMasker struct {
	name     string
	patterns []piiPattern
}

// NewPIIMasker builds a masker. Params may contain "entities", a list
// restricting which built-in patterns apply.
func NewPIIMasker(name string, params map[string]any) *PIIMasker {
	patterns := defaultPIIPatterns
	if raw, ok := params["entities"]; ok {
		if list, ok := raw.([]any); ok {
			wanted := make(map[string]bool, len(list))
			for _, v := range list {
				if s, ok := v.(string); ok {
					wanted[s] = true
				}
			}
			var filtered []piiPattern
			for _, p := range defaultPIIPatterns {
				if wanted[p.name] {
					filtered = append(filtered, p)
				}
			}
			patterns = filtered
		}
	}
	return &PIIMasker{name: name, patterns: patterns}
}

// Name returns the configured guardrail name.
func (m *PIIMasker) Name() string { return m.name }

// CheckRequest masks PII in all message text. A rewritten copy of the
// request is returned when anything matched.
func (m *PIIMasker) CheckRequest(_ context.Context, req *types.ChatRequest) (*Result, error) {
	masked := false
	messages := make([]types.ChatMessage, len(req.Messages))
	copy(messages, req.Messages)

	for i := range messages {
		text := messages[i].TextContent()
		if text == "" {
			continue
		}
		replaced := m.mask(text)
		if replaced != text {
			masked = true
			data, _ := json.Marshal(replaced)
			messages[i].Content = data
		}
	}

	if !masked {
		return &Result{}, nil
	}

	cp := *req
	cp.Messages = messages
	return &Result{
		Violated:      true,
		Detail:        "request content contained PII",
		MaskedRequest: &cp,
	}, nil
}

// CheckResponse masks PII in response choices in place of blocking.
func (m *PIIMasker) CheckResponse(_ context.Context, resp *types.ChatResponse) (*Result, error) {
	violated := false
	for i := range resp.Choices {
		text := resp.Choices[i].Message.TextContent()
		if text == "" {
			continue
		}
		replaced := m.mask(text)
		if replaced != text {
			violated = true
			resp.Choices[i].Message.SetTextContent(replaced)
		}
	}
	if !violated {
		return &Result{}, nil
	}
	return &Result{Violated: true, Detail: "response content contained PII"}, nil
}

// CheckFailure reports whether a failed request carried PII, so
// operators reviewing the failure know its content is sensitive.
func (m *PIIMasker) CheckFailure(_ context.Context, req *types.ChatRequest, _ error) (*Result, error) {
	for _, msg := range req.Messages {
		text := msg.TextContent()
		if text == "" {
			continue
		}
		if m.mask(text) != text {
			return &Result{Violated: true, Detail: "failed request contained PII"}, nil
		}
	}
	return &Result{}, nil
}

func (m *PIIMasker) mask(text string) string {
	for _, p := range m.patterns {
		text = p.regex.ReplaceAllString(text, p.replacement)
	}
	return text
}
