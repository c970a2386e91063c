// Package guardrail runs content policies around model calls. Guardrails
// execute pre_call (on the request), post_call (on the response), or
// during_call (on the request, concurrent with the upstream call), and
// either block the request or just log the violation.
package guardrail

import (
	"context"
	"fmt"

	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/pkg/types"
)

// Mode says when a guardrail runs.
type Mode string

const (
	ModePreCall    Mode = "pre_call"
	ModePostCall   Mode = "post_call"
	ModeDuringCall Mode = "during_call"
)

// Action says what a violation does.
type Action string

const (
	ActionBlock Action = "block"
	ActionLog   Action = "log"
)

// Result is the outcome of one guardrail run.
type Result struct {
	// Violated marks a policy hit.
	Violated bool
	// Detail describes the violation for logs and error messages.
	Detail string
	// MaskedRequest is non-nil when the guardrail rewrote request
	// content (PII masking). The pipeline forwards the rewrite.
	MaskedRequest *types.ChatRequest
}

// Guardrail checks request or response content.
type Guardrail interface {
	Name() string
	// CheckRequest runs for pre_call and during_call modes.
	CheckRequest(ctx context.Context, req *types.ChatRequest) (*Result, error)
	// CheckResponse runs for post_call mode.
	CheckResponse(ctx context.Context, resp *types.ChatResponse) (*Result, error)
}

// FailureObserver is implemented by guardrails that inspect requests
// whose upstream call failed. Observation only: violations are logged,
// never raised, and errors never affect the response.
type FailureObserver interface {
	CheckFailure(ctx context.Context, req *types.ChatRequest, callErr error) (*Result, error)
}

// Moderator is implemented by guardrails that answer a standalone
// pass/fail moderation query over request content. During-call
// execution prefers this over CheckRequest when available.
type Moderator interface {
	Moderate(ctx context.Context, req *types.ChatRequest) (*Result, error)
}

// Instance binds a guardrail implementation to its configured policy.
type Instance struct {
	Guardrail Guardrail
	Mode      Mode
	Action    Action
	DefaultOn bool
	// FailOpen lets requests proceed when the guardrail itself errors.
	FailOpen bool
}

// Build constructs instances from configuration.
func Build(cfgs []config.GuardrailConfig) ([]*Instance, error) {
	instances := make([]*Instance, 0, len(cfgs))
	for _, gc := range cfgs {
		var g Guardrail
		switch gc.Type {
		case "pii_masking":
			g = NewPIIMasker(gc.Name, gc.Params)
		case "prompt_injection":
			g = NewPromptInjectionDetector(gc.Name, gc.Params)
		default:
			return nil, fmt.Errorf("unknown guardrail type %q", gc.Type)
		}
		instances = append(instances, &Instance{
			Guardrail: g,
			Mode:      Mode(gc.Mode),
			Action:    Action(gc.Action),
			DefaultOn: gc.DefaultOn,
			FailOpen:  gc.FailOpen,
		})
	}
	return instances, nil
}
