package guardrail

import (
	"context"
	"fmt"

	"github.com/relaymux/relaymux/internal/auth"
	"github.com/relaymux/relaymux/internal/metrics"
	"github.com/relaymux/relaymux/internal/observability"
	gwerrors "github.com/relaymux/relaymux/pkg/errors"
	"github.com/relaymux/relaymux/pkg/types"
)

// Runner resolves and executes guardrails for requests.
type Runner struct {
	instances []*Instance
	byName    map[string]*Instance
	logger    *observability.Logger
}

// NewRunner creates a runner over built instances.
func NewRunner(instances []*Instance, logger *observability.Logger) *Runner {
	byName := make(map[string]*Instance, len(instances))
	for _, inst := range instances {
		byName[inst.Guardrail.Name()] = inst
	}
	return &Runner{
		instances: instances,
		byName:    byName,
		logger:    logger,
	}
}

// Resolve selects the guardrails for a request. A non-nil metadata
// list (even empty) replaces everything else. Otherwise the principal's
// policy shapes the default-on set: override mode runs exactly the
// included names, inherit mode extends the defaults with them, and
// exclusions remove named entries last. Unknown names are an invalid
// request.
func (r *Runner) Resolve(principal *auth.Principal, md *types.RequestMetadata) ([]*Instance, error) {
	if md != nil && md.Guardrails != nil {
		return r.byNames(md.Guardrails)
	}

	policy := principal.GuardrailsPolicy()

	var selected []*Instance
	if policy != nil && policy.Mode == auth.PolicyOverride {
		included, err := r.byNames(policy.Include)
		if err != nil {
			return nil, err
		}
		selected = included
	} else {
		for _, inst := range r.instances {
			if inst.DefaultOn {
				selected = append(selected, inst)
			}
		}
		if policy != nil {
			included, err := r.byNames(policy.Include)
			if err != nil {
				return nil, err
			}
			for _, inst := range included {
				if !containsInstance(selected, inst) {
					selected = append(selected, inst)
				}
			}
		}
	}

	if policy != nil && len(policy.Exclude) > 0 {
		excluded := make(map[string]bool, len(policy.Exclude))
		for _, name := range policy.Exclude {
			excluded[name] = true
		}
		kept := selected[:0:0]
		for _, inst := range selected {
			if !excluded[inst.Guardrail.Name()] {
				kept = append(kept, inst)
			}
		}
		selected = kept
	}
	return selected, nil
}

func (r *Runner) byNames(names []string) ([]*Instance, error) {
	selected := make([]*Instance, 0, len(names))
	for _, name := range names {
		inst, ok := r.byName[name]
		if !ok {
			return nil, gwerrors.NewInvalidRequestError("", fmt.Sprintf("unknown guardrail %q", name))
		}
		selected = append(selected, inst)
	}
	return selected, nil
}

func containsInstance(list []*Instance, inst *Instance) bool {
	for _, have := range list {
		if have == inst {
			return true
		}
	}
	return false
}

// RunPreCall executes pre_call guardrails in order. It returns the
// request to forward upstream, which may be a masked rewrite.
func (r *Runner) RunPreCall(ctx context.Context, req *types.ChatRequest, selected []*Instance) (*types.ChatRequest, error) {
	current := req
	for _, inst := range selected {
		if inst.Mode != ModePreCall {
			continue
		}
		next, err := r.runRequest(ctx, inst, current)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

// RunDuringCall executes during_call guardrails; the pipeline runs this
// concurrently with the upstream call and joins before responding.
// Masked rewrites are ignored here since the request is already in
// flight.
func (r *Runner) RunDuringCall(ctx context.Context, req *types.ChatRequest, selected []*Instance) error {
	for _, inst := range selected {
		if inst.Mode != ModeDuringCall {
			continue
		}
		if mod, ok := inst.Guardrail.(Moderator); ok {
			if err := r.runModeration(ctx, inst, mod, req); err != nil {
				return err
			}
			continue
		}
		if _, err := r.runRequest(ctx, inst, req); err != nil {
			return err
		}
	}
	return nil
}

// runModeration issues a pass/fail query; a flagged verdict goes
// through the instance's configured action like any other violation.
func (r *Runner) runModeration(ctx context.Context, inst *Instance, mod Moderator, req *types.ChatRequest) error {
	name := inst.Guardrail.Name()
	result, err := mod.Moderate(ctx, req)
	if err != nil {
		if inst.FailOpen {
			metrics.GuardrailExecutions.WithLabelValues(name, string(inst.Mode), "error_open").Inc()
			r.logger.WithRequestID(ctx).Warn("guardrail failed open", "guardrail", name, "error", err)
			return nil
		}
		metrics.GuardrailExecutions.WithLabelValues(name, string(inst.Mode), "error_closed").Inc()
		return gwerrors.NewGuardrailViolationError(name, "guardrail execution failed")
	}
	return r.applyResult(ctx, inst, result)
}

// RunPostCallFailure lets failure observers inspect requests whose
// upstream call failed. Strictly observational: nothing here changes
// the error returned to the client.
func (r *Runner) RunPostCallFailure(ctx context.Context, req *types.ChatRequest, callErr error, selected []*Instance) {
	for _, inst := range selected {
		obs, ok := inst.Guardrail.(FailureObserver)
		if !ok {
			continue
		}
		name := inst.Guardrail.Name()
		result, err := obs.CheckFailure(ctx, req, callErr)
		if err != nil {
			metrics.GuardrailExecutions.WithLabelValues(name, "post_call_failure", "error_open").Inc()
			r.logger.WithRequestID(ctx).Warn("failure observer errored", "guardrail", name, "error", err)
			continue
		}
		if result == nil || !result.Violated {
			metrics.GuardrailExecutions.WithLabelValues(name, "post_call_failure", "pass").Inc()
			continue
		}
		metrics.GuardrailExecutions.WithLabelValues(name, "post_call_failure", "log").Inc()
		r.logger.WithRequestID(ctx).Warn("guardrail violation on failed request",
			"guardrail", name, "detail", result.Detail)
	}
}

// RunPostCall executes post_call guardrails over the response.
func (r *Runner) RunPostCall(ctx context.Context, resp *types.ChatResponse, selected []*Instance) error {
	for _, inst := range selected {
		if inst.Mode != ModePostCall {
			continue
		}
		name := inst.Guardrail.Name()
		result, err := inst.Guardrail.CheckResponse(ctx, resp)
		if err != nil {
			if inst.FailOpen {
				metrics.GuardrailExecutions.WithLabelValues(name, string(inst.Mode), "error_open").Inc()
				r.logger.WithRequestID(ctx).Warn("guardrail failed open", "guardrail", name, "error", err)
				continue
			}
			metrics.GuardrailExecutions.WithLabelValues(name, string(inst.Mode), "error_closed").Inc()
			return gwerrors.NewGuardrailViolationError(name, "guardrail execution failed")
		}
		if err := r.applyResult(ctx, inst, result); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runRequest(ctx context.Context, inst *Instance, req *types.ChatRequest) (*types.ChatRequest, error) {
	name := inst.Guardrail.Name()
	result, err := inst.Guardrail.CheckRequest(ctx, req)
	if err != nil {
		if inst.FailOpen {
			metrics.GuardrailExecutions.WithLabelValues(name, string(inst.Mode), "error_open").Inc()
			r.logger.WithRequestID(ctx).Warn("guardrail failed open", "guardrail", name, "error", err)
			return req, nil
		}
		metrics.GuardrailExecutions.WithLabelValues(name, string(inst.Mode), "error_closed").Inc()
		return nil, gwerrors.NewGuardrailViolationError(name, "guardrail execution failed")
	}

	if err := r.applyResult(ctx, inst, result); err != nil {
		return nil, err
	}
	if result != nil && result.MaskedRequest != nil && inst.Action == ActionLog {
		// Log-mode maskers rewrite instead of blocking.
		return result.MaskedRequest, nil
	}
	return req, nil
}

func (r *Runner) applyResult(ctx context.Context, inst *Instance, result *Result) error {
	name := inst.Guardrail.Name()
	if result == nil || !result.Violated {
		metrics.GuardrailExecutions.WithLabelValues(name, string(inst.Mode), "pass").Inc()
		return nil
	}

	if inst.Action == ActionBlock {
		metrics.GuardrailExecutions.WithLabelValues(name, string(inst.Mode), "block").Inc()
		return gwerrors.NewGuardrailViolationError(name, result.Detail)
	}

	metrics.GuardrailExecutions.WithLabelValues(name, string(inst.Mode), "log").Inc()
	r.logger.WithRequestID(ctx).Warn("guardrail violation logged",
		"guardrail", name,
		"mode", string(inst.Mode),
		"detail", result.Detail,
	)
	return nil
}
