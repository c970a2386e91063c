// Package failover drives retries across deployments and fallback
// chains. A request first retries within its own model group, then
// walks the configured fallback groups. Context-window and
// content-policy errors jump to their dedicated chains immediately
// since retrying the same group cannot help.
package failover

import (
	"context"
	"errors"
	"time"

	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/internal/metrics"
	"github.com/relaymux/relaymux/internal/observability"
	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/internal/router"
	gwerrors "github.com/relaymux/relaymux/pkg/errors"
)

// AttemptFunc performs one upstream attempt on a deployment. The
// callback captures its own result; the executor only sees the error.
type AttemptFunc func(ctx context.Context, d *registry.Deployment) error

// fallbackKind labels cross-group fallback metrics.
const (
	kindGeneral       = "general"
	kindContextWindow = "context_window"
	kindContentPolicy = "content_policy"
)

// Executor runs attempts with retries, cooldown bookkeeping, and
// fallback chains.
type Executor struct {
	manager *config.Manager
	router  *router.Router
	logger  *observability.Logger
}

// New creates an executor.
func New(manager *config.Manager, rt *router.Router, logger *observability.Logger) *Executor {
	return &Executor{
		manager: manager,
		router:  rt,
		logger:  logger,
	}
}

// Execute runs attempt against deployments of group until one succeeds
// or every chain is exhausted. It returns the deployment that served
// the request, or the last error.
func (e *Executor) Execute(ctx context.Context, snap *registry.Snapshot, group string, route *router.Request, attempt AttemptFunc) (*registry.Deployment, error) {
	rcfg := e.manager.Get().Router

	d, err := e.executeGroup(ctx, snap, group, route, rcfg, attempt)
	if err == nil {
		return d, nil
	}

	var gwErr *gwerrors.GatewayError
	isGateway := errors.As(err, &gwErr)

	// Dedicated chains preempt the general one: a prompt that overflows
	// or a policy refusal fails identically on every same-family model.
	if isGateway && gwErr.IsContextWindow() {
		if d, ferr := e.executeFallbacks(ctx, snap, group, rcfg.ContextWindowFallbacks[group], kindContextWindow, route, rcfg, attempt); ferr == nil {
			return d, nil
		}
		return nil, err
	}
	if isGateway && gwErr.IsContentPolicy() {
		if d, ferr := e.executeFallbacks(ctx, snap, group, rcfg.ContentPolicyFallbacks[group], kindContentPolicy, route, rcfg, attempt); ferr == nil {
			return d, nil
		}
		return nil, err
	}

	if d, ferr := e.executeFallbacks(ctx, snap, group, rcfg.Fallbacks[group], kindGeneral, route, rcfg, attempt); ferr == nil {
		return d, nil
	}
	return nil, err
}

// executeFallbacks walks a fallback chain in order, giving each group
// its own retry budget.
func (e *Executor) executeFallbacks(ctx context.Context, snap *registry.Snapshot, from string, chain []string, kind string, route *router.Request, rcfg config.RouterConfig, attempt AttemptFunc) (*registry.Deployment, error) {
	if len(chain) == 0 {
		return nil, errors.New("no fallback chain configured")
	}

	var lastErr error
	for _, to := range chain {
		if ctx.Err() != nil {
			return nil, gwerrors.NewTimeoutError("", from, "request deadline exceeded during fallback")
		}

		metrics.FallbackAttempts.WithLabelValues(from, to, kind).Inc()
		e.logger.WithRequestID(ctx).Info("falling back",
			"from_group", from, "to_group", to, "kind", kind)

		d, err := e.executeGroup(ctx, snap, to, route, rcfg, attempt)
		if err == nil {
			return d, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// executeGroup walks every eligible deployment in the group, giving
// each its own retry budget. A deployment that keeps failing is
// excluded from later picks; the group is exhausted when the router
// has no one left to offer.
func (e *Executor) executeGroup(ctx context.Context, snap *registry.Snapshot, group string, route *router.Request, rcfg config.RouterConfig, attempt AttemptFunc) (*registry.Deployment, error) {
	tried := make(map[string]struct{})
	groupRoute := &router.Request{
		Group:           group,
		Tags:            route.Tags,
		EstimatedTokens: route.EstimatedTokens,
		Exclude:         tried,
	}

	var lastErr error
	for {
		d, err := e.router.Pick(ctx, snap, groupRoute)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		tried[d.ID] = struct{}{}

		err = e.tryDeployment(ctx, group, d, rcfg, attempt)
		if err == nil {
			return d, nil
		}
		lastErr = err

		var gwErr *gwerrors.GatewayError
		if errors.As(err, &gwErr) {
			if gwErr.IsContextWindow() || gwErr.IsContentPolicy() {
				// A sibling on the same model family fails identically.
				return nil, err
			}
			if !gwErr.IsRetryable() {
				return nil, err
			}
		} else {
			return nil, err
		}
	}
}

// tryDeployment runs up to 1+NumRetries attempts against a single
// deployment. NumRetries zero means exactly one attempt. Retries are
// spaced linearly by RetryAfter times the retry number.
func (e *Executor) tryDeployment(ctx context.Context, group string, d *registry.Deployment, rcfg config.RouterConfig, attempt AttemptFunc) error {
	var lastErr error
	for attemptNum := 0; attemptNum <= rcfg.NumRetries; attemptNum++ {
		if attemptNum > 0 && rcfg.RetryAfter > 0 {
			wait := rcfg.RetryAfter * time.Duration(attemptNum)
			select {
			case <-ctx.Done():
				return gwerrors.NewTimeoutError("", group, "request deadline exceeded between retries")
			case <-time.After(wait):
			}
		}

		err := e.runAttempt(ctx, d, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		var gwErr *gwerrors.GatewayError
		if errors.As(err, &gwErr) {
			if gwErr.IsContextWindow() || gwErr.IsContentPolicy() || !gwErr.IsRetryable() {
				return err
			}
		} else {
			return err
		}
	}
	return lastErr
}

// runAttempt wraps one attempt with in-flight accounting, latency
// sampling, and failure bookkeeping.
func (e *Executor) runAttempt(ctx context.Context, d *registry.Deployment, attempt AttemptFunc) error {
	tracker := e.router.Tracker()
	tracker.IncrActive(ctx, d.ID, d.ModelGroup)

	start := time.Now()
	err := attempt(ctx, d)

	releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tracker.DecrActive(releaseCtx, d.ID, d.ModelGroup)

	if err == nil {
		tracker.RecordSuccess(ctx, d.ID)
		tracker.RecordLatency(ctx, d.ID, time.Since(start))
		return nil
	}

	var gwErr *gwerrors.GatewayError
	isGateway := errors.As(err, &gwErr)
	if ctx.Err() != nil || (isGateway && gwErr.Kind == gwerrors.KindTimeout) {
		tracker.RecordCancelledLatency(releaseCtx, d.ID, time.Since(start))
	}
	if isGateway && gwerrors.IsCooldownRequired(gwErr.HTTPStatusCode()) {
		rcfg := e.manager.Get().Router
		tracker.RecordFailure(releaseCtx, d.ID, d.ModelGroup, rcfg.AllowedFails, rcfg.CooldownTime)
	}
	return err
}
