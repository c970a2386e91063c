// Package ratelimit enforces per-key, per-user, per-team, per-org, and
// per-deployment request and token limits on a shared fixed window. All
// scopes of a request are admitted or rejected together inside one
// store transaction: a rejection increments no counter in the batch.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/relaymux/relaymux/internal/auth"
	"github.com/relaymux/relaymux/internal/metrics"
	"github.com/relaymux/relaymux/internal/statestore"
	gwerrors "github.com/relaymux/relaymux/pkg/errors"
)

// Window is the fixed rate-limit window shared by all scopes.
const Window = time.Minute

// Check is one scope to admit.
type Check struct {
	// Scope names the limit owner for errors and metrics, e.g.
	// "key", "team", "deployment".
	Scope string
	// Identity keys the counter, e.g. "key:<id>:<model>".
	Identity string
	// Kind is "rpm" or "tpm".
	Kind string
	// Limit is the maximum count per window; <= 0 means unlimited and
	// the check still increments so usage is observable.
	Limit int64
	// Increment is 1 for rpm, estimated tokens for tpm.
	Increment int64
}

// Decision is the admission outcome.
type Decision struct {
	Allowed bool
	// FailedScope and FailedKind identify the first exceeded limit.
	FailedScope string
	FailedKind  string
	// RetryAfter is the time until the exceeded window resets.
	RetryAfter time.Duration
	// Remaining maps "<scope>:<kind>" to remaining capacity, for
	// response headers.
	Remaining map[string]int64
}

// Limiter admits requests against the state store.
type Limiter struct {
	store statestore.Store
}

// NewLimiter creates a limiter on the given store.
func NewLimiter(store statestore.Store) *Limiter {
	return &Limiter{store: store}
}

// Allow runs all checks as one atomic batch. The store decides and
// commits inside a single transaction, so a rejected request leaves
// every counter in the batch untouched.
func (l *Limiter) Allow(ctx context.Context, checks []Check) (*Decision, error) {
	if len(checks) == 0 {
		return &Decision{Allowed: true, Remaining: map[string]int64{}}, nil
	}

	ops := make([]statestore.WindowOp, len(checks))
	for i, c := range checks {
		ops[i] = statestore.WindowOp{
			Identity:  c.Identity,
			Kind:      c.Kind,
			Increment: c.Increment,
			Limit:     c.Limit,
		}
	}

	admitted, err := l.store.WindowAdmit(ctx, ops, Window)
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}

	decision := &Decision{
		Allowed:   admitted.Allowed,
		Remaining: make(map[string]int64, len(checks)),
	}
	for i, c := range checks {
		remaining := int64(-1)
		if c.Limit > 0 {
			remaining = c.Limit - admitted.Results[i].Count
			if remaining < 0 {
				remaining = 0
			}
		}
		decision.Remaining[c.Scope+":"+c.Kind] = remaining
	}

	if !admitted.Allowed {
		failed := checks[admitted.FailedIndex]
		decision.FailedScope = failed.Scope
		decision.FailedKind = failed.Kind
		reset := admitted.Results[admitted.FailedIndex].WindowStart + int64(Window.Seconds()) - time.Now().Unix()
		if reset < 1 {
			reset = 1
		}
		decision.RetryAfter = time.Duration(reset) * time.Second
		metrics.RateLimitRejections.WithLabelValues(decision.FailedScope).Inc()
	}

	return decision, nil
}

// CorrectTokens replaces a provisional TPM debit with actual usage.
func (l *Limiter) CorrectTokens(ctx context.Context, identity string, estimated, actual int64) error {
	delta := actual - estimated
	if delta == 0 {
		return nil
	}
	return l.store.CounterAdd(ctx, identity, "tpm", delta)
}

// AcquireSlot claims a parallel-request slot for a key. It returns a
// release func; callers must invoke it exactly once.
func (l *Limiter) AcquireSlot(ctx context.Context, keyID string, maxParallel int) (func(), error) {
	if maxParallel <= 0 {
		return func() {}, nil
	}

	slotKey := "parallel:" + keyID
	count, err := l.store.IncrBy(ctx, slotKey, 1, 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("acquire slot: %w", err)
	}
	if count > int64(maxParallel) {
		_, _ = l.store.IncrBy(ctx, slotKey, -1, 0)
		metrics.RateLimitRejections.WithLabelValues("parallel").Inc()
		return nil, gwerrors.NewRateLimitError("key",
			fmt.Sprintf("max parallel requests (%d) exceeded", maxParallel), time.Second)
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = l.store.IncrBy(releaseCtx, slotKey, -1, 0)
	}
	return release, nil
}

// ChecksForPrincipal builds the scope checks for a request: key, user,
// team, and org rpm/tpm where configured, in that order.
func ChecksForPrincipal(p *auth.Principal, model string, estimatedTokens int64) []Check {
	var checks []Check
	if p == nil || p.Key == nil {
		return checks
	}

	key := p.Key
	if limit := key.GetModelRPMLimit(model); limit != nil {
		checks = append(checks, Check{
			Scope:     "key",
			Identity:  "key:" + key.ID + ":" + model,
			Kind:      "rpm",
			Limit:     *limit,
			Increment: 1,
		})
	}
	if limit := key.GetModelTPMLimit(model); limit != nil {
		checks = append(checks, Check{
			Scope:     "key",
			Identity:  "key:" + key.ID + ":" + model,
			Kind:      "tpm",
			Limit:     *limit,
			Increment: estimatedTokens,
		})
	}

	if p.User != nil {
		checks = append(checks, scopeChecks("user", "user:"+p.User.ID,
			p.User.RPMLimit, p.User.TPMLimit, estimatedTokens)...)
	}
	if p.Team != nil {
		checks = append(checks, scopeChecks("team", "team:"+p.Team.ID,
			p.Team.RPMLimit, p.Team.TPMLimit, estimatedTokens)...)
	}
	if p.Org != nil {
		checks = append(checks, scopeChecks("org", "org:"+p.Org.ID,
			p.Org.RPMLimit, p.Org.TPMLimit, estimatedTokens)...)
	}

	return checks
}

func scopeChecks(scope, identity string, rpm, tpm *int64, estimatedTokens int64) []Check {
	var checks []Check
	if rpm != nil {
		checks = append(checks, Check{
			Scope:     scope,
			Identity:  identity,
			Kind:      "rpm",
			Limit:     *rpm,
			Increment: 1,
		})
	}
	if tpm != nil {
		checks = append(checks, Check{
			Scope:     scope,
			Identity:  identity,
			Kind:      "tpm",
			Limit:     *tpm,
			Increment: estimatedTokens,
		})
	}
	return checks
}

// DeploymentCheck builds the admission check for a deployment's own
// rpm/tpm capacity.
func DeploymentCheck(deploymentID string, kind string, limit, increment int64) Check {
	return Check{
		Scope:     "deployment",
		Identity:  "deployment:" + deploymentID,
		Kind:      kind,
		Limit:     limit,
		Increment: increment,
	}
}
