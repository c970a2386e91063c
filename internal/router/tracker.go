// Package router selects a deployment for each request. Candidates are
// narrowed by filters (disabled, cooldown, tags, pre-call checks) and
// the survivor set is handed to the configured strategy. Runtime health
// lives in the state store so instances share one view.
package router

import (
	"context"
	"strconv"
	"time"

	"github.com/relaymux/relaymux/internal/events"
	"github.com/relaymux/relaymux/internal/metrics"
	"github.com/relaymux/relaymux/internal/observability"
	"github.com/relaymux/relaymux/internal/statestore"
)

const (
	cooldownKeyPrefix = "deploy:cooldown:"
	failsKeyPrefix    = "deploy:fails:"
	activeKeyPrefix   = "deploy:active:"
	latencyKeyPrefix  = "deploy:latency:"

	// latencyWindow bounds the sample set consulted by latency-based
	// routing.
	latencyWindow = 5 * time.Minute

	// activeTTL guards against leaked in-flight counters.
	activeTTL = 10 * time.Minute
)

// Tracker maintains per-deployment runtime state: failure streaks,
// cooldowns, in-flight counts, and latency samples.
type Tracker struct {
	store  statestore.Store
	bus    *events.Bus
	logger *observability.Logger
}

// NewTracker creates a tracker on the shared store. A nil bus disables
// cooldown event delivery.
func NewTracker(store statestore.Store, bus *events.Bus, logger *observability.Logger) *Tracker {
	return &Tracker{store: store, bus: bus, logger: logger}
}

// InCooldown reports whether the deployment is currently cooling down.
// Store errors read as not cooling, keeping routing available.
func (t *Tracker) InCooldown(ctx context.Context, deploymentID string) bool {
	val, err := t.store.Get(ctx, cooldownKeyPrefix+deploymentID)
	if err != nil {
		return false
	}
	return val != nil
}

// RecordFailure counts a cooldown-worthy failure and reports whether it
// tipped the deployment into cooldown. With allowedFails of zero the
// first failure cools immediately.
func (t *Tracker) RecordFailure(ctx context.Context, deploymentID, group string, allowedFails int, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return false
	}

	fails, err := t.store.IncrBy(ctx, failsKeyPrefix+deploymentID, 1, cooldown)
	if err != nil {
		t.logger.WithRequestID(ctx).Warn("failure count update failed",
			"deployment_id", deploymentID, "error", err)
		return false
	}
	if fails <= int64(allowedFails) {
		return false
	}

	t.StartCooldown(ctx, deploymentID, group, cooldown)
	return true
}

// StartCooldown places the deployment in cooldown for the duration.
func (t *Tracker) StartCooldown(ctx context.Context, deploymentID, group string, cooldown time.Duration) {
	if err := t.store.SetEx(ctx, cooldownKeyPrefix+deploymentID, []byte("1"), cooldown); err != nil {
		t.logger.WithRequestID(ctx).Warn("cooldown set failed",
			"deployment_id", deploymentID, "error", err)
		return
	}
	_ = t.store.Delete(ctx, failsKeyPrefix+deploymentID)
	metrics.DeploymentCooldowns.WithLabelValues(deploymentID, group).Inc()
	t.logger.WithRequestID(ctx).Warn("deployment cooling down",
		"deployment_id", deploymentID, "model_group", group, "duration", cooldown.String())

	if t.bus != nil {
		t.bus.Publish(ctx, events.Event{
			Type:            events.TypeDeploymentCooldown,
			DeploymentID:    deploymentID,
			ModelGroup:      group,
			CooldownSeconds: int64(cooldown.Seconds()),
		})
	}
}

// RecordSuccess clears the failure streak.
func (t *Tracker) RecordSuccess(ctx context.Context, deploymentID string) {
	_ = t.store.Delete(ctx, failsKeyPrefix+deploymentID)
}

// IncrActive marks a request in flight on the deployment.
func (t *Tracker) IncrActive(ctx context.Context, deploymentID, group string) {
	_, _ = t.store.IncrBy(ctx, activeKeyPrefix+deploymentID, 1, activeTTL)
	metrics.ActiveRequests.WithLabelValues(deploymentID, group).Inc()
}

// DecrActive releases an in-flight slot. Safe to call from deferred
// cleanup with a fresh context.
func (t *Tracker) DecrActive(ctx context.Context, deploymentID, group string) {
	_, _ = t.store.IncrBy(ctx, activeKeyPrefix+deploymentID, -1, 0)
	metrics.ActiveRequests.WithLabelValues(deploymentID, group).Dec()
}

// ActiveCount returns the in-flight request count for a deployment.
func (t *Tracker) ActiveCount(ctx context.Context, deploymentID string) int64 {
	val, err := t.store.Get(ctx, activeKeyPrefix+deploymentID)
	if err != nil || val == nil {
		return 0
	}
	n, err := strconv.ParseInt(string(val), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// RecordLatency stores an end-to-end latency sample for the deployment.
func (t *Tracker) RecordLatency(ctx context.Context, deploymentID string, latency time.Duration) {
	ms := float64(latency.Milliseconds())
	if err := t.store.RecordLatency(ctx, latencyKeyPrefix+deploymentID, time.Now(), ms, latencyWindow); err != nil {
		t.logger.WithRequestID(ctx).Warn("latency sample record failed",
			"deployment_id", deploymentID, "error", err)
	}
}

// RecordCancelledLatency stores a latency sample for an attempt that
// was cancelled or timed out. Samples land under a separate tag so
// latency-based routing only sees completed calls.
func (t *Tracker) RecordCancelledLatency(ctx context.Context, deploymentID string, latency time.Duration) {
	ms := float64(latency.Milliseconds())
	key := latencyKeyPrefix + deploymentID + ":cancelled"
	if err := t.store.RecordLatency(ctx, key, time.Now(), ms, latencyWindow); err != nil {
		t.logger.WithRequestID(ctx).Warn("latency sample record failed",
			"deployment_id", deploymentID, "error", err)
	}
}

// SmoothedLatency returns an exponentially weighted latency over the
// recent window, favoring newer samples. The second return is false
// when no samples exist.
func (t *Tracker) SmoothedLatency(ctx context.Context, deploymentID string) (float64, bool) {
	samples, err := t.store.LatenciesSince(ctx, latencyKeyPrefix+deploymentID, time.Now().Add(-latencyWindow))
	if err != nil || len(samples) == 0 {
		return 0, false
	}

	const alpha = 0.3
	ewma := samples[0]
	for _, s := range samples[1:] {
		ewma = alpha*s + (1-alpha)*ewma
	}
	return ewma, true
}
