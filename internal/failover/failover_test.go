package failover

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/internal/observability"
	"github.com/relaymux/relaymux/internal/pricing"
	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/internal/router"
	"github.com/relaymux/relaymux/internal/statestore"
	gwerrors "github.com/relaymux/relaymux/pkg/errors"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LoggerConfig{Output: io.Discard}, nil)
}

func buildSnap(t *testing.T, deployments map[string][]string) *registry.Snapshot {
	t.Helper()
	var configs []config.DeploymentConfig
	for group, ids := range deployments {
		for _, id := range ids {
			configs = append(configs, config.DeploymentConfig{
				ModelName: group,
				Params:    config.DeploymentParams{Model: "openai/gpt-4o"},
				Info:      config.DeploymentInfo{ID: id},
			})
		}
	}
	snap, err := registry.BuildSnapshot(configs, nil)
	require.NoError(t, err)
	return snap
}

func newTestExecutor(t *testing.T, rcfg config.RouterConfig) (*Executor, *router.Router) {
	t.Helper()
	if rcfg.Strategy == "" {
		rcfg.Strategy = config.StrategySimpleShuffle
	}
	cfg := config.DefaultConfig()
	cfg.Router = rcfg

	store := statestore.NewLocalStore()
	t.Cleanup(func() { store.Close() })
	manager := config.NewStaticManager(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	tracker := router.NewTracker(store, nil, testLogger())
	rt := router.New(manager, tracker, store, pricing.NewCalculator(nil), testLogger())
	return New(manager, rt, testLogger()), rt
}

// attemptScript fails deployments by ID and records the order attempted.
type attemptScript struct {
	failures map[string]error
	attempts []string
}

func (s *attemptScript) fn(_ context.Context, d *registry.Deployment) error {
	s.attempts = append(s.attempts, d.ID)
	if err, ok := s.failures[d.ID]; ok {
		return err
	}
	return nil
}

func TestExecuteFirstAttemptSucceeds(t *testing.T) {
	exec, _ := newTestExecutor(t, config.RouterConfig{NumRetries: 2})
	snap := buildSnap(t, map[string][]string{"gpt-4o": {"d1"}})

	script := &attemptScript{}
	d, err := exec.Execute(context.Background(), snap, "gpt-4o", &router.Request{}, script.fn)
	require.NoError(t, err)
	assert.Equal(t, "d1", d.ID)
	assert.Equal(t, []string{"d1"}, script.attempts)
}

func TestExecuteRetriesSiblings(t *testing.T) {
	exec, _ := newTestExecutor(t, config.RouterConfig{NumRetries: 2})
	snap := buildSnap(t, map[string][]string{"gpt-4o": {"bad-a", "bad-b", "good"}})

	script := &attemptScript{failures: map[string]error{
		"bad-a": gwerrors.NewUpstreamUnavailableError("openai", "gpt-4o", "down"),
		"bad-b": gwerrors.NewUpstreamUnavailableError("openai", "gpt-4o", "down"),
	}}

	d, err := exec.Execute(context.Background(), snap, "gpt-4o", &router.Request{}, script.fn)
	require.NoError(t, err)
	assert.Equal(t, "good", d.ID)

	// Each failing deployment exhausts its own retry budget before the
	// router moves on; the healthy one serves on its first attempt.
	seen := map[string]int{}
	for _, id := range script.attempts {
		seen[id]++
	}
	assert.Equal(t, 3, seen["bad-a"])
	assert.Equal(t, 3, seen["bad-b"])
	assert.Equal(t, 1, seen["good"])
	assert.Equal(t, "good", script.attempts[len(script.attempts)-1])
}

func TestExecuteRetriesSameDeploymentFirst(t *testing.T) {
	exec, _ := newTestExecutor(t, config.RouterConfig{NumRetries: 2})
	snap := buildSnap(t, map[string][]string{"gpt-4o": {"flaky"}})

	var count int
	d, err := exec.Execute(context.Background(), snap, "gpt-4o", &router.Request{},
		func(context.Context, *registry.Deployment) error {
			count++
			if count < 3 {
				return gwerrors.NewUpstreamUnavailableError("openai", "gpt-4o", "blip")
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, "flaky", d.ID)
	assert.Equal(t, 3, count)
}

func TestExecuteZeroRetriesTriesEachSiblingOnce(t *testing.T) {
	exec, _ := newTestExecutor(t, config.RouterConfig{NumRetries: 0})
	snap := buildSnap(t, map[string][]string{"gpt-4o": {"bad", "good"}})

	// A healthy sibling still serves when retries are disabled.
	script := &attemptScript{failures: map[string]error{
		"bad": gwerrors.NewUpstreamUnavailableError("openai", "gpt-4o", "down"),
	}}
	d, err := exec.Execute(context.Background(), snap, "gpt-4o", &router.Request{}, script.fn)
	require.NoError(t, err)
	assert.Equal(t, "good", d.ID)

	// When everyone fails, each deployment gets exactly one attempt.
	var count int
	_, err = exec.Execute(context.Background(), snap, "gpt-4o", &router.Request{},
		func(context.Context, *registry.Deployment) error {
			count++
			return gwerrors.NewUpstreamUnavailableError("openai", "gpt-4o", "down")
		})
	require.Error(t, err)
	assert.Equal(t, 2, count)
}

func TestExecuteNonRetryableAborts(t *testing.T) {
	exec, _ := newTestExecutor(t, config.RouterConfig{NumRetries: 3})
	snap := buildSnap(t, map[string][]string{"gpt-4o": {"d1", "d2"}})

	var count int
	_, err := exec.Execute(context.Background(), snap, "gpt-4o", &router.Request{},
		func(context.Context, *registry.Deployment) error {
			count++
			return gwerrors.NewInvalidRequestError("gpt-4o", "bad request")
		})
	require.Error(t, err)
	assert.Equal(t, 1, count)

	var gwErr *gwerrors.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, gwerrors.KindInvalidRequest, gwErr.Kind)
}

func TestExecuteGeneralFallback(t *testing.T) {
	exec, _ := newTestExecutor(t, config.RouterConfig{
		NumRetries: 0,
		Fallbacks:  map[string][]string{"gpt-4o": {"gpt-4o-mini"}},
	})
	snap := buildSnap(t, map[string][]string{
		"gpt-4o":      {"primary"},
		"gpt-4o-mini": {"fallback"},
	})

	script := &attemptScript{failures: map[string]error{
		"primary": gwerrors.NewUpstreamUnavailableError("openai", "gpt-4o", "down"),
	}}

	d, err := exec.Execute(context.Background(), snap, "gpt-4o", &router.Request{}, script.fn)
	require.NoError(t, err)
	assert.Equal(t, "fallback", d.ID)
	assert.Equal(t, []string{"primary", "fallback"}, script.attempts)
}

func TestExecuteContextWindowChainPreemptsGeneral(t *testing.T) {
	exec, _ := newTestExecutor(t, config.RouterConfig{
		NumRetries:             2,
		Fallbacks:              map[string][]string{"gpt-4o": {"wrong-chain"}},
		ContextWindowFallbacks: map[string][]string{"gpt-4o": {"big-window"}},
	})
	snap := buildSnap(t, map[string][]string{
		"gpt-4o":      {"primary"},
		"wrong-chain": {"wrong"},
		"big-window":  {"big"},
	})

	script := &attemptScript{failures: map[string]error{
		"primary": gwerrors.NewContextWindowError("openai", "gpt-4o", "prompt too long"),
	}}

	d, err := exec.Execute(context.Background(), snap, "gpt-4o", &router.Request{}, script.fn)
	require.NoError(t, err)
	assert.Equal(t, "big", d.ID)
	// No same-group retry and no general fallback.
	assert.Equal(t, []string{"primary", "big"}, script.attempts)
}

func TestExecuteContentPolicyChain(t *testing.T) {
	exec, _ := newTestExecutor(t, config.RouterConfig{
		NumRetries:             1,
		ContentPolicyFallbacks: map[string][]string{"gpt-4o": {"lenient"}},
	})
	snap := buildSnap(t, map[string][]string{
		"gpt-4o":  {"primary"},
		"lenient": {"other"},
	})

	script := &attemptScript{failures: map[string]error{
		"primary": gwerrors.NewContentFilterError("openai", "gpt-4o", "refused"),
	}}

	d, err := exec.Execute(context.Background(), snap, "gpt-4o", &router.Request{}, script.fn)
	require.NoError(t, err)
	assert.Equal(t, "other", d.ID)
}

func TestExecuteReturnsOriginalErrorWhenFallbackFails(t *testing.T) {
	exec, _ := newTestExecutor(t, config.RouterConfig{
		NumRetries: 0,
		Fallbacks:  map[string][]string{"gpt-4o": {"gpt-4o-mini"}},
	})
	snap := buildSnap(t, map[string][]string{
		"gpt-4o":      {"primary"},
		"gpt-4o-mini": {"fallback"},
	})

	script := &attemptScript{failures: map[string]error{
		"primary":  gwerrors.NewProviderRateLimitError("openai", "gpt-4o", "primary limited"),
		"fallback": gwerrors.NewUpstreamUnavailableError("openai", "gpt-4o-mini", "down"),
	}}

	_, err := exec.Execute(context.Background(), snap, "gpt-4o", &router.Request{}, script.fn)
	require.Error(t, err)
	var gwErr *gwerrors.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "primary limited", gwErr.Message)
}

func TestExecuteCooldownAfterFailures(t *testing.T) {
	exec, rt := newTestExecutor(t, config.RouterConfig{
		NumRetries:   0,
		AllowedFails: 0,
		CooldownTime: time.Minute,
	})
	snap := buildSnap(t, map[string][]string{"gpt-4o": {"only"}})

	script := &attemptScript{failures: map[string]error{
		"only": gwerrors.NewUpstreamUnavailableError("openai", "gpt-4o", "down"),
	}}

	_, err := exec.Execute(context.Background(), snap, "gpt-4o", &router.Request{}, script.fn)
	require.Error(t, err)

	// With allowed_fails of zero the single 503 started a cooldown.
	assert.True(t, rt.Tracker().InCooldown(context.Background(), "only"))

	// The next request finds no candidates at all.
	_, err = exec.Execute(context.Background(), snap, "gpt-4o", &router.Request{}, script.fn)
	require.Error(t, err)
	var gwErr *gwerrors.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, gwerrors.KindUpstreamUnavailable, gwErr.Kind)
	assert.Empty(t, script.attempts[1:])
}

func TestExecuteTimeoutKeepsRoutingLatencyClean(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Router = config.RouterConfig{Strategy: config.StrategySimpleShuffle, NumRetries: 0}

	store := statestore.NewLocalStore()
	t.Cleanup(func() { store.Close() })
	manager := config.NewStaticManager(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	tracker := router.NewTracker(store, nil, testLogger())
	rt := router.New(manager, tracker, store, pricing.NewCalculator(nil), testLogger())
	exec := New(manager, rt, testLogger())

	snap := buildSnap(t, map[string][]string{"gpt-4o": {"slow"}})

	_, err := exec.Execute(context.Background(), snap, "gpt-4o", &router.Request{},
		func(context.Context, *registry.Deployment) error {
			return gwerrors.NewTimeoutError("openai", "gpt-4o", "deadline exceeded")
		})
	require.Error(t, err)

	// The timed-out attempt must not feed latency-based routing.
	_, ok := tracker.SmoothedLatency(context.Background(), "slow")
	assert.False(t, ok)

	// It is still observable under its own tag.
	samples, serr := store.LatenciesSince(context.Background(), "deploy:latency:slow:cancelled", time.Now().Add(-time.Minute))
	require.NoError(t, serr)
	assert.Len(t, samples, 1)
}

func TestExecuteClientErrorsSkipCooldown(t *testing.T) {
	exec, rt := newTestExecutor(t, config.RouterConfig{
		NumRetries:   0,
		AllowedFails: 0,
		CooldownTime: time.Minute,
	})
	snap := buildSnap(t, map[string][]string{"gpt-4o": {"only"}})

	script := &attemptScript{failures: map[string]error{
		"only": gwerrors.NewInvalidRequestError("gpt-4o", "bad request"),
	}}

	_, err := exec.Execute(context.Background(), snap, "gpt-4o", &router.Request{}, script.fn)
	require.Error(t, err)
	assert.False(t, rt.Tracker().InCooldown(context.Background(), "only"))
}
