package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/relaymux/relaymux/internal/auth"
	"github.com/relaymux/relaymux/internal/cache"
	"github.com/relaymux/relaymux/internal/events"
	"github.com/relaymux/relaymux/internal/metrics"
	"github.com/relaymux/relaymux/internal/observability"
	"github.com/relaymux/relaymux/internal/ratelimit"
	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/internal/router"
	"github.com/relaymux/relaymux/internal/spend"
	"github.com/relaymux/relaymux/internal/tokenizer"
	gwerrors "github.com/relaymux/relaymux/pkg/errors"
	"github.com/relaymux/relaymux/pkg/types"
)

// EmbedResult is a completed embedding call.
type EmbedResult struct {
	Response           *types.EmbeddingResponse
	Deployment         *registry.Deployment
	CacheHit           bool
	RequestID          string
	RateLimitRemaining map[string]int64
}

// Embed executes an embedding request. Embeddings skip the guardrail
// stages but share routing, caching, rate limits, budgets, and
// accounting with chat. Embedding responses are deterministic per
// input, which makes them ideal cache entries.
func (p *Pipeline) Embed(ctx context.Context, req *types.EmbeddingRequest) (*EmbedResult, error) {
	start := time.Now()
	ctx, requestID := observability.GetOrCreateRequestID(ctx)
	principal := auth.PrincipalFromContext(ctx)
	snap := p.registry.Snapshot()

	fail := func(err error) (*EmbedResult, error) {
		p.recordFailure(ctx, req.Model, "", principal, err)
		return nil, err
	}

	if req.Input.IsEmpty() {
		return fail(gwerrors.NewInvalidRequestError(req.Model, "input is required"))
	}
	if err := req.Input.Validate(); err != nil {
		return fail(gwerrors.NewInvalidRequestError(req.Model, err.Error()))
	}

	group, ok := snap.Resolve(req.Model)
	if !ok {
		return fail(gwerrors.NewModelNotFoundError(req.Model))
	}
	if err := checkModelAccess(principal, req.Model); err != nil {
		return fail(err)
	}

	estimated := int64(tokenizer.EstimateEmbeddingTokens(req.Model, req))

	checks := ratelimit.ChecksForPrincipal(principal, req.Model, estimated)
	remaining := map[string]int64{}
	decision, err := p.limiter.Allow(ctx, checks)
	if err != nil {
		p.logger.WithRequestID(ctx).Warn("rate limit check degraded, admitting", "error", err)
	} else {
		remaining = decision.Remaining
		if !decision.Allowed {
			return fail(gwerrors.NewRateLimitError(decision.FailedScope,
				fmt.Sprintf("%s %s limit exceeded", decision.FailedScope, decision.FailedKind),
				decision.RetryAfter))
		}
	}

	if err := p.accountant.CheckBudget(principal); err != nil {
		return fail(err)
	}

	ctrl := cache.ParseControl(req.Metadata)
	if cached := p.cache.LookupEmbedding(ctx, req, ctrl); cached != nil {
		p.accountEmbedCacheHit(ctx, requestID, principal, group, cached)
		return &EmbedResult{
			Response:           cached,
			CacheHit:           true,
			RequestID:          requestID,
			RateLimitRemaining: remaining,
		}, nil
	}

	var tags []string
	if req.Metadata != nil {
		tags = req.Metadata.Tags
	}
	route := &router.Request{Tags: tags, EstimatedTokens: estimated}

	var resp *types.EmbeddingResponse
	d, err := p.failover.Execute(ctx, snap, group, route, func(ctx context.Context, d *registry.Deployment) error {
		if err := p.admitDeployment(ctx, d, estimated); err != nil {
			return err
		}
		adapter, err := p.providers.Adapter(d.Provider)
		if err != nil {
			return gwerrors.NewInternalError(err.Error())
		}

		callCtx, cancel := context.WithTimeout(ctx, p.deploymentTimeout(d))
		defer cancel()

		upstreamStart := time.Now()
		r, err := adapter.Embed(callCtx, d, req)
		metrics.UpstreamLatency.WithLabelValues(d.Model, d.ModelGroup, d.Provider, d.APIBase).
			Observe(time.Since(upstreamStart).Seconds())
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		p.recordFailure(ctx, req.Model, group, principal, err)
		return nil, err
	}

	p.cache.StoreEmbedding(ctx, req, resp, ctrl)

	outcome := &spend.Outcome{
		RequestID:  requestID,
		Principal:  principal,
		Deployment: d,
		ModelGroup: group,
		Usage:      &resp.Usage,
	}
	p.accountant.Record(ctx, outcome)

	metrics.ProxyTotalRequests.WithLabelValues(d.Model, group, d.Provider, "200").Inc()
	metrics.RequestTotalLatency.WithLabelValues(d.Model, group, d.Provider).
		Observe(time.Since(start).Seconds())
	metrics.InputTokens.WithLabelValues(d.Model, group, d.Provider).Add(float64(resp.Usage.PromptTokens))

	return &EmbedResult{
		Response:           resp,
		Deployment:         d,
		RequestID:          requestID,
		RateLimitRemaining: remaining,
	}, nil
}

// accountEmbedCacheHit records a zero-cost ledger entry and emits the
// cache event for a served embedding.
func (p *Pipeline) accountEmbedCacheHit(ctx context.Context, requestID string, principal *auth.Principal, group string, resp *types.EmbeddingResponse) {
	outcome := &spend.Outcome{
		RequestID:  requestID,
		Principal:  principal,
		ModelGroup: group,
		Usage:      &resp.Usage,
		CacheHit:   true,
	}
	p.accountant.Record(ctx, outcome)

	metrics.ProxyTotalRequests.WithLabelValues(resp.Model, group, "cache", "200").Inc()

	ev := events.Event{
		Type:       events.TypeCacheHit,
		RequestID:  requestID,
		Model:      resp.Model,
		ModelGroup: group,
	}
	if principal != nil && principal.Key != nil {
		ev.KeyID = principal.Key.ID
	}
	p.bus.Publish(ctx, ev)
}
