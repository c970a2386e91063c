package pipeline

import (
	"context"
	"time"

	"github.com/relaymux/relaymux/internal/cache"
	"github.com/relaymux/relaymux/internal/metrics"
	"github.com/relaymux/relaymux/internal/observability"
	"github.com/relaymux/relaymux/internal/provider"
	"github.com/relaymux/relaymux/internal/registry"
	gwerrors "github.com/relaymux/relaymux/pkg/errors"
	"github.com/relaymux/relaymux/pkg/types"
)

// StreamResult is an admitted streaming chat call. Exactly one of
// Stream and Chunks is set: Chunks replays a cache hit.
type StreamResult struct {
	Stream     provider.Stream
	Chunks     []*types.StreamChunk
	Deployment *registry.Deployment
	CacheHit   bool
	RequestID  string
	RateLimitRemaining map[string]int64

	pipeline *Pipeline
	adm      *admission
	start    time.Time
}

// ChatStream executes the pre-upstream stages and opens the stream.
// The caller forwards chunks and must invoke Finish exactly once when
// forwarding ends.
func (p *Pipeline) ChatStream(ctx context.Context, req *types.ChatRequest) (*StreamResult, error) {
	start := time.Now()
	ctx, requestID := observability.GetOrCreateRequestID(ctx)

	adm, cached, err := p.admit(ctx, req, requestID)
	if err != nil {
		adm.release()
		p.recordFailure(ctx, req.Model, adm.group, adm.principal, err)
		return nil, err
	}

	result := &StreamResult{
		RequestID:          requestID,
		RateLimitRemaining: adm.remaining,
		pipeline:           p,
		adm:                adm,
		start:              start,
	}

	if cached != nil {
		adm.release()
		includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
		result.Chunks = cache.SynthesizeStream(cached, includeUsage)
		result.CacheHit = true
		p.accountCacheHit(ctx, adm, cached)
		return result, nil
	}

	var stream provider.Stream
	d, err := p.failover.Execute(ctx, adm.snap, adm.group, p.routeRequest(adm), func(ctx context.Context, d *registry.Deployment) error {
		s, err := p.openStream(ctx, d, adm)
		if err != nil {
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		adm.release()
		p.recordFailure(ctx, req.Model, adm.group, adm.principal, err)
		return nil, err
	}

	result.Stream = stream
	result.Deployment = d
	return result, nil
}

// openStream performs one streaming attempt. No per-attempt deadline is
// applied: long generations outlive any fixed timeout, so cancellation
// rides the caller's context.
func (p *Pipeline) openStream(ctx context.Context, d *registry.Deployment, adm *admission) (provider.Stream, error) {
	if err := p.admitDeployment(ctx, d, adm.estimated); err != nil {
		return nil, err
	}

	adapter, err := p.providers.Adapter(d.Provider)
	if err != nil {
		return nil, gwerrors.NewInternalError(err.Error())
	}

	if err := p.guardrails.RunDuringCall(ctx, adm.req, adm.selected); err != nil {
		return nil, err
	}

	upstreamStart := time.Now()
	stream, err := adapter.CompleteStream(ctx, d, adm.req)
	metrics.UpstreamLatency.WithLabelValues(d.Model, d.ModelGroup, d.Provider, d.APIBase).
		Observe(time.Since(upstreamStart).Seconds())
	return stream, err
}

// Finish settles the stream after forwarding: post-call guardrails on
// the accumulated response, cache store, token correction, spend, and
// events. Violations found post hoc are logged since the content has
// already been sent.
func (r *StreamResult) Finish(ctx context.Context, accumulated *types.ChatResponse, usage *types.Usage, streamErr error) {
	p := r.pipeline
	adm := r.adm
	if r.CacheHit {
		return
	}
	defer adm.release()

	if streamErr != nil {
		p.guardrails.RunPostCallFailure(ctx, adm.req, streamErr, adm.selected)
		p.recordFailure(ctx, adm.req.Model, adm.group, adm.principal, streamErr)
		return
	}

	if accumulated != nil {
		if err := p.guardrails.RunPostCall(ctx, accumulated, adm.selected); err != nil {
			p.logger.WithRequestID(ctx).Warn("post-call guardrail violation on streamed response", "error", err)
		} else {
			if accumulated.Usage == nil {
				accumulated.Usage = usage
			}
			p.cache.Store(ctx, adm.req, accumulated, adm.ctrl)
		}
	}

	p.settle(ctx, adm, r.Deployment, usage, r.start)
}
