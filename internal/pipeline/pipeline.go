// Package pipeline orchestrates request execution: authentication
// context, model resolution, guardrails, caching, rate limits, budget
// enforcement, routed upstream calls with failover, and post-response
// accounting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/relaymux/relaymux/internal/auth"
	"github.com/relaymux/relaymux/internal/cache"
	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/internal/events"
	"github.com/relaymux/relaymux/internal/failover"
	"github.com/relaymux/relaymux/internal/guardrail"
	"github.com/relaymux/relaymux/internal/metrics"
	"github.com/relaymux/relaymux/internal/observability"
	"github.com/relaymux/relaymux/internal/provider"
	"github.com/relaymux/relaymux/internal/ratelimit"
	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/internal/router"
	"github.com/relaymux/relaymux/internal/spend"
	"github.com/relaymux/relaymux/internal/tokenizer"
	gwerrors "github.com/relaymux/relaymux/pkg/errors"
	"github.com/relaymux/relaymux/pkg/types"
)

// Pipeline wires the execution stages together. One instance serves
// all requests.
type Pipeline struct {
	manager    *config.Manager
	registry   *registry.Registry
	providers  *provider.Registry
	failover   *failover.Executor
	limiter    *ratelimit.Limiter
	accountant *spend.Accountant
	cache      *cache.Engine
	guardrails *guardrail.Runner
	bus        *events.Bus
	tracer     trace.Tracer
	logger     *observability.Logger
}

// Options collects the pipeline's collaborators.
type Options struct {
	Manager    *config.Manager
	Registry   *registry.Registry
	Providers  *provider.Registry
	Failover   *failover.Executor
	Limiter    *ratelimit.Limiter
	Accountant *spend.Accountant
	Cache      *cache.Engine
	Guardrails *guardrail.Runner
	Bus        *events.Bus
	Tracer     trace.Tracer
	Logger     *observability.Logger
}

// New creates a pipeline.
func New(opts Options) *Pipeline {
	return &Pipeline{
		manager:    opts.Manager,
		registry:   opts.Registry,
		providers:  opts.Providers,
		failover:   opts.Failover,
		limiter:    opts.Limiter,
		accountant: opts.Accountant,
		cache:      opts.Cache,
		guardrails: opts.Guardrails,
		bus:        opts.Bus,
		tracer:     opts.Tracer,
		logger:     opts.Logger,
	}
}

// ChatResult is a completed non-streaming chat call.
type ChatResult struct {
	Response   *types.ChatResponse
	Deployment *registry.Deployment
	CacheHit   bool
	RequestID  string
	// RateLimitRemaining maps "<scope>:<kind>" to remaining window
	// capacity for response headers.
	RateLimitRemaining map[string]int64
}

// admission is the state shared by the pre-upstream stages.
type admission struct {
	requestID string
	principal *auth.Principal
	snap      *registry.Snapshot
	group     string
	req       *types.ChatRequest
	selected  []*guardrail.Instance
	ctrl      cache.Control
	estimated int64
	remaining map[string]int64
	release   func()
}

// Chat executes a non-streaming chat completion end to end.
func (p *Pipeline) Chat(ctx context.Context, req *types.ChatRequest) (*ChatResult, error) {
	start := time.Now()
	ctx, requestID := observability.GetOrCreateRequestID(ctx)

	adm, cached, err := p.admit(ctx, req, requestID)
	if err != nil {
		p.recordFailure(ctx, req.Model, "", nil, err)
		return nil, err
	}
	defer adm.release()

	if cached != nil {
		p.accountCacheHit(ctx, adm, cached)
		return &ChatResult{
			Response:           cached,
			CacheHit:           true,
			RequestID:          requestID,
			RateLimitRemaining: adm.remaining,
		}, nil
	}

	var resp *types.ChatResponse
	d, err := p.failover.Execute(ctx, adm.snap, adm.group, p.routeRequest(adm), func(ctx context.Context, d *registry.Deployment) error {
		r, err := p.callDeployment(ctx, d, adm)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		p.guardrails.RunPostCallFailure(ctx, adm.req, err, adm.selected)
		p.recordFailure(ctx, req.Model, adm.group, adm.principal, err)
		return nil, err
	}

	if err := p.guardrails.RunPostCall(ctx, resp, adm.selected); err != nil {
		p.recordFailure(ctx, req.Model, adm.group, adm.principal, err)
		return nil, err
	}

	p.cache.Store(ctx, adm.req, resp, adm.ctrl)
	p.settle(ctx, adm, d, resp.Usage, start)

	return &ChatResult{
		Response:           resp,
		Deployment:         d,
		RequestID:          requestID,
		RateLimitRemaining: adm.remaining,
	}, nil
}

// admit runs the shared pre-upstream stages in order: model access,
// rate limits, budget, pre-call guardrails, cache lookup. Limits and
// budgets are enforced before any cache read, so a limited caller
// cannot ride on cached responses. On a cache hit the cached response
// is returned alongside the admission. The returned admission always
// carries a usable release func.
func (p *Pipeline) admit(ctx context.Context, req *types.ChatRequest, requestID string) (*admission, *types.ChatResponse, error) {
	adm := &admission{
		requestID: requestID,
		principal: auth.PrincipalFromContext(ctx),
		snap:      p.registry.Snapshot(),
		remaining: map[string]int64{},
		release:   func() {},
	}

	group, ok := adm.snap.Resolve(req.Model)
	if !ok {
		return adm, nil, gwerrors.NewModelNotFoundError(req.Model)
	}
	adm.group = group

	if err := checkModelAccess(adm.principal, req.Model); err != nil {
		return adm, nil, err
	}

	adm.estimated = int64(tokenizer.EstimatePromptTokens(req.Model, req) + req.MaxTokens)

	if adm.principal != nil && adm.principal.Key != nil && adm.principal.Key.MaxParallelRequests != nil {
		release, err := p.limiter.AcquireSlot(ctx, adm.principal.Key.ID, *adm.principal.Key.MaxParallelRequests)
		if err != nil {
			return adm, nil, err
		}
		adm.release = release
	}

	// Every rejection past slot acquisition must hand the slot back.
	reject := func(err error) (*admission, *types.ChatResponse, error) {
		adm.release()
		adm.release = func() {}
		return adm, nil, err
	}

	checks := ratelimit.ChecksForPrincipal(adm.principal, req.Model, adm.estimated)
	decision, err := p.limiter.Allow(ctx, checks)
	if err != nil {
		p.logger.WithRequestID(ctx).Warn("rate limit check degraded, admitting", "error", err)
	} else {
		adm.remaining = decision.Remaining
		if !decision.Allowed {
			return reject(gwerrors.NewRateLimitError(decision.FailedScope,
				fmt.Sprintf("%s %s limit exceeded", decision.FailedScope, decision.FailedKind),
				decision.RetryAfter))
		}
	}

	if err := p.accountant.CheckBudget(adm.principal); err != nil {
		return reject(err)
	}

	selected, err := p.guardrails.Resolve(adm.principal, req.Metadata)
	if err != nil {
		return reject(err)
	}
	adm.selected = selected

	forwarded, err := p.guardrails.RunPreCall(ctx, req, selected)
	if err != nil {
		return reject(err)
	}
	adm.req = forwarded

	adm.ctrl = cache.ParseControl(req.Metadata)
	if cached := p.cache.Lookup(ctx, forwarded, adm.ctrl); cached != nil {
		return adm, cached, nil
	}

	return adm, nil, nil
}

func (p *Pipeline) routeRequest(adm *admission) *router.Request {
	var tags []string
	if adm.req.Metadata != nil {
		tags = adm.req.Metadata.Tags
	}
	return &router.Request{
		Tags:            tags,
		EstimatedTokens: adm.estimated,
	}
}

// callDeployment performs one upstream attempt: deployment admission,
// during-call guardrails concurrent with the provider call, tracing,
// and latency metrics.
func (p *Pipeline) callDeployment(ctx context.Context, d *registry.Deployment, adm *admission) (*types.ChatResponse, error) {
	if err := p.admitDeployment(ctx, d, adm.estimated); err != nil {
		return nil, err
	}

	adapter, err := p.providers.Adapter(d.Provider)
	if err != nil {
		return nil, gwerrors.NewInternalError(err.Error())
	}

	callCtx, cancel := context.WithTimeout(ctx, p.deploymentTimeout(d))
	defer cancel()

	spanCtx, span := observability.StartLLMSpan(callCtx, p.tracer, "chat "+d.Model, observability.LLMSpanAttributes{
		Provider:  d.Provider,
		Model:     d.Model,
		MaxTokens: adm.req.MaxTokens,
	})
	defer span.End()

	duringErr := make(chan error, 1)
	go func() {
		duringErr <- p.guardrails.RunDuringCall(spanCtx, adm.req, adm.selected)
	}()

	upstreamStart := time.Now()
	resp, err := adapter.Complete(spanCtx, d, adm.req)
	metrics.UpstreamLatency.WithLabelValues(d.Model, d.ModelGroup, d.Provider, d.APIBase).
		Observe(time.Since(upstreamStart).Seconds())

	if gerr := <-duringErr; gerr != nil {
		observability.RecordError(span, gerr)
		return nil, gerr
	}
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	finish := ""
	if len(resp.Choices) > 0 {
		finish = resp.Choices[0].FinishReason
	}
	if resp.Usage != nil {
		observability.RecordLLMResponse(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, finish)
	}
	return resp, nil
}

// admitDeployment enforces the deployment's own rpm/tpm capacity.
// Rejections are retryable so failover moves to a sibling.
func (p *Pipeline) admitDeployment(ctx context.Context, d *registry.Deployment, estimated int64) error {
	if d.RPM <= 0 && d.TPM <= 0 {
		return nil
	}

	checks := []ratelimit.Check{
		ratelimit.DeploymentCheck(d.ID, "rpm", d.RPM, 1),
		ratelimit.DeploymentCheck(d.ID, "tpm", d.TPM, estimated),
	}
	decision, err := p.limiter.Allow(ctx, checks)
	if err != nil {
		p.logger.WithRequestID(ctx).Warn("deployment admission degraded, allowing", "error", err)
		return nil
	}
	if !decision.Allowed {
		return gwerrors.NewProviderRateLimitError(d.Provider, d.Model,
			fmt.Sprintf("deployment %s %s capacity exhausted", d.ID, decision.FailedKind))
	}
	return nil
}

func (p *Pipeline) deploymentTimeout(d *registry.Deployment) time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	if t := p.manager.Get().Router.Timeout; t > 0 {
		return t
	}
	return provider.DefaultTimeout
}

// settle runs the post-response accounting: token corrections, spend,
// metrics, and events.
func (p *Pipeline) settle(ctx context.Context, adm *admission, d *registry.Deployment, usage *types.Usage, start time.Time) {
	p.correctTokens(ctx, adm, d, usage)

	outcome := &spend.Outcome{
		RequestID:  adm.requestID,
		Principal:  adm.principal,
		Deployment: d,
		ModelGroup: adm.group,
		Usage:      usage,
	}
	p.accountant.Record(ctx, outcome)

	metrics.ProxyTotalRequests.WithLabelValues(d.Model, adm.group, d.Provider, "200").Inc()
	metrics.RequestTotalLatency.WithLabelValues(d.Model, adm.group, d.Provider).
		Observe(time.Since(start).Seconds())

	ev := events.Event{
		Type:         events.TypeRequestCompleted,
		RequestID:    adm.requestID,
		Model:        d.Model,
		ModelGroup:   adm.group,
		Provider:     d.Provider,
		DeploymentID: d.ID,
		LatencyMs:    time.Since(start).Milliseconds(),
	}
	if usage != nil {
		metrics.InputTokens.WithLabelValues(d.Model, adm.group, d.Provider).Add(float64(usage.PromptTokens))
		metrics.OutputTokens.WithLabelValues(d.Model, adm.group, d.Provider).Add(float64(usage.CompletionTokens))
		ev.PromptTokens = usage.PromptTokens
		ev.OutputTokens = usage.CompletionTokens
	}
	if adm.principal != nil && adm.principal.Key != nil {
		ev.KeyID = adm.principal.Key.ID
	}
	if adm.req.Metadata != nil {
		ev.GenerationName = adm.req.Metadata.GenerationName
	}
	p.bus.Publish(ctx, ev)
}

// correctTokens replaces provisional tpm debits with actual usage on
// every scope the admission incremented.
func (p *Pipeline) correctTokens(ctx context.Context, adm *admission, d *registry.Deployment, usage *types.Usage) {
	if usage == nil {
		return
	}
	actual := int64(usage.TotalTokens)

	if adm.principal != nil && adm.principal.Key != nil {
		key := adm.principal.Key
		if key.GetModelTPMLimit(adm.req.Model) != nil {
			identity := "key:" + key.ID + ":" + adm.req.Model
			if err := p.limiter.CorrectTokens(ctx, identity, adm.estimated, actual); err != nil {
				p.logger.WithRequestID(ctx).Debug("token correction failed", "identity", identity, "error", err)
			}
		}
		if adm.principal.User != nil && adm.principal.User.TPMLimit != nil {
			identity := "user:" + adm.principal.User.ID
			if err := p.limiter.CorrectTokens(ctx, identity, adm.estimated, actual); err != nil {
				p.logger.WithRequestID(ctx).Debug("token correction failed", "identity", identity, "error", err)
			}
		}
		if adm.principal.Team != nil && adm.principal.Team.TPMLimit != nil {
			identity := "team:" + adm.principal.Team.ID
			if err := p.limiter.CorrectTokens(ctx, identity, adm.estimated, actual); err != nil {
				p.logger.WithRequestID(ctx).Debug("token correction failed", "identity", identity, "error", err)
			}
		}
		if adm.principal.Org != nil && adm.principal.Org.TPMLimit != nil {
			identity := "org:" + adm.principal.Org.ID
			if err := p.limiter.CorrectTokens(ctx, identity, adm.estimated, actual); err != nil {
				p.logger.WithRequestID(ctx).Debug("token correction failed", "identity", identity, "error", err)
			}
		}
	}

	if d != nil && (d.RPM > 0 || d.TPM > 0) {
		identity := "deployment:" + d.ID
		if err := p.limiter.CorrectTokens(ctx, identity, adm.estimated, actual); err != nil {
			p.logger.WithRequestID(ctx).Debug("token correction failed", "identity", identity, "error", err)
		}
	}
}

// accountCacheHit records a zero-cost ledger entry and emits the cache
// event.
func (p *Pipeline) accountCacheHit(ctx context.Context, adm *admission, resp *types.ChatResponse) {
	outcome := &spend.Outcome{
		RequestID:  adm.requestID,
		Principal:  adm.principal,
		ModelGroup: adm.group,
		Usage:      resp.Usage,
		CacheHit:   true,
	}
	p.accountant.Record(ctx, outcome)

	metrics.ProxyTotalRequests.WithLabelValues(resp.Model, adm.group, "cache", "200").Inc()

	ev := events.Event{
		Type:       events.TypeCacheHit,
		RequestID:  adm.requestID,
		Model:      resp.Model,
		ModelGroup: adm.group,
	}
	if adm.principal != nil && adm.principal.Key != nil {
		ev.KeyID = adm.principal.Key.ID
	}
	p.bus.Publish(ctx, ev)
}

// recordFailure emits failure metrics and the failed event.
func (p *Pipeline) recordFailure(ctx context.Context, model, group string, principal *auth.Principal, err error) {
	kind := string(gwerrors.KindInternal)
	status := 500
	var gwErr *gwerrors.GatewayError
	if errors.As(err, &gwErr) {
		kind = string(gwErr.Kind)
		status = gwErr.HTTPStatusCode()
	}

	metrics.ProxyFailedRequests.WithLabelValues(model, group, "", kind).Inc()
	metrics.ProxyTotalRequests.WithLabelValues(model, group, "", strconv.Itoa(status)).Inc()

	ev := events.Event{
		Type:       events.TypeRequestFailed,
		RequestID:  observability.RequestIDFromContext(ctx),
		Model:      model,
		ModelGroup: group,
		ErrorKind:  kind,
		Detail:     err.Error(),
	}
	if principal != nil && principal.Key != nil {
		ev.KeyID = principal.Key.ID
	}
	p.bus.Publish(ctx, ev)
}

// checkModelAccess verifies the key and team may use the model.
func checkModelAccess(p *auth.Principal, model string) error {
	if p == nil || p.Master {
		return nil
	}
	if p.Key != nil && !p.Key.CanAccessModel(model) {
		return gwerrors.NewPermissionDeniedError(
			fmt.Sprintf("key is not permitted to use model %q", model))
	}
	if p.Team != nil && !p.Team.CanAccessModel(model) {
		return gwerrors.NewPermissionDeniedError(
			fmt.Sprintf("team is not permitted to use model %q", model))
	}
	return nil
}
