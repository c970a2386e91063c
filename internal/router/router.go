package router

import (
	"context"
	"fmt"
	"time"

	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/internal/observability"
	"github.com/relaymux/relaymux/internal/pricing"
	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/internal/statestore"
	gwerrors "github.com/relaymux/relaymux/pkg/errors"
	"github.com/relaymux/relaymux/pkg/types"
)

// utilizationCutoff removes deployments at or above this share of their
// own rpm/tpm capacity during pre-call checks.
const utilizationCutoff = 0.9

// contextHeadroom is the share of a deployment's context window the
// estimated prompt may fill before pre-call checks skip it.
const contextHeadroom = 0.8

// Request carries the routing inputs for one call.
type Request struct {
	// Group is the resolved model group.
	Group string
	// Tags narrows candidates to deployments carrying all of them.
	Tags []string
	// EstimatedTokens is the pre-call prompt token estimate.
	EstimatedTokens int64
	// Exclude lists deployment IDs already tried this request.
	Exclude map[string]struct{}
}

// Router picks deployments according to the configured strategy.
type Router struct {
	manager *config.Manager
	tracker *Tracker
	store   statestore.Store
	pricing *pricing.Calculator
	logger  *observability.Logger
}

// New creates a router.
func New(manager *config.Manager, tracker *Tracker, store statestore.Store, calc *pricing.Calculator, logger *observability.Logger) *Router {
	return &Router{
		manager: manager,
		tracker: tracker,
		store:   store,
		pricing: calc,
		logger:  logger,
	}
}

// Tracker exposes the runtime state tracker for callers that record
// outcomes.
func (r *Router) Tracker() *Tracker {
	return r.tracker
}

// Pick selects one deployment from the group, or an error when every
// candidate is filtered out.
func (r *Router) Pick(ctx context.Context, snap *registry.Snapshot, req *Request) (*registry.Deployment, error) {
	all := snap.Deployments(req.Group)
	if len(all) == 0 {
		return nil, gwerrors.NewModelNotFoundError(req.Group)
	}

	rcfg := r.manager.Get().Router

	candidates := make([]*registry.Deployment, 0, len(all))
	for _, d := range all {
		if d.Disabled {
			continue
		}
		if _, excluded := req.Exclude[d.ID]; excluded {
			continue
		}
		if !d.HasTags(req.Tags) {
			continue
		}
		if r.tracker.InCooldown(ctx, d.ID) {
			continue
		}
		candidates = append(candidates, d)
	}

	var usage map[string]windowUsage
	if rcfg.EnablePreCallChecks && len(candidates) > 0 {
		candidates, usage = r.preCallFilter(ctx, candidates, req.EstimatedTokens)
	}

	if len(candidates) == 0 {
		return nil, gwerrors.NewUpstreamUnavailableError("", req.Group,
			fmt.Sprintf("no deployments available for model group %q", req.Group))
	}

	candidates = topPriorityBucket(candidates)

	switch rcfg.Strategy {
	case config.StrategyLeastBusy:
		return r.pickLeastBusy(ctx, candidates), nil
	case config.StrategyLatencyBased:
		return r.pickLatencyBased(ctx, candidates), nil
	case config.StrategyCostBased:
		return r.pickCostBased(candidates), nil
	case config.StrategyUsageBased:
		return r.pickUsageBased(ctx, candidates, usage), nil
	case config.StrategyRateLimitAware:
		return r.pickRateLimitAware(ctx, candidates, usage, req.EstimatedTokens)
	default:
		return pickWeightedShuffle(candidates), nil
	}
}

// topPriorityBucket keeps only the deployments sharing the lowest
// priority value present. Zero is the default and highest priority.
func topPriorityBucket(candidates []*registry.Deployment) []*registry.Deployment {
	best := candidates[0].Priority
	for _, d := range candidates[1:] {
		if d.Priority < best {
			best = d.Priority
		}
	}

	bucket := candidates[:0:0]
	for _, d := range candidates {
		if d.Priority == best {
			bucket = append(bucket, d)
		}
	}
	return bucket
}

type windowUsage struct {
	rpm int64
	tpm int64
}

// preCallFilter drops deployments whose context window the prompt would
// overflow and deployments running at or above the utilization cutoff.
// Usage reads are zero-increment window reads; a store error skips the
// utilization check rather than failing the request.
func (r *Router) preCallFilter(ctx context.Context, candidates []*registry.Deployment, estimatedTokens int64) ([]*registry.Deployment, map[string]windowUsage) {
	kept := candidates[:0:0]
	for _, d := range candidates {
		if d.MaxContextTokens > 0 && float64(estimatedTokens) > contextHeadroom*float64(d.MaxContextTokens) {
			continue
		}
		kept = append(kept, d)
	}

	usage, err := r.readUsage(ctx, kept)
	if err != nil {
		r.logger.WithRequestID(ctx).Warn("usage read failed, skipping utilization check", "error", err)
		return kept, nil
	}

	filtered := kept[:0:0]
	for _, d := range kept {
		u := usage[d.ID]
		if d.RPM > 0 && float64(u.rpm) >= utilizationCutoff*float64(d.RPM) {
			continue
		}
		if d.TPM > 0 && float64(u.tpm) >= utilizationCutoff*float64(d.TPM) {
			continue
		}
		filtered = append(filtered, d)
	}
	return filtered, usage
}

// readUsage reads current-window rpm/tpm counts for the candidates
// without incrementing them.
func (r *Router) readUsage(ctx context.Context, candidates []*registry.Deployment) (map[string]windowUsage, error) {
	if len(candidates) == 0 {
		return map[string]windowUsage{}, nil
	}

	ops := make([]statestore.WindowOp, 0, 2*len(candidates))
	for _, d := range candidates {
		identity := "deployment:" + d.ID
		ops = append(ops,
			statestore.WindowOp{Identity: identity, Kind: "rpm"},
			statestore.WindowOp{Identity: identity, Kind: "tpm"},
		)
	}

	results, err := r.store.WindowIncr(ctx, ops, time.Minute)
	if err != nil {
		return nil, err
	}

	usage := make(map[string]windowUsage, len(candidates))
	for i, d := range candidates {
		usage[d.ID] = windowUsage{
			rpm: results[2*i].Count,
			tpm: results[2*i+1].Count,
		}
	}
	return usage, nil
}

// costEstimateUsage prices one thousand tokens each way so deployments
// compare on their per-1K rates plus any per-request surcharge.
var costEstimateUsage = &types.Usage{
	PromptTokens:     1000,
	CompletionTokens: 1000,
	TotalTokens:      2000,
}
