package router

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/relaymux/relaymux/internal/registry"
	gwerrors "github.com/relaymux/relaymux/pkg/errors"
)

// unsampledLatencyPenaltyMs ranks deployments without recent latency
// samples behind any sampled deployment, so traffic probes them only
// when nothing measured is available.
const unsampledLatencyPenaltyMs = 500_000

// pickWeightedShuffle selects randomly with probability proportional to
// deployment weight.
func pickWeightedShuffle(candidates []*registry.Deployment) *registry.Deployment {
	total := 0
	for _, d := range candidates {
		total += d.Weight
	}
	if total <= 0 {
		return candidates[rand.IntN(len(candidates))]
	}

	n := rand.IntN(total)
	for _, d := range candidates {
		n -= d.Weight
		if n < 0 {
			return d
		}
	}
	return candidates[len(candidates)-1]
}

// pickLeastBusy selects the deployment with the fewest in-flight
// requests, breaking ties by weighted random so heavier deployments
// absorb more of an idle group.
func (r *Router) pickLeastBusy(ctx context.Context, candidates []*registry.Deployment) *registry.Deployment {
	var (
		ties []*registry.Deployment
		min  float64
	)
	for _, d := range candidates {
		active := float64(r.tracker.ActiveCount(ctx, d.ID))
		switch {
		case len(ties) == 0 || active < min:
			ties, min = ties[:0], active
			ties = append(ties, d)
		case active == min:
			ties = append(ties, d)
		}
	}
	if len(ties) == 1 {
		return ties[0]
	}
	return pickWeightedShuffle(ties)
}

// pickLatencyBased selects the deployment with the lowest smoothed
// latency over the recent window.
func (r *Router) pickLatencyBased(ctx context.Context, candidates []*registry.Deployment) *registry.Deployment {
	return pickMin(candidates, func(d *registry.Deployment) float64 {
		latency, ok := r.tracker.SmoothedLatency(ctx, d.ID)
		if !ok {
			return unsampledLatencyPenaltyMs
		}
		return latency
	})
}

// pickCostBased selects the cheapest deployment by its per-1K rates.
func (r *Router) pickCostBased(candidates []*registry.Deployment) *registry.Deployment {
	return pickMin(candidates, func(d *registry.Deployment) float64 {
		return r.pricing.CostForUsage(d, costEstimateUsage)
	})
}

// pickUsageBased selects the deployment with the lowest token
// consumption in the current window.
func (r *Router) pickUsageBased(ctx context.Context, candidates []*registry.Deployment, usage map[string]windowUsage) *registry.Deployment {
	if usage == nil {
		var err error
		usage, err = r.readUsage(ctx, candidates)
		if err != nil {
			r.logger.WithRequestID(ctx).Warn("usage read failed, falling back to shuffle", "error", err)
			return pickWeightedShuffle(candidates)
		}
	}

	return pickMin(candidates, func(d *registry.Deployment) float64 {
		u := usage[d.ID]
		if d.TPM > 0 {
			return float64(u.tpm) / float64(d.TPM)
		}
		return float64(u.tpm)
	})
}

// pickRateLimitAware drops deployments this request would push over
// their own rpm/tpm limits, then prefers the largest remaining request
// headroom. When every candidate is saturated the group is rate
// limited for the rest of the window.
func (r *Router) pickRateLimitAware(ctx context.Context, candidates []*registry.Deployment, usage map[string]windowUsage, estimatedTokens int64) (*registry.Deployment, error) {
	if usage == nil {
		var err error
		usage, err = r.readUsage(ctx, candidates)
		if err != nil {
			r.logger.WithRequestID(ctx).Warn("usage read failed, falling back to shuffle", "error", err)
			return pickWeightedShuffle(candidates), nil
		}
	}

	fitting := candidates[:0:0]
	for _, d := range candidates {
		u := usage[d.ID]
		if d.RPM > 0 && u.rpm+1 > d.RPM {
			continue
		}
		if d.TPM > 0 && u.tpm+estimatedTokens > d.TPM {
			continue
		}
		fitting = append(fitting, d)
	}

	if len(fitting) == 0 {
		retryAfter := time.Duration(60-time.Now().Unix()%60) * time.Second
		return nil, gwerrors.NewRateLimitError("deployment",
			fmt.Sprintf("all %d deployments are at capacity", len(candidates)), retryAfter)
	}

	return pickMax(fitting, func(d *registry.Deployment) float64 {
		u := usage[d.ID]
		if d.RPM > 0 {
			return float64(d.RPM-u.rpm) / float64(d.RPM)
		}
		// Unlimited deployments always have full headroom.
		return 1
	}), nil
}

// pickMin returns a random candidate among those scoring lowest.
func pickMin(candidates []*registry.Deployment, score func(*registry.Deployment) float64) *registry.Deployment {
	return pickBest(candidates, score, func(a, b float64) bool { return a < b })
}

// pickMax returns a random candidate among those scoring highest.
func pickMax(candidates []*registry.Deployment, score func(*registry.Deployment) float64) *registry.Deployment {
	return pickBest(candidates, score, func(a, b float64) bool { return a > b })
}

// pickBest scans once, reservoir-sampling among ties so equal
// deployments share traffic evenly.
func pickBest(candidates []*registry.Deployment, score func(*registry.Deployment) float64, better func(a, b float64) bool) *registry.Deployment {
	best := candidates[0]
	bestScore := score(best)
	ties := 1

	for _, d := range candidates[1:] {
		s := score(d)
		switch {
		case better(s, bestScore):
			best, bestScore, ties = d, s, 1
		case s == bestScore:
			ties++
			if rand.IntN(ties) == 0 {
				best = d
			}
		}
	}
	return best
}
