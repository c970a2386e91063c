package spend

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaymux/relaymux/internal/auth"
	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/internal/events"
	"github.com/relaymux/relaymux/internal/metrics"
	"github.com/relaymux/relaymux/internal/observability"
	"github.com/relaymux/relaymux/internal/pricing"
	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/internal/statestore"
	gwerrors "github.com/relaymux/relaymux/pkg/errors"
	"github.com/relaymux/relaymux/pkg/types"
)

// Accountant prices completed requests, appends ledger records, and
// enforces budgets.
type Accountant struct {
	manager  *config.Manager
	pricing  *pricing.Calculator
	authData auth.Store
	ledger   Ledger
	store    statestore.Store
	bus      *events.Bus
	logger   *observability.Logger
}

// NewAccountant creates an accountant. A nil bus disables budget alert
// event delivery.
func NewAccountant(manager *config.Manager, calc *pricing.Calculator, authData auth.Store, ledger Ledger, store statestore.Store, bus *events.Bus, logger *observability.Logger) *Accountant {
	return &Accountant{
		manager:  manager,
		pricing:  calc,
		authData: authData,
		ledger:   ledger,
		store:    store,
		bus:      bus,
		logger:   logger,
	}
}

// CheckBudget rejects the request when the key, user, team, or org has
// already exhausted its budget. The check runs against spend
// accumulated before this request; the current request's cost lands
// afterward.
func (a *Accountant) CheckBudget(p *auth.Principal) error {
	if p == nil || p.Master {
		return nil
	}

	if p.Key != nil && p.Key.MaxBudget > 0 && p.Key.SpentBudget >= p.Key.MaxBudget {
		return gwerrors.NewBudgetExceededError("key",
			fmt.Sprintf("key budget of $%.2f exhausted (spent $%.4f)", p.Key.MaxBudget, p.Key.SpentBudget))
	}
	if p.User != nil && p.User.MaxBudget > 0 && p.User.SpentBudget >= p.User.MaxBudget {
		return gwerrors.NewBudgetExceededError("user",
			fmt.Sprintf("user budget of $%.2f exhausted (spent $%.4f)", p.User.MaxBudget, p.User.SpentBudget))
	}
	if p.Team != nil && p.Team.MaxBudget > 0 && p.Team.SpentBudget >= p.Team.MaxBudget {
		return gwerrors.NewBudgetExceededError("team",
			fmt.Sprintf("team budget of $%.2f exhausted (spent $%.4f)", p.Team.MaxBudget, p.Team.SpentBudget))
	}
	if p.Org != nil && p.Org.MaxBudget > 0 && p.Org.SpentBudget >= p.Org.MaxBudget {
		return gwerrors.NewBudgetExceededError("org",
			fmt.Sprintf("org budget of $%.2f exhausted (spent $%.4f)", p.Org.MaxBudget, p.Org.SpentBudget))
	}
	return nil
}

// Outcome is the billable result of one request.
type Outcome struct {
	RequestID  string
	Principal  *auth.Principal
	Deployment *registry.Deployment
	ModelGroup string
	Usage      *types.Usage
	CacheHit   bool
}

// Record prices the outcome and persists it. Cache hits cost nothing
// but still produce a ledger record for usage visibility.
func (a *Accountant) Record(ctx context.Context, o *Outcome) {
	var cost float64
	if !o.CacheHit && o.Deployment != nil && o.Usage != nil {
		cost = a.pricing.CostForUsage(o.Deployment, o.Usage)
	}

	rec := &Record{
		ID:         uuid.NewString(),
		RequestID:  o.RequestID,
		ModelGroup: o.ModelGroup,
		CacheHit:   o.CacheHit,
		Cost:       cost,
		CreatedAt:  time.Now(),
	}
	if o.Deployment != nil {
		rec.Model = o.Deployment.Model
		rec.Provider = o.Deployment.Provider
		rec.DeploymentID = o.Deployment.ID
	}
	if o.Usage != nil {
		rec.PromptTokens = o.Usage.PromptTokens
		rec.CompletionTokens = o.Usage.CompletionTokens
		rec.TotalTokens = o.Usage.TotalTokens
	}
	if o.Principal != nil && o.Principal.Key != nil {
		rec.KeyID = o.Principal.Key.ID
		rec.UserID = o.Principal.Key.UserID
		rec.TeamID = o.Principal.Key.TeamID
		if o.Principal.Org != nil {
			rec.OrgID = &o.Principal.Org.ID
		}
	}

	if err := a.ledger.Insert(ctx, rec); err != nil {
		a.logger.WithRequestID(ctx).Error("spend record insert failed", "error", err)
	}

	if cost > 0 {
		metrics.TotalSpend.WithLabelValues(rec.Model, rec.ModelGroup, rec.Provider).Add(cost)
	}

	if cost > 0 && rec.KeyID != "" {
		scopes := auth.SpendScopes{
			KeyID:  rec.KeyID,
			UserID: rec.UserID,
			TeamID: rec.TeamID,
			OrgID:  rec.OrgID,
		}
		if err := a.authData.AddSpend(ctx, scopes, cost); err != nil {
			a.logger.WithRequestID(ctx).Error("spend accumulation failed",
				"key_id", rec.KeyID, "error", err)
		}
		a.checkSoftLimit(ctx, o.Principal, cost)
	}
}

// checkSoftLimit emits a one-per-TTL warning when cumulative key spend
// crosses the soft threshold.
func (a *Accountant) checkSoftLimit(ctx context.Context, p *auth.Principal, cost float64) {
	key := p.Key
	if key.MaxBudget <= 0 {
		return
	}

	bcfg := a.manager.Get().Budget
	threshold := key.MaxBudget * bcfg.SoftLimitPercent
	if key.SoftBudget != nil {
		threshold = *key.SoftBudget
	}
	if threshold <= 0 || key.SpentBudget+cost < threshold {
		return
	}

	alertKey := "budget:alert:" + key.ID
	fresh, err := a.store.SetNX(ctx, alertKey, []byte("1"), bcfg.AlertTTL)
	if err != nil || !fresh {
		return
	}

	a.logger.WithRequestID(ctx).Warn("soft budget limit crossed",
		"key_id", key.ID,
		"spent", fmt.Sprintf("%.4f", key.SpentBudget+cost),
		"threshold", fmt.Sprintf("%.4f", threshold),
		"max_budget", fmt.Sprintf("%.2f", key.MaxBudget),
	)

	if a.bus != nil {
		a.bus.Publish(ctx, events.Event{
			Type:  events.TypeBudgetAlert,
			KeyID: key.ID,
			Cost:  key.SpentBudget + cost,
			Detail: fmt.Sprintf("spend $%.4f crossed soft limit $%.4f of budget $%.2f",
				key.SpentBudget+cost, threshold, key.MaxBudget),
		})
	}
}

// RunSweeper periodically resets lapsed budget windows until the
// context is canceled.
func (a *Accountant) RunSweeper(ctx context.Context) {
	interval := a.manager.Get().Budget.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := a.authData.ResetExpiredBudgets(sweepCtx, time.Now())
			cancel()
			if err != nil {
				a.logger.Error("budget sweep failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("budget windows reset", "count", n)
			}
		}
	}
}
