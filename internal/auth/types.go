// Package auth provides virtual API key authentication and per-key
// limits for the gateway.
package auth

import (
	"context"
	"time"
)

// VirtualKey represents a gateway-issued API key with its limits.
type VirtualKey struct {
	ID        string  `json:"id"`
	KeyHash   string  `json:"-"`
	KeyPrefix string  `json:"key_prefix"`
	Name      string  `json:"name"`
	Alias     *string `json:"key_alias,omitempty"`

	TeamID *string `json:"team_id,omitempty"`
	UserID *string `json:"user_id,omitempty"`

	Guardrails *GuardrailsPolicy `json:"guardrails,omitempty"`

	// AllowedModels empty means all models.
	AllowedModels []string `json:"allowed_models,omitempty"`

	TPMLimit            *int64           `json:"tpm_limit,omitempty"`
	RPMLimit            *int64           `json:"rpm_limit,omitempty"`
	MaxParallelRequests *int             `json:"max_parallel_requests,omitempty"`
	ModelTPMLimit       map[string]int64 `json:"model_tpm_limit,omitempty"`
	ModelRPMLimit       map[string]int64 `json:"model_rpm_limit,omitempty"`

	MaxBudget      float64    `json:"max_budget,omitempty"`
	SoftBudget     *float64   `json:"soft_budget,omitempty"`
	SpentBudget    float64    `json:"spent_budget"`
	BudgetDuration string     `json:"budget_duration,omitempty"`
	BudgetResetAt  *time.Time `json:"budget_reset_at,omitempty"`

	IsActive bool `json:"is_active"`
	Blocked  bool `json:"blocked"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// GuardrailsPolicy adjusts which guardrails run for a principal.
type GuardrailsPolicy struct {
	// Mode is "inherit" (default) or "override". Inherit extends the
	// default-on set with Include; override replaces it with Include.
	Mode string `json:"mode,omitempty"`
	// Include names guardrails to add (inherit) or to run (override).
	Include []string `json:"include,omitempty"`
	// Exclude removes named guardrails after Include is applied.
	Exclude []string `json:"exclude,omitempty"`
}

// Policy mode values.
const (
	PolicyInherit  = "inherit"
	PolicyOverride = "override"
)

// Team groups keys for shared limits and budgets.
type Team struct {
	ID    string  `json:"team_id"`
	Alias *string `json:"team_alias,omitempty"`

	OrgID *string `json:"org_id,omitempty"`

	Guardrails *GuardrailsPolicy `json:"guardrails,omitempty"`

	MaxBudget     float64          `json:"max_budget,omitempty"`
	SpentBudget   float64          `json:"spend"`
	TPMLimit      *int64           `json:"tpm_limit,omitempty"`
	RPMLimit      *int64           `json:"rpm_limit,omitempty"`
	ModelTPMLimit map[string]int64 `json:"model_tpm_limit,omitempty"`
	ModelRPMLimit map[string]int64 `json:"model_rpm_limit,omitempty"`
	Models        []string         `json:"models,omitempty"`

	IsActive  bool      `json:"is_active"`
	Blocked   bool      `json:"blocked"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is an end user that keys attribute usage to, with its own
// limits and budget.
type User struct {
	ID    string  `json:"user_id"`
	Alias *string `json:"user_alias,omitempty"`

	TPMLimit *int64 `json:"tpm_limit,omitempty"`
	RPMLimit *int64 `json:"rpm_limit,omitempty"`

	MaxBudget      float64    `json:"max_budget,omitempty"`
	SpentBudget    float64    `json:"spend"`
	BudgetDuration string     `json:"budget_duration,omitempty"`
	BudgetResetAt  *time.Time `json:"budget_reset_at,omitempty"`

	IsActive  bool      `json:"is_active"`
	Blocked   bool      `json:"blocked"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Org is the widest spend and limit scope; teams belong to orgs.
type Org struct {
	ID    string  `json:"org_id"`
	Alias *string `json:"org_alias,omitempty"`

	TPMLimit *int64 `json:"tpm_limit,omitempty"`
	RPMLimit *int64 `json:"rpm_limit,omitempty"`

	MaxBudget      float64    `json:"max_budget,omitempty"`
	SpentBudget    float64    `json:"spend"`
	BudgetDuration string     `json:"budget_duration,omitempty"`
	BudgetResetAt  *time.Time `json:"budget_reset_at,omitempty"`

	IsActive  bool      `json:"is_active"`
	Blocked   bool      `json:"blocked"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Principal is the authenticated identity attached to a request.
type Principal struct {
	Key    *VirtualKey
	User   *User
	Team   *Team
	Org    *Org
	Master bool
}

// CanAccessModel reports whether the key may use the model.
func (k *VirtualKey) CanAccessModel(model string) bool {
	if len(k.AllowedModels) == 0 {
		return true
	}
	for _, m := range k.AllowedModels {
		if m == model || m == "*" {
			return true
		}
	}
	return false
}

// IsExpired reports whether the key has passed its expiry.
func (k *VirtualKey) IsExpired() bool {
	if k.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*k.ExpiresAt)
}

// IsBlocked reports whether the key is blocked or inactive.
func (k *VirtualKey) IsBlocked() bool {
	return k.Blocked || !k.IsActive
}

// GetModelTPMLimit returns the TPM limit for a model, falling back to
// the key-wide limit.
func (k *VirtualKey) GetModelTPMLimit(model string) *int64 {
	if k.ModelTPMLimit != nil {
		if limit, ok := k.ModelTPMLimit[model]; ok {
			return &limit
		}
	}
	return k.TPMLimit
}

// GetModelRPMLimit returns the RPM limit for a model, falling back to
// the key-wide limit.
func (k *VirtualKey) GetModelRPMLimit(model string) *int64 {
	if k.ModelRPMLimit != nil {
		if limit, ok := k.ModelRPMLimit[model]; ok {
			return &limit
		}
	}
	return k.RPMLimit
}

// IsBlocked reports whether the team is blocked or inactive.
func (t *Team) IsBlocked() bool {
	return t.Blocked || !t.IsActive
}

// IsBlocked reports whether the user is blocked or inactive.
func (u *User) IsBlocked() bool {
	return u.Blocked || !u.IsActive
}

// IsBlocked reports whether the org is blocked or inactive.
func (o *Org) IsBlocked() bool {
	return o.Blocked || !o.IsActive
}

// GuardrailsPolicy returns the effective policy for the principal: the
// key's policy when set, otherwise the team's.
func (p *Principal) GuardrailsPolicy() *GuardrailsPolicy {
	if p == nil {
		return nil
	}
	if p.Key != nil && p.Key.Guardrails != nil {
		return p.Key.Guardrails
	}
	if p.Team != nil && p.Team.Guardrails != nil {
		return p.Team.Guardrails
	}
	return nil
}

// CanAccessModel reports whether the team may use the model.
func (t *Team) CanAccessModel(model string) bool {
	if len(t.Models) == 0 {
		return true
	}
	for _, m := range t.Models {
		if m == model || m == "*" {
			return true
		}
	}
	return false
}

type principalKey struct{}

// ContextWithPrincipal attaches the principal to the context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext extracts the principal, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalKey{}).(*Principal); ok {
		return p
	}
	return nil
}
