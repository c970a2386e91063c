package auth

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned when no key matches the given hash or ID.
var ErrKeyNotFound = errors.New("api key not found")

// ErrTeamNotFound is returned when no team matches the given ID.
var ErrTeamNotFound = errors.New("team not found")

// ErrUserNotFound is returned when no user matches the given ID.
var ErrUserNotFound = errors.New("user not found")

// ErrOrgNotFound is returned when no org matches the given ID.
var ErrOrgNotFound = errors.New("org not found")

// SpendScopes names the budget owners charged for one request. KeyID is
// required; the others apply when non-nil.
type SpendScopes struct {
	KeyID  string
	UserID *string
	TeamID *string
	OrgID  *string
}

// Store persists virtual keys, users, teams, and orgs.
type Store interface {
	// GetKeyByHash looks up a key by its SHA-256 hash.
	GetKeyByHash(ctx context.Context, hash string) (*VirtualKey, error)
	GetKeyByID(ctx context.Context, id string) (*VirtualKey, error)
	CreateKey(ctx context.Context, key *VirtualKey) error
	UpdateKey(ctx context.Context, key *VirtualKey) error
	DeleteKey(ctx context.Context, id string) error
	ListKeys(ctx context.Context) ([]*VirtualKey, error)

	GetTeam(ctx context.Context, id string) (*Team, error)
	CreateTeam(ctx context.Context, team *Team) error
	UpdateTeam(ctx context.Context, team *Team) error

	GetUser(ctx context.Context, id string) (*User, error)
	CreateUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, user *User) error

	GetOrg(ctx context.Context, id string) (*Org, error)
	CreateOrg(ctx context.Context, org *Org) error
	UpdateOrg(ctx context.Context, org *Org) error

	// AddSpend atomically accumulates spend on every scope named.
	AddSpend(ctx context.Context, scopes SpendScopes, amount float64) error
	// TouchLastUsed records key usage; best effort.
	TouchLastUsed(ctx context.Context, keyID string, at time.Time) error
	// ResetExpiredBudgets zeroes spend for keys whose budget window has
	// lapsed and advances their reset time. Returns the number reset.
	ResetExpiredBudgets(ctx context.Context, now time.Time) (int, error)

	Close() error
}

// NextBudgetReset computes the next reset instant for a budget duration
// string ("30s", "1h", "24h", "30d"). Zero duration means no reset.
func NextBudgetReset(duration string, from time.Time) (time.Time, bool) {
	d, err := parseBudgetDuration(duration)
	if err != nil || d <= 0 {
		return time.Time{}, false
	}
	return from.Add(d), true
}

func parseBudgetDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	// Accept day suffix on top of time.ParseDuration units.
	if n := len(s); n > 1 && s[n-1] == 'd' {
		days, err := time.ParseDuration(s[:n-1] + "h")
		if err != nil {
			return 0, err
		}
		return days * 24, nil
	}
	return time.ParseDuration(s)
}
