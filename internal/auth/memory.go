package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for single-instance deployments
// and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	byHash map[string]*VirtualKey
	byID   map[string]*VirtualKey
	teams  map[string]*Team
	users  map[string]*User
	orgs   map[string]*Org
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byHash: make(map[string]*VirtualKey),
		byID:   make(map[string]*VirtualKey),
		teams:  make(map[string]*Team),
		users:  make(map[string]*User),
		orgs:   make(map[string]*Org),
	}
}

// GetKeyByHash looks up a key by hash.
func (s *MemoryStore) GetKeyByHash(_ context.Context, hash string) (*VirtualKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byHash[hash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *key
	return &cp, nil
}

// GetKeyByID looks up a key by ID.
func (s *MemoryStore) GetKeyByID(_ context.Context, id string) (*VirtualKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byID[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *key
	return &cp, nil
}

// CreateKey stores a new key.
func (s *MemoryStore) CreateKey(_ context.Context, key *VirtualKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.byHash[key.KeyHash] = &cp
	s.byID[key.ID] = &cp
	return nil
}

// UpdateKey replaces a stored key.
func (s *MemoryStore) UpdateKey(_ context.Context, key *VirtualKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byID[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	delete(s.byHash, existing.KeyHash)
	cp := *key
	cp.UpdatedAt = time.Now()
	s.byHash[cp.KeyHash] = &cp
	s.byID[cp.ID] = &cp
	return nil
}

// DeleteKey removes a key.
func (s *MemoryStore) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byID[id]
	if !ok {
		return ErrKeyNotFound
	}
	delete(s.byHash, key.KeyHash)
	delete(s.byID, id)
	return nil
}

// ListKeys returns all keys.
func (s *MemoryStore) ListKeys(_ context.Context) ([]*VirtualKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*VirtualKey, 0, len(s.byID))
	for _, key := range s.byID {
		cp := *key
		out = append(out, &cp)
	}
	return out, nil
}

// GetTeam looks up a team by ID.
func (s *MemoryStore) GetTeam(_ context.Context, id string) (*Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	team, ok := s.teams[id]
	if !ok {
		return nil, ErrTeamNotFound
	}
	cp := *team
	return &cp, nil
}

// CreateTeam stores a new team.
func (s *MemoryStore) CreateTeam(_ context.Context, team *Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *team
	s.teams[team.ID] = &cp
	return nil
}

// UpdateTeam replaces a stored team.
func (s *MemoryStore) UpdateTeam(_ context.Context, team *Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teams[team.ID]; !ok {
		return ErrTeamNotFound
	}
	cp := *team
	cp.UpdatedAt = time.Now()
	s.teams[team.ID] = &cp
	return nil
}

// GetUser looks up a user by ID.
func (s *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

// CreateUser stores a new user.
func (s *MemoryStore) CreateUser(_ context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

// UpdateUser replaces a stored user.
func (s *MemoryStore) UpdateUser(_ context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; !ok {
		return ErrUserNotFound
	}
	cp := *user
	cp.UpdatedAt = time.Now()
	s.users[user.ID] = &cp
	return nil
}

// GetOrg looks up an org by ID.
func (s *MemoryStore) GetOrg(_ context.Context, id string) (*Org, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, ErrOrgNotFound
	}
	cp := *org
	return &cp, nil
}

// CreateOrg stores a new org.
func (s *MemoryStore) CreateOrg(_ context.Context, org *Org) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *org
	s.orgs[org.ID] = &cp
	return nil
}

// UpdateOrg replaces a stored org.
func (s *MemoryStore) UpdateOrg(_ context.Context, org *Org) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ID]; !ok {
		return ErrOrgNotFound
	}
	cp := *org
	cp.UpdatedAt = time.Now()
	s.orgs[org.ID] = &cp
	return nil
}

// AddSpend accumulates spend on every scope named.
func (s *MemoryStore) AddSpend(_ context.Context, scopes SpendScopes, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byID[scopes.KeyID]
	if !ok {
		return ErrKeyNotFound
	}
	key.SpentBudget += amount
	if scopes.UserID != nil {
		if user, ok := s.users[*scopes.UserID]; ok {
			user.SpentBudget += amount
		}
	}
	if scopes.TeamID != nil {
		if team, ok := s.teams[*scopes.TeamID]; ok {
			team.SpentBudget += amount
		}
	}
	if scopes.OrgID != nil {
		if org, ok := s.orgs[*scopes.OrgID]; ok {
			org.SpentBudget += amount
		}
	}
	return nil
}

// TouchLastUsed records key usage.
func (s *MemoryStore) TouchLastUsed(_ context.Context, keyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.byID[keyID]; ok {
		key.LastUsedAt = &at
	}
	return nil
}

// ResetExpiredBudgets zeroes spend for lapsed budget windows.
func (s *MemoryStore) ResetExpiredBudgets(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reset := 0
	for _, key := range s.byID {
		if key.BudgetResetAt == nil || now.Before(*key.BudgetResetAt) {
			continue
		}
		key.SpentBudget = 0
		if next, ok := NextBudgetReset(key.BudgetDuration, now); ok {
			key.BudgetResetAt = &next
		} else {
			key.BudgetResetAt = nil
		}
		reset++
	}
	for _, user := range s.users {
		if user.BudgetResetAt == nil || now.Before(*user.BudgetResetAt) {
			continue
		}
		user.SpentBudget = 0
		if next, ok := NextBudgetReset(user.BudgetDuration, now); ok {
			user.BudgetResetAt = &next
		} else {
			user.BudgetResetAt = nil
		}
		reset++
	}
	for _, org := range s.orgs {
		if org.BudgetResetAt == nil || now.Before(*org.BudgetResetAt) {
			continue
		}
		org.SpentBudget = 0
		if next, ok := NextBudgetReset(org.BudgetDuration, now); ok {
			org.BudgetResetAt = &next
		} else {
			org.BudgetResetAt = nil
		}
		reset++
	}
	return reset, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
