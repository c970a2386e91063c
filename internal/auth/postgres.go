package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/lib/pq"
)

// PostgresStore is a PostgreSQL-backed Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromDB wraps an existing pool, used by tests.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	key_hash TEXT UNIQUE NOT NULL,
	key_prefix TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	key_alias TEXT,
	team_id TEXT,
	user_id TEXT,
	guardrails JSONB,
	allowed_models JSONB,
	tpm_limit BIGINT,
	rpm_limit BIGINT,
	max_parallel_requests INT,
	model_tpm_limit JSONB,
	model_rpm_limit JSONB,
	max_budget DOUBLE PRECISION NOT NULL DEFAULT 0,
	soft_budget DOUBLE PRECISION,
	spent_budget DOUBLE PRECISION NOT NULL DEFAULT 0,
	budget_duration TEXT NOT NULL DEFAULT '',
	budget_reset_at TIMESTAMPTZ,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	blocked BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMPTZ,
	last_used_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_api_keys_key_hash ON api_keys(key_hash);
CREATE INDEX IF NOT EXISTS idx_api_keys_team_id ON api_keys(team_id);

CREATE TABLE IF NOT EXISTS teams (
	id TEXT PRIMARY KEY,
	team_alias TEXT,
	org_id TEXT,
	guardrails JSONB,
	max_budget DOUBLE PRECISION NOT NULL DEFAULT 0,
	spent_budget DOUBLE PRECISION NOT NULL DEFAULT 0,
	tpm_limit BIGINT,
	rpm_limit BIGINT,
	model_tpm_limit JSONB,
	model_rpm_limit JSONB,
	models JSONB,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	blocked BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	user_alias TEXT,
	tpm_limit BIGINT,
	rpm_limit BIGINT,
	max_budget DOUBLE PRECISION NOT NULL DEFAULT 0,
	spent_budget DOUBLE PRECISION NOT NULL DEFAULT 0,
	budget_duration TEXT NOT NULL DEFAULT '',
	budget_reset_at TIMESTAMPTZ,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	blocked BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS orgs (
	id TEXT PRIMARY KEY,
	org_alias TEXT,
	tpm_limit BIGINT,
	rpm_limit BIGINT,
	max_budget DOUBLE PRECISION NOT NULL DEFAULT 0,
	spent_budget DOUBLE PRECISION NOT NULL DEFAULT 0,
	budget_duration TEXT NOT NULL DEFAULT '',
	budget_reset_at TIMESTAMPTZ,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	blocked BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure auth schema: %w", err)
	}
	return nil
}

const keyColumns = `id, key_hash, key_prefix, name, key_alias, team_id, user_id,
	guardrails, allowed_models, tpm_limit, rpm_limit, max_parallel_requests,
	model_tpm_limit, model_rpm_limit,
	max_budget, soft_budget, spent_budget, budget_duration, budget_reset_at,
	is_active, blocked, created_at, updated_at, expires_at, last_used_at`

// GetKeyByHash looks up a key by hash.
func (s *PostgresStore) GetKeyByHash(ctx context.Context, hash string) (*VirtualKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE key_hash = $1`, hash)
	return scanKey(row)
}

// GetKeyByID looks up a key by ID.
func (s *PostgresStore) GetKeyByID(ctx context.Context, id string) (*VirtualKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE id = $1`, id)
	return scanKey(row)
}

// CreateKey inserts a new key.
func (s *PostgresStore) CreateKey(ctx context.Context, key *VirtualKey) error {
	guardrails := marshalOrNil(key.Guardrails)
	allowedModels, _ := json.Marshal(key.AllowedModels)
	modelTPM, _ := json.Marshal(key.ModelTPMLimit)
	modelRPM, _ := json.Marshal(key.ModelRPMLimit)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO api_keys (
	id, key_hash, key_prefix, name, key_alias, team_id, user_id,
	guardrails, allowed_models, tpm_limit, rpm_limit, max_parallel_requests,
	model_tpm_limit, model_rpm_limit,
	max_budget, soft_budget, spent_budget, budget_duration, budget_reset_at,
	is_active, blocked, created_at, updated_at, expires_at, last_used_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.Name, key.Alias, key.TeamID, key.UserID,
		guardrails, allowedModels, key.TPMLimit, key.RPMLimit, key.MaxParallelRequests,
		modelTPM, modelRPM,
		key.MaxBudget, key.SoftBudget, key.SpentBudget, key.BudgetDuration, key.BudgetResetAt,
		key.IsActive, key.Blocked, key.CreatedAt, key.UpdatedAt, key.ExpiresAt, key.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// UpdateKey updates mutable key fields.
func (s *PostgresStore) UpdateKey(ctx context.Context, key *VirtualKey) error {
	guardrails := marshalOrNil(key.Guardrails)
	allowedModels, _ := json.Marshal(key.AllowedModels)
	modelTPM, _ := json.Marshal(key.ModelTPMLimit)
	modelRPM, _ := json.Marshal(key.ModelRPMLimit)

	res, err := s.db.ExecContext(ctx, `
UPDATE api_keys SET
	name = $2, key_alias = $3, team_id = $4, user_id = $5, guardrails = $6,
	allowed_models = $7, tpm_limit = $8, rpm_limit = $9,
	max_parallel_requests = $10, model_tpm_limit = $11, model_rpm_limit = $12,
	max_budget = $13, soft_budget = $14, spent_budget = $15,
	budget_duration = $16, budget_reset_at = $17,
	is_active = $18, blocked = $19, expires_at = $20, updated_at = NOW()
WHERE id = $1`,
		key.ID, key.Name, key.Alias, key.TeamID, key.UserID, guardrails,
		allowedModels, key.TPMLimit, key.RPMLimit,
		key.MaxParallelRequests, modelTPM, modelRPM,
		key.MaxBudget, key.SoftBudget, key.SpentBudget,
		key.BudgetDuration, key.BudgetResetAt,
		key.IsActive, key.Blocked, key.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// DeleteKey removes a key.
func (s *PostgresStore) DeleteKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// ListKeys returns all keys.
func (s *PostgresStore) ListKeys(ctx context.Context) ([]*VirtualKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*VirtualKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// GetTeam looks up a team.
func (s *PostgresStore) GetTeam(ctx context.Context, id string) (*Team, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, team_alias, org_id, guardrails, max_budget, spent_budget,
	tpm_limit, rpm_limit, model_tpm_limit, model_rpm_limit, models,
	is_active, blocked, created_at, updated_at
FROM teams WHERE id = $1`, id)

	var (
		t          Team
		guardrails []byte
		modelTPM   []byte
		modelRPM   []byte
		models     []byte
	)
	err := row.Scan(&t.ID, &t.Alias, &t.OrgID, &guardrails, &t.MaxBudget, &t.SpentBudget,
		&t.TPMLimit, &t.RPMLimit, &modelTPM, &modelRPM, &models,
		&t.IsActive, &t.Blocked, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTeamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan team: %w", err)
	}
	unmarshalJSON(guardrails, &t.Guardrails)
	unmarshalJSON(modelTPM, &t.ModelTPMLimit)
	unmarshalJSON(modelRPM, &t.ModelRPMLimit)
	unmarshalJSON(models, &t.Models)
	return &t, nil
}

// CreateTeam inserts a new team.
func (s *PostgresStore) CreateTeam(ctx context.Context, team *Team) error {
	guardrails := marshalOrNil(team.Guardrails)
	modelTPM, _ := json.Marshal(team.ModelTPMLimit)
	modelRPM, _ := json.Marshal(team.ModelRPMLimit)
	models, _ := json.Marshal(team.Models)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO teams (id, team_alias, org_id, guardrails, max_budget, spent_budget,
	tpm_limit, rpm_limit, model_tpm_limit, model_rpm_limit, models,
	is_active, blocked, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		team.ID, team.Alias, team.OrgID, guardrails, team.MaxBudget, team.SpentBudget,
		team.TPMLimit, team.RPMLimit, modelTPM, modelRPM, models,
		team.IsActive, team.Blocked, team.CreatedAt, team.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert team: %w", err)
	}
	return nil
}

// UpdateTeam updates mutable team fields.
func (s *PostgresStore) UpdateTeam(ctx context.Context, team *Team) error {
	guardrails := marshalOrNil(team.Guardrails)
	modelTPM, _ := json.Marshal(team.ModelTPMLimit)
	modelRPM, _ := json.Marshal(team.ModelRPMLimit)
	models, _ := json.Marshal(team.Models)

	res, err := s.db.ExecContext(ctx, `
UPDATE teams SET team_alias = $2, org_id = $3, guardrails = $4,
	max_budget = $5, spent_budget = $6,
	tpm_limit = $7, rpm_limit = $8, model_tpm_limit = $9, model_rpm_limit = $10,
	models = $11, is_active = $12, blocked = $13, updated_at = NOW()
WHERE id = $1`,
		team.ID, team.Alias, team.OrgID, guardrails,
		team.MaxBudget, team.SpentBudget,
		team.TPMLimit, team.RPMLimit, modelTPM, modelRPM,
		models, team.IsActive, team.Blocked,
	)
	if err != nil {
		return fmt.Errorf("update team: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTeamNotFound
	}
	return nil
}

const userColumns = `id, user_alias, tpm_limit, rpm_limit, max_budget, spent_budget,
	budget_duration, budget_reset_at, is_active, blocked, created_at, updated_at`

// GetUser looks up a user.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)

	var u User
	err := row.Scan(&u.ID, &u.Alias, &u.TPMLimit, &u.RPMLimit,
		&u.MaxBudget, &u.SpentBudget, &u.BudgetDuration, &u.BudgetResetAt,
		&u.IsActive, &u.Blocked, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// CreateUser inserts a new user.
func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (`+userColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		user.ID, user.Alias, user.TPMLimit, user.RPMLimit,
		user.MaxBudget, user.SpentBudget, user.BudgetDuration, user.BudgetResetAt,
		user.IsActive, user.Blocked, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// UpdateUser updates mutable user fields.
func (s *PostgresStore) UpdateUser(ctx context.Context, user *User) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE users SET user_alias = $2, tpm_limit = $3, rpm_limit = $4,
	max_budget = $5, spent_budget = $6, budget_duration = $7, budget_reset_at = $8,
	is_active = $9, blocked = $10, updated_at = NOW()
WHERE id = $1`,
		user.ID, user.Alias, user.TPMLimit, user.RPMLimit,
		user.MaxBudget, user.SpentBudget, user.BudgetDuration, user.BudgetResetAt,
		user.IsActive, user.Blocked,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

const orgColumns = `id, org_alias, tpm_limit, rpm_limit, max_budget, spent_budget,
	budget_duration, budget_reset_at, is_active, blocked, created_at, updated_at`

// GetOrg looks up an org.
func (s *PostgresStore) GetOrg(ctx context.Context, id string) (*Org, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orgColumns+` FROM orgs WHERE id = $1`, id)

	var o Org
	err := row.Scan(&o.ID, &o.Alias, &o.TPMLimit, &o.RPMLimit,
		&o.MaxBudget, &o.SpentBudget, &o.BudgetDuration, &o.BudgetResetAt,
		&o.IsActive, &o.Blocked, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrgNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan org: %w", err)
	}
	return &o, nil
}

// CreateOrg inserts a new org.
func (s *PostgresStore) CreateOrg(ctx context.Context, org *Org) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO orgs (`+orgColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		org.ID, org.Alias, org.TPMLimit, org.RPMLimit,
		org.MaxBudget, org.SpentBudget, org.BudgetDuration, org.BudgetResetAt,
		org.IsActive, org.Blocked, org.CreatedAt, org.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert org: %w", err)
	}
	return nil
}

// UpdateOrg updates mutable org fields.
func (s *PostgresStore) UpdateOrg(ctx context.Context, org *Org) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE orgs SET org_alias = $2, tpm_limit = $3, rpm_limit = $4,
	max_budget = $5, spent_budget = $6, budget_duration = $7, budget_reset_at = $8,
	is_active = $9, blocked = $10, updated_at = NOW()
WHERE id = $1`,
		org.ID, org.Alias, org.TPMLimit, org.RPMLimit,
		org.MaxBudget, org.SpentBudget, org.BudgetDuration, org.BudgetResetAt,
		org.IsActive, org.Blocked,
	)
	if err != nil {
		return fmt.Errorf("update org: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOrgNotFound
	}
	return nil
}

// AddSpend accumulates spend on every scope named in one transaction.
func (s *PostgresStore) AddSpend(ctx context.Context, scopes SpendScopes, amount float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin spend tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE api_keys SET spent_budget = spent_budget + $2, updated_at = NOW() WHERE id = $1`,
		scopes.KeyID, amount)
	if err != nil {
		return fmt.Errorf("add key spend: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}

	if scopes.UserID != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET spent_budget = spent_budget + $2, updated_at = NOW() WHERE id = $1`,
			*scopes.UserID, amount); err != nil {
			return fmt.Errorf("add user spend: %w", err)
		}
	}
	if scopes.TeamID != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE teams SET spent_budget = spent_budget + $2, updated_at = NOW() WHERE id = $1`,
			*scopes.TeamID, amount); err != nil {
			return fmt.Errorf("add team spend: %w", err)
		}
	}
	if scopes.OrgID != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE orgs SET spent_budget = spent_budget + $2, updated_at = NOW() WHERE id = $1`,
			*scopes.OrgID, amount); err != nil {
			return fmt.Errorf("add org spend: %w", err)
		}
	}

	return tx.Commit()
}

// TouchLastUsed records key usage.
func (s *PostgresStore) TouchLastUsed(ctx context.Context, keyID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, keyID, at)
	return err
}

// ResetExpiredBudgets zeroes spend for lapsed budget windows across
// keys, users, and orgs.
func (s *PostgresStore) ResetExpiredBudgets(ctx context.Context, now time.Time) (int, error) {
	reset := 0
	for _, table := range []string{"api_keys", "users", "orgs"} {
		n, err := s.resetExpiredIn(ctx, table, now)
		reset += n
		if err != nil {
			return reset, err
		}
	}
	return reset, nil
}

func (s *PostgresStore) resetExpiredIn(ctx context.Context, table string, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, budget_duration FROM `+table+` WHERE budget_reset_at IS NOT NULL AND budget_reset_at <= $1`,
		now)
	if err != nil {
		return 0, fmt.Errorf("query expired budgets: %w", err)
	}
	defer rows.Close()

	type expired struct {
		id       string
		duration string
	}
	var lapsed []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.duration); err != nil {
			return 0, err
		}
		lapsed = append(lapsed, e)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	reset := 0
	for _, e := range lapsed {
		var next *time.Time
		if n, ok := NextBudgetReset(e.duration, now); ok {
			next = &n
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE `+table+` SET spent_budget = 0, budget_reset_at = $2, updated_at = NOW() WHERE id = $1`,
			e.id, next); err != nil {
			return reset, fmt.Errorf("reset budget for %s: %w", e.id, err)
		}
		reset++
	}
	return reset, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*VirtualKey, error) {
	var (
		k             VirtualKey
		guardrails    []byte
		allowedModels []byte
		modelTPM      []byte
		modelRPM      []byte
	)
	err := row.Scan(
		&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Name, &k.Alias, &k.TeamID, &k.UserID,
		&guardrails, &allowedModels, &k.TPMLimit, &k.RPMLimit, &k.MaxParallelRequests,
		&modelTPM, &modelRPM,
		&k.MaxBudget, &k.SoftBudget, &k.SpentBudget, &k.BudgetDuration, &k.BudgetResetAt,
		&k.IsActive, &k.Blocked, &k.CreatedAt, &k.UpdatedAt, &k.ExpiresAt, &k.LastUsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	unmarshalJSON(guardrails, &k.Guardrails)
	unmarshalJSON(allowedModels, &k.AllowedModels)
	unmarshalJSON(modelTPM, &k.ModelTPMLimit)
	unmarshalJSON(modelRPM, &k.ModelRPMLimit)
	return &k, nil
}

func marshalOrNil(v any) []byte {
	if v == nil {
		return nil
	}
	if p, ok := v.(*GuardrailsPolicy); ok && p == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func unmarshalJSON(data []byte, dest any) {
	if len(data) == 0 {
		return
	}
	_ = json.Unmarshal(data, dest)
}
