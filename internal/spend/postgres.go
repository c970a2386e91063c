package spend

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresLedger is a PostgreSQL-backed Ledger.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger opens a connection pool and ensures the schema.
func NewPostgresLedger(ctx context.Context, dsn string) (*PostgresLedger, error) {
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

	l := &PostgresLedger{db: db}
	if err := l.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// NewPostgresLedgerFromDB wraps an existing pool, used by tests.
func NewPostgresLedgerFromDB(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS spend_records (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	key_id TEXT NOT NULL DEFAULT '',
	user_id TEXT,
	team_id TEXT,
	org_id TEXT,
	model TEXT NOT NULL,
	model_group TEXT NOT NULL,
	provider TEXT NOT NULL,
	deployment_id TEXT NOT NULL,
	prompt_tokens INT NOT NULL DEFAULT 0,
	completion_tokens INT NOT NULL DEFAULT 0,
	total_tokens INT NOT NULL DEFAULT 0,
	cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
	cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_spend_records_key_id ON spend_records(key_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_spend_records_created_at ON spend_records(created_at);
`
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure spend schema: %w", err)
	}
	return nil
}

// Insert appends a record.
func (l *PostgresLedger) Insert(ctx context.Context, rec *Record) error {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO spend_records (
	id, request_id, key_id, user_id, team_id, org_id, model, model_group, provider, deployment_id,
	prompt_tokens, completion_tokens, total_tokens, cache_hit, cost, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		rec.ID, rec.RequestID, rec.KeyID, rec.UserID, rec.TeamID, rec.OrgID,
		rec.Model, rec.ModelGroup, rec.Provider, rec.DeploymentID,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.CacheHit,
		rec.Cost, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert spend record: %w", err)
	}
	return nil
}

// ListByKey returns records for a key newest first, up to limit.
func (l *PostgresLedger) ListByKey(ctx context.Context, keyID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT id, request_id, key_id, user_id, team_id, org_id, model, model_group, provider, deployment_id,
	prompt_tokens, completion_tokens, total_tokens, cache_hit, cost, created_at
FROM spend_records WHERE key_id = $1 ORDER BY created_at DESC LIMIT $2`,
		keyID, limit)
	if err != nil {
		return nil, fmt.Errorf("list spend records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID, &rec.RequestID, &rec.KeyID, &rec.UserID, &rec.TeamID, &rec.OrgID,
			&rec.Model, &rec.ModelGroup, &rec.Provider, &rec.DeploymentID,
			&rec.PromptTokens, &rec.CompletionTokens, &rec.TotalTokens,
			&rec.CacheHit, &rec.Cost, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan spend record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// Close closes the connection pool.
func (l *PostgresLedger) Close() error {
	return l.db.Close()
}
