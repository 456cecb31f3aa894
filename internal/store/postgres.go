// Package store provides the optional pgx-backed durability path: Policy
// Bundle lifecycle persistence and a durable-checkpoint Sink for the
// Persistence-Intent Pipeline (SPEC_FULL §4 DOMAIN STACK,
// jackc/pgx/v5). Session/Contract storage itself stays in-memory per the
// spec's Non-goals; this package only backs the two things SPEC_FULL §6
// explicitly calls out as optionally durable.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/theatre/internal/domain"
)

// PostgresStore is a pgx connection pool fronting both the Policy Bundle
// table and the durable checkpoint archive table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool against dsn and ensures both tables
// exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS policy_bundles (
			id TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoint_archive (
			intent_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			tenant_id TEXT,
			label TEXT,
			payload JSONB NOT NULL,
			payload_hash TEXT NOT NULL,
			submitted_at TIMESTAMPTZ NOT NULL,
			committed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS checkpoint_archive_session_idx ON checkpoint_archive (session_id, committed_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// SaveBundle upserts a PolicyBundle's full state, keyed by ID.
func (s *PostgresStore) SaveBundle(ctx context.Context, b *domain.PolicyBundle) error {
	if b.ID == "" {
		return fmt.Errorf("policy bundle id is required")
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}

	data, err := json.Marshal(b)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO policy_bundles (id, data, status, created_at)
		VALUES ($1, $2::jsonb, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			data = EXCLUDED.data,
			status = EXCLUDED.status
	`, b.ID, data, string(b.Status), b.CreatedAt)
	if err != nil {
		return fmt.Errorf("save policy bundle: %w", err)
	}
	return nil
}

// GetBundle loads a bundle by ID.
func (s *PostgresStore) GetBundle(ctx context.Context, id string) (*domain.PolicyBundle, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM policy_bundles WHERE id = $1`, id).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("policy bundle not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get policy bundle: %w", err)
	}
	var b domain.PolicyBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBundles returns every bundle, most recently created first.
func (s *PostgresStore) ListBundles(ctx context.Context) ([]*domain.PolicyBundle, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM policy_bundles ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list policy bundles: %w", err)
	}
	defer rows.Close()

	var bundles []*domain.PolicyBundle
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("list policy bundles scan: %w", err)
		}
		var b domain.PolicyBundle
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		bundles = append(bundles, &b)
	}
	return bundles, rows.Err()
}

// Commit archives a PersistenceIntent permanently. It satisfies
// asyncqueue.Sink, letting PersistCheckpoint-originated intents
// (priority Low, per SPEC_FULL §6 item 3) drain into durable storage
// through the same backpressure path as any other intent.
func (s *PostgresStore) Commit(ctx context.Context, intent *domain.PersistenceIntent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoint_archive (intent_id, session_id, tenant_id, label, payload, payload_hash, submitted_at, committed_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)
		ON CONFLICT (intent_id) DO NOTHING
	`, intent.ID, intent.SessionID, intent.TenantID, intent.Label, []byte(intent.Payload), intent.PayloadHash, intent.SubmittedAt, time.Now())
	if err != nil {
		return fmt.Errorf("archive checkpoint: %w", err)
	}
	return nil
}

// LatestForSession returns the most recently archived checkpoint
// payload for a session, if any.
func (s *PostgresStore) LatestForSession(ctx context.Context, sessionID string) (json.RawMessage, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `
		SELECT payload FROM checkpoint_archive
		WHERE session_id = $1
		ORDER BY committed_at DESC
		LIMIT 1
	`, sessionID).Scan(&payload)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("latest checkpoint for session: %w", err)
	}
	return payload, true, nil
}
