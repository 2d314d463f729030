package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresMirror keeps a durable copy of every appended event in PostgreSQL.
// It implements Mirror. The mirror is the preferred source for chain-cursor
// recovery because a half-written log file cannot fool it.
type PostgresMirror struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresMirror creates a PostgresMirror backed by the given pool.
func NewPostgresMirror(pool *pgxpool.Pool, logger *zap.Logger) *PostgresMirror {
	return &PostgresMirror{pool: pool, logger: logger}
}

// Migrate creates the audit_events table when it does not exist.
func (m *PostgresMirror) Migrate(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			id            TEXT PRIMARY KEY,
			timestamp     TIMESTAMPTZ NOT NULL,
			user_id       TEXT,
			session_id    TEXT,
			action        TEXT NOT NULL,
			resource      TEXT NOT NULL,
			resource_id   TEXT,
			details       JSONB,
			result        TEXT NOT NULL,
			risk_level    TEXT NOT NULL,
			phi_involved  BOOLEAN NOT NULL,
			hash          TEXT NOT NULL,
			prev_hash     TEXT NOT NULL,
			seq           BIGSERIAL
		)`)
	if err != nil {
		return fmt.Errorf("create audit_events table: %w", err)
	}
	return nil
}

// Insert implements Mirror.
func (m *PostgresMirror) Insert(ctx context.Context, e *Event) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	if _, err := m.pool.Exec(ctx,
		`INSERT INTO audit_events
		 (id, timestamp, user_id, session_id, action, resource, resource_id, details, result, risk_level, phi_involved, hash, prev_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.Timestamp, e.UserID, e.SessionID, e.Action, e.Resource,
		e.ResourceID, details, e.Result, e.RiskLevel, e.PHIInvolved,
		e.Hash, e.PrevHash,
	); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	m.logger.Debug("event mirrored", zap.String("id", e.ID))
	return nil
}

// LastHash implements Mirror. Returns the empty-string sentinel when the
// mirror holds no events yet.
func (m *PostgresMirror) LastHash(ctx context.Context) (string, error) {
	var hash string
	err := m.pool.QueryRow(ctx,
		"SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1",
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read mirror tail: %w", err)
	}
	return hash, nil
}

// Count returns the number of mirrored events.
func (m *PostgresMirror) Count(ctx context.Context) (int, error) {
	var n int
	if err := m.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count mirrored events: %w", err)
	}
	return n, nil
}
