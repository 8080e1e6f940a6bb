// Package ledger records per-session operational metadata — connect and
// disconnect times, inference pass counts, error counts, and bytes received —
// to PostgreSQL for audit purposes. It never stores transcript text.
//
// A Ledger backed by an empty DSN is a valid no-op: every method succeeds
// immediately without touching a database. This lets the gateway run
// without Postgres configured at all.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS session_audit (
    user_id         BIGINT       PRIMARY KEY,
    connected_at    TIMESTAMPTZ  NOT NULL,
    disconnected_at TIMESTAMPTZ,
    pass_count      BIGINT       NOT NULL DEFAULT 0,
    error_count     BIGINT       NOT NULL DEFAULT 0,
    bytes_received  BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_session_audit_connected_at
    ON session_audit (connected_at);
`

// Ledger persists session lifecycle events. Construct one with [Open]; the
// zero value is the no-op Ledger that [Open] returns for an empty DSN.
type Ledger struct {
	pool *pgxpool.Pool
}

// Open establishes a connection pool against dsn and ensures the audit table
// exists. An empty dsn returns a no-op Ledger whose methods never touch a
// database — use this to run the gateway without Postgres configured.
func Open(ctx context.Context, dsn string) (*Ledger, error) {
	if dsn == "" {
		return &Ledger{}, nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlSessions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}

	return &Ledger{pool: pool}, nil
}

// Close releases the underlying connection pool, if any.
func (l *Ledger) Close() {
	if l.pool != nil {
		l.pool.Close()
	}
}

// RecordConnect inserts a new row for a session that just started.
func (l *Ledger) RecordConnect(ctx context.Context, userID int64, at time.Time) error {
	if l.pool == nil {
		return nil
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO session_audit (user_id, connected_at) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET connected_at = EXCLUDED.connected_at, disconnected_at = NULL, pass_count = 0, error_count = 0, bytes_received = 0`,
		userID, at)
	if err != nil {
		return fmt.Errorf("ledger: record connect: %w", err)
	}
	return nil
}

// RecordDisconnect marks a session's end time.
func (l *Ledger) RecordDisconnect(ctx context.Context, userID int64, at time.Time) error {
	if l.pool == nil {
		return nil
	}
	_, err := l.pool.Exec(ctx,
		`UPDATE session_audit SET disconnected_at = $2 WHERE user_id = $1`,
		userID, at)
	if err != nil {
		return fmt.Errorf("ledger: record disconnect: %w", err)
	}
	return nil
}

// RecordPass increments a session's inference pass counter, and its error
// counter too when passErr is non-nil.
func (l *Ledger) RecordPass(ctx context.Context, userID int64, passErr error) error {
	if l.pool == nil {
		return nil
	}
	errInc := 0
	if passErr != nil {
		errInc = 1
	}
	_, err := l.pool.Exec(ctx,
		`UPDATE session_audit SET pass_count = pass_count + 1, error_count = error_count + $2 WHERE user_id = $1`,
		userID, errInc)
	if err != nil {
		return fmt.Errorf("ledger: record pass: %w", err)
	}
	return nil
}

// RecordBytesReceived adds n to a session's received-bytes counter.
func (l *Ledger) RecordBytesReceived(ctx context.Context, userID int64, n int) error {
	if l.pool == nil {
		return nil
	}
	_, err := l.pool.Exec(ctx,
		`UPDATE session_audit SET bytes_received = bytes_received + $2 WHERE user_id = $1`,
		userID, n)
	if err != nil {
		return fmt.Errorf("ledger: record bytes: %w", err)
	}
	return nil
}
