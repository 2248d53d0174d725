package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists session records in PostgreSQL. Expiry is enforced on
// read through expires_at; the janitor deletes stale rows.
type PostgresStore struct {
	pool     *pgxpool.Pool
	stop     chan struct{}
	stopOnce sync.Once
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, stop: make(chan struct{})}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS relay_sessions (
			session_id TEXT PRIMARY KEY,
			payload BYTEA NOT NULL,
			expires_at TIMESTAMPTZ NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_sessions_expires ON relay_sessions (expires_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) ([]byte, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM relay_sessions
		 WHERE session_id=$1 AND (expires_at IS NULL OR expires_at > now())`,
		sessionID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return payload, nil
}

func (s *PostgresStore) Set(ctx context.Context, sessionID string, data []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		expiresAt = &t
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO relay_sessions (session_id, payload, expires_at, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (session_id) DO UPDATE SET
			payload=EXCLUDED.payload,
			expires_at=EXCLUDED.expires_at,
			updated_at=EXCLUDED.updated_at`,
		sessionID,
		data,
		expiresAt,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sessionID, err)
	}
	return nil
}

func (s *PostgresStore) TTLRemaining(ctx context.Context, sessionID string) (time.Duration, error) {
	var expiresAt *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT expires_at FROM relay_sessions
		 WHERE session_id=$1 AND (expires_at IS NULL OR expires_at > now())`,
		sessionID,
	).Scan(&expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("session ttl %s: %w", sessionID, err)
	}
	if expiresAt == nil {
		return NoExpiry, nil
	}
	remaining := time.Until(*expiresAt)
	if remaining <= 0 {
		return 0, ErrNotFound
	}
	return remaining, nil
}

// Sweep deletes expired rows and reports how many were removed.
func (s *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM relay_sessions WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("sweep expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StartJanitor runs Sweep on interval until ctx is cancelled or the store
// closes. Sweep failures go to logger; nil discards them.
func (s *PostgresStore) StartJanitor(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		runJanitor(ctx, s.stop, ticker.C, s.Sweep, logger)
	}()
}

func runJanitor(ctx context.Context, stop <-chan struct{}, tick <-chan time.Time, sweep func(context.Context) (int64, error), logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-tick:
			removed, err := sweep(ctx)
			if err != nil {
				if logger != nil {
					logger.Warn("session sweep failed", "error", err)
				}
				continue
			}
			if removed > 0 && logger != nil {
				logger.Debug("expired sessions swept", "removed", removed)
			}
		}
	}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.pool.Close()
	return nil
}
