package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// Config selects and configures the session store backend.
type Config struct {
	Backend         string
	BadgerPath      string
	DatabaseURL     string
	JanitorInterval time.Duration
	Logger          *slog.Logger
}

// NewDialer returns a Dialer for the configured backend. Memory stores are
// created once and handed out on every dial; janitors run until ctx ends.
func NewDialer(ctx context.Context, cfg Config) (Dialer, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = BackendMemory
	}
	interval := cfg.JanitorInterval
	if interval <= 0 {
		interval = time.Minute
	}

	switch backend {
	case BackendMemory:
		mem := NewMemoryStore()
		mem.StartJanitor(ctx, interval)
		return func(context.Context) (Adapter, error) { return mem, nil }, nil
	case BackendBadger:
		path := strings.TrimSpace(cfg.BadgerPath)
		if path == "" {
			return nil, fmt.Errorf("badger store requires a path")
		}
		return func(context.Context) (Adapter, error) {
			return NewBadgerStore(BadgerConfig{
				Path:           path,
				SyncWrites:     true,
				Logger:         cfg.Logger,
				GCInterval:     5 * time.Minute,
				GCDiscardRatio: 0.5,
			})
		}, nil
	case BackendPostgres:
		url := strings.TrimSpace(cfg.DatabaseURL)
		if url == "" {
			return nil, fmt.Errorf("postgres store requires a database url")
		}
		return func(dialCtx context.Context) (Adapter, error) {
			pg, err := NewPostgresStore(dialCtx, url)
			if err != nil {
				return nil, err
			}
			pg.StartJanitor(ctx, interval, cfg.Logger)
			return pg, nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}
