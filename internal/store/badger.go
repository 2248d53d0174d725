package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const badgerKeyPrefix = "session:"

// BadgerConfig configures the embedded BadgerDB backend.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path       string
	InMemory   bool
	SyncWrites bool
	// Logger receives BadgerDB's internal log lines. Nil silences them.
	Logger *slog.Logger
	// GCInterval controls value log garbage collection. Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// BadgerStore keeps session records in BadgerDB, relying on its native
// per-entry TTL for expiry.
type BadgerStore struct {
	db       *badger.DB
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := &BadgerStore{db: db, stop: make(chan struct{})}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		s.wg.Add(1)
		go s.runGC(cfg.GCInterval, ratio)
	}
	return s, nil
}

func (s *BadgerStore) Get(_ context.Context, sessionID string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(sessionID))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", sessionID, err)
	}
	return out, nil
}

func (s *BadgerStore) Set(_ context.Context, sessionID string, data []byte, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(badgerKey(sessionID), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("badger set %s: %w", sessionID, err)
	}
	return nil
}

func (s *BadgerStore) TTLRemaining(_ context.Context, sessionID string) (time.Duration, error) {
	var expiresAt uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(sessionID))
		if err != nil {
			return err
		}
		expiresAt = item.ExpiresAt()
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("badger ttl %s: %w", sessionID, err)
	}
	if expiresAt == 0 {
		return NoExpiry, nil
	}
	remaining := time.Until(time.Unix(int64(expiresAt), 0))
	if remaining <= 0 {
		return 0, ErrNotFound
	}
	return remaining, nil
}

func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return ErrUnavailable
	}
	return nil
}

func (s *BadgerStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	if s.db.IsClosed() {
		return nil
	}
	return s.db.Close()
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			// One rewrite per tick; ErrNoRewrite just means nothing to reclaim.
			_ = s.db.RunValueLogGC(ratio)
		}
	}
}

func badgerKey(sessionID string) []byte {
	return []byte(badgerKeyPrefix + sessionID)
}
