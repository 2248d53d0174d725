package store

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, url)
	require.NoError(t, err)
	defer s.Close()

	id := "test-" + uuid.NewString()
	_, err = s.Get(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, id, []byte(`{"v":1}`), time.Minute))
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":1}`), got)

	ttl, err := s.TTLRemaining(ctx, id)
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	require.NoError(t, s.Set(ctx, id, []byte(`{"v":2}`), time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, int64(1))
}

func TestJanitorLogsSweepFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tick := make(chan time.Time)
	swept := make(chan struct{}, 2)
	calls := 0
	sweep := func(context.Context) (int64, error) {
		calls++
		defer func() { swept <- struct{}{} }()
		if calls == 1 {
			return 0, errors.New("relation does not exist")
		}
		return 3, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		runJanitor(ctx, nil, tick, sweep, logger)
	}()

	tick <- time.Now()
	<-swept
	tick <- time.Now()
	<-swept
	cancel()
	<-done

	out := logs.String()
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, `"msg":"session sweep failed"`)
	assert.Contains(t, out, `relation does not exist`)
	assert.Contains(t, out, `"removed":3`)
	assert.Equal(t, 2, calls, "janitor should keep sweeping after a failure")
}
