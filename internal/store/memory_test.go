package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSetGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "s1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "s1", []byte(`{"a":1}`), time.Minute))
	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), got)

	// Returned slices are copies.
	got[0] = 'X'
	again, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, byte('{'), again[0])
}

func TestMemoryStoreExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.SetClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "s1", []byte("x"), 10*time.Second))
	ttl, err := s.TTLRemaining(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, ttl)

	now = now.Add(10 * time.Second)
	_, err = s.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.TTLRemaining(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, s.sweep())
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStoreRewriteRearmsTTL(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.SetClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "s1", []byte("v1"), 10*time.Second))
	now = now.Add(8 * time.Second)
	require.NoError(t, s.Set(ctx, "s1", []byte("v2"), 10*time.Second))
	now = now.Add(8 * time.Second)

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestMemoryStoreNoExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "s1", []byte("x"), 0))
	ttl, err := s.TTLRemaining(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, NoExpiry, ttl)
}
