package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyAdapter wraps a MemoryStore and fails every operation while broken.
type flakyAdapter struct {
	*MemoryStore
	broken atomic.Bool
	closed atomic.Bool
}

var errBackendDown = errors.New("backend down")

func (f *flakyAdapter) Get(ctx context.Context, id string) ([]byte, error) {
	if f.broken.Load() {
		return nil, errBackendDown
	}
	return f.MemoryStore.Get(ctx, id)
}

func (f *flakyAdapter) Ping(context.Context) error {
	if f.broken.Load() {
		return errBackendDown
	}
	return nil
}

func (f *flakyAdapter) Close() error {
	f.closed.Store(true)
	return nil
}

func TestSupervisorUnavailableBeforeConnect(t *testing.T) {
	sup := NewSupervisor(func(context.Context) (Adapter, error) {
		return nil, errBackendDown
	}, SupervisorConfig{RetryBase: time.Millisecond, RetryMax: 2 * time.Millisecond})

	_, err := sup.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, sup.Set(context.Background(), "s1", nil, time.Second), ErrUnavailable)
	assert.Equal(t, StateDisconnected, sup.State())
}

func TestSupervisorRetriesDialWithBackoff(t *testing.T) {
	var dials atomic.Int32
	var mu sync.Mutex
	var states []State

	sup := NewSupervisor(func(context.Context) (Adapter, error) {
		if dials.Add(1) < 3 {
			return nil, errBackendDown
		}
		return NewMemoryStore(), nil
	}, SupervisorConfig{
		RetryBase: time.Millisecond,
		RetryMax:  5 * time.Millisecond,
		OnStateChange: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sup.Start(ctx)
	require.NoError(t, sup.WaitReady(ctx))
	defer sup.Close()

	assert.Equal(t, int32(3), dials.Load())
	assert.Equal(t, StateConnected, sup.State())

	require.NoError(t, sup.Set(ctx, "s1", []byte("x"), time.Minute))
	got, err := sup.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.Equal(t, StateRetrying, states[0])
	assert.Equal(t, StateConnected, states[len(states)-1])
}

func TestSupervisorRedialsAfterFailedPing(t *testing.T) {
	first := &flakyAdapter{MemoryStore: NewMemoryStore()}
	second := &flakyAdapter{MemoryStore: NewMemoryStore()}
	var dials atomic.Int32

	sup := NewSupervisor(func(context.Context) (Adapter, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	}, SupervisorConfig{RetryBase: time.Millisecond, RetryMax: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sup.Start(ctx)
	require.NoError(t, sup.WaitReady(ctx))
	defer sup.Close()

	first.broken.Store(true)
	_, err := sup.Get(ctx, "s1")
	require.ErrorIs(t, err, errBackendDown)

	require.Eventually(t, func() bool {
		return dials.Load() == 2 && sup.State() == StateConnected
	}, time.Second, 5*time.Millisecond)
	assert.True(t, first.closed.Load())

	_, err = sup.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSupervisorNotFoundDoesNotTriggerRecheck(t *testing.T) {
	var dials atomic.Int32
	sup := NewSupervisor(func(context.Context) (Adapter, error) {
		dials.Add(1)
		return NewMemoryStore(), nil
	}, SupervisorConfig{RetryBase: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sup.Start(ctx)
	require.NoError(t, sup.WaitReady(ctx))
	defer sup.Close()

	for i := 0; i < 5; i++ {
		_, err := sup.Get(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), dials.Load())
}
