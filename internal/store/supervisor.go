package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/chatrelay/internal/reliability"
)

// State is the backend connection state tracked by a Supervisor.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateRetrying     State = "retrying"
)

// Dialer opens a backend connection.
type Dialer func(ctx context.Context) (Adapter, error)

type SupervisorConfig struct {
	RetryBase     time.Duration
	RetryMax      time.Duration
	PingTimeout   time.Duration
	Logger        *slog.Logger
	OnStateChange func(State)
}

// Supervisor owns the backend connection lifecycle. It dials with capped
// exponential backoff, re-checks the connection after failed operations and
// redials when the check fails. Callers only see the Adapter methods; while
// no connection is up every call fails fast with ErrUnavailable.
type Supervisor struct {
	dial Dialer
	cfg  SupervisorConfig

	mu      sync.RWMutex
	current Adapter
	state   State
	started bool

	wake      chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
}

func NewSupervisor(dial Dialer, cfg SupervisorConfig) *Supervisor {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = 30 * time.Second
		if cfg.RetryMax < cfg.RetryBase {
			cfg.RetryMax = cfg.RetryBase
		}
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{
		dial:  dial,
		cfg:   cfg,
		state: StateDisconnected,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		ready: make(chan struct{}),
	}
}

// Start launches the connection loop. It returns immediately.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.run(ctx)
}

// WaitReady blocks until the first connection is established or ctx is done.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) Get(ctx context.Context, sessionID string) ([]byte, error) {
	a := s.adapter()
	if a == nil {
		return nil, ErrUnavailable
	}
	data, err := a.Get(ctx, sessionID)
	s.observe(ctx, err)
	return data, err
}

func (s *Supervisor) Set(ctx context.Context, sessionID string, data []byte, ttl time.Duration) error {
	a := s.adapter()
	if a == nil {
		return ErrUnavailable
	}
	err := a.Set(ctx, sessionID, data, ttl)
	s.observe(ctx, err)
	return err
}

func (s *Supervisor) TTLRemaining(ctx context.Context, sessionID string) (time.Duration, error) {
	a := s.adapter()
	if a == nil {
		return 0, ErrUnavailable
	}
	ttl, err := a.TTLRemaining(ctx, sessionID)
	s.observe(ctx, err)
	return ttl, err
}

func (s *Supervisor) Ping(ctx context.Context) error {
	a := s.adapter()
	if a == nil {
		return ErrUnavailable
	}
	err := a.Ping(ctx)
	s.observe(ctx, err)
	return err
}

func (s *Supervisor) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if started {
		<-s.done
	}

	s.mu.Lock()
	a := s.current
	s.current = nil
	s.mu.Unlock()
	s.setState(StateDisconnected)
	if a != nil {
		return a.Close()
	}
	return nil
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	attempt := 0
	for {
		if s.adapter() == nil {
			a, err := s.dial(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				delay := reliability.ExponentialBackoff(attempt, s.cfg.RetryBase, s.cfg.RetryMax)
				attempt++
				s.setState(StateRetrying)
				s.cfg.Logger.Warn("session store dial failed", "attempt", attempt, "retry_in", delay, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-s.stop:
					return
				case <-time.After(delay):
				}
				continue
			}
			attempt = 0
			s.install(a)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.wake:
			s.check(ctx)
		}
	}
}

func (s *Supervisor) install(a Adapter) {
	s.mu.Lock()
	s.current = a
	s.mu.Unlock()
	s.setState(StateConnected)
	s.readyOnce.Do(func() { close(s.ready) })
	s.cfg.Logger.Info("session store connected")
}

// check pings the current backend and drops it when the ping fails so the
// run loop redials.
func (s *Supervisor) check(ctx context.Context) {
	a := s.adapter()
	if a == nil {
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
	err := a.Ping(pingCtx)
	cancel()
	if err == nil {
		return
	}

	s.mu.Lock()
	if s.current == a {
		s.current = nil
	}
	s.mu.Unlock()
	_ = a.Close()
	s.setState(StateDisconnected)
	s.cfg.Logger.Warn("session store connection lost", "error", err)
}

func (s *Supervisor) observe(ctx context.Context, err error) {
	if err == nil || errors.Is(err, ErrNotFound) || ctx.Err() != nil {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Supervisor) adapter() Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	changed := s.state != next
	s.state = next
	hook := s.cfg.OnStateChange
	s.mu.Unlock()
	if changed && hook != nil {
		hook(next)
	}
}
