package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultRefreshInterval renews tokens well ahead of their one hour lifetime.
	DefaultRefreshInterval = 45 * time.Minute
	// DefaultRefreshTimeout bounds a single silent refresh.
	DefaultRefreshTimeout = 30 * time.Second

	tokenLifetime = time.Hour
)

// Refresher renews the session tokens.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context) error

// Refresh calls f(ctx).
func (f RefresherFunc) Refresh(ctx context.Context) error {
	return f(ctx)
}

// Scheduler keeps at most one pending silent refresh for an authenticated session.
// Every observed state change cancels the pending timer before anything new is scheduled.
type Scheduler struct {
	refresher Refresher
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	timer       *time.Timer
	gen         uint64
	stopped     bool
	inflight sync.WaitGroup
	flight   uint64
	flights  map[uint64]context.CancelFunc
}

// NewScheduler validates interval (zero selects DefaultRefreshInterval); it must be positive
// and shorter than the token lifetime.
func NewScheduler(r Refresher, interval time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if r == nil {
		return nil, errors.New("refresher required")
	}
	if interval == 0 {
		interval = DefaultRefreshInterval
	}
	if interval < 0 || interval >= tokenLifetime {
		return nil, fmt.Errorf("refresh interval must be between 0 and %s, got %s", tokenLifetime, interval)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		refresher: r,
		interval:  interval,
		timeout:   DefaultRefreshTimeout,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		flights:   make(map[uint64]context.CancelFunc),
	}, nil
}

// Interval returns the configured refresh interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Observe records the current authentication state. Any pending timer is cancelled; if
// authenticated, exactly one new timer is armed. A refresh still in flight is aborted only
// when the session is no longer authenticated.
func (s *Scheduler) Observe(authenticated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.cancelLocked(!authenticated)
	if authenticated {
		s.scheduleLocked()
	}
}

// Pending reports whether a refresh timer is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Stop cancels the pending timer and any in-flight refresh and waits for the latter to
// return. No refresh runs after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancelLocked(true)
	s.mu.Unlock()

	s.cancel()
	s.inflight.Wait()
}

func (s *Scheduler) cancelLocked(abort bool) {
	// A callback that already fired sees the new generation and does nothing.
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if abort {
		for id, abortFlight := range s.flights {
			abortFlight()
			delete(s.flights, id)
		}
	}
}

func (s *Scheduler) scheduleLocked() {
	gen := s.gen
	s.timer = time.AfterFunc(s.interval, func() { s.fire(gen) })
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.stopped || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	s.flight++
	flight := s.flight
	s.flights[flight] = cancel
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	err := s.refresher.Refresh(ctx)
	cancel()
	if err != nil {
		s.logger.Warn("silent refresh failed", "error", err)
	} else {
		s.logger.Debug("session refreshed", "next_in", s.interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flights, flight)
	if err == nil && !s.stopped && gen == s.gen && s.timer == nil {
		s.scheduleLocked()
	}
}
