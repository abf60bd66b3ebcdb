package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestNewSchedulerValidatesInterval(t *testing.T) {
	noop := RefresherFunc(func(context.Context) error { return nil })

	s, err := NewScheduler(noop, 0, nil)
	if err != nil {
		t.Fatalf("zero interval should select the default: %v", err)
	}
	if s.Interval() != DefaultRefreshInterval {
		t.Fatalf("unexpected default interval %s", s.Interval())
	}

	for _, bad := range []time.Duration{-time.Second, time.Hour, 2 * time.Hour} {
		if _, err := NewScheduler(noop, bad, nil); err == nil {
			t.Fatalf("interval %s should be rejected", bad)
		}
	}
	if _, err := NewScheduler(nil, time.Minute, nil); err == nil {
		t.Fatalf("nil refresher should be rejected")
	}
}

func TestSchedulerRefreshesAndReschedules(t *testing.T) {
	var calls atomic.Int32
	s, err := NewScheduler(RefresherFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	}), 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	defer s.Stop()

	s.Observe(true)
	if !s.Pending() {
		t.Fatalf("expected a pending refresh after authentication")
	}
	waitFor(t, time.Second, func() bool { return calls.Load() >= 3 })
	if !s.Pending() {
		t.Fatalf("a successful refresh should arm the next one")
	}
}

func TestSchedulerCancelsOnLogout(t *testing.T) {
	var calls atomic.Int32
	s, err := NewScheduler(RefresherFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	}), 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	defer s.Stop()

	s.Observe(true)
	s.Observe(false)
	if s.Pending() {
		t.Fatalf("logout must cancel the pending refresh")
	}
	time.Sleep(60 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Fatalf("no refresh may run after logout, got %d", got)
	}
}

func TestSchedulerKeepsSingleTimerAcrossCycles(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	s, err := NewScheduler(RefresherFunc(func(ctx context.Context) error {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}), 30*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	defer s.Stop()

	for i := 0; i < 100; i++ {
		s.Observe(true)
		s.Observe(false)
		s.Observe(true)
	}
	if !s.Pending() {
		t.Fatalf("expected exactly one pending refresh")
	}

	// The first refresh blocks, so any extra timer would show up as a second call.
	waitFor(t, time.Second, func() bool { return calls.Load() == 1 })
	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single refresh, got %d", got)
	}
	if s.Pending() {
		t.Fatalf("no timer should be armed while a refresh is in flight")
	}
	close(release)
	waitFor(t, time.Second, s.Pending)
}

func TestSchedulerAbortsInflightRefreshOnlyOnLogout(t *testing.T) {
	started := make(chan struct{})
	aborted := make(chan struct{})
	var calls atomic.Int32
	s, err := NewScheduler(RefresherFunc(func(ctx context.Context) error {
		if calls.Add(1) > 1 {
			return nil
		}
		close(started)
		<-ctx.Done()
		close(aborted)
		return ctx.Err()
	}), 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	defer s.Stop()

	s.Observe(true)
	<-started

	// Reloading the identity while still signed in must not cut the refresh short.
	s.Observe(true)
	select {
	case <-aborted:
		t.Fatalf("in-flight refresh aborted although the session stayed authenticated")
	case <-time.After(30 * time.Millisecond):
	}

	s.Observe(false)
	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatalf("logout did not abort the in-flight refresh")
	}
}

func TestSchedulerStopWaitsForInflightRefresh(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	var calls atomic.Int32
	s, err := NewScheduler(RefresherFunc(func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	}), 5*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	s.Observe(true)
	<-started
	s.Stop()

	if !finished.Load() {
		t.Fatalf("Stop returned before the in-flight refresh finished")
	}
	s.Observe(true)
	if s.Pending() {
		t.Fatalf("a stopped scheduler must not arm timers")
	}
	time.Sleep(30 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("no refresh may run after Stop, got %d", got)
	}
}

func TestSchedulerSwallowsRefreshErrors(t *testing.T) {
	var calls atomic.Int32
	s, err := NewScheduler(RefresherFunc(func(context.Context) error {
		calls.Add(1)
		return errors.New("network unreachable")
	}), 5*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	defer s.Stop()

	s.Observe(true)
	waitFor(t, time.Second, func() bool { return calls.Load() == 1 })
	time.Sleep(30 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("failed refresh should not be retried by the timer, got %d calls", got)
	}
	if s.Pending() {
		t.Fatalf("no timer expected after a failed refresh")
	}

	s.Observe(true)
	if !s.Pending() {
		t.Fatalf("a new observation should arm the timer again")
	}
}
