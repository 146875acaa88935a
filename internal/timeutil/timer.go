package timeutil

import (
	"sync"
	"time"
)

// TimerState represents the current state of a [Timer].
type TimerState string

const (
	// TimerStateRunning indicates the timer is currently running.
	TimerStateRunning TimerState = "running"
	// TimerStateStopped indicates the timer was stopped before expiration.
	TimerStateStopped TimerState = "stopped"
	// TimerStateExpired indicates the timer has expired and its callback was called.
	TimerStateExpired TimerState = "expired"
)

// Timer is a one-shot timer that calls a function in its own goroutine once
// its duration elapses, unless stopped before.
type Timer struct {
	mu        sync.Mutex
	startTime time.Time
	stopTime  time.Time
	duration  time.Duration
	state     TimerState
	real      *time.Timer
}

// AfterFunc starts a new timer that calls f after d.
// Non-positive durations fire as soon as possible.
func AfterFunc(d time.Duration, f func()) *Timer {
	if d < 0 {
		d = 0
	}

	t := &Timer{
		startTime: time.Now(),
		duration:  d,
		state:     TimerStateRunning,
	}

	t.mu.Lock()
	t.real = time.AfterFunc(d, func() { t.fire(f) })
	t.mu.Unlock()
	return t
}

func (t *Timer) fire(f func()) {
	t.mu.Lock()
	if t.state != TimerStateRunning {
		t.mu.Unlock()
		return
	}
	t.state = TimerStateExpired
	t.stopTime = time.Now()
	t.real = nil
	t.mu.Unlock()

	f()
}

// Stop prevents the timer from firing.
// It returns true if the call stops the timer, false if the timer has already
// expired or been stopped. Stop on a nil timer is a no-op.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TimerStateRunning {
		return false
	}

	t.state = TimerStateStopped
	t.stopTime = time.Now()
	if t.real != nil {
		t.real.Stop()
		t.real = nil
	}
	return true
}

// State returns the current timer state.
func (t *Timer) State() TimerState {
	if t == nil {
		return ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Duration returns the duration the timer was started with.
func (t *Timer) Duration() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// StartTime returns the time the timer was started at.
func (t *Timer) StartTime() time.Time {
	if t == nil {
		return time.Time{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startTime
}

// Elapsed returns the time elapsed since the timer started.
// For stopped and expired timers it is frozen at the stop time.
func (t *Timer) Elapsed() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsedUnsafe()
}

func (t *Timer) elapsedUnsafe() time.Duration {
	if t.state == TimerStateRunning {
		return time.Since(t.startTime)
	}
	return t.stopTime.Sub(t.startTime)
}

// Left returns the time remaining until the timer expires.
// It is zero for stopped and expired timers.
func (t *Timer) Left() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leftUnsafe()
}

func (t *Timer) leftUnsafe() time.Duration {
	if t.state != TimerStateRunning {
		return 0
	}
	return max(t.duration-time.Since(t.startTime), 0)
}

// Expired reports whether the timer callback was called.
func (t *Timer) Expired() bool {
	return t.State() == TimerStateExpired
}

// TimerSnapshot is an immutable view of a [Timer].
type TimerSnapshot struct {
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Left      time.Duration `json:"left"`
	State     TimerState    `json:"state"`
}

// Snapshot returns the current timer view, nil for a nil timer.
func (t *Timer) Snapshot() *TimerSnapshot {
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return &TimerSnapshot{
		StartTime: t.startTime,
		Duration:  t.duration,
		Left:      t.leftUnsafe(),
		State:     t.state,
	}
}
