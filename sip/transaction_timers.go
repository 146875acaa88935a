package sip

import (
	"maps"
	"sync"
	"time"

	"github.com/ghettovoice/siptx/internal/timeutil"
)

// TimerName names a transaction timer.
type TimerName string

// Transaction timers as named in RFC 3261 Section 17.
const (
	TimerA TimerName = "A"
	TimerB TimerName = "B"
	TimerD TimerName = "D"
	TimerE TimerName = "E"
	TimerF TimerName = "F"
	TimerG TimerName = "G"
	TimerH TimerName = "H"
	TimerI TimerName = "I"
	TimerJ TimerName = "J"
	TimerK TimerName = "K"
	// Timer100 triggers the automatic 100 Trying of the INVITE server transaction.
	Timer100 TimerName = "100"
	// TimerStale guards states that have no RFC timer.
	TimerStale TimerName = "stale"
)

type timerEntry struct {
	tmr *timeutil.Timer
	seq uint64
}

// timerSet holds the running timers of one transaction.
// Only the transaction loop starts and stops timers, snapshots may be taken from anywhere.
type timerSet struct {
	mu      sync.Mutex
	seq     uint64
	entries map[TimerName]timerEntry
	// fire is called from the timer goroutine when a timer expires.
	fire func(name TimerName, seq uint64)
}

// start starts the named timer replacing the running one.
func (s *timerSet) start(name TimerName, d time.Duration) *timeutil.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries == nil {
		s.entries = make(map[TimerName]timerEntry)
	}
	if e, ok := s.entries[name]; ok {
		e.tmr.Stop()
	}

	s.seq++
	seq := s.seq
	fire := s.fire
	tmr := timeutil.AfterFunc(d, func() { fire(name, seq) })
	s.entries[name] = timerEntry{tmr, seq}
	return tmr
}

// take removes the expired timer from the set.
// It returns false if the timer was stopped or restarted after it fired.
func (s *timerSet) take(name TimerName, seq uint64) (*timeutil.Timer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok || e.seq != seq {
		return nil, false
	}
	delete(s.entries, name)
	return e.tmr, true
}

// stop stops the named timers. Stopping a timer that is not running is a no-op.
// It returns the names of the timers that were actually stopped.
func (s *timerSet) stop(names ...TimerName) []TimerName {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stopped []TimerName
	for _, name := range names {
		e, ok := s.entries[name]
		if !ok {
			continue
		}
		delete(s.entries, name)
		if e.tmr.Stop() {
			stopped = append(stopped, name)
		}
	}
	return stopped
}

// stopAll stops every running timer.
func (s *timerSet) stopAll() []TimerName {
	s.mu.Lock()
	names := make([]TimerName, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	s.mu.Unlock()

	return s.stop(names...)
}

func (s *timerSet) running(name TimerName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[name]
	return ok
}

func (s *timerSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *timerSet) snapshot() map[TimerName]*timeutil.TimerSnapshot {
	s.mu.Lock()
	entries := maps.Clone(s.entries)
	s.mu.Unlock()

	snaps := make(map[TimerName]*timeutil.TimerSnapshot, len(entries))
	for name, e := range entries {
		snaps[name] = e.tmr.Snapshot()
	}
	return snaps
}
