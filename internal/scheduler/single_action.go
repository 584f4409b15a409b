// Package scheduler provides the coalescing single-action scheduler used to
// debounce route recalculation.
package scheduler

import (
	"sync"
	"time"
)

// SingleAction runs one action on a dedicated goroutine, collapsing bursts of
// Trigger calls.
//
// Guarantees:
//   - the action never runs concurrently with itself;
//   - triggers that arrive before a run starts are absorbed by that run;
//   - a trigger that arrives while the action is executing schedules exactly
//     one more run after the current one.
//
// Window delays each run so that triggers arriving shortly after the first
// one are collapsed as well.
type SingleAction struct {
	action func()
	window time.Duration

	mu      sync.Mutex
	idle    *sync.Cond
	running bool
	pending bool
	closed  bool

	runs      uint64
	triggers  uint64
	onTrigger func(coalesced bool)
}

// Option customises a SingleAction.
type Option func(*SingleAction)

// WithWindow sets the coalescing window applied before each run.
func WithWindow(d time.Duration) Option {
	return func(s *SingleAction) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithTriggerHook installs a callback invoked on every Trigger with whether
// the trigger was folded into an already scheduled run.
func WithTriggerHook(fn func(coalesced bool)) Option {
	return func(s *SingleAction) {
		s.onTrigger = fn
	}
}

// NewSingleAction creates a scheduler for action.
func NewSingleAction(action func(), opts ...Option) *SingleAction {
	s := &SingleAction{action: action}
	s.idle = sync.NewCond(&s.mu)
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Trigger requests a run. It never blocks on the action.
func (s *SingleAction) Trigger() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.triggers++
	coalesced := s.running
	if s.running {
		s.pending = true
	} else {
		s.running = true
		s.pending = true
		go s.loop()
	}
	hook := s.onTrigger
	s.mu.Unlock()

	if hook != nil {
		hook(coalesced)
	}
}

func (s *SingleAction) loop() {
	for {
		if s.window > 0 {
			time.Sleep(s.window)
		}

		s.mu.Lock()
		if !s.pending || s.closed {
			s.running = false
			s.pending = false
			s.idle.Broadcast()
			s.mu.Unlock()
			return
		}
		// Everything requested so far is covered by this run.
		s.pending = false
		s.mu.Unlock()

		s.action()

		s.mu.Lock()
		s.runs++
		if !s.pending || s.closed {
			s.running = false
			s.pending = false
			s.idle.Broadcast()
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

// Wait blocks until no run is scheduled or executing.
func (s *SingleAction) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.running {
		s.idle.Wait()
	}
}

// Close stops accepting triggers and waits for an in-flight run to finish.
// A pending trailing run is dropped.
func (s *SingleAction) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Wait()
}

// Stats reports how many runs executed and how many triggers were received.
func (s *SingleAction) Stats() (runs, triggers uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.triggers
}
