package nexus

import (
	"context"
	"sync"
)

// IOSubsystem gates front-end I/O acceptance against sensitive control-plane
// mutations (C4). Pause suspends new bio acceptance; resume lifts the
// suspension. Pause/Resume count matching pairs so nested pauses compose:
// only the call that drops the depth to zero actually wakes waiters. Pause
// must only ever be driven by the master worker serializing control-plane
// operations; concurrent pausers from more than one such caller is a
// programmer error this type does not guard against.
type IOSubsystem struct {
	mu      sync.Mutex
	waiters []chan struct{}
	depth   int
}

// NewIOSubsystem constructs an IOSubsystem with no pause in effect.
func NewIOSubsystem() *IOSubsystem {
	return &IOSubsystem{}
}

// Pause suspends the front-end target: once this call returns, no new bio
// is accepted. A pause already in progress is joined rather than
// re-entered — concurrent pausers wait on the first pauser's drain — and
// depth is incremented so resume composes. Pause never blocks past ctx's
// deadline.
//
// The wake signal a joining Pause waits on only means depth dropped to
// zero at some point after it incremented depth, not that it holds the
// pause at the moment it wakes — a third pauser can already have joined
// and re-incremented depth by then. Safe only because every real caller
// serializes Pause/Resume on the master worker (or uses TryPause, which
// never joins); nested pause/resume composes for that single caller, it is
// not a reentrant lock for independent concurrent pausers.
func (s *IOSubsystem) Pause(ctx context.Context) error {
	s.mu.Lock()
	s.depth++
	first := s.depth == 1
	var wait chan struct{}
	if !first {
		wait = make(chan struct{})
		s.waiters = append(s.waiters, wait)
	}
	s.mu.Unlock()

	if first {
		return nil
	}

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume decrements the pause depth, waking the front end only when it
// reaches zero. Resuming past zero is a no-op (guards a double-resume from
// a failure path that already restored state).
func (s *IOSubsystem) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.depth == 0 {
		return
	}
	s.depth--
	if s.depth == 0 {
		for _, w := range s.waiters {
			close(w)
		}
		s.waiters = nil
	}
}

// TryPause acquires the pause only if no pause is currently in effect,
// returning false immediately otherwise instead of joining the existing
// pause. The retire pipeline uses this to detect a pause already in
// progress without blocking the worker driving it.
func (s *IOSubsystem) TryPause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth > 0 {
		return false
	}
	s.depth = 1
	return true
}

// Paused reports whether a pause is currently in effect.
func (s *IOSubsystem) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth > 0
}

// Depth returns the current nesting depth, for tests asserting nested
// pause/resume composes correctly.
func (s *IOSubsystem) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth
}

// WithPause runs fn with the subsystem paused, always resuming — on both
// the success and failure path — so a sensitive flow (child-set mutation,
// reconfigure, persistence) is atomic from the initiator's point of view
// without ever leaking a pause.
func (s *IOSubsystem) WithPause(ctx context.Context, fn func() error) error {
	if err := s.Pause(ctx); err != nil {
		return err
	}
	defer s.Resume()
	return fn()
}
