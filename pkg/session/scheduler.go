package session

import (
	"context"
	"sync"
	"time"

	"github.com/codelaboratoryltd/cpesim/pkg/methods"
)

// scheduler decides when the next session starts and which event codes it
// reports. timer is nil exactly while a session is in progress; interrupts
// arriving then are collected in pending and folded into a single
// follow-up session.
type scheduler struct {
	mu         sync.Mutex
	timer      *time.Timer
	gen        uint64
	nextInform time.Time

	// events are reported by the session the armed timer starts.
	// immediate is set when the armed timer was started by an interrupt.
	events    []string
	immediate bool

	// pending collects interrupts received during a session.
	pending []string

	// fire carries the generation of an expired timer. Generations that
	// no longer match gen are from superseded timers and ignored.
	fire     chan uint64
	done     chan struct{}
	doneOnce sync.Once
}

func newScheduler() *scheduler {
	return &scheduler{
		fire: make(chan uint64),
		done: make(chan struct{}),
	}
}

// addEvent appends event to events unless already present.
func addEvent(events []string, event string) []string {
	for _, e := range events {
		if e == event {
			return events
		}
	}
	return append(events, event)
}

// arm cancels any armed timer and starts a new one. Caller holds mu.
func (s *scheduler) arm(delay time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.nextInform = time.Now().Add(delay)
	s.timer = time.AfterFunc(delay, func() {
		select {
		case s.fire <- gen:
		case <-s.done:
		}
	})
}

// schedule arms a timer for the next session, reporting event.
func (s *scheduler) schedule(delay time.Duration, event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = []string{event}
	s.immediate = delay == 0
	s.arm(delay)
}

// wait blocks until the armed timer fires and returns the event codes of
// the session it starts. On return the scheduler is in the session-active
// state.
func (s *scheduler) wait(ctx context.Context) ([]string, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case gen := <-s.fire:
			s.mu.Lock()
			if s.timer == nil || gen != s.gen {
				s.mu.Unlock()
				continue
			}
			events := s.events
			s.timer = nil
			s.nextInform = time.Time{}
			s.events = nil
			s.immediate = false
			s.mu.Unlock()
			return events, nil
		}
	}
}

// interrupt requests an immediate session reporting event. It reports
// whether the request was coalesced into the follow-up of an active
// session. An interrupt replaces a pending periodic Inform but joins one
// already started by another interrupt, so no event code is lost.
func (s *scheduler) interrupt(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer == nil {
		s.pending = addEvent(s.pending, event)
		return true
	}
	if !s.immediate {
		s.events = nil
	}
	s.events = addEvent(s.events, event)
	s.immediate = true
	s.arm(0)
	return false
}

// sessionClosed arms the timer for the next session: immediately when an
// interrupt arrived during the session or requests are still queued,
// otherwise after interval.
func (s *scheduler) sessionClosed(interval time.Duration, queued bool, queuedEvent string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if queued && queuedEvent != "" {
		s.pending = addEvent(s.pending, queuedEvent)
	}
	if len(s.pending) > 0 {
		s.events = s.pending
		s.pending = nil
		s.immediate = true
		s.arm(0)
		return
	}
	s.events = []string{methods.EventPeriodic}
	s.immediate = false
	s.arm(interval)
}

// NextInform returns when the armed timer fires, or zero during a session.
func (s *scheduler) NextInform() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextInform
}

func (s *scheduler) close() {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()
		close(s.done)
	})
}
