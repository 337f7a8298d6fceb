// Package scheduler runs cancellable one-shot tasks keyed by an id.
// Tasks are expected to re-validate their preconditions when they fire;
// cancellation is a fast path, not a correctness requirement.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
)

type Task func(ctx context.Context)

type Scheduler struct {
	clock clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	tasks   map[string]*entry
	stopped bool
}

type entry struct {
	timer clock.Timer
	done  bool
}

func New(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{clock: c, ctx: ctx, cancel: cancel, tasks: make(map[string]*entry)}
}

// Schedule arms fn to run after delay, replacing any pending task for key.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn Task) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	old := s.tasks[key]
	e := &entry{}
	s.tasks[key] = e
	s.mu.Unlock()

	if old != nil {
		s.stopEntry(old)
	}
	t := s.clock.AfterFunc(delay, func() { s.fire(key, e, fn) })

	s.mu.Lock()
	e.timer = t
	s.mu.Unlock()
}

// Cancel drops the pending task for key. It reports whether one was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	e, ok := s.tasks[key]
	delete(s.tasks, key)
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.stopEntry(e)
}

// Pending returns the number of armed tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every pending task and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	pending := make([]*entry, 0, len(s.tasks))
	for k, e := range s.tasks {
		pending = append(pending, e)
		delete(s.tasks, k)
	}
	s.mu.Unlock()

	for _, e := range pending {
		s.stopEntry(e)
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) stopEntry(e *entry) bool {
	s.mu.Lock()
	if e.done {
		s.mu.Unlock()
		return false
	}
	e.done = true
	t := e.timer
	s.mu.Unlock()
	if t != nil {
		t.Stop()
	}
	return true
}

func (s *Scheduler) fire(key string, e *entry, fn Task) {
	s.mu.Lock()
	if e.done || s.stopped {
		s.mu.Unlock()
		return
	}
	e.done = true
	if s.tasks[key] == e {
		delete(s.tasks, key)
	}
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	fn(s.ctx)
}
