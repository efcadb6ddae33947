// Package scheduler runs named periodic tasks on an injectable clock.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/mat-shur/picpool/internal/observability"
)

// Func is one tick of a task. The context is cancelled when the task stops.
type Func func(ctx context.Context) error

// Scheduler owns a set of periodic tasks.
type Scheduler struct {
	clock clockwork.Clock
	log   *logrus.Entry

	mu      sync.Mutex
	tasks   map[*Task]struct{}
	stopped bool
}

// New creates a scheduler. A nil clock uses the real clock.
func New(clock clockwork.Clock, log *logrus.Entry) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		clock: clock,
		log:   log,
		tasks: make(map[*Task]struct{}),
	}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() clockwork.Clock {
	return s.clock
}

// Every starts fn immediately and then again interval after each tick
// completes. Ticks of one task never overlap.
func (s *Scheduler) Every(name string, interval time.Duration, fn Func) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
		owner:  s,
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		close(t.done)
		return t
	}
	s.tasks[t] = struct{}{}
	s.mu.Unlock()

	go s.loop(ctx, t, interval, fn)
	return t
}

func (s *Scheduler) loop(ctx context.Context, t *Task, interval time.Duration, fn Func) {
	defer close(t.done)
	log := s.log.WithField("task", t.name)

	for {
		start := s.clock.Now()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("tick failed")
		}
		t.ticks.Add(1)
		observability.RecordTick(t.name, s.clock.Since(start).Seconds())

		if ctx.Err() != nil {
			return
		}

		timer := s.clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

// Stop cancels every task and waits for them to exit. Tasks started
// afterwards are stopped immediately.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	tasks := make([]*Task, 0, len(s.tasks))
	for t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.Stop()
	}
}

// Len returns the number of running tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) remove(t *Task) {
	s.mu.Lock()
	delete(s.tasks, t)
	s.mu.Unlock()
}

// Task is a running periodic task.
type Task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	owner  *Scheduler
	ticks  atomic.Int64
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Ticks returns how many ticks have completed.
func (t *Task) Ticks() int64 { return t.ticks.Load() }

// Done is closed once the task loop has exited.
func (t *Task) Done() <-chan struct{} { return t.done }

// Stop cancels the task and waits for the running tick to return.
// Must not be called from inside the task's own tick.
func (t *Task) Stop() {
	t.cancel()
	<-t.done
	t.owner.remove(t)
}

// Cancel cancels the task without waiting.
func (t *Task) Cancel() {
	t.cancel()
	go func() {
		<-t.done
		t.owner.remove(t)
	}()
}
