// Package scheduler runs callbacks one at a time on a single loop.
// Network events arrive on arbitrary goroutines; they are queued with Add and
// executed by Run, so callbacks never run concurrently with each other.
package scheduler

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
)

var log = logging.Logger("scheduler")

// Task is a unit of work run on the scheduler loop.
type Task func()

// TaskID identifies a queued, delayed or shutdown task.
type TaskID uint64

// NoTask is never returned for a task that was accepted.
const NoTask TaskID = 0

type entry struct {
	id   TaskID
	task Task
}

type Scheduler struct {
	mu      sync.Mutex
	lastID  TaskID
	ready   []entry
	delayed map[TaskID]*time.Timer

	onShutdown []entry

	wake chan struct{}

	running      bool
	shuttingDown bool
	stopped      bool
}

func New() *Scheduler {
	return &Scheduler{
		delayed: make(map[TaskID]*time.Timer),
		wake:    make(chan struct{}, 1),
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
		// wakeup already pending
	}
}

func (s *Scheduler) nextID() TaskID {
	s.lastID++
	return s.lastID
}

// Add queues t to run as soon as the loop gets to it. It is safe to call
// from any goroutine.
func (s *Scheduler) Add(t Task) TaskID {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return NoTask
	}
	id := s.nextID()
	s.ready = append(s.ready, entry{id, t})
	s.mu.Unlock()

	s.signal()
	return id
}

// AddDelayed queues t after d elapsed. Delayed tasks are dropped once
// shutdown started.
func (s *Scheduler) AddDelayed(d time.Duration, t Task) TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown || s.stopped {
		return NoTask
	}
	id := s.nextID()
	// the timer callback takes the lock, so it sees the map entry below
	// even with d == 0
	s.delayed[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		if _, pending := s.delayed[id]; !pending {
			s.mu.Unlock()
			return
		}
		delete(s.delayed, id)
		s.ready = append(s.ready, entry{id, t})
		s.mu.Unlock()
		s.signal()
	})
	return id
}

// Cancel removes a task that has not started yet. It reports whether the
// task was still pending.
func (s *Scheduler) Cancel(id TaskID) bool {
	if id == NoTask {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.delayed[id]; ok {
		timer.Stop()
		delete(s.delayed, id)
		return true
	}
	for i, e := range s.ready {
		if e.id == id {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return true
		}
	}
	for i, e := range s.onShutdown {
		if e.id == id {
			s.onShutdown = append(s.onShutdown[:i], s.onShutdown[i+1:]...)
			return true
		}
	}
	return false
}

// AddShutdown registers t to run when shutdown starts. Shutdown tasks run in
// registration order.
func (s *Scheduler) AddShutdown(t Task) TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown || s.stopped {
		return NoTask
	}
	id := s.nextID()
	s.onShutdown = append(s.onShutdown, entry{id, t})
	return id
}

// Shutdown drops all delayed tasks, queues the shutdown tasks and stops the
// loop once everything queued so far has run. Calling it more than once has
// no further effect.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.shuttingDown || s.stopped {
		s.mu.Unlock()
		return
	}
	s.shuttingDown = true
	for id, timer := range s.delayed {
		timer.Stop()
		delete(s.delayed, id)
	}
	s.ready = append(s.ready, s.onShutdown...)
	s.onShutdown = nil
	s.ready = append(s.ready, entry{s.nextID(), s.stop})
	s.mu.Unlock()

	log.Debugf("scheduler shutdown requested")
	s.signal()
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// ShuttingDown reports whether Shutdown was called.
func (s *Scheduler) ShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

// PendingDelayed returns the number of delayed tasks not yet due.
func (s *Scheduler) PendingDelayed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delayed)
}

func (s *Scheduler) next() (Task, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return nil, false, s.stopped
	}
	e := s.ready[0]
	s.ready[0] = entry{}
	s.ready = s.ready[1:]
	return e.task, true, s.stopped
}

// Run executes first and then every queued task on the calling goroutine
// until shutdown completed. Cancelling ctx starts the shutdown.
func (s *Scheduler) Run(ctx context.Context, first Task) error {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return errors.New("scheduler already running or stopped")
	}
	s.running = true
	s.mu.Unlock()

	if first != nil {
		s.Add(first)
	}
	done := ctx.Done()
	for {
		task, ok, stopped := s.next()
		if ok {
			task()
			continue
		}
		if stopped {
			return nil
		}
		select {
		case <-s.wake:
		case <-done:
			log.Infof("scheduler context finished: %s", ctx.Err())
			done = nil
			s.Shutdown()
		}
	}
}
