// Package scenario holds the test logic run on top of the testbed: a DHT
// put/get cycle and a regex announce/search round trip.
package scenario

import (
	"time"

	logging "github.com/ipfs/go-log/v2"

	"happystoic/overlaytest/pkg/scheduler"
)

type Result int

const (
	Pending Result = iota
	Success
	Failure
)

func (r Result) String() string {
	switch r {
	case Pending:
		return "pending"
	case Success:
		return "success"
	case Failure:
		return "failure"
	}
	return "unknown"
}

// ExitCode maps a result to the process exit status, only an explicit
// success exits with 0.
func ExitCode(r Result) int {
	if r == Success {
		return 0
	}
	return 1
}

// Flag is the outcome of a run. It leaves Pending at most once.
type Flag struct {
	r Result
}

// Set records r unless a final result was already recorded. It reports
// whether r was recorded.
func (f *Flag) Set(r Result) bool {
	if f.r != Pending || r == Pending {
		return false
	}
	f.r = r
	return true
}

func (f *Flag) Get() Result {
	return f.r
}

// Shutdowner keeps at most one shutdown of the loop pending. Scheduling a
// new one cancels the previous.
type Shutdowner struct {
	sched *scheduler.Scheduler
	log   *logging.ZapEventLogger
	task  scheduler.TaskID
}

func NewShutdowner(sched *scheduler.Scheduler, log *logging.ZapEventLogger) *Shutdowner {
	return &Shutdowner{sched: sched, log: log}
}

// Schedule shuts the loop down after d.
func (s *Shutdowner) Schedule(d time.Duration) {
	s.sched.Cancel(s.task)
	s.log.Debugf("shutdown in %s", d)
	s.task = s.sched.AddDelayed(d, func() {
		s.task = scheduler.NoTask
		s.sched.Shutdown()
	})
}
