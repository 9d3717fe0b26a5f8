package scheduler

import (
	"sync"
	"sync/atomic"
)

// Ticket is handed to a Runner for one run of a job. The runner watches
// Stopped at safe boundaries and reports exactly once through Report.
type Ticket struct {
	JobID       string
	IngestionID string
	Attempt     int

	s        *Scheduler
	token    uint64
	stop     chan struct{}
	stopOnce sync.Once
	reported atomic.Bool

	mu     sync.Mutex
	reason StopReason
}

func newTicket(s *Scheduler, job Job, token uint64) *Ticket {
	return &Ticket{
		JobID:       job.ID,
		IngestionID: job.IngestionID,
		Attempt:     job.Attempt,
		s:           s,
		token:       token,
		stop:        make(chan struct{}),
	}
}

// Stopped is closed once a stop has been requested for this run.
func (t *Ticket) Stopped() <-chan struct{} { return t.stop }

// StopRequested reports whether the work should stop at the next boundary.
func (t *Ticket) StopRequested() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// StopReason returns why the stop was requested, or StopNone.
func (t *Ticket) StopReason() StopReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Current reports whether the scheduler still treats this ticket as the
// job's live run. It turns false once the run is reported, forced out by the
// reconciler or replaced by a later attempt.
func (t *Ticket) Current() bool {
	return t.s.isCurrent(t.JobID, t.token)
}

// Report delivers the run's outcome. Only the first report of a current run
// is applied; it returns false for duplicates and stale runs.
func (t *Ticket) Report(o Outcome) bool {
	t.reported.Store(true)
	_, applied := t.s.complete(t.JobID, t.token, o)
	return applied
}

func (t *Ticket) requestStop(reason StopReason) {
	t.mu.Lock()
	t.reason = reason
	t.mu.Unlock()
	t.stopOnce.Do(func() { close(t.stop) })
}
