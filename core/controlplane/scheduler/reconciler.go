package scheduler

import (
	"context"
	"time"

	"github.com/cordum/ragops/core/infra/logging"
)

// Reconciler periodically inspects running jobs to enforce timeouts and
// prunes old terminal records.
type Reconciler struct {
	sched          *Scheduler
	runningTimeout time.Duration
	gracePeriod    time.Duration
	retention      time.Duration
	pollInterval   time.Duration
}

// NewReconciler builds a reconciler. A zero retention keeps terminal jobs forever.
func NewReconciler(sched *Scheduler, runningTimeout, gracePeriod, retention, pollInterval time.Duration) *Reconciler {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Reconciler{
		sched:          sched,
		runningTimeout: runningTimeout,
		gracePeriod:    gracePeriod,
		retention:      retention,
		pollInterval:   pollInterval,
	}
}

// Start runs the reconciliation loop until the context is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Reconciler) tick() {
	now := r.sched.now()
	timedOut, forced := r.sched.sweepRunning(now, r.runningTimeout, r.gracePeriod)
	pruned := 0
	if r.retention > 0 {
		pruned = r.sched.pruneTerminal(now.Add(-r.retention))
	}
	if timedOut+forced+pruned > 0 {
		logging.Info("reconciler", "sweep", "timed_out", timedOut, "forced", forced, "pruned", pruned)
	}
}

// sweepRunning asks long-running jobs to stop and forces the outcome of jobs
// that ignored a stop request for longer than grace.
func (s *Scheduler) sweepRunning(now time.Time, runningTimeout, grace time.Duration) (timedOut, forced int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.jobs {
		if rec.job.Status != StatusRunning || rec.run == nil {
			continue
		}
		if rec.job.StopRequested == StopNone {
			if runningTimeout > 0 && rec.job.StartedAt != nil && now.Sub(*rec.job.StartedAt) > runningTimeout {
				s.requestStopLocked(rec, StopTimeout)
				timedOut++
			}
			continue
		}
		if now.Sub(rec.stopAt) <= grace {
			continue
		}
		status, errMsg := resolveOutcome(rec.job.StopRequested, Stopped())
		logging.Warn("reconciler", "forcing unresponsive job", "job_id", rec.job.ID, "stop", rec.job.StopRequested, "status", status)
		rec.run = nil
		s.activeTotal--
		if status == StatusHeld {
			s.transitionLocked(rec, StatusHeld, "")
		} else {
			s.finishLocked(rec, status, errMsg)
		}
		forced++
	}
	if forced > 0 {
		s.dispatchLocked()
	}
	return timedOut, forced
}

// pruneTerminal drops terminal jobs that ended before cutoff.
func (s *Scheduler) pruneTerminal(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.jobs {
		if !rec.job.Status.IsTerminal() || rec.job.EndedAt == nil || !rec.job.EndedAt.Before(cutoff) {
			continue
		}
		delete(s.jobs, id)
		s.countLocked(rec.job.Class, rec.job.Status, -1)
		n++
	}
	return n
}
