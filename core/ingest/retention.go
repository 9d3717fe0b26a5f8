package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/cordum/ragops/core/controlplane/scheduler"
	"github.com/cordum/ragops/core/infra/logging"
)

// Prune drops finished ingestions last updated before cutoff. An ingestion is
// kept while its job can still run again, so a requeue always finds it.
func (o *Orchestrator) Prune(cutoff time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	pruned := 0
	for id, e := range o.entries {
		o.syncLocked(e)
		if !o.prunableLocked(e, cutoff) {
			continue
		}
		delete(o.entries, id)
		pruned++
	}
	return pruned
}

func (o *Orchestrator) prunableLocked(e *entry, cutoff time.Time) bool {
	switch e.ctx.State {
	case StateCompleted, StateFailed, StateRolledBack:
	default:
		return false
	}
	if e.run != nil || e.rollingBack || !e.ctx.UpdatedAt.Before(cutoff) {
		return false
	}
	if e.ctx.JobID == "" {
		return true
	}
	job, err := o.sched.Get(e.ctx.JobID)
	if errors.Is(err, scheduler.ErrJobNotFound) {
		return true
	}
	if err != nil {
		return false
	}
	return job.Status == scheduler.StatusSucceeded || job.Status == scheduler.StatusCancelled
}

// StartPruner prunes ingestions older than retention every interval until ctx
// is cancelled. A zero retention keeps everything.
func (o *Orchestrator) StartPruner(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		<-ctx.Done()
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := o.Prune(o.now().Add(-retention)); n > 0 {
				logging.Info("ingest", "pruned finished ingestions", "pruned", n, "retention", retention.String())
			}
		}
	}
}
