package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/ragops/core/events"
	"github.com/cordum/ragops/core/infra/logging"
)

const (
	storeOpTimeout       = 2 * time.Second
	defaultListLimit     = 100
	defaultJournalBuffer = 256

	errRunningTimeout   = "running timeout"
	errShutdown         = "scheduler shutdown"
	errNoReport         = "runner returned without reporting"
	errInvalidOutcome   = "invalid outcome"
	errCancelledByOwner = "cancelled"
)

// Options configures a Scheduler.
type Options struct {
	GlobalLimit       int
	ClassLimits       map[string]int
	DefaultClassLimit int
	Metrics           Metrics
	Events            events.Publisher
	Store             JobStore
	Now               func() time.Time
	// ListLimit caps job listings per status in Snapshot.
	ListLimit     int
	JournalBuffer int
}

type record struct {
	job    Job
	seq    uint64
	runner Runner
	run    *Ticket
	// stopAt is when the current stop request was made.
	stopAt time.Time
}

// Scheduler owns every job record. It bounds running work globally and per
// class and drives each job through its state machine.
type Scheduler struct {
	mu          sync.Mutex
	jobs        map[string]*record
	queues      map[string][]string
	counts      map[string]map[JobStatus]int
	activeTotal int
	seq         uint64
	runToken    uint64
	closed      bool

	global       int
	classLimits  map[string]int
	defaultLimit int
	listLimit    int

	metrics Metrics
	events  events.Publisher
	now     func() time.Time

	journal     chan Job
	journalStop chan struct{}
	journalDone chan struct{}
	store       JobStore

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(opts Options) *Scheduler {
	if opts.GlobalLimit <= 0 {
		opts.GlobalLimit = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Events == nil {
		opts.Events = events.Discard{}
	}
	if opts.ListLimit <= 0 {
		opts.ListLimit = defaultListLimit
	}
	if opts.JournalBuffer <= 0 {
		opts.JournalBuffer = defaultJournalBuffer
	}
	limits := make(map[string]int, len(opts.ClassLimits))
	for class, n := range opts.ClassLimits {
		limits[class] = n
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		jobs:         make(map[string]*record),
		queues:       make(map[string][]string),
		counts:       make(map[string]map[JobStatus]int),
		global:       opts.GlobalLimit,
		classLimits:  limits,
		defaultLimit: opts.DefaultClassLimit,
		listLimit:    opts.ListLimit,
		metrics:      opts.Metrics,
		events:       opts.Events,
		now:          opts.Now,
		store:        opts.Store,
		baseCtx:      ctx,
		cancel:       cancel,
	}
	if opts.Store != nil {
		s.journal = make(chan Job, opts.JournalBuffer)
		s.journalStop = make(chan struct{})
		s.journalDone = make(chan struct{})
		go s.runJournal()
	}
	return s
}

// GlobalLimit returns the configured cap on running jobs.
func (s *Scheduler) GlobalLimit() int { return s.global }

// ClassLimit returns the running cap for class, never above the global cap.
func (s *Scheduler) ClassLimit(class string) int {
	limit := s.defaultLimit
	if n, ok := s.classLimits[class]; ok && n > 0 {
		limit = n
	}
	if limit <= 0 || limit > s.global {
		limit = s.global
	}
	return limit
}

// Submit creates a queued job and dispatches it at once when capacity allows.
func (s *Scheduler) Submit(ctx context.Context, spec JobSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	spec.Class = strings.TrimSpace(spec.Class)
	if spec.Class == "" || spec.Runner == nil {
		return "", ErrInvalidSpec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	now := s.now()
	rec := &record{
		job: Job{
			ID:          uuid.NewString(),
			Class:       spec.Class,
			IngestionID: spec.IngestionID,
			Attempt:     1,
			CreatedAt:   now,
		},
		runner: spec.Runner,
	}
	s.jobs[rec.job.ID] = rec
	s.transitionLocked(rec, StatusQueued, "")
	s.enqueueLocked(rec)
	if s.metrics != nil {
		s.metrics.IncJobsSubmitted(spec.Class)
	}
	logging.Info("scheduler", "job submitted", "job_id", rec.job.ID, "class", spec.Class, "ingestion_id", spec.IngestionID)
	s.dispatchLocked()
	return rec.job.ID, nil
}

// Get returns a copy of the job.
func (s *Scheduler) Get(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("get %s: %w", id, ErrJobNotFound)
	}
	return rec.job, nil
}

// Cancel stops a job. Queued and held jobs are cancelled immediately; a
// running job gets a cancel request and stays running until its work reports.
// Cancelling a terminal job returns it unchanged.
func (s *Scheduler) Cancel(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("cancel %s: %w", id, ErrJobNotFound)
	}
	switch rec.job.Status {
	case StatusQueued:
		s.dequeueLocked(rec)
		s.finishLocked(rec, StatusCancelled, "")
	case StatusHeld:
		s.finishLocked(rec, StatusCancelled, "")
	case StatusRunning:
		s.requestStopLocked(rec, StopCancel)
	default:
		logging.Debug("scheduler", "cancel on terminal job ignored", "job_id", id, "status", rec.job.Status)
	}
	return rec.job, nil
}

// Requeue moves a failed or held job back to the queue as a new attempt.
func (s *Scheduler) Requeue(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("requeue %s: %w", id, ErrJobNotFound)
	}
	if rec.job.Status != StatusFailed && rec.job.Status != StatusHeld {
		return rec.job, transitionError(rec.job, "requeue")
	}
	rec.job.Attempt++
	rec.job.Error = ""
	rec.job.StartedAt = nil
	rec.job.EndedAt = nil
	s.transitionLocked(rec, StatusQueued, "")
	s.enqueueLocked(rec)
	logging.Info("scheduler", "job requeued", "job_id", id, "attempt", rec.job.Attempt)
	s.dispatchLocked()
	return rec.job, nil
}

// Hold pauses a job. A queued job is held at once; a running job is asked to
// stop and becomes held when its work acknowledges at a boundary.
func (s *Scheduler) Hold(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("hold %s: %w", id, ErrJobNotFound)
	}
	switch rec.job.Status {
	case StatusHeld:
		return rec.job, nil
	case StatusQueued:
		s.dequeueLocked(rec)
		s.transitionLocked(rec, StatusHeld, "")
		return rec.job, nil
	case StatusRunning:
		switch rec.job.StopRequested {
		case StopNone:
			s.requestStopLocked(rec, StopHold)
			return rec.job, nil
		case StopHold:
			return rec.job, nil
		}
	}
	return rec.job, transitionError(rec.job, "hold")
}

// Release returns a held job to the queue.
func (s *Scheduler) Release(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("release %s: %w", id, ErrJobNotFound)
	}
	if rec.job.Status != StatusHeld {
		return rec.job, transitionError(rec.job, "release")
	}
	s.transitionLocked(rec, StatusQueued, "")
	s.enqueueLocked(rec)
	s.dispatchLocked()
	return rec.job, nil
}

// ReportCompletion applies an outcome to the job's current run. Reports for a
// job that is not running are logged and ignored.
func (s *Scheduler) ReportCompletion(ctx context.Context, id string, o Outcome) (Job, error) {
	s.mu.Lock()
	rec, ok := s.jobs[id]
	var token uint64
	if ok && rec.run != nil {
		rec.run.reported.Store(true)
		token = rec.run.token
	}
	s.mu.Unlock()
	if !ok {
		return Job{}, fmt.Errorf("report %s: %w", id, ErrJobNotFound)
	}
	job, _ := s.complete(id, token, o)
	return job, nil
}

func (s *Scheduler) isCurrent(id string, token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	return ok && rec.run != nil && rec.run.token == token
}

func (s *Scheduler) complete(id string, token uint64, o Outcome) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		logging.Warn("scheduler", "completion for unknown job ignored", "job_id", id)
		return Job{}, false
	}
	if rec.run == nil || rec.run.token != token {
		logging.Warn("scheduler", "duplicate completion ignored", "job_id", id, "status", rec.job.Status, "reported", o.Status)
		return rec.job, false
	}
	status, errMsg := resolveOutcome(rec.job.StopRequested, o)
	rec.run = nil
	s.activeTotal--
	if status == StatusHeld {
		s.transitionLocked(rec, StatusHeld, "")
	} else {
		s.finishLocked(rec, status, errMsg)
	}
	logging.Info("scheduler", "job completed", "job_id", id, "status", status, "attempt", rec.job.Attempt)
	s.dispatchLocked()
	return rec.job, true
}

// resolveOutcome maps a reported outcome and any pending stop request to the
// resulting status. Work that finishes before noticing a stop keeps its result.
func resolveOutcome(stop StopReason, o Outcome) (JobStatus, string) {
	switch o.Status {
	case StatusSucceeded:
		return StatusSucceeded, ""
	case StatusFailed:
		if o.Error == "" {
			return StatusFailed, "failed"
		}
		return StatusFailed, o.Error
	case StatusCancelled:
		switch stop {
		case StopHold:
			return StatusHeld, ""
		case StopTimeout:
			return StatusFailed, errRunningTimeout
		case StopShutdown:
			return StatusFailed, errShutdown
		case StopCancel:
			return StatusCancelled, ""
		default:
			if o.Error != "" {
				return StatusCancelled, o.Error
			}
			return StatusCancelled, errCancelledByOwner
		}
	default:
		return StatusFailed, errInvalidOutcome
	}
}

func (s *Scheduler) requestStopLocked(rec *record, reason StopReason) {
	if rec.run == nil {
		return
	}
	rec.job.StopRequested = reason
	rec.job.UpdatedAt = s.now()
	rec.stopAt = rec.job.UpdatedAt
	rec.run.requestStop(reason)
	s.persistLocked(rec.job)
	logging.Info("scheduler", "stop requested", "job_id", rec.job.ID, "reason", reason)
}

func (s *Scheduler) enqueueLocked(rec *record) {
	s.seq++
	rec.seq = s.seq
	s.queues[rec.job.Class] = append(s.queues[rec.job.Class], rec.job.ID)
}

func (s *Scheduler) dequeueLocked(rec *record) {
	q := s.queues[rec.job.Class]
	for i, id := range q {
		if id == rec.job.ID {
			s.queues[rec.job.Class] = append(q[:i:i], q[i+1:]...)
			return
		}
	}
}

// dispatchLocked starts queued jobs while capacity allows. Among classes with
// room, the job queued earliest goes first.
func (s *Scheduler) dispatchLocked() {
	if s.closed {
		return
	}
	for s.activeTotal < s.global {
		class := s.nextClassLocked()
		if class == "" {
			return
		}
		id := s.queues[class][0]
		s.queues[class] = s.queues[class][1:]
		s.startLocked(s.jobs[id])
	}
}

func (s *Scheduler) nextClassLocked() string {
	var (
		best    string
		bestSeq uint64
	)
	for class, q := range s.queues {
		if len(q) == 0 || s.counts[class][StatusRunning] >= s.ClassLimit(class) {
			continue
		}
		head := s.jobs[q[0]]
		if best == "" || head.seq < bestSeq {
			best, bestSeq = class, head.seq
		}
	}
	return best
}

func (s *Scheduler) startLocked(rec *record) {
	s.runToken++
	now := s.now()
	rec.job.StartedAt = &now
	rec.job.StopRequested = StopNone
	rec.stopAt = time.Time{}
	s.transitionLocked(rec, StatusRunning, "")
	ticket := newTicket(s, rec.job, s.runToken)
	rec.run = ticket
	s.activeTotal++
	if s.metrics != nil {
		s.metrics.IncJobsDispatched(rec.job.Class)
	}
	s.wg.Add(1)
	go s.execute(rec.runner, ticket)
}

// execute runs the work and guarantees a report, so a panicking or silent
// runner can never keep its slot.
func (s *Scheduler) execute(r Runner, t *Ticket) {
	defer s.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			logging.Error("scheduler", "runner panic", "job_id", t.JobID, "panic", p)
			t.Report(Outcome{Status: StatusFailed, Error: fmt.Sprintf("panic: %v", p)})
			return
		}
		if !t.reported.Load() {
			logging.Warn("scheduler", "runner returned without reporting", "job_id", t.JobID)
			t.Report(Outcome{Status: StatusFailed, Error: errNoReport})
		}
	}()
	r.Run(s.baseCtx, t)
}

func (s *Scheduler) finishLocked(rec *record, status JobStatus, errMsg string) {
	now := s.now()
	rec.job.EndedAt = &now
	rec.job.StopRequested = StopNone
	s.transitionLocked(rec, status, errMsg)
	if s.metrics != nil {
		s.metrics.IncJobsCompleted(rec.job.Class, string(status))
	}
}

// transitionLocked is the single place job status changes.
func (s *Scheduler) transitionLocked(rec *record, to JobStatus, errMsg string) {
	from := rec.job.Status
	if !canTransition(from, to) {
		logging.Error("scheduler", "illegal transition", "job_id", rec.job.ID, "from", from, "to", to)
		return
	}
	rec.job.Status = to
	rec.job.Error = errMsg
	if to != StatusRunning {
		rec.job.StopRequested = StopNone
	}
	rec.job.UpdatedAt = s.now()
	s.countLocked(rec.job.Class, from, -1)
	s.countLocked(rec.job.Class, to, 1)

	payload := map[string]any{
		"class":   rec.job.Class,
		"from":    string(from),
		"to":      string(to),
		"attempt": rec.job.Attempt,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	s.events.Publish(events.Event{
		Type:        events.TypeJobStateChanged,
		JobID:       rec.job.ID,
		IngestionID: rec.job.IngestionID,
		Payload:     payload,
	})
	s.persistLocked(rec.job)
}

func (s *Scheduler) countLocked(class string, status JobStatus, delta int) {
	if status == "" {
		return
	}
	byStatus, ok := s.counts[class]
	if !ok {
		byStatus = make(map[JobStatus]int)
		s.counts[class] = byStatus
	}
	byStatus[status] += delta
	if s.metrics != nil {
		s.metrics.SetJobsInState(class, string(status), byStatus[status])
	}
}

func (s *Scheduler) persistLocked(job Job) {
	if s.journal == nil {
		return
	}
	select {
	case s.journal <- job:
	default:
		logging.Warn("scheduler", "journal full, dropping record", "job_id", job.ID, "status", job.Status)
	}
}

func (s *Scheduler) runJournal() {
	defer close(s.journalDone)
	for {
		select {
		case job := <-s.journal:
			s.writeJournal(job)
		case <-s.journalStop:
			for {
				select {
				case job := <-s.journal:
					s.writeJournal(job)
				default:
					return
				}
			}
		}
	}
}

func (s *Scheduler) writeJournal(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := s.store.PutJob(ctx, job); err != nil {
		logging.Error("scheduler", "journal write failed", "job_id", job.ID, "error", err)
	}
}

// Snapshot returns counts and listings for dashboards.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		GeneratedAt: s.now(),
		GlobalLimit: s.global,
		Active:      s.activeTotal,
		Counts:      make(map[JobStatus]int, len(AllStatuses)),
		Classes:     make(map[string]ClassSnapshot, len(s.counts)),
		Jobs:        make(map[JobStatus][]Job, len(AllStatuses)),
	}
	for _, st := range AllStatuses {
		snap.Counts[st] = 0
	}
	for class, byStatus := range s.counts {
		cs := ClassSnapshot{
			Limit:   s.ClassLimit(class),
			Active:  byStatus[StatusRunning],
			Counts:  make(map[JobStatus]int, len(byStatus)),
			Pending: append([]string{}, s.queues[class]...),
		}
		for st, n := range byStatus {
			if n == 0 {
				continue
			}
			cs.Counts[st] = n
			snap.Counts[st] += n
		}
		snap.Classes[class] = cs
	}
	for _, rec := range s.jobs {
		snap.Jobs[rec.job.Status] = append(snap.Jobs[rec.job.Status], rec.job)
	}
	for st, list := range snap.Jobs {
		sort.Slice(list, func(i, j int) bool {
			if list[i].CreatedAt.Equal(list[j].CreatedAt) {
				return list[i].ID < list[j].ID
			}
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		})
		if len(list) > s.listLimit {
			list = list[:s.listLimit]
		}
		snap.Jobs[st] = list
	}
	return snap
}

// Closed reports whether Shutdown has started.
func (s *Scheduler) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Shutdown stops accepting work, asks running jobs to stop and waits for
// them until ctx expires. Remaining work then sees its context cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, rec := range s.jobs {
		if rec.job.Status == StatusRunning && rec.job.StopRequested == StopNone {
			s.requestStopLocked(rec, StopShutdown)
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		logging.Warn("scheduler", "shutdown deadline reached with running jobs", "error", err)
	}
	s.cancel()
	if s.journalStop != nil {
		close(s.journalStop)
		select {
		case <-s.journalDone:
		case <-ctx.Done():
		}
	}
	return err
}
