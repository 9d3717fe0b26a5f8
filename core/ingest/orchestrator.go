package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/ragops/core/controlplane/scheduler"
	"github.com/cordum/ragops/core/events"
	"github.com/cordum/ragops/core/infra/apierr"
	"github.com/cordum/ragops/core/infra/logging"
)

const (
	// JobClass is the scheduler class ingestion jobs run under.
	JobClass            = "ingest"
	defaultMaxChunkSize = 1000

	errCancelled  = "cancelled"
	errHeld       = "held"
	errSuperseded = "run superseded"
)

// Scheduler is the slice of the job scheduler the orchestrator drives.
type Scheduler interface {
	Submit(ctx context.Context, spec scheduler.JobSpec) (string, error)
	Cancel(ctx context.Context, id string) (scheduler.Job, error)
	Get(id string) (scheduler.Job, error)
}

// Capabilities are the pluggable backends each stage calls.
type Capabilities struct {
	Resolver  SourceResolver
	Chunker   Chunker
	Embedder  Embedder
	Index     VectorIndex
	Manifests ManifestStore
	// Safety is optional.
	Safety SafetyGate
}

func (c Capabilities) validate() error {
	var missing []string
	if c.Resolver == nil {
		missing = append(missing, "resolver")
	}
	if c.Chunker == nil {
		missing = append(missing, "chunker")
	}
	if c.Embedder == nil {
		missing = append(missing, "embedder")
	}
	if c.Index == nil {
		missing = append(missing, "index")
	}
	if c.Manifests == nil {
		missing = append(missing, "manifests")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing capabilities: %s", strings.Join(missing, ", "))
	}
	return nil
}

type Options struct {
	MaxChunkSize int
	Class        string
	Events       events.Publisher
	Metrics      Metrics
	Now          func() time.Time
}

// work holds stage outputs so a resumed run can skip completed stages.
type work struct {
	done          map[Phase]bool
	sources       []ResolvedSource
	chunks        []Chunk
	vectors       [][]float32
	priorCaptured bool
}

type entry struct {
	ctx         Context
	inputs      []Input
	work        work
	run         *scheduler.Ticket
	rollingBack bool
	// exited closes when the latest run goroutine returns.
	exited chan struct{}
}

// Orchestrator owns every ingestion context and runs the pipeline for each
// one as a scheduler job.
type Orchestrator struct {
	mu      sync.Mutex
	entries map[string]*entry

	caps    Capabilities
	sched   Scheduler
	events  events.Publisher
	metrics Metrics
	now     func() time.Time
	maxSize int
	class   string
}

func New(sched Scheduler, caps Capabilities, opts Options) (*Orchestrator, error) {
	if sched == nil {
		return nil, fmt.Errorf("scheduler required")
	}
	if err := caps.validate(); err != nil {
		return nil, err
	}
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = defaultMaxChunkSize
	}
	if opts.Class == "" {
		opts.Class = JobClass
	}
	if opts.Events == nil {
		opts.Events = events.Discard{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		entries: make(map[string]*entry),
		caps:    caps,
		sched:   sched,
		events:  opts.Events,
		metrics: opts.Metrics,
		now:     opts.Now,
		maxSize: opts.MaxChunkSize,
		class:   opts.Class,
	}, nil
}

// ValidateRequest reports every problem with req as a validation error.
func ValidateRequest(req Request) error {
	var violations []map[string]string
	if strings.TrimSpace(req.Tenant) == "" {
		violations = append(violations, map[string]string{"path": "/tenant", "message": "tenant is required"})
	}
	if len(req.Inputs) == 0 {
		violations = append(violations, map[string]string{"path": "/inputs", "message": "at least one input is required"})
	}
	for i, in := range req.Inputs {
		if strings.TrimSpace(in.Type) == "" {
			violations = append(violations, map[string]string{"path": fmt.Sprintf("/inputs/%d/type", i), "message": "type is required"})
		}
		if in.Content == "" && strings.TrimSpace(in.Ref) == "" {
			violations = append(violations, map[string]string{"path": fmt.Sprintf("/inputs/%d", i), "message": "content or ref is required"})
		}
	}
	if len(violations) > 0 {
		return apierr.Validation("invalid ingest request", map[string]any{"violations": violations})
	}
	return nil
}

// Ingest creates a pending ingestion and submits the job that drives it.
func (o *Orchestrator) Ingest(ctx context.Context, req Request) (Context, error) {
	if err := ValidateRequest(req); err != nil {
		return Context{}, err
	}
	now := o.now()
	e := &entry{
		ctx: Context{
			ID:        uuid.NewString(),
			Tenant:    strings.TrimSpace(req.Tenant),
			State:     StatePending,
			Phase:     PhaseNone,
			Inputs:    len(req.Inputs),
			CreatedAt: now,
			UpdatedAt: now,
		},
		inputs: slices.Clone(req.Inputs),
		work:   work{done: make(map[Phase]bool)},
	}
	id := e.ctx.ID

	o.mu.Lock()
	o.entries[id] = e
	o.mu.Unlock()
	o.countState(StatePending)

	jobID, err := o.sched.Submit(ctx, scheduler.JobSpec{
		Class:       o.class,
		IngestionID: id,
		Runner:      scheduler.RunnerFunc(func(runCtx context.Context, t *scheduler.Ticket) { o.run(runCtx, id, t) }),
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.setStateLocked(e, StateFailed, err.Error())
		logging.Error("ingest", "submit failed", "ingestion_id", id, "error", err)
		return copyContext(e.ctx), fmt.Errorf("submit ingestion %s: %w", id, err)
	}
	if e.ctx.JobID == "" {
		e.ctx.JobID = jobID
	}
	logging.Info("ingest", "ingestion accepted", "ingestion_id", id, "job_id", jobID, "tenant", e.ctx.Tenant, "inputs", len(req.Inputs))
	return copyContext(e.ctx), nil
}

// Status returns the current context.
func (o *Orchestrator) Status(id string) (Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, err := o.lookupLocked(id)
	if err != nil {
		return Context{}, err
	}
	return copyContext(e.ctx), nil
}

// Phases returns the stage history in the order stages started.
func (o *Orchestrator) Phases(id string) ([]PhaseRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, err := o.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	return clonePhases(e.ctx.Phases), nil
}

// Manifest loads the stored manifest once the snapshot stage has completed.
func (o *Orchestrator) Manifest(ctx context.Context, id string) (Manifest, error) {
	o.mu.Lock()
	e, err := o.lookupLocked(id)
	if err != nil {
		o.mu.Unlock()
		return Manifest{}, err
	}
	ready := e.work.done[PhaseSnapshot]
	state := e.ctx.State
	o.mu.Unlock()
	if !ready {
		return Manifest{}, ErrManifestNotReady.WithDetails(map[string]any{"ingestionId": id, "state": state})
	}
	m, err := o.caps.Manifests.Load(ctx, id)
	if err != nil {
		return Manifest{}, fmt.Errorf("load manifest %s: %w", id, err)
	}
	return m, nil
}

// List returns the tenant's ingestions, newest first. An empty tenant lists all.
func (o *Orchestrator) List(tenant string) []Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Context, 0)
	for _, e := range o.entries {
		if tenant != "" && e.ctx.Tenant != tenant {
			continue
		}
		o.syncLocked(e)
		out = append(out, copyContext(e.ctx))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cancel asks the scheduler to cancel the job behind an ingestion.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (Context, error) {
	o.mu.Lock()
	e, err := o.lookupLocked(id)
	if err != nil {
		o.mu.Unlock()
		return Context{}, err
	}
	jobID := e.ctx.JobID
	o.mu.Unlock()
	if jobID == "" {
		return Context{}, ErrInvalidState.WithDetails(map[string]any{"ingestionId": id, "reason": "no job"})
	}
	if _, err := o.sched.Cancel(ctx, jobID); err != nil {
		return Context{}, fmt.Errorf("cancel ingestion %s: %w", id, err)
	}
	return o.Status(id)
}

// Rollback undoes the ingestion's index writes: the prior tenant snapshot is
// restored, or the ingestion's vectors are removed when none was captured.
// Rolling back an already rolled back ingestion returns it unchanged.
func (o *Orchestrator) Rollback(ctx context.Context, id string) (Context, error) {
	o.mu.Lock()
	e, err := o.lookupLocked(id)
	if err != nil {
		o.mu.Unlock()
		return Context{}, err
	}
	switch {
	case e.ctx.State == StateRolledBack:
		out := copyContext(e.ctx)
		o.mu.Unlock()
		return out, nil
	case e.rollingBack:
		o.mu.Unlock()
		return Context{}, ErrRollbackInProgress.WithDetails(map[string]any{"ingestionId": id})
	case e.ctx.State != StateFailed && e.ctx.State != StateCompleted:
		state := e.ctx.State
		o.mu.Unlock()
		return Context{}, ErrInvalidState.WithDetails(map[string]any{"ingestionId": id, "state": state, "action": "rollback"})
	}
	e.rollingBack = true
	tenant, prior := e.ctx.Tenant, e.ctx.PriorSnapshotRef
	o.mu.Unlock()

	if prior != "" {
		err = o.caps.Index.RestoreSnapshot(ctx, prior)
	} else {
		err = o.caps.Index.DeleteIngestion(ctx, tenant, id)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	e.rollingBack = false
	if err != nil {
		logging.Error("ingest", "rollback failed", "ingestion_id", id, "prior_snapshot", prior, "error", err)
		return Context{}, fmt.Errorf("rollback %s: %w", id, err)
	}
	e.ctx.Phase = PhaseNone
	o.setStateLocked(e, StateRolledBack, "")
	logging.Info("ingest", "ingestion rolled back", "ingestion_id", id, "prior_snapshot", prior)
	return copyContext(e.ctx), nil
}

func (o *Orchestrator) lookupLocked(id string) (*entry, error) {
	e, ok := o.entries[id]
	if !ok {
		return nil, ErrNotFound.WithDetails(map[string]any{"ingestionId": id})
	}
	o.syncLocked(e)
	return e, nil
}

// syncLocked folds job outcomes that never reached the pipeline (a queued
// job cancelled, a stuck run forced by the reconciler) into the context.
func (o *Orchestrator) syncLocked(e *entry) {
	if e.ctx.JobID == "" || (e.ctx.State != StatePending && e.ctx.State != StateInProgress) {
		return
	}
	job, err := o.sched.Get(e.ctx.JobID)
	if err != nil {
		return
	}
	switch job.Status {
	case scheduler.StatusCancelled, scheduler.StatusFailed:
		msg := job.Error
		if msg == "" {
			msg = errCancelled
		}
		e.run = nil
		o.closeOpenPhaseLocked(e, msg)
		o.setStateLocked(e, StateFailed, msg)
	case scheduler.StatusHeld:
		if e.ctx.State == StateInProgress {
			e.run = nil
			o.closeOpenPhaseLocked(e, errHeld)
			o.setStateLocked(e, StatePending, errHeld)
		}
	}
}

// finishRunLocked reports the run's outcome and commits the matching state
// only when the scheduler applies it. A run the scheduler already forced out
// or replaced takes the job's outcome instead.
func (o *Orchestrator) finishRunLocked(e *entry, t *scheduler.Ticket, out scheduler.Outcome, to State, errMsg string) bool {
	owned := e.run == t
	if owned {
		e.run = nil
	}
	if !t.Report(out) {
		if owned {
			o.syncLocked(e)
			o.closeOpenPhaseLocked(e, errSuperseded)
		}
		logging.Warn("ingest", "stale run outcome dropped", "ingestion_id", e.ctx.ID, "job_id", t.JobID, "attempt", t.Attempt, "state", e.ctx.State)
		return false
	}
	if owned {
		o.setStateLocked(e, to, errMsg)
	}
	return owned
}

// run drives the pipeline for one scheduler run, resuming after the last
// completed stage.
func (o *Orchestrator) run(ctx context.Context, id string, t *scheduler.Ticket) {
	o.mu.Lock()
	e, ok := o.entries[id]
	if !ok {
		o.mu.Unlock()
		t.Report(scheduler.Failed(ErrNotFound))
		return
	}
	prev := e.exited
	exited := make(chan struct{})
	e.exited = exited
	o.mu.Unlock()
	defer close(exited)

	// A forced out predecessor may still be inside a stage call.
	if prev != nil {
		select {
		case <-prev:
		case <-t.Stopped():
		case <-ctx.Done():
			t.Report(scheduler.Failed(ctx.Err()))
			return
		}
	}

	o.mu.Lock()
	if e.ctx.State == StateRolledBack || e.rollingBack {
		o.mu.Unlock()
		t.Report(scheduler.Outcome{Status: scheduler.StatusCancelled, Error: "ingestion rolled back"})
		return
	}
	if !t.Current() {
		o.mu.Unlock()
		t.Report(scheduler.Failed(errors.New(errSuperseded)))
		return
	}
	e.run = t
	e.ctx.JobID = t.JobID
	o.setStateLocked(e, StateInProgress, "")
	o.mu.Unlock()

	for _, phase := range Pipeline {
		if o.phaseDone(id, phase) {
			continue
		}
		if t.StopRequested() {
			o.stop(id, t)
			return
		}
		if !o.runStage(ctx, id, t, phase) {
			return
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finishRunLocked(e, t, scheduler.Succeeded(), StateCompleted, "") {
		logging.Info("ingest", "ingestion completed", "ingestion_id", id, "job_id", t.JobID, "chunks", len(e.ctx.Manifest))
	}
}

func (o *Orchestrator) phaseDone(id string, phase Phase) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.entries[id].work.done[phase]
}

func (o *Orchestrator) stop(id string, t *scheduler.Ticket) {
	reason := t.StopReason()
	to, msg := StateFailed, stopMessage(reason)
	if reason == scheduler.StopHold {
		to, msg = StatePending, errHeld
	}
	logging.Info("ingest", "pipeline stopped at stage boundary", "ingestion_id", id, "job_id", t.JobID, "reason", reason)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finishRunLocked(o.entries[id], t, scheduler.Stopped(), to, msg)
}

func stopMessage(reason scheduler.StopReason) string {
	switch reason {
	case scheduler.StopTimeout:
		return "running timeout"
	case scheduler.StopShutdown:
		return "scheduler shutdown"
	default:
		return errCancelled
	}
}

func (o *Orchestrator) setStateLocked(e *entry, to State, errMsg string) {
	from := e.ctx.State
	e.ctx.State = to
	e.ctx.Error = errMsg
	e.ctx.UpdatedAt = o.now()
	if from == to {
		return
	}
	payload := map[string]any{
		"from":   string(from),
		"to":     string(to),
		"phase":  string(e.ctx.Phase),
		"tenant": e.ctx.Tenant,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	o.events.Publish(events.Event{
		Type:        events.TypeIngestionStateChanged,
		JobID:       e.ctx.JobID,
		IngestionID: e.ctx.ID,
		Payload:     payload,
	})
	o.countState(to)
}

func (o *Orchestrator) countState(state State) {
	if o.metrics != nil {
		o.metrics.IncIngestions(string(state))
	}
}

func copyContext(c Context) Context {
	c.Manifest = slices.Clone(c.Manifest)
	c.Phases = clonePhases(c.Phases)
	return c
}

func clonePhases(in []PhaseRecord) []PhaseRecord {
	out := make([]PhaseRecord, len(in))
	for i, p := range in {
		if p.EndedAt != nil {
			ended := *p.EndedAt
			p.EndedAt = &ended
		}
		out[i] = p
	}
	return out
}
