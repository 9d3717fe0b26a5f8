package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/cordum/ragops/core/controlplane/scheduler"
	"github.com/cordum/ragops/core/events"
	"github.com/cordum/ragops/core/infra/logging"
)

// stageResult carries what a stage produced back under the lock.
type stageResult struct {
	sources  []ResolvedSource
	chunks   []Chunk
	entries  []ManifestEntry
	vectors  [][]float32
	snapshot string
	summary  map[string]any
}

// stageInput is a consistent view of prior stage outputs taken under the lock.
type stageInput struct {
	tenant  string
	inputs  []Input
	sources []ResolvedSource
	chunks  []Chunk
	vectors [][]float32
	entries []ManifestEntry
}

// runStage executes one stage outside the lock and records its outcome.
// It returns false once the run has ended, either because the stage failed or
// because the scheduler no longer counts the ticket as the job's live run.
func (o *Orchestrator) runStage(ctx context.Context, id string, t *scheduler.Ticket, phase Phase) bool {
	in, startedAt, ok := o.beginStage(id, t, phase)
	if !ok {
		return false
	}

	var (
		res stageResult
		err error
	)
	switch phase {
	case PhaseResolve:
		res, err = o.resolve(ctx, in)
	case PhaseChunk:
		res, err = o.chunk(ctx, id, in)
	case PhaseEmbed:
		res, err = o.embed(ctx, in)
	case PhaseIndex:
		res, err = o.index(ctx, id, t, in)
	case PhaseSnapshot:
		res, err = o.snapshot(ctx, id, in)
	default:
		err = fmt.Errorf("unknown phase %q", phase)
	}
	elapsed := o.now().Sub(startedAt)
	if err != nil {
		o.failStage(id, t, phase, elapsed, err)
		return false
	}
	return o.completeStage(id, t, phase, elapsed, res)
}

// liveLocked reports whether t may still change the context. A run that lost
// its job is ended here and the scheduler's outcome is folded in.
func (o *Orchestrator) liveLocked(e *entry, t *scheduler.Ticket) bool {
	if e.run == t && t.Current() {
		return true
	}
	o.finishRunLocked(e, t, scheduler.Failed(errors.New(errSuperseded)), StateFailed, errSuperseded)
	return false
}

func (o *Orchestrator) beginStage(id string, t *scheduler.Ticket, phase Phase) (stageInput, time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := o.entries[id]
	if !o.liveLocked(e, t) {
		return stageInput{}, time.Time{}, false
	}
	now := o.now()
	e.ctx.Phase = phase
	e.ctx.UpdatedAt = now
	e.ctx.Phases = append(e.ctx.Phases, PhaseRecord{
		Phase:     phase,
		Status:    StageRunning,
		Attempt:   t.Attempt,
		StartedAt: now,
	})
	o.events.Publish(events.Event{
		Type:        events.TypeStageStarted,
		JobID:       t.JobID,
		IngestionID: id,
		Payload:     map[string]any{"stage": string(phase), "attempt": t.Attempt},
	})
	return stageInput{
		tenant:  e.ctx.Tenant,
		inputs:  e.inputs,
		sources: e.work.sources,
		chunks:  e.work.chunks,
		vectors: e.work.vectors,
		entries: e.ctx.Manifest,
	}, now, true
}

func (o *Orchestrator) completeStage(id string, t *scheduler.Ticket, phase Phase, elapsed time.Duration, res stageResult) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := o.entries[id]
	if !o.liveLocked(e, t) {
		o.observe(phase, "superseded", elapsed)
		logging.Warn("ingest", "stage result discarded", "ingestion_id", id, "job_id", t.JobID, "stage", phase)
		return false
	}
	o.observe(phase, "completed", elapsed)
	switch phase {
	case PhaseResolve:
		e.work.sources = res.sources
	case PhaseChunk:
		e.work.chunks = res.chunks
		e.ctx.Manifest = append(e.ctx.Manifest[:0:0], res.entries...)
	case PhaseEmbed:
		e.work.vectors = res.vectors
	case PhaseSnapshot:
		e.ctx.SnapshotRef = res.snapshot
	}
	e.work.done[phase] = true
	e.ctx.UpdatedAt = o.now()
	o.closePhaseLocked(e, StageCompleted, elapsed, "")

	payload := map[string]any{"stage": string(phase), "attempt": t.Attempt, "durationMs": elapsed.Milliseconds()}
	maps.Copy(payload, res.summary)
	o.events.Publish(events.Event{
		Type:        events.TypeStageCompleted,
		JobID:       t.JobID,
		IngestionID: id,
		Payload:     payload,
	})
	return true
}

func (o *Orchestrator) failStage(id string, t *scheduler.Ticket, phase Phase, elapsed time.Duration, err error) {
	o.observe(phase, "failed", elapsed)
	logging.Error("ingest", "stage failed", "ingestion_id", id, "job_id", t.JobID, "stage", phase, "error", err)
	o.mu.Lock()
	defer o.mu.Unlock()
	e := o.entries[id]
	if e.run == t {
		o.closePhaseLocked(e, StageFailed, elapsed, err.Error())
		o.events.Publish(events.Event{
			Type:        events.TypeStageFailed,
			JobID:       t.JobID,
			IngestionID: id,
			Payload:     map[string]any{"stage": string(phase), "attempt": t.Attempt, "durationMs": elapsed.Milliseconds(), "error": err.Error()},
		})
	}
	stageErr := fmt.Errorf("%s: %w", phase, err)
	o.finishRunLocked(e, t, scheduler.Failed(stageErr), StateFailed, stageErr.Error())
}

func (o *Orchestrator) closePhaseLocked(e *entry, status StageStatus, elapsed time.Duration, errMsg string) {
	if len(e.ctx.Phases) == 0 {
		return
	}
	rec := &e.ctx.Phases[len(e.ctx.Phases)-1]
	ended := rec.StartedAt.Add(elapsed)
	rec.Status = status
	rec.EndedAt = &ended
	rec.DurationMs = elapsed.Milliseconds()
	rec.Error = errMsg
}

// closeOpenPhaseLocked marks a stage record left running by a run that ended
// without reaching its boundary.
func (o *Orchestrator) closeOpenPhaseLocked(e *entry, errMsg string) {
	if len(e.ctx.Phases) == 0 {
		return
	}
	rec := e.ctx.Phases[len(e.ctx.Phases)-1]
	if rec.Status != StageRunning {
		return
	}
	o.closePhaseLocked(e, StageFailed, o.now().Sub(rec.StartedAt), errMsg)
}

func (o *Orchestrator) observe(phase Phase, outcome string, elapsed time.Duration) {
	if o.metrics != nil {
		o.metrics.ObserveStage(string(phase), outcome, elapsed.Seconds())
	}
}

func (o *Orchestrator) resolve(ctx context.Context, in stageInput) (stageResult, error) {
	sources := make([]ResolvedSource, 0, len(in.inputs))
	for i, input := range in.inputs {
		src, err := o.caps.Resolver.Resolve(ctx, input)
		if err != nil {
			return stageResult{}, fmt.Errorf("input %d: %w", i, err)
		}
		if src.Ref == "" {
			src.Ref = "input-" + strconv.Itoa(i)
		}
		if o.caps.Safety != nil {
			decision, err := o.caps.Safety.Check(ctx, src.Content)
			if err != nil {
				return stageResult{}, fmt.Errorf("safety check %s: %w", src.Ref, err)
			}
			if !decision.Allowed {
				return stageResult{}, ErrContentDenied.WithDetails(map[string]any{
					"source": src.Ref,
					"rule":   decision.RuleID,
					"reason": decision.Reason,
				})
			}
		}
		sources = append(sources, src)
	}
	return stageResult{sources: sources, summary: map[string]any{"sources": len(sources)}}, nil
}

func (o *Orchestrator) chunk(ctx context.Context, id string, in stageInput) (stageResult, error) {
	var (
		chunks  []Chunk
		entries []ManifestEntry
	)
	for _, src := range in.sources {
		parts, err := o.caps.Chunker.Chunk(ctx, src.Content, o.maxSize)
		if err != nil {
			return stageResult{}, fmt.Errorf("chunk %s: %w", src.Ref, err)
		}
		for _, part := range parts {
			part.Seq = len(chunks)
			part.Source = src.Ref
			chunks = append(chunks, part)
			sum := sha256.Sum256([]byte(part.Text))
			entries = append(entries, ManifestEntry{
				Seq:      part.Seq,
				ChunkRef: ChunkRef(id, part.Seq),
				Checksum: hex.EncodeToString(sum[:]),
				Source:   src.Ref,
				Size:     len(part.Text),
			})
		}
	}
	return stageResult{chunks: chunks, entries: entries, summary: map[string]any{"chunks": len(chunks)}}, nil
}

func (o *Orchestrator) embed(ctx context.Context, in stageInput) (stageResult, error) {
	vectors := make([][]float32, 0, len(in.chunks))
	for _, c := range in.chunks {
		vec, err := o.caps.Embedder.Embed(ctx, c)
		if err != nil {
			return stageResult{}, fmt.Errorf("embed chunk %d: %w", c.Seq, err)
		}
		vectors = append(vectors, vec)
	}
	return stageResult{vectors: vectors, summary: map[string]any{"vectors": len(vectors)}}, nil
}

// index captures the tenant's prior snapshot once, before the first write,
// so rollback can restore it even when indexing fails half way.
func (o *Orchestrator) index(ctx context.Context, id string, t *scheduler.Ticket, in stageInput) (stageResult, error) {
	if len(in.vectors) != len(in.chunks) {
		return stageResult{}, fmt.Errorf("have %d vectors for %d chunks", len(in.vectors), len(in.chunks))
	}
	if err := o.capturePrior(ctx, id, t, in.tenant); err != nil {
		return stageResult{}, err
	}
	for i, c := range in.chunks {
		meta := map[string]string{
			"ingestionId": id,
			"tenant":      in.tenant,
			"source":      c.Source,
			"chunkRef":    ChunkRef(id, c.Seq),
		}
		if err := o.caps.Index.Upsert(ctx, in.tenant, id, c, in.vectors[i], meta); err != nil {
			return stageResult{}, fmt.Errorf("upsert chunk %d: %w", c.Seq, err)
		}
	}
	return stageResult{summary: map[string]any{"indexed": len(in.chunks)}}, nil
}

func (o *Orchestrator) capturePrior(ctx context.Context, id string, t *scheduler.Ticket, tenant string) error {
	o.mu.Lock()
	captured := o.entries[id].work.priorCaptured
	o.mu.Unlock()
	if captured {
		return nil
	}
	ref, err := o.caps.Index.Snapshot(ctx, tenant)
	if err != nil {
		return fmt.Errorf("capture prior snapshot: %w", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	e := o.entries[id]
	if e.run != t || !t.Current() {
		return errors.New(errSuperseded)
	}
	e.work.priorCaptured = true
	e.ctx.PriorSnapshotRef = ref
	return nil
}

func (o *Orchestrator) snapshot(ctx context.Context, id string, in stageInput) (stageResult, error) {
	ref, err := o.caps.Index.Snapshot(ctx, in.tenant)
	if err != nil {
		return stageResult{}, fmt.Errorf("snapshot index: %w", err)
	}
	m := Manifest{
		IngestionID: id,
		Tenant:      in.tenant,
		Entries:     slices.Clone(in.entries),
		SnapshotRef: ref,
		CreatedAt:   o.now(),
	}
	if err := o.caps.Manifests.Save(ctx, m); err != nil {
		return stageResult{}, fmt.Errorf("save manifest: %w", err)
	}
	return stageResult{snapshot: ref, summary: map[string]any{"snapshotRef": ref, "entries": len(m.Entries)}}, nil
}

// ChunkRef is the stable reference of a chunk within an ingestion.
func ChunkRef(ingestionID string, seq int) string {
	return ingestionID + "/" + strconv.Itoa(seq)
}
