package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/ragops/core/controlplane/scheduler"
	"github.com/cordum/ragops/core/infra/apierr"
	"github.com/cordum/ragops/core/infra/logging"
	"github.com/cordum/ragops/core/ingest"
)

type ingestResponse struct {
	IngestionID string       `json:"ingestionId"`
	JobID       string       `json:"jobId"`
	State       ingest.State `json:"state"`
}

type phasesResponse struct {
	IngestionID string               `json:"ingestionId"`
	Phases      []ingest.PhaseRecord `json:"phases"`
}

type listResponse struct {
	Items []ingest.Context `json:"items"`
	Count int              `json:"count"`
	// Archived holds saved manifests of the tenant's ingestions that are no
	// longer tracked in process, after pruning or a restart.
	Archived []ingest.Manifest `json:"archived,omitempty"`
}

type journalListResponse struct {
	Source string          `json:"source"`
	Status string          `json:"status,omitempty"`
	Jobs   []scheduler.Job `json:"jobs"`
	Count  int             `json:"count"`
}

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

type batchActionRequest struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

type batchActionResponse struct {
	Action string        `json:"action"`
	Job    scheduler.Job `json:"job"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) error {
	if s.promh == nil {
		return apierr.New(apierr.KindNotFound, "METRICS_DISABLED", "metrics are not exported")
	}
	s.promh.ServeHTTP(w, r)
	return nil
}

// decodeBody re-reads the already validated JSON object into out.
func decodeBody(r *http.Request, out any) error {
	body := bodyFrom(r)
	if body == nil {
		return invalidBody("body required", nil)
	}
	if err := json.Unmarshal(body.raw, out); err != nil {
		return invalidBody("body does not match the expected shape", map[string]any{"reason": err.Error()})
	}
	return nil
}

// workContext detaches accepted work from the request deadline so a 504
// does not abandon a half-applied mutation.
func workContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) error {
	var req ingest.Request
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	ic, err := s.ingest.Ingest(workContext(r), req)
	if err != nil {
		return err
	}
	principal := ""
	if auth := authFromRequest(r); auth != nil {
		principal = auth.PrincipalID
	}
	logging.Info("gateway", "ingestion accepted",
		"correlation_id", correlationID(r), "ingestion_id", ic.ID, "job_id", ic.JobID,
		"tenant", ic.Tenant, "inputs", ic.Inputs, "principal", principal)
	writeJSON(w, http.StatusOK, ingestResponse{IngestionID: ic.ID, JobID: ic.JobID, State: ic.State})
	return nil
}

func (s *Server) handleListIngestions(w http.ResponseWriter, r *http.Request) error {
	tenant := strings.TrimSpace(r.URL.Query().Get("tenant"))
	items := s.ingest.List(tenant)
	if items == nil {
		items = []ingest.Context{}
	}
	if raw := r.URL.Query().Get("state"); raw != "" {
		state, ok := ingest.ParseState(raw)
		if !ok {
			return apierr.Validation("unknown ingestion state", map[string]any{"state": raw})
		}
		items = slices.DeleteFunc(items, func(ic ingest.Context) bool { return ic.State != state })
	}
	resp := listResponse{Items: items, Count: len(items)}
	if tenant != "" && s.manifests != nil {
		limit, err := listLimit(r)
		if err != nil {
			return err
		}
		resp.Archived = s.archivedManifests(r.Context(), tenant, items, limit)
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

// archivedManifests loads saved manifests the orchestrator no longer holds.
// Index failures degrade to the in-process listing.
func (s *Server) archivedManifests(ctx context.Context, tenant string, live []ingest.Context, limit int64) []ingest.Manifest {
	ids, err := s.manifests.ListByTenant(ctx, tenant, limit)
	if err != nil {
		logging.Warn("gateway", "manifest index unavailable", "tenant", tenant, "error", err)
		return nil
	}
	known := make(map[string]struct{}, len(live))
	for _, ic := range live {
		known[ic.ID] = struct{}{}
	}
	var out []ingest.Manifest
	for _, id := range ids {
		if _, ok := known[id]; ok {
			continue
		}
		m, err := s.manifests.Load(ctx, id)
		if err != nil {
			logging.Debug("gateway", "archived manifest skipped", "ingestion_id", id, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out
}

func listLimit(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 || n > maxListLimit {
		return 0, apierr.Validation("limit must be between 1 and 1000", map[string]any{"limit": raw})
	}
	return n, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) error {
	ic, err := s.ingest.Status(r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, ic)
	return nil
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) error {
	m, err := s.ingest.Manifest(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, m)
	return nil
}

func (s *Server) handlePhases(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	phases, err := s.ingest.Phases(id)
	if err != nil {
		return err
	}
	if phases == nil {
		phases = []ingest.PhaseRecord{}
	}
	writeJSON(w, http.StatusOK, phasesResponse{IngestionID: id, Phases: phases})
	return nil
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) error {
	ic, err := s.ingest.Rollback(workContext(r), r.PathValue("id"))
	if err != nil {
		return err
	}
	logging.Info("gateway", "ingestion rolled back", "correlation_id", correlationID(r), "ingestion_id", ic.ID)
	writeJSON(w, http.StatusOK, ic)
	return nil
}

func (s *Server) handleCancelIngestion(w http.ResponseWriter, r *http.Request) error {
	ic, err := s.ingest.Cancel(workContext(r), r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, ic)
	return nil
}

func (s *Server) handleBatchSnapshot(w http.ResponseWriter, r *http.Request) error {
	if r.URL.Query().Get("source") == "journal" {
		return s.handleJournalList(w, r)
	}
	snap := s.jobs.Snapshot()
	if status := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))); status != "" {
		jobs := map[scheduler.JobStatus][]scheduler.Job{}
		if list, ok := snap.Jobs[scheduler.JobStatus(status)]; ok {
			jobs[scheduler.JobStatus(status)] = list
		}
		snap.Jobs = jobs
	}
	writeJSON(w, http.StatusOK, snap)
	return nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	job, err := s.jobs.Get(id)
	if err != nil && s.journal != nil && errors.Is(err, scheduler.ErrJobNotFound) {
		if stored, jerr := s.journal.GetJob(r.Context(), id); jerr == nil {
			job, err = stored, nil
		}
	}
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, job)
	return nil
}

// handleJournalList serves the journaled jobs, including those the scheduler
// already pruned: the newest first, or one status oldest update first.
func (s *Server) handleJournalList(w http.ResponseWriter, r *http.Request) error {
	if s.journal == nil {
		return apierr.New(apierr.KindNotFound, "JOURNAL_DISABLED", "job journal is not configured")
	}
	limit, err := listLimit(r)
	if err != nil {
		return err
	}
	status := scheduler.JobStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	var jobs []scheduler.Job
	if status == "" {
		jobs, err = s.journal.ListRecentJobs(r.Context(), limit)
	} else {
		if !slices.Contains(scheduler.AllStatuses, status) {
			return apierr.Validation("unknown job status", map[string]any{"status": string(status)})
		}
		jobs, err = s.journal.ListJobsByStatus(r.Context(), status, limit)
	}
	if err != nil {
		return fmt.Errorf("journal listing: %w", err)
	}
	if jobs == nil {
		jobs = []scheduler.Job{}
	}
	writeJSON(w, http.StatusOK, journalListResponse{Source: "journal", Status: string(status), Jobs: jobs, Count: len(jobs)})
	return nil
}

// handleJobHistory lists the journaled status transitions of a job, oldest first.
func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) error {
	if s.journal == nil {
		return apierr.New(apierr.KindNotFound, "JOURNAL_DISABLED", "job journal is not configured")
	}
	id := r.PathValue("id")
	history, err := s.journal.JobHistory(r.Context(), id)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return scheduler.ErrJobNotFound.WithDetails(map[string]any{"jobId": id})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobId": id, "history": history})
	return nil
}

func (s *Server) handleBatchAction(w http.ResponseWriter, r *http.Request) error {
	var req batchActionRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	ctx := workContext(r)
	var (
		job scheduler.Job
		err error
	)
	start := time.Now()
	switch req.Action {
	case "cancel":
		job, err = s.jobs.Cancel(ctx, req.ID)
	case "requeue":
		job, err = s.jobs.Requeue(ctx, req.ID)
	case "hold":
		job, err = s.jobs.Hold(ctx, req.ID)
	case "release":
		job, err = s.jobs.Release(ctx, req.ID)
	default:
		return apierr.Validation("unknown action", map[string]any{"action": req.Action})
	}
	if err != nil {
		return err
	}
	logging.Info("gateway", "batch action applied",
		"correlation_id", correlationID(r), "job_id", job.ID, "action", req.Action,
		"status", job.Status, "elapsed", time.Since(start).String())
	writeJSON(w, http.StatusOK, batchActionResponse{Action: req.Action, Job: job})
	return nil
}
