package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cordum/ragops/core/infra/buildinfo"
	"github.com/cordum/ragops/core/infra/logging"
)

const readyCheckTimeout = 2 * time.Second

var errSchedulerClosed = errors.New("scheduler is shutting down")

// ReadinessCheck reports on one dependency. A non-nil error marks the
// gateway not ready; the detail map is returned either way.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) (map[string]any, error)
}

// schedulerState is implemented by the scheduler.
type schedulerState interface {
	Closed() bool
}

// eventStats is implemented by the event hub.
type eventStats interface {
	LastSeq() uint64
	Subscribers() int
}

type checkResult struct {
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

type readyResponse struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks"`
	Events map[string]any         `json:"events,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) error {
	body := map[string]any{
		"status":        "ok",
		"build":         buildinfo.Map(),
		"uptimeSeconds": int64(s.now().Sub(s.started).Seconds()),
	}
	if st, ok := s.events.(eventStats); ok {
		body["subscribers"] = st.Subscribers()
	}
	writeJSON(w, http.StatusOK, body)
	return nil
}

// handleReady answers 503 while the scheduler is shutting down or any
// configured dependency check fails.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) error {
	ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
	defer cancel()

	resp := readyResponse{Status: "ready", Checks: make(map[string]checkResult, len(s.checks)+1)}
	if st, ok := s.jobs.(schedulerState); ok {
		res := checkResult{OK: !st.Closed()}
		if !res.OK {
			res.Error = errSchedulerClosed.Error()
		}
		resp.Checks["scheduler"] = res
	}
	for _, c := range s.checks {
		detail, err := c.Check(ctx)
		res := checkResult{OK: err == nil, Detail: detail}
		if err != nil {
			res.Error = err.Error()
		}
		resp.Checks[c.Name] = res
	}
	if st, ok := s.events.(eventStats); ok {
		resp.Events = map[string]any{"lastSeq": st.LastSeq(), "subscribers": st.Subscribers()}
	}

	status := http.StatusOK
	for name, res := range resp.Checks {
		if !res.OK {
			resp.Status = "not_ready"
			status = http.StatusServiceUnavailable
			logging.Warn("gateway", "readiness check failed", "check", name, "error", res.Error)
		}
	}
	writeJSON(w, status, resp)
	return nil
}
