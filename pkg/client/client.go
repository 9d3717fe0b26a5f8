// Package client talks to the ingestion gateway over HTTP.
//
// Ingestion states arrive in upper snake case (PENDING, IN_PROGRESS,
// COMPLETED, FAILED, ROLLED_BACK). Compare them with the ingest.State
// constants, or normalize free-form input with ingest.ParseState, which also
// accepts camel case names such as RolledBack.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/ragops/core/controlplane/scheduler"
	"github.com/cordum/ragops/core/ingest"
)

// Client is a minimal HTTP client for the ingestion gateway.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// New returns a client with a default HTTP timeout.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// APIError is a decoded gateway error envelope.
type APIError struct {
	Status        int
	Code          string
	Message       string
	Details       map[string]any
	CorrelationID string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s [correlation %s]", e.Code, e.Status, e.Message, e.CorrelationID)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// IngestResponse is returned when an ingestion is accepted.
type IngestResponse struct {
	IngestionID string       `json:"ingestionId"`
	JobID       string       `json:"jobId"`
	State       ingest.State `json:"state"`
}

// ListResponse pages ingestion contexts. Archived is only filled for a tenant
// listing and holds manifests of ingestions the gateway no longer tracks.
type ListResponse struct {
	Items    []ingest.Context  `json:"items"`
	Count    int               `json:"count"`
	Archived []ingest.Manifest `json:"archived,omitempty"`
}

// ReadyCheck is one dependency on the readiness report.
type ReadyCheck struct {
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// ReadyStatus is the gateway readiness report.
type ReadyStatus struct {
	Status string                `json:"status"`
	Checks map[string]ReadyCheck `json:"checks"`
	Events map[string]any        `json:"events,omitempty"`
}

func (r ReadyStatus) Ready() bool { return r.Status == "ready" }

// BatchActionResponse is the job after an operator action.
type BatchActionResponse struct {
	Action string        `json:"action"`
	Job    scheduler.Job `json:"job"`
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		payload = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), payload)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
		CorrelationID string `json:"correlationId"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Error.Code == "" {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	return &APIError{
		Status:        resp.StatusCode,
		Code:          env.Error.Code,
		Message:       env.Error.Message,
		Details:       env.Error.Details,
		CorrelationID: env.CorrelationID,
	}
}

// Ingest submits a new ingestion.
func (c *Client) Ingest(ctx context.Context, req ingest.Request) (IngestResponse, error) {
	var out IngestResponse
	err := c.doJSON(ctx, http.MethodPost, "/rag/ingest", req, &out)
	return out, err
}

// List returns ingestions, optionally for one tenant.
func (c *Client) List(ctx context.Context, tenant string) (ListResponse, error) {
	path := "/rag/ingest"
	if tenant != "" {
		path += "?tenant=" + url.QueryEscape(tenant)
	}
	var out ListResponse
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, id string) (ingest.Context, error) {
	var out ingest.Context
	err := c.doJSON(ctx, http.MethodGet, "/rag/ingest/"+url.PathEscape(id)+"/status", nil, &out)
	return out, err
}

func (c *Client) Manifest(ctx context.Context, id string) (ingest.Manifest, error) {
	var out ingest.Manifest
	err := c.doJSON(ctx, http.MethodGet, "/rag/ingest/"+url.PathEscape(id)+"/manifest", nil, &out)
	return out, err
}

func (c *Client) Phases(ctx context.Context, id string) ([]ingest.PhaseRecord, error) {
	var out struct {
		Phases []ingest.PhaseRecord `json:"phases"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/rag/ingest/"+url.PathEscape(id)+"/phases", nil, &out)
	return out.Phases, err
}

func (c *Client) Rollback(ctx context.Context, id string) (ingest.Context, error) {
	var out ingest.Context
	err := c.doJSON(ctx, http.MethodPost, "/rag/ingest/"+url.PathEscape(id)+"/rollback", nil, &out)
	return out, err
}

func (c *Client) CancelIngestion(ctx context.Context, id string) (ingest.Context, error) {
	var out ingest.Context
	err := c.doJSON(ctx, http.MethodPost, "/rag/ingest/"+url.PathEscape(id)+"/cancel", nil, &out)
	return out, err
}

// Batch returns the scheduler snapshot, optionally filtered by job status.
func (c *Client) Batch(ctx context.Context, status string) (scheduler.Snapshot, error) {
	path := "/ops/batch"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out scheduler.Snapshot
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// JournalJobs lists journaled jobs, including ones the scheduler pruned. An
// empty status lists the newest first; limit <= 0 uses the server default.
func (c *Client) JournalJobs(ctx context.Context, status string, limit int) ([]scheduler.Job, error) {
	q := url.Values{"source": {"journal"}}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Jobs []scheduler.Job `json:"jobs"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/ops/batch?"+q.Encode(), nil, &out)
	return out.Jobs, err
}

// Ready fetches the readiness report. A gateway that is not ready still
// returns its report with a nil error.
func (c *Client) Ready(ctx context.Context) (ReadyStatus, error) {
	var out ReadyStatus
	err := c.doJSON(ctx, http.MethodGet, "/health/ready", nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable && apiErr.Code == "" {
		if jerr := json.Unmarshal([]byte(apiErr.Message), &out); jerr == nil && out.Status != "" {
			return out, nil
		}
	}
	return out, err
}

func (c *Client) Job(ctx context.Context, id string) (scheduler.Job, error) {
	var out scheduler.Job
	err := c.doJSON(ctx, http.MethodGet, "/ops/batch/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) JobHistory(ctx context.Context, id string) ([]string, error) {
	var out struct {
		History []string `json:"history"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/ops/batch/"+url.PathEscape(id)+"/history", nil, &out)
	return out.History, err
}

// Act applies cancel, requeue, hold or release to a job.
func (c *Client) Act(ctx context.Context, jobID, action string) (scheduler.Job, error) {
	var out BatchActionResponse
	err := c.doJSON(ctx, http.MethodPost, "/ops/batch", map[string]string{"id": jobID, "action": action}, &out)
	return out.Job, err
}
