package scheduler

import (
	"context"
	"time"
)

// JobStatus captures the lifecycle of a job as seen by the scheduler.
type JobStatus string

const (
	StatusQueued    JobStatus = "QUEUED"
	StatusRunning   JobStatus = "RUNNING"
	StatusHeld      JobStatus = "HELD"
	StatusSucceeded JobStatus = "SUCCEEDED"
	StatusFailed    JobStatus = "FAILED"
	StatusCancelled JobStatus = "CANCELLED"
)

// AllStatuses lists statuses in display order.
var AllStatuses = []JobStatus{StatusQueued, StatusRunning, StatusHeld, StatusSucceeded, StatusFailed, StatusCancelled}

var terminalStatuses = map[JobStatus]bool{
	StatusSucceeded: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

var allowedTransitions = map[JobStatus][]JobStatus{
	"":              {StatusQueued},
	StatusQueued:    {StatusRunning, StatusCancelled, StatusHeld},
	StatusRunning:   {StatusSucceeded, StatusFailed, StatusCancelled, StatusHeld},
	StatusHeld:      {StatusQueued, StatusCancelled},
	StatusFailed:    {StatusQueued},
	StatusSucceeded: {},
	StatusCancelled: {},
}

// IsTerminal reports whether status can never change again.
func (s JobStatus) IsTerminal() bool { return terminalStatuses[s] }

func canTransition(from, to JobStatus) bool {
	for _, target := range allowedTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// StopReason explains why running work was asked to stop.
type StopReason string

const (
	StopNone     StopReason = ""
	StopCancel   StopReason = "cancel"
	StopHold     StopReason = "hold"
	StopTimeout  StopReason = "timeout"
	StopShutdown StopReason = "shutdown"
)

// Job is the externally visible record. Values returned by the scheduler are copies.
type Job struct {
	ID            string     `json:"id"`
	Class         string     `json:"class"`
	Status        JobStatus  `json:"status"`
	IngestionID   string     `json:"ingestionId,omitempty"`
	Attempt       int        `json:"attempt"`
	Error         string     `json:"error,omitempty"`
	StopRequested StopReason `json:"stopRequested,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Runner performs the work behind a job. It is started on its own goroutine
// each time the job moves to RUNNING and reports through the ticket.
type Runner interface {
	Run(ctx context.Context, t *Ticket)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, t *Ticket)

func (f RunnerFunc) Run(ctx context.Context, t *Ticket) { f(ctx, t) }

// JobSpec describes work to schedule.
type JobSpec struct {
	Class       string
	IngestionID string
	Runner      Runner
}

// Outcome is what running work reports when it stops.
type Outcome struct {
	Status JobStatus
	Error  string
}

func Succeeded() Outcome { return Outcome{Status: StatusSucceeded} }

func Failed(err error) Outcome {
	msg := "failed"
	if err != nil {
		msg = err.Error()
	}
	return Outcome{Status: StatusFailed, Error: msg}
}

// Stopped acknowledges a stop request at a safe boundary.
func Stopped() Outcome { return Outcome{Status: StatusCancelled} }

// Metrics captures counters for scheduler events.
type Metrics interface {
	IncJobsSubmitted(class string)
	IncJobsDispatched(class string)
	IncJobsCompleted(class, status string)
	SetJobsInState(class, status string, n int)
}

// JobStore persists job records outside the process. Writes are best effort.
type JobStore interface {
	PutJob(ctx context.Context, job Job) error
}

// ClassSnapshot summarizes one job class.
type ClassSnapshot struct {
	Limit   int               `json:"limit"`
	Active  int               `json:"active"`
	Counts  map[JobStatus]int `json:"counts"`
	Pending []string          `json:"pending"`
}

// Snapshot is a point-in-time view for operational dashboards.
type Snapshot struct {
	GeneratedAt time.Time                `json:"generatedAt"`
	GlobalLimit int                      `json:"globalLimit"`
	Active      int                      `json:"active"`
	Counts      map[JobStatus]int        `json:"counts"`
	Classes     map[string]ClassSnapshot `json:"classes"`
	Jobs        map[JobStatus][]Job      `json:"jobs"`
}
