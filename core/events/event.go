package events

import "time"

// Type names a lifecycle event.
type Type string

const (
	TypeJobStateChanged       Type = "job.state_changed"
	TypeStageStarted          Type = "stage.started"
	TypeStageCompleted        Type = "stage.completed"
	TypeStageFailed           Type = "stage.failed"
	TypeIngestionStateChanged Type = "ingestion.state_changed"

	// TypeGap is synthesized for a subscriber whose buffer overflowed.
	TypeGap Type = "stream.gap"
	// TypeHeartbeat is emitted by stream writers, never published.
	TypeHeartbeat Type = "stream.heartbeat"
)

// Event is immutable once published. Seq is assigned by the hub that
// published it and is strictly increasing per hub.
type Event struct {
	Seq         uint64         `json:"seq"`
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	Time        time.Time      `json:"time"`
	JobID       string         `json:"jobId,omitempty"`
	IngestionID string         `json:"ingestionId,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Origin      string         `json:"origin,omitempty"`
}

// Publisher is the narrow view producers depend on.
type Publisher interface {
	Publish(ev Event) Event
}

// Filter selects events for a subscription. Zero value matches everything.
type Filter struct {
	JobID       string
	IngestionID string
	Types       []Type
}

func (f Filter) Match(ev Event) bool {
	if ev.Type == TypeGap {
		return true
	}
	if f.JobID != "" && ev.JobID != f.JobID {
		return false
	}
	if f.IngestionID != "" && ev.IngestionID != f.IngestionID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == ev.Type {
			return true
		}
	}
	return false
}

// Discard drops everything. Handy for tests and for components wired without a hub.
type Discard struct{}

func (Discard) Publish(ev Event) Event { return ev }
