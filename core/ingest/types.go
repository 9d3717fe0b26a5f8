package ingest

import (
	"context"
	"strings"
	"time"
)

// State captures the lifecycle of an ingestion. States travel in upper snake
// case, matching the scheduler's job statuses; ParseState also accepts the
// camel case names (RolledBack, InProgress).
type State string

const (
	StatePending    State = "PENDING"
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateRolledBack State = "ROLLED_BACK"
)

// AllStates lists states in lifecycle order.
var AllStates = []State{StatePending, StateInProgress, StateCompleted, StateFailed, StateRolledBack}

// ParseState maps any casing of a state name onto its State, so "RolledBack",
// "rolled_back" and "ROLLED_BACK" are the same state.
func ParseState(raw string) (State, bool) {
	norm := strings.ToUpper(strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.TrimSpace(raw)))
	for _, st := range AllStates {
		if strings.ReplaceAll(string(st), "_", "") == norm {
			return st, true
		}
	}
	return "", false
}

// Phase names a pipeline stage.
type Phase string

const (
	PhaseNone     Phase = "none"
	PhaseResolve  Phase = "resolve"
	PhaseChunk    Phase = "chunk"
	PhaseEmbed    Phase = "embed"
	PhaseIndex    Phase = "index"
	PhaseSnapshot Phase = "snapshot"
)

// Pipeline is the fixed stage order.
var Pipeline = []Phase{PhaseResolve, PhaseChunk, PhaseEmbed, PhaseIndex, PhaseSnapshot}

// StageStatus captures the outcome of one stage attempt.
type StageStatus string

const (
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// Input references content to ingest: inline text or a fetchable ref.
type Input struct {
	Type     string            `json:"type"`
	Content  string            `json:"content,omitempty"`
	Ref      string            `json:"ref,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Request asks for a set of inputs to be absorbed into a tenant's index.
type Request struct {
	Tenant string  `json:"tenant"`
	Inputs []Input `json:"inputs"`
}

// ResolvedSource is fetched content ready for chunking.
type ResolvedSource struct {
	Ref         string            `json:"ref"`
	ContentType string            `json:"contentType,omitempty"`
	Content     string            `json:"-"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Chunk is a bounded-size segment of a source. Seq is assigned by the
// orchestrator and is unique within an ingestion.
type Chunk struct {
	Seq    int    `json:"seq"`
	Source string `json:"source"`
	Offset int    `json:"offset"`
	Text   string `json:"text"`
}

// ManifestEntry records one produced chunk.
type ManifestEntry struct {
	Seq      int    `json:"seq"`
	ChunkRef string `json:"chunkRef"`
	Checksum string `json:"checksum"`
	Source   string `json:"source"`
	Size     int    `json:"size"`
}

// Manifest is the ordered record of chunks an ingestion produced.
type Manifest struct {
	IngestionID string          `json:"ingestionId"`
	Tenant      string          `json:"tenant"`
	Entries     []ManifestEntry `json:"entries"`
	SnapshotRef string          `json:"snapshotRef,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// PhaseRecord is one entry of an ingestion's stage history.
type PhaseRecord struct {
	Phase      Phase       `json:"phase"`
	Status     StageStatus `json:"status"`
	Attempt    int         `json:"attempt"`
	StartedAt  time.Time   `json:"startedAt"`
	EndedAt    *time.Time  `json:"endedAt,omitempty"`
	DurationMs int64       `json:"durationMs,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Context is the tracked state of one ingestion. Values returned by the
// orchestrator are copies.
type Context struct {
	ID               string          `json:"ingestionId"`
	Tenant           string          `json:"tenant"`
	State            State           `json:"state"`
	Phase            Phase           `json:"phase"`
	JobID            string          `json:"jobId,omitempty"`
	Error            string          `json:"error,omitempty"`
	Inputs           int             `json:"inputs"`
	Manifest         []ManifestEntry `json:"-"`
	SnapshotRef      string          `json:"snapshotRef,omitempty"`
	PriorSnapshotRef string          `json:"priorSnapshotRef,omitempty"`
	Phases           []PhaseRecord   `json:"-"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Decision is a SafetyGate verdict.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	RuleID  string `json:"ruleId,omitempty"`
}

// SourceResolver turns an input reference into fetchable content.
type SourceResolver interface {
	Resolve(ctx context.Context, in Input) (ResolvedSource, error)
}

// Chunker splits content into ordered chunks of at most maxSize bytes.
type Chunker interface {
	Chunk(ctx context.Context, content string, maxSize int) ([]Chunk, error)
}

// Embedder computes a vector for a chunk.
type Embedder interface {
	Embed(ctx context.Context, chunk Chunk) ([]float32, error)
}

// VectorIndex stores vectors tagged by tenant and ingestion and can capture
// and restore tenant-level snapshots.
type VectorIndex interface {
	Upsert(ctx context.Context, tenant, ingestionID string, chunk Chunk, vector []float32, meta map[string]string) error
	Snapshot(ctx context.Context, tenant string) (string, error)
	RestoreSnapshot(ctx context.Context, ref string) error
	DeleteIngestion(ctx context.Context, tenant, ingestionID string) error
}

// ManifestStore persists manifests.
type ManifestStore interface {
	Save(ctx context.Context, m Manifest) error
	Load(ctx context.Context, ingestionID string) (Manifest, error)
}

// SafetyGate is an optional content moderation hook.
type SafetyGate interface {
	Check(ctx context.Context, content string) (Decision, error)
}

// Metrics captures pipeline timings.
type Metrics interface {
	ObserveStage(stage, outcome string, durationSeconds float64)
	IncIngestions(state string)
}
