// Package vectorindex provides an in-process VectorIndex with tenant-level
// snapshots. It keeps every vector in memory and is meant for single-node
// deployments and tests.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/cordum/ragops/core/ingest"
)

var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrInvalidVector    = errors.New("vector must not be empty")
)

// Record is one stored vector.
type Record struct {
	Tenant      string
	IngestionID string
	Chunk       ingest.Chunk
	Vector      []float32
	Meta        map[string]string
}

type snapshot struct {
	tenant  string
	records map[string]Record
}

// Memory is a map-backed index. Records are immutable once stored, so
// snapshots share them and only copy the per-tenant map.
type Memory struct {
	mu        sync.RWMutex
	tenants   map[string]map[string]Record
	snapshots map[string]snapshot
	order     []string
	seq       uint64
	// maxSnapshots bounds retained snapshots; oldest are evicted first.
	maxSnapshots int
}

func NewMemory(maxSnapshots int) *Memory {
	return &Memory{
		tenants:      make(map[string]map[string]Record),
		snapshots:    make(map[string]snapshot),
		maxSnapshots: maxSnapshots,
	}
}

func recordKey(ingestionID string, seq int) string {
	return ingest.ChunkRef(ingestionID, seq)
}

func (m *Memory) Upsert(ctx context.Context, tenant, ingestionID string, chunk ingest.Chunk, vector []float32, meta map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tenant == "" || ingestionID == "" {
		return fmt.Errorf("tenant and ingestion id required")
	}
	if len(vector) == 0 {
		return ErrInvalidVector
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	recs, ok := m.tenants[tenant]
	if !ok {
		recs = make(map[string]Record)
		m.tenants[tenant] = recs
	}
	recs[recordKey(ingestionID, chunk.Seq)] = Record{
		Tenant:      tenant,
		IngestionID: ingestionID,
		Chunk:       chunk,
		Vector:      slices.Clone(vector),
		Meta:        maps.Clone(meta),
	}
	return nil
}

// Snapshot captures the tenant's current records and returns a restorable ref.
func (m *Memory) Snapshot(ctx context.Context, tenant string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	ref := fmt.Sprintf("mem:%s:%d", tenant, m.seq)
	m.snapshots[ref] = snapshot{tenant: tenant, records: maps.Clone(m.tenants[tenant])}
	m.order = append(m.order, ref)
	if m.maxSnapshots > 0 {
		for len(m.order) > m.maxSnapshots {
			delete(m.snapshots, m.order[0])
			m.order = m.order[1:]
		}
	}
	return ref, nil
}

// RestoreSnapshot replaces the snapshot's tenant records with the captured ones.
func (m *Memory) RestoreSnapshot(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[ref]
	if !ok {
		return fmt.Errorf("%s: %w", ref, ErrSnapshotNotFound)
	}
	restored := maps.Clone(snap.records)
	if restored == nil {
		restored = make(map[string]Record)
	}
	m.tenants[snap.tenant] = restored
	return nil
}

// DeleteIngestion removes every record written by the ingestion.
func (m *Memory) DeleteIngestion(ctx context.Context, tenant, ingestionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := ingestionID + "/"
	for key := range m.tenants[tenant] {
		if strings.HasPrefix(key, prefix) {
			delete(m.tenants[tenant], key)
		}
	}
	return nil
}

// Count returns the number of records stored for tenant.
func (m *Memory) Count(tenant string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tenants[tenant])
}

// Records lists the tenant's records ordered by ingestion and chunk sequence.
func (m *Memory) Records(tenant string) []Record {
	m.mu.RLock()
	out := make([]Record, 0, len(m.tenants[tenant]))
	for _, r := range m.tenants[tenant] {
		r.Vector = slices.Clone(r.Vector)
		r.Meta = maps.Clone(r.Meta)
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].IngestionID != out[j].IngestionID {
			return out[i].IngestionID < out[j].IngestionID
		}
		return out[i].Chunk.Seq < out[j].Chunk.Seq
	})
	return out
}
