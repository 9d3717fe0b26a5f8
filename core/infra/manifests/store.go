// Package manifests persists ingestion manifests.
package manifests

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/cordum/ragops/core/infra/apierr"
	"github.com/cordum/ragops/core/ingest"
)

// ErrNotFound indicates no manifest was saved for the ingestion.
var ErrNotFound = apierr.New(apierr.KindNotFound, "MANIFEST_NOT_FOUND", "manifest not found")

// MemoryStore keeps manifests in process.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]ingest.Manifest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]ingest.Manifest)}
}

func (s *MemoryStore) Save(ctx context.Context, m ingest.Manifest) error {
	if err := validate(m); err != nil {
		return err
	}
	m.Entries = slices.Clone(m.Entries)
	s.mu.Lock()
	s.items[m.IngestionID] = m
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, ingestionID string) (ingest.Manifest, error) {
	s.mu.RLock()
	m, ok := s.items[ingestionID]
	s.mu.RUnlock()
	if !ok {
		return ingest.Manifest{}, ErrNotFound.WithDetails(map[string]any{"ingestionId": ingestionID})
	}
	m.Entries = slices.Clone(m.Entries)
	return m, nil
}

// ListByTenant returns ingestion ids with a saved manifest, newest first.
func (s *MemoryStore) ListByTenant(ctx context.Context, tenant string, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	matched := make([]ingest.Manifest, 0)
	for _, m := range s.items {
		if m.Tenant == tenant {
			matched = append(matched, m)
		}
	}
	s.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].IngestionID > matched[j].IngestionID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if int64(len(matched)) > limit {
		matched = matched[:limit]
	}
	ids := make([]string, len(matched))
	for i, m := range matched {
		ids[i] = m.IngestionID
	}
	return ids, nil
}

func validate(m ingest.Manifest) error {
	if m.IngestionID == "" {
		return apierr.Validation("manifest requires ingestion id", nil)
	}
	return nil
}
