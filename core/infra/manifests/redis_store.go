package manifests

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/ragops/core/infra/redisutil"
	"github.com/cordum/ragops/core/ingest"
)

const (
	defaultRedisURL   = "redis://localhost:6379"
	manifestKeyPrefix = "ragops:manifest:"
	tenantIndexPrefix = "ragops:manifest:tenant:"
	envManifestTTL    = "MANIFEST_TTL"
	opTimeout         = 2 * time.Second
)

// RedisStore keeps manifests as JSON documents with a per-tenant index.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore connects to Redis. MANIFEST_TTL (a duration) bounds retention; unset keeps forever.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	client, err := redisutil.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	var ttl time.Duration
	if raw := strings.TrimSpace(os.Getenv(envManifestTTL)); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			ttl = d
		}
	}
	return NewRedisStoreWithClient(client, ttl), nil
}

func NewRedisStoreWithClient(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Save upserts the manifest and indexes it under its tenant.
func (s *RedisStore) Save(ctx context.Context, m ingest.Manifest) error {
	if err := validate(m); err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
	defer cancel()
	pipe := s.client.TxPipeline()
	pipe.Set(cctx, manifestKey(m.IngestionID), payload, s.ttl)
	if m.Tenant != "" {
		pipe.ZAdd(cctx, tenantIndexKey(m.Tenant), redis.Z{Score: float64(m.CreatedAt.UnixMilli()), Member: m.IngestionID})
	}
	_, err = pipe.Exec(cctx)
	return err
}

func (s *RedisStore) Load(ctx context.Context, ingestionID string) (ingest.Manifest, error) {
	data, err := s.client.Get(ctx, manifestKey(ingestionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ingest.Manifest{}, ErrNotFound.WithDetails(map[string]any{"ingestionId": ingestionID})
	}
	if err != nil {
		return ingest.Manifest{}, err
	}
	var m ingest.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return ingest.Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}

// ListByTenant returns ingestion ids with a saved manifest, newest first.
// Ids whose manifest expired are dropped from the index as they are found.
func (s *RedisStore) ListByTenant(ctx context.Context, tenant string, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, tenantIndexKey(tenant), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return ids, nil
	}
	pipe := s.client.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, manifestKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for i, id := range ids {
		if exists[i].Val() == 0 {
			_ = s.client.ZRem(ctx, tenantIndexKey(tenant), id).Err()
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func manifestKey(id string) string {
	return manifestKeyPrefix + id
}

func tenantIndexKey(tenant string) string {
	return tenantIndexPrefix + tenant
}
