package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/ragops/core/controlplane/scheduler"
	"github.com/cordum/ragops/core/infra/redisutil"
)

const (
	defaultRedisURL      = "redis://localhost:6379"
	jobMetaKeyPrefix     = "ragops:job:meta:"
	jobEventsKeyPrefix   = "ragops:job:events:"
	jobStatusIndexPrefix = "ragops:job:index:"
	jobRecentKey         = "ragops:job:recent"
	recentJobsKept       = 1000
	envJobMetaTTL        = "JOB_META_TTL"
	envJobMetaTTLSeconds = "JOB_META_TTL_SECONDS"
)

var defaultJobMetaTTL = 7 * 24 * time.Hour

// ErrJobNotFound is returned when no journal entry exists for a job.
var ErrJobNotFound = errors.New("job not found in journal")

// RedisJobStore journals scheduler job records in Redis so operators can
// inspect history after a restart. It implements scheduler.JobStore.
type RedisJobStore struct {
	client  redis.UniversalClient
	metaTTL time.Duration
}

// NewRedisJobStore constructs a Redis-backed journal using a redis:// URL.
func NewRedisJobStore(url string) (*RedisJobStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := redisutil.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	return NewRedisJobStoreWithClient(client, metaTTLFromEnv()), nil
}

// NewRedisJobStoreWithClient wraps an existing client. ttl <= 0 keeps entries forever.
func NewRedisJobStoreWithClient(client redis.UniversalClient, ttl time.Duration) *RedisJobStore {
	return &RedisJobStore{client: client, metaTTL: ttl}
}

func metaTTLFromEnv() time.Duration {
	ttl := defaultJobMetaTTL
	if v := os.Getenv(envJobMetaTTLSeconds); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv(envJobMetaTTL); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			ttl = parsed
		}
	}
	return ttl
}

// PutJob records the latest view of a job and appends its status to the job's event list.
func (s *RedisJobStore) PutJob(ctx context.Context, job scheduler.Job) error {
	if job.ID == "" || job.Status == "" {
		return fmt.Errorf("invalid job id or status")
	}
	metaKey := jobMetaKey(job.ID)
	updated := job.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	score := float64(updated.UnixNano())

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := tx.HGet(ctx, metaKey, "status").Result()
		if err != nil && err != redis.Nil {
			return err
		}

		pipe := tx.TxPipeline()
		pipe.HSet(ctx, metaKey, jobFields(job))
		if prev != "" && prev != string(job.Status) {
			pipe.ZRem(ctx, statusIndexKey(scheduler.JobStatus(prev)), job.ID)
		}
		pipe.ZAdd(ctx, statusIndexKey(job.Status), redis.Z{Score: score, Member: job.ID})
		pipe.ZAdd(ctx, jobRecentKey, redis.Z{Score: score, Member: job.ID})
		pipe.ZRemRangeByRank(ctx, jobRecentKey, 0, -recentJobsKept-1)
		pipe.RPush(ctx, jobEventsKey(job.ID), fmt.Sprintf("%d|%s|%d", updated.UnixMilli(), job.Status, job.Attempt))
		if s.metaTTL > 0 {
			pipe.Expire(ctx, metaKey, s.metaTTL)
			pipe.Expire(ctx, jobEventsKey(job.ID), s.metaTTL)
		}
		_, execErr := pipe.Exec(ctx)
		return execErr
	}, metaKey)
}

// GetJob returns the last journaled view of a job.
func (s *RedisJobStore) GetJob(ctx context.Context, jobID string) (scheduler.Job, error) {
	meta, err := s.client.HGetAll(ctx, jobMetaKey(jobID)).Result()
	if err != nil {
		return scheduler.Job{}, err
	}
	if len(meta) == 0 {
		return scheduler.Job{}, fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
	}
	return jobFromFields(jobID, meta), nil
}

// ListRecentJobs returns the most recently updated jobs, newest first.
func (s *RedisJobStore) ListRecentJobs(ctx context.Context, limit int64) ([]scheduler.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, jobRecentKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	return s.loadJobs(ctx, ids)
}

// ListJobsByStatus returns jobs whose latest status is status, oldest update first.
func (s *RedisJobStore) ListJobsByStatus(ctx context.Context, status scheduler.JobStatus, limit int64) ([]scheduler.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRange(ctx, statusIndexKey(status), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	return s.loadJobs(ctx, ids)
}

// JobHistory returns the journaled status trail of a job, oldest first.
func (s *RedisJobStore) JobHistory(ctx context.Context, jobID string) ([]string, error) {
	return s.client.LRange(ctx, jobEventsKey(jobID), 0, -1).Result()
}

func (s *RedisJobStore) loadJobs(ctx context.Context, ids []string) ([]scheduler.Job, error) {
	out := make([]scheduler.Job, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	// Batch fetch metadata for each job to avoid N+1 round trips.
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, jobMetaKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	for i, id := range ids {
		meta, err := cmds[i].Result()
		if err != nil || len(meta) == 0 {
			continue
		}
		out = append(out, jobFromFields(id, meta))
	}
	return out, nil
}

// Ping checks the Redis connection.
func (s *RedisJobStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisJobStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func jobFields(job scheduler.Job) map[string]any {
	fields := map[string]any{
		"class":          job.Class,
		"status":         string(job.Status),
		"ingestion_id":   job.IngestionID,
		"attempt":        job.Attempt,
		"error":          job.Error,
		"stop_requested": string(job.StopRequested),
		"created_at":     formatTime(job.CreatedAt),
		"updated_at":     formatTime(job.UpdatedAt),
		"started_at":     "",
		"ended_at":       "",
	}
	if job.StartedAt != nil {
		fields["started_at"] = formatTime(*job.StartedAt)
	}
	if job.EndedAt != nil {
		fields["ended_at"] = formatTime(*job.EndedAt)
	}
	return fields
}

func jobFromFields(id string, meta map[string]string) scheduler.Job {
	attempt, _ := strconv.Atoi(meta["attempt"])
	job := scheduler.Job{
		ID:            id,
		Class:         meta["class"],
		Status:        scheduler.JobStatus(meta["status"]),
		IngestionID:   meta["ingestion_id"],
		Attempt:       attempt,
		Error:         meta["error"],
		StopRequested: scheduler.StopReason(meta["stop_requested"]),
		CreatedAt:     parseTime(meta["created_at"]),
		UpdatedAt:     parseTime(meta["updated_at"]),
	}
	if v := parseTime(meta["started_at"]); !v.IsZero() {
		job.StartedAt = &v
	}
	if v := parseTime(meta["ended_at"]); !v.IsZero() {
		job.EndedAt = &v
	}
	return job
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	if strings.TrimSpace(v) == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func jobMetaKey(jobID string) string {
	return jobMetaKeyPrefix + jobID
}

func jobEventsKey(jobID string) string {
	return jobEventsKeyPrefix + jobID
}

func statusIndexKey(status scheduler.JobStatus) string {
	return jobStatusIndexPrefix + strings.ToLower(string(status))
}
