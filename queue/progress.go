package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// JobProgress is a point-in-time snapshot of one job's fan-out.
type JobProgress struct {
	JobID     int64     `json:"job_id"`
	Done      int       `json:"done"`
	Total     int       `json:"total"`
	UpdatedAt time.Time `json:"updated_at"`
}

// progressTTL keeps stale snapshots from accumulating in Redis.
const progressTTL = 24 * time.Hour

// ProgressTracker stores job progress snapshots in Redis so the serving
// layer can poll fan-out status without hitting the store.
type ProgressTracker struct {
	redis *redis.Client
}

// NewProgressTracker creates a tracker over the configured Redis instance.
func NewProgressTracker(cfg Config) *ProgressTracker {
	return &ProgressTracker{
		redis: redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		}),
	}
}

func progressKey(jobID int64) string {
	return fmt.Sprintf("job_progress:%d", jobID)
}

// Set records a snapshot for a job.
func (t *ProgressTracker) Set(ctx context.Context, p JobProgress) error {
	p.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding progress: %w", err)
	}
	if err := t.redis.Set(ctx, progressKey(p.JobID), data, progressTTL).Err(); err != nil {
		return fmt.Errorf("saving progress: %w", err)
	}
	return nil
}

// Get returns the latest snapshot for a job, or nil when none exists.
func (t *ProgressTracker) Get(ctx context.Context, jobID int64) (*JobProgress, error) {
	data, err := t.redis.Get(ctx, progressKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading progress: %w", err)
	}
	var p JobProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding progress: %w", err)
	}
	return &p, nil
}

// Close releases the tracker's Redis connection.
func (t *ProgressTracker) Close() error {
	return t.redis.Close()
}
