// Package queue is the Redis-backed task substrate for datacell
// processing: an asynq client dispatches cell IDs, an asynq server
// consumes them with at-least-once delivery, and a small Redis progress
// tracker exposes per-job done/total snapshots.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskTypeProcessCell is the asynq task type for one datacell.
const TaskTypeProcessCell = "datacell:process"

// cellPayload is the task body. Only the cell ID crosses the wire; the
// worker reloads everything else from the store, so a stale payload can
// never overwrite fresher state.
type cellPayload struct {
	CellID int64 `json:"cell_id"`
}

// Config configures the Redis connection and worker pool.
type Config struct {
	RedisAddr   string
	RedisDB     int
	Concurrency int
	MaxRetry    int
	TaskTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Concurrency == 0 {
		c.Concurrency = 8
	}
	if c.MaxRetry == 0 {
		c.MaxRetry = 3
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = 10 * time.Minute
	}
}

func (c *Config) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.RedisAddr, DB: c.RedisDB}
}

// Dispatcher enqueues datacell tasks.
type Dispatcher struct {
	client *asynq.Client
	cfg    Config
}

// NewDispatcher creates a dispatcher over the configured Redis instance.
func NewDispatcher(cfg Config) *Dispatcher {
	cfg.defaults()
	return &Dispatcher{
		client: asynq.NewClient(cfg.redisOpt()),
		cfg:    cfg,
	}
}

// EnqueueCell dispatches one datacell for processing. The task ID is
// derived from the cell ID so a cell enqueued twice (say by a retried
// orchestrator) dedups at the queue instead of racing two workers.
func (d *Dispatcher) EnqueueCell(ctx context.Context, cellID int64) error {
	payload, err := json.Marshal(cellPayload{CellID: cellID})
	if err != nil {
		return fmt.Errorf("encoding cell payload: %w", err)
	}

	task := asynq.NewTask(TaskTypeProcessCell, payload,
		asynq.TaskID(fmt.Sprintf("datacell:%d", cellID)),
		asynq.MaxRetry(d.cfg.MaxRetry),
		asynq.Timeout(d.cfg.TaskTimeout),
	)

	if _, err := d.client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueuing cell %d: %w", cellID, err)
	}
	return nil
}

// Close releases the dispatcher's Redis connection.
func (d *Dispatcher) Close() error {
	return d.client.Close()
}
