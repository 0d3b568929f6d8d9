package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// CellProcessor runs the per-cell pipeline. The engine implements it.
type CellProcessor interface {
	ProcessCell(ctx context.Context, cellID int64) error
}

// Worker consumes datacell tasks from Redis and runs them through the
// processor. Delivery is at-least-once; the processor's terminal-state
// guards make redelivery a no-op.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor CellProcessor
}

// NewWorker creates a worker pool over the configured Redis instance.
func NewWorker(cfg Config, processor CellProcessor) *Worker {
	cfg.defaults()

	server := asynq.NewServer(cfg.redisOpt(), asynq.Config{
		Concurrency: cfg.Concurrency,
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			return time.Duration(n) * 30 * time.Second
		},
		Logger: slogAdapter{},
	})

	w := &Worker{
		server:    server,
		mux:       asynq.NewServeMux(),
		processor: processor,
	}
	w.mux.HandleFunc(TaskTypeProcessCell, w.handleProcessCell)
	return w
}

// Run starts the worker pool and blocks until Shutdown.
func (w *Worker) Run() error {
	return w.server.Run(w.mux)
}

// Shutdown drains in-flight tasks and stops the pool.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
}

func (w *Worker) handleProcessCell(ctx context.Context, task *asynq.Task) error {
	var p cellPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		// Malformed payloads cannot succeed on retry.
		return fmt.Errorf("decoding cell payload: %v: %w", err, asynq.SkipRetry)
	}

	slog.Debug("worker: processing cell", "cell", p.CellID)
	if err := w.processor.ProcessCell(ctx, p.CellID); err != nil {
		// Infrastructure errors (store unreachable, cell not yet visible)
		// are worth a redelivery; pipeline failures were already recorded
		// on the cell and never reach here.
		return fmt.Errorf("processing cell %d: %w", p.CellID, err)
	}
	return nil
}

// slogAdapter bridges asynq's logger interface onto slog.
type slogAdapter struct{}

func (slogAdapter) Debug(args ...any) { slog.Debug(fmt.Sprint(args...)) }
func (slogAdapter) Info(args ...any)  { slog.Info(fmt.Sprint(args...)) }
func (slogAdapter) Warn(args ...any)  { slog.Warn(fmt.Sprint(args...)) }
func (slogAdapter) Error(args ...any) { slog.Error(fmt.Sprint(args...)) }
func (slogAdapter) Fatal(args ...any) { slog.Error(fmt.Sprint(args...)) }
