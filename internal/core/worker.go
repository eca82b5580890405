package core

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"gwi.com/chat-insights/internal/logger"
	"gwi.com/chat-insights/internal/queue"
)

const (
	defaultWorkerConcurrency = 4
	defaultPurgeInterval     = time.Hour
	dequeueBackoff           = time.Second
)

// TaskHandler is what the worker dispatches queued tasks to.
type TaskHandler interface {
	RunAnalysis(ctx context.Context, triggerID string) error
	DeleteFiles(ctx context.Context, userID, fileAnalysisID string) error
	PurgeExpiredTriggers(ctx context.Context) (int64, error)
}

type Worker struct {
	queue         queue.Queue
	handler       TaskHandler
	concurrency   int
	purgeInterval time.Duration
	log           *logger.Logger
}

func NewWorker(q queue.Queue, h TaskHandler, concurrency int, purgeInterval time.Duration, log *logger.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = defaultWorkerConcurrency
	}
	if purgeInterval <= 0 {
		purgeInterval = defaultPurgeInterval
	}
	return &Worker{queue: q, handler: h, concurrency: concurrency, purgeInterval: purgeInterval, log: log.With("component", "worker")}
}

// Run consumes tasks until ctx is done. A task is acknowledged once its
// handler returns, unless the handler was interrupted by shutdown.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", "concurrency", w.concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error { return w.consume(gctx) })
	}
	g.Go(func() error {
		w.purgeLoop(gctx)
		return nil
	})
	err := g.Wait()
	w.log.Info("worker stopped")
	return err
}

func (w *Worker) consume(ctx context.Context) error {
	for {
		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			w.log.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(dequeueBackoff):
			}
			continue
		}

		if err := w.Handle(ctx, d.Task); err != nil {
			w.log.Error("task failed", "taskId", d.Task.ID, "type", d.Task.Type, "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := w.queue.Ack(ctx, d); err != nil {
			w.log.Error("ack failed", "taskId", d.Task.ID, "error", err)
		}
	}
}

// Handle dispatches one task by type.
func (w *Worker) Handle(ctx context.Context, task queue.Task) error {
	switch task.Type {
	case queue.TaskRunAnalysis:
		return w.handler.RunAnalysis(ctx, task.TriggerID)
	case queue.TaskDeleteFiles:
		return w.handler.DeleteFiles(ctx, task.UserID, task.FileAnalysisID)
	default:
		w.log.Warn("unknown task type", "taskId", task.ID, "type", task.Type)
		return nil
	}
}

func (w *Worker) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(w.purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.handler.PurgeExpiredTriggers(ctx)
			if err != nil {
				w.log.Warn("purging expired triggers failed", "error", err)
			} else if n > 0 {
				w.log.Info("purged expired triggers", "count", n)
			}
		}
	}
}
