package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	redisw "github.com/secflowhq/secflow/common/redis"
)

// DefaultWorkerConcurrency is how many runs one worker drives in parallel
const DefaultWorkerConcurrency = 8

const dispatchGroup = "run_workers"

// Dispatcher enqueues runs onto the task queue stream
type Dispatcher struct {
	redis  *redisw.Client
	stream string
	logger Logger
}

// NewDispatcher creates a dispatcher for the named task queue
func NewDispatcher(client *redisw.Client, taskQueue string, logger Logger) *Dispatcher {
	return &Dispatcher{redis: client, stream: taskQueue, logger: logger}
}

// Enqueue hands a created run to the worker pool
func (d *Dispatcher) Enqueue(ctx context.Context, runID string) error {
	if _, err := d.redis.AddToStream(ctx, d.stream, map[string]interface{}{
		"run_id": runID,
	}); err != nil {
		return fmt.Errorf("enqueue run %s: %w", runID, err)
	}
	d.logger.Debug("run enqueued", "run_id", runID, "stream", d.stream)
	return nil
}

// WorkerOpts configures a run worker
type WorkerOpts struct {
	Redis  *redisw.Client
	Engine *Engine
	Logger Logger

	// TaskQueue is the dispatch stream, named per environment
	TaskQueue string
	// Concurrency caps runs driven in parallel by this worker
	Concurrency int
}

// Worker consumes the task queue and drives each run's scheduler loop.
// Messages are acknowledged after the run reaches a terminal status, so a
// worker crash redelivers the run to a peer; replay-safe writes make the
// re-execution converge.
type Worker struct {
	redis    *redisw.Client
	engine   *Engine
	logger   Logger
	stream   string
	group    string
	consumer string
	sem      chan struct{}
}

// NewWorker creates a run worker
func NewWorker(opts *WorkerOpts) *Worker {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultWorkerConcurrency
	}
	return &Worker{
		redis:    opts.Redis,
		engine:   opts.Engine,
		logger:   opts.Logger,
		stream:   opts.TaskQueue,
		group:    dispatchGroup,
		consumer: fmt.Sprintf("run_worker_%s", uuid.New().String()[:8]),
		sem:      make(chan struct{}, concurrency),
	}
}

// Start begins consuming the task queue until the context is done
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("run worker starting",
		"stream", w.stream,
		"consumer_group", w.group,
		"consumer_name", w.consumer)

	if err := w.redis.CreateStreamGroup(ctx, w.stream, w.group); err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("run worker stopping")
			return nil
		default:
			if err := w.processNext(ctx); err != nil {
				w.logger.Error("failed to process dispatch message", "error", err)
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *Worker) processNext(ctx context.Context) error {
	streams, err := w.redis.ReadFromStreamGroup(ctx, w.group, w.consumer, w.stream, 1, 5*time.Second)
	if err != nil {
		return err
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			runID, ok := message.Values["run_id"].(string)
			if !ok || runID == "" {
				w.logger.Error("dispatch message missing run_id", "message_id", message.ID)
				if err := w.redis.AckStreamMessage(ctx, w.stream, w.group, message.ID); err != nil {
					w.logger.Error("failed to ACK malformed message", "message_id", message.ID, "error", err)
				}
				continue
			}

			select {
			case w.sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}

			messageID := message.ID
			go func() {
				defer func() { <-w.sem }()

				w.logger.Info("driving run", "run_id", runID, "message_id", messageID)
				if err := w.engine.Execute(ctx, runID); err != nil {
					w.logger.Error("run execution failed", "run_id", runID, "error", err)
				}
				if err := w.redis.AckStreamMessage(ctx, w.stream, w.group, messageID); err != nil {
					w.logger.Error("failed to ACK message", "message_id", messageID, "error", err)
				}
			}()
		}
	}
	return nil
}
