package tracebus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/secflowhq/secflow/common/metrics"
	"github.com/secflowhq/secflow/common/model"
	"github.com/secflowhq/secflow/store"
)

// LivePublisher mirrors appended events to an external live channel (the
// Redis Pub/Sub fanout). Failures there never fail the append.
type LivePublisher interface {
	PublishEvent(ctx context.Context, channel string, message []byte) error
}

// Recorder is the single write path for trace events: append to the store
// (which assigns the monotonic ids), then fan out on the bus in the same
// order. Appends for one run are serialised so no reader can observe a
// reordering between store and bus.
type Recorder struct {
	store   store.Store
	bus     *Bus
	live    LivePublisher
	logger  Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	runs map[string]*sync.Mutex
}

// NewRecorder creates a recorder over a store and bus. live may be nil.
func NewRecorder(st store.Store, bus *Bus, live LivePublisher, logger Logger) *Recorder {
	return &Recorder{
		store:  st,
		bus:    bus,
		live:   live,
		logger: logger,
		runs:   make(map[string]*sync.Mutex),
	}
}

// WithMetrics attaches a metrics sink and returns the recorder
func (r *Recorder) WithMetrics(m *metrics.Metrics) *Recorder {
	r.metrics = m
	return r
}

// LiveChannel names the external live channel for a run
func LiveChannel(runID string) string {
	return fmt.Sprintf("run:%s:events", runID)
}

// Record appends events and publishes them live. Either every event in the
// batch is persisted or none.
func (r *Recorder) Record(ctx context.Context, runID string, events ...*model.TraceEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	lock := r.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	cursor, err := r.store.AppendEvents(ctx, runID, events)
	if err != nil {
		return 0, fmt.Errorf("append trace events: %w", err)
	}
	if r.metrics != nil {
		r.metrics.EventsAppended.Add(float64(len(events)))
	}
	r.bus.Publish(runID, events...)

	if r.live != nil {
		for _, ev := range events {
			encoded, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := r.live.PublishEvent(ctx, LiveChannel(runID), encoded); err != nil && r.logger != nil {
				r.logger.Warn("live event publish failed", "run_id", runID, "event_id", ev.ID, "error", err)
			}
		}
	}
	return cursor, nil
}

// CloseRun releases per-run state after a terminal status
func (r *Recorder) CloseRun(runID string) {
	r.bus.CloseRun(runID)

	r.mu.Lock()
	delete(r.runs, runID)
	r.mu.Unlock()
}

func (r *Recorder) runLock(runID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.runs[runID]
	if !ok {
		lock = &sync.Mutex{}
		r.runs[runID] = lock
	}
	return lock
}
