package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/secflowhq/secflow/common/model"
)

// MemoryStore is the in-process Store implementation. It backs tests and
// single-node deployments; the Postgres implementation carries the same
// semantics for production.
type MemoryStore struct {
	mu sync.RWMutex

	runs    map[string]*model.Run
	nodeIO  map[string]map[string][]*model.NodeIO // runID -> nodeRef -> attempts
	events  map[string][]*model.TraceEvent
	cursors map[string]int64

	idempotency map[string]idempotencyEntry
	window      time.Duration

	versions map[string]map[string]*versionEntry // workflowID -> versionID
	latest   map[string]string                   // workflowID -> versionID

	spiller *Spiller
	now     func() time.Time
}

type idempotencyEntry struct {
	runID     string
	createdAt time.Time
}

type versionEntry struct {
	version int
	def     *model.Definition
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithSpiller installs a payload spiller
func WithSpiller(s *Spiller) MemoryOption {
	return func(m *MemoryStore) { m.spiller = s }
}

// WithIdempotencyWindow overrides the deduplication window
func WithIdempotencyWindow(d time.Duration) MemoryOption {
	return func(m *MemoryStore) { m.window = d }
}

// WithClock overrides the time source, for tests
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		runs:        make(map[string]*model.Run),
		nodeIO:      make(map[string]map[string][]*model.NodeIO),
		events:      make(map[string][]*model.TraceEvent),
		cursors:     make(map[string]int64),
		idempotency: make(map[string]idempotencyEntry),
		window:      DefaultIdempotencyWindow,
		versions:    make(map[string]map[string]*versionEntry),
		latest:      make(map[string]string),
		spiller:     NewSpiller(nil, DefaultSpillThreshold),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateRun creates a run, deduplicating by idempotency key within the window
func (m *MemoryStore) CreateRun(ctx context.Context, req *CreateRunRequest) (*model.Run, error) {
	if len(req.IdempotencyKey) > MaxIdempotencyKeyLength {
		return nil, ErrIdempotencyKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if req.IdempotencyKey != "" {
		if entry, ok := m.idempotency[req.IdempotencyKey]; ok {
			if now.Sub(entry.createdAt) <= m.window {
				if existing, ok := m.runs[entry.runID]; ok {
					return cloneRun(existing), nil
				}
			}
			delete(m.idempotency, req.IdempotencyKey)
		}
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	if existing, ok := m.runs[runID]; ok {
		// Re-submission with an explicit run id is idempotent too
		return cloneRun(existing), nil
	}

	run := &model.Run{
		RunID:             runID,
		WorkflowID:        req.WorkflowID,
		WorkflowVersionID: req.WorkflowVersionID,
		WorkflowVersion:   req.WorkflowVersion,
		Status:            model.RunQueued,
		StartedAt:         now,
		UpdatedAt:         now,
		TriggerType:       req.TriggerType,
		TriggerSource:     req.TriggerSource,
		TriggerLabel:      req.TriggerLabel,
		ParentRunID:       req.ParentRunID,
		ParentNodeRef:     req.ParentNodeRef,
		Inputs:            req.Inputs,
		NodeOverrides:     req.NodeOverrides,
		Progress:          model.Progress{TotalActions: req.TotalActions},
	}
	m.runs[runID] = run
	if req.IdempotencyKey != "" {
		m.idempotency[req.IdempotencyKey] = idempotencyEntry{runID: runID, createdAt: now}
	}
	return cloneRun(run), nil
}

// GetRun returns a run by id
func (m *MemoryStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return cloneRun(run), nil
}

// UpdateRunStatus updates the run status; terminal statuses set completedAt
func (m *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, failure *model.Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	now := m.now()
	run.Status = status
	run.UpdatedAt = now
	if failure != nil {
		run.Failure = failure
	}
	if status.Terminal() && run.CompletedAt == nil {
		completed := now
		run.CompletedAt = &completed
	}
	return nil
}

// UpdateRunProgress records resolved-action progress
func (m *MemoryStore) UpdateRunProgress(ctx context.Context, runID string, completedActions int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	run.Progress.CompletedActions = completedActions
	run.UpdatedAt = m.now()
	return nil
}

// ListRuns filters runs, most recent first
func (m *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*model.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = MaxListLimit
	}
	if limit > MaxListLimit {
		return nil, ErrLimitOutOfRange
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Run
	for _, run := range m.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.ParentRunID != "" && run.ParentRunID != filter.ParentRunID {
			continue
		}
		if filter.TriggerType != "" && run.TriggerType != filter.TriggerType {
			continue
		}
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].StartedAt.Equal(out[b].StartedAt) {
			return out[a].RunID < out[b].RunID
		}
		return out[a].StartedAt.After(out[b].StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertNodeIO persists a node attempt record, spilling oversized payloads.
// Re-writing the same (runId, nodeRef, attempt) replaces the record.
func (m *MemoryStore) UpsertNodeIO(ctx context.Context, rec *model.NodeIO) error {
	stored := *rec

	if rec.Inputs != nil && !rec.InputsSpilled {
		var payload map[string]any
		if err := json.Unmarshal(rec.Inputs, &payload); err == nil {
			key := SpillKey(rec.RunID, rec.NodeRef, rec.Attempt, "inputs")
			inline, size, spilled, ref, err := m.spiller.Offload(ctx, key, payload)
			if err != nil {
				return err
			}
			stored.Inputs, stored.InputsSize, stored.InputsSpilled, stored.InputsRef = inline, size, spilled, ref
		}
	}
	if rec.Outputs != nil && !rec.OutputsSpilled {
		var payload map[string]any
		if err := json.Unmarshal(rec.Outputs, &payload); err == nil {
			key := SpillKey(rec.RunID, rec.NodeRef, rec.Attempt, "outputs")
			inline, size, spilled, ref, err := m.spiller.Offload(ctx, key, payload)
			if err != nil {
				return err
			}
			stored.Outputs, stored.OutputsSize, stored.OutputsSpilled, stored.OutputsRef = inline, size, spilled, ref
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byRef, ok := m.nodeIO[rec.RunID]
	if !ok {
		byRef = make(map[string][]*model.NodeIO)
		m.nodeIO[rec.RunID] = byRef
	}
	attempts := byRef[rec.NodeRef]
	for i, existing := range attempts {
		if existing.Attempt == rec.Attempt {
			attempts[i] = &stored
			return nil
		}
	}
	byRef[rec.NodeRef] = append(attempts, &stored)
	return nil
}

// GetNodeIO returns the latest attempt record for a node
func (m *MemoryStore) GetNodeIO(ctx context.Context, runID, nodeRef string) (*model.NodeIO, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	attempts := m.nodeIO[runID][nodeRef]
	if len(attempts) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNodeIONotFound, runID, nodeRef)
	}
	latest := attempts[0]
	for _, rec := range attempts[1:] {
		if rec.Attempt > latest.Attempt {
			latest = rec
		}
	}
	out := *latest
	return &out, nil
}

// ResolveNodeIO loads spilled payloads back into the record
func (m *MemoryStore) ResolveNodeIO(ctx context.Context, rec *model.NodeIO, maxSize int) error {
	if rec.InputsSpilled {
		data, err := m.spiller.Resolve(ctx, rec.Inputs, true, rec.InputsRef, maxSize)
		if err != nil {
			return err
		}
		rec.Inputs = data
	}
	if rec.OutputsSpilled {
		data, err := m.spiller.Resolve(ctx, rec.Outputs, true, rec.OutputsRef, maxSize)
		if err != nil {
			return err
		}
		rec.Outputs = data
	}
	return nil
}

// AppendEvents atomically appends events with gap-free monotonic ids
func (m *MemoryStore) AppendEvents(ctx context.Context, runID string, events []*model.TraceEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cursor := m.cursors[runID]
	appended := make([]*model.TraceEvent, 0, len(events))
	for _, ev := range events {
		cursor++
		copied := *ev
		copied.ID = cursor
		copied.RunID = runID
		if copied.Timestamp.IsZero() {
			copied.Timestamp = m.now()
		}
		appended = append(appended, &copied)
		// Callers observe the assigned id
		ev.ID = copied.ID
		ev.RunID = runID
		ev.Timestamp = copied.Timestamp
	}
	m.events[runID] = append(m.events[runID], appended...)
	m.cursors[runID] = cursor
	return cursor, nil
}

// ListEvents returns events with id > fromCursor, in id order
func (m *MemoryStore) ListEvents(ctx context.Context, runID string, fromCursor int64, limit int) (*EventPage, error) {
	if limit <= 0 {
		limit = MaxListLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.events[runID]
	// Events are stored in id order; ids start at 1
	start := int(fromCursor)
	if start < 0 {
		start = 0
	}
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := &EventPage{NextCursor: fromCursor}
	for _, ev := range all[start:end] {
		copied := *ev
		page.Events = append(page.Events, &copied)
		page.NextCursor = ev.ID
	}
	return page, nil
}

// PutWorkflowVersion commits an immutable workflow version
func (m *MemoryStore) PutWorkflowVersion(ctx context.Context, workflowID, versionID string, version int, def *model.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byVersion, ok := m.versions[workflowID]
	if !ok {
		byVersion = make(map[string]*versionEntry)
		m.versions[workflowID] = byVersion
	}
	if _, exists := byVersion[versionID]; exists {
		return fmt.Errorf("workflow version %s/%s already committed", workflowID, versionID)
	}
	byVersion[versionID] = &versionEntry{version: version, def: def}
	if current, ok := m.latest[workflowID]; !ok || byVersion[current].version < version {
		m.latest[workflowID] = versionID
	}
	return nil
}

// GetWorkflowVersion loads a specific committed version
func (m *MemoryStore) GetWorkflowVersion(ctx context.Context, workflowID, versionID string) (*model.Definition, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.versions[workflowID][versionID]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s/%s", ErrVersionNotFound, workflowID, versionID)
	}
	return entry.def, entry.version, nil
}

// GetWorkflowVersionByNumber resolves a committed version by its number
func (m *MemoryStore) GetWorkflowVersionByNumber(ctx context.Context, workflowID string, version int) (*model.Definition, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for versionID, entry := range m.versions[workflowID] {
		if entry.version == version {
			return entry.def, versionID, nil
		}
	}
	return nil, "", fmt.Errorf("%w: %s version %d", ErrVersionNotFound, workflowID, version)
}

// GetLatestWorkflowVersion loads the highest committed version
func (m *MemoryStore) GetLatestWorkflowVersion(ctx context.Context, workflowID string) (*model.Definition, string, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versionID, ok := m.latest[workflowID]
	if !ok {
		return nil, "", 0, fmt.Errorf("%w: %s", ErrVersionNotFound, workflowID)
	}
	entry := m.versions[workflowID][versionID]
	return entry.def, versionID, entry.version, nil
}

func cloneRun(run *model.Run) *model.Run {
	out := *run
	if run.CompletedAt != nil {
		completed := *run.CompletedAt
		out.CompletedAt = &completed
	}
	return &out
}
