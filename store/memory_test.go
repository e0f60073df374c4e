package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secflowhq/secflow/common/model"
)

// fakeBlobs is an in-memory BlobStore for spill tests
type fakeBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{data: make(map[string][]byte)}
}

func (f *fakeBlobs) Put(ctx context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = data
	return nil
}

func (f *fakeBlobs) Get(ctx context.Context, key string, maxSize int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[key]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", key)
	}
	if maxSize > 0 && len(data) > maxSize {
		return nil, ErrPayloadTooLarge
	}
	return data, nil
}

func TestCreateRunIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	st := NewMemoryStore(WithClock(func() time.Time { return *clock }))

	first, err := st.CreateRun(ctx, &CreateRunRequest{
		WorkflowID:     "wf-1",
		IdempotencyKey: "submit-1",
		TotalActions:   3,
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunQueued, first.Status)
	assert.Equal(t, 3, first.Progress.TotalActions)

	// Same key within the window returns the existing run
	second, err := st.CreateRun(ctx, &CreateRunRequest{
		WorkflowID:     "wf-1",
		IdempotencyKey: "submit-1",
	})
	require.NoError(t, err)
	assert.Equal(t, first.RunID, second.RunID)

	// After the window expires the key creates a fresh run
	expired := now.Add(DefaultIdempotencyWindow + time.Minute)
	clock = &expired
	third, err := st.CreateRun(ctx, &CreateRunRequest{
		WorkflowID:     "wf-1",
		IdempotencyKey: "submit-1",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, third.RunID)

	// Oversized keys are rejected
	_, err = st.CreateRun(ctx, &CreateRunRequest{
		WorkflowID:     "wf-1",
		IdempotencyKey: strings.Repeat("k", MaxIdempotencyKeyLength+1),
	})
	assert.ErrorIs(t, err, ErrIdempotencyKey)
}

func TestCreateRunExplicitIDIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	first, err := st.CreateRun(ctx, &CreateRunRequest{RunID: "run-1", WorkflowID: "wf-1"})
	require.NoError(t, err)
	second, err := st.CreateRun(ctx, &CreateRunRequest{RunID: "run-1", WorkflowID: "wf-1"})
	require.NoError(t, err)
	assert.Equal(t, first.RunID, second.RunID)
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	run, err := st.CreateRun(ctx, &CreateRunRequest{WorkflowID: "wf-1", TotalActions: 2})
	require.NoError(t, err)

	require.NoError(t, st.UpdateRunStatus(ctx, run.RunID, model.RunRunning, nil))
	require.NoError(t, st.UpdateRunProgress(ctx, run.RunID, 2))
	require.NoError(t, st.UpdateRunStatus(ctx, run.RunID, model.RunFailed, &model.Failure{Reason: "scan exploded"}))

	got, err := st.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, got.Status)
	assert.Equal(t, 2, got.Progress.CompletedActions)
	require.NotNil(t, got.Failure)
	assert.Equal(t, "scan exploded", got.Failure.Reason)
	assert.NotNil(t, got.CompletedAt)

	_, err = st.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestListRunsFilters(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	st := NewMemoryStore(WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))

	parent, err := st.CreateRun(ctx, &CreateRunRequest{WorkflowID: "wf-1", TriggerType: model.TriggerManual})
	require.NoError(t, err)
	_, err = st.CreateRun(ctx, &CreateRunRequest{WorkflowID: "wf-2", TriggerType: model.TriggerSchedule})
	require.NoError(t, err)
	child, err := st.CreateRun(ctx, &CreateRunRequest{WorkflowID: "wf-3", ParentRunID: parent.RunID})
	require.NoError(t, err)

	runs, err := st.ListRuns(ctx, RunFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, parent.RunID, runs[0].RunID)

	runs, err = st.ListRuns(ctx, RunFilter{ParentRunID: parent.RunID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, child.RunID, runs[0].RunID)

	runs, err = st.ListRuns(ctx, RunFilter{TriggerType: model.TriggerSchedule})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	// Most recent first
	runs, err = st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, child.RunID, runs[0].RunID)

	_, err = st.ListRuns(ctx, RunFilter{Limit: MaxListLimit + 1})
	assert.ErrorIs(t, err, ErrLimitOutOfRange)
}

func TestAppendEventsAssignsGapFreeIDs(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	batch := []*model.TraceEvent{
		{NodeRef: "entry", Type: model.EventStarted, Level: model.LevelInfo},
		{NodeRef: "entry", Type: model.EventCompleted, Level: model.LevelInfo},
	}
	cursor, err := st.AppendEvents(ctx, "run-1", batch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cursor)
	assert.Equal(t, int64(1), batch[0].ID)
	assert.Equal(t, int64(2), batch[1].ID)

	cursor, err = st.AppendEvents(ctx, "run-1", []*model.TraceEvent{
		{NodeRef: "scan", Type: model.EventStarted, Level: model.LevelInfo},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), cursor)

	// Per-run sequences are independent
	cursor, err = st.AppendEvents(ctx, "run-2", []*model.TraceEvent{
		{NodeRef: "entry", Type: model.EventStarted, Level: model.LevelInfo},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), cursor)
}

func TestListEventsPagination(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	var batch []*model.TraceEvent
	for i := 0; i < 5; i++ {
		batch = append(batch, &model.TraceEvent{NodeRef: "n", Type: model.EventProgress, Level: model.LevelInfo})
	}
	_, err := st.AppendEvents(ctx, "run-1", batch)
	require.NoError(t, err)

	page, err := st.ListEvents(ctx, "run-1", 0, 2)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, int64(1), page.Events[0].ID)
	assert.Equal(t, int64(2), page.NextCursor)

	page, err = st.ListEvents(ctx, "run-1", page.NextCursor, 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 3)
	assert.Equal(t, int64(3), page.Events[0].ID)
	assert.Equal(t, int64(5), page.NextCursor)

	// Draining past the end returns an empty page with an unchanged cursor
	page, err = st.ListEvents(ctx, "run-1", 5, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Events)
	assert.Equal(t, int64(5), page.NextCursor)
}

func TestUpsertNodeIOSpillsOversizedPayloads(t *testing.T) {
	ctx := context.Background()
	blobs := newFakeBlobs()
	st := NewMemoryStore(WithSpiller(NewSpiller(blobs, 64)))

	big, err := json.Marshal(map[string]any{"report": strings.Repeat("x", 200)})
	require.NoError(t, err)
	small, err := json.Marshal(map[string]any{"target": "example.com"})
	require.NoError(t, err)

	rec := &model.NodeIO{
		RunID:   "run-1",
		NodeRef: "scan",
		Attempt: 1,
		Status:  model.NodeCompleted,
		Inputs:  small,
		Outputs: big,
	}
	require.NoError(t, st.UpsertNodeIO(ctx, rec))

	got, err := st.GetNodeIO(ctx, "run-1", "scan")
	require.NoError(t, err)
	assert.False(t, got.InputsSpilled)
	assert.JSONEq(t, string(small), string(got.Inputs))
	assert.True(t, got.OutputsSpilled)
	assert.Nil(t, got.Outputs)
	assert.Equal(t, SpillKey("run-1", "scan", 1, "outputs"), got.OutputsRef)
	assert.Equal(t, len(big), got.OutputsSize)

	// Resolve loads the spilled payload back
	require.NoError(t, st.ResolveNodeIO(ctx, got, 0))
	assert.JSONEq(t, string(big), string(got.Outputs))

	// A read ceiling below the payload size refuses the load
	bounded, err := st.GetNodeIO(ctx, "run-1", "scan")
	require.NoError(t, err)
	err = st.ResolveNodeIO(ctx, bounded, 16)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestUpsertNodeIOReplacesAttempt(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	require.NoError(t, st.UpsertNodeIO(ctx, &model.NodeIO{
		RunID: "run-1", NodeRef: "scan", Attempt: 1, Status: model.NodeRunning,
	}))
	require.NoError(t, st.UpsertNodeIO(ctx, &model.NodeIO{
		RunID: "run-1", NodeRef: "scan", Attempt: 1, Status: model.NodeFailed, ErrorMessage: "timeout",
	}))
	require.NoError(t, st.UpsertNodeIO(ctx, &model.NodeIO{
		RunID: "run-1", NodeRef: "scan", Attempt: 2, Status: model.NodeCompleted,
	}))

	// Latest attempt wins
	got, err := st.GetNodeIO(ctx, "run-1", "scan")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, model.NodeCompleted, got.Status)

	_, err = st.GetNodeIO(ctx, "run-1", "missing")
	assert.ErrorIs(t, err, ErrNodeIONotFound)
}

func TestWorkflowVersions(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	v1 := &model.Definition{Title: "wf v1", TotalActions: 1}
	v2 := &model.Definition{Title: "wf v2", TotalActions: 2}
	require.NoError(t, st.PutWorkflowVersion(ctx, "wf-1", "ver-a", 1, v1))
	require.NoError(t, st.PutWorkflowVersion(ctx, "wf-1", "ver-b", 2, v2))

	// Versions are immutable once committed
	err := st.PutWorkflowVersion(ctx, "wf-1", "ver-a", 3, v1)
	require.Error(t, err)

	def, version, err := st.GetWorkflowVersion(ctx, "wf-1", "ver-a")
	require.NoError(t, err)
	assert.Equal(t, "wf v1", def.Title)
	assert.Equal(t, 1, version)

	def, versionID, err := st.GetWorkflowVersionByNumber(ctx, "wf-1", 2)
	require.NoError(t, err)
	assert.Equal(t, "wf v2", def.Title)
	assert.Equal(t, "ver-b", versionID)

	def, versionID, version, err = st.GetLatestWorkflowVersion(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "wf v2", def.Title)
	assert.Equal(t, "ver-b", versionID)
	assert.Equal(t, 2, version)

	_, _, err = st.GetWorkflowVersionByNumber(ctx, "wf-1", 9)
	assert.ErrorIs(t, err, ErrVersionNotFound)
	_, _, _, err = st.GetLatestWorkflowVersion(ctx, "missing")
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestSpillerOffloadAndResolve(t *testing.T) {
	ctx := context.Background()
	blobs := newFakeBlobs()
	sp := NewSpiller(blobs, 32)

	inline, size, spilled, ref, err := sp.Offload(ctx, "k1", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.False(t, spilled)
	assert.Empty(t, ref)
	assert.Equal(t, len(inline), size)

	_, size, spilled, ref, err = sp.Offload(ctx, "k2", map[string]any{"blob": strings.Repeat("y", 100)})
	require.NoError(t, err)
	assert.True(t, spilled)
	assert.Equal(t, "k2", ref)
	assert.Greater(t, size, 32)

	data, err := sp.Resolve(ctx, nil, true, "k2", 0)
	require.NoError(t, err)
	assert.Contains(t, string(data), "yyy")
}
