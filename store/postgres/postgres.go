package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/secflowhq/secflow/common/fault"
	"github.com/secflowhq/secflow/common/model"
	"github.com/secflowhq/secflow/store"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Store is the Postgres-backed execution store
type Store struct {
	pool    *pgxpool.Pool
	spiller *store.Spiller
	logger  Logger
	window  time.Duration
}

// Opts configures the Postgres store
type Opts struct {
	Pool              *pgxpool.Pool
	Spiller           *store.Spiller
	Logger            Logger
	IdempotencyWindow time.Duration
}

// New creates a Postgres-backed store
func New(opts *Opts) *Store {
	window := opts.IdempotencyWindow
	if window <= 0 {
		window = store.DefaultIdempotencyWindow
	}
	spiller := opts.Spiller
	if spiller == nil {
		spiller = store.NewSpiller(nil, store.DefaultSpillThreshold)
	}
	return &Store{
		pool:    opts.Pool,
		spiller: spiller,
		logger:  opts.Logger,
		window:  window,
	}
}

// CreateRun creates a run, deduplicating by idempotency key within the window
func (s *Store) CreateRun(ctx context.Context, req *store.CreateRunRequest) (*model.Run, error) {
	if len(req.IdempotencyKey) > store.MaxIdempotencyKeyLength {
		return nil, store.ErrIdempotencyKey
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create run: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	if req.IdempotencyKey != "" {
		var existingID string
		var createdAt time.Time
		err := tx.QueryRow(ctx,
			`SELECT run_id, created_at FROM run_idempotency WHERE idempotency_key = $1`,
			req.IdempotencyKey,
		).Scan(&existingID, &createdAt)
		switch {
		case err == nil && now.Sub(createdAt) <= s.window:
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("commit idempotent create: %w", err)
			}
			return s.GetRun(ctx, existingID)
		case err == nil:
			if _, err := tx.Exec(ctx,
				`DELETE FROM run_idempotency WHERE idempotency_key = $1`, req.IdempotencyKey); err != nil {
				return nil, fmt.Errorf("expire idempotency key: %w", err)
			}
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	inputs, err := marshalJSONB(req.Inputs)
	if err != nil {
		return nil, fmt.Errorf("encode run inputs: %w", err)
	}
	overrides, err := marshalJSONB(req.NodeOverrides)
	if err != nil {
		return nil, fmt.Errorf("encode node overrides: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_run (
			run_id, workflow_id, workflow_version_id, workflow_version, status,
			started_at, updated_at, trigger_type, trigger_source, trigger_label,
			parent_run_id, parent_node_ref, inputs, node_overrides, total_actions
		)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (run_id) DO NOTHING
	`,
		runID, req.WorkflowID, req.WorkflowVersionID, req.WorkflowVersion, model.RunQueued,
		now, string(req.TriggerType), req.TriggerSource, req.TriggerLabel,
		req.ParentRunID, req.ParentNodeRef, inputs, overrides, req.TotalActions,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	if req.IdempotencyKey != "" {
		if _, err := tx.Exec(ctx, `
			INSERT INTO run_idempotency (idempotency_key, run_id, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (idempotency_key) DO NOTHING
		`, req.IdempotencyKey, runID, now); err != nil {
			return nil, fmt.Errorf("record idempotency key: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create run: %w", err)
	}
	return s.GetRun(ctx, runID)
}

const runColumns = `
	run_id, workflow_id, workflow_version_id, workflow_version, status,
	started_at, updated_at, completed_at, trigger_type, trigger_source,
	trigger_label, parent_run_id, parent_node_ref, inputs, node_overrides,
	completed_actions, total_actions, failure
`

// GetRun retrieves a run by its ID
func (s *Store) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_run WHERE run_id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// UpdateRunStatus updates the status of a run
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, failure *model.Failure) error {
	failureJSON, err := marshalJSONB(failure)
	if err != nil {
		return fmt.Errorf("encode failure: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_run
		SET status = $2,
		    updated_at = NOW(),
		    failure = COALESCE($3, failure),
		    completed_at = CASE WHEN $4 AND completed_at IS NULL THEN NOW() ELSE completed_at END
		WHERE run_id = $1
	`, runID, string(status), failureJSON, status.Terminal())
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
	}
	return nil
}

// UpdateRunProgress records resolved-action progress
func (s *Store) UpdateRunProgress(ctx context.Context, runID string, completedActions int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_run SET completed_actions = $2, updated_at = NOW() WHERE run_id = $1
	`, runID, completedActions)
	if err != nil {
		return fmt.Errorf("failed to update run progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
	}
	return nil
}

// ListRuns filters runs, most recent first
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*model.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = store.MaxListLimit
	}
	if limit > store.MaxListLimit {
		return nil, store.ErrLimitOutOfRange
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM workflow_run
		WHERE ($1 = '' OR workflow_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR parent_run_id = $3)
		  AND ($4 = '' OR trigger_type = $4)
		ORDER BY started_at DESC, run_id
		LIMIT $5
	`, filter.WorkflowID, string(filter.Status), filter.ParentRunID, string(filter.TriggerType), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// UpsertNodeIO persists a node attempt record, spilling oversized payloads
func (s *Store) UpsertNodeIO(ctx context.Context, rec *model.NodeIO) error {
	stored := *rec
	if err := s.spill(ctx, &stored); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO node_io (
			run_id, node_ref, attempt, status, started_at, completed_at,
			duration_ms, inputs, outputs, inputs_size, outputs_size,
			inputs_spilled, outputs_spilled, inputs_ref, outputs_ref,
			error_message, error_kind
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (run_id, node_ref, attempt) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			duration_ms = EXCLUDED.duration_ms,
			inputs = EXCLUDED.inputs,
			outputs = EXCLUDED.outputs,
			inputs_size = EXCLUDED.inputs_size,
			outputs_size = EXCLUDED.outputs_size,
			inputs_spilled = EXCLUDED.inputs_spilled,
			outputs_spilled = EXCLUDED.outputs_spilled,
			inputs_ref = EXCLUDED.inputs_ref,
			outputs_ref = EXCLUDED.outputs_ref,
			error_message = EXCLUDED.error_message,
			error_kind = EXCLUDED.error_kind
	`,
		stored.RunID, stored.NodeRef, stored.Attempt, string(stored.Status),
		stored.StartedAt, stored.CompletedAt, stored.DurationMS,
		nullableRaw(stored.Inputs), nullableRaw(stored.Outputs),
		stored.InputsSize, stored.OutputsSize,
		stored.InputsSpilled, stored.OutputsSpilled,
		stored.InputsRef, stored.OutputsRef,
		stored.ErrorMessage, string(stored.ErrorKind),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert node io: %w", err)
	}
	return nil
}

func (s *Store) spill(ctx context.Context, rec *model.NodeIO) error {
	if rec.Inputs != nil && !rec.InputsSpilled {
		var payload map[string]any
		if err := json.Unmarshal(rec.Inputs, &payload); err == nil {
			key := store.SpillKey(rec.RunID, rec.NodeRef, rec.Attempt, "inputs")
			inline, size, spilled, ref, err := s.spiller.Offload(ctx, key, payload)
			if err != nil {
				return err
			}
			rec.Inputs, rec.InputsSize, rec.InputsSpilled, rec.InputsRef = inline, size, spilled, ref
		}
	}
	if rec.Outputs != nil && !rec.OutputsSpilled {
		var payload map[string]any
		if err := json.Unmarshal(rec.Outputs, &payload); err == nil {
			key := store.SpillKey(rec.RunID, rec.NodeRef, rec.Attempt, "outputs")
			inline, size, spilled, ref, err := s.spiller.Offload(ctx, key, payload)
			if err != nil {
				return err
			}
			rec.Outputs, rec.OutputsSize, rec.OutputsSpilled, rec.OutputsRef = inline, size, spilled, ref
		}
	}
	return nil
}

// GetNodeIO returns the latest attempt record for a node
func (s *Store) GetNodeIO(ctx context.Context, runID, nodeRef string) (*model.NodeIO, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT run_id, node_ref, attempt, status, started_at, completed_at,
		       duration_ms, inputs, outputs, inputs_size, outputs_size,
		       inputs_spilled, outputs_spilled, inputs_ref, outputs_ref,
		       error_message, error_kind
		FROM node_io
		WHERE run_id = $1 AND node_ref = $2
		ORDER BY attempt DESC
		LIMIT 1
	`, runID, nodeRef)

	rec := &model.NodeIO{}
	var status, errorKind string
	err := row.Scan(
		&rec.RunID, &rec.NodeRef, &rec.Attempt, &status, &rec.StartedAt, &rec.CompletedAt,
		&rec.DurationMS, &rec.Inputs, &rec.Outputs, &rec.InputsSize, &rec.OutputsSize,
		&rec.InputsSpilled, &rec.OutputsSpilled, &rec.InputsRef, &rec.OutputsRef,
		&rec.ErrorMessage, &errorKind,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", store.ErrNodeIONotFound, runID, nodeRef)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node io: %w", err)
	}
	rec.Status = model.NodeIOStatus(status)
	rec.ErrorKind = fault.Kind(errorKind)
	return rec, nil
}

// ResolveNodeIO loads spilled payloads back into the record
func (s *Store) ResolveNodeIO(ctx context.Context, rec *model.NodeIO, maxSize int) error {
	if rec.InputsSpilled {
		data, err := s.spiller.Resolve(ctx, rec.Inputs, true, rec.InputsRef, maxSize)
		if err != nil {
			return err
		}
		rec.Inputs = data
	}
	if rec.OutputsSpilled {
		data, err := s.spiller.Resolve(ctx, rec.Outputs, true, rec.OutputsRef, maxSize)
		if err != nil {
			return err
		}
		rec.Outputs = data
	}
	return nil
}

// AppendEvents atomically appends events with gap-free monotonic ids.
// Either all events in the batch are persisted, or none.
func (s *Store) AppendEvents(ctx context.Context, runID string, events []*model.TraceEvent) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin append events: %w", err)
	}
	defer tx.Rollback(ctx)

	var cursor int64
	err = tx.QueryRow(ctx, `
		INSERT INTO run_event_cursor (run_id, cursor)
		VALUES ($1, 0)
		ON CONFLICT (run_id) DO UPDATE SET cursor = run_event_cursor.cursor
		RETURNING cursor
	`, runID).Scan(&cursor)
	if err != nil {
		return 0, fmt.Errorf("lock event cursor: %w", err)
	}

	now := time.Now().UTC()
	for _, ev := range events {
		cursor++
		ev.ID = cursor
		ev.RunID = runID
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return 0, fmt.Errorf("encode trace event: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO trace_event (run_id, id, node_ref, type, level, timestamp, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, runID, ev.ID, ev.NodeRef, string(ev.Type), string(ev.Level), ev.Timestamp, payload); err != nil {
			return 0, fmt.Errorf("insert trace event: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE run_event_cursor SET cursor = $2 WHERE run_id = $1`, runID, cursor); err != nil {
		return 0, fmt.Errorf("advance event cursor: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit append events: %w", err)
	}
	return cursor, nil
}

// ListEvents returns events with id > fromCursor, in id order
func (s *Store) ListEvents(ctx context.Context, runID string, fromCursor int64, limit int) (*store.EventPage, error) {
	if limit <= 0 {
		limit = store.MaxListLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM trace_event
		WHERE run_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3
	`, runID, fromCursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	page := &store.EventPage{NextCursor: fromCursor}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev := &model.TraceEvent{}
		if err := json.Unmarshal(payload, ev); err != nil {
			return nil, fmt.Errorf("decode trace event: %w", err)
		}
		page.Events = append(page.Events, ev)
		page.NextCursor = ev.ID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return page, nil
}

// PutWorkflowVersion commits an immutable workflow version
func (s *Store) PutWorkflowVersion(ctx context.Context, workflowID, versionID string, version int, def *model.Definition) error {
	encoded, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode definition: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_version (workflow_id, version_id, version, definition, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (workflow_id, version_id) DO NOTHING
	`, workflowID, versionID, version, encoded)
	if err != nil {
		return fmt.Errorf("failed to put workflow version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow version %s/%s already committed", workflowID, versionID)
	}
	return nil
}

// GetWorkflowVersion loads a specific committed version
func (s *Store) GetWorkflowVersion(ctx context.Context, workflowID, versionID string) (*model.Definition, int, error) {
	var encoded []byte
	var version int
	err := s.pool.QueryRow(ctx, `
		SELECT definition, version FROM workflow_version
		WHERE workflow_id = $1 AND version_id = $2
	`, workflowID, versionID).Scan(&encoded, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, fmt.Errorf("%w: %s/%s", store.ErrVersionNotFound, workflowID, versionID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get workflow version: %w", err)
	}
	def := &model.Definition{}
	if err := json.Unmarshal(encoded, def); err != nil {
		return nil, 0, fmt.Errorf("decode definition: %w", err)
	}
	return def, version, nil
}

// GetWorkflowVersionByNumber resolves a committed version by its number
func (s *Store) GetWorkflowVersionByNumber(ctx context.Context, workflowID string, version int) (*model.Definition, string, error) {
	var encoded []byte
	var versionID string
	err := s.pool.QueryRow(ctx, `
		SELECT definition, version_id FROM workflow_version
		WHERE workflow_id = $1 AND version = $2
	`, workflowID, version).Scan(&encoded, &versionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", fmt.Errorf("%w: %s version %d", store.ErrVersionNotFound, workflowID, version)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to get workflow version by number: %w", err)
	}
	def := &model.Definition{}
	if err := json.Unmarshal(encoded, def); err != nil {
		return nil, "", fmt.Errorf("decode definition: %w", err)
	}
	return def, versionID, nil
}

// GetLatestWorkflowVersion loads the highest committed version
func (s *Store) GetLatestWorkflowVersion(ctx context.Context, workflowID string) (*model.Definition, string, int, error) {
	var encoded []byte
	var versionID string
	var version int
	err := s.pool.QueryRow(ctx, `
		SELECT definition, version_id, version FROM workflow_version
		WHERE workflow_id = $1
		ORDER BY version DESC
		LIMIT 1
	`, workflowID).Scan(&encoded, &versionID, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", 0, fmt.Errorf("%w: %s", store.ErrVersionNotFound, workflowID)
	}
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to get latest workflow version: %w", err)
	}
	def := &model.Definition{}
	if err := json.Unmarshal(encoded, def); err != nil {
		return nil, "", 0, fmt.Errorf("decode definition: %w", err)
	}
	return def, versionID, version, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	run := &model.Run{}
	var status, triggerType string
	var inputs, overrides, failure []byte
	err := row.Scan(
		&run.RunID, &run.WorkflowID, &run.WorkflowVersionID, &run.WorkflowVersion, &status,
		&run.StartedAt, &run.UpdatedAt, &run.CompletedAt, &triggerType, &run.TriggerSource,
		&run.TriggerLabel, &run.ParentRunID, &run.ParentNodeRef, &inputs, &overrides,
		&run.Progress.CompletedActions, &run.Progress.TotalActions, &failure,
	)
	if err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status)
	run.TriggerType = model.TriggerType(triggerType)
	if inputs != nil {
		if err := json.Unmarshal(inputs, &run.Inputs); err != nil {
			return nil, fmt.Errorf("decode inputs: %w", err)
		}
	}
	if overrides != nil {
		if err := json.Unmarshal(overrides, &run.NodeOverrides); err != nil {
			return nil, fmt.Errorf("decode node overrides: %w", err)
		}
	}
	if failure != nil {
		run.Failure = &model.Failure{}
		if err := json.Unmarshal(failure, run.Failure); err != nil {
			return nil, fmt.Errorf("decode failure: %w", err)
		}
	}
	return run, nil
}

func marshalJSONB(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case *model.Failure:
		if t == nil {
			return nil, nil
		}
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	case map[string]model.NodeOverride:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func nullableRaw(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return []byte(raw)
}
