package store

import (
	"context"
	"errors"
	"time"

	"github.com/secflowhq/secflow/common/model"
)

// Common store errors
var (
	ErrRunNotFound      = errors.New("run not found")
	ErrVersionNotFound  = errors.New("workflow version not found")
	ErrNodeIONotFound   = errors.New("node io record not found")
	ErrPayloadTooLarge  = errors.New("payload exceeds read ceiling")
	ErrIdempotencyKey   = errors.New("idempotency key too long")
	ErrLimitOutOfRange  = errors.New("list limit out of range")
)

const (
	// MaxIdempotencyKeyLength bounds client-supplied idempotency keys
	MaxIdempotencyKeyLength = 128
	// MaxListLimit caps ListRuns page sizes
	MaxListLimit = 200
	// DefaultSpillThreshold is the inline payload limit before spilling
	DefaultSpillThreshold = 256 * 1024
	// MaxSpillThreshold bounds configurable spill thresholds
	MaxSpillThreshold = 1024 * 1024
	// DefaultIdempotencyWindow is how long a key deduplicates submissions
	DefaultIdempotencyWindow = 24 * time.Hour
)

// CreateRunRequest describes a new run submission
type CreateRunRequest struct {
	RunID             string
	WorkflowID        string
	WorkflowVersionID string
	WorkflowVersion   int

	TriggerType   model.TriggerType
	TriggerSource string
	TriggerLabel  string

	ParentRunID   string
	ParentNodeRef string

	Inputs        map[string]any
	NodeOverrides map[string]model.NodeOverride

	TotalActions   int
	IdempotencyKey string
}

// RunFilter narrows ListRuns
type RunFilter struct {
	WorkflowID  string
	Status      model.RunStatus
	ParentRunID string
	TriggerType model.TriggerType
	Limit       int
}

// EventPage is one cursored batch of trace events
type EventPage struct {
	Events     []*model.TraceEvent
	NextCursor int64
}

// Store persists runs, node I/O records, trace events, and workflow
// versions. All writes are idempotent under their natural keys:
// (runId) for runs, (runId, nodeRef, attempt) for node I/O.
type Store interface {
	// CreateRun creates a run, deduplicating by idempotency key within the
	// configured window: a repeated key returns the existing run.
	CreateRun(ctx context.Context, req *CreateRunRequest) (*model.Run, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, failure *model.Failure) error
	UpdateRunProgress(ctx context.Context, runID string, completedActions int) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*model.Run, error)

	// UpsertNodeIO persists a node attempt record, spilling oversized
	// payloads to blob storage.
	UpsertNodeIO(ctx context.Context, rec *model.NodeIO) error
	// GetNodeIO returns the record of the latest attempt for a node.
	GetNodeIO(ctx context.Context, runID, nodeRef string) (*model.NodeIO, error)
	// ResolveNodeIO loads spilled payloads back into the record, bounded by
	// maxSize bytes per payload (0 means unlimited).
	ResolveNodeIO(ctx context.Context, rec *model.NodeIO, maxSize int) error

	// AppendEvents atomically appends events, assigning gap-free monotonic
	// ids per run, and returns the new cursor (the last assigned id).
	AppendEvents(ctx context.Context, runID string, events []*model.TraceEvent) (int64, error)
	// ListEvents returns events with id > fromCursor in id order.
	ListEvents(ctx context.Context, runID string, fromCursor int64, limit int) (*EventPage, error)

	// Workflow version registry consumed by run dispatch and sub-workflow
	// calls. Definitions are immutable once committed.
	PutWorkflowVersion(ctx context.Context, workflowID, versionID string, version int, def *model.Definition) error
	GetWorkflowVersion(ctx context.Context, workflowID, versionID string) (*model.Definition, int, error)
	// GetWorkflowVersionByNumber resolves a committed version by its number.
	GetWorkflowVersionByNumber(ctx context.Context, workflowID string, version int) (*model.Definition, string, error)
	// GetLatestWorkflowVersion returns the highest committed version.
	GetLatestWorkflowVersion(ctx context.Context, workflowID string) (*model.Definition, string, int, error)
}
