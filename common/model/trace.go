package model

import (
	"encoding/json"
	"time"

	"github.com/secflowhq/secflow/common/fault"
)

// EventType is one of the four trace event kinds
type EventType string

const (
	EventStarted   EventType = "STARTED"
	EventProgress  EventType = "PROGRESS"
	EventCompleted EventType = "COMPLETED"
	EventFailed    EventType = "FAILED"
)

// Terminal reports whether the event type ends a node attempt
func (t EventType) Terminal() bool {
	return t == EventCompleted || t == EventFailed
}

// EventLevel is the severity of a trace event
type EventLevel string

const (
	LevelDebug EventLevel = "debug"
	LevelInfo  EventLevel = "info"
	LevelWarn  EventLevel = "warn"
	LevelError EventLevel = "error"
)

// EventError carries the classified failure of a FAILED event
type EventError struct {
	Message string         `json:"message"`
	Kind    fault.Kind     `json:"kind,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// EventMetadata carries correlation tags for a trace event
type EventMetadata struct {
	ActivityID   string          `json:"activityId,omitempty"`
	Attempt      int             `json:"attempt,omitempty"`
	StreamID     string          `json:"streamId,omitempty"`
	GroupID      string          `json:"groupId,omitempty"`
	JoinStrategy string          `json:"joinStrategy,omitempty"`
	TriggeredBy  string          `json:"triggeredBy,omitempty"`
	RetryPolicy  json.RawMessage `json:"retryPolicy,omitempty"`
}

// TraceEvent is one entry in a run's ordered trace. IDs are assigned
// monotonically per run at append time; events are immutable afterwards.
type TraceEvent struct {
	ID        int64      `json:"id"`
	RunID     string     `json:"runId"`
	NodeRef   string     `json:"nodeRef,omitempty"`
	Type      EventType  `json:"type"`
	Level     EventLevel `json:"level"`
	Timestamp time.Time  `json:"timestamp"`

	Message       string          `json:"message,omitempty"`
	Error         *EventError     `json:"error,omitempty"`
	OutputSummary json.RawMessage `json:"outputSummary,omitempty"`
	Data          map[string]any  `json:"data,omitempty"`
	Metadata      EventMetadata   `json:"metadata,omitempty"`
}
