package model

import (
	"time"

	"github.com/secflowhq/secflow/common/fault"
)

// RunStatus is the lifecycle status of a workflow run
type RunStatus string

const (
	RunQueued     RunStatus = "QUEUED"
	RunRunning    RunStatus = "RUNNING"
	RunCompleted  RunStatus = "COMPLETED"
	RunFailed     RunStatus = "FAILED"
	RunCancelled  RunStatus = "CANCELLED"
	RunTerminated RunStatus = "TERMINATED"
	RunTimedOut   RunStatus = "TIMED_OUT"
)

// Terminal reports whether the status is final
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunTerminated, RunTimedOut:
		return true
	}
	return false
}

// TriggerType identifies what started a run
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerSchedule TriggerType = "schedule"
	TriggerAPI      TriggerType = "api"
)

// NodeOverride is applied on top of compiled params for one node before
// input routing
type NodeOverride struct {
	Params         map[string]any `json:"params,omitempty"`
	InputOverrides map[string]any `json:"inputOverrides,omitempty"`
}

// Progress tracks resolved actions against the definition total
type Progress struct {
	CompletedActions int `json:"completedActions"`
	TotalActions     int `json:"totalActions"`
}

// Failure is the terminal failure of a run
type Failure struct {
	Reason  string         `json:"reason"`
	Kind    fault.Kind     `json:"kind,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Run is a single execution instance of a compiled workflow definition
type Run struct {
	RunID             string    `json:"runId"`
	WorkflowID        string    `json:"workflowId"`
	WorkflowVersionID string    `json:"workflowVersionId,omitempty"`
	WorkflowVersion   int       `json:"workflowVersion,omitempty"`
	Status            RunStatus `json:"status"`

	StartedAt   time.Time  `json:"startedAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	TriggerType   TriggerType `json:"triggerType"`
	TriggerSource string      `json:"triggerSource,omitempty"`
	TriggerLabel  string      `json:"triggerLabel,omitempty"`

	ParentRunID   string `json:"parentRunId,omitempty"`
	ParentNodeRef string `json:"parentNodeRef,omitempty"`

	Inputs        map[string]any          `json:"inputs,omitempty"`
	NodeOverrides map[string]NodeOverride `json:"nodeOverrides,omitempty"`

	Progress Progress `json:"progress"`
	Failure  *Failure `json:"failure,omitempty"`
}
