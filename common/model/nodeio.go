package model

import (
	"encoding/json"
	"time"

	"github.com/secflowhq/secflow/common/fault"
)

// NodeIOStatus is the per-attempt record status
type NodeIOStatus string

const (
	NodeRunning   NodeIOStatus = "running"
	NodeCompleted NodeIOStatus = "completed"
	NodeFailed    NodeIOStatus = "failed"
	NodeSkipped   NodeIOStatus = "skipped"
)

// NodeIO records the inputs and outputs of one node attempt. Payloads larger
// than the spill threshold are moved to blob storage; the record then carries
// a reference and the spilled flag instead of the bytes.
type NodeIO struct {
	RunID   string       `json:"runId"`
	NodeRef string       `json:"nodeRef"`
	Attempt int          `json:"attempt"`
	Status  NodeIOStatus `json:"status"`

	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMS  int64      `json:"durationMs"`

	Inputs  json.RawMessage `json:"inputs,omitempty"`
	Outputs json.RawMessage `json:"outputs,omitempty"`

	InputsSize     int    `json:"inputsSize"`
	OutputsSize    int    `json:"outputsSize"`
	InputsSpilled  bool   `json:"inputsSpilled,omitempty"`
	OutputsSpilled bool   `json:"outputsSpilled,omitempty"`
	InputsRef      string `json:"inputsRef,omitempty"`
	OutputsRef     string `json:"outputsRef,omitempty"`

	ErrorMessage string     `json:"errorMessage,omitempty"`
	ErrorKind    fault.Kind `json:"errorKind,omitempty"`
}
