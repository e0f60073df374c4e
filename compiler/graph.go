package compiler

import (
	"github.com/secflowhq/secflow/common/model"
)

// Graph is the UI graph submitted for compilation
type Graph struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Nodes       []Node   `json:"nodes"`
	Edges       []Edge   `json:"edges"`
	Viewport    Viewport `json:"viewport"`
}

// Node is one UI node; Type names the component ID
type Node struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
}

// Position is the canvas placement of a node
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData carries the label and per-node configuration
type NodeData struct {
	Label  string     `json:"label"`
	Config NodeConfig `json:"config"`
}

// NodeConfig is the editable configuration of a node
type NodeConfig struct {
	Params         map[string]any     `json:"params,omitempty"`
	InputOverrides map[string]any     `json:"inputOverrides,omitempty"`
	JoinStrategy   model.JoinStrategy `json:"joinStrategy,omitempty"`
	StreamID       string             `json:"streamId,omitempty"`
	GroupID        string             `json:"groupId,omitempty"`
	MaxConcurrency int                `json:"maxConcurrency,omitempty"`
	RunIf          string             `json:"runIf,omitempty"`
}

// Edge connects a source output handle to a target input handle.
// Kind defaults to success.
type Edge struct {
	ID           string             `json:"id"`
	Source       string             `json:"source"`
	Target       string             `json:"target"`
	SourceHandle string             `json:"sourceHandle,omitempty"`
	TargetHandle string             `json:"targetHandle,omitempty"`
	Kind         model.EdgeKindName `json:"kind,omitempty"`
}

// EffectiveKind returns the edge kind, defaulting to success
func (e Edge) EffectiveKind() model.EdgeKindName {
	if e.Kind == model.EdgeFailure {
		return model.EdgeFailure
	}
	return model.EdgeSuccess
}

// Viewport is the editor viewport, carried through untouched
type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

const maxIDLength = 128
