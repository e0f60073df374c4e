package model

import "encoding/json"

// DefinitionVersion is the canonical compiled definition format version
const DefinitionVersion = 2

// EdgeKindName routes an edge by the source action's outcome
type EdgeKindName string

const (
	EdgeSuccess EdgeKindName = "success"
	EdgeFailure EdgeKindName = "failure"
)

// JoinStrategy governs dispatch of an action with multiple predecessors
type JoinStrategy string

const (
	// JoinAll dispatches once every predecessor has resolved (default)
	JoinAll JoinStrategy = "all"
	// JoinAny dispatches on the first successful predecessor; running peers
	// are left alone
	JoinAny JoinStrategy = "any"
	// JoinFirst is JoinAny plus cancellation of peers still in flight
	JoinFirst JoinStrategy = "first"
)

// Mapping points a target input port at an upstream output.
// SourceHandle may carry a dotted path into the source output document.
type Mapping struct {
	SourceRef    string `json:"sourceRef"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// EdgeKind records one outbound edge of an action with its routing kind
type EdgeKind struct {
	ToRef string       `json:"toRef"`
	Kind  EdgeKindName `json:"kind"`
}

// Action is the compiled unit of execution corresponding to one UI node
type Action struct {
	Ref         string         `json:"ref"`
	ComponentID string         `json:"componentId"`
	Label       string         `json:"label,omitempty"`
	Params      map[string]any `json:"params,omitempty"`

	DependsOn      []string             `json:"dependsOn,omitempty"`
	InputMappings  map[string][]Mapping `json:"inputMappings,omitempty"`
	InputOverrides map[string]any       `json:"inputOverrides,omitempty"`
	EdgeKinds      []EdgeKind           `json:"edgeKinds,omitempty"`

	JoinStrategy   JoinStrategy `json:"joinStrategy,omitempty"`
	MaxConcurrency int          `json:"maxConcurrency,omitempty"`
	RunIf          string       `json:"runIf,omitempty"`
	StreamID       string       `json:"streamId,omitempty"`
	GroupID        string       `json:"groupId,omitempty"`
}

// Join returns the effective join strategy, defaulting to all
func (a *Action) Join() JoinStrategy {
	switch a.JoinStrategy {
	case JoinAny, JoinFirst:
		return a.JoinStrategy
	}
	return JoinAll
}

// Entrypoint identifies the single entry action of a definition
type Entrypoint struct {
	Ref string `json:"ref"`
}

// Definition is the canonical compiled workflow definition. It is immutable
// once committed to a workflow version.
type Definition struct {
	Title      string     `json:"title"`
	Version    int        `json:"version"`
	Entrypoint Entrypoint `json:"entrypoint"`
	Actions    []Action   `json:"actions"`

	// Original UI material, carried for round-tripping only
	Nodes json.RawMessage `json:"nodes,omitempty"`
	Edges json.RawMessage `json:"edges,omitempty"`

	DependencyCounts map[string]int `json:"dependencyCounts"`
	TotalActions     int            `json:"totalActions"`
}

// Action returns the action with the given ref
func (d *Definition) Action(ref string) (*Action, bool) {
	for i := range d.Actions {
		if d.Actions[i].Ref == ref {
			return &d.Actions[i], true
		}
	}
	return nil, false
}
