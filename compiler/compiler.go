package compiler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/secflowhq/secflow/common/model"
	"github.com/secflowhq/secflow/ports"
	"github.com/secflowhq/secflow/registry"
)

//go:embed graph.schema.json
var graphSchemaJSON []byte

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Compiler validates a UI graph and lowers it to the canonical workflow
// definition
type Compiler struct {
	registry *registry.Registry
	logger   Logger
	schema   *jsonschema.Schema
}

// New creates a compiler bound to a component registry
func New(reg *registry.Registry, logger Logger) (*Compiler, error) {
	sc := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(graphSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse embedded graph schema: %w", err)
	}
	if err := sc.AddResource("graph.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}
	schema, err := sc.Compile("graph.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}
	return &Compiler{registry: reg, logger: logger, schema: schema}, nil
}

// CompileDocument validates a raw graph submission against the embedded JSON
// Schema, then compiles it
func (c *Compiler) CompileDocument(data []byte) (*model.Definition, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, newError(ErrInvalidGraph, "malformed graph document: %v", err)
	}
	if err := c.schema.Validate(inst); err != nil {
		return nil, newError(ErrInvalidGraph, "graph document rejected by schema: %v", err)
	}
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, newError(ErrInvalidGraph, "decode graph document: %v", err)
	}
	return c.Compile(&g)
}

// resolvedNode pairs a UI node with its component and effective ports
type resolvedNode struct {
	node  *Node
	def   *registry.Definition
	ports *registry.PortSet
	index int
}

// Compile runs the deterministic single-pass lowering described by the
// definition format: component resolution, dynamic port resolution, edge
// type-checking, cycle detection, entrypoint selection, topological action
// ordering, and dependency counts.
func (c *Compiler) Compile(g *Graph) (*model.Definition, error) {
	if len(g.Nodes) == 0 {
		return nil, newError(ErrInvalidGraph, "graph has no nodes")
	}

	// 1. Index nodes and resolve components
	byID := make(map[string]*resolvedNode, len(g.Nodes))
	order := make([]*resolvedNode, 0, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" || len(n.ID) > maxIDLength {
			return nil, nodeError(ErrInvalidGraph, n.ID, "node id must be 1..%d chars", maxIDLength)
		}
		if _, dup := byID[n.ID]; dup {
			return nil, nodeError(ErrInvalidGraph, n.ID, "duplicate node id")
		}
		def, ok := c.registry.Lookup(n.Type)
		if !ok {
			return nil, nodeError(ErrComponentNotRegistered, n.ID, "component %q is not registered", n.Type)
		}
		// 2. Dynamic port resolution from this node's params
		eff, err := def.EffectivePorts(n.Data.Config.Params)
		if err != nil {
			return nil, nodeError(ErrInvalidGraph, n.ID, "resolve ports: %v", err)
		}
		rn := &resolvedNode{node: n, def: def, ports: eff, index: i}
		byID[n.ID] = rn
		order = append(order, rn)
	}

	// 3. Type-check edges and collect adjacency
	type inboundKey struct{ target, port string }
	inboundCount := make(map[inboundKey]int)
	adjacency := make(map[string][]string)       // source -> targets (edge order)
	inboundRefs := make(map[string][]string)     // target -> distinct source refs
	mappings := make(map[string]map[string][]model.Mapping)
	outbound := make(map[string][]model.EdgeKind)
	seenDep := make(map[[2]string]bool)

	for i := range g.Edges {
		e := &g.Edges[i]
		src, ok := byID[e.Source]
		if !ok {
			return nil, edgeError(ErrInvalidGraph, e.ID, "source %q does not exist", e.Source)
		}
		dst, ok := byID[e.Target]
		if !ok {
			return nil, edgeError(ErrInvalidGraph, e.ID, "target %q does not exist", e.Target)
		}

		srcPort, srcNested, err := lookupHandle(src.ports.Outputs, e.SourceHandle, e.ID, "output")
		if err != nil {
			return nil, err
		}
		dstPort, _, err := lookupHandle(dst.ports.Inputs, e.TargetHandle, e.ID, "input")
		if err != nil {
			return nil, err
		}

		// Nested source paths project into the output document; their static
		// type is unknowable, so they type-check as any.
		srcType := srcPort.Type
		if srcNested {
			srcType = ports.Any()
		}
		if !ports.Compatible(srcType, dstPort.Type) {
			return nil, edgeError(ErrPortTypeMismatch, e.ID, "%s.%s (%s) is not compatible with %s.%s (%s)",
				e.Source, srcPort.ID, srcType, e.Target, dstPort.ID, dstPort.Type)
		}

		key := inboundKey{target: e.Target, port: dstPort.ID}
		inboundCount[key]++
		if inboundCount[key] > 1 && dstPort.Type.Kind != ports.KindList {
			return nil, edgeError(ErrMultipleEdgesToPort, e.ID, "port %s.%s already has an inbound edge", e.Target, dstPort.ID)
		}

		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
		depKey := [2]string{e.Target, e.Source}
		if !seenDep[depKey] {
			seenDep[depKey] = true
			inboundRefs[e.Target] = append(inboundRefs[e.Target], e.Source)
		}
		if mappings[e.Target] == nil {
			mappings[e.Target] = make(map[string][]model.Mapping)
		}
		mappings[e.Target][dstPort.ID] = append(mappings[e.Target][dstPort.ID], model.Mapping{
			SourceRef:    e.Source,
			SourceHandle: e.SourceHandle,
		})
		outbound[e.Source] = append(outbound[e.Source], model.EdgeKind{ToRef: e.Target, Kind: e.EffectiveKind()})
	}

	// 4. Cycle detection: three-colour DFS, any back edge fails the graph
	if ref, ok := findCycle(order, adjacency); ok {
		return nil, nodeError(ErrWorkflowGraphContainsCycle, ref, "graph contains a cycle")
	}

	// 5. Entrypoint selection
	entry, err := selectEntrypoint(order, inboundRefs)
	if err != nil {
		return nil, err
	}

	// 6. Deterministic topological order (Kahn, stable by declaration index)
	topo := topoSort(order, adjacency, inboundRefs)
	topoIndex := make(map[string]int, len(topo))
	for i, rn := range topo {
		topoIndex[rn.node.ID] = i
	}

	// 7. Emit actions
	actions := make([]model.Action, 0, len(topo))
	dependencyCounts := make(map[string]int, len(topo))
	for _, rn := range topo {
		n := rn.node
		nodeMappings := mappings[n.ID]
		// List-typed fan-in collects values in topological source order
		for port, ms := range nodeMappings {
			if len(ms) > 1 {
				sort.SliceStable(ms, func(a, b int) bool {
					return topoIndex[ms[a].SourceRef] < topoIndex[ms[b].SourceRef]
				})
				nodeMappings[port] = ms
			}
		}
		action := model.Action{
			Ref:            n.ID,
			ComponentID:    n.Type,
			Label:          n.Data.Label,
			Params:         n.Data.Config.Params,
			DependsOn:      inboundRefs[n.ID],
			InputMappings:  nodeMappings,
			InputOverrides: n.Data.Config.InputOverrides,
			EdgeKinds:      outbound[n.ID],
			JoinStrategy:   n.Data.Config.JoinStrategy,
			MaxConcurrency: n.Data.Config.MaxConcurrency,
			RunIf:          n.Data.Config.RunIf,
			StreamID:       n.Data.Config.StreamID,
			GroupID:        n.Data.Config.GroupID,
		}
		actions = append(actions, action)
		dependencyCounts[n.ID] = len(inboundRefs[n.ID])
	}

	rawNodes, err := json.Marshal(g.Nodes)
	if err != nil {
		return nil, fmt.Errorf("marshal nodes: %w", err)
	}
	rawEdges, err := json.Marshal(g.Edges)
	if err != nil {
		return nil, fmt.Errorf("marshal edges: %w", err)
	}

	def := &model.Definition{
		Title:            g.Name,
		Version:          model.DefinitionVersion,
		Entrypoint:       model.Entrypoint{Ref: entry},
		Actions:          actions,
		Nodes:            rawNodes,
		Edges:            rawEdges,
		DependencyCounts: dependencyCounts,
		TotalActions:     len(actions),
	}
	if c.logger != nil {
		c.logger.Debug("graph compiled",
			"title", g.Name,
			"actions", len(actions),
			"entrypoint", entry)
	}
	return def, nil
}

// lookupHandle resolves a handle to a declared port. An empty handle is
// allowed when the port set has exactly one port. Dotted handles address a
// path inside the port's document; the port is the first segment.
func lookupHandle(ps ports.Ports, handle, edgeID, side string) (ports.Port, bool, error) {
	if handle == "" {
		if len(ps) == 1 {
			return ps[0], false, nil
		}
		return ports.Port{}, false, edgeError(ErrInvalidGraph, edgeID, "%s handle required when component declares %d %s ports", side, len(ps), side)
	}
	portID := handle
	nested := false
	if i := strings.IndexByte(handle, '.'); i >= 0 {
		portID = handle[:i]
		nested = true
	}
	p, ok := ps.Get(portID)
	if !ok {
		return ports.Port{}, false, edgeError(ErrInvalidGraph, edgeID, "unknown %s port %q", side, portID)
	}
	return p, nested, nil
}

// findCycle runs a three-colour DFS; returns a node on a back edge if found
func findCycle(order []*resolvedNode, adjacency map[string][]string) (string, bool) {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	colour := make(map[string]int, len(order))

	var visit func(ref string) (string, bool)
	visit = func(ref string) (string, bool) {
		colour[ref] = grey
		for _, next := range adjacency[ref] {
			switch colour[next] {
			case grey:
				return next, true
			case white:
				if hit, ok := visit(next); ok {
					return hit, true
				}
			}
		}
		colour[ref] = black
		return "", false
	}

	for _, rn := range order {
		if colour[rn.node.ID] == white {
			if hit, ok := visit(rn.node.ID); ok {
				return hit, true
			}
		}
	}
	return "", false
}

// selectEntrypoint picks the explicit entrypoint component, or the single
// input-less node when the graph declares none
func selectEntrypoint(order []*resolvedNode, inboundRefs map[string][]string) (string, error) {
	var explicit []string
	for _, rn := range order {
		if registry.IsEntrypoint(rn.node.Type) {
			explicit = append(explicit, rn.node.ID)
		}
	}
	if len(explicit) > 1 {
		return "", newError(ErrEntrypointAmbiguous, "graph declares %d entrypoint nodes", len(explicit))
	}
	if len(explicit) == 1 {
		return explicit[0], nil
	}

	var sources []string
	for _, rn := range order {
		if len(inboundRefs[rn.node.ID]) == 0 {
			sources = append(sources, rn.node.ID)
		}
	}
	if len(sources) == 1 {
		return sources[0], nil
	}
	if len(sources) > 1 {
		return "", newError(ErrEntrypointAmbiguous, "no entrypoint node and %d input-less nodes", len(sources))
	}
	return "", newError(ErrEntrypointMissing, "graph has no entrypoint node")
}

// topoSort orders nodes by Kahn's algorithm; ties resolve by declaration
// index so the same graph always compiles to the same action order
func topoSort(order []*resolvedNode, adjacency map[string][]string, inboundRefs map[string][]string) []*resolvedNode {
	remaining := make(map[string]int, len(order))
	for _, rn := range order {
		remaining[rn.node.ID] = len(inboundRefs[rn.node.ID])
	}
	byID := make(map[string]*resolvedNode, len(order))
	for _, rn := range order {
		byID[rn.node.ID] = rn
	}

	var ready []*resolvedNode
	for _, rn := range order {
		if remaining[rn.node.ID] == 0 {
			ready = append(ready, rn)
		}
	}

	result := make([]*resolvedNode, 0, len(order))
	for len(ready) > 0 {
		// Pick the ready node with the smallest declaration index
		best := 0
		for i := 1; i < len(ready); i++ {
			if ready[i].index < ready[best].index {
				best = i
			}
		}
		rn := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		result = append(result, rn)

		seen := make(map[string]bool)
		for _, next := range adjacency[rn.node.ID] {
			if seen[next] {
				continue
			}
			seen[next] = true
			remaining[next]--
			if remaining[next] == 0 {
				ready = append(ready, byID[next])
			}
		}
	}
	return result
}
