package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secflowhq/secflow/common/model"
	"github.com/secflowhq/secflow/ports"
	"github.com/secflowhq/secflow/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	b := registry.NewBuilder()
	for _, def := range registry.CoreComponents() {
		b.Register(def)
	}
	b.Register(&registry.Definition{
		ID: "test.scan",
		Inputs: ports.Ports{
			{ID: "target", Type: ports.Primitive(ports.PrimText), Required: true},
		},
		Outputs: ports.Ports{
			{ID: "report", Type: ports.Primitive(ports.PrimJSON)},
			{ID: "summary", Type: ports.Primitive(ports.PrimText)},
		},
	})
	b.Register(&registry.Definition{
		ID: "test.notify",
		Inputs: ports.Ports{
			{ID: "message", Type: ports.Primitive(ports.PrimText)},
		},
		Outputs: ports.Ports{
			{ID: "delivered", Type: ports.Primitive(ports.PrimBoolean)},
		},
	})
	b.Register(&registry.Definition{
		ID: "test.collect",
		Inputs: ports.Ports{
			{ID: "items", Type: ports.List(ports.Primitive(ports.PrimText))},
		},
		Outputs: ports.Ports{
			{ID: "count", Type: ports.Primitive(ports.PrimNumber)},
		},
	})
	b.Register(&registry.Definition{
		ID: "test.number",
		Outputs: ports.Ports{
			{ID: "n", Type: ports.Primitive(ports.PrimNumber)},
		},
	})
	reg, err := b.Build()
	require.NoError(t, err)
	return reg
}

func testCompiler(t *testing.T) *Compiler {
	t.Helper()
	c, err := New(testRegistry(t), nil)
	require.NoError(t, err)
	return c
}

func entryNode(id string, inputs ...string) Node {
	declared := make(map[string]any, len(inputs))
	for _, name := range inputs {
		declared[name] = map[string]any{}
	}
	return Node{
		ID:   id,
		Type: registry.ComponentEntrypoint,
		Data: NodeData{Config: NodeConfig{Params: map[string]any{"inputs": declared}}},
	}
}

func TestCompileLinear(t *testing.T) {
	c := testCompiler(t)

	def, err := c.Compile(&Graph{
		Name: "linear",
		Nodes: []Node{
			entryNode("entry", "target"),
			{ID: "scan", Type: "test.scan"},
			{ID: "notify", Type: "test.notify"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "entry", Target: "scan", SourceHandle: "target", TargetHandle: "target"},
			{ID: "e2", Source: "scan", Target: "notify", SourceHandle: "summary", TargetHandle: "message"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "entry", def.Entrypoint.Ref)
	assert.Equal(t, 3, def.TotalActions)

	refs := make([]string, len(def.Actions))
	for i, a := range def.Actions {
		refs[i] = a.Ref
	}
	assert.Equal(t, []string{"entry", "scan", "notify"}, refs)

	scan, ok := def.Action("scan")
	require.True(t, ok)
	assert.Equal(t, []string{"entry"}, scan.DependsOn)
	assert.Equal(t, []model.Mapping{{SourceRef: "entry", SourceHandle: "target"}}, scan.InputMappings["target"])
	assert.Equal(t, []model.EdgeKind{{ToRef: "notify", Kind: model.EdgeSuccess}}, scan.EdgeKinds)

	assert.Equal(t, map[string]int{"entry": 0, "scan": 1, "notify": 1}, def.DependencyCounts)
}

func TestCompileDiamondListFanIn(t *testing.T) {
	c := testCompiler(t)

	def, err := c.Compile(&Graph{
		Name: "diamond",
		Nodes: []Node{
			entryNode("entry", "target"),
			{ID: "left", Type: "test.scan"},
			{ID: "right", Type: "test.scan"},
			{ID: "merge", Type: "test.collect", Data: NodeData{Config: NodeConfig{JoinStrategy: model.JoinAll}}},
		},
		Edges: []Edge{
			{ID: "e1", Source: "entry", Target: "left", SourceHandle: "target", TargetHandle: "target"},
			{ID: "e2", Source: "entry", Target: "right", SourceHandle: "target", TargetHandle: "target"},
			{ID: "e3", Source: "right", Target: "merge", SourceHandle: "summary", TargetHandle: "items"},
			{ID: "e4", Source: "left", Target: "merge", SourceHandle: "summary", TargetHandle: "items"},
		},
	})
	require.NoError(t, err)

	merge, ok := def.Action("merge")
	require.True(t, ok)
	assert.Equal(t, 2, def.DependencyCounts["merge"])
	assert.ElementsMatch(t, []string{"left", "right"}, merge.DependsOn)
	assert.Equal(t, model.JoinAll, merge.Join())

	// Fan-in into a list port collects in topological source order, not edge
	// declaration order.
	require.Len(t, merge.InputMappings["items"], 2)
	assert.Equal(t, "left", merge.InputMappings["items"][0].SourceRef)
	assert.Equal(t, "right", merge.InputMappings["items"][1].SourceRef)
}

func TestCompileRejectsCycle(t *testing.T) {
	c := testCompiler(t)

	_, err := c.Compile(&Graph{
		Name: "cyclic",
		Nodes: []Node{
			entryNode("entry", "target"),
			{ID: "a", Type: "test.scan"},
			{ID: "b", Type: "test.notify"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "entry", Target: "a", SourceHandle: "target", TargetHandle: "target"},
			{ID: "e2", Source: "a", Target: "b", SourceHandle: "summary", TargetHandle: "message"},
			{ID: "e3", Source: "b", Target: "a", SourceHandle: "delivered", TargetHandle: "target"},
		},
	})
	require.Error(t, err)
	assert.Equal(t, ErrWorkflowGraphContainsCycle, KindOf(err))
}

func TestCompileRejectsUnknownComponent(t *testing.T) {
	c := testCompiler(t)

	_, err := c.Compile(&Graph{
		Name:  "unknown",
		Nodes: []Node{{ID: "a", Type: "test.doesnotexist"}},
	})
	require.Error(t, err)
	assert.Equal(t, ErrComponentNotRegistered, KindOf(err))
}

func TestCompileRejectsTypeMismatch(t *testing.T) {
	c := testCompiler(t)

	_, err := c.Compile(&Graph{
		Name: "mismatch",
		Nodes: []Node{
			{ID: "num", Type: "test.number"},
			{ID: "scan", Type: "test.scan"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "num", Target: "scan", SourceHandle: "n", TargetHandle: "target"},
		},
	})
	require.Error(t, err)
	assert.Equal(t, ErrPortTypeMismatch, KindOf(err))
}

func TestCompileRejectsUnknownHandle(t *testing.T) {
	c := testCompiler(t)

	// A handle naming no declared port is a reference error, not a type error
	_, err := c.Compile(&Graph{
		Name: "bad-handle",
		Nodes: []Node{
			entryNode("entry", "target"),
			{ID: "scan", Type: "test.scan"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "entry", Target: "scan", SourceHandle: "target", TargetHandle: "nope"},
		},
	})
	require.Error(t, err)
	assert.Equal(t, ErrInvalidGraph, KindOf(err))

	// An empty handle is only allowed when exactly one port is declared;
	// test.scan has two outputs
	_, err = c.Compile(&Graph{
		Name: "missing-handle",
		Nodes: []Node{
			entryNode("entry", "target"),
			{ID: "scan", Type: "test.scan"},
			{ID: "notify", Type: "test.notify"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "entry", Target: "scan", SourceHandle: "target", TargetHandle: "target"},
			{ID: "e2", Source: "scan", Target: "notify", TargetHandle: "message"},
		},
	})
	require.Error(t, err)
	assert.Equal(t, ErrInvalidGraph, KindOf(err))
}

func TestCompileNestedSourceHandleTypeChecksAsAny(t *testing.T) {
	c := testCompiler(t)

	// report.vulns[0].id projects into the JSON report document; the static
	// type is unknown so the edge passes the type check.
	def, err := c.Compile(&Graph{
		Name: "nested",
		Nodes: []Node{
			entryNode("entry", "target"),
			{ID: "scan", Type: "test.scan"},
			{ID: "notify", Type: "test.notify"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "entry", Target: "scan", SourceHandle: "target", TargetHandle: "target"},
			{ID: "e2", Source: "scan", Target: "notify", SourceHandle: "report.severity", TargetHandle: "message"},
		},
	})
	require.NoError(t, err)

	notify, ok := def.Action("notify")
	require.True(t, ok)
	assert.Equal(t, "report.severity", notify.InputMappings["message"][0].SourceHandle)
}

func TestCompileRejectsSecondEdgeToScalarPort(t *testing.T) {
	c := testCompiler(t)

	_, err := c.Compile(&Graph{
		Name: "double",
		Nodes: []Node{
			entryNode("entry", "target"),
			{ID: "a", Type: "test.scan"},
			{ID: "b", Type: "test.scan"},
			{ID: "notify", Type: "test.notify"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "entry", Target: "a", SourceHandle: "target", TargetHandle: "target"},
			{ID: "e2", Source: "entry", Target: "b", SourceHandle: "target", TargetHandle: "target"},
			{ID: "e3", Source: "a", Target: "notify", SourceHandle: "summary", TargetHandle: "message"},
			{ID: "e4", Source: "b", Target: "notify", SourceHandle: "summary", TargetHandle: "message"},
		},
	})
	require.Error(t, err)
	assert.Equal(t, ErrMultipleEdgesToPort, KindOf(err))
}

func TestCompileEntrypointSelection(t *testing.T) {
	c := testCompiler(t)

	// Two explicit entrypoint nodes is ambiguous
	_, err := c.Compile(&Graph{
		Name: "two-entries",
		Nodes: []Node{
			entryNode("e1", "x"),
			entryNode("e2", "x"),
		},
	})
	require.Error(t, err)
	assert.Equal(t, ErrEntrypointAmbiguous, KindOf(err))

	// No explicit entrypoint and two input-less nodes is ambiguous too
	_, err = c.Compile(&Graph{
		Name: "two-sources",
		Nodes: []Node{
			{ID: "a", Type: "test.number"},
			{ID: "b", Type: "test.number"},
		},
	})
	require.Error(t, err)
	assert.Equal(t, ErrEntrypointAmbiguous, KindOf(err))

	// A single input-less node is the implicit entrypoint
	def, err := c.Compile(&Graph{
		Name:  "implicit",
		Nodes: []Node{{ID: "only", Type: "test.number"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "only", def.Entrypoint.Ref)
}

func TestCompileFailureEdgeKind(t *testing.T) {
	c := testCompiler(t)

	def, err := c.Compile(&Graph{
		Name: "failure-route",
		Nodes: []Node{
			entryNode("entry", "target"),
			{ID: "probe", Type: "test.scan"},
			{ID: "alert", Type: "test.notify"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "entry", Target: "probe", SourceHandle: "target", TargetHandle: "target"},
			{ID: "e2", Source: "probe", Target: "alert", SourceHandle: "summary", TargetHandle: "message", Kind: model.EdgeFailure},
		},
	})
	require.NoError(t, err)

	probe, ok := def.Action("probe")
	require.True(t, ok)
	assert.Equal(t, []model.EdgeKind{{ToRef: "alert", Kind: model.EdgeFailure}}, probe.EdgeKinds)
}

func TestCompileDeterministic(t *testing.T) {
	c := testCompiler(t)

	graph := func() *Graph {
		return &Graph{
			Name: "wide",
			Nodes: []Node{
				entryNode("entry", "target"),
				{ID: "c", Type: "test.scan"},
				{ID: "a", Type: "test.scan"},
				{ID: "b", Type: "test.scan"},
			},
			Edges: []Edge{
				{ID: "e1", Source: "entry", Target: "c", SourceHandle: "target", TargetHandle: "target"},
				{ID: "e2", Source: "entry", Target: "a", SourceHandle: "target", TargetHandle: "target"},
				{ID: "e3", Source: "entry", Target: "b", SourceHandle: "target", TargetHandle: "target"},
			},
		}
	}

	first, err := c.Compile(graph())
	require.NoError(t, err)
	second, err := c.Compile(graph())
	require.NoError(t, err)

	firstRefs := make([]string, len(first.Actions))
	secondRefs := make([]string, len(second.Actions))
	for i := range first.Actions {
		firstRefs[i] = first.Actions[i].Ref
		secondRefs[i] = second.Actions[i].Ref
	}
	// Ready-set ties break by declaration index, so c before a before b
	assert.Equal(t, []string{"entry", "c", "a", "b"}, firstRefs)
	assert.Equal(t, firstRefs, secondRefs)
}

func TestCompileDocumentSchema(t *testing.T) {
	c := testCompiler(t)

	_, err := c.CompileDocument([]byte(`{"nodes": [], "edges": []}`))
	require.Error(t, err)
	assert.Equal(t, ErrInvalidGraph, KindOf(err))

	_, err = c.CompileDocument([]byte(`not json`))
	require.Error(t, err)
	assert.Equal(t, ErrInvalidGraph, KindOf(err))

	doc := []byte(`{
		"name": "doc",
		"nodes": [{"id": "only", "type": "test.number", "position": {"x": 0, "y": 0}}],
		"edges": []
	}`)
	def, err := c.CompileDocument(doc)
	require.NoError(t, err)
	assert.Equal(t, "doc", def.Title)
	assert.Equal(t, "only", def.Entrypoint.Ref)
}
