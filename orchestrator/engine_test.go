package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secflowhq/secflow/common/fault"
	"github.com/secflowhq/secflow/common/model"
	"github.com/secflowhq/secflow/compiler"
	"github.com/secflowhq/secflow/registry"
	"github.com/secflowhq/secflow/store"
)

func TestStartRunValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.StartRun(ctx, &StartRunRequest{})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	_, err = f.engine.StartRun(ctx, &StartRunRequest{
		WorkflowID: "wf",
		Version:    1,
		VersionID:  "wf-v1",
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	_, err = f.engine.StartRun(ctx, &StartRunRequest{WorkflowID: "no-such-workflow"})
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestStartRunVersionSelection(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	def, err := f.compiler.Compile(linearGraph())
	require.NoError(t, err)
	require.NoError(t, f.store.PutWorkflowVersion(ctx, "wf-ver", "wf-ver-v1", 1, def))
	require.NoError(t, f.store.PutWorkflowVersion(ctx, "wf-ver", "wf-ver-v2", 2, def))

	// Neither selector means latest
	run, err := f.engine.StartRun(ctx, &StartRunRequest{WorkflowID: "wf-ver"})
	require.NoError(t, err)
	assert.Equal(t, 2, run.WorkflowVersion)
	assert.Equal(t, "wf-ver-v2", run.WorkflowVersionID)

	run, err = f.engine.StartRun(ctx, &StartRunRequest{WorkflowID: "wf-ver", Version: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, run.WorkflowVersion)
	assert.Equal(t, "wf-ver-v1", run.WorkflowVersionID)

	run, err = f.engine.StartRun(ctx, &StartRunRequest{WorkflowID: "wf-ver", VersionID: "wf-ver-v1"})
	require.NoError(t, err)
	assert.Equal(t, "wf-ver-v1", run.WorkflowVersionID)

	_, err = f.engine.StartRun(ctx, &StartRunRequest{WorkflowID: "wf-ver", Version: 9})
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestStartRunIdempotencyKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "wf-idem", linearGraph())

	first, err := f.engine.StartRun(ctx, &StartRunRequest{
		WorkflowID:     "wf-idem",
		IdempotencyKey: "trigger-42",
	})
	require.NoError(t, err)

	again, err := f.engine.StartRun(ctx, &StartRunRequest{
		WorkflowID:     "wf-idem",
		IdempotencyKey: "trigger-42",
	})
	require.NoError(t, err)
	assert.Equal(t, first.RunID, again.RunID)
}

// callGraph is a workflow whose entrypoint is a single sub-workflow call
func callGraph(childWorkflowID string) *compiler.Graph {
	return &compiler.Graph{
		Name: "caller",
		Nodes: []compiler.Node{
			{
				ID:   "call",
				Type: registry.ComponentSubworkflow,
				Data: compiler.NodeData{Config: compiler.NodeConfig{
					Params: map[string]any{"workflowId": childWorkflowID},
				}},
			},
		},
	}
}

func TestSubworkflowCall(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Child: a bare entrypoint that echoes its trigger inputs
	f.seed(t, "child-wf", &compiler.Graph{
		Name:  "child",
		Nodes: []compiler.Node{entryNode("entry", "target")},
	})
	f.seed(t, "parent-wf", callGraph("child-wf"))

	run := f.execute(t, &StartRunRequest{
		WorkflowID: "parent-wf",
		Inputs:     map[string]any{"inputs": map[string]any{"target": "example.com"}},
	})

	assert.Equal(t, model.RunCompleted, run.Status)

	// The call node holds the child's terminal outputs keyed by node ref
	rec, err := f.store.GetNodeIO(ctx, run.RunID, "call")
	require.NoError(t, err)
	assert.Equal(t, model.NodeCompleted, rec.Status)
	assert.JSONEq(t, `{"entry":{"target":"example.com"}}`, string(rec.Outputs))

	// The child run is linked back to its caller
	children, err := f.store.ListRuns(ctx, store.RunFilter{ParentRunID: run.RunID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	child := children[0]
	assert.Equal(t, "child-wf", child.WorkflowID)
	assert.Equal(t, model.RunCompleted, child.Status)
	assert.Equal(t, "call", child.ParentNodeRef)
	assert.Equal(t, run.RunID, child.TriggerSource)
	assert.Equal(t, map[string]any{"target": "example.com"}, child.Inputs)
}

func TestSubworkflowChildFailurePropagatesKind(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.seed(t, "broken-wf", &compiler.Graph{
		Name:  "broken",
		Nodes: []compiler.Node{{ID: "boom", Type: "test.fail"}},
	})
	f.seed(t, "caller-wf", callGraph("broken-wf"))

	run := f.execute(t, &StartRunRequest{WorkflowID: "caller-wf"})

	assert.Equal(t, model.RunFailed, run.Status)
	require.NotNil(t, run.Failure)
	assert.Equal(t, fault.KindService, run.Failure.Kind)
	assert.Contains(t, run.Failure.Reason, "probe exploded")

	rec, err := f.store.GetNodeIO(ctx, run.RunID, "call")
	require.NoError(t, err)
	assert.Equal(t, model.NodeFailed, rec.Status)
	assert.Equal(t, fault.KindService, rec.ErrorKind)

	children, err := f.store.ListRuns(ctx, store.RunFilter{ParentRunID: run.RunID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, model.RunFailed, children[0].Status)
}

func TestSubworkflowUnknownChildFails(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "dangling-wf", callGraph("no-such-child"))

	run := f.execute(t, &StartRunRequest{WorkflowID: "dangling-wf"})

	assert.Equal(t, model.RunFailed, run.Status)
	require.NotNil(t, run.Failure)
	assert.Equal(t, fault.KindNotFound, run.Failure.Kind)
}

func TestSubworkflowVersionStrategyValidation(t *testing.T) {
	f := newFixture(t, nil)

	f.seed(t, "child-wf", &compiler.Graph{
		Name:  "child",
		Nodes: []compiler.Node{entryNode("entry", "target")},
	})
	g := callGraph("child-wf")
	g.Nodes[0].Data.Config.Params["versionStrategy"] = VersionSpecific
	f.seed(t, "strict-wf", g)

	run := f.execute(t, &StartRunRequest{WorkflowID: "strict-wf"})

	// specific without a versionId is a configuration mistake, not a crash
	assert.Equal(t, model.RunFailed, run.Status)
	require.NotNil(t, run.Failure)
	assert.Equal(t, fault.KindValidation, run.Failure.Kind)
}
