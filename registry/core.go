package registry

import (
	"context"
	"fmt"

	"github.com/secflowhq/secflow/ports"
)

// CoreComponents returns the built-in components every registry carries.
// The entrypoint echoes the run's trigger inputs; the sub-workflow call has
// no Execute because the orchestrator intercepts it and starts a child run.
func CoreComponents() []*Definition {
	return []*Definition{
		entrypointDefinition(ComponentEntrypoint),
		entrypointDefinition(ComponentEntrypointAlias),
		subworkflowDefinition(),
	}
}

func entrypointDefinition(id string) *Definition {
	return &Definition{
		ID:       id,
		Label:    "Entrypoint",
		Category: "core",
		Parameters: ports.Ports{
			{ID: "inputs", Label: "Runtime inputs", Type: ports.Map(ports.Any())},
		},
		Runner: Runner{Kind: RunnerInline},
		// Outputs follow the runtime inputs declared in params
		ResolvePorts: func(params map[string]any) (*PortSet, error) {
			declared, _ := params["inputs"].(map[string]any)
			outs := make(ports.Ports, 0, len(declared))
			ins := make(ports.Ports, 0, len(declared))
			for name := range declared {
				outs = append(outs, ports.Port{ID: name, Type: ports.Any()})
				ins = append(ins, ports.Port{ID: name, Type: ports.Any()})
			}
			if len(outs) == 0 {
				outs = ports.Ports{{ID: "trigger", Type: ports.Any()}}
				ins = ports.Ports{{ID: "trigger", Type: ports.Any()}}
			}
			return &PortSet{Inputs: ins, Outputs: outs}, nil
		},
		Execute: func(ctx context.Context, ec ExecuteContext, req *ExecuteRequest) (map[string]any, error) {
			// Trigger inputs arrive as input overrides injected by the
			// orchestrator; pass them through unchanged.
			return req.Inputs, nil
		},
	}
}

func subworkflowDefinition() *Definition {
	return &Definition{
		ID:       ComponentSubworkflow,
		Label:    "Call workflow",
		Category: "core",
		Parameters: ports.Ports{
			{ID: "workflowId", Type: ports.Primitive(ports.PrimText), Required: true},
			{ID: "versionStrategy", Type: ports.Primitive(ports.PrimText), Default: "latest"},
			{ID: "versionId", Type: ports.Primitive(ports.PrimText)},
		},
		Inputs: ports.Ports{
			{ID: "inputs", Type: ports.Map(ports.Any())},
		},
		Outputs: ports.Ports{
			{ID: "outputs", Type: ports.Map(ports.Any())},
		},
		Runner: Runner{Kind: RunnerInline},
		Execute: func(ctx context.Context, ec ExecuteContext, req *ExecuteRequest) (map[string]any, error) {
			// Never reached: the orchestrator intercepts this component ID
			// and runs the child workflow itself.
			return nil, fmt.Errorf("core.workflow.call must be executed by the orchestrator")
		},
	}
}
