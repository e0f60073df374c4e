package runner

import (
	"context"

	"github.com/secflowhq/secflow/common/fault"
	"github.com/secflowhq/secflow/registry"
)

// Inline runs a component's execute function directly inside the worker.
// Cancellation is cooperative through the supplied context.
type Inline struct{}

// Run invokes the component
func (Inline) Run(ctx context.Context, def *registry.Definition, ec registry.ExecuteContext, req *registry.ExecuteRequest) (map[string]any, error) {
	if def.Execute == nil {
		return nil, fault.New(fault.KindConfiguration, "component %s declares no execute function", def.ID)
	}
	return def.Execute(ctx, ec, req)
}
