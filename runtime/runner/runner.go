package runner

import (
	"context"

	"github.com/secflowhq/secflow/common/fault"
	"github.com/secflowhq/secflow/registry"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Runner executes one component invocation with routed inputs
type Runner interface {
	Run(ctx context.Context, def *registry.Definition, ec registry.ExecuteContext, req *registry.ExecuteRequest) (map[string]any, error)
}

// Opts configures a runner dispatcher
type Opts struct {
	// ContainerBinary is the container engine CLI, docker by default
	ContainerBinary string
	Logger          Logger
}

// Dispatcher routes an invocation to the adapter declared by the component
type Dispatcher struct {
	inline    Runner
	container Runner
}

// NewDispatcher creates a dispatcher over the inline and container adapters
func NewDispatcher(opts *Opts) *Dispatcher {
	return &Dispatcher{
		inline:    &Inline{},
		container: NewContainer(opts.ContainerBinary, opts.Logger),
	}
}

// Run dispatches by the component's declared runner kind
func (d *Dispatcher) Run(ctx context.Context, def *registry.Definition, ec registry.ExecuteContext, req *registry.ExecuteRequest) (map[string]any, error) {
	switch def.Runner.Kind {
	case registry.RunnerInline, "":
		return d.inline.Run(ctx, def, ec, req)
	case registry.RunnerContainer:
		return d.container.Run(ctx, def, ec, req)
	case registry.RunnerRemote:
		return nil, fault.New(fault.KindConfiguration, "remote runner is not available for component %s", def.ID)
	}
	return nil, fault.New(fault.KindConfiguration, "unknown runner kind %q for component %s", def.Runner.Kind, def.ID)
}
