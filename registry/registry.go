package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/secflowhq/secflow/common/fault"
	"github.com/secflowhq/secflow/ports"
)

// Well-known component IDs owned by the orchestrator rather than by user code
const (
	ComponentEntrypoint      = "core.workflow.entrypoint"
	ComponentEntrypointAlias = "entry-point"
	ComponentSubworkflow     = "core.workflow.call"
)

// RunnerKind selects how a component executes
type RunnerKind string

const (
	RunnerInline    RunnerKind = "inline"
	RunnerContainer RunnerKind = "container"
	RunnerRemote    RunnerKind = "remote" // reserved
)

// Runner declares the execution vehicle of a component
type Runner struct {
	Kind           RunnerKind `json:"kind"`
	Image          string     `json:"image,omitempty"`
	Command        []string   `json:"command,omitempty"`
	TimeoutSeconds int        `json:"timeoutSeconds,omitempty"`
}

// Timeout returns the configured container timeout, zero meaning none
func (r Runner) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// RetryPolicy governs retries of a failing activity
type RetryPolicy struct {
	MaxAttempts        int           `json:"maxAttempts"`
	InitialInterval    time.Duration `json:"initialInterval"`
	MaxInterval        time.Duration `json:"maxInterval"`
	BackoffCoefficient float64       `json:"backoffCoefficient"`
	NonRetryable       []fault.Kind  `json:"nonRetryableErrorKinds,omitempty"`
}

// DefaultRetryPolicy is applied when a component declares none
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        1,
		InitialInterval:    time.Second,
		MaxInterval:        30 * time.Second,
		BackoffCoefficient: 2.0,
	}
}

// Retryable reports whether the given kind may be retried under this policy.
// The taxonomy's inherently non-retryable kinds are fatal regardless.
func (p RetryPolicy) Retryable(kind fault.Kind) bool {
	if !kind.Retryable() {
		return false
	}
	for _, k := range p.NonRetryable {
		if k == kind {
			return false
		}
	}
	return true
}

// ProgressEvent is emitted by a running component through its context
type ProgressEvent struct {
	Level   string         `json:"level,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// ExecuteContext is the activity-side contract handed to a component.
// Implemented by the activity runtime; components only consume it.
type ExecuteContext interface {
	RunID() string
	ComponentRef() string
	Attempt() int
	Metadata() map[string]any

	Logger() Logger
	EmitProgress(ev ProgressEvent)
	Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error)

	Secrets() SecretReader
	Files() FileStore
	Artifacts() ArtifactStore
}

// Logger is the minimal logging surface exposed to components
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// FetchRequest describes an outbound HTTP call made on behalf of a component.
// SensitiveHeaders are redacted from logs but sent on the wire.
type FetchRequest struct {
	Method           string
	URL              string
	Headers          map[string]string
	Body             []byte
	SensitiveHeaders []string
}

// FetchResponse is the result of a component HTTP call
type FetchResponse struct {
	StatusCode int
	Headers    map[string][]string
	Body       []byte
}

// SecretReader resolves named secrets (external collaborator, interface only)
type SecretReader interface {
	Get(ctx context.Context, name string) (string, error)
}

// FileStore resolves file-typed port values (external collaborator)
type FileStore interface {
	Open(ctx context.Context, ref string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// ArtifactStore persists run artifacts (external collaborator)
type ArtifactStore interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// ExecuteRequest carries the routed, coerced inputs and params of one call
type ExecuteRequest struct {
	Inputs map[string]any
	Params map[string]any
}

// ExecuteFunc is a component's inline implementation
type ExecuteFunc func(ctx context.Context, ec ExecuteContext, req *ExecuteRequest) (map[string]any, error)

// PortSet is the effective schema returned by ResolvePorts
type PortSet struct {
	Inputs  ports.Ports
	Outputs ports.Ports
}

// ResolvePortsFunc computes the effective ports of a node from its params,
// overriding the static declaration
type ResolvePortsFunc func(params map[string]any) (*PortSet, error)

// Definition is an immutable component record
type Definition struct {
	ID       string
	Label    string
	Category string

	Inputs     ports.Ports
	Outputs    ports.Ports
	Parameters ports.Ports

	Runner Runner
	Retry  RetryPolicy

	ResolvePorts ResolvePortsFunc
	Execute      ExecuteFunc
}

// EffectivePorts resolves dynamic ports from params, falling back to the
// static declaration
func (d *Definition) EffectivePorts(params map[string]any) (*PortSet, error) {
	if d.ResolvePorts == nil {
		return &PortSet{Inputs: d.Inputs, Outputs: d.Outputs}, nil
	}
	resolved, err := d.ResolvePorts(params)
	if err != nil {
		return nil, fmt.Errorf("resolve ports for %s: %w", d.ID, err)
	}
	if resolved.Inputs == nil {
		resolved.Inputs = d.Inputs
	}
	if resolved.Outputs == nil {
		resolved.Outputs = d.Outputs
	}
	return resolved, nil
}

// Registry is the component lookup table. Read-only after Build.
type Registry struct {
	defs map[string]*Definition
}

// Builder assembles a registry at init time
type Builder struct {
	defs map[string]*Definition
	errs []error
}

// NewBuilder creates an empty registry builder
func NewBuilder() *Builder {
	return &Builder{defs: make(map[string]*Definition)}
}

// Register adds a component definition. Errors are collected and surfaced by
// Build so call sites can chain registrations.
func (b *Builder) Register(def *Definition) *Builder {
	if def.ID == "" {
		b.errs = append(b.errs, fmt.Errorf("component with empty id"))
		return b
	}
	if _, exists := b.defs[def.ID]; exists {
		b.errs = append(b.errs, fmt.Errorf("component %s registered twice", def.ID))
		return b
	}
	if def.Retry.MaxAttempts <= 0 {
		def.Retry = mergeRetry(def.Retry)
	}
	if def.Runner.Kind == "" {
		def.Runner.Kind = RunnerInline
	}
	b.defs[def.ID] = def
	return b
}

// Build finalises the registry
func (b *Builder) Build() (*Registry, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("registry build failed: %v", b.errs)
	}
	defs := make(map[string]*Definition, len(b.defs))
	for id, def := range b.defs {
		defs[id] = def
	}
	return &Registry{defs: defs}, nil
}

func mergeRetry(p RetryPolicy) RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.BackoffCoefficient <= 0 {
		p.BackoffCoefficient = def.BackoffCoefficient
	}
	return p
}

// Lookup returns the definition for a component ID
func (r *Registry) Lookup(id string) (*Definition, bool) {
	def, ok := r.defs[id]
	return def, ok
}

// IDs returns all registered component IDs, sorted
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsEntrypoint reports whether the component ID denotes the entrypoint
func IsEntrypoint(componentID string) bool {
	return componentID == ComponentEntrypoint || componentID == ComponentEntrypointAlias
}
