package orchestrator

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// GuardEvaluator evaluates runIf expressions with compiled-program caching.
// An expression sees two variables: `nodes`, the output documents of resolved
// predecessors keyed by ref, and `run`, the run's inputs and identity.
type GuardEvaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewGuardEvaluator creates a guard evaluator with caching
func NewGuardEvaluator() *GuardEvaluator {
	return &GuardEvaluator{cache: make(map[string]cel.Program)}
}

// Evaluate runs a guard expression. A non-boolean result is an error, not a
// silent skip.
func (e *GuardEvaluator) Evaluate(expr string, upstream map[string]map[string]any, run map[string]any) (bool, error) {
	e.mu.RLock()
	prg, exists := e.cache[expr]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compile(expr)
		if err != nil {
			return false, err
		}
		e.mu.Lock()
		e.cache[expr] = prg
		e.mu.Unlock()
	}

	nodes := make(map[string]any, len(upstream))
	for ref, outputs := range upstream {
		nodes[ref] = outputs
	}

	out, _, err := prg.Eval(map[string]any{
		"nodes": nodes,
		"run":   run,
	})
	if err != nil {
		return false, fmt.Errorf("guard evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard expression did not return boolean, got %T", out.Value())
	}
	return result, nil
}

func (e *GuardEvaluator) compile(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("nodes", cel.DynType),
		cel.Variable("run", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("guard compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard program: %w", err)
	}
	return prg, nil
}

// CacheSize returns the number of cached guard programs
func (e *GuardEvaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
