package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/secflowhq/secflow/common/fault"
	"github.com/secflowhq/secflow/common/model"
	"github.com/secflowhq/secflow/ports"
	"github.com/secflowhq/secflow/registry"
	"github.com/secflowhq/secflow/store"
	"github.com/secflowhq/secflow/tracebus"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ComponentRunner executes one routed invocation; the runner package provides
// the dispatching implementation
type ComponentRunner interface {
	Run(ctx context.Context, def *registry.Definition, ec registry.ExecuteContext, req *registry.ExecuteRequest) (map[string]any, error)
}

// Opts configures an activity executor
type Opts struct {
	Registry *registry.Registry
	Store    store.Store
	Recorder *tracebus.Recorder
	Runners  ComponentRunner
	Logger   Logger

	HTTPClient *http.Client
	Secrets    registry.SecretReader
	Files      registry.FileStore
	Artifacts  registry.ArtifactStore

	// Sleep waits between retry attempts; injectable for tests
	Sleep func(ctx context.Context, d time.Duration) error
	// Now is the clock; injectable for tests
	Now func() time.Time
}

// Executor runs one node activity end to end: port resolution, input
// routing, runner dispatch, retries, and the per-attempt trace and node I/O
// records.
type Executor struct {
	registry *registry.Registry
	store    store.Store
	recorder *tracebus.Recorder
	runners  ComponentRunner
	logger   Logger

	client    *http.Client
	secrets   registry.SecretReader
	files     registry.FileStore
	artifacts registry.ArtifactStore

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewExecutor creates an activity executor
func NewExecutor(opts *Opts) *Executor {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Executor{
		registry:  opts.Registry,
		store:     opts.Store,
		recorder:  opts.Recorder,
		runners:   opts.Runners,
		logger:    opts.Logger,
		client:    client,
		secrets:   opts.Secrets,
		files:     opts.Files,
		artifacts: opts.Artifacts,
		sleep:     sleep,
		now:       now,
	}
}

// ActivityRequest describes one dispatched node activity
type ActivityRequest struct {
	RunID  string
	Action *model.Action

	// Upstream holds the output documents of resolved predecessors by ref
	Upstream map[string]map[string]any
	// Override is the run-level override for this node, zero when absent
	Override model.NodeOverride

	// TriggeredBy names what dispatched this activity, carried into event
	// metadata
	TriggeredBy string
	Metadata    map[string]any
}

// ActivityResult is the outcome of a successful activity
type ActivityResult struct {
	Outputs  map[string]any
	Attempts int
}

// Execute runs the activity to a terminal outcome. Every attempt leaves a
// STARTED event, exactly one terminal event, and a node I/O record keyed by
// (runId, nodeRef, attempt). The returned error is always classified.
func (e *Executor) Execute(ctx context.Context, req *ActivityRequest) (*ActivityResult, error) {
	action := req.Action
	activityID := uuid.New().String()

	def, ok := e.registry.Lookup(action.ComponentID)
	if !ok {
		return nil, e.failBeforeRun(ctx, req, activityID, 1,
			fault.New(fault.KindConfiguration, "component %s is not registered", action.ComponentID))
	}

	params, err := MergeParams(action.Params, req.Override.Params)
	if err != nil {
		return nil, e.failBeforeRun(ctx, req, activityID, 1,
			fault.Wrap(fault.KindConfiguration, err, "apply params override for %s", action.Ref))
	}

	portSet, err := def.EffectivePorts(params)
	if err != nil {
		return nil, e.failBeforeRun(ctx, req, activityID, 1,
			fault.Wrap(fault.KindConfiguration, err, "resolve ports for %s", action.Ref))
	}

	routed, err := RouteInputs(&RouteRequest{
		Action:    action,
		Inputs:    portSet.Inputs,
		Upstream:  req.Upstream,
		Overrides: MergeOverrides(action.InputOverrides, req.Override.InputOverrides),
	})
	if err != nil {
		return nil, e.failBeforeRun(ctx, req, activityID, 1, err)
	}
	for _, warning := range routed.Warnings {
		e.logger.Warn("input coercion failed",
			"run_id", req.RunID, "node_ref", action.Ref, "detail", warning)
	}

	inputsJSON, err := json.Marshal(routed.Inputs)
	if err != nil {
		return nil, e.failBeforeRun(ctx, req, activityID, 1,
			fault.Wrap(fault.KindInternal, err, "encode inputs for %s", action.Ref))
	}

	policy := def.Retry
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialInterval
	bo.MaxInterval = policy.MaxInterval
	bo.Multiplier = policy.BackoffCoefficient
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	execReq := &registry.ExecuteRequest{Inputs: routed.Inputs, Params: params}

	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fault.Wrap(fault.KindCancelled, ctxErr, "activity %s cancelled", action.Ref)
		}

		started := e.now()
		if err := e.emitStarted(ctx, req, def, activityID, attempt); err != nil {
			return nil, err
		}
		if err := e.upsertAttempt(ctx, req, attempt, model.NodeRunning, started, nil, inputsJSON, nil, nil); err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "persist attempt %d of %s", attempt, action.Ref)
		}

		ec := &activityContext{
			ctx:       ctx,
			runID:     req.RunID,
			nodeRef:   action.Ref,
			attempt:   attempt,
			metadata:  req.Metadata,
			action:    action,
			recorder:  e.recorder,
			logger:    e.logger,
			client:    e.client,
			secrets:   e.secrets,
			files:     e.files,
			artifacts: e.artifacts,
		}

		outputs, runErr := e.runners.Run(ctx, def, ec, execReq)
		completed := e.now()

		// Terminal writes must land even when the attempt's own context was
		// cancelled mid-run, or the record stays running forever
		persistCtx := context.WithoutCancel(ctx)

		if runErr == nil {
			e.checkOutputs(req, portSet, outputs)
			outputsJSON, err := json.Marshal(outputs)
			if err != nil {
				runErr = fault.Wrap(fault.KindInternal, err, "encode outputs of %s", action.Ref)
			} else {
				if err := e.upsertAttempt(persistCtx, req, attempt, model.NodeCompleted, started, &completed, inputsJSON, outputsJSON, nil); err != nil {
					return nil, fault.Wrap(fault.KindInternal, err, "persist outputs of %s", action.Ref)
				}
				e.emitTerminal(persistCtx, req, def, activityID, attempt, &model.TraceEvent{
					Type:          model.EventCompleted,
					Level:         model.LevelInfo,
					Message:       action.Label,
					OutputSummary: OutputSummary(outputs),
				})
				return &ActivityResult{Outputs: outputs, Attempts: attempt}, nil
			}
		}

		kind := fault.KindOf(runErr)
		if upErr := e.upsertAttempt(persistCtx, req, attempt, model.NodeFailed, started, &completed, inputsJSON, nil, runErr); upErr != nil {
			e.logger.Error("failed attempt record not persisted",
				"run_id", req.RunID, "node_ref", action.Ref, "attempt", attempt, "error", upErr)
		}
		e.emitTerminal(persistCtx, req, def, activityID, attempt, &model.TraceEvent{
			Type:    model.EventFailed,
			Level:   model.LevelError,
			Message: runErr.Error(),
			Error: &model.EventError{
				Message: runErr.Error(),
				Kind:    kind,
				Details: fault.DetailsOf(runErr),
			},
		})

		if !policy.Retryable(kind) {
			e.logger.Info("activity failed with non-retryable kind",
				"run_id", req.RunID, "node_ref", action.Ref, "attempt", attempt, "kind", kind)
			return nil, runErr
		}
		if attempt >= policy.MaxAttempts {
			e.logger.Info("activity exhausted retry attempts",
				"run_id", req.RunID, "node_ref", action.Ref, "attempts", attempt, "kind", kind)
			return nil, runErr
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return nil, runErr
		}
		e.logger.Debug("retrying activity",
			"run_id", req.RunID, "node_ref", action.Ref,
			"next_attempt", attempt+1, "delay_ms", delay.Milliseconds())
		if err := e.sleep(ctx, delay); err != nil {
			return nil, fault.Wrap(fault.KindCancelled, err, "retry wait for %s interrupted", action.Ref)
		}
	}
}

// failBeforeRun records the trace and node I/O footprint of an activity that
// failed before its runner was ever invoked, so invariant bookkeeping
// downstream sees the usual STARTED plus terminal pair.
func (e *Executor) failBeforeRun(ctx context.Context, req *ActivityRequest, activityID string, attempt int, failure error) error {
	now := e.now()
	persistCtx := context.WithoutCancel(ctx)
	def := &registry.Definition{Retry: registry.DefaultRetryPolicy()}
	if d, ok := e.registry.Lookup(req.Action.ComponentID); ok {
		def = d
	}

	if err := e.emitStarted(persistCtx, req, def, activityID, attempt); err != nil {
		e.logger.Error("started event not recorded",
			"run_id", req.RunID, "node_ref", req.Action.Ref, "error", err)
	}
	kind := fault.KindOf(failure)
	if err := e.upsertAttempt(persistCtx, req, attempt, model.NodeFailed, now, &now, nil, nil, failure); err != nil {
		e.logger.Error("failed attempt record not persisted",
			"run_id", req.RunID, "node_ref", req.Action.Ref, "error", err)
	}
	e.emitTerminal(persistCtx, req, def, activityID, attempt, &model.TraceEvent{
		Type:    model.EventFailed,
		Level:   model.LevelError,
		Message: failure.Error(),
		Error: &model.EventError{
			Message: failure.Error(),
			Kind:    kind,
			Details: fault.DetailsOf(failure),
		},
	})
	return failure
}

func (e *Executor) emitStarted(ctx context.Context, req *ActivityRequest, def *registry.Definition, activityID string, attempt int) error {
	_, err := e.recorder.Record(ctx, req.RunID, &model.TraceEvent{
		RunID:     req.RunID,
		NodeRef:   req.Action.Ref,
		Type:      model.EventStarted,
		Level:     model.LevelInfo,
		Timestamp: e.now(),
		Message:   req.Action.Label,
		Metadata: model.EventMetadata{
			ActivityID:   activityID,
			Attempt:      attempt,
			StreamID:     req.Action.StreamID,
			GroupID:      req.Action.GroupID,
			JoinStrategy: string(req.Action.JoinStrategy),
			TriggeredBy:  req.TriggeredBy,
			RetryPolicy:  encodeRetryPolicy(def.Retry),
		},
	})
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "record started event for %s", req.Action.Ref)
	}
	return nil
}

// emitTerminal records a terminal attempt event. Losing it is logged, not
// fatal: the node I/O record already carries the outcome.
func (e *Executor) emitTerminal(ctx context.Context, req *ActivityRequest, def *registry.Definition, activityID string, attempt int, ev *model.TraceEvent) {
	ev.RunID = req.RunID
	ev.NodeRef = req.Action.Ref
	ev.Timestamp = e.now()
	ev.Metadata = model.EventMetadata{
		ActivityID:   activityID,
		Attempt:      attempt,
		StreamID:     req.Action.StreamID,
		GroupID:      req.Action.GroupID,
		JoinStrategy: string(req.Action.JoinStrategy),
		TriggeredBy:  req.TriggeredBy,
	}
	if _, err := e.recorder.Record(ctx, req.RunID, ev); err != nil {
		e.logger.Error("terminal event not recorded",
			"run_id", req.RunID, "node_ref", req.Action.Ref,
			"attempt", attempt, "event_type", ev.Type, "error", err)
	}
}

func (e *Executor) upsertAttempt(ctx context.Context, req *ActivityRequest, attempt int, status model.NodeIOStatus, started time.Time, completed *time.Time, inputs, outputs json.RawMessage, failure error) error {
	rec := &model.NodeIO{
		RunID:     req.RunID,
		NodeRef:   req.Action.Ref,
		Attempt:   attempt,
		Status:    status,
		StartedAt: started,
		Inputs:    inputs,
		Outputs:   outputs,
	}
	if completed != nil {
		rec.CompletedAt = completed
		rec.DurationMS = completed.Sub(started).Milliseconds()
	}
	if failure != nil {
		rec.ErrorMessage = failure.Error()
		rec.ErrorKind = fault.KindOf(failure)
	}
	return e.store.UpsertNodeIO(ctx, rec)
}

// checkOutputs verifies the outputs against the declared output schema. A
// value that does not fit its port type is a warning; components own their
// output shape.
func (e *Executor) checkOutputs(req *ActivityRequest, portSet *registry.PortSet, outputs map[string]any) {
	for _, port := range portSet.Outputs {
		value, ok := outputs[port.ID]
		if !ok || value == nil {
			continue
		}
		if _, ok := ports.Coerce(value, port.Type); !ok {
			e.logger.Warn("output does not match declared port type",
				"run_id", req.RunID, "node_ref", req.Action.Ref,
				"port", port.ID, "want", port.Type.String())
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
