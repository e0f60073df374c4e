package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/secflowhq/secflow/common/fault"
	"github.com/secflowhq/secflow/common/metrics"
	"github.com/secflowhq/secflow/common/model"
	"github.com/secflowhq/secflow/registry"
	"github.com/secflowhq/secflow/runtime"
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

// DefaultGracePeriod bounds how long cancellation waits for in-flight
// activities before recording them failed
const DefaultGracePeriod = 10 * time.Second

// ActivityExecutor runs one node activity to a terminal outcome; the runtime
// package provides the implementation
type ActivityExecutor interface {
	Execute(ctx context.Context, req *runtime.ActivityRequest) (*runtime.ActivityResult, error)
}

// Opts configures an engine
type Opts struct {
	Store    store.Store
	Registry *registry.Registry
	Executor ActivityExecutor
	Recorder *tracebus.Recorder
	Logger   Logger
	Metrics  *metrics.Metrics

	// GracePeriod bounds cancellation drain; defaults to DefaultGracePeriod
	GracePeriod time.Duration
	// RunTimeout bounds a whole run; zero means none
	RunTimeout time.Duration
	// MaxConcurrency caps in-flight activities per run; zero means unbounded
	MaxConcurrency int

	// Now is the clock; injectable for tests
	Now func() time.Time
	// NewRunID generates run ids; injectable for tests
	NewRunID func() string
}

// Engine is the durable DAG executor. StartRun creates a run against a
// committed workflow version; Execute drives it to a terminal status with a
// single-writer scheduler loop per run.
type Engine struct {
	store    store.Store
	registry *registry.Registry
	executor ActivityExecutor
	recorder *tracebus.Recorder
	logger   Logger
	metrics  *metrics.Metrics
	guards   *GuardEvaluator

	gracePeriod    time.Duration
	runTimeout     time.Duration
	maxConcurrency int

	now      func() time.Time
	newRunID func() string

	mu       sync.Mutex
	controls map[string]*runControl
}

// signalMode distinguishes the two external stop signals
type signalMode int

const (
	signalCancel signalMode = iota
	signalTerminate
)

type runControl struct {
	signals chan signalMode
}

// NewEngine creates an engine
func NewEngine(opts *Opts) *Engine {
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newRunID := opts.NewRunID
	if newRunID == nil {
		newRunID = func() string { return uuid.New().String() }
	}
	return &Engine{
		store:          opts.Store,
		registry:       opts.Registry,
		executor:       opts.Executor,
		recorder:       opts.Recorder,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		guards:         NewGuardEvaluator(),
		gracePeriod:    grace,
		runTimeout:     opts.RunTimeout,
		maxConcurrency: opts.MaxConcurrency,
		now:            now,
		newRunID:       newRunID,
		controls:       make(map[string]*runControl),
	}
}

// StartRunRequest describes a run submission
type StartRunRequest struct {
	WorkflowID string
	// Version selects a committed version by number; VersionID by id. At
	// most one may be set; neither means latest.
	Version   int
	VersionID string

	Inputs        map[string]any
	NodeOverrides map[string]model.NodeOverride

	TriggerType   model.TriggerType
	TriggerSource string
	TriggerLabel  string

	IdempotencyKey string
	RunID          string

	ParentRunID   string
	ParentNodeRef string
}

// StartRun resolves the workflow version and creates the run. Submission is
// deduplicated by idempotency key: a repeated key returns the existing run.
// The run is created QUEUED; Execute drives it.
func (e *Engine) StartRun(ctx context.Context, req *StartRunRequest) (*model.Run, error) {
	if req.WorkflowID == "" {
		return nil, fault.New(fault.KindValidation, "workflowId is required")
	}
	if req.Version != 0 && req.VersionID != "" {
		return nil, fault.New(fault.KindValidation, "version and versionId are mutually exclusive")
	}

	def, versionID, version, err := e.loadVersion(ctx, req)
	if err != nil {
		return nil, err
	}

	runID := req.RunID
	if runID == "" {
		runID = e.newRunID()
	}
	triggerType := req.TriggerType
	if triggerType == "" {
		triggerType = model.TriggerManual
	}

	run, err := e.store.CreateRun(ctx, &store.CreateRunRequest{
		RunID:             runID,
		WorkflowID:        req.WorkflowID,
		WorkflowVersionID: versionID,
		WorkflowVersion:   version,
		TriggerType:       triggerType,
		TriggerSource:     req.TriggerSource,
		TriggerLabel:      req.TriggerLabel,
		ParentRunID:       req.ParentRunID,
		ParentNodeRef:     req.ParentNodeRef,
		Inputs:            req.Inputs,
		NodeOverrides:     req.NodeOverrides,
		TotalActions:      def.TotalActions,
		IdempotencyKey:    req.IdempotencyKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create run for %s: %w", req.WorkflowID, err)
	}

	if e.metrics != nil && run.RunID == runID {
		e.metrics.RunsStarted.Inc()
	}
	e.logger.Info("run created",
		"run_id", run.RunID,
		"workflow_id", run.WorkflowID,
		"version", run.WorkflowVersion,
		"trigger", run.TriggerType)
	return run, nil
}

func (e *Engine) loadVersion(ctx context.Context, req *StartRunRequest) (*model.Definition, string, int, error) {
	switch {
	case req.VersionID != "":
		def, version, err := e.store.GetWorkflowVersion(ctx, req.WorkflowID, req.VersionID)
		if err != nil {
			return nil, "", 0, fault.Wrap(fault.KindNotFound, err, "workflow %s version %s", req.WorkflowID, req.VersionID)
		}
		return def, req.VersionID, version, nil
	case req.Version != 0:
		def, versionID, err := e.store.GetWorkflowVersionByNumber(ctx, req.WorkflowID, req.Version)
		if err != nil {
			return nil, "", 0, fault.Wrap(fault.KindNotFound, err, "workflow %s version %d", req.WorkflowID, req.Version)
		}
		return def, versionID, req.Version, nil
	default:
		def, versionID, version, err := e.store.GetLatestWorkflowVersion(ctx, req.WorkflowID)
		if err != nil {
			return nil, "", 0, fault.Wrap(fault.KindNotFound, err, "latest version of workflow %s", req.WorkflowID)
		}
		return def, versionID, version, nil
	}
}

// Execute drives a run to a terminal status. It is the single writer of the
// run's state; activities it dispatches execute in parallel. Loading the
// definition is fatal when it fails, never silent.
func (e *Engine) Execute(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		e.logger.Info("run already terminal", "run_id", runID, "status", run.Status)
		return nil
	}

	def, _, err := e.store.GetWorkflowVersion(ctx, run.WorkflowID, run.WorkflowVersionID)
	if err != nil {
		failure := &model.Failure{
			Reason: fmt.Sprintf("workflow version %s could not be loaded", run.WorkflowVersionID),
			Kind:   fault.KindConfiguration,
		}
		if upErr := e.store.UpdateRunStatus(ctx, runID, model.RunFailed, failure); upErr != nil {
			e.logger.Error("failed run not persisted", "run_id", runID, "error", upErr)
		}
		return fmt.Errorf("load definition for run %s: %w", runID, err)
	}

	control := &runControl{signals: make(chan signalMode, 1)}
	e.mu.Lock()
	e.controls[runID] = control
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.controls, runID)
		e.mu.Unlock()
		e.recorder.CloseRun(runID)
	}()

	sched := newScheduler(e, run, def, control)
	status := sched.runLoop(ctx)

	if e.metrics != nil {
		e.metrics.RunsFinished.WithLabelValues(string(status)).Inc()
	}
	e.logger.Info("run finished", "run_id", runID, "status", status)
	return nil
}

// Cancel requests cooperative cancellation of a run. In-flight activities
// get their context cancelled and the grace period to wind down.
func (e *Engine) Cancel(runID string) bool {
	return e.signal(runID, signalCancel)
}

// Terminate stops a run abortively: in-flight activities are recorded failed
// with CancelledError once the grace period expires.
func (e *Engine) Terminate(runID string) bool {
	return e.signal(runID, signalTerminate)
}

func (e *Engine) signal(runID string, mode signalMode) bool {
	e.mu.Lock()
	control, ok := e.controls[runID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case control.signals <- mode:
	default:
		// A signal is already pending; terminate outranks cancel
		if mode == signalTerminate {
			select {
			case <-control.signals:
			default:
			}
			control.signals <- mode
		}
	}
	return true
}
