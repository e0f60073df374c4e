package orchestrator

import (
	"context"
	"time"

	"github.com/secflowhq/secflow/common/fault"
	"github.com/secflowhq/secflow/common/model"
	"github.com/secflowhq/secflow/registry"
	"github.com/secflowhq/secflow/runtime"
)

// maxFailureReason bounds the stored failure reason of a run
const maxFailureReason = 2048

type nodeState int

const (
	stateWaiting nodeState = iota
	stateRunning
	stateSucceeded
	stateFailed
	stateSkipped
)

// outcome is how a resolved action affects its outbound edges
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	// outcomeNone resolves edges without firing any: skipped actions and
	// peers cancelled by a first-join
	outcomeNone
)

type completion struct {
	ref     string
	outputs map[string]any
	err     error
}

// scheduler is the single-writer loop of one run. All state mutation happens
// on the loop goroutine; dispatched activities only report back through the
// results channel.
type scheduler struct {
	eng     *Engine
	run     *model.Run
	def     *model.Definition
	control *runControl

	states        map[string]nodeState
	outputs       map[string]map[string]any
	fired         map[string]bool
	remaining     map[string]int
	dispatched    map[string]bool
	joinCancelled map[string]bool

	inflight map[string]context.CancelFunc
	results  chan *completion
	sem      chan struct{}

	resolved int
	failure  *model.Failure
	stopping bool
}

func newScheduler(eng *Engine, run *model.Run, def *model.Definition, control *runControl) *scheduler {
	s := &scheduler{
		eng:           eng,
		run:           run,
		def:           def,
		control:       control,
		states:        make(map[string]nodeState, len(def.Actions)),
		outputs:       make(map[string]map[string]any, len(def.Actions)),
		fired:         make(map[string]bool),
		remaining:     make(map[string]int, len(def.Actions)),
		dispatched:    make(map[string]bool),
		joinCancelled: make(map[string]bool),
		inflight:      make(map[string]context.CancelFunc),
		results:       make(chan *completion, len(def.Actions)),
	}
	for _, action := range def.Actions {
		s.states[action.Ref] = stateWaiting
		s.remaining[action.Ref] = def.DependencyCounts[action.Ref]
	}
	if eng.maxConcurrency > 0 {
		s.sem = make(chan struct{}, eng.maxConcurrency)
	}
	return s
}

// runLoop drives the loop to a terminal run status
func (s *scheduler) runLoop(ctx context.Context) model.RunStatus {
	if err := s.eng.store.UpdateRunStatus(ctx, s.run.RunID, model.RunRunning, nil); err != nil {
		s.eng.logger.Error("run status not persisted", "run_id", s.run.RunID, "error", err)
	}

	runCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	var timeoutC <-chan time.Time
	if s.eng.runTimeout > 0 {
		timer := time.NewTimer(s.eng.runTimeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	s.dispatchReady(runCtx)

	for s.resolved < len(s.def.Actions) {
		if len(s.inflight) == 0 {
			if s.stopping {
				break
			}
			// C3 rejects cycles, so an idle loop with unresolved actions is
			// a bug, not a workload state
			s.eng.logger.Error("scheduler stalled",
				"run_id", s.run.RunID,
				"resolved", s.resolved,
				"total", len(s.def.Actions))
			s.failure = &model.Failure{
				Reason: "scheduler stalled with unresolved actions",
				Kind:   fault.KindInternal,
			}
			break
		}

		select {
		case <-ctx.Done():
			return s.shutdown(ctx, cancelAll, model.RunCancelled)
		case sig := <-s.control.signals:
			status := model.RunCancelled
			if sig == signalTerminate {
				status = model.RunTerminated
			}
			return s.shutdown(ctx, cancelAll, status)
		case <-timeoutC:
			return s.shutdown(ctx, cancelAll, model.RunTimedOut)
		case c := <-s.results:
			s.handleCompletion(ctx, cancelAll, c)
			if !s.stopping {
				s.dispatchReady(runCtx)
			}
		}
	}

	return s.finalize(ctx)
}

// dispatchReady dispatches every ready action. Guard skips resolve
// synchronously and can make further actions ready, so the scan repeats
// until it makes no progress.
func (s *scheduler) dispatchReady(runCtx context.Context) {
	for changed := true; changed; {
		changed = false
		for i := range s.def.Actions {
			if s.stopping {
				return
			}
			action := &s.def.Actions[i]
			if s.states[action.Ref] != stateWaiting || s.dispatched[action.Ref] {
				continue
			}
			if !s.ready(action) {
				continue
			}
			s.dispatch(runCtx, action)
			changed = true
		}
	}
}

func (s *scheduler) ready(action *model.Action) bool {
	if len(action.DependsOn) == 0 {
		return true
	}
	switch action.Join() {
	case model.JoinAny, model.JoinFirst:
		return s.fired[action.Ref]
	}
	return s.remaining[action.Ref] <= 0 && s.fired[action.Ref]
}

func (s *scheduler) dispatch(runCtx context.Context, action *model.Action) {
	ref := action.Ref
	s.dispatched[ref] = true

	if action.RunIf != "" {
		pass, err := s.eng.guards.Evaluate(action.RunIf, s.outputs, map[string]any{
			"runId":      s.run.RunID,
			"workflowId": s.run.WorkflowID,
			"inputs":     s.run.Inputs,
		})
		if err != nil {
			s.eng.logger.Error("guard evaluation failed",
				"run_id", s.run.RunID, "node_ref", ref, "error", err)
			s.failure = &model.Failure{
				Reason: truncateReason("guard for " + ref + ": " + err.Error()),
				Kind:   fault.KindConfiguration,
			}
			s.stopping = true
			return
		}
		if !pass {
			s.eng.logger.Info("guard skipped node", "run_id", s.run.RunID, "node_ref", ref)
			s.skip(runCtx, ref)
			return
		}
	}

	if action.Join() == model.JoinFirst {
		s.cancelJoinPeers(action)
	}

	upstream := make(map[string]map[string]any, len(action.DependsOn))
	for _, dep := range action.DependsOn {
		if s.states[dep] == stateSucceeded {
			upstream[dep] = s.outputs[dep]
		}
	}

	override := s.run.NodeOverrides[ref]
	if ref == s.def.Entrypoint.Ref && len(s.run.Inputs) > 0 {
		override.InputOverrides = runtime.MergeOverrides(override.InputOverrides, s.run.Inputs)
	}

	s.states[ref] = stateRunning
	actCtx, cancel := context.WithCancel(runCtx)
	s.inflight[ref] = cancel
	if s.eng.metrics != nil {
		s.eng.metrics.ActivitiesDispatched.Inc()
	}

	if action.ComponentID == registry.ComponentSubworkflow {
		go s.runSubworkflow(actCtx, action, upstream, override)
		return
	}

	go func() {
		if s.sem != nil {
			select {
			case s.sem <- struct{}{}:
				defer func() { <-s.sem }()
			case <-actCtx.Done():
				s.results <- &completion{ref: ref, err: fault.Wrap(fault.KindCancelled, actCtx.Err(), "activity %s cancelled before dispatch", ref)}
				return
			}
		}
		started := time.Now()
		result, err := s.eng.executor.Execute(actCtx, &runtime.ActivityRequest{
			RunID:       s.run.RunID,
			Action:      action,
			Upstream:    upstream,
			Override:    override,
			TriggeredBy: s.run.TriggerSource,
		})
		if s.eng.metrics != nil {
			s.eng.metrics.ActivityDuration.Observe(time.Since(started).Seconds())
		}
		if err != nil {
			s.results <- &completion{ref: ref, err: err}
			return
		}
		s.results <- &completion{ref: ref, outputs: result.Outputs}
	}()
}

// cancelJoinPeers cancels the still-running predecessors of a first-join
// target. Their failures resolve edges without firing and never fail the run.
func (s *scheduler) cancelJoinPeers(action *model.Action) {
	for _, dep := range action.DependsOn {
		if s.states[dep] != stateRunning {
			continue
		}
		if cancel, ok := s.inflight[dep]; ok {
			s.eng.logger.Info("first-join cancelling peer",
				"run_id", s.run.RunID, "target", action.Ref, "peer", dep)
			s.joinCancelled[dep] = true
			cancel()
		}
	}
}

func (s *scheduler) handleCompletion(ctx context.Context, cancelAll context.CancelFunc, c *completion) {
	if cancel, ok := s.inflight[c.ref]; ok {
		cancel()
		delete(s.inflight, c.ref)
	}

	switch {
	case c.err == nil:
		s.states[c.ref] = stateSucceeded
		s.outputs[c.ref] = c.outputs
		s.markResolved(ctx)
		s.resolveOutbound(ctx, c.ref, outcomeSuccess)

	case s.joinCancelled[c.ref] || s.stopping:
		s.states[c.ref] = stateFailed
		s.markResolved(ctx)
		s.resolveOutbound(ctx, c.ref, outcomeNone)

	default:
		kind := fault.KindOf(c.err)
		s.states[c.ref] = stateFailed
		s.markResolved(ctx)

		if s.hasFailureEdge(c.ref) {
			s.eng.logger.Info("routing failure edge",
				"run_id", s.run.RunID, "node_ref", c.ref, "kind", kind)
			s.resolveOutbound(ctx, c.ref, outcomeFailure)
			return
		}

		s.failure = &model.Failure{
			Reason:  truncateReason(c.err.Error()),
			Kind:    kind,
			Details: fault.DetailsOf(c.err),
		}
		s.stopping = true
		cancelAll()
	}
}

func (s *scheduler) hasFailureEdge(ref string) bool {
	action, ok := s.def.Action(ref)
	if !ok {
		return false
	}
	for _, ek := range action.EdgeKinds {
		if ek.Kind == model.EdgeFailure {
			return true
		}
	}
	return false
}

// resolveOutbound resolves the outbound edges of one finished action.
// Each distinct target's counter drops once regardless of how many port
// connections feed it; a target fires when any edge to it matches the
// outcome.
func (s *scheduler) resolveOutbound(ctx context.Context, ref string, out outcome) {
	action, ok := s.def.Action(ref)
	if !ok {
		return
	}

	firedTo := make(map[string]bool)
	order := make([]string, 0, len(action.EdgeKinds))
	for _, ek := range action.EdgeKinds {
		if _, seen := firedTo[ek.ToRef]; !seen {
			order = append(order, ek.ToRef)
			firedTo[ek.ToRef] = false
		}
		if edgeMatches(ek.Kind, out) {
			firedTo[ek.ToRef] = true
		}
	}

	for _, target := range order {
		s.remaining[target]--
		if firedTo[target] {
			s.fired[target] = true
		}
		s.maybeSkip(ctx, target)
	}
}

func edgeMatches(kind model.EdgeKindName, out outcome) bool {
	switch out {
	case outcomeSuccess:
		return kind == model.EdgeSuccess || kind == ""
	case outcomeFailure:
		return kind == model.EdgeFailure
	}
	return false
}

// maybeSkip skips an action whose inbound edges all resolved without firing
func (s *scheduler) maybeSkip(ctx context.Context, ref string) {
	if s.states[ref] != stateWaiting || s.dispatched[ref] {
		return
	}
	action, ok := s.def.Action(ref)
	if !ok || len(action.DependsOn) == 0 {
		return
	}
	if s.remaining[ref] <= 0 && !s.fired[ref] {
		s.skip(ctx, ref)
	}
}

// skip resolves an action without running it. The skip counts toward
// downstream dependency resolution without firing any edge, so skips cascade
// down unrouted branches.
func (s *scheduler) skip(ctx context.Context, ref string) {
	s.states[ref] = stateSkipped
	s.dispatched[ref] = true

	now := s.eng.now()
	if err := s.eng.store.UpsertNodeIO(ctx, &model.NodeIO{
		RunID:       s.run.RunID,
		NodeRef:     ref,
		Attempt:     1,
		Status:      model.NodeSkipped,
		StartedAt:   now,
		CompletedAt: &now,
	}); err != nil {
		s.eng.logger.Error("skip record not persisted",
			"run_id", s.run.RunID, "node_ref", ref, "error", err)
	}

	s.markResolved(ctx)
	s.resolveOutbound(ctx, ref, outcomeNone)
}

func (s *scheduler) markResolved(ctx context.Context) {
	s.resolved++
	if err := s.eng.store.UpdateRunProgress(ctx, s.run.RunID, s.resolved); err != nil {
		s.eng.logger.Error("progress not persisted", "run_id", s.run.RunID, "error", err)
	}
}

// shutdown handles cancel, terminate, and timeout: in-flight activities get
// the grace period to report back, then stragglers are recorded failed with
// CancelledError.
func (s *scheduler) shutdown(ctx context.Context, cancelAll context.CancelFunc, status model.RunStatus) model.RunStatus {
	s.stopping = true
	cancelAll()

	persistCtx := context.WithoutCancel(ctx)
	grace := time.NewTimer(s.eng.gracePeriod)
	defer grace.Stop()

drain:
	for len(s.inflight) > 0 {
		select {
		case c := <-s.results:
			if cancel, ok := s.inflight[c.ref]; ok {
				cancel()
				delete(s.inflight, c.ref)
			}
		case <-grace.C:
			now := s.eng.now()
			for ref := range s.inflight {
				s.eng.logger.Warn("activity did not stop within grace period",
					"run_id", s.run.RunID, "node_ref", ref)
				if err := s.eng.store.UpsertNodeIO(persistCtx, &model.NodeIO{
					RunID:        s.run.RunID,
					NodeRef:      ref,
					Attempt:      1,
					Status:       model.NodeFailed,
					StartedAt:    now,
					CompletedAt:  &now,
					ErrorMessage: "activity did not stop within the grace period",
					ErrorKind:    fault.KindCancelled,
				}); err != nil {
					s.eng.logger.Error("straggler record not persisted",
						"run_id", s.run.RunID, "node_ref", ref, "error", err)
				}
			}
			break drain
		}
	}

	var failure *model.Failure
	if status == model.RunTimedOut {
		failure = &model.Failure{Reason: "run exceeded its timeout", Kind: fault.KindTimeout}
	}
	s.persistTerminal(persistCtx, status, failure)
	return status
}

func (s *scheduler) finalize(ctx context.Context) model.RunStatus {
	persistCtx := context.WithoutCancel(ctx)
	status := model.RunCompleted
	if s.failure != nil {
		status = model.RunFailed
	}
	s.persistTerminal(persistCtx, status, s.failure)
	return status
}

func (s *scheduler) persistTerminal(ctx context.Context, status model.RunStatus, failure *model.Failure) {
	if err := s.eng.store.UpdateRunProgress(ctx, s.run.RunID, s.def.TotalActions); err != nil {
		s.eng.logger.Error("final progress not persisted", "run_id", s.run.RunID, "error", err)
	}
	if err := s.eng.store.UpdateRunStatus(ctx, s.run.RunID, status, failure); err != nil {
		s.eng.logger.Error("terminal status not persisted",
			"run_id", s.run.RunID, "status", status, "error", err)
	}
}

func truncateReason(reason string) string {
	if len(reason) > maxFailureReason {
		return reason[:maxFailureReason]
	}
	return reason
}
