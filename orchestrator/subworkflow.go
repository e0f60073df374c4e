package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/secflowhq/secflow/common/fault"
	"github.com/secflowhq/secflow/common/model"
	"github.com/secflowhq/secflow/registry"
	"github.com/secflowhq/secflow/runtime"
)

// VersionStrategy selects the child workflow version of a sub-workflow call
const (
	VersionLatest   = "latest"
	VersionSpecific = "specific"
)

// runSubworkflow executes a core.workflow.call node: it starts a child run
// with the node's routed inputs, drives it in-process, and propagates the
// child's terminal outputs or failure back as the node's outcome. Runs on
// its own goroutine; reports through the results channel like any activity.
func (s *scheduler) runSubworkflow(ctx context.Context, action *model.Action, upstream map[string]map[string]any, override model.NodeOverride) {
	outputs, err := s.eng.executeSubworkflow(ctx, s.run, action, upstream, override)
	if err != nil {
		s.results <- &completion{ref: action.Ref, err: err}
		return
	}
	s.results <- &completion{ref: action.Ref, outputs: outputs}
}

func (e *Engine) executeSubworkflow(ctx context.Context, parent *model.Run, action *model.Action, upstream map[string]map[string]any, override model.NodeOverride) (map[string]any, error) {
	started := e.now()
	emitFailed := func(err error) error {
		e.recordSubworkflowTerminal(ctx, parent.RunID, action, started, nil, err)
		return err
	}
	e.recordSubworkflowStarted(ctx, parent.RunID, action, started)

	def, ok := e.registry.Lookup(registry.ComponentSubworkflow)
	if !ok {
		return nil, emitFailed(fault.New(fault.KindConfiguration, "sub-workflow component is not registered"))
	}

	params, err := runtime.MergeParams(action.Params, override.Params)
	if err != nil {
		return nil, emitFailed(fault.Wrap(fault.KindConfiguration, err, "apply params override for %s", action.Ref))
	}
	portSet, err := def.EffectivePorts(params)
	if err != nil {
		return nil, emitFailed(fault.Wrap(fault.KindConfiguration, err, "resolve ports for %s", action.Ref))
	}
	routed, err := runtime.RouteInputs(&runtime.RouteRequest{
		Action:    action,
		Inputs:    portSet.Inputs,
		Upstream:  upstream,
		Overrides: runtime.MergeOverrides(action.InputOverrides, override.InputOverrides),
	})
	if err != nil {
		return nil, emitFailed(err)
	}

	workflowID, _ := params["workflowId"].(string)
	if workflowID == "" {
		return nil, emitFailed(fault.New(fault.KindValidation, "sub-workflow call %s names no workflowId", action.Ref))
	}
	strategy, _ := params["versionStrategy"].(string)
	versionID, _ := params["versionId"].(string)
	switch strategy {
	case VersionSpecific:
		if versionID == "" {
			return nil, emitFailed(fault.New(fault.KindValidation, "sub-workflow call %s uses specific version without versionId", action.Ref))
		}
	case VersionLatest, "":
		versionID = ""
	default:
		return nil, emitFailed(fault.New(fault.KindValidation, "unknown versionStrategy %q on %s", strategy, action.Ref))
	}

	// The child's runtime inputs are the value of the call's inputs port
	childInputs, _ := routed.Inputs["inputs"].(map[string]any)

	child, err := e.StartRun(ctx, &StartRunRequest{
		WorkflowID:    workflowID,
		VersionID:     versionID,
		Inputs:        childInputs,
		TriggerType:   parent.TriggerType,
		TriggerSource: parent.RunID,
		TriggerLabel:  action.Label,
		ParentRunID:   parent.RunID,
		ParentNodeRef: action.Ref,
	})
	if err != nil {
		return nil, emitFailed(fault.Wrap(fault.KindOf(err), err, "start child run of %s", workflowID))
	}

	e.logger.Info("sub-workflow started",
		"run_id", parent.RunID,
		"node_ref", action.Ref,
		"child_run_id", child.RunID,
		"child_workflow_id", workflowID)

	if err := e.Execute(ctx, child.RunID); err != nil {
		return nil, emitFailed(fault.Wrap(fault.KindInternal, err, "drive child run %s", child.RunID))
	}

	final, err := e.store.GetRun(ctx, child.RunID)
	if err != nil {
		return nil, emitFailed(fault.Wrap(fault.KindInternal, err, "load child run %s", child.RunID))
	}

	switch final.Status {
	case model.RunCompleted:
	case model.RunFailed:
		kind := fault.KindService
		reason := "child run failed"
		if final.Failure != nil {
			reason = final.Failure.Reason
			if final.Failure.Kind != "" {
				kind = final.Failure.Kind
			}
		}
		return nil, emitFailed(fault.New(kind, "child run %s: %s", child.RunID, reason))
	case model.RunCancelled, model.RunTerminated:
		return nil, emitFailed(fault.New(fault.KindCancelled, "child run %s was %s", child.RunID, final.Status))
	case model.RunTimedOut:
		return nil, emitFailed(fault.New(fault.KindTimeout, "child run %s timed out", child.RunID))
	default:
		return nil, emitFailed(fault.New(fault.KindInternal, "child run %s ended in unexpected status %s", child.RunID, final.Status))
	}

	outputs, err := e.collectChildOutputs(ctx, child.RunID, workflowID, final.WorkflowVersionID)
	if err != nil {
		return nil, emitFailed(err)
	}
	e.recordSubworkflowTerminal(ctx, parent.RunID, action, started, outputs, nil)
	return outputs, nil
}

// collectChildOutputs gathers the child's results as the calling node's
// output document: the outputs of the child's terminal actions (those with
// no outbound success edge), keyed by ref.
func (e *Engine) collectChildOutputs(ctx context.Context, childRunID, workflowID, versionID string) (map[string]any, error) {
	def, _, err := e.store.GetWorkflowVersion(ctx, workflowID, versionID)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "load child definition %s", versionID)
	}

	outputs := make(map[string]any)
	for i := range def.Actions {
		action := &def.Actions[i]
		if hasSuccessEdge(action) {
			continue
		}
		rec, err := e.store.GetNodeIO(ctx, childRunID, action.Ref)
		if err != nil {
			continue
		}
		if rec.Status != model.NodeCompleted || len(rec.Outputs) == 0 {
			continue
		}
		if err := e.store.ResolveNodeIO(ctx, rec, 0); err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "resolve outputs of child node %s", action.Ref)
		}
		var doc map[string]any
		if err := json.Unmarshal(rec.Outputs, &doc); err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "decode outputs of child node %s", action.Ref)
		}
		outputs[action.Ref] = doc
	}
	return outputs, nil
}

func hasSuccessEdge(action *model.Action) bool {
	for _, ek := range action.EdgeKinds {
		if ek.Kind == model.EdgeSuccess || ek.Kind == "" {
			return true
		}
	}
	return false
}

func (e *Engine) recordSubworkflowStarted(ctx context.Context, runID string, action *model.Action, started time.Time) {
	if err := e.store.UpsertNodeIO(ctx, &model.NodeIO{
		RunID:     runID,
		NodeRef:   action.Ref,
		Attempt:   1,
		Status:    model.NodeRunning,
		StartedAt: started,
	}); err != nil {
		e.logger.Error("sub-workflow record not persisted",
			"run_id", runID, "node_ref", action.Ref, "error", err)
	}
	if _, err := e.recorder.Record(ctx, runID, &model.TraceEvent{
		RunID:     runID,
		NodeRef:   action.Ref,
		Type:      model.EventStarted,
		Level:     model.LevelInfo,
		Timestamp: started,
		Message:   action.Label,
		Metadata:  model.EventMetadata{Attempt: 1, StreamID: action.StreamID, GroupID: action.GroupID},
	}); err != nil {
		e.logger.Error("sub-workflow started event not recorded",
			"run_id", runID, "node_ref", action.Ref, "error", err)
	}
}

func (e *Engine) recordSubworkflowTerminal(ctx context.Context, runID string, action *model.Action, started time.Time, outputs map[string]any, failure error) {
	completed := e.now()
	rec := &model.NodeIO{
		RunID:       runID,
		NodeRef:     action.Ref,
		Attempt:     1,
		StartedAt:   started,
		CompletedAt: &completed,
		DurationMS:  completed.Sub(started).Milliseconds(),
	}
	ev := &model.TraceEvent{
		RunID:     runID,
		NodeRef:   action.Ref,
		Timestamp: completed,
		Metadata:  model.EventMetadata{Attempt: 1, StreamID: action.StreamID, GroupID: action.GroupID},
	}

	if failure != nil {
		rec.Status = model.NodeFailed
		rec.ErrorMessage = failure.Error()
		rec.ErrorKind = fault.KindOf(failure)
		ev.Type = model.EventFailed
		ev.Level = model.LevelError
		ev.Message = failure.Error()
		ev.Error = &model.EventError{
			Message: failure.Error(),
			Kind:    fault.KindOf(failure),
			Details: fault.DetailsOf(failure),
		}
	} else {
		encoded, err := json.Marshal(outputs)
		if err == nil {
			rec.Outputs = encoded
		}
		rec.Status = model.NodeCompleted
		ev.Type = model.EventCompleted
		ev.Level = model.LevelInfo
		ev.Message = action.Label
		ev.OutputSummary = runtime.OutputSummary(outputs)
	}

	if err := e.store.UpsertNodeIO(ctx, rec); err != nil {
		e.logger.Error("sub-workflow record not persisted",
			"run_id", runID, "node_ref", action.Ref, "error", err)
	}
	if _, err := e.recorder.Record(ctx, runID, ev); err != nil {
		e.logger.Error("sub-workflow terminal event not recorded",
			"run_id", runID, "node_ref", action.Ref, "error", err)
	}
}
