package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/secflowhq/secflow/common/fault"
	"github.com/secflowhq/secflow/common/model"
	"github.com/secflowhq/secflow/registry"
	"github.com/secflowhq/secflow/tracebus"
)

// maxFetchBody bounds an HTTP response body read on behalf of a component
const maxFetchBody = 16 * 1024 * 1024

// activityContext is the per-attempt implementation of the component-side
// execution contract
type activityContext struct {
	ctx      context.Context
	runID    string
	nodeRef  string
	attempt  int
	metadata map[string]any

	action   *model.Action
	recorder *tracebus.Recorder
	logger   Logger
	client   *http.Client

	secrets   registry.SecretReader
	files     registry.FileStore
	artifacts registry.ArtifactStore
}

func (a *activityContext) RunID() string            { return a.runID }
func (a *activityContext) ComponentRef() string     { return a.nodeRef }
func (a *activityContext) Attempt() int             { return a.attempt }
func (a *activityContext) Metadata() map[string]any { return a.metadata }
func (a *activityContext) Logger() registry.Logger  { return a.logger }

func (a *activityContext) Secrets() registry.SecretReader  { return a.secrets }
func (a *activityContext) Files() registry.FileStore       { return a.files }
func (a *activityContext) Artifacts() registry.ArtifactStore { return a.artifacts }

// EmitProgress records a PROGRESS trace event for the running attempt. Append
// failures are logged, never surfaced to the component.
func (a *activityContext) EmitProgress(ev registry.ProgressEvent) {
	level := model.EventLevel(ev.Level)
	switch level {
	case model.LevelDebug, model.LevelInfo, model.LevelWarn, model.LevelError:
	default:
		level = model.LevelInfo
	}

	_, err := a.recorder.Record(a.ctx, a.runID, &model.TraceEvent{
		RunID:     a.runID,
		NodeRef:   a.nodeRef,
		Type:      model.EventProgress,
		Level:     level,
		Timestamp: time.Now().UTC(),
		Message:   ev.Message,
		Data:      ev.Data,
		Metadata: model.EventMetadata{
			Attempt:      a.attempt,
			StreamID:     a.action.StreamID,
			GroupID:      a.action.GroupID,
			JoinStrategy: string(a.action.JoinStrategy),
		},
	})
	if err != nil {
		a.logger.Warn("progress event dropped",
			"run_id", a.runID, "node_ref", a.nodeRef, "error", err)
	}
}

// Fetch performs an outbound HTTP call for the component. Sensitive headers
// are sent on the wire but never logged.
func (a *activityContext) Fetch(ctx context.Context, req *registry.FetchRequest) (*registry.FetchResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "build request for %s", req.URL)
	}

	sensitive := make(map[string]bool, len(req.SensitiveHeaders))
	for _, name := range req.SensitiveHeaders {
		sensitive[http.CanonicalHeaderKey(name)] = true
	}
	loggedHeaders := make([]string, 0, len(req.Headers))
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
		if sensitive[http.CanonicalHeaderKey(name)] {
			loggedHeaders = append(loggedHeaders, name+":[redacted]")
		} else {
			loggedHeaders = append(loggedHeaders, name)
		}
	}

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		a.logger.Warn("fetch failed",
			"run_id", a.runID, "node_ref", a.nodeRef,
			"method", method, "url", req.URL, "error", err)
		return nil, fault.Wrap(fault.KindNetwork, err, "%s %s", method, req.URL)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, fault.Wrap(fault.KindNetwork, err, "read response of %s %s", method, req.URL)
	}

	a.logger.Info("fetch completed",
		"run_id", a.runID, "node_ref", a.nodeRef,
		"method", method, "url", req.URL,
		"status_code", resp.StatusCode,
		"headers", loggedHeaders,
		"duration_ms", time.Since(start).Milliseconds())

	return &registry.FetchResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       data,
	}, nil
}

// encodeRetryPolicy renders a retry policy for event metadata
func encodeRetryPolicy(p registry.RetryPolicy) json.RawMessage {
	encoded, err := json.Marshal(map[string]any{
		"maxAttempts":            p.MaxAttempts,
		"initialIntervalSeconds": p.InitialInterval.Seconds(),
		"maxIntervalSeconds":     p.MaxInterval.Seconds(),
		"backoffCoefficient":     p.BackoffCoefficient,
	})
	if err != nil {
		return nil
	}
	return encoded
}
