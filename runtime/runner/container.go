package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"time"

	"github.com/secflowhq/secflow/common/fault"
	"github.com/secflowhq/secflow/registry"
)

// DefaultContainerBinary is the container engine CLI used when none is
// configured
const DefaultContainerBinary = "docker"

// maxOutputLine bounds a single stdout line from the container
const maxOutputLine = 1024 * 1024

// stderrTail bounds how much stderr is kept for error reporting
const stderrTail = 4096

// stdinDocument is the single JSON document the container reads on stdin
type stdinDocument struct {
	Inputs  map[string]any   `json:"inputs"`
	Params  map[string]any   `json:"params"`
	Context containerContext `json:"context"`
}

type containerContext struct {
	RunID        string `json:"runId"`
	ComponentRef string `json:"componentRef"`
	Attempt      int    `json:"attempt"`
}

// outputLine is one newline-delimited JSON event emitted on stdout
type outputLine struct {
	Type string `json:"type"`

	// progress
	Level   string         `json:"level,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`

	// result
	Output map[string]any `json:"output,omitempty"`

	// error
	Kind    string         `json:"kind,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Container runs a component as a container process: inputs and params go in
// as one JSON document on stdin, events and the final result come back as
// newline-delimited JSON on stdout. The component's timeout is enforced with
// a hard kill. Sensitive inputs are passed unredacted on stdin and never
// logged.
type Container struct {
	binary string
	logger Logger
}

// NewContainer creates a container adapter over the given engine CLI
func NewContainer(binary string, logger Logger) *Container {
	if binary == "" {
		binary = DefaultContainerBinary
	}
	return &Container{binary: binary, logger: logger}
}

// Run executes the component's declared image
func (c *Container) Run(ctx context.Context, def *registry.Definition, ec registry.ExecuteContext, req *registry.ExecuteRequest) (map[string]any, error) {
	if def.Runner.Image == "" {
		return nil, fault.New(fault.KindConfiguration, "component %s declares a container runner without an image", def.ID)
	}

	if timeout := def.Runner.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	doc, err := json.Marshal(stdinDocument{
		Inputs: req.Inputs,
		Params: req.Params,
		Context: containerContext{
			RunID:        ec.RunID(),
			ComponentRef: ec.ComponentRef(),
			Attempt:      ec.Attempt(),
		},
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "encode container stdin for %s", def.ID)
	}

	args := append([]string{"run", "--rm", "-i", def.Runner.Image}, def.Runner.Command...)
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Stdin = bytes.NewReader(doc)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fault.Wrap(fault.KindContainer, err, "open container stdout for %s", def.ID)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &tailWriter{buf: &stderr, limit: stderrTail}

	c.logger.Info("starting container",
		"component", def.ID,
		"image", def.Runner.Image,
		"run_id", ec.RunID(),
		"node_ref", ec.ComponentRef(),
		"attempt", ec.Attempt())

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fault.Wrap(fault.KindContainer, err, "start container for %s", def.ID)
	}

	var result map[string]any
	var resultSeen bool
	var reported *fault.Error

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxOutputLine)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line outputLine
		if err := json.Unmarshal(raw, &line); err != nil {
			c.logger.Warn("unparseable container output line",
				"component", def.ID, "run_id", ec.RunID(), "error", err)
			continue
		}
		switch line.Type {
		case "progress":
			ec.EmitProgress(registry.ProgressEvent{
				Level:   line.Level,
				Message: line.Message,
				Data:    line.Data,
			})
		case "result":
			result = line.Output
			resultSeen = true
		case "error":
			kind := fault.Kind(line.Kind)
			if !kind.Valid() {
				kind = fault.KindContainer
			}
			reported = fault.New(kind, "%s", line.Message).WithDetails(line.Details)
		default:
			c.logger.Warn("unknown container event type",
				"component", def.ID, "run_id", ec.RunID(), "event_type", line.Type)
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	duration := time.Since(start)

	c.logger.Info("container finished",
		"component", def.ID,
		"run_id", ec.RunID(),
		"duration_ms", duration.Milliseconds(),
		"exit_ok", waitErr == nil)

	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fault.New(fault.KindTimeout, "container for %s exceeded its %ds timeout", def.ID, def.Runner.TimeoutSeconds)
		}
		return nil, fault.Wrap(fault.KindCancelled, ctx.Err(), "container for %s cancelled", def.ID)
	}
	if reported != nil {
		return nil, reported
	}
	if scanErr != nil {
		return nil, fault.Wrap(fault.KindContainer, scanErr, "read container output for %s", def.ID)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, fault.New(fault.KindContainer, "container for %s exited with code %d: %s",
				def.ID, exitErr.ExitCode(), stderrSummary(&stderr))
		}
		return nil, fault.Wrap(fault.KindContainer, waitErr, "container for %s failed", def.ID)
	}
	if !resultSeen {
		return nil, fault.New(fault.KindContainer, "container for %s exited without a result", def.ID)
	}
	return result, nil
}

func stderrSummary(buf *bytes.Buffer) string {
	s := bytes.TrimSpace(buf.Bytes())
	if len(s) == 0 {
		return "(no stderr)"
	}
	return string(s)
}

// tailWriter keeps only the last limit bytes written
type tailWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if w.buf.Len() > w.limit {
		trimmed := w.buf.Bytes()[w.buf.Len()-w.limit:]
		rest := make([]byte, len(trimmed))
		copy(rest, trimmed)
		w.buf.Reset()
		w.buf.Write(rest)
	}
	return len(p), nil
}
