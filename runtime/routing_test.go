package runtime

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secflowhq/secflow/common/fault"
	"github.com/secflowhq/secflow/common/model"
	"github.com/secflowhq/secflow/ports"
)

func TestRouteInputsAutoFirst(t *testing.T) {
	result, err := RouteInputs(&RouteRequest{
		Action: &model.Action{
			Ref: "notify",
			InputMappings: map[string][]model.Mapping{
				"message": {{SourceRef: "scan", SourceHandle: "summary"}},
			},
		},
		Inputs: ports.Ports{
			{ID: "message", Type: ports.Primitive(ports.PrimText)},
		},
		Upstream: map[string]map[string]any{
			"scan": {"summary": "3 findings"},
		},
		Overrides: map[string]any{"message": "manual text"},
	})
	require.NoError(t, err)
	assert.Equal(t, "3 findings", result.Inputs["message"])
	assert.Empty(t, result.Warnings)
}

func TestRouteInputsManualFirst(t *testing.T) {
	result, err := RouteInputs(&RouteRequest{
		Action: &model.Action{
			Ref: "notify",
			InputMappings: map[string][]model.Mapping{
				"message": {{SourceRef: "scan", SourceHandle: "summary"}},
			},
		},
		Inputs: ports.Ports{
			{ID: "message", Type: ports.Primitive(ports.PrimText), ValuePriority: ports.ManualFirst},
		},
		Upstream: map[string]map[string]any{
			"scan": {"summary": "3 findings"},
		},
		Overrides: map[string]any{"message": "manual text"},
	})
	require.NoError(t, err)
	assert.Equal(t, "manual text", result.Inputs["message"])
}

func TestRouteInputsDefaultAndRequired(t *testing.T) {
	// No mapping, no override: default applies
	result, err := RouteInputs(&RouteRequest{
		Action: &model.Action{Ref: "scan"},
		Inputs: ports.Ports{
			{ID: "depth", Type: ports.Primitive(ports.PrimNumber), Default: float64(3)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(3), result.Inputs["depth"])

	// Required port with no value at all fails validation
	_, err = RouteInputs(&RouteRequest{
		Action: &model.Action{Ref: "scan"},
		Inputs: ports.Ports{
			{ID: "target", Type: ports.Primitive(ports.PrimText), Required: true},
		},
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	assert.Contains(t, err.Error(), "target")
}

func TestRouteInputsCoercionFailureIsWarning(t *testing.T) {
	result, err := RouteInputs(&RouteRequest{
		Action: &model.Action{
			Ref: "scan",
			InputMappings: map[string][]model.Mapping{
				"depth": {{SourceRef: "entry", SourceHandle: "depth"}},
			},
		},
		Inputs: ports.Ports{
			{ID: "depth", Type: ports.Primitive(ports.PrimNumber)},
		},
		Upstream: map[string]map[string]any{
			"entry": {"depth": "very deep"},
		},
	})
	require.NoError(t, err)
	_, set := result.Inputs["depth"]
	assert.False(t, set)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "depth")
}

func TestRouteInputsCoercionFailureFallsBackToDefault(t *testing.T) {
	result, err := RouteInputs(&RouteRequest{
		Action: &model.Action{
			Ref: "scan",
			InputMappings: map[string][]model.Mapping{
				"depth": {{SourceRef: "entry", SourceHandle: "depth"}},
			},
		},
		Inputs: ports.Ports{
			{ID: "depth", Type: ports.Primitive(ports.PrimNumber), Default: float64(1)},
		},
		Upstream: map[string]map[string]any{
			"entry": {"depth": "not numeric"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(1), result.Inputs["depth"])
	assert.Len(t, result.Warnings, 1)
}

func TestRouteInputsListFanIn(t *testing.T) {
	result, err := RouteInputs(&RouteRequest{
		Action: &model.Action{
			Ref: "merge",
			InputMappings: map[string][]model.Mapping{
				"items": {
					{SourceRef: "left", SourceHandle: "summary"},
					{SourceRef: "right", SourceHandle: "summary"},
				},
			},
		},
		Inputs: ports.Ports{
			{ID: "items", Type: ports.List(ports.Primitive(ports.PrimText))},
		},
		Upstream: map[string]map[string]any{
			"left":  {"summary": "left findings"},
			"right": {"summary": "right findings"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"left findings", "right findings"}, result.Inputs["items"])
}

func TestRouteInputsListFanInSkipsAbsentSources(t *testing.T) {
	// A skipped predecessor contributes nothing; the rest still collect
	result, err := RouteInputs(&RouteRequest{
		Action: &model.Action{
			Ref: "merge",
			InputMappings: map[string][]model.Mapping{
				"items": {
					{SourceRef: "left", SourceHandle: "summary"},
					{SourceRef: "right", SourceHandle: "summary"},
				},
			},
		},
		Inputs: ports.Ports{
			{ID: "items", Type: ports.List(ports.Primitive(ports.PrimText))},
		},
		Upstream: map[string]map[string]any{
			"right": {"summary": "right findings"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"right findings"}, result.Inputs["items"])
}

func TestResolveMappingDottedPath(t *testing.T) {
	upstream := map[string]map[string]any{
		"scan": {
			"report": map[string]any{
				"vulns": []any{
					map[string]any{"id": "CVE-2026-0001", "severity": "high"},
				},
			},
		},
	}

	v, ok := resolveMapping(upstream, model.Mapping{SourceRef: "scan", SourceHandle: "report.vulns.0.id"})
	require.True(t, ok)
	assert.Equal(t, "CVE-2026-0001", v)

	_, ok = resolveMapping(upstream, model.Mapping{SourceRef: "scan", SourceHandle: "report.nothere"})
	assert.False(t, ok)

	_, ok = resolveMapping(upstream, model.Mapping{SourceRef: "missing", SourceHandle: "x"})
	assert.False(t, ok)
}

func TestResolveMappingEmptyHandle(t *testing.T) {
	// Single-port document: the lone value flows through
	v, ok := resolveMapping(map[string]map[string]any{
		"a": {"only": 42},
	}, model.Mapping{SourceRef: "a"})
	require.True(t, ok)
	assert.Equal(t, 42, v)

	// Multi-port document: the whole document flows through
	v, ok = resolveMapping(map[string]map[string]any{
		"a": {"x": 1, "y": 2},
	}, model.Mapping{SourceRef: "a"})
	require.True(t, ok)
	assert.Equal(t, map[string]any{"x": 1, "y": 2}, v)
}

func TestMergeParams(t *testing.T) {
	merged, err := MergeParams(
		map[string]any{"target": "example.com", "depth": float64(3), "flags": map[string]any{"tls": true}},
		map[string]any{"depth": float64(5), "flags": nil},
	)
	require.NoError(t, err)
	assert.Equal(t, "example.com", merged["target"])
	assert.Equal(t, float64(5), merged["depth"])
	_, has := merged["flags"]
	assert.False(t, has)

	// Empty override returns the base untouched
	base := map[string]any{"a": 1}
	merged, err = MergeParams(base, nil)
	require.NoError(t, err)
	assert.Equal(t, base, merged)

	// Nil base with an override still merges
	merged, err = MergeParams(nil, map[string]any{"a": "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "b"}, merged)
}

func TestMergeOverrides(t *testing.T) {
	compiled := map[string]any{"message": "compiled", "channel": "#alerts"}
	out := MergeOverrides(compiled, map[string]any{"message": "run-level"})
	assert.Equal(t, "run-level", out["message"])
	assert.Equal(t, "#alerts", out["channel"])

	// Run-level absent: compiled map passes through unchanged
	assert.Equal(t, compiled, MergeOverrides(compiled, nil))
}

func TestOutputSummaryElision(t *testing.T) {
	long := strings.Repeat("a", maxSummaryString+100)
	items := make([]any, maxSummaryItems+5)
	for i := range items {
		items[i] = i
	}

	summary := OutputSummary(map[string]any{
		"report": long,
		"vulns":  items,
		"count":  float64(37),
	})
	require.NotNil(t, summary)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(summary, &decoded))

	assert.Contains(t, decoded["report"], "100 bytes elided")
	assert.Less(t, len(decoded["report"].(string)), len(long))
	assert.Equal(t, float64(37), decoded["count"])

	vulns := decoded["vulns"].([]any)
	assert.Len(t, vulns, maxSummaryItems+1)
	assert.Contains(t, vulns[maxSummaryItems], "5 items elided")

	assert.Nil(t, OutputSummary(nil))
}
