package runtime

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/tidwall/gjson"

	"github.com/secflowhq/secflow/common/fault"
	"github.com/secflowhq/secflow/common/model"
	"github.com/secflowhq/secflow/ports"
)

// RouteRequest carries everything input routing needs for one node
type RouteRequest struct {
	Action *model.Action
	// Inputs is the node's effective input schema after port resolution
	Inputs ports.Ports
	// Upstream holds the output document of every resolved predecessor,
	// keyed by ref. Skipped predecessors are absent.
	Upstream map[string]map[string]any
	// Overrides are manual per-port values: compiled inputOverrides with
	// run-level overrides already applied on top
	Overrides map[string]any
}

// RouteResult is the routed, coerced input document
type RouteResult struct {
	Inputs map[string]any
	// Warnings names ports whose value failed coercion and was left unset
	Warnings []string
}

// RouteInputs chooses a value for every declared input port: the mapped
// upstream output or the manual override, ordered by the port's value
// priority, falling back to the port default. Each chosen value runs through
// the coercion table; a failed coercion leaves the port unset with a warning.
// A required port still unset after defaults fails with ValidationError.
func RouteInputs(req *RouteRequest) (*RouteResult, error) {
	result := &RouteResult{Inputs: make(map[string]any, len(req.Inputs))}

	for _, port := range req.Inputs {
		mapped, mappedOK := resolveMapped(req, port)
		manual, manualOK := req.Overrides[port.ID]

		var chosen any
		var found bool
		switch port.Priority() {
		case ports.ManualFirst:
			if manualOK {
				chosen, found = manual, true
			} else if mappedOK {
				chosen, found = mapped, true
			}
		default:
			if mappedOK {
				chosen, found = mapped, true
			} else if manualOK {
				chosen, found = manual, true
			}
		}

		if found {
			coerced, ok := ports.Coerce(chosen, port.Type)
			if ok {
				result.Inputs[port.ID] = coerced
				continue
			}
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("input %q of %s: value is not coercible to %s", port.ID, req.Action.Ref, port.Type))
			found = false
		}

		if !found && port.Default != nil {
			result.Inputs[port.ID] = port.Default
			continue
		}
		if !found && port.Required {
			return nil, fault.New(fault.KindValidation,
				"required input %q of %s has no value", port.ID, req.Action.Ref)
		}
	}
	return result, nil
}

// resolveMapped resolves the mapped upstream value of one port. A list-typed
// port fed by several mappings collects the resolved values into a list in
// mapping order; everywhere else a single mapping yields a single value.
func resolveMapped(req *RouteRequest, port ports.Port) (any, bool) {
	mappings := req.Action.InputMappings[port.ID]
	if len(mappings) == 0 {
		return nil, false
	}

	if len(mappings) > 1 && port.Type.Kind == ports.KindList {
		collected := make([]any, 0, len(mappings))
		for _, m := range mappings {
			if v, ok := resolveMapping(req.Upstream, m); ok {
				collected = append(collected, v)
			}
		}
		if len(collected) == 0 {
			return nil, false
		}
		return collected, true
	}
	return resolveMapping(req.Upstream, mappings[0])
}

// resolveMapping follows one mapping into a predecessor's output document.
// SourceHandle may name an output port directly or carry a dotted path into
// the document.
func resolveMapping(upstream map[string]map[string]any, m model.Mapping) (any, bool) {
	doc, ok := upstream[m.SourceRef]
	if !ok {
		return nil, false
	}

	if m.SourceHandle == "" {
		if len(doc) == 1 {
			for _, v := range doc {
				return v, true
			}
		}
		return doc, true
	}
	if v, ok := doc[m.SourceHandle]; ok {
		return v, true
	}
	if !strings.Contains(m.SourceHandle, ".") {
		return nil, false
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(encoded, m.SourceHandle)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// MergeParams applies a run-level params override on top of compiled params
// as a JSON merge patch: override keys replace, explicit nulls delete.
func MergeParams(base, override map[string]any) (map[string]any, error) {
	if len(override) == 0 {
		return base, nil
	}
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	if base == nil {
		baseJSON = []byte("{}")
	}
	patchJSON, err := json.Marshal(override)
	if err != nil {
		return nil, fmt.Errorf("encode params override: %w", err)
	}
	merged, err := jsonpatch.MergePatch(baseJSON, patchJSON)
	if err != nil {
		return nil, fmt.Errorf("merge params override: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, fmt.Errorf("decode merged params: %w", err)
	}
	return out, nil
}

// MergeOverrides layers run-level input overrides on top of the compiled
// per-port overrides of an action
func MergeOverrides(compiled, runLevel map[string]any) map[string]any {
	if len(runLevel) == 0 {
		return compiled
	}
	out := make(map[string]any, len(compiled)+len(runLevel))
	for k, v := range compiled {
		out[k] = v
	}
	for k, v := range runLevel {
		out[k] = v
	}
	return out
}
