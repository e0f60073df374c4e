package ports

// ValuePriority governs input routing when a port can receive both a mapped
// upstream value and a manual override
type ValuePriority string

const (
	// AutoFirst prefers the mapped upstream value (default)
	AutoFirst ValuePriority = "auto-first"
	// ManualFirst prefers the manual override; used for params bound to inputs
	ManualFirst ValuePriority = "manual-first"
)

// EditorSecret marks a port whose value must be redacted from logs
const EditorSecret = "secret"

// Port declares one input, output, or parameter of a component
type Port struct {
	ID            string         `json:"id"`
	Label         string         `json:"label,omitempty"`
	Type          DataType       `json:"type"`
	Required      bool           `json:"required,omitempty"`
	Default       any            `json:"default,omitempty"`
	ValuePriority ValuePriority  `json:"valuePriority,omitempty"`
	Editor        string         `json:"editor,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Priority returns the effective value priority, defaulting to auto-first
func (p Port) Priority() ValuePriority {
	if p.ValuePriority == ManualFirst {
		return ManualFirst
	}
	return AutoFirst
}

// Sensitive reports whether the port value must be redacted from logs
func (p Port) Sensitive() bool {
	return p.Editor == EditorSecret || (p.Type.Kind == KindPrimitive && p.Type.Name == PrimSecret)
}

// Ports is an ordered port set keyed by ID
type Ports []Port

// Get returns the port with the given ID
func (ps Ports) Get(id string) (Port, bool) {
	for _, p := range ps {
		if p.ID == id {
			return p, true
		}
	}
	return Port{}, false
}

// IDs returns the port IDs in declaration order
func (ps Ports) IDs() []string {
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
	}
	return ids
}
