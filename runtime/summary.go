package runtime

import (
	"encoding/json"
	"fmt"
)

const (
	// maxSummaryString bounds one string field in an output summary
	maxSummaryString = 512
	// maxSummaryItems bounds list length in an output summary
	maxSummaryItems = 32
)

// OutputSummary renders an output document for trace events with large
// fields elided. The full document lives in the node I/O record; the summary
// only has to be readable in a trace stream.
func OutputSummary(outputs map[string]any) json.RawMessage {
	if len(outputs) == 0 {
		return nil
	}
	encoded, err := json.Marshal(summarizeValue(outputs))
	if err != nil {
		return nil
	}
	return encoded
}

func summarizeValue(v any) any {
	switch val := v.(type) {
	case string:
		if len(val) > maxSummaryString {
			return fmt.Sprintf("%s… (%d bytes elided)", val[:maxSummaryString], len(val)-maxSummaryString)
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = summarizeValue(item)
		}
		return out
	case []any:
		n := len(val)
		if n > maxSummaryItems {
			n = maxSummaryItems
		}
		out := make([]any, 0, n+1)
		for _, item := range val[:n] {
			out = append(out, summarizeValue(item))
		}
		if len(val) > maxSummaryItems {
			out = append(out, fmt.Sprintf("… (%d items elided)", len(val)-maxSummaryItems))
		}
		return out
	default:
		return v
	}
}
