package toolcalls

import (
	"encoding/json"

	acp "github.com/coder/acp-go-sdk"
)

// locationArgKeys are the argument names, across the CLI's tool schemas,
// that carry a file path worth surfacing for editor follow-along.
var locationArgKeys = []string{"file_path", "path", "notebook_path"}

// LocationsFromInput extracts follow-along locations from a tool's raw
// input. Unknown schemas yield nil; extraction failure is never an error.
func LocationsFromInput(rawInput json.RawMessage) []acp.ToolCallLocation {
	if len(rawInput) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(rawInput, &args); err != nil {
		return nil
	}

	var out []acp.ToolCallLocation
	for _, key := range locationArgKeys {
		if p, ok := args[key].(string); ok && p != "" {
			out = append(out, acp.ToolCallLocation{Path: p})
		}
	}
	return out
}
