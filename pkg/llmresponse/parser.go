// Package llmresponse parses raw stdout from the Process Runner into a
// structured verdict the Orchestrator Cycle can act on.
package llmresponse

import (
	"encoding/json"
	"strings"
)

// Parsed is the result of interpreting a process's trimmed stdout.
type Parsed struct {
	Text     string
	JSON     map[string]any
	HasJSON  bool
	HasError bool
}

// Parse trims whitespace, attempts a JSON-object decode (kept as metadata on
// success), and flags HasError iff the trimmed text begins, case-insensitive,
// with "Error:" or "Fatal:" — a mid-text occurrence never triggers it.
func Parse(stdout string) Parsed {
	trimmed := strings.TrimSpace(stdout)
	p := Parsed{Text: trimmed}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		p.JSON = obj
		p.HasJSON = true
	}

	lower := strings.ToLower(trimmed)
	p.HasError = strings.HasPrefix(lower, "error:") || strings.HasPrefix(lower, "fatal:")

	return p
}
