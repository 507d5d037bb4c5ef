package statedb

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatStatus returns a human-readable summary of the database location
// and row counts.
func FormatStatus(path string, nodeCount, graceCount, runCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Database: %s\n", path)
	fmt.Fprintf(&b, "Nodes: %d\n", nodeCount)
	fmt.Fprintf(&b, "In grace period: %d\n", graceCount)
	fmt.Fprintf(&b, "Rollout runs: %d\n", runCount)
	return b.String()
}

// FormatRunListJSON returns the run records as indented JSON.
func FormatRunListJSON(runs []RunRecord) (string, error) {
	if runs == nil {
		runs = []RunRecord{}
	}
	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("statedb: json marshal: %w", err)
	}
	return string(data), nil
}
