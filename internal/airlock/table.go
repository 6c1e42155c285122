// Package airlock implements the risk classification and policy evaluation
// that gate every tool invocation.
package airlock

import (
	"sort"

	"github.com/fentz26/airlock/internal/models"
)

// Table maps tool names to risk levels. It is immutable after construction.
type Table struct {
	levels   map[string]models.Level
	fallback models.Level
}

// NewTable copies levels into a new Table. Unknown tools classify as
// fallback, which is raised to Sensitive if a lower level is given.
func NewTable(levels map[string]models.Level, fallback models.Level) *Table {
	if fallback < models.Sensitive {
		fallback = models.Sensitive
	}
	copied := make(map[string]models.Level, len(levels))
	for tool, lvl := range levels {
		copied[tool] = lvl
	}
	return &Table{levels: copied, fallback: fallback}
}

// DefaultTable returns the built-in classification of known tools.
func DefaultTable() *Table {
	return NewTable(defaultLevels, models.Sensitive)
}

var defaultLevels = map[string]models.Level{
	// reads, searches, status queries, page snapshots
	"read_file":        models.Safe,
	"list_directory":   models.Safe,
	"search_files":     models.Safe,
	"get_file_info":    models.Safe,
	"analyze_content":  models.Safe,
	"git_status":       models.Safe,
	"page_snapshot":    models.Safe,
	"get_page_content": models.Safe,
	"web_search":       models.Safe,

	// non-destructive writes and navigation
	"write_file":      models.Sensitive,
	"create_file":     models.Sensitive,
	"copy_file":       models.Sensitive,
	"mkdir":           models.Sensitive,
	"batch_rename":    models.Sensitive,
	"organize_folder": models.Sensitive,
	"browse_url":      models.Sensitive,
	"click_element":   models.Sensitive,
	"type_text":       models.Sensitive,

	// irreversible or execution-capable
	"execute_command": models.Dangerous,
	"delete_file":     models.Dangerous,
	"move_file":       models.Dangerous,
	"submit_form":     models.Dangerous,
	"http_post":       models.Dangerous,
}

// Classify returns the level of tool.
func (t *Table) Classify(tool string) models.Level {
	if lvl, ok := t.levels[tool]; ok {
		return lvl
	}
	return t.fallback
}

// Known reports whether tool has an explicit entry.
func (t *Table) Known(tool string) bool {
	_, ok := t.levels[tool]
	return ok
}

// Fallback returns the level assigned to unknown tools.
func (t *Table) Fallback() models.Level {
	return t.fallback
}

// Tools lists the known tools in name order.
func (t *Table) Tools() []string {
	out := make([]string, 0, len(t.levels))
	for tool := range t.levels {
		out = append(out, tool)
	}
	sort.Strings(out)
	return out
}

// AtMost lists the known tools whose level is <= max, for presets such as
// "allow L0 only".
func (t *Table) AtMost(max models.Level) []string {
	var out []string
	for _, tool := range t.Tools() {
		if t.levels[tool] <= max {
			out = append(out, tool)
		}
	}
	return out
}
