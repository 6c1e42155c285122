package airlock

import (
	"fmt"

	"github.com/fentz26/airlock/internal/models"
)

// Decision is the outcome of evaluating one tool invocation.
type Decision int

const (
	Allow Decision = iota
	AllowWithNotice
	RequireApproval
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case AllowWithNotice:
		return "allow_with_notice"
	case RequireApproval:
		return "require_approval"
	case Deny:
		return "deny"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

func (d Decision) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Permitted reports whether the invocation may run without a human.
func (d Decision) Permitted() bool { return d == Allow || d == AllowWithNotice }

// Verdict explains a Decision.
type Verdict struct {
	Tool     string       `json:"tool"`
	Decision Decision     `json:"decision"`
	Level    models.Level `json:"level"`
	Reason   string       `json:"reason,omitempty"`
}

// Evaluator applies an AirlockConfig to tool invocations. It holds only the
// immutable classification table and has no other state.
type Evaluator struct {
	table *Table
}

// NewEvaluator returns an evaluator over table (DefaultTable if nil).
func NewEvaluator(table *Table) *Evaluator {
	if table == nil {
		table = DefaultTable()
	}
	return &Evaluator{table: table}
}

// Table returns the classification table.
func (e *Evaluator) Table() *Table { return e.table }

// Level resolves the effective level of tool under cfg.
func (e *Evaluator) Level(tool string, cfg *Config) models.Level {
	if lvl, ok := cfg.ToolLevels[tool]; ok {
		return lvl
	}
	return e.table.Classify(tool)
}

// Decide evaluates tool against the tool policy and levels, ignoring scopes.
func (e *Evaluator) Decide(tool string, cfg *Config) Verdict {
	v := Verdict{Tool: tool, Level: e.Level(tool, cfg)}

	switch cfg.ToolPolicy.Mode {
	case ModeAllowlist:
		if !cfg.IsAllowed(tool) {
			v.Decision = Deny
			v.Reason = fmt.Sprintf("%s is not in the allowlist", tool)
			return v
		}
	default:
		if cfg.IsDenied(tool) {
			v.Decision = Deny
			v.Reason = fmt.Sprintf("%s is on the deny list", tool)
			return v
		}
	}

	switch v.Level {
	case models.Safe:
		v.Decision = Allow
	case models.Sensitive:
		v.Decision = AllowWithNotice
		v.Reason = fmt.Sprintf("%s is sensitive", tool)
	default:
		v.Decision = RequireApproval
		v.Reason = fmt.Sprintf("%s is dangerous and needs approval", tool)
	}
	return v
}

// Evaluate is Decide followed by the scope filter on the concrete target. A
// target outside the scopes turns any decision into Deny.
func (e *Evaluator) Evaluate(tool string, target Target, cfg *Config) Verdict {
	v := e.Decide(tool, cfg)
	if v.Decision == Deny {
		return v
	}
	if reason := cfg.Scopes.CheckTarget(target); reason != "" {
		v.Decision = Deny
		v.Reason = reason
	}
	return v
}

// EvaluateStep evaluates a planned step in workspace.
func (e *Evaluator) EvaluateStep(step models.PlannedStep, workspace string, cfg *Config) Verdict {
	return e.Evaluate(step.Tool(), StepTarget(step, workspace), cfg)
}

// StepTarget extracts the scope-checked arguments of a step.
func StepTarget(step models.PlannedStep, workspace string) Target {
	t := Target{Workspace: workspace, Paths: step.Targets()}
	if step.Kind == models.StepFetchURL {
		t.URL = step.URL
	}
	return t
}
