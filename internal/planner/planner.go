// Package planner turns an instruction into a reviewable TaskPlan.
//
// Drafting is delegated to an Oracle (a language model or the built-in rule
// grammar). The planner then normalizes and validates every step and
// annotates the plan with what the current airlock policy would do to it.
// Those annotations are advisory; the executor re-evaluates every step.
package planner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/airlock/internal/airlock"
	airerrors "github.com/fentz26/airlock/internal/errors"
	"github.com/fentz26/airlock/internal/logging"
	"github.com/fentz26/airlock/internal/models"
)

// Request is what the caller wants planned.
type Request struct {
	Instruction   string
	Workspace     string
	History       []models.Message
	FailurePolicy models.FailurePolicy
}

// TokenSink receives streamed planner tokens. It may be nil.
type TokenSink func(token string)

// Draft is an oracle's raw proposal.
type Draft struct {
	Intent     models.Intent
	Answer     string
	Steps      []models.PlannedStep
	TokensUsed int
}

// Oracle drafts plans.
type Oracle interface {
	Name() string
	Draft(ctx context.Context, req Request, sink TokenSink) (*Draft, error)
}

// PolicySource supplies the policy snapshot used for annotation.
type PolicySource interface {
	Snapshot() *airlock.Config
}

// Planner produces annotated plans.
type Planner struct {
	oracle    Oracle
	evaluator *airlock.Evaluator
	policy    PolicySource
	logger    *logging.Logger
	now       func() time.Time
}

// New creates a planner. A nil evaluator uses the default risk table.
func New(oracle Oracle, evaluator *airlock.Evaluator, policy PolicySource, logger *logging.Logger) *Planner {
	if evaluator == nil {
		evaluator = airlock.NewEvaluator(nil)
	}
	return &Planner{
		oracle:    oracle,
		evaluator: evaluator,
		policy:    policy,
		logger:    logger.WithComponent("planner"),
		now:       time.Now,
	}
}

// Oracle returns the oracle plans are drafted with.
func (p *Planner) Oracle() Oracle { return p.oracle }

// Plan drafts and annotates a plan. Any failure is a PlanningError and no
// plan is returned.
func (p *Planner) Plan(ctx context.Context, req Request, sink TokenSink) (*models.TaskPlan, error) {
	req.Instruction = strings.TrimSpace(req.Instruction)
	if req.Instruction == "" {
		return nil, airerrors.Planning(errors.New("instruction is empty"))
	}
	ws, err := checkWorkspace(req.Workspace)
	if err != nil {
		return nil, airerrors.Planning(err)
	}
	req.Workspace = ws
	if req.FailurePolicy == "" {
		req.FailurePolicy = models.DefaultFailPolicy
	}
	if !req.FailurePolicy.Valid() {
		return nil, airerrors.Planning(fmt.Errorf("unknown failure policy %q", req.FailurePolicy))
	}

	start := p.now()
	draft, err := p.oracle.Draft(ctx, req, sink)
	if err != nil {
		p.logger.Warn("draft failed", "oracle", p.oracle.Name(), "error", err)
		return nil, airerrors.Planning(err)
	}

	plan := &models.TaskPlan{
		ID:            uuid.New().String(),
		Instruction:   req.Instruction,
		WorkspacePath: ws,
		Intent:        draft.Intent,
		Answer:        draft.Answer,
		Steps:         []models.PlannedStep{},
		Warnings:      []string{},
		FailurePolicy: req.FailurePolicy,
		TokensUsed:    draft.TokensUsed,
		CreatedAt:     p.now().UTC(),
	}
	if plan.Intent == "" {
		plan.Intent = models.IntentCommand
	}

	if plan.Intent == models.IntentCommand {
		if len(draft.Steps) == 0 {
			return nil, airerrors.Planning(errors.New("plan has no steps"))
		}
		for i, s := range draft.Steps {
			step := s.Normalize()
			if err := step.Validate(); err != nil {
				return nil, airerrors.Planning(fmt.Errorf("step %d: %w", i+1, err))
			}
			if step.Kind == models.StepOrganizeFolder && step.Strategy == "" {
				step.Strategy = models.OrganizeByExtension
			}
			if strings.TrimSpace(step.Description) == "" {
				step.Description = step.DefaultDescription()
			}
			plan.Steps = append(plan.Steps, step)
		}
	}

	var cfg *airlock.Config
	if p.policy != nil {
		cfg = p.policy.Snapshot()
	}
	p.Annotate(plan, cfg)

	p.logger.WithTask(plan.ID).Info("plan ready",
		"oracle", p.oracle.Name(),
		"intent", plan.Intent,
		"steps", len(plan.Steps),
		"requires_confirmation", plan.RequiresConfirmation,
		"duration_ms", p.now().Sub(start).Milliseconds())
	return plan, nil
}

// Annotate sets RequiresConfirmation, Warnings and EstimatedChanges from
// cfg. A nil cfg uses the default policy.
func (p *Planner) Annotate(plan *models.TaskPlan, cfg *airlock.Config) {
	if cfg == nil {
		cfg = airlock.DefaultConfig()
	}
	plan.RequiresConfirmation = false
	plan.Warnings = []string{}
	plan.EstimatedChanges = 0

	for i, step := range plan.Steps {
		v := p.evaluator.EvaluateStep(step, plan.WorkspacePath, cfg)
		switch v.Decision {
		case airlock.RequireApproval:
			plan.RequiresConfirmation = true
			plan.Warnings = append(plan.Warnings,
				fmt.Sprintf("step %d (%s) requires approval: %s", i+1, v.Tool, v.Reason))
		case airlock.Deny:
			plan.RequiresConfirmation = true
			plan.Warnings = append(plan.Warnings,
				fmt.Sprintf("step %d (%s) will be denied: %s", i+1, v.Tool, v.Reason))
		}
		plan.EstimatedChanges += estimateChanges(step, plan.WorkspacePath)
	}
}

// estimateChanges guesses how many files a step touches.
func estimateChanges(step models.PlannedStep, workspace string) int {
	switch step.Kind {
	case models.StepCreateFile, models.StepModifyFile, models.StepMoveFile, models.StepDeleteFile:
		return 1
	case models.StepBatchRename:
		if len(step.Files) > 0 {
			return len(step.Files)
		}
		return countFiles(airlock.ResolvePath(workspace, step.Path))
	case models.StepOrganizeFolder:
		return countFiles(airlock.ResolvePath(workspace, step.Path))
	}
	return 0
}

func countFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			n++
		}
	}
	return n
}

func checkWorkspace(ws string) (string, error) {
	if strings.TrimSpace(ws) == "" {
		return "", errors.New("workspace path is required")
	}
	abs, err := filepath.Abs(ws)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("workspace: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %s is not a directory", abs)
	}
	return abs, nil
}
