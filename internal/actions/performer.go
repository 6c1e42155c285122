// Package actions performs the underlying work of each plan step. Every
// filesystem mutation goes through the ledger so it can be rolled back.
package actions

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fentz26/airlock/internal/airlock"
	"github.com/fentz26/airlock/internal/connectors"
	"github.com/fentz26/airlock/internal/ledger"
	"github.com/fentz26/airlock/internal/logging"
	"github.com/fentz26/airlock/internal/models"
)

// Call is one step invocation. TxID must name an active transaction for
// mutating steps.
type Call struct {
	TaskID    string
	TxID      string
	Workspace string
	Step      models.PlannedStep
}

// Result is what a step produced.
type Result struct {
	Changes []models.FileOpChange
	Output  string
}

// Performer dispatches steps to their implementation.
type Performer struct {
	ledger   *ledger.Ledger
	runner   connectors.Connector
	http     *http.Client
	logger   *logging.Logger
	maxFetch int64
	runs     RunRecorder
}

// RunRecorder persists command runs. *store.Store implements it.
type RunRecorder interface {
	RecordRun(taskID string, res *connectors.ExecResult) error
}

// Option customizes a Performer.
type Option func(*Performer)

// WithHTTPClient replaces the client used by fetchUrl steps.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Performer) { p.http = c }
}

// WithRunRecorder records every finished command.
func WithRunRecorder(r RunRecorder) Option {
	return func(p *Performer) { p.runs = r }
}

// WithMaxFetchBytes caps fetched response bodies.
func WithMaxFetchBytes(n int64) Option {
	return func(p *Performer) { p.maxFetch = n }
}

// NewPerformer creates a performer. runner may be nil, in which case
// runCommand steps fail.
func NewPerformer(l *ledger.Ledger, runner connectors.Connector, logger *logging.Logger, opts ...Option) *Performer {
	p := &Performer{
		ledger:   l,
		runner:   runner,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger.WithComponent("actions"),
		maxFetch: 2 << 20,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Perform runs call.Step. It checks ctx between sub-operations, so a
// multi-file step stops at the first file after its deadline.
func (p *Performer) Perform(ctx context.Context, call Call) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step := call.Step
	if step.Mutating() && step.Kind != models.StepRunCommand && call.TxID == "" {
		return nil, fmt.Errorf("%s requires an open transaction", step.Kind)
	}
	resolve := func(path string) string { return airlock.ResolvePath(call.Workspace, path) }

	switch step.Kind {
	case models.StepCreateFile:
		changes, err := p.ledger.CreateFile(call.TxID, resolve(step.Path), []byte(step.Content))
		return &Result{Changes: changes}, err

	case models.StepModifyFile:
		changes, err := p.ledger.WriteFile(call.TxID, resolve(step.Path), []byte(step.Content))
		return &Result{Changes: changes}, err

	case models.StepMoveFile:
		changes, err := p.ledger.Move(call.TxID, resolve(step.Source), resolve(step.Destination))
		return &Result{Changes: changes}, err

	case models.StepDeleteFile:
		changes, err := p.ledger.Delete(call.TxID, resolve(step.Path))
		return &Result{Changes: changes}, err

	case models.StepOrganizeFolder:
		return p.organize(ctx, call.TxID, resolve(step.Path), step.Strategy)

	case models.StepBatchRename:
		return p.batchRename(ctx, call.TxID, resolve(step.Path), step.Files, step.Pattern, resolve)

	case models.StepAnalyzeContent:
		return p.analyze(ctx, resolve(step.Path), step.Files, resolve)

	case models.StepRunCommand:
		return p.runCommand(ctx, call)

	case models.StepFetchURL:
		return p.fetch(ctx, step.URL)
	}
	return nil, fmt.Errorf("unknown step type %q", step.Kind)
}

func (p *Performer) runCommand(ctx context.Context, call Call) (*Result, error) {
	if p.runner == nil {
		return nil, fmt.Errorf("no command connector configured")
	}
	step := call.Step
	res, err := p.runner.Execute(ctx, connectors.Request{
		Command: step.Command,
		Args:    step.Args,
		Dir:     call.Workspace,
	})
	if err != nil {
		return nil, err
	}
	p.logger.WithTask(call.TaskID).Info("command finished",
		"connector", p.runner.Name(), "command", step.Command, "exit_code", res.ExitCode, "duration_ms", res.DurationMs)
	if p.runs != nil {
		if err := p.runs.RecordRun(call.TaskID, res); err != nil {
			p.logger.Warn("record run failed", "error", err)
		}
	}

	out := res.Stdout
	if res.Stderr != "" {
		out += "\n[stderr]\n" + res.Stderr
	}
	if res.ExitCode != 0 {
		return &Result{Output: out}, fmt.Errorf("%s exited with code %d", connectors.CommandLine(step.Command, step.Args), res.ExitCode)
	}
	return &Result{Output: out}, nil
}
