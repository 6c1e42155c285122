// Package controlplane provides the HTTP API and service layer for Airlock.
package controlplane

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fentz26/airlock/internal/airlock"
	"github.com/fentz26/airlock/internal/approval"
	"github.com/fentz26/airlock/internal/audit"
	airerrors "github.com/fentz26/airlock/internal/errors"
	"github.com/fentz26/airlock/internal/event"
	"github.com/fentz26/airlock/internal/ledger"
	"github.com/fentz26/airlock/internal/logging"
	"github.com/fentz26/airlock/internal/models"
	"github.com/fentz26/airlock/internal/planner"
	"github.com/fentz26/airlock/internal/runtime"
	"github.com/fentz26/airlock/internal/scheduler"
	"github.com/fentz26/airlock/internal/store"
)

// Deps are the collaborators of a Service.
type Deps struct {
	Store     *store.Store
	PDR       *audit.PDRWriter
	Planner   *planner.Planner
	Policy    *airlock.Provider
	Evaluator *airlock.Evaluator
	Limiter   *airlock.RateLimiter
	Gate      *approval.Gate
	Ledger    *ledger.Ledger
	Performer runtime.Performer
	Hub       *event.Hub
	Scheduler *scheduler.Config
	Logger    *logging.Logger
	// FailurePolicy applies to plans created without one.
	FailurePolicy models.FailurePolicy
}

// Service provides the control plane business logic. It owns the scheduler
// and tracks one runtime per executing plan.
type Service struct {
	store     *store.Store
	pdr       *audit.PDRWriter
	planner   *planner.Planner
	policy    *airlock.Provider
	evaluator *airlock.Evaluator
	limiter   *airlock.RateLimiter
	gate      *approval.Gate
	ledger    *ledger.Ledger
	performer runtime.Performer
	hub       *event.Hub
	sched     *scheduler.Scheduler
	logger    *logging.Logger
	failure   models.FailurePolicy

	mu      sync.Mutex
	running map[string]*runtime.Runtime
	streams map[string]*event.Stream
}

// NewService creates a new control plane service.
func NewService(d Deps) *Service {
	if d.Limiter == nil {
		d.Limiter = airlock.NewRateLimiter()
	}
	if d.Evaluator == nil {
		d.Evaluator = airlock.NewEvaluator(nil)
	}
	if d.Hub == nil {
		d.Hub = event.NewHub(d.Logger)
	}
	if !d.FailurePolicy.Valid() {
		d.FailurePolicy = models.DefaultFailPolicy
	}
	s := &Service{
		store:     d.Store,
		pdr:       d.PDR,
		planner:   d.Planner,
		policy:    d.Policy,
		evaluator: d.Evaluator,
		limiter:   d.Limiter,
		gate:      d.Gate,
		ledger:    d.Ledger,
		performer: d.Performer,
		hub:       d.Hub,
		logger:    d.Logger.WithComponent("controlplane"),
		failure:   d.FailurePolicy,
		running:   make(map[string]*runtime.Runtime),
		streams:   make(map[string]*event.Stream),
	}
	s.sched = scheduler.New(d.PDR, d.Scheduler, d.Logger, s.finished)
	return s
}

// Start starts dispatching executions.
func (s *Service) Start() { s.sched.Start() }

// Stop cancels in-flight executions and waits for them to settle.
func (s *Service) Stop() { s.sched.Stop() }

// Hub exposes the event hub for streaming.
func (s *Service) Hub() *event.Hub { return s.hub }

// Scheduler exposes the scheduler for stats.
func (s *Service) Scheduler() *scheduler.Scheduler { return s.sched }

// --- Planning ---

// PlanRequest asks for a plan.
type PlanRequest struct {
	Instruction   string               `json:"instruction"`
	Workspace     string               `json:"workspace"`
	History       []models.Message     `json:"history,omitempty"`
	FailurePolicy models.FailurePolicy `json:"failurePolicy,omitempty"`
}

// PlanTask drafts, annotates and stores a plan. Planning events go to
// emitter, which may be nil. Nothing is stored when planning fails.
func (s *Service) PlanTask(ctx context.Context, req PlanRequest, emitter event.Emitter) (*models.TaskPlan, error) {
	if emitter == nil {
		emitter = event.Discard
	}
	cfg := s.policy.Snapshot()
	if cfg.RateLimits.MaxTokensPerDay > 0 {
		ws, _ := filepath.Abs(req.Workspace)
		if _, used := s.limiter.Usage(ws); used >= cfg.RateLimits.MaxTokensPerDay {
			return nil, airerrors.E(airerrors.KindRateLimited, "plan",
				fmt.Sprintf("%d tokens/day limit reached", cfg.RateLimits.MaxTokensPerDay), nil)
		}
	}
	if req.FailurePolicy == "" {
		req.FailurePolicy = s.failure
	}

	emitter.Emit(ctx, event.Event{Type: event.PlanningStarted, Message: req.Instruction})
	plan, err := s.planner.Plan(ctx, planner.Request{
		Instruction:   req.Instruction,
		Workspace:     req.Workspace,
		History:       req.History,
		FailurePolicy: req.FailurePolicy,
	}, func(tok string) {
		emitter.Emit(ctx, event.Event{Type: event.PlanToken, Token: tok})
	})
	if err != nil {
		emitter.Emit(ctx, event.Event{Type: event.Failed, Reason: airerrors.KindPlanning.Reason(), Message: err.Error()})
		s.pdr.Record(audit.ActionPlan, map[string]string{"instruction": req.Instruction, "workspace": req.Workspace},
			"error", "", err.Error())
		return nil, err
	}
	s.limiter.RecordTokens(plan.WorkspacePath, plan.TokensUsed)

	if err := s.store.SavePlan(plan); err != nil {
		return nil, fmt.Errorf("save plan: %w", err)
	}
	s.pdr.Record(audit.ActionPlan, map[string]string{"instruction": plan.Instruction, "workspace": plan.WorkspacePath},
		"success", plan.ID, fmt.Sprintf("%s, %d steps", plan.Intent, len(plan.Steps)))
	emitter.Emit(ctx, event.Event{Type: event.PlanReady, Plan: plan})
	return plan, nil
}

// GetPlan retrieves a plan by ID.
func (s *Service) GetPlan(id string) (*models.TaskPlan, error) {
	plan, err := s.store.GetPlan(id)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, ErrPlanNotFound
	}
	return plan, nil
}

// ListPlans returns recent plans.
func (s *Service) ListPlans(limit int) ([]models.TaskPlan, error) {
	return s.store.ListPlans(limit)
}

// --- Execution ---

// ExecuteOptions tune one execution attempt.
type ExecuteOptions struct {
	// FailurePolicy overrides the plan's policy for this attempt.
	FailurePolicy models.FailurePolicy `json:"failurePolicy,omitempty"`
}

// Execute queues plan planID for execution and returns its runtime. Events
// are published on the hub under the plan ID. A plan can have only one
// execution in flight.
func (s *Service) Execute(ctx context.Context, planID string, opts ExecuteOptions) (*runtime.Runtime, error) {
	if opts.FailurePolicy != "" && !opts.FailurePolicy.Valid() {
		return nil, fmt.Errorf("%w: unknown failure policy %q", ErrInvalidRequest, opts.FailurePolicy)
	}
	plan, err := s.GetPlan(planID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, ok := s.running[planID]; ok {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	stream := event.NewStream(planID, event.DefaultBuffer)
	rt := runtime.New(plan, opts.FailurePolicy, stream, runtime.Deps{
		Evaluator: s.evaluator,
		Policy:    s.policy,
		Limiter:   s.limiter,
		Gate:      s.gate,
		Ledger:    s.ledger,
		Performer: s.performer,
		Audit:     s.pdr,
		Logger:    s.logger,
	})
	s.running[planID] = rt
	s.streams[planID] = stream
	s.mu.Unlock()

	s.hub.Attach(stream)
	if err := s.sched.Submit(rt); err != nil {
		s.mu.Lock()
		delete(s.running, planID)
		delete(s.streams, planID)
		s.mu.Unlock()
		stream.Close()
		return nil, err
	}
	s.logger.WithTask(planID).Info("execution queued", "steps", len(plan.Steps))
	return rt, nil
}

// finished is the scheduler completion callback.
func (s *Service) finished(rt *runtime.Runtime, res *models.ExecutionResult, err error) {
	id := rt.TaskID()
	if res != nil {
		if serr := s.store.SaveResult(res); serr != nil {
			s.logger.WithTask(id).Error("save result failed", "error", serr)
		}
	}
	s.mu.Lock()
	stream := s.streams[id]
	delete(s.running, id)
	delete(s.streams, id)
	s.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}

// Wait blocks until rt finishes and returns its result.
func (s *Service) Wait(ctx context.Context, rt *runtime.Runtime) (*models.ExecutionResult, error) {
	select {
	case <-rt.Done():
		return rt.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Runtime returns the in-flight runtime of planID, if any.
func (s *Service) Runtime(planID string) (*runtime.Runtime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.running[planID]
	return rt, ok
}

// Cancel requests cancellation of the execution of planID. A pending
// approval of the task is denied with reason "cancelled".
func (s *Service) Cancel(planID string) error {
	rt, ok := s.Runtime(planID)
	if !ok {
		return ErrNotRunning
	}
	rt.Cancel()
	s.gate.CancelTask(planID)
	s.sched.Kick()
	return nil
}

// Status is the execution state of a plan.
type Status struct {
	PlanID string                  `json:"planId"`
	State  models.ExecutionState   `json:"state"`
	Steps  []models.StepStatus     `json:"steps,omitempty"`
	Result *models.ExecutionResult `json:"result,omitempty"`
}

// GetStatus returns the live state of an executing plan, or the stored
// result of a finished one.
func (s *Service) GetStatus(planID string) (*Status, error) {
	if rt, ok := s.Runtime(planID); ok {
		return &Status{PlanID: planID, State: rt.State(), Steps: rt.StepStatuses(), Result: rt.Result()}, nil
	}
	res, err := s.store.GetResult(planID)
	if err != nil {
		return nil, err
	}
	if res == nil {
		if _, err := s.GetPlan(planID); err != nil {
			return nil, err
		}
		return nil, ErrNoResult
	}
	return &Status{PlanID: planID, State: res.State, Result: res}, nil
}

// --- Approvals ---

// PendingApprovals lists unresolved approval requests, oldest first.
func (s *Service) PendingApprovals() []models.ApprovalRequest {
	pending := s.gate.Pending()
	if pending == nil {
		pending = []models.ApprovalRequest{}
	}
	return pending
}

// ListApprovals returns stored approvals, including resolved ones.
func (s *Service) ListApprovals(status models.ApprovalStatus, taskID string) ([]models.ApprovalRequest, error) {
	return s.store.ListApprovals(status, taskID)
}

// Respond resolves a pending approval request.
func (s *Service) Respond(requestID string, approved bool) error {
	return s.gate.Respond(requestID, approved)
}

// --- Policy ---

// GetPolicy returns the current policy snapshot.
func (s *Service) GetPolicy() *airlock.Config { return s.policy.Snapshot() }

// ReplacePolicy validates and installs a whole policy document.
func (s *Service) ReplacePolicy(cfg *airlock.Config) (*airlock.Config, error) {
	next, err := s.policy.Replace(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	s.pdr.Record(audit.ActionPolicy, next, "replace", "", "")
	s.logger.Info("policy replaced", "mode", next.ToolPolicy.Mode)
	return next, nil
}

// ToolChange mutates the policy entry of one tool. Exactly one field is
// expected to be set.
type ToolChange struct {
	Allow *bool   `json:"allow,omitempty"`
	Deny  *bool   `json:"deny,omitempty"`
	Level *string `json:"level,omitempty"`
}

// UpdateTool applies change to tool. Allow and deny stay disjoint.
func (s *Service) UpdateTool(tool string, change ToolChange) (*airlock.Config, error) {
	if tool == "" {
		return nil, fmt.Errorf("%w: tool name required", ErrInvalidRequest)
	}
	next, err := s.policy.Update(func(c *airlock.Config) error {
		switch {
		case change.Allow != nil:
			c.SetAllowed(tool, *change.Allow)
		case change.Deny != nil:
			c.SetDenied(tool, *change.Deny)
		case change.Level != nil:
			lvl, err := models.ParseLevel(*change.Level)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			}
			c.SetLevel(tool, lvl)
		default:
			return fmt.Errorf("%w: one of allow, deny or level is required", ErrInvalidRequest)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.pdr.Record(audit.ActionPolicy, map[string]any{"tool": tool, "change": change}, "update", "", tool)
	return next, nil
}

// SetMode switches between all and allowlist mode.
func (s *Service) SetMode(mode airlock.Mode) (*airlock.Config, error) {
	next, err := s.policy.Update(func(c *airlock.Config) error {
		c.ToolPolicy.Mode = mode
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	s.pdr.Record(audit.ActionPolicy, map[string]string{"mode": string(mode)}, "mode", "", "")
	return next, nil
}

// --- Transactions ---

// ListTransactions returns every transaction, newest first.
func (s *Service) ListTransactions() []models.Transaction {
	txs := s.ledger.List()
	if txs == nil {
		txs = []models.Transaction{}
	}
	return txs
}

// Undo reverts the most recent committed transaction.
func (s *Service) Undo() (*models.Transaction, error) {
	tx, err := s.ledger.Undo()
	if tx != nil {
		s.pdr.Record(audit.ActionTransaction, map[string]string{"tx_id": tx.ID}, outcome("undone", err), "", tx.Description)
	}
	return tx, err
}

// Redo reapplies the most recently undone transaction.
func (s *Service) Redo() (*models.Transaction, error) {
	tx, err := s.ledger.Redo()
	if tx != nil {
		s.pdr.Record(audit.ActionTransaction, map[string]string{"tx_id": tx.ID}, outcome("redone", err), "", tx.Description)
	}
	return tx, err
}

func outcome(ok string, err error) string {
	if err != nil {
		return "error"
	}
	return ok
}

// --- Audit ---

// ListAudit returns audit records, newest first.
func (s *Service) ListAudit(taskID string, limit int) ([]models.PDREntry, error) {
	return s.store.ListPDR(taskID, limit)
}

// GetRuns returns the command runs of a task.
func (s *Service) GetRuns(taskID string) ([]models.Run, error) {
	return s.store.GetRunsForTask(taskID)
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
