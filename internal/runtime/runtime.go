// Package runtime executes a TaskPlan step by step.
//
// A Runtime is a cancellable state machine, one per in-flight plan:
//
//	Queued -> Running -> (WaitingApproval -> Running)* -> Completed | Failed | Cancelled
//
// Steps run strictly in order. Before each step the runtime charges the
// workspace rate limit and evaluates the step against the current policy
// snapshot. Denied steps fail; gated steps wait on the approval gate;
// permitted steps run through the performer inside a ledger transaction.
// Every transition is emitted as an event on the task's stream, and the
// run ends with exactly one ExecutionResult.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fentz26/airlock/internal/actions"
	"github.com/fentz26/airlock/internal/airlock"
	"github.com/fentz26/airlock/internal/approval"
	"github.com/fentz26/airlock/internal/audit"
	airerrors "github.com/fentz26/airlock/internal/errors"
	"github.com/fentz26/airlock/internal/event"
	"github.com/fentz26/airlock/internal/ledger"
	"github.com/fentz26/airlock/internal/logging"
	"github.com/fentz26/airlock/internal/models"
)

// ErrAlreadyStarted is returned by a second call to Run.
var ErrAlreadyStarted = errors.New("runtime already started")

// Performer runs the underlying action of a step. *actions.Performer
// implements it.
type Performer interface {
	Perform(ctx context.Context, call actions.Call) (*actions.Result, error)
}

// PolicySource supplies a consistent policy snapshot per step.
type PolicySource interface {
	Snapshot() *airlock.Config
}

// Deps are the process-wide collaborators shared by all runtimes.
type Deps struct {
	Evaluator *airlock.Evaluator
	Policy    PolicySource
	Limiter   *airlock.RateLimiter
	Gate      *approval.Gate
	Ledger    *ledger.Ledger
	Performer Performer
	Audit     *audit.PDRWriter
	Logger    *logging.Logger
}

// Runtime executes one plan.
type Runtime struct {
	plan    *models.TaskPlan
	policy  models.FailurePolicy
	deps    Deps
	emitter event.Emitter
	logger  *logging.Logger

	mu       sync.Mutex
	state    models.ExecutionState
	statuses []models.StepStatus
	started  bool
	result   *models.ExecutionResult

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
	now        func() time.Time
}

// New creates a queued runtime for plan. An empty failurePolicy uses the
// plan's own policy. A nil emitter discards events.
func New(plan *models.TaskPlan, failurePolicy models.FailurePolicy, emitter event.Emitter, deps Deps) *Runtime {
	if failurePolicy == "" {
		failurePolicy = plan.FailurePolicy
	}
	if !failurePolicy.Valid() {
		failurePolicy = models.DefaultFailPolicy
	}
	if emitter == nil {
		emitter = event.Discard
	}
	if deps.Evaluator == nil {
		deps.Evaluator = airlock.NewEvaluator(nil)
	}
	if deps.Limiter == nil {
		deps.Limiter = airlock.NewRateLimiter()
	}
	if deps.Policy == nil {
		deps.Policy = airlock.NewStaticProvider(airlock.DefaultConfig())
	}
	if deps.Gate == nil {
		deps.Gate = approval.NewGate(approval.Options{Logger: deps.Logger})
	}
	statuses := make([]models.StepStatus, len(plan.Steps))
	for i := range statuses {
		statuses[i] = models.StepPending
	}
	return &Runtime{
		plan:     plan,
		policy:   failurePolicy,
		deps:     deps,
		emitter:  emitter,
		logger:   deps.Logger.WithComponent("runtime").WithTask(plan.ID),
		state:    models.StateQueued,
		statuses: statuses,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// TaskID is the plan ID.
func (r *Runtime) TaskID() string { return r.plan.ID }

// Plan returns the plan being executed.
func (r *Runtime) Plan() *models.TaskPlan { return r.plan }

// Workspace returns the plan's workspace.
func (r *Runtime) Workspace() string { return r.plan.WorkspacePath }

// State returns the current state.
func (r *Runtime) State() models.ExecutionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// StepStatuses returns a copy of the per-step annotations.
func (r *Runtime) StepStatuses() []models.StepStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.StepStatus(nil), r.statuses...)
}

// Done is closed once the result is available.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Result returns the execution result, or nil while the runtime is live.
func (r *Runtime) Result() *models.ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Cancel requests cooperative cancellation. It takes effect at the next
// step boundary, or immediately if the runtime waits on an approval.
func (r *Runtime) Cancel() {
	r.cancelOnce.Do(func() {
		close(r.cancelCh)
		r.logger.Info("cancel requested")
	})
}

// CancelRequested reports whether Cancel has been called.
func (r *Runtime) CancelRequested() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

func (r *Runtime) cancelled(ctx context.Context) bool {
	select {
	case <-r.cancelCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// execution is the mutable state of one Run.
type execution struct {
	result  *models.ExecutionResult
	txID    string
	changes []models.FileOpChange
	failed  int
	// aborted is set when a failure stops the remaining steps.
	aborted bool
	cancel  bool
}

// Run executes the plan and returns its result. Step failures are recorded
// in the result; the error is non-nil only when the transaction could not
// be rolled back, or when Run was already called.
func (r *Runtime) Run(ctx context.Context) (*models.ExecutionResult, error) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	r.started = true
	r.mu.Unlock()
	defer close(r.done)

	start := r.now()
	ex := &execution{result: &models.ExecutionResult{
		TaskID:     r.plan.ID,
		TotalSteps: len(r.plan.Steps),
		Changes:    []models.FileOpChange{},
		Errors:     []string{},
		Steps:      make([]models.StepOutcome, len(r.plan.Steps)),
	}}
	for i, s := range r.plan.Steps {
		ex.result.Steps[i] = models.StepOutcome{Index: i, Tool: s.Tool(), Status: models.StepPending}
	}

	r.setState(models.StateRunning)
	r.logger.Info("execution started", "steps", len(r.plan.Steps), "failure_policy", r.policy)

	if r.plan.Intent == models.IntentQuestion {
		ex.result.TotalSteps = 0
		ex.result.Steps = []models.StepOutcome{}
		return r.finish(ctx, ex, start, nil)
	}

	for i := range r.plan.Steps {
		if r.cancelled(ctx) {
			ex.cancel = true
			break
		}
		r.runStep(ctx, ex, i)
		r.emit(ctx, event.Event{
			Type:     event.Progress,
			Step:     i + 1,
			State:    r.State(),
			Progress: &event.ProgressInfo{Completed: ex.result.CompletedSteps, Failed: ex.failed, Total: len(r.plan.Steps)},
		})
		if ex.aborted || ex.cancel {
			break
		}
	}

	var fatal error
	switch {
	case ex.cancel || ex.aborted:
		fatal = r.rollback(ex)
	default:
		r.commit(ex)
	}
	return r.finish(ctx, ex, start, fatal)
}

// runStep takes step i through rate limiting, policy, approval and the
// action itself.
func (r *Runtime) runStep(ctx context.Context, ex *execution, i int) {
	step := r.plan.Steps[i]
	log := r.logger.WithStep(i + 1)
	r.setStepStatus(ex, i, models.StepRunning)
	r.emit(ctx, event.Event{Type: event.StepStarted, Step: i + 1, State: r.State(), Message: step.Description})

	cfg := r.deps.Policy.Snapshot()
	ws := r.plan.WorkspacePath

	if ok, why := r.deps.Limiter.Allow(ws, cfg.RateLimits, 0); !ok {
		r.failStep(ctx, ex, i, airerrors.E(airerrors.KindRateLimited, step.Tool(), why, nil), nil)
		return
	}

	v := r.deps.Evaluator.EvaluateStep(step, ws, cfg)
	ex.result.Steps[i].Decision = v.Decision.String()
	if _, err := r.deps.Audit.Record(audit.ActionDecision, map[string]any{
		"tool":      v.Tool,
		"step":      step,
		"workspace": ws,
	}, v.Decision.String(), r.plan.ID, v.Reason); err != nil {
		log.Warn("audit decision failed", "error", err)
	}
	log.Debug("policy decision", "tool", v.Tool, "decision", v.Decision, "level", v.Level, "reason", v.Reason)

	switch v.Decision {
	case airlock.Deny:
		r.failStep(ctx, ex, i, airerrors.PolicyDenied(v.Tool, v.Reason), nil)
		return
	case airlock.RequireApproval:
		if !r.awaitApproval(ctx, ex, i, step, v) {
			return
		}
	case airlock.AllowWithNotice:
		r.emit(ctx, event.Event{Type: event.Notice, Step: i + 1, State: r.State(), Reason: v.Decision.String(), Message: v.Reason})
	}

	r.perform(ctx, ex, i, step, cfg)
}

// awaitApproval raises an approval request and blocks on it. It reports
// whether the step may proceed.
func (r *Runtime) awaitApproval(ctx context.Context, ex *execution, i int, step models.PlannedStep, v airlock.Verdict) bool {
	if r.cancelled(ctx) {
		ex.cancel = true
		r.markCancelled(ex, i)
		return false
	}

	req, err := r.deps.Gate.Request(r.plan.ID, i, step, v)
	if err != nil {
		r.failStep(ctx, ex, i, airerrors.E(airerrors.KindApprovalDenied, v.Tool, "", err), nil)
		return false
	}

	r.setState(models.StateWaitingApproval)
	r.setStepStatus(ex, i, models.StepWaiting)
	r.emit(ctx, event.Event{
		Type:     event.ConfirmationRequired,
		Step:     i + 1,
		State:    models.StateWaitingApproval,
		Reason:   v.Reason,
		Message:  step.Description,
		Approval: req,
	})

	outcome, err := r.deps.Gate.Await(ctx, req.ID, r.cancelCh)
	r.setState(models.StateRunning)
	if err != nil {
		r.failStep(ctx, ex, i, airerrors.E(airerrors.KindApprovalDenied, v.Tool, "", err), nil)
		return false
	}

	switch {
	case outcome == approval.Cancelled || r.cancelled(ctx):
		ex.cancel = true
		r.markCancelled(ex, i)
		return false
	case outcome == approval.Approved:
		r.setStepStatus(ex, i, models.StepRunning)
		return true
	case outcome == approval.Expired:
		r.failStep(ctx, ex, i, airerrors.E(airerrors.KindApprovalExpired, v.Tool, "", nil), nil)
		return false
	default:
		r.failStep(ctx, ex, i, airerrors.E(airerrors.KindApprovalDenied, v.Tool, "", nil), nil)
		return false
	}
}

// perform runs the step's action under the tool timeout. The action is not
// interrupted by cancellation, only by its own deadline.
func (r *Runtime) perform(ctx context.Context, ex *execution, i int, step models.PlannedStep, cfg *airlock.Config) {
	tool := step.Tool()
	if step.Mutating() && step.Kind != models.StepRunCommand && ex.txID == "" {
		ex.txID = r.deps.Ledger.Begin(fmt.Sprintf("task %s: %s", r.plan.ID, r.plan.Instruction))
		ex.result.TransactionID = ex.txID
	}

	timeout := cfg.TimeoutFor(tool)
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	started := r.now()
	res, err := r.deps.Performer.Perform(actx, actions.Call{
		TaskID:    r.plan.ID,
		TxID:      ex.txID,
		Workspace: r.plan.WorkspacePath,
		Step:      step,
	})
	var changes []models.FileOpChange
	output := ""
	if res != nil {
		changes = res.Changes
		output = res.Output
	}
	ex.changes = append(ex.changes, changes...)
	ex.result.Steps[i].Output = output

	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		r.failStep(ctx, ex, i, airerrors.Action(tool, err), changes)
		return
	}

	ex.result.CompletedSteps++
	r.setStepStatus(ex, i, models.StepCompleted)
	r.logger.WithStep(i+1).Info("step completed",
		"tool", tool, "changes", len(changes), "duration_ms", r.now().Sub(started).Milliseconds())
	r.emit(ctx, event.Event{
		Type:    event.StepCompleted,
		Step:    i + 1,
		State:   r.State(),
		Message: output,
		Changes: changes,
	})
}

// failStep records a failed step and decides whether the plan continues.
func (r *Runtime) failStep(ctx context.Context, ex *execution, i int, err *airerrors.Error, changes []models.FileOpChange) {
	step := r.plan.Steps[i]
	ex.failed++
	ex.result.Steps[i].Reason = err.Kind.Reason()
	ex.result.Steps[i].Error = err.Error()
	ex.result.Errors = append(ex.result.Errors, fmt.Sprintf("step %d (%s): %s", i+1, step.Tool(), err.Error()))
	r.setStepStatus(ex, i, models.StepFailed)

	if r.policy == models.FailFast || step.NonSkippable {
		ex.aborted = true
	}
	r.logger.WithStep(i+1).Warn("step failed",
		"tool", step.Tool(), "kind", err.Kind.String(), "error", err.Error(), "abort", ex.aborted)
	r.emit(ctx, event.Event{
		Type:    event.StepFailed,
		Step:    i + 1,
		State:   r.State(),
		Reason:  err.Kind.Reason(),
		Message: err.Error(),
		Changes: changes,
	})
}

func (r *Runtime) markCancelled(ex *execution, i int) {
	ex.result.Steps[i].Reason = airerrors.KindCancelled.Reason()
	r.setStepStatus(ex, i, models.StepSkipped)
}

// commit finalizes the transaction of a run that was not aborted.
func (r *Runtime) commit(ex *execution) {
	if ex.txID == "" {
		ex.result.Changes = ex.changes
		return
	}
	changes, err := r.deps.Ledger.Commit(ex.txID)
	if err != nil {
		ex.result.Errors = append(ex.result.Errors, fmt.Sprintf("commit transaction: %v", err))
		r.logger.Error("commit failed", "tx_id", ex.txID, "error", err)
		ex.result.Changes = ex.changes
		return
	}
	ex.result.Changes = changes
	r.recordTx(ex.txID, string(models.TxCommitted), len(changes))
}

// rollback undoes an aborted or cancelled run. A failed rollback is fatal.
func (r *Runtime) rollback(ex *execution) error {
	if ex.txID == "" {
		ex.result.Changes = ex.changes
		return nil
	}
	if _, err := r.deps.Ledger.Rollback(ex.txID); err != nil {
		fatal := airerrors.RollbackFailed(ex.txID, err)
		ex.result.Errors = append(ex.result.Errors, fatal.Error())
		ex.result.Changes = ex.changes
		r.logger.Error("rollback failed", "tx_id", ex.txID, "error", err)
		r.recordTx(ex.txID, string(models.TxFailed), len(ex.changes))
		return fatal
	}
	ex.result.RolledBack = true
	r.recordTx(ex.txID, string(models.TxRolledBack), len(ex.changes))
	return nil
}

func (r *Runtime) recordTx(txID, outcome string, ops int) {
	if _, err := r.deps.Audit.Record(audit.ActionTransaction, map[string]string{"tx_id": txID},
		outcome, r.plan.ID, fmt.Sprintf("%d operations", ops)); err != nil {
		r.logger.Warn("audit transaction failed", "error", err)
	}
}

// finish settles the terminal state, emits the terminal event and stores
// the result.
func (r *Runtime) finish(ctx context.Context, ex *execution, start time.Time, fatal error) (*models.ExecutionResult, error) {
	res := ex.result
	res.TotalChanges = len(res.Changes)
	res.DurationMs = r.now().Sub(start).Milliseconds()

	r.mu.Lock()
	for i, s := range r.statuses {
		if s == models.StepPending {
			r.statuses[i] = models.StepSkipped
			res.Steps[i].Status = models.StepSkipped
		}
	}
	r.mu.Unlock()

	reason := ""
	switch {
	case fatal != nil:
		res.State = models.StateFailed
		reason = airerrors.KindRollbackFailed.Reason()
	case ex.cancel:
		res.State = models.StateCancelled
		reason = airerrors.KindCancelled.Reason()
	case len(res.Errors) > 0 || res.CompletedSteps != res.TotalSteps:
		res.State = models.StateFailed
		if len(res.Errors) > 0 {
			reason = res.Errors[0]
		}
	default:
		res.State = models.StateCompleted
	}
	res.Success = res.State == models.StateCompleted &&
		res.CompletedSteps == res.TotalSteps && len(res.Errors) == 0

	r.setState(res.State)
	r.mu.Lock()
	r.result = res
	r.mu.Unlock()

	typ := event.Completed
	msg := fmt.Sprintf("%d/%d steps completed, %d changes", res.CompletedSteps, res.TotalSteps, res.TotalChanges)
	if res.State != models.StateCompleted {
		typ = event.Failed
	}
	if r.plan.Intent == models.IntentQuestion {
		msg = r.plan.Answer
	}
	r.emit(ctx, event.Event{Type: typ, State: res.State, Reason: reason, Message: msg, Result: res})

	if _, err := r.deps.Audit.Record(audit.ActionExecution, map[string]any{
		"plan_id": r.plan.ID,
		"steps":   res.TotalSteps,
	}, string(res.State), r.plan.ID, msg); err != nil {
		r.logger.Warn("audit execution failed", "error", err)
	}
	r.logger.Info("execution finished",
		"state", res.State, "completed", res.CompletedSteps, "total", res.TotalSteps,
		"changes", res.TotalChanges, "rolled_back", res.RolledBack, "duration_ms", res.DurationMs)
	return res, fatal
}

// emit delivers e even if ctx is already cancelled; terminal events must
// reach observers.
func (r *Runtime) emit(ctx context.Context, e event.Event) {
	if err := r.emitter.Emit(context.WithoutCancel(ctx), e); err != nil {
		r.logger.Debug("emit failed", "type", e.Type, "error", err)
	}
}

func (r *Runtime) setState(s models.ExecutionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

func (r *Runtime) setStepStatus(ex *execution, i int, s models.StepStatus) {
	r.mu.Lock()
	r.statuses[i] = s
	r.mu.Unlock()
	ex.result.Steps[i].Status = s
}
