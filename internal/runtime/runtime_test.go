package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/airlock/internal/actions"
	"github.com/fentz26/airlock/internal/airlock"
	"github.com/fentz26/airlock/internal/approval"
	"github.com/fentz26/airlock/internal/connectors"
	airerrors "github.com/fentz26/airlock/internal/errors"
	"github.com/fentz26/airlock/internal/event"
	"github.com/fentz26/airlock/internal/ledger"
	"github.com/fentz26/airlock/internal/models"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Emit(_ context.Context, e event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// trace returns type/step pairs, skipping progress, notice and stepStarted.
func (r *recorder) trace() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		switch e.Type {
		case event.Progress, event.Notice, event.StepStarted:
			continue
		}
		if e.Step > 0 {
			out = append(out, fmt.Sprintf("%s(%d)", e.Type, e.Step))
			continue
		}
		out = append(out, string(e.Type))
	}
	return out
}

func (r *recorder) find(t event.Type) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeRunner struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRunner) Name() string { return "fake" }
func (f *fakeRunner) IsAllowed(string, []string) bool { return true }
func (f *fakeRunner) Execute(_ context.Context, req connectors.Request) (*connectors.ExecResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return &connectors.ExecResult{Command: req.Command, Args: req.Args, Stdout: "PASS\n"}, nil
}

func (f *fakeRunner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type approvalLog struct {
	mu   sync.Mutex
	reqs []models.ApprovalRequest
}

func (a *approvalLog) SaveApproval(req *models.ApprovalRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reqs = append(a.reqs, *req)
	return nil
}

func (a *approvalLog) last() models.ApprovalRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reqs[len(a.reqs)-1]
}

type harness struct {
	ws        string
	policy    *airlock.Provider
	gate      *approval.Gate
	ledger    *ledger.Ledger
	runner    *fakeRunner
	approvals *approvalLog
	deps      Deps
}

func newHarness(t *testing.T, cfg *airlock.Config) *harness {
	t.Helper()
	root := t.TempDir()
	ws := filepath.Join(root, "ws")
	require.NoError(t, os.MkdirAll(ws, 0o755))
	if cfg == nil {
		cfg = airlock.DefaultConfig()
	}
	h := &harness{
		ws:        ws,
		policy:    airlock.NewStaticProvider(cfg),
		ledger:    ledger.New(ledger.NewVersionStore(filepath.Join(root, "versions"), nil), nil, nil),
		runner:    &fakeRunner{},
		approvals: &approvalLog{},
	}
	h.gate = approval.NewGate(approval.Options{Recorder: h.approvals})
	h.deps = Deps{
		Policy:    h.policy,
		Gate:      h.gate,
		Ledger:    h.ledger,
		Performer: actions.NewPerformer(h.ledger, h.runner, nil),
	}
	return h
}

func (h *harness) plan(steps ...models.PlannedStep) *models.TaskPlan {
	return &models.TaskPlan{
		ID:            "task-1",
		Instruction:   "test",
		WorkspacePath: h.ws,
		Intent:        models.IntentCommand,
		Steps:         steps,
		FailurePolicy: models.FailFast,
	}
}

func (h *harness) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(h.ws, rel))
	return err == nil
}

// start runs rt in the background and returns a channel with its result.
func start(rt *Runtime) <-chan *models.ExecutionResult {
	ch := make(chan *models.ExecutionResult, 1)
	go func() {
		res, _ := rt.Run(context.Background())
		ch <- res
	}()
	return ch
}

func (h *harness) waitPending(t *testing.T) models.ApprovalRequest {
	t.Helper()
	var pending []models.ApprovalRequest
	require.Eventually(t, func() bool {
		pending = h.gate.Pending()
		return len(pending) == 1
	}, 2*time.Second, 5*time.Millisecond)
	return pending[0]
}

func wait(t *testing.T, ch <-chan *models.ExecutionResult) *models.ExecutionResult {
	t.Helper()
	select {
	case res := <-ch:
		require.NotNil(t, res)
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not finish")
		return nil
	}
}

var (
	createA = models.PlannedStep{Kind: models.StepCreateFile, Path: "a.txt", Content: "a", Description: "create a"}
	runTest = models.PlannedStep{Kind: models.StepRunCommand, Command: "go", Args: []string{"test"}, Description: "run tests"}
	analyze = models.PlannedStep{Kind: models.StepAnalyzeContent, Path: "a.txt", Description: "analyze a"}
)

func TestQuestionCompletesImmediately(t *testing.T) {
	h := newHarness(t, nil)
	rec := &recorder{}
	plan := &models.TaskPlan{ID: "q", WorkspacePath: h.ws, Intent: models.IntentQuestion, Answer: "42"}

	res, err := New(plan, "", rec, h.deps).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, models.StateCompleted, res.State)
	assert.Equal(t, 0, res.TotalSteps)
	assert.Equal(t, []string{"completed"}, rec.trace())
	assert.Equal(t, "42", rec.find(event.Completed)[0].Message)
	assert.Empty(t, h.gate.Pending())
}

func TestApprovalGrantedRunsAllSteps(t *testing.T) {
	h := newHarness(t, nil)
	rec := &recorder{}
	rt := New(h.plan(createA, runTest, analyze), "", rec, h.deps)
	done := start(rt)

	req := h.waitPending(t)
	assert.Equal(t, 1, req.StepIndex)
	assert.Equal(t, "execute_command", req.CommandType)
	assert.Equal(t, models.Dangerous, req.Level)
	assert.Equal(t, models.StateWaitingApproval, rt.State())
	require.NoError(t, h.gate.Respond(req.ID, true))

	res := wait(t, done)
	assert.True(t, res.Success)
	assert.Equal(t, models.StateCompleted, res.State)
	assert.Equal(t, 3, res.CompletedSteps)
	assert.Equal(t, 1, res.TotalChanges)
	assert.False(t, res.RolledBack)
	assert.Equal(t, []string{
		"stepCompleted(1)",
		"confirmationRequired(2)",
		"stepCompleted(2)",
		"stepCompleted(3)",
		"completed",
	}, rec.trace())
	assert.True(t, h.exists("a.txt"))
	assert.Equal(t, 1, h.runner.Calls())

	notices := rec.find(event.Notice)
	require.Len(t, notices, 1)
	assert.Equal(t, 1, notices[0].Step)
}

func TestApprovalDeniedFailsFast(t *testing.T) {
	h := newHarness(t, nil)
	rec := &recorder{}
	done := start(New(h.plan(createA, runTest, analyze), "", rec, h.deps))

	req := h.waitPending(t)
	require.NoError(t, h.gate.Respond(req.ID, false))

	res := wait(t, done)
	assert.False(t, res.Success)
	assert.Equal(t, models.StateFailed, res.State)
	assert.Equal(t, 1, res.CompletedSteps)
	assert.True(t, res.RolledBack)
	assert.Empty(t, res.Changes)
	assert.Equal(t, []string{
		"stepCompleted(1)",
		"confirmationRequired(2)",
		"stepFailed(2)",
		"failed",
	}, rec.trace())
	assert.Equal(t, "approval denied", rec.find(event.StepFailed)[0].Reason)
	assert.Equal(t, models.StepSkipped, res.Steps[2].Status)
	assert.False(t, h.exists("a.txt"), "created file rolled back")
	assert.Equal(t, 0, h.runner.Calls())
}

func TestAllowlistDeniesWithoutApproval(t *testing.T) {
	cfg := airlock.DefaultConfig()
	cfg.ToolPolicy.Mode = airlock.ModeAllowlist
	cfg.SetAllowed("read_file", true)
	h := newHarness(t, cfg)
	require.NoError(t, os.WriteFile(filepath.Join(h.ws, "keep.txt"), []byte("k"), 0o644))
	rec := &recorder{}

	res, err := New(h.plan(models.PlannedStep{Kind: models.StepDeleteFile, Path: "keep.txt"}), "", rec, h.deps).
		Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"stepFailed(1)", "failed"}, rec.trace())
	assert.Equal(t, "policy denied", rec.find(event.StepFailed)[0].Reason)
	assert.Empty(t, rec.find(event.ConfirmationRequired))
	assert.Empty(t, h.approvals.reqs)
	assert.True(t, h.exists("keep.txt"))
	assert.Equal(t, 0, res.CompletedSteps)
	assert.Equal(t, "deny", res.Steps[0].Decision)
}

func TestCancelWhileWaitingApproval(t *testing.T) {
	h := newHarness(t, nil)
	rec := &recorder{}
	rt := New(h.plan(createA, runTest), "", rec, h.deps)
	done := start(rt)

	h.waitPending(t)
	rt.Cancel()

	res := wait(t, done)
	assert.Equal(t, models.StateCancelled, res.State)
	assert.False(t, res.Success)
	assert.True(t, res.RolledBack)
	assert.Empty(t, res.Changes)
	assert.Equal(t, 1, res.CompletedSteps)
	assert.Equal(t, 0, h.runner.Calls())
	assert.False(t, h.exists("a.txt"))

	last := h.approvals.last()
	assert.Equal(t, models.ApprovalDenied, last.Status)
	assert.Equal(t, "cancelled", last.Reason)

	failed := rec.find(event.Failed)
	require.Len(t, failed, 1)
	assert.Equal(t, models.StateCancelled, failed[0].State)
	for _, e := range rec.find(event.StepCompleted) {
		assert.NotEqual(t, 2, e.Step)
	}
	assert.Empty(t, h.gate.Pending())
}

func TestCancelBeforeStart(t *testing.T) {
	h := newHarness(t, nil)
	rt := New(h.plan(createA), "", nil, h.deps)
	rt.Cancel()

	res, err := rt.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, res.State)
	assert.Equal(t, 0, res.CompletedSteps)
	assert.False(t, h.exists("a.txt"))
	assert.Equal(t, []models.StepStatus{models.StepSkipped}, rt.StepStatuses())
}

func TestContinuePolicyCommitsSurvivors(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(h.ws, "exists.txt"), []byte("x"), 0o644))
	steps := []models.PlannedStep{
		{Kind: models.StepCreateFile, Path: "exists.txt"},
		{Kind: models.StepCreateFile, Path: "b.txt", Content: "b"},
	}

	rec := &recorder{}
	res, err := New(h.plan(steps...), models.ContinueOnError, rec, h.deps).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, res.State)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.CompletedSteps)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "step 1 (create_file)")
	assert.False(t, res.RolledBack)
	assert.True(t, h.exists("b.txt"))
	assert.Equal(t, 1, res.TotalChanges)

	tx, err := h.ledger.Get(res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TxCommitted, tx.State)
	assert.Equal(t, []string{"stepFailed(1)", "stepCompleted(2)", "failed"}, rec.trace())
}

func TestFailFastSkipsRemainingSteps(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(h.ws, "exists.txt"), []byte("x"), 0o644))
	steps := []models.PlannedStep{
		{Kind: models.StepCreateFile, Path: "b.txt", Content: "b"},
		{Kind: models.StepCreateFile, Path: "exists.txt"},
		{Kind: models.StepCreateFile, Path: "c.txt"},
	}

	res, err := New(h.plan(steps...), "", nil, h.deps).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, res.State)
	assert.Equal(t, 1, res.CompletedSteps)
	assert.True(t, res.RolledBack)
	assert.False(t, h.exists("b.txt"))
	assert.False(t, h.exists("c.txt"))
	assert.Equal(t, models.StepSkipped, res.Steps[2].Status)
	assert.Equal(t, "action failed", res.Steps[1].Reason)

	tx, err := h.ledger.Get(res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TxRolledBack, tx.State)
}

func TestNonSkippableAbortsUnderContinue(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(h.ws, "exists.txt"), []byte("x"), 0o644))
	steps := []models.PlannedStep{
		{Kind: models.StepCreateFile, Path: "exists.txt", NonSkippable: true},
		{Kind: models.StepCreateFile, Path: "b.txt"},
	}

	res, err := New(h.plan(steps...), models.ContinueOnError, nil, h.deps).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, res.State)
	assert.False(t, h.exists("b.txt"))
	assert.Equal(t, models.StepSkipped, res.Steps[1].Status)
}

func TestRateLimitDeniesStep(t *testing.T) {
	cfg := airlock.DefaultConfig()
	cfg.RateLimits.MaxRequestsPerMinute = 1
	h := newHarness(t, cfg)
	require.NoError(t, os.WriteFile(filepath.Join(h.ws, "a.txt"), []byte("a"), 0o644))
	rec := &recorder{}

	res, err := New(h.plan(analyze, analyze), "", rec, h.deps).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.CompletedSteps)
	failed := rec.find(event.StepFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Step)
	assert.Equal(t, "rate limit exceeded", failed[0].Reason)
}

type blockingPerformer struct{}

func (blockingPerformer) Perform(ctx context.Context, _ actions.Call) (*actions.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestToolTimeoutFailsStep(t *testing.T) {
	cfg := airlock.DefaultConfig()
	cfg.ToolTimeouts["analyze_content"] = airlock.Duration(30 * time.Millisecond)
	h := newHarness(t, cfg)
	h.deps.Performer = blockingPerformer{}

	res, err := New(h.plan(analyze), "", nil, h.deps).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, res.State)
	assert.Contains(t, res.Steps[0].Error, "timed out")
}

// sabotage replaces the file created by the first step with a non-empty
// directory so its rollback cannot remove it, then fails.
type sabotage struct {
	inner Performer
	ws    string
}

func (s sabotage) Perform(ctx context.Context, call actions.Call) (*actions.Result, error) {
	if call.Step.Path != "boom" {
		return s.inner.Perform(ctx, call)
	}
	p := filepath.Join(s.ws, "a.txt")
	if err := os.Remove(p); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(p, "child"), 0o755); err != nil {
		return nil, err
	}
	return nil, errors.New("boom")
}

func TestRollbackFailureIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.deps.Performer = sabotage{inner: h.deps.Performer, ws: h.ws}
	rec := &recorder{}

	res, err := New(h.plan(createA, models.PlannedStep{Kind: models.StepCreateFile, Path: "boom"}), "", rec, h.deps).
		Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, airerrors.ErrRollbackFailed)
	assert.Equal(t, models.StateFailed, res.State)
	assert.False(t, res.RolledBack)
	assert.Contains(t, res.Errors[len(res.Errors)-1], "transaction rollback failed")

	failed := rec.find(event.Failed)
	require.Len(t, failed, 1)
	assert.Equal(t, "transaction rollback failed", failed[0].Reason)

	tx, getErr := h.ledger.Get(res.TransactionID)
	require.NoError(t, getErr)
	assert.Equal(t, models.TxFailed, tx.State)
}

func TestPolicyReadPerStep(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.policy.Update(func(c *airlock.Config) error {
		c.SetDenied("create_file", true)
		return nil
	})
	require.NoError(t, err)

	res, err := New(h.plan(createA), "", nil, h.deps).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "policy denied", res.Steps[0].Reason)
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t, nil)
	rt := New(h.plan(), "", nil, h.deps)
	_, err := rt.Run(context.Background())
	require.NoError(t, err)
	_, err = rt.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	assert.NotNil(t, rt.Result())
}

func TestEventsAreOrderedPerStep(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(h.ws, "a.txt"), []byte("a"), 0o644))
	stream := event.NewStream("task-1", 256)

	_, err := New(h.plan(analyze, analyze, analyze), "", stream, h.deps).Run(context.Background())
	require.NoError(t, err)
	stream.Close()

	var types []event.Type
	lastStep := 0
	for e := range stream.Events() {
		types = append(types, e.Type)
		if e.Step > 0 {
			assert.GreaterOrEqual(t, e.Step, lastStep)
			lastStep = e.Step
		}
	}
	assert.Equal(t, []event.Type{
		event.StepStarted, event.StepCompleted, event.Progress,
		event.StepStarted, event.StepCompleted, event.Progress,
		event.StepStarted, event.StepCompleted, event.Progress,
		event.Completed,
	}, types)
}
