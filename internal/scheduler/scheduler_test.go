package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/airlock/internal/actions"
	"github.com/fentz26/airlock/internal/audit"
	"github.com/fentz26/airlock/internal/models"
	"github.com/fentz26/airlock/internal/runtime"
)

// heldPerformer blocks every step until release is closed.
type heldPerformer struct {
	release chan struct{}

	mu         sync.Mutex
	running    int
	maxRunning int
}

func newHeldPerformer() *heldPerformer {
	return &heldPerformer{release: make(chan struct{})}
}

func (p *heldPerformer) Perform(ctx context.Context, call actions.Call) (*actions.Result, error) {
	p.mu.Lock()
	p.running++
	if p.running > p.maxRunning {
		p.maxRunning = p.running
	}
	p.mu.Unlock()

	<-p.release

	p.mu.Lock()
	p.running--
	p.mu.Unlock()
	return &actions.Result{Output: "ok"}, nil
}

func (p *heldPerformer) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

type pdrSink struct {
	mu      sync.Mutex
	actions []string
}

func (s *pdrSink) WritePDR(action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, action)
	return &models.PDREntry{Action: action, TaskID: taskID}, nil
}

type results struct {
	mu    sync.Mutex
	byID  map[string]*models.ExecutionResult
	order []string
}

func newResults() *results {
	return &results{byID: make(map[string]*models.ExecutionResult)}
}

func (r *results) done(rt *runtime.Runtime, res *models.ExecutionResult, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[rt.TaskID()] = res
	r.order = append(r.order, rt.TaskID())
}

func (r *results) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func (r *results) get(id string) *models.ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

func newWorkspace(t *testing.T, name string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("Failed to create workspace: %v", err)
	}
	return dir
}

func newRuntime(id, ws string, perf runtime.Performer) *runtime.Runtime {
	plan := &models.TaskPlan{
		ID:            id,
		WorkspacePath: ws,
		Intent:        models.IntentCommand,
		Steps:         []models.PlannedStep{{Kind: models.StepAnalyzeContent, Path: "."}},
	}
	return runtime.New(plan, "", nil, runtime.Deps{Performer: perf})
}

func newTestScheduler(cfg *Config, onDone Completion, pdr *audit.PDRWriter) *Scheduler {
	sch := New(pdr, cfg, nil, onDone)
	sch.pollInterval = 20 * time.Millisecond
	return sch
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %s", what)
}

func TestSchedulerConcurrencyLimits(t *testing.T) {
	perf := newHeldPerformer()
	res := newResults()
	cfg := &Config{GlobalMax: 3, PerWorkspace: 2}
	sch := newTestScheduler(cfg, res.done, nil)
	sch.Start()
	defer sch.Stop()

	for _, name := range []string{"a", "b", "c"} {
		ws := newWorkspace(t, name)
		for i := 0; i < 3; i++ {
			if err := sch.Submit(newRuntime(name+string(rune('0'+i)), ws, perf)); err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
		}
	}

	waitFor(t, "workers to start", func() bool { return perf.Running() == 3 })
	// Give the scheduler a moment to exceed its limits if buggy
	time.Sleep(100 * time.Millisecond)

	stats := sch.GetStats()
	if active := stats["active_workers"].(int); active != cfg.GlobalMax {
		t.Errorf("Active workers %d, want %d", active, cfg.GlobalMax)
	}
	if queued := stats["queued"].(int); queued != 6 {
		t.Errorf("Queued %d, want 6", queued)
	}
	for ws, count := range stats["workspace_counts"].(map[string]int) {
		if count > cfg.PerWorkspace {
			t.Errorf("Workspace %s runs %d, exceeds limit %d", ws, count, cfg.PerWorkspace)
		}
	}

	close(perf.release)
	waitFor(t, "all runtimes to finish", func() bool { return res.count() == 9 })
	if perf.maxRunning > cfg.GlobalMax {
		t.Errorf("Max concurrent %d exceeds global max %d", perf.maxRunning, cfg.GlobalMax)
	}
}

func TestSchedulerQueuesUntilSlotFrees(t *testing.T) {
	perf := newHeldPerformer()
	res := newResults()
	sch := newTestScheduler(&Config{GlobalMax: 4, PerWorkspace: 1}, res.done, nil)
	sch.Start()
	defer sch.Stop()

	ws := newWorkspace(t, "ws")
	first := newRuntime("first", ws, perf)
	second := newRuntime("second", ws, perf)
	for _, rt := range []*runtime.Runtime{first, second} {
		if err := sch.Submit(rt); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	waitFor(t, "first runtime to start", func() bool { return perf.Running() == 1 })
	if got := second.State(); got != models.StateQueued {
		t.Errorf("Second runtime state %s, want queued", got)
	}
	if !sch.Queued("second") {
		t.Error("Expected second runtime to be queued")
	}

	close(perf.release)
	waitFor(t, "both runtimes to finish", func() bool { return res.count() == 2 })
	if res.order[0] != "first" || res.order[1] != "second" {
		t.Errorf("Unexpected completion order %v", res.order)
	}
	if r := res.get("second"); r == nil || r.State != models.StateCompleted {
		t.Errorf("Second runtime did not complete: %+v", r)
	}
}

func TestSchedulerCancelQueuedRuntime(t *testing.T) {
	perf := newHeldPerformer()
	res := newResults()
	sch := newTestScheduler(&Config{GlobalMax: 1, PerWorkspace: 1}, res.done, nil)
	sch.Start()
	defer sch.Stop()
	defer close(perf.release)

	ws := newWorkspace(t, "ws")
	running := newRuntime("running", ws, perf)
	queued := newRuntime("queued", newWorkspace(t, "other"), perf)
	sch.Submit(running)
	waitFor(t, "first runtime to start", func() bool { return perf.Running() == 1 })
	sch.Submit(queued)

	queued.Cancel()
	sch.Kick()

	waitFor(t, "cancelled runtime to settle", func() bool { return res.get("queued") != nil })
	if got := res.get("queued").State; got != models.StateCancelled {
		t.Errorf("Cancelled runtime state %s, want cancelled", got)
	}
	if perf.Running() != 1 {
		t.Errorf("Expected the running runtime to be unaffected")
	}
}

func TestSchedulerStopSettlesQueued(t *testing.T) {
	perf := newHeldPerformer()
	res := newResults()
	sch := newTestScheduler(&Config{GlobalMax: 1, PerWorkspace: 1}, res.done, nil)
	sch.Start()

	ws := newWorkspace(t, "ws")
	sch.Submit(newRuntime("running", ws, perf))
	waitFor(t, "first runtime to start", func() bool { return perf.Running() == 1 })
	sch.Submit(newRuntime("queued", ws, perf))

	time.AfterFunc(50*time.Millisecond, func() { close(perf.release) })
	sch.Stop()

	if res.count() != 2 {
		t.Fatalf("Expected 2 results after stop, got %d", res.count())
	}
	if got := res.get("queued").State; got != models.StateCancelled {
		t.Errorf("Queued runtime state %s, want cancelled", got)
	}
	if err := sch.Submit(newRuntime("late", ws, perf)); err != ErrStopped {
		t.Errorf("Submit after stop: got %v, want ErrStopped", err)
	}
}

func TestSchedulerDispatchPDR(t *testing.T) {
	perf := newHeldPerformer()
	close(perf.release)
	res := newResults()
	sink := &pdrSink{}
	sch := newTestScheduler(nil, res.done, audit.NewPDRWriter(sink))
	sch.Start()
	defer sch.Stop()

	sch.Submit(newRuntime("task", newWorkspace(t, "ws"), perf))
	waitFor(t, "runtime to finish", func() bool { return res.count() == 1 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.actions) == 0 || sink.actions[0] != audit.ActionDispatch {
		t.Errorf("Expected a dispatch record first, got %v", sink.actions)
	}
}

func TestWorkspaceLimit(t *testing.T) {
	cfg := &Config{PerWorkspace: 2, ByWorkspace: map[string]int{"/srv/big": 5}}
	if got := cfg.GetWorkspaceLimit("/srv/big/"); got != 5 {
		t.Errorf("Override limit %d, want 5", got)
	}
	if got := cfg.GetWorkspaceLimit("/srv/small"); got != 2 {
		t.Errorf("Default limit %d, want 2", got)
	}
	if got := (&Config{}).GetWorkspaceLimit("/x"); got != 1 {
		t.Errorf("Zero config limit %d, want 1", got)
	}
}
