package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fentz26/airlock/internal/audit"
	"github.com/fentz26/airlock/internal/logging"
	"github.com/fentz26/airlock/internal/models"
	"github.com/fentz26/airlock/internal/runtime"
	"github.com/google/uuid"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Completion is called once per runtime after Run returns.
type Completion func(rt *runtime.Runtime, res *models.ExecutionResult, err error)

// Scheduler holds runtimes in a FIFO queue and runs them on workers while
// the global and per-workspace caps allow. A runtime that cannot start yet
// stays Queued.
type Scheduler struct {
	pdr    *audit.PDRWriter
	config *Config
	logger *logging.Logger
	onDone Completion

	// Worker pool state
	mu              sync.Mutex
	queue           []*runtime.Runtime
	activeWorkers   int
	workspaceCounts map[string]int
	stopped         bool

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	pollInterval time.Duration
}

// New creates a new scheduler. onDone may be nil.
func New(pdr *audit.PDRWriter, cfg *Config, logger *logging.Logger, onDone Completion) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		pdr:             pdr,
		config:          cfg,
		logger:          logger.WithComponent("scheduler"),
		onDone:          onDone,
		workspaceCounts: make(map[string]int),
		ctx:             ctx,
		cancel:          cancel,
		wake:            make(chan struct{}, 1),
		pollInterval:    time.Second,
	}
}

// Start begins the scheduler loop.
func (sch *Scheduler) Start() {
	sch.wg.Add(1)
	go sch.schedulerLoop()
	sch.logger.Info("scheduler started", "global_max", sch.config.globalMax(), "per_workspace", sch.config.PerWorkspace)
}

// Stop cancels running runtimes, settles queued ones as cancelled and
// waits for every worker to finish.
func (sch *Scheduler) Stop() {
	sch.mu.Lock()
	if sch.stopped {
		sch.mu.Unlock()
		return
	}
	sch.stopped = true
	queued := sch.queue
	sch.queue = nil
	sch.mu.Unlock()

	sch.cancel()
	for _, rt := range queued {
		rt.Cancel()
		sch.wg.Add(1)
		sch.runWorker(rt, "", "")
	}
	sch.wg.Wait()
	sch.logger.Info("scheduler stopped")
}

// Submit queues rt for execution.
func (sch *Scheduler) Submit(rt *runtime.Runtime) error {
	sch.mu.Lock()
	if sch.stopped {
		sch.mu.Unlock()
		return ErrStopped
	}
	sch.queue = append(sch.queue, rt)
	depth := len(sch.queue)
	sch.mu.Unlock()

	sch.logger.WithTask(rt.TaskID()).Debug("runtime queued", "queue_depth", depth)
	sch.Kick()
	return nil
}

// Kick wakes the loop so queue changes, such as a cancelled runtime, are
// handled without waiting for the next poll.
func (sch *Scheduler) Kick() {
	select {
	case sch.wake <- struct{}{}:
	default:
	}
}

// Queued reports whether taskID is waiting for a slot.
func (sch *Scheduler) Queued(taskID string) bool {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	for _, rt := range sch.queue {
		if rt.TaskID() == taskID {
			return true
		}
	}
	return false
}

// schedulerLoop dispatches on every wake-up and on a slow poll.
func (sch *Scheduler) schedulerLoop() {
	defer sch.wg.Done()

	ticker := time.NewTicker(sch.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-ticker.C:
			sch.pollAndDispatch()
		case <-sch.wake:
			sch.pollAndDispatch()
		}
	}
}

// pollAndDispatch starts every queued runtime that fits under the caps, in
// queue order. Runtimes with a pending cancel bypass the caps: they only
// settle their result.
func (sch *Scheduler) pollAndDispatch() {
	sch.mu.Lock()
	var ready []*runtime.Runtime
	var keys []string
	remaining := sch.queue[:0]
	for _, rt := range sch.queue {
		key := filepath.Clean(rt.Workspace())
		switch {
		case sch.ctx.Err() != nil:
			remaining = append(remaining, rt)
		case rt.CancelRequested():
			ready = append(ready, rt)
			keys = append(keys, "")
		case sch.activeWorkers < sch.config.globalMax() &&
			sch.workspaceCounts[key] < sch.config.GetWorkspaceLimit(key):
			sch.activeWorkers++
			sch.workspaceCounts[key]++
			ready = append(ready, rt)
			keys = append(keys, key)
		default:
			remaining = append(remaining, rt)
		}
	}
	for i := len(remaining); i < len(sch.queue); i++ {
		sch.queue[i] = nil
	}
	sch.queue = remaining
	sch.mu.Unlock()

	for i, rt := range ready {
		workerID := uuid.New().String()
		if _, err := sch.pdr.Record(audit.ActionDispatch, map[string]interface{}{
			"task_id":   rt.TaskID(),
			"worker_id": workerID,
			"workspace": rt.Workspace(),
		}, "success", rt.TaskID(), "dispatched to worker "+workerID); err != nil {
			sch.logger.Warn("audit dispatch failed", "error", err)
		}
		sch.logger.WithTask(rt.TaskID()).Info("runtime dispatched", "worker_id", workerID, "workspace", rt.Workspace())

		sch.wg.Add(1)
		go sch.runWorker(rt, keys[i], workerID)
	}
}

// runWorker executes one runtime. key is the workspace slot it holds, empty
// when it was dispatched outside the caps.
func (sch *Scheduler) runWorker(rt *runtime.Runtime, key, workerID string) {
	defer sch.wg.Done()
	if key != "" {
		defer func() {
			sch.mu.Lock()
			sch.activeWorkers--
			sch.workspaceCounts[key]--
			if sch.workspaceCounts[key] == 0 {
				delete(sch.workspaceCounts, key)
			}
			sch.mu.Unlock()
			sch.Kick()
		}()
	}

	res, err := rt.Run(sch.ctx)
	if err != nil {
		sch.logger.WithTask(rt.TaskID()).Error("runtime failed", "worker_id", workerID, "error", err)
	}
	if sch.onDone != nil {
		sch.onDone(rt, res, err)
	}
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() map[string]interface{} {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	workspaceCounts := make(map[string]int)
	for k, v := range sch.workspaceCounts {
		workspaceCounts[k] = v
	}

	return map[string]interface{}{
		"active_workers":   sch.activeWorkers,
		"queued":           len(sch.queue),
		"global_max":       sch.config.globalMax(),
		"workspace_counts": workspaceCounts,
	}
}
