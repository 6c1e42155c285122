// Package approval holds the human-in-the-loop checkpoint for gated steps.
//
// A runtime raises a request with Request (non-blocking) and then blocks in
// Await until a caller answers through Respond, the request expires, or the
// task is cancelled. Each task has at most one pending request.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/airlock/internal/airlock"
	"github.com/fentz26/airlock/internal/audit"
	"github.com/fentz26/airlock/internal/logging"
	"github.com/fentz26/airlock/internal/models"
)

var (
	ErrApprovalPending = errors.New("task already has a pending approval")
	ErrNotFound        = errors.New("approval request not found")
	ErrResolved        = errors.New("approval request already resolved")
)

// Outcome is how Await ended.
type Outcome int

const (
	Approved Outcome = iota
	Denied
	Expired
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Approved:
		return "approved"
	case Denied:
		return "denied"
	case Expired:
		return "expired"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

const reasonCancelled = "cancelled"

// Recorder persists request state changes. *store.Store implements it.
type Recorder interface {
	SaveApproval(req *models.ApprovalRequest) error
}

// Options configures a Gate.
type Options struct {
	// Expiry returns the current expiry; it is read per request so policy
	// changes apply to new requests.
	Expiry      func() time.Duration
	Recorder    Recorder
	Audit       *audit.PDRWriter
	Logger      *logging.Logger
	RequesterID string
}

// Gate is the approval queue shared by all runtimes.
type Gate struct {
	mu       sync.Mutex
	requests map[string]*entry
	byTask   map[string]string // task ID -> pending request ID
	opts     Options
	now      func() time.Time
}

type entry struct {
	req  *models.ApprovalRequest
	done chan struct{}
}

// NewGate creates an empty gate.
func NewGate(opts Options) *Gate {
	if opts.Expiry == nil {
		opts.Expiry = func() time.Duration { return airlock.DefaultApprovalExpiry }
	}
	opts.Logger = opts.Logger.WithComponent("approval")
	return &Gate{
		requests: make(map[string]*entry),
		byTask:   make(map[string]string),
		opts:     opts,
		now:      time.Now,
	}
}

// Request enqueues an approval request for step stepIndex (0-based) of
// taskID and returns immediately. It fails with ErrApprovalPending if the
// task already waits on another request.
func (g *Gate) Request(taskID string, stepIndex int, step models.PlannedStep, verdict airlock.Verdict) (*models.ApprovalRequest, error) {
	g.mu.Lock()
	if id, ok := g.byTask[taskID]; ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrApprovalPending, id)
	}

	now := g.now().UTC()
	req := &models.ApprovalRequest{
		ID:          uuid.New().String(),
		TaskID:      taskID,
		StepIndex:   stepIndex,
		Timestamp:   now,
		CommandType: step.Tool(),
		Payload:     Summarize(step, verdict),
		Level:       verdict.Level,
		RequesterID: g.opts.RequesterID,
		Status:      models.ApprovalPending,
		ExpiresAt:   now.Add(g.opts.Expiry()),
	}
	g.requests[req.ID] = &entry{req: req, done: make(chan struct{})}
	g.byTask[taskID] = req.ID
	snapshot := *req
	g.mu.Unlock()

	g.persist(&snapshot)
	g.opts.Logger.WithTask(taskID).Info("approval requested",
		"request_id", req.ID, "tool", req.CommandType, "step", stepIndex+1, "expires_at", req.ExpiresAt)
	return &snapshot, nil
}

// Respond resolves a pending request.
func (g *Gate) Respond(id string, approved bool) error {
	status, reason := models.ApprovalDenied, "denied by user"
	if approved {
		status, reason = models.ApprovalApproved, "approved by user"
	}
	_, err := g.resolve(id, status, reason)
	return err
}

// Await blocks until the request is resolved, expires, cancel is closed or
// ctx is done. Cancellation resolves the request as denied.
func (g *Gate) Await(ctx context.Context, id string, cancel <-chan struct{}) (Outcome, error) {
	g.mu.Lock()
	e, ok := g.requests[id]
	g.mu.Unlock()
	if !ok {
		return Denied, ErrNotFound
	}
	defer g.forget(id)

	timer := time.NewTimer(time.Until(e.req.ExpiresAt))
	defer timer.Stop()

	select {
	case <-e.done:
	case <-timer.C:
		g.resolve(id, models.ApprovalExpired, "expired")
	case <-cancel:
		g.resolve(id, models.ApprovalDenied, reasonCancelled)
	case <-ctx.Done():
		g.resolve(id, models.ApprovalDenied, reasonCancelled)
	}

	g.mu.Lock()
	req := *e.req
	g.mu.Unlock()
	return outcomeOf(&req), nil
}

// CancelTask denies the pending request of taskID, if any.
func (g *Gate) CancelTask(taskID string) {
	g.mu.Lock()
	id, ok := g.byTask[taskID]
	g.mu.Unlock()
	if ok {
		g.resolve(id, models.ApprovalDenied, reasonCancelled)
	}
}

// Pending lists unresolved requests, oldest first. Requests past their
// expiry are resolved as expired and left out.
func (g *Gate) Pending() []models.ApprovalRequest {
	now := g.now()
	var expired []string
	var out []models.ApprovalRequest

	g.mu.Lock()
	for id, e := range g.requests {
		if e.req.Status != models.ApprovalPending {
			continue
		}
		if !now.Before(e.req.ExpiresAt) {
			expired = append(expired, id)
			continue
		}
		out = append(out, *e.req)
	}
	g.mu.Unlock()

	for _, id := range expired {
		g.resolve(id, models.ApprovalExpired, "expired")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Get returns a request that has not yet been collected by Await.
func (g *Gate) Get(id string) (*models.ApprovalRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.requests[id]
	if !ok {
		return nil, false
	}
	req := *e.req
	return &req, true
}

func (g *Gate) resolve(id string, status models.ApprovalStatus, reason string) (*models.ApprovalRequest, error) {
	g.mu.Lock()
	e, ok := g.requests[id]
	if !ok {
		g.mu.Unlock()
		return nil, ErrNotFound
	}
	if e.req.Status != models.ApprovalPending {
		g.mu.Unlock()
		return nil, ErrResolved
	}
	now := g.now().UTC()
	e.req.Status = status
	e.req.Reason = reason
	e.req.ResolvedAt = &now
	if g.byTask[e.req.TaskID] == id {
		delete(g.byTask, e.req.TaskID)
	}
	close(e.done)
	snapshot := *e.req
	g.mu.Unlock()

	g.persist(&snapshot)
	if _, err := g.opts.Audit.Record(audit.ActionApproval, map[string]string{
		"request_id": id,
		"tool":       snapshot.CommandType,
	}, string(status), snapshot.TaskID, reason); err != nil {
		g.opts.Logger.Warn("audit approval failed", "error", err)
	}
	g.opts.Logger.WithTask(snapshot.TaskID).Info("approval resolved",
		"request_id", id, "status", status, "reason", reason)
	return &snapshot, nil
}

func (g *Gate) forget(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.requests[id]; ok && e.req.Status != models.ApprovalPending {
		delete(g.requests, id)
	}
}

func (g *Gate) persist(req *models.ApprovalRequest) {
	if g.opts.Recorder == nil {
		return
	}
	if err := g.opts.Recorder.SaveApproval(req); err != nil {
		g.opts.Logger.Warn("persist approval failed", "request_id", req.ID, "error", err)
	}
}

func outcomeOf(req *models.ApprovalRequest) Outcome {
	switch req.Status {
	case models.ApprovalApproved:
		return Approved
	case models.ApprovalExpired:
		return Expired
	default:
		if req.Reason == reasonCancelled {
			return Cancelled
		}
		return Denied
	}
}

const previewLimit = 200

// Summarize builds the payload a reviewer sees: the tool, what it touches
// and why it was gated, without raw file contents.
func Summarize(step models.PlannedStep, verdict airlock.Verdict) map[string]string {
	p := map[string]string{
		"tool":        step.Tool(),
		"step_type":   string(step.Kind),
		"description": step.Description,
		"level":       verdict.Level.String(),
	}
	if verdict.Reason != "" {
		p["reason"] = verdict.Reason
	}
	set := func(k, v string) {
		if v != "" {
			p[k] = v
		}
	}
	set("path", step.Path)
	set("source", step.Source)
	set("destination", step.Destination)
	set("strategy", step.Strategy)
	set("pattern", step.Pattern)
	set("url", step.URL)
	if step.Command != "" {
		p["command"] = strings.TrimSpace(step.Command + " " + strings.Join(step.Args, " "))
	}
	if len(step.Files) > 0 {
		p["files"] = fmt.Sprintf("%d files: %s", len(step.Files), preview(strings.Join(step.Files, ", ")))
	}
	if step.Content != "" {
		p["content"] = fmt.Sprintf("%d bytes: %s", len(step.Content), preview(step.Content))
	}
	return p
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= previewLimit {
		return s
	}
	return s[:previewLimit] + "..."
}
