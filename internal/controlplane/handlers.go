package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/fentz26/airlock/internal/airlock"
	"github.com/fentz26/airlock/internal/event"
	"github.com/fentz26/airlock/internal/models"
	airruntime "github.com/fentz26/airlock/internal/runtime"
)

// ResultEvent names the final SSE event of an execution stream.
const ResultEvent = "result"

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK        bool                   `json:"ok"`
	DB        string                 `json:"db"`
	Version   string                 `json:"version"`
	Time      string                 `json:"time"`
	Uptime    string                 `json:"uptime"`
	Host      *HostInfo              `json:"host,omitempty"`
	Scheduler map[string]interface{} `json:"scheduler"`
}

// HostInfo is a snapshot of the machine the daemon runs on.
type HostInfo struct {
	Hostname       string  `json:"hostname"`
	OS             string  `json:"os"`
	Platform       string  `json:"platform"`
	CPUs           int     `json:"cpus"`
	Load1          float64 `json:"load1"`
	Load5          float64 `json:"load5"`
	MemUsedPercent float64 `json:"memUsedPercent"`
	MemAvailable   uint64  `json:"memAvailable"`
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		OK:        true,
		DB:        "ok",
		Version:   Version,
		Time:      time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Host:      hostSnapshot(),
		Scheduler: s.service.Scheduler().GetStats(),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.service.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// hostSnapshot collects what gopsutil can read; missing parts stay zero.
func hostSnapshot() *HostInfo {
	info := &HostInfo{CPUs: runtime.NumCPU()}
	if h, err := host.Info(); err == nil {
		info.Hostname = h.Hostname
		info.OS = h.OS
		info.Platform = h.Platform
	}
	if l, err := load.Avg(); err == nil {
		info.Load1 = l.Load1
		info.Load5 = l.Load5
	}
	if m, err := mem.VirtualMemory(); err == nil {
		info.MemUsedPercent = m.UsedPercent
		info.MemAvailable = m.Available
	}
	return info
}

// --- Auth ---

type tokenRequest struct {
	Role string `json:"role"`
	TTL  string `json:"ttl"`
}

// issueToken mints a token. Only API key holders may call it.
func (s *Server) issueToken(c *gin.Context) {
	if method, _ := c.Get("auth_method"); method != "api_key" {
		c.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: "token issuance requires the api key"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return
	}
	ttl := 24 * time.Hour
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			badRequest(c, "invalid ttl")
			return
		}
		ttl = d
	}
	if req.Role == "" {
		req.Role = "operator"
	}
	token, err := s.auth.GenerateToken(req.Role, ttl)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expiresAt": time.Now().Add(ttl).UTC().Format(time.RFC3339)})
}

// --- Plans ---

func wantsStream(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}

func sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// sseEmitter writes events straight to the response. Planning runs on the
// handler goroutine, so no pump is needed.
type sseEmitter struct {
	mu  sync.Mutex
	c   *gin.Context
	seq uint64
}

func (e *sseEmitter) Emit(_ context.Context, ev event.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	ev.Seq = e.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	writeEvent(e.c, string(ev.Type), ev)
	return nil
}

func writeEvent(c *gin.Context, name string, v interface{}) {
	data, _ := json.Marshal(v)
	c.SSEvent(name, string(data))
	c.Writer.Flush()
}

func (s *Server) createPlan(c *gin.Context) {
	var req PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if strings.TrimSpace(req.Instruction) == "" {
		badRequest(c, "instruction is required")
		return
	}

	if wantsStream(c) {
		sseHeaders(c)
		c.Status(http.StatusOK)
		_, _ = s.service.PlanTask(c.Request.Context(), req, &sseEmitter{c: c})
		return
	}

	plan, err := s.service.PlanTask(c.Request.Context(), req, nil)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, plan)
}

func (s *Server) listPlans(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	plans, err := s.service.ListPlans(limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if plans == nil {
		plans = []models.TaskPlan{}
	}
	c.JSON(http.StatusOK, plans)
}

func (s *Server) getPlan(c *gin.Context) {
	plan, err := s.service.GetPlan(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (s *Server) executePlan(c *gin.Context) {
	var opts ExecuteOptions
	if err := c.ShouldBindJSON(&opts); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return
	}
	rt, err := s.service.Execute(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.respondExecution(c, rt)
}

// respondExecution streams events when asked to, otherwise blocks for the
// result unless wait=false.
func (s *Server) respondExecution(c *gin.Context, rt *airruntime.Runtime) {
	if wantsStream(c) {
		sseHeaders(c)
		s.pipeEvents(c, rt.TaskID(), 0)
		select {
		case <-rt.Done():
			writeEvent(c, ResultEvent, rt.Result())
		case <-c.Request.Context().Done():
		}
		return
	}
	if c.Query("wait") == "false" {
		c.JSON(http.StatusAccepted, gin.H{"planId": rt.TaskID(), "state": rt.State()})
		return
	}
	res, err := s.service.Wait(c.Request.Context(), rt)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// pipeEvents forwards hub events of taskID until the stream ends or the
// client goes away.
func (s *Server) pipeEvents(c *gin.Context, taskID string, from uint64) {
	events, cancel := s.service.Hub().Subscribe(taskID, from)
	defer cancel()
	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			writeEvent(c, string(ev.Type), ev)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (s *Server) cancelPlan(c *gin.Context) {
	if err := s.service.Cancel(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"planId": c.Param("id"), "cancelRequested": true})
}

func (s *Server) getResult(c *gin.Context) {
	st, err := s.service.GetStatus(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// streamEvents replays and follows the events of a plan. from selects the
// first sequence number to deliver.
func (s *Server) streamEvents(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.service.GetPlan(id); err != nil {
		s.fail(c, err)
		return
	}
	from := uint64(queryInt(c, "from", 0))
	sseHeaders(c)
	s.pipeEvents(c, id, from)
}

func (s *Server) getRuns(c *gin.Context) {
	runs, err := s.service.GetRuns(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	c.JSON(http.StatusOK, runs)
}

// --- Tasks ---

type taskRequest struct {
	PlanRequest
	Execute ExecuteOptions `json:"execute"`
}

// runTask plans an instruction and executes the plan in one call. Question
// plans complete without any step.
func (s *Server) runTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if strings.TrimSpace(req.Instruction) == "" {
		badRequest(c, "instruction is required")
		return
	}

	var emitter event.Emitter
	if wantsStream(c) {
		sseHeaders(c)
		c.Status(http.StatusOK)
		emitter = &sseEmitter{c: c}
	}
	plan, err := s.service.PlanTask(c.Request.Context(), req.PlanRequest, emitter)
	if err != nil {
		if emitter == nil {
			s.fail(c, err)
		}
		return
	}
	rt, err := s.service.Execute(c.Request.Context(), plan.ID, req.Execute)
	if err != nil {
		if emitter != nil {
			writeEvent(c, string(event.Failed), event.Event{Type: event.Failed, TaskID: plan.ID, Message: err.Error()})
			return
		}
		s.fail(c, err)
		return
	}
	s.respondExecution(c, rt)
}

// --- Approvals ---

func (s *Server) listApprovals(c *gin.Context) {
	status := models.ApprovalStatus(c.Query("status"))
	taskID := c.Query("task")
	if status == "" || (status == models.ApprovalPending && taskID == "") {
		c.JSON(http.StatusOK, s.service.PendingApprovals())
		return
	}
	list, err := s.service.ListApprovals(status, taskID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []models.ApprovalRequest{}
	}
	c.JSON(http.StatusOK, list)
}

type approvalResponse struct {
	Approved *bool `json:"approved"`
}

func (s *Server) respondApproval(c *gin.Context) {
	var req approvalResponse
	if err := c.ShouldBindJSON(&req); err != nil || req.Approved == nil {
		badRequest(c, "approved (bool) is required")
		return
	}
	if err := s.service.Respond(c.Param("id"), *req.Approved); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "approved": *req.Approved})
}

// --- Policy ---

func (s *Server) getPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.GetPolicy())
}

func (s *Server) putPolicy(c *gin.Context) {
	var cfg airlock.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		badRequest(c, err.Error())
		return
	}
	next, err := s.service.ReplacePolicy(&cfg)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, next)
}

func (s *Server) setMode(c *gin.Context) {
	var req struct {
		Mode airlock.Mode `json:"mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	next, err := s.service.SetMode(req.Mode)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, next)
}

func (s *Server) updateTool(c *gin.Context) {
	var change ToolChange
	if err := c.ShouldBindJSON(&change); err != nil {
		badRequest(c, err.Error())
		return
	}
	next, err := s.service.UpdateTool(c.Param("tool"), change)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, next)
}

// --- Transactions ---

func (s *Server) listTransactions(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.ListTransactions())
}

func (s *Server) undo(c *gin.Context) {
	tx, err := s.service.Undo()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (s *Server) redo(c *gin.Context) {
	tx, err := s.service.Redo()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// --- Audit ---

func (s *Server) listAudit(c *gin.Context) {
	entries, err := s.service.ListAudit(c.Query("task"), queryInt(c, "limit", 100))
	if err != nil {
		s.fail(c, err)
		return
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	c.JSON(http.StatusOK, entries)
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
