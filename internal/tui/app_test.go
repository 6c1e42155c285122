package tui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/airlock/internal/models"
)

// fakeDaemon serves the subset of the API the console uses.
type fakeDaemon struct {
	mu        sync.Mutex
	pending   []models.ApprovalRequest
	responses map[string]bool
	token     string
}

func (d *fakeDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.token != "" && r.Header.Get("Authorization") != "Bearer "+d.token {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "missing authentication token"})
		return
	}
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/approvals":
		_ = json.NewEncoder(w).Encode(d.pending)
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/approvals/"):
		var body struct {
			Approved bool `json:"approved"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		d.responses[strings.TrimPrefix(r.URL.Path, "/api/approvals/")] = body.Approved
		d.pending = nil
		_ = json.NewEncoder(w).Encode(map[string]bool{"approved": body.Approved})
	case r.Method == http.MethodGet && r.URL.Path == "/api/plans":
		_ = json.NewEncoder(w).Encode([]models.TaskPlan{{ID: "plan-1", Instruction: "delete old.log", Intent: models.IntentCommand}})
	case r.URL.Path == "/api/plans/plan-1/result":
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "plan has not been executed"})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (d *fakeDaemon) response(id string) (approved, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	approved, ok = d.responses[id]
	return approved, ok
}

func newFakeDaemon(t *testing.T) (*fakeDaemon, *httptest.Server) {
	d := &fakeDaemon{
		responses: map[string]bool{},
		pending: []models.ApprovalRequest{{
			ID:          "req-123456789",
			TaskID:      "task-abcdefgh",
			CommandType: "delete_file",
			Level:       models.Dangerous,
			Payload:     map[string]string{"path": "old.log"},
			Status:      models.ApprovalPending,
			ExpiresAt:   time.Now().Add(10 * time.Minute),
		}},
	}
	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)
	return d, srv
}

func key(s string) tea.KeyMsg {
	switch s {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestClient_PendingAndRespond(t *testing.T) {
	d, srv := newFakeDaemon(t)
	c := NewClient(srv.URL, "")

	pending, err := c.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "delete_file", pending[0].CommandType)

	require.NoError(t, c.Respond(pending[0].ID, false))
	approved, ok := d.response("req-123456789")
	assert.True(t, ok)
	assert.False(t, approved)
}

func TestClient_StateNotExecuted(t *testing.T) {
	_, srv := newFakeDaemon(t)
	c := NewClient(srv.URL, "")

	st, err := c.State("plan-1")
	require.NoError(t, err)
	assert.Empty(t, st.State)
}

func TestClient_AuthError(t *testing.T) {
	d, srv := newFakeDaemon(t)
	d.mu.Lock()
	d.token = "secret"
	d.mu.Unlock()

	_, err := NewClient(srv.URL, "").Pending()
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "missing authentication token", apiErr.Message)

	_, err = NewClient(srv.URL, "secret").Pending()
	assert.NoError(t, err)
}

func TestApp_ApproveSelected(t *testing.T) {
	d, srv := newFakeDaemon(t)
	app := New(srv.URL, "")
	app.Update(tea.WindowSizeMsg{Width: 120, Height: 30})

	app.Update(app.fetchApprovals()())
	require.Len(t, app.approvals, 1)
	assert.True(t, app.daemonOnline)
	assert.Contains(t, app.View(), "[1 pending]")
	assert.Contains(t, app.View(), "old.log")

	_, cmd := app.Update(key("y"))
	require.NotNil(t, cmd)
	msg := cmd()
	assert.Equal(t, commandResultMsg{"✓ Approved req-1234"}, msg)
	approved, _ := d.response("req-123456789")
	assert.True(t, approved)

	_, cmd = app.Update(msg)
	app.Update(cmd())
	assert.Empty(t, app.approvals)
	assert.Contains(t, app.View(), "No pending approvals")
}

func TestApp_DetailAndPlans(t *testing.T) {
	_, srv := newFakeDaemon(t)
	app := New(srv.URL, "")
	app.Update(tea.WindowSizeMsg{Width: 120, Height: 30})
	app.Update(app.fetchApprovals()())

	app.Update(key("enter"))
	assert.Equal(t, viewDetail, app.mode)
	assert.Contains(t, app.detail(), "path: old.log")
	app.Update(key("esc"))
	assert.Equal(t, viewApprovals, app.mode)

	_, cmd := app.Update(key("tab"))
	assert.Equal(t, viewPlans, app.mode)
	app.Update(cmd())
	require.Len(t, app.plans, 1)
	assert.Contains(t, app.View(), "PLANNED")

	// approve keys do nothing outside the approvals view
	_, cmd = app.Update(key("y"))
	assert.Nil(t, cmd)
}

func TestApp_DaemonDown(t *testing.T) {
	app := New("http://127.0.0.1:1", "")
	app.Update(app.fetchApprovals()())
	assert.False(t, app.daemonOnline)
	assert.True(t, strings.HasPrefix(app.message, "Error"))
}

func TestFormatExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	app := &App{now: func() time.Time { return now }}

	assert.Contains(t, app.formatExpiry(now.Add(-time.Second)), "expired")
	assert.Contains(t, app.formatExpiry(now.Add(90*time.Second)), "1m30s")
}
