// Package tui provides the interactive approvals console for Airlock.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/airlock/internal/models"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	itemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

// Views.
const (
	viewApprovals = "approvals"
	viewPlans     = "plans"
	viewDetail    = "detail"
)

// refreshInterval is how often the console polls the daemon.
const refreshInterval = 2 * time.Second

// planRow is a plan with its last known execution state.
type planRow struct {
	plan  models.TaskPlan
	state models.ExecutionState
}

// App is the approvals console model.
type App struct {
	client       *Client
	approvals    []models.ApprovalRequest
	plans        []planRow
	selectedIdx  int
	viewport     viewport.Model
	width        int
	height       int
	mode         string
	back         string
	message      string
	daemonOnline bool
	now          func() time.Time
}

// New creates a new console for the daemon at apiAddr.
func New(apiAddr, token string) *App {
	return &App{
		client:   NewClient(apiAddr, token),
		viewport: viewport.New(80, 20),
		mode:     viewApprovals,
		now:      time.Now,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.refresh(), a.tickCmd())
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.viewport.Width = msg.Width
		a.viewport.Height = max(5, msg.Height-6)

	case approvalsLoadedMsg:
		a.daemonOnline = true
		a.approvals = msg.approvals
		a.clampSelection()

	case plansLoadedMsg:
		a.daemonOnline = true
		a.plans = msg.plans
		a.clampSelection()

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.tickCmd())

	case commandResultMsg:
		a.message = msg.message
		return a, a.refresh()

	case errMsg:
		a.daemonOnline = false
		a.message = "Error: " + msg.err.Error()
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if a.mode == viewDetail {
		switch msg.String() {
		case "esc", "enter", "q":
			a.mode = a.back
			return a, nil
		case "ctrl+c":
			return a, tea.Quit
		}
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd
	}

	switch msg.String() {
	case "ctrl+c", "q":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < a.count()-1 {
			a.selectedIdx++
		}

	case "tab":
		if a.mode == viewApprovals {
			a.mode = viewPlans
		} else {
			a.mode = viewApprovals
		}
		a.selectedIdx = 0
		a.message = ""
		return a, a.refresh()

	case "r":
		return a, a.refresh()

	case "enter":
		if a.count() == 0 {
			return a, nil
		}
		a.back = a.mode
		a.viewport.SetContent(a.detail())
		a.viewport.GotoTop()
		a.mode = viewDetail

	case "y", "a":
		if req := a.selectedApproval(); req != nil {
			return a, a.respond(req.ID, true)
		}

	case "n", "d":
		if req := a.selectedApproval(); req != nil {
			return a, a.respond(req.ID, false)
		}

	case "c":
		if a.mode == viewPlans && a.selectedIdx < len(a.plans) {
			return a, a.cancel(a.plans[a.selectedIdx].plan.ID)
		}
	}
	return a, nil
}

func (a *App) count() int {
	if a.mode == viewPlans {
		return len(a.plans)
	}
	return len(a.approvals)
}

func (a *App) clampSelection() {
	if a.selectedIdx >= a.count() {
		a.selectedIdx = max(0, a.count()-1)
	}
}

func (a *App) selectedApproval() *models.ApprovalRequest {
	if a.mode != viewApprovals || a.selectedIdx >= len(a.approvals) {
		return nil
	}
	return &a.approvals[a.selectedIdx]
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("AIRLOCK Approvals")
	header += "  " + daemonStatus
	header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf("[%d pending]", len(a.approvals)))
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", a.width) + "\n")

	contentHeight := max(5, a.height-6)
	switch a.mode {
	case viewApprovals:
		b.WriteString(a.renderApprovals(contentHeight))
	case viewPlans:
		b.WriteString(a.renderPlans(contentHeight))
	case viewDetail:
		b.WriteString(a.viewport.View())
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case viewApprovals:
		status = " ↑↓:nav | y:approve | n:deny | Enter:details | Tab:plans | r:refresh | q:quit"
	case viewPlans:
		status = fmt.Sprintf(" Plans: %d | ↑↓:nav | c:cancel | Enter:details | Tab:approvals | q:quit", len(a.plans))
	default:
		status = " Esc:back | ↑↓:scroll"
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))
	return b.String()
}

func (a *App) renderApprovals(height int) string {
	if len(a.approvals) == 0 {
		return "\n  " + helpStyle.Render("No pending approvals.") + "\n"
	}
	var lines []string
	for i, req := range a.approvals {
		left := a.formatExpiry(req.ExpiresAt)
		text := fmt.Sprintf("%s  %-16s %s  %s  %s", formatLevel(req.Level), req.CommandType,
			shortID(req.TaskID), summary(req), left)
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render("▶ "+text))
		} else {
			lines = append(lines, itemStyle.Render("  "+text))
		}
	}
	return window(lines, a.selectedIdx, height)
}

func (a *App) renderPlans(height int) string {
	if len(a.plans) == 0 {
		return "\n  " + helpStyle.Render("No plans yet.") + "\n"
	}
	var lines []string
	for i, row := range a.plans {
		instr := row.plan.Instruction
		if len(instr) > 50 {
			instr = instr[:47] + "..."
		}
		text := fmt.Sprintf("%s  %s  %-8s %s", formatState(row.state), shortID(row.plan.ID), row.plan.Intent, instr)
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render("▶ "+text))
		} else {
			lines = append(lines, itemStyle.Render("  "+text))
		}
	}
	return window(lines, a.selectedIdx, height)
}

// detail renders the selected item for the viewport.
func (a *App) detail() string {
	var b strings.Builder
	if a.mode == viewPlans {
		row := a.plans[a.selectedIdx]
		p := row.plan
		fmt.Fprintf(&b, "\n  %s\n", lipgloss.NewStyle().Bold(true).Render(p.Instruction))
		fmt.Fprintf(&b, "  ID: %s\n  Workspace: %s\n  State: %s\n", p.ID, p.WorkspacePath, formatState(row.state))
		if p.Answer != "" {
			fmt.Fprintf(&b, "\n  %s\n", p.Answer)
		}
		for i, step := range p.Steps {
			fmt.Fprintf(&b, "  %d. [%s] %s\n", i+1, step.Kind, step.Description)
		}
		for _, w := range p.Warnings {
			fmt.Fprintf(&b, "  %s\n", lipgloss.NewStyle().Foreground(warningColor).Render("! "+w))
		}
		return b.String()
	}

	req := a.approvals[a.selectedIdx]
	fmt.Fprintf(&b, "\n  %s %s\n", formatLevel(req.Level), lipgloss.NewStyle().Bold(true).Render(req.CommandType))
	fmt.Fprintf(&b, "  Request: %s\n  Task: %s (step %d)\n", req.ID, req.TaskID, req.StepIndex+1)
	fmt.Fprintf(&b, "  Expires: %s\n\n", a.formatExpiry(req.ExpiresAt))
	keys := make([]string, 0, len(req.Payload))
	for k := range req.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %s\n", k, req.Payload[k])
	}
	return b.String()
}

func (a *App) formatExpiry(t time.Time) string {
	left := t.Sub(a.now())
	if left <= 0 {
		return lipgloss.NewStyle().Foreground(errorColor).Render("expired")
	}
	s := fmt.Sprintf("%dm%02ds", int(left.Minutes()), int(left.Seconds())%60)
	if left < time.Minute {
		return lipgloss.NewStyle().Foreground(warningColor).Render(s)
	}
	return lipgloss.NewStyle().Foreground(mutedColor).Render(s)
}

func formatLevel(l models.Level) string {
	switch l {
	case models.Safe:
		return lipgloss.NewStyle().Foreground(successColor).Render("SAFE")
	case models.Sensitive:
		return lipgloss.NewStyle().Foreground(warningColor).Render("SENS")
	default:
		return lipgloss.NewStyle().Foreground(errorColor).Bold(true).Render("DANG")
	}
}

func formatState(s models.ExecutionState) string {
	switch s {
	case models.StateQueued:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("○ QUEUED ")
	case models.StateRunning:
		return lipgloss.NewStyle().Foreground(primaryColor).Render("◑ RUNNING")
	case models.StateWaitingApproval:
		return lipgloss.NewStyle().Foreground(warningColor).Render("◐ WAITING")
	case models.StateCompleted:
		return lipgloss.NewStyle().Foreground(successColor).Render("● DONE   ")
	case models.StateFailed:
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗ FAILED ")
	case models.StateCancelled:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("✗ CANCEL ")
	default:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("· PLANNED")
	}
}

// summary picks the most telling payload field of a request.
func summary(req models.ApprovalRequest) string {
	for _, k := range []string{"command", "path", "source", "url", "description"} {
		if v := req.Payload[k]; v != "" {
			if len(v) > 40 {
				v = v[:37] + "..."
			}
			return v
		}
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// window keeps the selected line visible within height lines.
func window(lines []string, selected, height int) string {
	if len(lines) > height {
		start := max(0, selected-height/2)
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}
	return strings.Join(lines, "\n")
}

func (a *App) refresh() tea.Cmd {
	if a.mode == viewPlans {
		return a.fetchPlans()
	}
	return a.fetchApprovals()
}

func (a *App) fetchApprovals() tea.Cmd {
	return func() tea.Msg {
		list, err := a.client.Pending()
		if err != nil {
			return errMsg{err}
		}
		return approvalsLoadedMsg{list}
	}
}

func (a *App) fetchPlans() tea.Cmd {
	return func() tea.Msg {
		plans, err := a.client.Plans(25)
		if err != nil {
			return errMsg{err}
		}
		rows := make([]planRow, len(plans))
		for i, p := range plans {
			rows[i] = planRow{plan: p}
			if st, err := a.client.State(p.ID); err == nil {
				rows[i].state = st.State
			}
		}
		return plansLoadedMsg{rows}
	}
}

func (a *App) respond(id string, approved bool) tea.Cmd {
	return func() tea.Msg {
		if err := a.client.Respond(id, approved); err != nil {
			return commandResultMsg{"Error: " + err.Error()}
		}
		if approved {
			return commandResultMsg{"✓ Approved " + shortID(id)}
		}
		return commandResultMsg{"✗ Denied " + shortID(id)}
	}
}

func (a *App) cancel(planID string) tea.Cmd {
	return func() tea.Msg {
		if err := a.client.Cancel(planID); err != nil {
			return commandResultMsg{"Error: " + err.Error()}
		}
		return commandResultMsg{"✓ Cancel requested for " + shortID(planID)}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type commandResultMsg struct {
	message string
}

type errMsg struct {
	err error
}

type approvalsLoadedMsg struct {
	approvals []models.ApprovalRequest
}

type plansLoadedMsg struct {
	plans []planRow
}

type tickMsg time.Time
