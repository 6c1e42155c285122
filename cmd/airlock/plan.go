package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/airlock/internal/controlplane"
	"github.com/fentz26/airlock/internal/event"
	"github.com/fentz26/airlock/internal/models"
)

var planCmd = &cobra.Command{
	Use:   "plan [instruction]",
	Short: "Draft a plan for an instruction without running it",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPlan,
}

var execCmd = &cobra.Command{
	Use:   "exec [plan-id]",
	Short: "Execute a stored plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runExec,
}

var runCmd = &cobra.Command{
	Use:   "run [instruction]",
	Short: "Plan and execute an instruction",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [plan-id]",
	Short: "Cancel an executing plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var statusCmd = &cobra.Command{
	Use:   "status [plan-id]",
	Short: "Show the execution state of a plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "List recent plans",
	RunE:  runPlans,
}

var (
	workspace     string
	failurePolicy string
	detachExec    bool
	noPrompt      bool
	plansLimit    int
)

func init() {
	for _, c := range []*cobra.Command{planCmd, runCmd} {
		c.Flags().StringVarP(&workspace, "workspace", "w", ".", "Workspace directory")
	}
	for _, c := range []*cobra.Command{planCmd, execCmd, runCmd} {
		c.Flags().StringVar(&failurePolicy, "on-failure", "", "Failure policy: fail_fast or continue")
	}
	for _, c := range []*cobra.Command{execCmd, runCmd} {
		c.Flags().BoolVar(&noPrompt, "no-prompt", false, "Do not prompt for approvals; resolve them elsewhere")
	}
	execCmd.Flags().BoolVar(&detachExec, "detach", false, "Queue the execution and return")
	plansCmd.Flags().IntVar(&plansLimit, "limit", 20, "Number of plans to list")
}

func planRequest(args []string) (controlplane.PlanRequest, error) {
	ws, err := filepath.Abs(workspace)
	if err != nil {
		return controlplane.PlanRequest{}, err
	}
	return controlplane.PlanRequest{
		Instruction:   strings.Join(args, " "),
		Workspace:     ws,
		FailurePolicy: models.FailurePolicy(failurePolicy),
	}, nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	req, err := planRequest(args)
	if err != nil {
		return err
	}
	var plan *models.TaskPlan
	err = apiStream("POST", "/api/plans", req, func(name string, data []byte) error {
		ev, err := decodeEvent(data)
		if err != nil {
			return err
		}
		switch ev.Type {
		case event.PlanToken:
			fmt.Fprint(os.Stderr, ev.Token)
		case event.PlanReady:
			plan = ev.Plan
		case event.Failed:
			return fmt.Errorf("%s: %s", ev.Reason, ev.Message)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if plan == nil {
		return fmt.Errorf("stream ended without a plan")
	}
	printPlan(plan)
	if plan.Intent == models.IntentCommand {
		fmt.Printf("\nRun it with: airlock exec %s\n", plan.ID)
	}
	return nil
}

func runExec(cmd *cobra.Command, args []string) error {
	path := "/api/plans/" + args[0] + "/execute"
	opts := controlplane.ExecuteOptions{FailurePolicy: models.FailurePolicy(failurePolicy)}
	if detachExec {
		if _, err := apiPost(path+"?wait=false", opts); err != nil {
			return err
		}
		fmt.Printf("Queued %s\n", args[0])
		return nil
	}
	return followExecution(path, opts)
}

func runRun(cmd *cobra.Command, args []string) error {
	req, err := planRequest(args)
	if err != nil {
		return err
	}
	return followExecution("/api/tasks", map[string]interface{}{
		"instruction":   req.Instruction,
		"workspace":     req.Workspace,
		"failurePolicy": req.FailurePolicy,
	})
}

// followExecution streams an execution, prompting for approvals on the
// terminal, and fails when the execution does not complete.
func followExecution(path string, body interface{}) error {
	var (
		result  *models.ExecutionResult
		failure *event.Event
	)
	err := apiStream("POST", path, body, func(name string, data []byte) error {
		if name == controlplane.ResultEvent {
			result = &models.ExecutionResult{}
			return json.Unmarshal(data, result)
		}
		ev, err := decodeEvent(data)
		if err != nil {
			return err
		}
		printEvent(ev)
		if ev.Type == event.Failed {
			failure = ev
		}
		if ev.Type == event.ConfirmationRequired && ev.Approval != nil && !noPrompt {
			return promptApproval(ev.Approval)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if result == nil {
		if failure != nil {
			return fmt.Errorf("%s", strings.TrimSpace(failure.Reason+" "+failure.Message))
		}
		return fmt.Errorf("stream ended without a result")
	}
	printResult(result)
	if result.State != models.StateCompleted {
		return fmt.Errorf("execution %s", result.State)
	}
	return nil
}

func decodeEvent(data []byte) (*event.Event, error) {
	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}

func printPlan(p *models.TaskPlan) {
	fmt.Printf("Plan %s (%s)\n", p.ID, p.Intent)
	if p.Answer != "" {
		fmt.Printf("\n%s\n", p.Answer)
	}
	for i, s := range p.Steps {
		fmt.Printf("  %d. [%s] %s\n", i+1, s.Kind, s.Description)
	}
	if p.EstimatedChanges > 0 {
		fmt.Printf("Estimated changes: %d\n", p.EstimatedChanges)
	}
	if p.RequiresConfirmation {
		fmt.Println("Some steps need approval.")
	}
	for _, w := range p.Warnings {
		fmt.Printf("  ! %s\n", w)
	}
}

func printEvent(ev *event.Event) {
	switch ev.Type {
	case event.PlanReady:
		if ev.Plan != nil {
			printPlan(ev.Plan)
			fmt.Println()
		}
	case event.StepStarted:
		fmt.Printf("→ step %d %s\n", ev.Step, ev.Message)
	case event.StepCompleted:
		fmt.Printf("✓ step %d\n", ev.Step)
		for _, c := range ev.Changes {
			fmt.Printf("    %s %s\n", c.Operation, changeTarget(c))
		}
	case event.StepFailed:
		fmt.Printf("✗ step %d: %s %s\n", ev.Step, ev.Reason, ev.Message)
	case event.Notice:
		fmt.Printf("  notice: %s\n", ev.Message)
	case event.ConfirmationRequired:
		fmt.Printf("? step %d needs approval\n", ev.Step)
	case event.Failed:
		fmt.Printf("Failed: %s %s\n", ev.Reason, ev.Message)
	}
}

func changeTarget(c models.FileOpChange) string {
	if c.DestPath != "" {
		return c.SourcePath + " → " + c.DestPath
	}
	return c.SourcePath
}

func printResult(r *models.ExecutionResult) {
	fmt.Printf("\nResult: %s (%d/%d steps, %d changes", r.State, r.CompletedSteps, r.TotalSteps, r.TotalChanges)
	if r.TransactionID != "" {
		fmt.Printf(", transaction %s", shortID(r.TransactionID))
	}
	if r.RolledBack {
		fmt.Print(", rolled back")
	}
	fmt.Println(")")
	for _, e := range r.Errors {
		fmt.Printf("  error: %s\n", e)
	}
}

func runCancel(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/api/plans/"+args[0]+"/cancel", nil); err != nil {
		return err
	}
	fmt.Printf("Cancel requested for %s\n", args[0])
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	var st controlplane.Status
	if err := apiGetJSON("/api/plans/"+args[0]+"/result", &st); err != nil {
		return err
	}
	fmt.Printf("Plan %s: %s\n", st.PlanID, st.State)
	if st.Result == nil {
		for i, s := range st.Steps {
			fmt.Printf("  %d. %s\n", i+1, s)
		}
		return nil
	}
	for _, o := range st.Result.Steps {
		line := fmt.Sprintf("  %d. %-14s %s", o.Index+1, o.Status, o.Tool)
		if o.Reason != "" {
			line += " (" + o.Reason + ")"
		}
		fmt.Println(line)
	}
	printResult(st.Result)
	return nil
}

func runPlans(cmd *cobra.Command, args []string) error {
	var plans []models.TaskPlan
	if err := apiGetJSON(fmt.Sprintf("/api/plans?limit=%d", plansLimit), &plans); err != nil {
		return err
	}
	if len(plans) == 0 {
		fmt.Println("No plans found.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tINTENT\tSTEPS\tCREATED\tINSTRUCTION")
	for _, p := range plans {
		instr := p.Instruction
		if len(instr) > 50 {
			instr = instr[:47] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", shortID(p.ID), p.Intent, len(p.Steps),
			p.CreatedAt.Local().Format("2006-01-02 15:04"), instr)
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
