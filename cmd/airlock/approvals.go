package main

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fentz26/airlock/internal/models"
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List and resolve approval requests",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approval requests (pending by default)",
	RunE:  runApprovalsList,
}

var approveCmd = &cobra.Command{
	Use:   "approve [request-id]",
	Short: "Approve a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return respond(args[0], true)
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny [request-id]",
	Short: "Deny a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return respond(args[0], false)
	},
}

var (
	approvalStatus string
	approvalTask   string
)

func init() {
	approvalsListCmd.Flags().StringVar(&approvalStatus, "status", "", "Filter by status: pending, approved, denied, expired")
	approvalsListCmd.Flags().StringVar(&approvalTask, "task", "", "Filter by plan ID")
	approvalsCmd.AddCommand(approvalsListCmd, approveCmd, denyCmd)
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if approvalStatus != "" {
		q.Set("status", approvalStatus)
	}
	if approvalTask != "" {
		q.Set("task", approvalTask)
	}
	path := "/api/approvals"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var list []models.ApprovalRequest
	if err := apiGetJSON(path, &list); err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No approval requests.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLAN\tSTEP\tTOOL\tLEVEL\tSTATUS\tEXPIRES\tTARGET")
	for _, r := range list {
		expires := "-"
		if r.Status == models.ApprovalPending {
			expires = time.Until(r.ExpiresAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, shortID(r.TaskID), r.StepIndex+1, r.CommandType, r.Level, r.Status, expires, payloadSummary(r.Payload))
	}
	return w.Flush()
}

func respond(id string, approved bool) error {
	if _, err := apiPost("/api/approvals/"+id, map[string]bool{"approved": approved}); err != nil {
		return err
	}
	if approved {
		fmt.Printf("Approved %s\n", id)
	} else {
		fmt.Printf("Denied %s\n", id)
	}
	return nil
}

// promptApproval asks on the terminal whether to approve req. Without a
// terminal the request is left for another client to resolve.
func promptApproval(req *models.ApprovalRequest) error {
	fd := int(os.Stdin.Fd())
	fmt.Printf("  %s (%s) %s\n", req.CommandType, req.Level, payloadSummary(req.Payload))
	if !term.IsTerminal(fd) {
		fmt.Printf("  waiting; resolve with: airlock approvals approve %s\n", req.ID)
		return nil
	}

	fmt.Print("  Approve? [y/N] ")
	old, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("read answer: %w", err)
	}
	buf := make([]byte, 1)
	_, readErr := os.Stdin.Read(buf)
	if err := term.Restore(fd, old); err != nil {
		return err
	}
	if readErr != nil {
		return fmt.Errorf("read answer: %w", readErr)
	}
	approved := buf[0] == 'y' || buf[0] == 'Y'
	if approved {
		fmt.Println("y")
	} else {
		fmt.Println("n")
	}

	if _, err := apiPost("/api/approvals/"+req.ID, map[string]bool{"approved": approved}); err != nil {
		// Another client may have resolved it first; the stream tells us how.
		fmt.Fprintf(os.Stderr, "  %v\n", err)
	}
	return nil
}

func payloadSummary(p map[string]string) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := p[k]
		if len(v) > 40 {
			v = v[:37] + "..."
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}
