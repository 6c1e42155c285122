package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/airlock/internal/models"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the decision record",
	RunE:  runAudit,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a JWT for a client (requires the API key)",
	RunE:  runToken,
}

var (
	auditTask  string
	auditLimit int
	tokenRole  string
	tokenTTL   time.Duration
)

func init() {
	auditCmd.Flags().StringVar(&auditTask, "task", "", "Only entries for this plan ID")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Number of entries")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "operator", "Role claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}

func runAudit(cmd *cobra.Command, args []string) error {
	q := url.Values{"limit": {strconv.Itoa(auditLimit)}}
	if auditTask != "" {
		q.Set("task", auditTask)
	}
	var entries []models.PDREntry
	if err := apiGetJSON("/api/audit?"+q.Encode(), &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tPLAN\tDETAILS")
	for _, e := range entries {
		details := e.Details
		if len(details) > 60 {
			details = details[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format("01-02 15:04:05"),
			e.Action, e.Outcome, shortID(e.TaskID), details)
	}
	return w.Flush()
}

func runToken(cmd *cobra.Command, args []string) error {
	body, err := apiPost("/api/token", map[string]string{
		"role": tokenRole,
		"ttl":  tokenTTL.String(),
	})
	if err != nil {
		return err
	}
	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode token: %w", err)
	}
	fmt.Println(resp.Token)
	fmt.Fprintf(os.Stderr, "expires %s\n", resp.ExpiresAt.Local().Format(time.RFC3339))
	return nil
}
