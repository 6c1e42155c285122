package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fentz26/airlock/internal/controlplane"
)

var rootCmd = &cobra.Command{
	Use:   "airlock",
	Short: "Airlock - risk-gated agent task orchestrator",
	Long: `Airlock turns natural-language instructions into reviewable plans and
executes them step by step behind a risk gate: safe steps run, sensitive
steps run with a notice, dangerous steps wait for a human approval. File
changes are transactional and can be undone.`,
	SilenceUsage: true,
}

var (
	apiAddr  string
	apiToken string
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(controlplane.Version)
	},
}

func init() {
	defaultAPI := os.Getenv("AIRLOCK_API")
	if defaultAPI == "" {
		defaultAPI = "http://127.0.0.1:7466"
	}
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", defaultAPI, "API server address")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("AIRLOCK_TOKEN"), "API key or token")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(planCmd, execCmd, runCmd, cancelCmd, statusCmd, plansCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(txCmd, undoCmd, redoCmd)
	rootCmd.AddCommand(auditCmd, tokenCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
