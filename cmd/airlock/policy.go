package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/airlock/internal/airlock"
	"github.com/fentz26/airlock/internal/controlplane"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and change the tool policy",
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active policy as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg airlock.Config
		if err := apiGetJSON("/api/policy", &cfg); err != nil {
			return err
		}
		return printPolicy(&cfg)
	},
}

var policyModeCmd = &cobra.Command{
	Use:       "mode [all|allowlist]",
	Short:     "Set the tool policy mode",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(airlock.ModeAll), string(airlock.ModeAllowlist)},
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := apiPost("/api/policy/mode", map[string]string{"mode": args[0]})
		if err != nil {
			return err
		}
		return printPolicyBody(body)
	},
}

var policyLevelCmd = &cobra.Command{
	Use:   "level [tool] [safe|sensitive|dangerous]",
	Short: "Override the risk level of a tool",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		level := args[1]
		return changeTool(args[0], controlplane.ToolChange{Level: &level})
	},
}

func init() {
	yes, no := true, false
	toggles := []struct {
		use, short string
		change     controlplane.ToolChange
	}{
		{"allow", "Add a tool to the allowlist", controlplane.ToolChange{Allow: &yes}},
		{"disallow", "Remove a tool from the allowlist", controlplane.ToolChange{Allow: &no}},
		{"deny", "Add a tool to the denylist", controlplane.ToolChange{Deny: &yes}},
		{"undeny", "Remove a tool from the denylist", controlplane.ToolChange{Deny: &no}},
	}
	for _, tg := range toggles {
		change := tg.change
		policyCmd.AddCommand(&cobra.Command{
			Use:   tg.use + " [tool]",
			Short: tg.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return changeTool(args[0], change)
			},
		})
	}
	policyCmd.AddCommand(policyShowCmd, policyModeCmd, policyLevelCmd)
}

func changeTool(tool string, change controlplane.ToolChange) error {
	body, err := apiPost("/api/policy/tools/"+tool, change)
	if err != nil {
		return err
	}
	return printPolicyBody(body)
}

func printPolicyBody(body []byte) error {
	var cfg airlock.Config
	if err := json.Unmarshal(body, &cfg); err != nil {
		return fmt.Errorf("decode policy: %w", err)
	}
	return printPolicy(&cfg)
}

func printPolicy(cfg *airlock.Config) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}
