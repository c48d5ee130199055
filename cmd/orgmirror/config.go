package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/orgmirror/orgmirror/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the orgmirror configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active configuration",
	Long: `Print the effective configuration as YAML, with paths expanded and
defaults applied.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfigFile()

		data, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("# %s\n", configPath())
		fmt.Print(string(data))
	},
}

var configAddOrgCmd = &cobra.Command{
	Use:   "add-org NAME",
	Short: "Add an organization to the managed set",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		org := args[0]
		cfg := loadConfigFile()

		if !cfg.AddOrganization(org) {
			fmt.Printf("%s is already managed\n", org)
			return
		}
		if err := cfg.Save(configPath()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := os.MkdirAll(cfg.OrgPath(org), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", cfg.OrgPath(org), err)
			os.Exit(1)
		}

		fmt.Printf("%s Added %s\n", ui.RenderPass("✓"), org)
		fmt.Printf("Run 'orgmirror sync' to fetch its repositories\n")
	},
}

var configRemoveOrgCmd = &cobra.Command{
	Use:   "remove-org NAME",
	Short: "Remove an organization from the managed set",
	Long: `Stop managing an organization.

The organization's local directory and every checkout under it are left
on disk; orgmirror only stops watching and reconciling them.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		org := args[0]
		cfg := loadConfigFile()

		if !cfg.RemoveOrganization(org) {
			fmt.Fprintf(os.Stderr, "Error: %s is not a managed organization\n", org)
			os.Exit(1)
		}
		if err := cfg.Save(configPath()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Removed %s from the managed set\n", ui.RenderPass("✓"), org)
		fmt.Printf("Local checkouts under %s were left in place\n", cfg.OrgPath(org))
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configAddOrgCmd)
	configCmd.AddCommand(configRemoveOrgCmd)
	rootCmd.AddCommand(configCmd)
}
