package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/orgmirror/orgmirror/internal/config"
	"github.com/orgmirror/orgmirror/internal/forge"
	"github.com/orgmirror/orgmirror/internal/ui"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the orgmirror configuration and local tree",
	Long: `Create the orgmirror configuration file and the base directory layout.

Run without flags for an interactive setup, or pass everything on the
command line:

  orgmirror init --org acme-platform --org acme-labs
  orgmirror init --base ~/src/orgs --org acme-platform --protocol https

One directory per organization is created under the base path. Unless
--no-clone is given, an initial sync then clones every repository the
organizations own.`,
	Run: func(cmd *cobra.Command, args []string) {
		base, _ := cmd.Flags().GetString("base")
		orgs, _ := cmd.Flags().GetStringArray("org")
		protocol, _ := cmd.Flags().GetString("protocol")
		noClone, _ := cmd.Flags().GetBool("no-clone")
		doClone := !noClone

		// Interactive setup when no orgs were given and we have a terminal.
		if len(orgs) == 0 && term.IsTerminal(int(os.Stdin.Fd())) {
			var orgsCSV string
			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().
						Title("Base directory").
						Description("Each managed organization owns one subdirectory").
						Value(&base),
					huh.NewInput().
						Title("Organizations").
						Description("Comma-separated organization names").
						Placeholder("acme-platform, acme-labs").
						Validate(func(s string) error {
							if len(splitOrgs(s)) == 0 {
								return fmt.Errorf("at least one organization is required")
							}
							return nil
						}).
						Value(&orgsCSV),
					huh.NewSelect[string]().
						Title("Clone protocol").
						Options(huh.NewOptions("ssh", "https")...).
						Value(&protocol),
					huh.NewConfirm().
						Title("Run an initial sync now?").
						Value(&doClone),
				),
			)
			if err := form.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			orgs = splitOrgs(orgsCSV)
		}

		cfg := config.Default()
		cfg.BasePath = config.ExpandHome(base)
		cfg.Organizations = orgs
		cfg.CloneProtocol = protocol

		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		path := configPath()
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(os.Stderr, "Error: configuration already exists at %s\n", path)
			fmt.Fprintf(os.Stderr, "Edit it directly or use the 'orgmirror config' subcommands\n")
			os.Exit(1)
		}
		if err := cfg.Save(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		for _, org := range cfg.Organizations {
			if err := os.MkdirAll(cfg.OrgPath(org), 0o755); err != nil {
				fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", cfg.OrgPath(org), err)
				os.Exit(1)
			}
		}

		fmt.Printf("%s Configuration written to %s\n", ui.RenderPass("✓"), path)
		fmt.Printf("   Base: %s\n", cfg.BasePath)
		fmt.Printf("   Organizations: %s\n", strings.Join(cfg.Organizations, ", "))

		if !doClone {
			fmt.Printf("\nRun 'orgmirror sync' to fetch missing repositories\n")
			return
		}
		if forge.TokenFromEnv() == "" {
			fmt.Printf("\n%s GITHUB_TOKEN not set; skipping initial sync\n", ui.RenderWarn("⚠"))
			fmt.Printf("Set a token and run 'orgmirror sync'\n")
			return
		}

		store := openStore(cfg)
		defer store.Close()
		eng := newEngine(cfg, store, nil)

		fmt.Printf("\n%s Running initial sync...\n", ui.RenderAccent("🔄"))
		result, err := eng.RunBatch(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during initial sync: %v\n", err)
			os.Exit(1)
		}
		printBatchResult(result)
	},
}

// splitOrgs turns a comma-separated org list into trimmed names.
func splitOrgs(csv string) []string {
	var orgs []string
	for _, part := range strings.Split(csv, ",") {
		if name := strings.TrimSpace(part); name != "" {
			orgs = append(orgs, name)
		}
	}
	return orgs
}

func init() {
	initCmd.Flags().StringP("base", "p", "~/Projects/orgs", "Base directory for the local tree")
	initCmd.Flags().StringArrayP("org", "o", nil, "Managed organization (repeatable)")
	initCmd.Flags().String("protocol", "ssh", "Clone protocol: ssh or https")
	initCmd.Flags().Bool("no-clone", false, "Skip the initial sync after writing the config")
	rootCmd.AddCommand(initCmd)
}
