package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/orgmirror/orgmirror/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show how the local tree compares with remote ownership",
	Long: `Compare the local tree against remote organization ownership without
changing anything.

The exit code is 0 when everything matches and 1 when something needs
attention (drift, orphans, ambiguous names, unreachable orgs, or failed
actions from an earlier run).`,
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")

		cfg := mustLoadConfig()
		store := openStore(cfg)
		defer store.Close()
		eng := newEngine(cfg, store, nil)

		status, err := eng.Status(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s orgmirror status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("   Local repositories: %d\n", status.LocalRepos)
		if status.LastSyncAt.IsZero() {
			fmt.Printf("   Last sync: never\n")
		} else {
			fmt.Printf("   Last sync: %s (%s ago)\n",
				status.LastSyncAt.Local().Format(time.RFC822),
				time.Since(status.LastSyncAt).Round(time.Second))
		}
		if status.BatchRunning {
			fmt.Printf("   Sync cycle: %s\n", ui.RenderAccent("running now"))
		}
		if n := len(status.ActiveActions); n > 0 {
			fmt.Printf("   In-flight actions: %d\n", n)
		}
		if n := len(status.Report.StaleURLs); n > 0 {
			fmt.Printf("   Stale origin URLs: %s\n",
				ui.RenderDim(fmt.Sprintf("%d (fixed on next sync)", n)))
		}

		if status.Clean() {
			fmt.Printf("\n%s Local tree matches remote ownership\n", ui.RenderPass("✓"))
			return
		}

		r := status.Report
		fmt.Println()
		if n := len(r.Drifted); n > 0 {
			fmt.Printf("%s %d repositories under the wrong org directory\n", ui.RenderWarn("⚠"), n)
			if verbose {
				for _, d := range r.Drifted {
					fmt.Printf("   %s: %s -> %s\n", d.Repo, d.LocalOrg, d.RemoteOrg)
				}
			}
		}
		if n := len(r.Missing); n > 0 {
			fmt.Printf("%s %d repositories not checked out locally\n", ui.RenderWarn("⚠"), n)
			if verbose {
				for _, m := range r.Missing {
					fmt.Printf("   %s/%s\n", m.Org, m.Repo)
				}
			}
		}
		if n := len(r.Orphaned); n > 0 {
			fmt.Printf("%s %d local checkouts with no remote counterpart\n", ui.RenderWarn("⚠"), n)
			if verbose {
				for _, o := range r.Orphaned {
					fmt.Printf("   %s/%s\n", o.LocalOrg, o.Repo)
				}
			}
		}
		if n := len(r.Ambiguous); n > 0 {
			fmt.Printf("%s %d ambiguous names (present in multiple orgs)\n", ui.RenderWarn("⚠"), n)
			if verbose {
				for _, a := range r.Ambiguous {
					fmt.Printf("   %s (%s: %s)\n", a.Name, a.Side, strings.Join(a.Orgs, ", "))
				}
			}
		}
		for org, reason := range r.SkippedOrgs {
			fmt.Printf("%s org %s could not be listed: %s\n", ui.RenderWarn("⚠"), org, reason)
		}
		if n := len(status.FailedActions); n > 0 {
			fmt.Printf("%s %d failed actions need attention\n", ui.RenderFail("✗"), n)
			if verbose {
				for _, rec := range status.FailedActions {
					fmt.Printf("   %s: %s\n", rec.Action, rec.Reason)
				}
			}
		}

		if !verbose {
			fmt.Printf("\nRun 'orgmirror status --verbose' for details\n")
		}
		os.Exit(1)
	},
}

func init() {
	statusCmd.Flags().BoolP("verbose", "v", false, "List each affected repository")
	rootCmd.AddCommand(statusCmd)
}
