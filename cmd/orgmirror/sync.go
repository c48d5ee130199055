package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/orgmirror/orgmirror/internal/engine"
	"github.com/orgmirror/orgmirror/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the local tree with remote organization ownership",
	Long: `Run one reconciliation cycle against the remote host.

Remote ownership wins every disagreement:
  - a checkout sitting under the wrong org directory is moved
  - a repository with no local checkout is cloned
  - a checkout under no managed org is reported as orphaned, never deleted

Repositories whose name appears in more than one place on the same side
are ambiguous and left alone. Use --dry-run to see the plan without
changing anything.`,
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		cfg := mustLoadConfig()
		store := openStore(cfg)
		defer store.Close()
		eng := newEngine(cfg, store, nil)

		ctx := context.Background()

		if dryRun {
			plan, err := eng.Preview(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			printPlan(plan)
			return
		}

		result, err := eng.RunBatch(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printBatchResult(result)
		if result.Failed > 0 {
			os.Exit(1)
		}
	},
}

func printPlan(plan *engine.Plan) {
	if plan.IsClean() {
		fmt.Printf("%s Everything in sync; nothing to do\n", ui.RenderPass("✓"))
		return
	}

	if len(plan.Actions) > 0 {
		fmt.Printf("%s Planned actions:\n", ui.RenderAccent("→"))
		for _, action := range plan.Actions {
			fmt.Printf("   %s\n", action)
		}
	}
	for _, stale := range plan.Report.StaleURLs {
		fmt.Printf("   fix origin of %s/%s (still points at %s)\n",
			stale.Org, stale.Repo, stale.Current)
	}
	printReport(&plan.Report)
}

func printBatchResult(result *engine.BatchResult) {
	elapsed := result.Duration.Round(time.Millisecond)

	if result.Planned == 0 && result.URLsFixed == 0 {
		fmt.Printf("%s Everything in sync (%v)\n", ui.RenderPass("✓"), elapsed)
	} else {
		marker := ui.RenderPass("✓")
		if result.Failed > 0 {
			marker = ui.RenderFail("✗")
		}
		fmt.Printf("%s Sync complete in %v\n", marker, elapsed)
		fmt.Printf("   Planned: %d\n", result.Planned)
		fmt.Printf("   Committed: %d\n", result.Committed)
		if result.Failed > 0 {
			fmt.Printf("   Failed: %d\n", result.Failed)
		}
		if result.Skipped > 0 {
			fmt.Printf("   Skipped: %d\n", result.Skipped)
		}
		if result.URLsFixed > 0 {
			fmt.Printf("   Origin URLs fixed: %d\n", result.URLsFixed)
		}
	}
	printReport(&result.Report)
}

// printReport surfaces the conditions a cycle noticed but will not act
// on by itself.
func printReport(report *engine.Report) {
	for _, amb := range report.Ambiguous {
		fmt.Printf("%s %q exists under multiple %s orgs (%s); not touched\n",
			ui.RenderWarn("⚠"), amb.Name, amb.Side, strings.Join(amb.Orgs, ", "))
	}
	for _, orphan := range report.Orphaned {
		fmt.Printf("%s %s/%s has no remote counterpart in any managed org\n",
			ui.RenderWarn("⚠"), orphan.LocalOrg, orphan.Repo)
	}
	for _, org := range slices.Sorted(maps.Keys(report.SkippedOrgs)) {
		fmt.Printf("%s org %s could not be listed: %s\n",
			ui.RenderWarn("⚠"), org, report.SkippedOrgs[org])
	}
}

func init() {
	syncCmd.Flags().Bool("dry-run", false, "Show the plan without executing it")
	rootCmd.AddCommand(syncCmd)
}
