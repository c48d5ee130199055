package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orgmirror/orgmirror/internal/state"
	"github.com/orgmirror/orgmirror/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past reconciliation actions",
	Long: `Show the persisted action journal, newest first.

Every transfer, move, and clone orgmirror performs is recorded with its
lifecycle state, so the journal answers "what did orgmirror do to this
repo and when". Use --export to write the journal as JSON Lines for
archival, and --import to merge a journal from another machine
(records already present are skipped).`,
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		exportPath, _ := cmd.Flags().GetString("export")
		importPath, _ := cmd.Flags().GetString("import")

		cfg := mustLoadConfig()
		store := openStore(cfg)
		defer store.Close()

		if exportPath != "" {
			count, err := store.ExportJSONL(exportPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s Exported %d records to %s\n", ui.RenderPass("✓"), count, exportPath)
			return
		}

		if importPath != "" {
			result, err := store.ImportJSONL(importPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s Imported %d records (%d already present)\n",
				ui.RenderPass("✓"), result.Imported, result.Skipped)
			for _, line := range result.Errors {
				fmt.Printf("%s %s\n", ui.RenderWarn("⚠"), line)
			}
			return
		}

		recs, err := store.Recent(limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(recs) == 0 {
			fmt.Println("No recorded actions yet")
			return
		}

		for _, rec := range recs {
			fmt.Printf("%s %s  %-11s %s\n",
				stateMarker(rec.State),
				ui.RenderDim(rec.UpdatedAt.Local().Format("Jan 02 15:04")),
				rec.State,
				rec.Action)
			if rec.State == state.StateFailed && rec.Reason != "" {
				fmt.Printf("     %s\n", ui.RenderDim(rec.Reason))
			}
		}
	},
}

func stateMarker(s state.ActionState) string {
	switch s {
	case state.StateCommitted:
		return ui.RenderPass("✓")
	case state.StateFailed:
		return ui.RenderFail("✗")
	default:
		return ui.RenderAccent("…")
	}
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum records to show (0 for all)")
	historyCmd.Flags().String("export", "", "Export the journal to FILE as JSON Lines")
	historyCmd.Flags().String("import", "", "Merge a JSON Lines journal from FILE")
	rootCmd.AddCommand(historyCmd)
}
