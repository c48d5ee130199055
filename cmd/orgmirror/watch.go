package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/orgmirror/orgmirror/internal/config"
	"github.com/orgmirror/orgmirror/internal/daemon"
	"github.com/orgmirror/orgmirror/internal/dashboard"
	"github.com/orgmirror/orgmirror/internal/forge"
	"github.com/orgmirror/orgmirror/internal/ui"
	"github.com/orgmirror/orgmirror/internal/watcher"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the local tree and mirror folder moves to the remote host",
	Long: `Run the orgmirror daemon.

The daemon watches every managed org directory. Moving a checkout from
one org directory to another transfers the repository to the new
organization and rewrites its origin URL. Deleting a checkout is logged
and otherwise ignored; the remote repository is never touched.

A full reconciliation cycle also runs at startup and then periodically
(sync_interval in the config), so transfers made on the remote side get
mirrored into the local layout even while watching.

Example usage:
  orgmirror watch
  orgmirror watch --log-file ~/.local/state/orgmirror.log
  orgmirror watch --dashboard 127.0.0.1:7700

With --dashboard, pipeline events stream to WebSocket clients at
ws://ADDR/ws for status pages and tooling.`,
	Run: func(cmd *cobra.Command, args []string) {
		logFile, _ := cmd.Flags().GetString("log-file")
		dashAddr, _ := cmd.Flags().GetString("dashboard")

		cfg := mustLoadConfig()

		if forge.TokenFromEnv() == "" {
			fmt.Fprintf(os.Stderr, "Error: GITHUB_TOKEN is not set\n")
			fmt.Fprintf(os.Stderr, "Watch mode transfers repositories and needs an authenticated client\n")
			os.Exit(1)
		}

		// Component logs go to stderr, or to a rotating file with --log-file.
		var logOut io.Writer
		if logFile != "" {
			logOut = &lumberjack.Logger{
				Filename:   config.ExpandHome(logFile),
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
				Compress:   true,
			}
		}
		componentLogger := func(prefix string) *log.Logger {
			if logOut != nil {
				return log.New(logOut, prefix, log.LstdFlags)
			}
			return log.New(os.Stderr, prefix, log.LstdFlags)
		}

		store := openStore(cfg)
		defer store.Close()
		eng := newEngine(cfg, store, logOut)

		wcfg := watcher.DefaultConfig()
		wcfg.Logger = componentLogger("[watcher] ")
		tw, err := watcher.New(cfg, wcfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		dcfg := daemon.DefaultConfig()
		dcfg.SyncInterval = cfg.SyncIntervalDuration()
		dcfg.Logger = componentLogger("[daemon] ")

		// Optional live dashboard.
		if dashAddr != "" {
			server := dashboard.NewServer(&dashboard.Config{
				Addr:   dashAddr,
				Logger: componentLogger("[dashboard] "),
			})
			if err := server.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
				os.Exit(1)
			}
			defer server.Stop()
			dcfg.Notifier = dashboard.NewHandler(server, dcfg.Logger)
			fmt.Printf("%s Dashboard: http://%s/ (ws://%s/ws)\n",
				ui.RenderAccent("📊"), server.GetAddr(), server.GetAddr())
		}

		d, err := daemon.NewWithConfig(eng, tw, dcfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Watching %s\n", ui.RenderAccent("👀"), cfg.BasePath)
		fmt.Printf("   Organizations: %s\n", strings.Join(cfg.Organizations, ", "))
		fmt.Printf("   Sync interval: %s\n", cfg.SyncIntervalDuration())
		if logFile != "" {
			fmt.Printf("   Log file: %s\n", config.ExpandHome(logFile))
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		// Start blocks until the context is cancelled, then drains
		// in-flight work before returning.
		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("Stopped")
	},
}

func init() {
	watchCmd.Flags().String("log-file", "", "Write component logs to a rotating file instead of stderr")
	watchCmd.Flags().String("dashboard", "", "Serve a WebSocket event dashboard on ADDR (e.g. 127.0.0.1:7700)")
	rootCmd.AddCommand(watchCmd)
}
