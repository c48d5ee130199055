// Command orgmirror keeps a local tree of organization checkouts
// aligned with remote repository ownership, in both directions: moving
// a checkout between org directories transfers the repository, and
// remote transfers are mirrored back into the local layout.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/orgmirror/orgmirror/internal/config"
	"github.com/orgmirror/orgmirror/internal/engine"
	"github.com/orgmirror/orgmirror/internal/forge"
	"github.com/orgmirror/orgmirror/internal/gitops"
	"github.com/orgmirror/orgmirror/internal/scanner"
	"github.com/orgmirror/orgmirror/internal/state"
)

// Version is the current orgmirror version.
var Version = "0.3.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "orgmirror",
	Short:   "Mirror git organization layout between local folders and the remote host",
	Version: Version,
	Long: `orgmirror manages a directory tree where each subdirectory holds the
checkouts of one GitHub organization:

  ~/Projects/orgs/
    acme-platform/
      api/
      billing/
    acme-labs/
      prototype-x/

The folder layout and remote ownership are kept in agreement:

  orgmirror watch    moving a checkout between org folders transfers
                     the repository to the new organization
  orgmirror sync     repositories transferred on the remote side are
                     moved (or cloned) into the matching local folder

Local deletions are never mirrored: removing a checkout leaves the
remote repository untouched.

Authentication uses the GITHUB_TOKEN (or GH_TOKEN) environment variable.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default ~/.config/orgmirror/config.yaml)")
}

// configPath resolves the active config file location, honoring --config.
func configPath() string {
	if cfgFile != "" {
		return config.ExpandHome(cfgFile)
	}
	path, err := config.DefaultPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return path
}

// loadConfigFile reads the configuration, exiting with a pointer at
// 'orgmirror init' when none exists yet. Validation is left to the
// caller: the config subcommands must be able to open a file they are
// about to fix.
func loadConfigFile() *config.Config {
	path := configPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Error: no configuration found at %s\n", path)
		fmt.Fprintf(os.Stderr, "Run 'orgmirror init' to create one\n")
		os.Exit(1)
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// mustLoadConfig loads and validates the configuration.
func mustLoadConfig() *config.Config {
	cfg := loadConfigFile()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openStore opens the reconciliation state database and ensures its
// schema exists.
func openStore(cfg *config.Config) *state.Store {
	store, err := state.Open(cfg.StatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening state database: %v\n", err)
		os.Exit(1)
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		fmt.Fprintf(os.Stderr, "Error initializing state database: %v\n", err)
		os.Exit(1)
	}
	return store
}

// newEngine assembles the reconciliation engine and its collaborators.
// A nil logOutput keeps component logging on stderr.
func newEngine(cfg *config.Config, store *state.Store, logOutput io.Writer) *engine.Engine {
	token := forge.TokenFromEnv()
	client := forge.NewGitHub(cfg.Host, token)
	git := gitops.New(cfg.Host, cfg.CloneProtocol, token)

	var scanLogger, engLogger *log.Logger
	if logOutput != nil {
		scanLogger = log.New(logOutput, "[scanner] ", log.LstdFlags)
		engLogger = log.New(logOutput, "[engine] ", log.LstdFlags)
	}
	sc := scanner.New(cfg, git, scanLogger)
	return engine.New(cfg, client, git, sc, store, engLogger)
}
