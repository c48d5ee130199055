// Package config loads, validates, and persists the orgmirror
// configuration file.
//
// The configuration is read once at process start and handed to each
// component explicitly; nothing in this package is a mutable global.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultSyncInterval is the period, in seconds, between periodic
	// batch reconciliations in watch mode.
	DefaultSyncInterval = 300

	// MinSyncInterval is the lowest accepted sync_interval. Anything
	// shorter hammers the remote service for no benefit.
	MinSyncInterval = 60

	// DefaultWorkers bounds the batch-mode worker pool.
	DefaultWorkers = 4

	// DefaultHost is the hosted git service. A GitHub Enterprise host
	// may be configured instead.
	DefaultHost = "github.com"

	envPrefix = "ORGMIRROR"
)

// Config holds the process-wide settings.
type Config struct {
	// BasePath is the root of the local tree. Each managed organization
	// owns one immediate subdirectory of it.
	BasePath string `mapstructure:"base_path" yaml:"base_path"`

	// Organizations is the fixed set of managed org names.
	Organizations []string `mapstructure:"organizations" yaml:"organizations"`

	// SyncInterval is the batch reconciliation period in seconds.
	SyncInterval int `mapstructure:"sync_interval" yaml:"sync_interval"`

	// ExcludeRepos lists repository names skipped in both sync directions.
	ExcludeRepos []string `mapstructure:"exclude_repos" yaml:"exclude_repos"`

	// AutoUpdateRemotes rewrites a repo's origin URL after its owning
	// organization changes.
	AutoUpdateRemotes bool `mapstructure:"auto_update_remotes" yaml:"auto_update_remotes"`

	// CloneProtocol selects the URL style for clones and rewritten
	// remotes: "ssh" or "https".
	CloneProtocol string `mapstructure:"clone_protocol" yaml:"clone_protocol"`

	// Host is the git service hostname.
	Host string `mapstructure:"host" yaml:"host"`

	// Workers is the batch-mode worker pool size.
	Workers int `mapstructure:"workers" yaml:"workers"`

	// StatePath locates the reconciliation state database. Empty means
	// "state.db next to the config file".
	StatePath string `mapstructure:"state_path" yaml:"state_path,omitempty"`
}

// Default returns a configuration populated with defaults. Organizations
// is left empty and must be filled in before Validate passes.
func Default() *Config {
	return &Config{
		BasePath:          "~/Projects/orgs",
		SyncInterval:      DefaultSyncInterval,
		ExcludeRepos:      []string{".github"},
		AutoUpdateRemotes: true,
		CloneProtocol:     "ssh",
		Host:              DefaultHost,
		Workers:           DefaultWorkers,
	}
}

// DefaultPath returns the standard config file location,
// typically ~/.config/orgmirror/config.yaml.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "orgmirror", "config.yaml"), nil
}

// Load reads the config file at path, applying defaults for missing keys
// and ORGMIRROR_* environment overrides. BasePath and StatePath come back
// expanded and absolute-ish (home expanded, not symlink-resolved).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("base_path", def.BasePath)
	v.SetDefault("organizations", def.Organizations)
	v.SetDefault("sync_interval", def.SyncInterval)
	v.SetDefault("exclude_repos", def.ExcludeRepos)
	v.SetDefault("auto_update_remotes", def.AutoUpdateRemotes)
	v.SetDefault("clone_protocol", def.CloneProtocol)
	v.SetDefault("host", def.Host)
	v.SetDefault("workers", def.Workers)
	v.SetDefault("state_path", "")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.BasePath = ExpandHome(cfg.BasePath)
	if cfg.StatePath == "" {
		cfg.StatePath = filepath.Join(filepath.Dir(path), "state.db")
	} else {
		cfg.StatePath = ExpandHome(cfg.StatePath)
	}
	return &cfg, nil
}

// Save writes the config as YAML via a temp file and rename, so a crash
// mid-write never leaves a truncated config behind.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("install config: %w", err)
	}
	return nil
}

// Validate reports every problem with the configuration at once rather
// than stopping at the first.
func (c *Config) Validate() error {
	var problems []string
	if c.BasePath == "" {
		problems = append(problems, "base_path must be set")
	}
	if len(c.Organizations) == 0 {
		problems = append(problems, "at least one organization must be configured")
	}
	for _, org := range c.Organizations {
		if strings.TrimSpace(org) == "" {
			problems = append(problems, "organization names must not be blank")
			break
		}
	}
	if c.SyncInterval < MinSyncInterval {
		problems = append(problems, fmt.Sprintf("sync_interval must be at least %d seconds", MinSyncInterval))
	}
	if c.CloneProtocol != "ssh" && c.CloneProtocol != "https" {
		problems = append(problems, fmt.Sprintf("clone_protocol must be ssh or https, got %q", c.CloneProtocol))
	}
	if c.Host == "" {
		problems = append(problems, "host must be set")
	}
	if c.Workers < 1 {
		problems = append(problems, "workers must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// OrgPath returns the local directory owned by org.
func (c *Config) OrgPath(org string) string {
	return filepath.Join(c.BasePath, org)
}

// RepoPath returns the expected local path of a repo under org.
func (c *Config) RepoPath(org, name string) string {
	return filepath.Join(c.BasePath, org, name)
}

// HasOrganization reports whether org is in the managed set.
func (c *Config) HasOrganization(org string) bool {
	return slices.Contains(c.Organizations, org)
}

// IsExcluded reports whether a repo name is configured to be skipped.
func (c *Config) IsExcluded(name string) bool {
	return slices.Contains(c.ExcludeRepos, name)
}

// AddOrganization appends org to the managed set. Returns false if it
// was already present.
func (c *Config) AddOrganization(org string) bool {
	if c.HasOrganization(org) {
		return false
	}
	c.Organizations = append(c.Organizations, org)
	return true
}

// RemoveOrganization drops org from the managed set. Returns false if it
// was not present.
func (c *Config) RemoveOrganization(org string) bool {
	i := slices.Index(c.Organizations, org)
	if i < 0 {
		return false
	}
	c.Organizations = slices.Delete(c.Organizations, i, i+1)
	return true
}

// SyncIntervalDuration is SyncInterval as a time-typed value for tickers.
func (c *Config) SyncIntervalDuration() time.Duration {
	return time.Duration(c.SyncInterval) * time.Second
}

// ExpandHome replaces a leading ~ with the current user's home directory.
// Paths without the prefix come back unchanged.
func ExpandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		if p == "~" {
			return home
		}
		return filepath.Join(home, p[2:])
	}
	return p
}
