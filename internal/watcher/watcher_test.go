package watcher

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/orgmirror/orgmirror/internal/config"
)

func testConfig(t *testing.T, orgs ...string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.BasePath = t.TempDir()
	cfg.Organizations = orgs
	for _, org := range orgs {
		if err := os.MkdirAll(cfg.OrgPath(org), 0o755); err != nil {
			t.Fatalf("MkdirAll(%s) failed: %v", org, err)
		}
	}
	return cfg
}

// fastTiming keeps the correlation machinery quick enough for tests.
func fastTiming() *Config {
	return &Config{
		CorrelationWindow: time.Second,
		SettleDelay:       100 * time.Millisecond,
		TickInterval:      20 * time.Millisecond,
		QueueSize:         64,
		Logger:            log.New(io.Discard, "", 0),
	}
}

// makeRepo creates a directory that passes the git repo probe.
func makeRepo(t *testing.T, cfg *config.Config, org, name string) string {
	t.Helper()
	path := cfg.RepoPath(org, name)
	if err := os.MkdirAll(filepath.Join(path, ".git"), 0o755); err != nil {
		t.Fatalf("MkdirAll(%s) failed: %v", path, err)
	}
	return path
}

func startWatcher(t *testing.T, cfg *config.Config) *TreeWatcher {
	t.Helper()
	w, err := New(cfg, fastTiming())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func TestTreeWatcherStartStop(t *testing.T) {
	cfg := testConfig(t, "org-a", "org-b")

	w, err := New(cfg, fastTiming())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if w.IsRunning() {
		t.Error("watcher should not be running before Start()")
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !w.IsRunning() {
		t.Error("watcher should be running after Start()")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("watcher should not be running after Stop()")
	}
}

func TestTreeWatcherStartAlreadyRunning(t *testing.T) {
	cfg := testConfig(t, "org-a")
	w := startWatcher(t, cfg)

	if err := w.Start(); err == nil {
		t.Error("second Start() should fail while running")
	}
}

func TestTreeWatcherStartMissingBasePath(t *testing.T) {
	cfg := config.Default()
	cfg.BasePath = filepath.Join(t.TempDir(), "does-not-exist")
	cfg.Organizations = []string{"org-a"}

	w, err := New(cfg, fastTiming())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := w.Start(); err == nil {
		_ = w.Stop()
		t.Fatal("Start() should fail when the base path does not exist")
	}
}

func TestTreeWatcherEmitsMoveOnRename(t *testing.T) {
	cfg := testConfig(t, "org-a", "org-b")
	makeRepo(t, cfg, "org-a", "api")
	w := startWatcher(t, cfg)

	if err := os.Rename(cfg.RepoPath("org-a", "api"), cfg.RepoPath("org-b", "api")); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	select {
	case m := <-w.Moves():
		if m.Repo != "api" || m.FromOrg != "org-a" || m.ToOrg != "org-b" {
			t.Errorf("unexpected move %v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for move")
	}
}

func TestTreeWatcherIgnoresNonRepoDirectories(t *testing.T) {
	cfg := testConfig(t, "org-a", "org-b")
	// A plain directory, no .git inside.
	notes := filepath.Join(cfg.OrgPath("org-a"), "notes")
	if err := os.MkdirAll(notes, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	w := startWatcher(t, cfg)

	if err := os.Rename(notes, filepath.Join(cfg.OrgPath("org-b"), "notes")); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	select {
	case m := <-w.Moves():
		t.Errorf("non-repo directory should not move, got %v", m)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestTreeWatcherIgnoresPlainFiles(t *testing.T) {
	cfg := testConfig(t, "org-a")
	w := startWatcher(t, cfg)

	path := filepath.Join(cfg.OrgPath("org-a"), "README.md")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	select {
	case m := <-w.Moves():
		t.Errorf("file events should be ignored, got %v", m)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestTreeWatcherDeletionProducesNoMove(t *testing.T) {
	cfg := testConfig(t, "org-a", "org-b")
	makeRepo(t, cfg, "org-a", "api")
	w := startWatcher(t, cfg)

	if err := os.RemoveAll(cfg.RepoPath("org-a", "api")); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}

	// Past the correlation window plus slack.
	select {
	case m := <-w.Moves():
		t.Errorf("deletion should not emit a move, got %v", m)
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestTreeWatcherRemoveAndRestoreSameOrg(t *testing.T) {
	cfg := testConfig(t, "org-a", "org-b")
	path := makeRepo(t, cfg, "org-a", "api")
	w := startWatcher(t, cfg)

	outside := filepath.Join(t.TempDir(), "api")
	if err := os.Rename(path, outside); err != nil {
		t.Fatalf("Rename out failed: %v", err)
	}
	if err := os.Rename(outside, path); err != nil {
		t.Fatalf("Rename back failed: %v", err)
	}

	select {
	case m := <-w.Moves():
		t.Errorf("same-org restore should be suppressed, got %v", m)
	case <-time.After(700 * time.Millisecond):
	}
}

func TestTreeWatcherPicksUpNewOrgDirectory(t *testing.T) {
	cfg := testConfig(t, "org-a")
	cfg.Organizations = []string{"org-a", "org-b"} // org-b not created yet
	makeRepo(t, cfg, "org-a", "api")
	w := startWatcher(t, cfg)

	if err := os.MkdirAll(cfg.OrgPath("org-b"), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	// Give the watcher a beat to register the new directory.
	time.Sleep(200 * time.Millisecond)

	if err := os.Rename(cfg.RepoPath("org-a", "api"), cfg.RepoPath("org-b", "api")); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	select {
	case m := <-w.Moves():
		if m.FromOrg != "org-a" || m.ToOrg != "org-b" {
			t.Errorf("unexpected move %v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for move into late-created org dir")
	}
}

func TestTreeWatcherOverflowRequestsRescan(t *testing.T) {
	cfg := testConfig(t, "org-a")

	w, err := New(cfg, fastTiming())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer w.fsw.Close()

	// Not started: drive the overflow path directly.
	w.overflow("event queue full")

	select {
	case reason := <-w.Rescans():
		if reason == "" {
			t.Error("expected a rescan reason")
		}
	default:
		t.Fatal("overflow should queue a rescan request")
	}
	if w.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", w.Dropped())
	}

	// A second overflow while one rescan is queued must not block.
	w.overflow("event queue full")
	if w.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", w.Dropped())
	}
}

func TestTreeWatcherStopClosesChannels(t *testing.T) {
	cfg := testConfig(t, "org-a")
	w, err := New(cfg, fastTiming())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	moves := w.Moves()
	errs := w.Errors()

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	select {
	case _, ok := <-moves:
		if ok {
			t.Error("moves channel should be closed after Stop()")
		}
	case <-time.After(time.Second):
		t.Error("timeout verifying moves channel closure")
	}

	select {
	case _, ok := <-errs:
		if ok {
			t.Error("errors channel should be closed after Stop()")
		}
	case <-time.After(time.Second):
		t.Error("timeout verifying errors channel closure")
	}
}
