package gitops

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
)

func initRepo(t *testing.T, path, url string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		t.Fatalf("init repo %s: %v", path, err)
	}
	if url != "" {
		_, err = repo.CreateRemote(&gitcfg.RemoteConfig{
			Name: OriginRemote,
			URLs: []string{url},
		})
		if err != nil {
			t.Fatalf("create remote: %v", err)
		}
	}
}

func TestIsRepo(t *testing.T) {
	dir := t.TempDir()

	repoPath := filepath.Join(dir, "widget")
	initRepo(t, repoPath, "")
	if !IsRepo(repoPath) {
		t.Error("IsRepo = false for initialized repo")
	}

	plain := filepath.Join(dir, "plain")
	if err := os.MkdirAll(plain, 0o755); err != nil {
		t.Fatal(err)
	}
	if IsRepo(plain) {
		t.Error("IsRepo = true for plain directory")
	}

	// A .git file (worktree pointer) is not a managed candidate.
	fileGit := filepath.Join(dir, "linked")
	if err := os.MkdirAll(fileGit, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(fileGit, ".git"), []byte("gitdir: elsewhere"), 0o644); err != nil {
		t.Fatal(err)
	}
	if IsRepo(fileGit) {
		t.Error("IsRepo = true for .git file")
	}
}

func TestURL(t *testing.T) {
	tests := []struct {
		protocol string
		want     string
	}{
		{"ssh", "git@github.com:acme/widget.git"},
		{"https", "https://github.com/acme/widget.git"},
	}
	for _, tt := range tests {
		o := New("github.com", tt.protocol, "")
		if got := o.URL("acme", "widget"); got != tt.want {
			t.Errorf("URL(%s) = %q, want %q", tt.protocol, got, tt.want)
		}
	}
}

func TestParseOwnerRepo(t *testing.T) {
	o := New("github.com", "ssh", "")

	tests := []struct {
		name      string
		url       string
		wantOwner string
		wantRepo  string
		wantErr   bool
	}{
		{"scp ssh", "git@github.com:acme/widget.git", "acme", "widget", false},
		{"scp ssh no suffix", "git@github.com:acme/widget", "acme", "widget", false},
		{"ssh scheme", "ssh://git@github.com/acme/widget.git", "acme", "widget", false},
		{"https", "https://github.com/acme/widget.git", "acme", "widget", false},
		{"https no suffix", "https://github.com/acme/widget", "acme", "widget", false},
		{"https trailing slash", "https://github.com/acme/widget/", "acme", "widget", false},
		{"http", "http://github.com/acme/widget.git", "acme", "widget", false},
		{"dotted name", "git@github.com:acme/widget.io.git", "acme", "widget.io", false},
		{"wrong host", "git@gitlab.com:acme/widget.git", "", "", true},
		{"no path", "https://github.com/acme", "", "", true},
		{"deep path", "https://github.com/a/b/c", "", "", true},
		{"bad owner", "git@github.com:-acme/widget.git", "", "", true},
		{"empty", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, repo, err := o.ParseOwnerRepo(tt.url)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseOwnerRepo(%q) succeeded, want error", tt.url)
				}
				if !errors.Is(err, ErrUnknownRemote) {
					t.Errorf("error = %v, want ErrUnknownRemote", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseOwnerRepo(%q) failed: %v", tt.url, err)
			}
			if owner != tt.wantOwner || repo != tt.wantRepo {
				t.Errorf("ParseOwnerRepo(%q) = (%q, %q), want (%q, %q)",
					tt.url, owner, repo, tt.wantOwner, tt.wantRepo)
			}
		})
	}
}

func TestParseOwnerRepoEnterpriseHost(t *testing.T) {
	o := New("git.corp.example", "ssh", "")

	owner, repo, err := o.ParseOwnerRepo("git@git.corp.example:platform/tooling.git")
	if err != nil {
		t.Fatalf("ParseOwnerRepo failed: %v", err)
	}
	if owner != "platform" || repo != "tooling" {
		t.Errorf("got (%q, %q)", owner, repo)
	}

	if _, _, err := o.ParseOwnerRepo("git@github.com:acme/widget.git"); err == nil {
		t.Error("github.com URL should not parse for an enterprise host")
	}
}

func TestRemoteOwner(t *testing.T) {
	o := New("github.com", "ssh", "")
	dir := t.TempDir()

	repoPath := filepath.Join(dir, "widget")
	initRepo(t, repoPath, "git@github.com:acme/widget.git")

	owner, err := o.RemoteOwner(repoPath)
	if err != nil {
		t.Fatalf("RemoteOwner failed: %v", err)
	}
	if owner != "acme" {
		t.Errorf("owner = %q, want acme", owner)
	}
}

func TestRemoteOwnerErrors(t *testing.T) {
	o := New("github.com", "ssh", "")
	dir := t.TempDir()

	if _, err := o.RemoteOwner(filepath.Join(dir, "missing")); !errors.Is(err, ErrNotARepo) {
		t.Errorf("missing path error = %v, want ErrNotARepo", err)
	}

	noRemote := filepath.Join(dir, "local-only")
	initRepo(t, noRemote, "")
	if _, err := o.RemoteOwner(noRemote); !errors.Is(err, ErrNoOrigin) {
		t.Errorf("no-origin error = %v, want ErrNoOrigin", err)
	}

	foreign := filepath.Join(dir, "foreign")
	initRepo(t, foreign, "git@gitlab.com:acme/widget.git")
	if _, err := o.RemoteOwner(foreign); !errors.Is(err, ErrUnknownRemote) {
		t.Errorf("foreign-host error = %v, want ErrUnknownRemote", err)
	}
}

func TestSetRemoteURL(t *testing.T) {
	o := New("github.com", "ssh", "")
	dir := t.TempDir()

	repoPath := filepath.Join(dir, "widget")
	initRepo(t, repoPath, "git@github.com:acme/widget.git")

	want := "git@github.com:other/widget.git"
	if err := o.SetRemoteURL(repoPath, want); err != nil {
		t.Fatalf("SetRemoteURL failed: %v", err)
	}
	got, err := o.RemoteURL(repoPath)
	if err != nil {
		t.Fatalf("RemoteURL failed: %v", err)
	}
	if got != want {
		t.Errorf("RemoteURL = %q, want %q", got, want)
	}
	owner, err := o.RemoteOwner(repoPath)
	if err != nil {
		t.Fatalf("RemoteOwner failed: %v", err)
	}
	if owner != "other" {
		t.Errorf("owner after rewrite = %q, want other", owner)
	}
}

func TestSetRemoteURLCreatesMissingOrigin(t *testing.T) {
	o := New("github.com", "ssh", "")
	dir := t.TempDir()

	repoPath := filepath.Join(dir, "bare-config")
	initRepo(t, repoPath, "")

	want := "git@github.com:acme/bare-config.git"
	if err := o.SetRemoteURL(repoPath, want); err != nil {
		t.Fatalf("SetRemoteURL failed: %v", err)
	}
	got, err := o.RemoteURL(repoPath)
	if err != nil {
		t.Fatalf("RemoteURL failed: %v", err)
	}
	if got != want {
		t.Errorf("RemoteURL = %q, want %q", got, want)
	}
}

func TestCloneExistingDestinationSucceeds(t *testing.T) {
	o := New("github.com", "ssh", "")
	dir := t.TempDir()

	dest := filepath.Join(dir, "acme", "widget")
	initRepo(t, dest, "git@github.com:acme/widget.git")

	// An existing repo at the destination is convergence, not failure,
	// and must short-circuit before any network use.
	if err := o.Clone(context.Background(), "acme", "widget", dest); err != nil {
		t.Fatalf("Clone onto existing repo failed: %v", err)
	}
}

func TestMoveDir(t *testing.T) {
	dir := t.TempDir()

	from := filepath.Join(dir, "orga", "widget")
	initRepo(t, from, "git@github.com:orga/widget.git")
	to := filepath.Join(dir, "orgb", "widget")

	if err := MoveDir(from, to); err != nil {
		t.Fatalf("MoveDir failed: %v", err)
	}
	if _, err := os.Stat(from); !os.IsNotExist(err) {
		t.Error("source still present after move")
	}
	if !IsRepo(to) {
		t.Error("destination is not a repo after move")
	}
}

func TestMoveDirDestinationCollision(t *testing.T) {
	dir := t.TempDir()

	from := filepath.Join(dir, "orga", "widget")
	to := filepath.Join(dir, "orgb", "widget")
	initRepo(t, from, "")
	initRepo(t, to, "")

	err := MoveDir(from, to)
	if !errors.Is(err, ErrDestExists) {
		t.Fatalf("MoveDir error = %v, want ErrDestExists", err)
	}
	if !IsRepo(from) {
		t.Error("source must be untouched after a collision")
	}
}

func TestListDirs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"alpha", "beta", ".hidden"} {
		if err := os.MkdirAll(filepath.Join(dir, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	names, err := ListDirs(dir)
	if err != nil {
		t.Fatalf("ListDirs failed: %v", err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("ListDirs = %v, want [alpha beta]", names)
	}
}
