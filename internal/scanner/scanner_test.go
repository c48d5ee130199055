package scanner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"

	"github.com/orgmirror/orgmirror/internal/config"
	"github.com/orgmirror/orgmirror/internal/gitops"
)

func testConfig(base string, orgs ...string) *config.Config {
	cfg := config.Default()
	cfg.BasePath = base
	cfg.Organizations = orgs
	return cfg
}

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
		if _, err := repo.CreateRemote(&gitcfg.RemoteConfig{
			Name: gitops.OriginRemote,
			URLs: []string{url},
		}); err != nil {
			t.Fatalf("create remote: %v", err)
		}
	}
}

func TestScanClassifiesTree(t *testing.T) {
	base := t.TempDir()
	ops := gitops.New("github.com", "ssh", "")

	initRepo(t, filepath.Join(base, "orga", "widget"), "git@github.com:orga/widget.git")
	initRepo(t, filepath.Join(base, "orga", "drifted"), "git@github.com:orgb/drifted.git")
	initRepo(t, filepath.Join(base, "orgb", "gadget"), "https://github.com/orgb/gadget.git")

	// Plain directory: not a candidate.
	if err := os.MkdirAll(filepath.Join(base, "orga", "notes"), 0o755); err != nil {
		t.Fatal(err)
	}
	// Repo without a recognizable origin.
	initRepo(t, filepath.Join(base, "orgb", "foreign"), "git@gitlab.com:orgb/foreign.git")

	snap, err := New(testConfig(base, "orga", "orgb"), ops, nil).Scan()
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if snap.Count() != 3 {
		t.Errorf("Count = %d, want 3", snap.Count())
	}

	widget, ok := snap.Repos["orga"]["widget"]
	if !ok {
		t.Fatal("widget missing from snapshot")
	}
	if widget.RemoteOwner != "orga" {
		t.Errorf("widget RemoteOwner = %q, want orga", widget.RemoteOwner)
	}
	if widget.Path != filepath.Join(base, "orga", "widget") {
		t.Errorf("widget Path = %q", widget.Path)
	}

	drifted := snap.Repos["orga"]["drifted"]
	if drifted.RemoteOwner != "orgb" {
		t.Errorf("drifted RemoteOwner = %q, want orgb", drifted.RemoteOwner)
	}

	if len(snap.Unmanaged) != 2 {
		t.Fatalf("Unmanaged = %d entries, want 2: %+v", len(snap.Unmanaged), snap.Unmanaged)
	}
	reasons := map[string]string{}
	for _, u := range snap.Unmanaged {
		reasons[filepath.Base(u.Path)] = u.Reason
	}
	if reasons["notes"] != "no git metadata" {
		t.Errorf("notes reason = %q", reasons["notes"])
	}
	if reasons["foreign"] != "origin not recognized" {
		t.Errorf("foreign reason = %q", reasons["foreign"])
	}
}

func TestScanMissingOrgDirIsEmpty(t *testing.T) {
	base := t.TempDir()
	ops := gitops.New("github.com", "ssh", "")

	initRepo(t, filepath.Join(base, "orga", "widget"), "git@github.com:orga/widget.git")

	snap, err := New(testConfig(base, "orga", "nonexistent"), ops, nil).Scan()
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	repos, ok := snap.Repos["nonexistent"]
	if !ok {
		t.Fatal("missing org should still appear in the snapshot")
	}
	if len(repos) != 0 {
		t.Errorf("missing org has %d repos, want 0", len(repos))
	}
}

func TestScanHonorsMarkerExclude(t *testing.T) {
	base := t.TempDir()
	ops := gitops.New("github.com", "ssh", "")

	path := filepath.Join(base, "orga", "scratch")
	initRepo(t, path, "git@github.com:orga/scratch.git")
	marker := "exclude = true\nnote = \"local experiments only\"\n"
	if err := os.WriteFile(filepath.Join(path, MarkerFile), []byte(marker), 0o644); err != nil {
		t.Fatal(err)
	}

	snap, err := New(testConfig(base, "orga"), ops, nil).Scan()
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if _, ok := snap.Repos["orga"]["scratch"]; ok {
		t.Error("marker-excluded repo present in snapshot")
	}
	if !snap.MarkerExcluded["scratch"] {
		t.Error("scratch missing from MarkerExcluded")
	}
}

func TestScanRejectsMalformedMarker(t *testing.T) {
	base := t.TempDir()
	ops := gitops.New("github.com", "ssh", "")

	path := filepath.Join(base, "orga", "broken")
	initRepo(t, path, "git@github.com:orga/broken.git")
	if err := os.WriteFile(filepath.Join(path, MarkerFile), []byte("exclude = maybe\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := New(testConfig(base, "orga"), ops, nil).Scan(); err == nil {
		t.Fatal("Scan should fail on a malformed marker")
	}
}

func TestSnapshotByNameAndDuplicates(t *testing.T) {
	base := t.TempDir()
	ops := gitops.New("github.com", "ssh", "")

	initRepo(t, filepath.Join(base, "orga", "widget"), "git@github.com:orga/widget.git")
	initRepo(t, filepath.Join(base, "orgb", "widget"), "git@github.com:orgb/widget.git")
	initRepo(t, filepath.Join(base, "orgb", "gadget"), "git@github.com:orgb/gadget.git")

	snap, err := New(testConfig(base, "orga", "orgb"), ops, nil).Scan()
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	refs := snap.ByName("widget")
	if len(refs) != 2 {
		t.Fatalf("ByName(widget) = %d refs, want 2", len(refs))
	}
	if refs[0].Org != "orga" || refs[1].Org != "orgb" {
		t.Errorf("ByName order = %s, %s", refs[0].Org, refs[1].Org)
	}

	dups := snap.DuplicateNames()
	if len(dups) != 1 || dups[0] != "widget" {
		t.Errorf("DuplicateNames = %v, want [widget]", dups)
	}
}

func TestReadMarkerMissingFile(t *testing.T) {
	m, err := ReadMarker(t.TempDir())
	if err != nil {
		t.Fatalf("ReadMarker on empty dir failed: %v", err)
	}
	if m.Exclude {
		t.Error("zero marker should not exclude")
	}
}
