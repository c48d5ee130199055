package engine

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/orgmirror/orgmirror/internal/forge"
	"github.com/orgmirror/orgmirror/internal/scanner"
	"github.com/orgmirror/orgmirror/internal/state"
)

func localRef(org, name, owner string) scanner.LocalRepoRef {
	return scanner.LocalRepoRef{
		Path:        filepath.Join("/tmp/orgs", org, name),
		Org:         org,
		Name:        name,
		RemoteOwner: owner,
	}
}

func snapWith(refs ...scanner.LocalRepoRef) *scanner.Snapshot {
	snap := &scanner.Snapshot{
		Repos:          make(map[string]map[string]scanner.LocalRepoRef),
		MarkerExcluded: make(map[string]bool),
	}
	for _, ref := range refs {
		if snap.Repos[ref.Org] == nil {
			snap.Repos[ref.Org] = make(map[string]scanner.LocalRepoRef)
		}
		snap.Repos[ref.Org][ref.Name] = ref
	}
	return snap
}

func remoteWith(orgs map[string][]string) RemoteState {
	rs := RemoteState{
		Repos:  make(map[string][]forge.RepoInfo),
		Errors: make(map[string]error),
	}
	for org, names := range orgs {
		repos := make([]forge.RepoInfo, 0, len(names))
		for _, name := range names {
			repos = append(repos, forge.RepoInfo{Name: name, Owner: org})
		}
		rs.Repos[org] = repos
	}
	return rs
}

func noExclusions(string) bool { return false }

// TestBuildPlan_Converged tests that matching sides plan nothing.
func TestBuildPlan_Converged(t *testing.T) {
	snap := snapWith(localRef("org-a", "api", "org-a"))
	remote := remoteWith(map[string][]string{"org-a": {"api"}})

	plan := BuildPlan(snap, remote, noExclusions)

	if !plan.IsClean() {
		t.Errorf("IsClean() = false for converged state: %+v", plan.Report)
	}
	if len(plan.Actions) != 0 {
		t.Errorf("actions = %v, want none", plan.Actions)
	}
}

// TestBuildPlan_DriftBecomesMove tests that a repo under the wrong org
// directory plans exactly one local move toward the remote owner.
func TestBuildPlan_DriftBecomesMove(t *testing.T) {
	snap := snapWith(localRef("org-a", "api", "org-a"))
	remote := remoteWith(map[string][]string{
		"org-a": {},
		"org-b": {"api"},
	})

	plan := BuildPlan(snap, remote, noExclusions)

	if len(plan.Actions) != 1 {
		t.Fatalf("actions = %v, want one move", plan.Actions)
	}
	got := plan.Actions[0]
	want := state.MoveLocal("api", "org-a", "org-b")
	if got != want {
		t.Errorf("action = %+v, want %+v", got, want)
	}
	if len(plan.Report.Drifted) != 1 || plan.Report.Drifted[0].RemoteOrg != "org-b" {
		t.Errorf("drifted = %+v, want api toward org-b", plan.Report.Drifted)
	}
	if !strings.Contains(plan.Report.Summary(), "drifted=1") {
		t.Errorf("summary %q does not count the drift", plan.Report.Summary())
	}
}

// TestBuildPlan_MissingBecomesClone tests that a remote-only repo plans
// a clone into the owning org's directory.
func TestBuildPlan_MissingBecomesClone(t *testing.T) {
	snap := snapWith()
	remote := remoteWith(map[string][]string{"org-a": {"web"}})

	plan := BuildPlan(snap, remote, noExclusions)

	if len(plan.Actions) != 1 {
		t.Fatalf("actions = %v, want one clone", plan.Actions)
	}
	if got, want := plan.Actions[0], state.CloneLocal("web", "org-a"); got != want {
		t.Errorf("action = %+v, want %+v", got, want)
	}
	if len(plan.Report.Missing) != 1 || plan.Report.Missing[0].Org != "org-a" {
		t.Errorf("missing = %+v, want web in org-a", plan.Report.Missing)
	}
}

// TestBuildPlan_LocalOnlyBecomesOrphanReport tests that a repo absent
// from every fully-listed org is reported, never moved or deleted.
func TestBuildPlan_LocalOnlyBecomesOrphanReport(t *testing.T) {
	snap := snapWith(localRef("org-a", "legacy", "org-a"))
	remote := remoteWith(map[string][]string{"org-a": {}, "org-b": {}})

	plan := BuildPlan(snap, remote, noExclusions)

	if len(plan.Actions) != 1 {
		t.Fatalf("actions = %v, want one orphan report", plan.Actions)
	}
	if got, want := plan.Actions[0], state.ReportOrphan("legacy", "org-a"); got != want {
		t.Errorf("action = %+v, want %+v", got, want)
	}
	if len(plan.Report.Orphaned) != 1 {
		t.Errorf("orphaned = %+v, want legacy", plan.Report.Orphaned)
	}
}

// TestBuildPlan_UnknownOrgSuppressesOrphans tests that a failed org
// listing blocks every orphan conclusion this cycle: the repo may live
// in the org that did not answer.
func TestBuildPlan_UnknownOrgSuppressesOrphans(t *testing.T) {
	snap := snapWith(localRef("org-a", "stray", "org-a"))
	remote := remoteWith(map[string][]string{"org-a": {}})
	remote.Errors["org-b"] = errors.New("503 listing org-b")

	plan := BuildPlan(snap, remote, noExclusions)

	if len(plan.Actions) != 0 {
		t.Errorf("actions = %v, want none while an org is unknown", plan.Actions)
	}
	if len(plan.Report.Orphaned) != 0 {
		t.Errorf("orphaned = %+v, want none", plan.Report.Orphaned)
	}
	if plan.Report.SkippedOrgs["org-b"] == "" {
		t.Error("skipped orgs does not carry the listing error")
	}
	if plan.IsClean() {
		t.Error("IsClean() = true with an unlistable org")
	}
}

// TestBuildPlan_ExcludedRepoSkipped tests that config exclusions stop
// both moves and orphan reports.
func TestBuildPlan_ExcludedRepoSkipped(t *testing.T) {
	snap := snapWith(
		localRef("org-a", "secret", "org-a"),
		localRef("org-a", "notes", "org-a"),
	)
	remote := remoteWith(map[string][]string{
		"org-a": {},
		"org-b": {"secret"},
	})
	excluded := func(name string) bool { return name == "secret" || name == "notes" }

	plan := BuildPlan(snap, remote, excluded)

	if len(plan.Actions) != 0 {
		t.Errorf("actions = %v, want none", plan.Actions)
	}
	if len(plan.Report.Excluded) != 1 || plan.Report.Excluded[0] != "secret" {
		t.Errorf("excluded = %v, want [secret]", plan.Report.Excluded)
	}
}

// TestBuildPlan_MarkerExcludedBlocksClone tests that a marker-excluded
// working copy suppresses the clone its remote twin would otherwise
// trigger; the clone would land on top of the opted-out directory.
func TestBuildPlan_MarkerExcludedBlocksClone(t *testing.T) {
	snap := snapWith()
	snap.MarkerExcluded["docs"] = true
	remote := remoteWith(map[string][]string{"org-a": {"docs"}})

	plan := BuildPlan(snap, remote, noExclusions)

	if len(plan.Actions) != 0 {
		t.Errorf("actions = %v, want none", plan.Actions)
	}
	if len(plan.Report.Excluded) != 1 || plan.Report.Excluded[0] != "docs" {
		t.Errorf("excluded = %v, want [docs]", plan.Report.Excluded)
	}
}

// TestBuildPlan_LocalDuplicateReportedNotActed tests that a name under
// two org directories is flagged and every action on it withheld.
func TestBuildPlan_LocalDuplicateReportedNotActed(t *testing.T) {
	snap := snapWith(
		localRef("org-a", "dup", "org-a"),
		localRef("org-b", "dup", "org-b"),
	)
	remote := remoteWith(map[string][]string{
		"org-a": {},
		"org-b": {"dup"},
	})

	plan := BuildPlan(snap, remote, noExclusions)

	if len(plan.Actions) != 0 {
		t.Errorf("actions = %v, want none", plan.Actions)
	}
	if len(plan.Report.Ambiguous) != 1 {
		t.Fatalf("ambiguous = %+v, want one entry", plan.Report.Ambiguous)
	}
	amb := plan.Report.Ambiguous[0]
	if amb.Side != "local" || amb.Name != "dup" {
		t.Errorf("ambiguity = %+v, want local dup", amb)
	}
	if len(amb.Orgs) != 2 || amb.Orgs[0] != "org-a" || amb.Orgs[1] != "org-b" {
		t.Errorf("ambiguity orgs = %v, want [org-a org-b]", amb.Orgs)
	}
}

// TestBuildPlan_RemoteDuplicateReportedNotActed tests the remote twin
// of the duplicate rule: one name owned by two managed orgs.
func TestBuildPlan_RemoteDuplicateReportedNotActed(t *testing.T) {
	snap := snapWith(localRef("org-a", "dup", "org-a"))
	remote := remoteWith(map[string][]string{
		"org-a": {"dup"},
		"org-b": {"dup"},
	})

	plan := BuildPlan(snap, remote, noExclusions)

	if len(plan.Actions) != 0 {
		t.Errorf("actions = %v, want none", plan.Actions)
	}
	if len(plan.Report.Ambiguous) != 1 {
		t.Fatalf("ambiguous = %+v, want one entry", plan.Report.Ambiguous)
	}
	amb := plan.Report.Ambiguous[0]
	if amb.Side != "remote" || len(amb.Orgs) != 2 {
		t.Errorf("ambiguity = %+v, want remote entry naming both orgs", amb)
	}
	if len(plan.Report.StaleURLs) != 0 {
		t.Errorf("stale URLs = %+v, want none for an ambiguous name", plan.Report.StaleURLs)
	}
}

// TestBuildPlan_StaleURLDetected tests that a correctly placed repo
// whose origin names a previous owner is flagged for grooming only.
func TestBuildPlan_StaleURLDetected(t *testing.T) {
	snap := snapWith(localRef("org-a", "api", "org-z"))
	remote := remoteWith(map[string][]string{"org-a": {"api"}})

	plan := BuildPlan(snap, remote, noExclusions)

	if len(plan.Actions) != 0 {
		t.Errorf("actions = %v, want none", plan.Actions)
	}
	if len(plan.Report.StaleURLs) != 1 {
		t.Fatalf("stale URLs = %+v, want one", plan.Report.StaleURLs)
	}
	stale := plan.Report.StaleURLs[0]
	if stale.Repo != "api" || stale.Org != "org-a" || stale.Current != "org-z" {
		t.Errorf("stale = %+v, want api in org-a pointing at org-z", stale)
	}
	if plan.IsClean() {
		t.Error("IsClean() = true with a stale URL outstanding")
	}
}

// TestBuildPlan_ActionOrdering tests the apply order: moves, then
// clones, then orphan reports, each sorted by repo name.
func TestBuildPlan_ActionOrdering(t *testing.T) {
	snap := snapWith(
		localRef("org-a", "zz-drift", "org-a"),
		localRef("org-a", "aa-drift", "org-a"),
		localRef("org-b", "mm-orphan", "org-b"),
	)
	remote := remoteWith(map[string][]string{
		"org-a": {"nn-missing"},
		"org-b": {"zz-drift", "aa-drift"},
	})

	plan := BuildPlan(snap, remote, noExclusions)

	want := []state.Action{
		state.MoveLocal("aa-drift", "org-a", "org-b"),
		state.MoveLocal("zz-drift", "org-a", "org-b"),
		state.CloneLocal("nn-missing", "org-a"),
		state.ReportOrphan("mm-orphan", "org-b"),
	}
	if len(plan.Actions) != len(want) {
		t.Fatalf("actions = %v, want %d entries", plan.Actions, len(want))
	}
	for i := range want {
		if plan.Actions[i] != want[i] {
			t.Errorf("actions[%d] = %+v, want %+v", i, plan.Actions[i], want[i])
		}
	}
}
