package engine

import (
	"fmt"
	"slices"

	"github.com/orgmirror/orgmirror/internal/forge"
	"github.com/orgmirror/orgmirror/internal/scanner"
	"github.com/orgmirror/orgmirror/internal/state"
)

// RemoteState holds one reconciliation cycle's view of the remote host.
// An org missing from Repos but present in Errors is unknown this
// cycle: its repos are neither absent nor present, and nothing may be
// planned from its silence.
type RemoteState struct {
	Repos  map[string][]forge.RepoInfo
	Errors map[string]error
}

// Drift is a repo whose local directory disagrees with remote ownership.
type Drift struct {
	Repo      string `json:"repo"`
	LocalOrg  string `json:"local_org"`
	RemoteOrg string `json:"remote_org"`
}

// Missing is a repo present remotely with no local copy.
type Missing struct {
	Repo string `json:"repo"`
	Org  string `json:"org"`
}

// Orphan is a local repo with no counterpart in any managed org.
type Orphan struct {
	Repo     string `json:"repo"`
	LocalOrg string `json:"local_org"`
}

// Ambiguity is a repo name that appears in more than one place on the
// same side. Ambiguous repos are reported and never acted on.
type Ambiguity struct {
	Name string   `json:"name"`
	Orgs []string `json:"orgs"`
	Side string   `json:"side"` // "local" or "remote"
}

// StaleURL is a repo in the right directory whose origin remote still
// points at a previous owner.
type StaleURL struct {
	Repo    string `json:"repo"`
	Org     string `json:"org"`
	Path    string `json:"path"`
	Current string `json:"current_owner"`
}

// Report is the read-only half of a plan: everything a cycle noticed,
// including conditions it deliberately does not act on.
type Report struct {
	Drifted     []Drift           `json:"drifted_repos"`
	Missing     []Missing         `json:"missing_repos"`
	Orphaned    []Orphan          `json:"orphaned_repos"`
	Ambiguous   []Ambiguity       `json:"ambiguous_repos"`
	StaleURLs   []StaleURL        `json:"stale_urls,omitempty"`
	Excluded    []string          `json:"excluded_repos,omitempty"`
	SkippedOrgs map[string]string `json:"skipped_orgs,omitempty"`
}

// Plan is the outcome of comparing a local snapshot with remote state.
// Actions is ordered: moves first, then clones, then orphan reports,
// each group sorted by repo name for stable runs.
type Plan struct {
	Actions []state.Action
	Report  Report
}

// IsClean reports whether the cycle found nothing to do and nothing to flag.
func (p *Plan) IsClean() bool {
	r := p.Report
	return len(p.Actions) == 0 && len(r.Ambiguous) == 0 &&
		len(r.StaleURLs) == 0 && len(r.SkippedOrgs) == 0
}

// BuildPlan computes the batch actions that make the local tree agree
// with remote org placement. Remote placement wins every disagreement;
// local copies are moved or added, never deleted.
func BuildPlan(snap *scanner.Snapshot, remote RemoteState, excluded func(string) bool) *Plan {
	plan := &Plan{}
	report := &plan.Report

	for org, err := range remote.Errors {
		if report.SkippedOrgs == nil {
			report.SkippedOrgs = make(map[string]string)
		}
		report.SkippedOrgs[org] = err.Error()
	}

	skip := make(map[string]bool)

	// Local duplicates first: a name in two org directories has no
	// single "from" side, so every action on it is unsafe.
	for _, name := range snap.DuplicateNames() {
		var orgs []string
		for _, ref := range snap.ByName(name) {
			orgs = append(orgs, ref.Org)
		}
		slices.Sort(orgs)
		report.Ambiguous = append(report.Ambiguous, Ambiguity{Name: name, Orgs: orgs, Side: "local"})
		skip[name] = true
	}

	// Remote duplicates: the same name owned by two managed orgs.
	remoteHome := make(map[string]string)
	remoteInfo := make(map[string]forge.RepoInfo)
	for _, org := range sortedKeys(remote.Repos) {
		for _, info := range remote.Repos[org] {
			if prev, ok := remoteHome[info.Name]; ok {
				report.Ambiguous = append(report.Ambiguous, Ambiguity{
					Name: info.Name,
					Orgs: []string{prev, org},
					Side: "remote",
				})
				skip[info.Name] = true
				continue
			}
			remoteHome[info.Name] = org
			remoteInfo[info.Name] = info
		}
	}

	// Remote side drives moves and clones.
	for _, name := range sortedKeys(remoteHome) {
		org := remoteHome[name]
		if skip[name] {
			continue
		}
		if excluded(name) || snap.MarkerExcluded[name] {
			report.Excluded = append(report.Excluded, name)
			continue
		}

		refs := snap.ByName(name)
		if len(refs) == 0 {
			report.Missing = append(report.Missing, Missing{Repo: name, Org: org})
			plan.Actions = append(plan.Actions, state.CloneLocal(name, org))
			continue
		}

		ref := refs[0]
		if ref.Org == org {
			if ref.RemoteOwner != org {
				report.StaleURLs = append(report.StaleURLs, StaleURL{
					Repo:    name,
					Org:     org,
					Path:    ref.Path,
					Current: ref.RemoteOwner,
				})
			}
			continue
		}

		report.Drifted = append(report.Drifted, Drift{Repo: name, LocalOrg: ref.Org, RemoteOrg: org})
		plan.Actions = append(plan.Actions, state.MoveLocal(name, ref.Org, org))
	}

	// Local-only repos are orphans, but only when every org answered:
	// a repo absent from a partial view may simply live in the org we
	// could not list.
	if len(remote.Errors) == 0 {
		for _, org := range sortedKeys(snap.Repos) {
			for _, name := range sortedKeys(snap.Repos[org]) {
				if skip[name] {
					continue
				}
				if _, ok := remoteHome[name]; ok {
					continue
				}
				if excluded(name) || snap.MarkerExcluded[name] {
					continue
				}
				report.Orphaned = append(report.Orphaned, Orphan{Repo: name, LocalOrg: org})
				plan.Actions = append(plan.Actions, state.ReportOrphan(name, org))
			}
		}
	}

	slices.Sort(report.Excluded)
	orderActions(plan.Actions)
	return plan
}

// orderActions sorts moves before clones before orphan reports, each
// group by repo name.
func orderActions(actions []state.Action) {
	rank := map[state.ActionKind]int{
		state.KindMoveLocal:      0,
		state.KindCloneLocal:     1,
		state.KindReportOrphan:   2,
		state.KindTransferRemote: 3,
	}
	slices.SortFunc(actions, func(a, b state.Action) int {
		if d := rank[a.Kind] - rank[b.Kind]; d != 0 {
			return d
		}
		if a.Repo < b.Repo {
			return -1
		}
		if a.Repo > b.Repo {
			return 1
		}
		return 0
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Summary renders a one-line digest for logs.
func (r *Report) Summary() string {
	return fmt.Sprintf("drifted=%d missing=%d orphaned=%d ambiguous=%d stale_urls=%d skipped_orgs=%d",
		len(r.Drifted), len(r.Missing), len(r.Orphaned), len(r.Ambiguous),
		len(r.StaleURLs), len(r.SkippedOrgs))
}
