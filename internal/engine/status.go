package engine

import (
	"context"
	"time"

	"github.com/orgmirror/orgmirror/internal/state"
)

// Status is the operator-facing snapshot: what disagrees right now,
// what failed and needs a human, and when the last cycle ran.
type Status struct {
	GeneratedAt   time.Time             `json:"generated_at"`
	LastSyncAt    time.Time             `json:"last_sync_at"`
	BatchRunning  bool                  `json:"batch_running"`
	LocalRepos    int                   `json:"local_repos"`
	Report        Report                `json:"report"`
	ActiveActions []*state.ActionRecord `json:"active_actions,omitempty"`
	FailedActions []*state.ActionRecord `json:"failed_actions,omitempty"`
}

// Clean reports whether nothing needs attention: no drift, no orphans,
// no ambiguity, no failed actions, and every org answered.
func (s *Status) Clean() bool {
	r := s.Report
	return len(r.Drifted) == 0 &&
		len(r.Missing) == 0 &&
		len(r.Orphaned) == 0 &&
		len(r.Ambiguous) == 0 &&
		len(r.SkippedOrgs) == 0 &&
		len(s.FailedActions) == 0
}

// Status computes a fresh snapshot without changing anything. The
// remote is consulted read-only; orgs that cannot be listed appear in
// Report.SkippedOrgs rather than as false drift.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	snap, err := e.scanner.Scan()
	if err != nil {
		return nil, err
	}
	remote := e.listRemote(ctx)
	plan := BuildPlan(snap, remote, e.cfg.IsExcluded)

	st := &Status{
		GeneratedAt:  time.Now().UTC(),
		BatchRunning: e.BatchRunning(),
		LocalRepos:   snap.Count(),
		Report:       plan.Report,
	}

	if st.LastSyncAt, err = e.store.LastSyncAt(); err != nil {
		return nil, err
	}
	if st.ActiveActions, err = e.store.Unfinished(); err != nil {
		return nil, err
	}
	if st.FailedActions, err = e.store.Failed(0); err != nil {
		return nil, err
	}
	return st, nil
}
