package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/orgmirror/orgmirror/internal/forge"
	"github.com/orgmirror/orgmirror/internal/state"
)

// ErrBatchActive is returned when a batch cycle is requested while a
// previous one is still running. The caller skips, never queues: the
// running cycle already sees the latest remote state.
var ErrBatchActive = errors.New("batch sync already running")

// BatchResult summarizes one reconciliation cycle.
type BatchResult struct {
	Planned   int           `json:"planned"`
	Committed int           `json:"committed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	URLsFixed int           `json:"urls_fixed"`
	Duration  time.Duration `json:"duration"`
	Report    Report        `json:"report"`
}

// RunBatch performs one full reconciliation cycle: scan the local tree,
// list every managed org, plan, and apply. Overlapping calls return
// ErrBatchActive.
func (e *Engine) RunBatch(ctx context.Context) (*BatchResult, error) {
	e.batchMu.Lock()
	if e.batchActive {
		e.batchMu.Unlock()
		return nil, ErrBatchActive
	}
	e.batchActive = true
	e.batchMu.Unlock()
	defer func() {
		e.batchMu.Lock()
		e.batchActive = false
		e.batchMu.Unlock()
	}()

	started := time.Now()
	e.logger.Printf("Batch sync started")

	snap, err := e.scanner.Scan()
	if err != nil {
		return nil, err
	}

	remote := e.listRemote(ctx)
	plan := BuildPlan(snap, remote, e.cfg.IsExcluded)
	e.logger.Printf("Plan: %s", plan.Report.Summary())

	result := &BatchResult{
		Planned: len(plan.Actions),
		Report:  plan.Report,
	}

	e.applyStaleURLs(plan, result)
	e.applyActions(ctx, plan.Actions, result)

	if err := e.store.SetLastSyncAt(time.Now().UTC()); err != nil {
		e.logger.Printf("WARNING: failed to record sync time: %v", err)
	}

	result.Duration = time.Since(started)
	e.logger.Printf("Batch sync finished in %s: planned=%d committed=%d failed=%d skipped=%d urls_fixed=%d",
		result.Duration.Round(time.Millisecond), result.Planned, result.Committed,
		result.Failed, result.Skipped, result.URLsFixed)
	return result, nil
}

// BatchRunning reports whether a cycle is currently executing.
func (e *Engine) BatchRunning() bool {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()
	return e.batchActive
}

// Preview computes a plan without applying any of it.
func (e *Engine) Preview(ctx context.Context) (*Plan, error) {
	snap, err := e.scanner.Scan()
	if err != nil {
		return nil, err
	}
	remote := e.listRemote(ctx)
	return BuildPlan(snap, remote, e.cfg.IsExcluded), nil
}

// listRemote lists every managed org, retrying transient failures. An
// org that still fails is recorded as unknown for this cycle; its
// contents are never assumed empty.
func (e *Engine) listRemote(ctx context.Context) RemoteState {
	rs := RemoteState{
		Repos:  make(map[string][]forge.RepoInfo),
		Errors: make(map[string]error),
	}
	for _, org := range e.cfg.Organizations {
		var repos []forge.RepoInfo
		err := e.withRetry(ctx, "list "+org, forge.IsTransient, func() error {
			var err error
			repos, err = e.client.ListRepos(ctx, org)
			return err
		})
		if err != nil {
			e.logger.Printf("WARNING: could not list %s; treating its contents as unknown this cycle: %v", org, err)
			rs.Errors[org] = err
			continue
		}
		rs.Repos[org] = repos
	}
	return rs
}

// applyStaleURLs repairs origin remotes that still point at a previous
// owner. Pure local rewrites; no records kept.
func (e *Engine) applyStaleURLs(plan *Plan, result *BatchResult) {
	if !e.cfg.AutoUpdateRemotes {
		return
	}
	for _, stale := range plan.Report.StaleURLs {
		lock := e.lockRepo(stale.Repo)
		lock.Lock()
		err := e.git.SetRemoteURL(stale.Path, e.git.URL(stale.Org, stale.Repo))
		lock.Unlock()
		if err != nil {
			e.logger.Printf("WARNING: failed to update origin for %s: %v", stale.Path, err)
			continue
		}
		e.logger.Printf("Updated origin of %s: %s -> %s", stale.Repo, stale.Current, stale.Org)
		result.URLsFixed++
	}
}

// applyActions executes the plan with a bounded worker pool. Each
// action touches a distinct repo, but the per-repo lock is still taken:
// watch-mode events run concurrently with batch workers.
func (e *Engine) applyActions(ctx context.Context, actions []state.Action, result *BatchResult) {
	if len(actions) == 0 {
		return
	}

	workers := e.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(actions) {
		workers = len(actions)
	}

	jobs := make(chan state.Action)
	var resMu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for action := range jobs {
				outcome := e.executeAction(ctx, action)
				resMu.Lock()
				switch outcome {
				case outcomeCommitted:
					result.Committed++
				case outcomeFailed:
					result.Failed++
				case outcomeSkipped:
					result.Skipped++
				}
				resMu.Unlock()
			}
		}()
	}

	for _, action := range actions {
		jobs <- action
	}
	close(jobs)
	wg.Wait()
}

type actionOutcome int

const (
	outcomeCommitted actionOutcome = iota
	outcomeFailed
	outcomeSkipped
)

// executeAction persists and runs one planned action.
func (e *Engine) executeAction(ctx context.Context, action state.Action) actionOutcome {
	if ctx.Err() != nil {
		return outcomeSkipped
	}

	if detail, ok := e.haltedDetail(action.Repo); ok {
		e.logger.Printf("Skipping %s: %s", action, detail)
		return outcomeSkipped
	}

	// Orphans are reported exactly once per (repo, org) pair; a record
	// from any earlier cycle, whatever its state, suppresses a new one.
	if action.Kind == state.KindReportOrphan {
		seen, err := e.store.HasRecordForKey(action.Key())
		if err != nil {
			e.logger.Printf("WARNING: failed to check orphan history for %s: %v", action.Repo, err)
			return outcomeSkipped
		}
		if seen {
			return outcomeSkipped
		}
	}

	lock := e.lockRepo(action.Repo)
	lock.Lock()
	defer lock.Unlock()

	rec, err := e.store.CreateAction(action)
	if errors.Is(err, state.ErrActionActive) {
		e.logger.Printf("Skipping %s: repo already has an action in flight", action)
		return outcomeSkipped
	}
	if err != nil {
		e.logger.Printf("WARNING: failed to record %s: %v", action, err)
		return outcomeFailed
	}

	if err := e.runRecord(ctx, rec); err != nil {
		return outcomeFailed
	}
	return outcomeCommitted
}
