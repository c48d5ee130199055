// Package engine reconciles local repo placement with remote org
// ownership. It runs in two directions: watch-mode moves propagate a
// local directory move to the remote host as an ownership transfer,
// and batch-mode cycles reshape the local tree to match the remote.
//
// The remote host is authoritative in batch mode. The engine moves and
// adds local copies but never deletes them; local-only repos are
// reported as orphans and left alone.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/orgmirror/orgmirror/internal/config"
	"github.com/orgmirror/orgmirror/internal/forge"
	"github.com/orgmirror/orgmirror/internal/gitops"
	"github.com/orgmirror/orgmirror/internal/scanner"
	"github.com/orgmirror/orgmirror/internal/state"
)

// GitOps is the slice of local git functionality the engine drives.
// *gitops.Ops satisfies it.
type GitOps interface {
	URL(org, name string) string
	Clone(ctx context.Context, org, name, dest string) error
	SetRemoteURL(path, url string) error
}

// Options tune retry and polling behavior. Zero values take defaults.
type Options struct {
	// MaxAttempts bounds retries of operations that failed transiently.
	MaxAttempts int

	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration

	// BackoffCap bounds the per-attempt delay.
	BackoffCap time.Duration

	// TransferPollInterval is how often a requested transfer is checked
	// for completion.
	TransferPollInterval time.Duration

	// TransferPollTimeout bounds how long a requested transfer may stay
	// unconfirmed before the record fails.
	TransferPollTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.TransferPollInterval <= 0 {
		o.TransferPollInterval = 2 * time.Second
	}
	if o.TransferPollTimeout <= 0 {
		o.TransferPollTimeout = 2 * time.Minute
	}
}

// Engine coordinates the scanner, the remote client, local git
// operations, and the action store.
type Engine struct {
	cfg     *config.Config
	client  forge.Client
	git     GitOps
	scanner *scanner.Scanner
	store   *state.Store
	logger  *log.Logger
	opts    Options

	batchMu     sync.Mutex
	batchActive bool

	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
	halted    map[string]string
}

// New creates an engine with default options. A nil logger falls back
// to a stderr logger.
func New(cfg *config.Config, client forge.Client, git GitOps, sc *scanner.Scanner, store *state.Store, logger *log.Logger) *Engine {
	return NewWithOptions(cfg, client, git, sc, store, logger, Options{})
}

// NewWithOptions creates an engine with explicit retry and polling
// settings.
func NewWithOptions(cfg *config.Config, client forge.Client, git GitOps, sc *scanner.Scanner, store *state.Store, logger *log.Logger, opts Options) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	opts.setDefaults()
	return &Engine{
		cfg:       cfg,
		client:    client,
		git:       git,
		scanner:   sc,
		store:     store,
		logger:    logger,
		opts:      opts,
		repoLocks: make(map[string]*sync.Mutex),
		halted:    make(map[string]string),
	}
}

// lockRepo returns the mutex serializing all work on one repo. Watch
// events and batch workers may target the same repo at the same time.
func (e *Engine) lockRepo(repo string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.repoLocks[repo]
	if !ok {
		m = &sync.Mutex{}
		e.repoLocks[repo] = m
	}
	return m
}

// InvariantViolation is an internal-logic fault: the store held more
// than one live record for a repo, which the schema is supposed to make
// impossible. Work on the repo halts until an operator inspects the
// records; retrying automatically could double-fire a transfer.
type InvariantViolation struct {
	Repo   string
	Detail string
}

func (v *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation on %s: %s", v.Repo, v.Detail)
}

// haltRepo takes a repo out of processing after an internal consistency
// check failed.
func (e *Engine) haltRepo(repo, detail string) {
	e.mu.Lock()
	e.halted[repo] = detail
	e.mu.Unlock()
	e.logger.Printf("INVARIANT VIOLATION: %s: %s; halting all processing for this repo", repo, detail)
}

func (e *Engine) haltedDetail(repo string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	detail, ok := e.halted[repo]
	return detail, ok
}

// HandleMove reacts to a local directory move of repo from one org
// directory to another. The remote host is asked for the repo's actual
// owner before anything happens: the event's source directory is a
// hint, not ground truth.
func (e *Engine) HandleMove(ctx context.Context, repo, fromOrg, toOrg string) error {
	if fromOrg == toOrg {
		return nil
	}
	if e.cfg.IsExcluded(repo) {
		e.logger.Printf("Ignoring move of excluded repo %s", repo)
		return nil
	}
	if !e.cfg.HasOrganization(toOrg) {
		e.logger.Printf("Ignoring move of %s into unmanaged directory %s", repo, toOrg)
		return nil
	}
	if marker, err := scanner.ReadMarker(e.cfg.RepoPath(toOrg, repo)); err != nil {
		e.logger.Printf("WARNING: %v; leaving %s alone", err, repo)
		return nil
	} else if marker.Exclude {
		e.logger.Printf("Ignoring move of %s: excluded by marker file", repo)
		return nil
	}
	if detail, ok := e.haltedDetail(repo); ok {
		return &InvariantViolation{Repo: repo, Detail: detail}
	}

	lock := e.lockRepo(repo)
	lock.Lock()
	defer lock.Unlock()

	owner, err := e.resolveOwner(ctx, repo, fromOrg, toOrg)
	if errors.Is(err, forge.ErrNotFound) {
		e.logger.Printf("WARNING: %s moved to %s but has no remote counterpart; nothing to transfer", repo, toOrg)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve owner of %s: %w", repo, err)
	}

	if owner == toOrg {
		// Remote already agrees with where the repo landed.
		e.logger.Printf("Repo %s already owned by %s; updating origin only", repo, toOrg)
		e.fixRemoteURL(e.cfg.RepoPath(toOrg, repo), toOrg, repo)
		return nil
	}

	if !e.cfg.HasOrganization(owner) {
		e.logger.Printf("WARNING: %s is owned by unmanaged %s; leaving remote untouched", repo, owner)
		return nil
	}

	rec, err := e.store.CreateAction(state.TransferRemote(repo, owner, toOrg))
	if errors.Is(err, state.ErrActionActive) {
		e.logger.Printf("Repo %s already has an action in flight; move will reconcile on a later sync", repo)
		return nil
	}
	if err != nil {
		return err
	}

	e.logger.Printf("Local move detected: %s", rec.Action)
	return e.runRecord(ctx, rec)
}

// resolveOwner asks the host who owns the repo now, trying the event's
// source org first and the destination second. Lookups follow transfer
// redirects, so a stale path still answers with the current owner.
func (e *Engine) resolveOwner(ctx context.Context, repo, fromOrg, toOrg string) (string, error) {
	var owner string
	err := e.withRetry(ctx, "resolve owner of "+repo, forge.IsTransient, func() error {
		var err error
		owner, err = e.client.CurrentOwner(ctx, fromOrg, repo)
		if errors.Is(err, forge.ErrNotFound) {
			owner, err = e.client.CurrentOwner(ctx, toOrg, repo)
		}
		return err
	})
	return owner, err
}

// Recover resumes every unfinished record. Called once on startup,
// before any new work is accepted.
func (e *Engine) Recover(ctx context.Context) error {
	recs, err := e.store.Unfinished()
	if err != nil {
		return fmt.Errorf("failed to load unfinished records: %w", err)
	}
	if len(recs) == 0 {
		return nil
	}

	// The schema allows at most one live record per repo. Finding more
	// means the store was tampered with or corrupted; resuming either
	// record could double-fire a transfer.
	perRepo := make(map[string]int, len(recs))
	for _, rec := range recs {
		perRepo[rec.Repo]++
	}
	for repo, n := range perRepo {
		if n > 1 {
			e.haltRepo(repo, fmt.Sprintf("found %d live action records, expected at most one", n))
		}
	}

	e.logger.Printf("Resuming %d unfinished action(s)", len(recs))
	for _, rec := range recs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if detail, ok := e.haltedDetail(rec.Repo); ok {
			e.logger.Printf("Not resuming %s: %s", rec.Action, detail)
			continue
		}

		lock := e.lockRepo(rec.Repo)
		lock.Lock()
		e.logger.Printf("Resuming %s (state=%s, remote_done=%v, attempts=%d)",
			rec.Action, rec.State, rec.RemoteDone, rec.Attempts)
		if err := e.runRecord(ctx, rec); err != nil {
			e.logger.Printf("WARNING: failed to resume %s: %v", rec.Action, err)
		}
		lock.Unlock()
	}
	return nil
}

// runRecord executes one record to a terminal state. The caller must
// hold the repo lock.
func (e *Engine) runRecord(ctx context.Context, rec *state.ActionRecord) error {
	switch rec.Kind {
	case state.KindTransferRemote:
		return e.runTransfer(ctx, rec)
	case state.KindMoveLocal:
		return e.runMove(ctx, rec)
	case state.KindCloneLocal:
		return e.runClone(ctx, rec)
	case state.KindReportOrphan:
		return e.runOrphan(rec)
	default:
		return e.fail(rec, fmt.Errorf("unknown action kind %q", rec.Kind))
	}
}

// runTransfer performs the remote ownership transfer and then rewrites
// the local origin URL. The remote step is skipped entirely when a
// previous attempt already confirmed it, so recovery after a crash
// between the two steps issues zero transfer calls.
func (e *Engine) runTransfer(ctx context.Context, rec *state.ActionRecord) error {
	if err := e.store.MarkInProgress(rec.ID); err != nil {
		return err
	}

	if !rec.RemoteDone {
		owner, err := e.resolveOwner(ctx, rec.Repo, rec.FromOrg, rec.ToOrg)
		if errors.Is(err, forge.ErrNotFound) {
			return e.fail(rec, fmt.Errorf("repo no longer exists on remote"))
		}
		if err != nil {
			return e.fail(rec, err)
		}

		if owner != rec.ToOrg {
			err := e.withRetry(ctx, "transfer "+rec.Repo, forge.IsTransient, func() error {
				_, err := e.client.TransferRepo(ctx, owner, rec.Repo, rec.ToOrg)
				return err
			})
			if err != nil {
				return e.fail(rec, err)
			}
			// The host completes transfers asynchronously.
			if err := e.awaitTransfer(ctx, rec); err != nil {
				return e.fail(rec, err)
			}
		}

		if err := e.store.MarkRemoteDone(rec.ID); err != nil {
			return err
		}
		rec.RemoteDone = true
	}

	e.fixRemoteURL(e.cfg.RepoPath(rec.ToOrg, rec.Repo), rec.ToOrg, rec.Repo)

	if err := e.store.MarkCommitted(rec.ID); err != nil {
		return err
	}
	e.logger.Printf("Committed: %s", rec.Action)
	return nil
}

// awaitTransfer polls until the host reports the new owner.
func (e *Engine) awaitTransfer(ctx context.Context, rec *state.ActionRecord) error {
	deadline := time.Now().Add(e.opts.TransferPollTimeout)
	for {
		owner, err := e.client.CurrentOwner(ctx, rec.FromOrg, rec.Repo)
		if err == nil && owner == rec.ToOrg {
			return nil
		}
		if err != nil && !forge.IsTransient(err) && !errors.Is(err, forge.ErrNotFound) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("transfer of %s to %s accepted but not confirmed within %s",
				rec.Repo, rec.ToOrg, e.opts.TransferPollTimeout)
		}
		select {
		case <-time.After(e.opts.TransferPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runMove relocates the local directory to the org the remote says owns
// the repo, then rewrites origin.
func (e *Engine) runMove(ctx context.Context, rec *state.ActionRecord) error {
	if err := e.store.MarkInProgress(rec.ID); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	from := e.cfg.RepoPath(rec.FromOrg, rec.Repo)
	to := e.cfg.RepoPath(rec.ToOrg, rec.Repo)

	switch {
	case !gitops.IsRepo(from) && gitops.IsRepo(to):
		// A previous attempt already moved it.
	default:
		if err := gitops.MoveDir(from, to); err != nil {
			return e.fail(rec, err)
		}
	}

	e.fixRemoteURL(to, rec.ToOrg, rec.Repo)

	if err := e.store.MarkCommitted(rec.ID); err != nil {
		return err
	}
	e.logger.Printf("Committed: %s", rec.Action)
	return nil
}

// runClone fetches a repo that exists remotely but not locally.
func (e *Engine) runClone(ctx context.Context, rec *state.ActionRecord) error {
	if err := e.store.MarkInProgress(rec.ID); err != nil {
		return err
	}

	dest := e.cfg.RepoPath(rec.ToOrg, rec.Repo)
	err := e.withRetry(ctx, "clone "+rec.Repo, anyError, func() error {
		return e.git.Clone(ctx, rec.ToOrg, rec.Repo, dest)
	})
	if err != nil {
		return e.fail(rec, err)
	}

	if err := e.store.MarkCommitted(rec.ID); err != nil {
		return err
	}
	e.logger.Printf("Committed: %s", rec.Action)
	return nil
}

// runOrphan commits the record immediately; the record itself is the
// report, and nothing is ever done to the repo.
func (e *Engine) runOrphan(rec *state.ActionRecord) error {
	e.logger.Printf("Orphan: %s exists locally under %s but in no managed org remotely", rec.Repo, rec.FromOrg)
	return e.store.MarkCommitted(rec.ID)
}

// fixRemoteURL points origin at the repo's current org. Failures are
// logged, not fatal: a stale URL is re-detected and repaired by the
// next batch cycle.
func (e *Engine) fixRemoteURL(path, org, repo string) {
	if !e.cfg.AutoUpdateRemotes {
		return
	}
	if err := e.git.SetRemoteURL(path, e.git.URL(org, repo)); err != nil {
		e.logger.Printf("WARNING: failed to update origin for %s: %v", path, err)
	}
}

// fail marks the record failed and surfaces the reason.
func (e *Engine) fail(rec *state.ActionRecord, cause error) error {
	if err := e.store.MarkFailed(rec.ID, cause.Error()); err != nil {
		e.logger.Printf("WARNING: failed to record failure of %s: %v", rec.ID, err)
	}
	e.logger.Printf("Failed: %s: %v", rec.Action, cause)
	return fmt.Errorf("%s: %w", rec.Action, cause)
}

// withRetry runs fn, retrying with exponential backoff while transient
// says the error is worth another attempt. Permanent errors return
// immediately with no retry.
func (e *Engine) withRetry(ctx context.Context, op string, transient func(error) bool, fn func() error) error {
	var err error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !transient(err) {
			return err
		}
		if attempt == e.opts.MaxAttempts {
			break
		}

		delay := e.backoff(attempt)
		e.logger.Printf("WARNING: %s failed (attempt %d/%d), retrying in %s: %v",
			op, attempt, e.opts.MaxAttempts, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, e.opts.MaxAttempts, err)
}

// backoff returns the delay before the given attempt's retry.
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.opts.BackoffCap {
			return e.opts.BackoffCap
		}
	}
	return d
}

// anyError treats every failure as retryable; used for network
// operations that don't classify their errors.
func anyError(error) bool { return true }
