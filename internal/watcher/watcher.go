// Package watcher turns raw filesystem notifications on the org tree
// into settled repo moves.
//
// Only directories directly under a managed org directory matter. A
// move shows up as a removal under one org followed by a creation under
// another; the correlator pairs the two and waits for a short settle
// period before emitting, so half-finished drags and rapid move-backs
// never reach the reconciliation engine. Events the watcher cannot keep
// up with are dropped and answered with a rescan request instead of
// backpressure on the notification stream.
package watcher

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/orgmirror/orgmirror/internal/config"
	"github.com/orgmirror/orgmirror/internal/gitops"
)

// Config controls correlation timing and buffering.
type Config struct {
	// CorrelationWindow is how long a removal waits for the matching
	// creation before the repo is considered deleted.
	CorrelationWindow time.Duration

	// SettleDelay is the quiet period after a matched pair before the
	// move is emitted. Follow-up events within it coalesce.
	SettleDelay time.Duration

	// TickInterval is how often the correlator checks deadlines.
	TickInterval time.Duration

	// QueueSize is the raw event buffer between the notification stream
	// and the correlator. When it fills, events are dropped and a
	// rescan is requested.
	QueueSize int

	// Logger for watcher output. Defaults to stderr.
	Logger *log.Logger
}

// DefaultConfig returns the timing used by the watch daemon.
func DefaultConfig() *Config {
	return &Config{
		CorrelationWindow: 3 * time.Second,
		SettleDelay:       time.Second,
		TickInterval:      100 * time.Millisecond,
		QueueSize:         256,
		Logger:            log.New(os.Stderr, "[watcher] ", log.LstdFlags),
	}
}

// TreeWatcher watches the base path and every managed org directory and
// emits Moves once a relocation has settled.
type TreeWatcher struct {
	cfg    *config.Config
	wcfg   *Config
	logger *log.Logger

	fsw  *fsnotify.Watcher
	corr *correlator

	// known tracks directories currently believed to live under each
	// org. Removal events for unknown names are noise (temp files,
	// non-repo clutter) and never open a pending move. Touched only by
	// Start and the ingest goroutine.
	known map[string]map[string]bool

	raw     chan rawEvent
	resetCh chan struct{}
	moves   chan Move
	rescans chan string
	errs    chan error

	dropped atomic.Int64

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a watcher over cfg's base path. wcfg nil means defaults.
func New(cfg *config.Config, wcfg *Config) (*TreeWatcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if wcfg == nil {
		wcfg = DefaultConfig()
	}
	if wcfg.Logger == nil {
		wcfg.Logger = log.New(os.Stderr, "[watcher] ", log.LstdFlags)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &TreeWatcher{
		cfg:     cfg,
		wcfg:    wcfg,
		logger:  wcfg.Logger,
		fsw:     fsw,
		corr:    newCorrelator(wcfg.CorrelationWindow, wcfg.SettleDelay, nil),
		known:   make(map[string]map[string]bool),
		raw:     make(chan rawEvent, wcfg.QueueSize),
		resetCh: make(chan struct{}, 1),
		moves:   make(chan Move, 16),
		rescans: make(chan string, 1),
		errs:    make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Moves returns the channel of settled repo moves.
func (w *TreeWatcher) Moves() <-chan Move {
	return w.moves
}

// Rescans returns the channel of rescan requests, raised when events
// were dropped and the tree must be reconciled by a full cycle instead.
func (w *TreeWatcher) Rescans() <-chan string {
	return w.rescans
}

// Errors returns the channel of watcher errors.
func (w *TreeWatcher) Errors() <-chan error {
	return w.errs
}

// Dropped reports how many raw events have been discarded so far.
func (w *TreeWatcher) Dropped() int64 {
	return w.dropped.Load()
}

// IsRunning reports whether the watcher has been started.
func (w *TreeWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Start begins watching. The base path must exist; org directories that
// do not exist yet are picked up when they are created.
func (w *TreeWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	base := w.cfg.BasePath
	if err := w.fsw.Add(base); err != nil {
		return fmt.Errorf("failed to watch %s: %w", base, err)
	}
	for _, org := range w.cfg.Organizations {
		path := w.cfg.OrgPath(org)
		if err := w.fsw.Add(path); err != nil {
			w.logger.Printf("WARNING: not watching %s yet: %v", path, err)
			continue
		}
		w.seedOrg(org)
	}

	w.running = true
	w.wg.Add(2)
	go w.ingest()
	go w.correlate()

	w.logger.Printf("Watching %s (%d orgs)", base, len(w.cfg.Organizations))
	return nil
}

// Stop halts watching and closes the output channels.
func (w *TreeWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()

	close(w.moves)
	close(w.rescans)
	close(w.errs)

	w.logger.Printf("Watcher stopped (%d events dropped)", w.Dropped())
	return err
}

// seedOrg records the repo directories currently under an org so later
// removals can be told apart from noise.
func (w *TreeWatcher) seedOrg(org string) {
	names, err := gitops.ListDirs(w.cfg.OrgPath(org))
	if err != nil {
		w.logger.Printf("WARNING: failed to list %s: %v", org, err)
		return
	}
	set := make(map[string]bool, len(names))
	for _, name := range names {
		if gitops.IsRepo(w.cfg.RepoPath(org, name)) {
			set[name] = true
		}
	}
	w.known[org] = set
}

// ingest drains the notification stream. It classifies each event,
// maintains the known-directory view, and hands repo-level events to
// the correlator without ever blocking: a full queue drops the event
// and requests a rescan.
func (w *TreeWatcher) ingest() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.overflow("kernel event queue overflowed")
				continue
			}
			select {
			case w.errs <- err:
			default:
				w.logger.Printf("WARNING: watcher error dropped: %v", err)
			}

		case <-w.done:
			return
		}
	}
}

func (w *TreeWatcher) handleFsEvent(event fsnotify.Event) {
	rel, err := filepath.Rel(w.cfg.BasePath, event.Name)
	if err != nil {
		return
	}
	parts := strings.Split(rel, string(filepath.Separator))

	switch len(parts) {
	case 1:
		// An entry directly under the base path: only the appearance of
		// a managed org directory matters, so it can be watched.
		org := parts[0]
		if event.Has(fsnotify.Create) && w.cfg.HasOrganization(org) {
			if err := w.fsw.Add(event.Name); err != nil {
				w.logger.Printf("WARNING: failed to watch new org dir %s: %v", org, err)
				return
			}
			w.seedOrg(org)
			w.logger.Printf("Now watching org directory %s", org)
		}
	case 2:
		org, name := parts[0], parts[1]
		if !w.cfg.HasOrganization(org) || strings.HasPrefix(name, ".") {
			return
		}
		switch {
		case event.Has(fsnotify.Create):
			fi, err := os.Stat(event.Name)
			if err != nil || !fi.IsDir() {
				return
			}
			w.knownAdd(org, name)
			w.forward(rawEvent{op: opCreated, org: org, name: name})
		case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
			// A rename away from here is a removal; the destination
			// side arrives as its own create event.
			if !w.knownHas(org, name) {
				return
			}
			w.knownForget(org, name)
			w.forward(rawEvent{op: opRemoved, org: org, name: name})
		}
	}
}

// forward queues an event for the correlator, dropping it when the
// queue is full.
func (w *TreeWatcher) forward(ev rawEvent) {
	select {
	case w.raw <- ev:
	default:
		w.overflow("event queue full")
	}
}

// overflow records a dropped event, invalidates in-flight correlation
// state, and asks for a full rescan to heal whatever was missed.
func (w *TreeWatcher) overflow(reason string) {
	n := w.dropped.Add(1)
	w.logger.Printf("WARNING: %s; %d events dropped so far, requesting rescan", reason, n)

	select {
	case w.resetCh <- struct{}{}:
	default:
	}
	select {
	case w.rescans <- reason:
	default:
	}
	for _, org := range w.cfg.Organizations {
		w.seedOrg(org)
	}
}

// correlate runs the pairing machine: it consumes classified events,
// advances deadlines on a ticker, and emits settled moves.
func (w *TreeWatcher) correlate() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.wcfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-w.raw:
			if !ok {
				return
			}
			w.corr.observe(ev)
		case <-w.resetCh:
			w.corr.reset()
		case <-ticker.C:
			if !w.flush() {
				return
			}
		case <-w.done:
			return
		}
	}
}

// flush drains expired correlator entries. It reports false when the
// watcher shut down mid-emission.
func (w *TreeWatcher) flush() bool {
	moves, deletions := w.corr.tick()
	for _, d := range deletions {
		w.logger.Printf("Repo %s disappeared; deletions are not mirrored", d)
	}
	for _, m := range moves {
		if m.FromOrg == m.ToOrg {
			w.logger.Printf("Repo %s returned to %s before settling; nothing to do", m.Repo, m.ToOrg)
			continue
		}
		dest := w.cfg.RepoPath(m.ToOrg, m.Repo)
		if !gitops.IsRepo(dest) {
			w.logger.Printf("Ignoring move of %s: %s is not a git repository", m.Repo, dest)
			continue
		}
		select {
		case w.moves <- m:
			w.logger.Printf("Move settled: %s", m)
		case <-w.done:
			return false
		}
	}
	return true
}

func (w *TreeWatcher) knownHas(org, name string) bool {
	return w.known[org][name]
}

func (w *TreeWatcher) knownAdd(org, name string) {
	set, ok := w.known[org]
	if !ok {
		set = make(map[string]bool)
		w.known[org] = set
	}
	set[name] = true
}

func (w *TreeWatcher) knownForget(org, name string) {
	delete(w.known[org], name)
}
