// Package daemon runs the long-lived watch service: it resumes
// interrupted work, keeps the tree reconciled on a timer, and feeds
// settled local moves into the engine as they happen.
//
// The daemon:
// 1. Resumes unfinished action records from the store
// 2. Runs one full reconciliation cycle up front
// 3. Applies watcher moves one at a time, in arrival order
// 4. Re-reconciles periodically and whenever the watcher asks for it
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/orgmirror/orgmirror/internal/engine"
	"github.com/orgmirror/orgmirror/internal/watcher"
)

// Notifier receives pipeline events for live monitoring. All methods
// are called from daemon goroutines and must not block.
type Notifier interface {
	// OnMove is called after a settled local move was handled, with the
	// error (nil on success).
	OnMove(move watcher.Move, err error)

	// OnBatch is called after a reconciliation cycle, with its result
	// and error. Overlap-skipped cycles are not reported.
	OnBatch(result *engine.BatchResult, err error)
}

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often a full reconciliation cycle runs even
	// without filesystem activity.
	SyncInterval time.Duration

	// DrainTimeout bounds how long Stop waits for in-flight work before
	// cancelling it. In-progress records survive a cancel and resume on
	// the next start.
	DrainTimeout time.Duration

	// Notifier, when set, receives pipeline events.
	Notifier Notifier

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval: 5 * time.Minute,
		DrainTimeout: 2 * time.Minute,
		Logger:       log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon wires the watcher to the engine and keeps both running.
type Daemon struct {
	engine  *engine.Engine
	watcher *watcher.TreeWatcher
	config  *Config

	// workCtx governs engine calls. It outlives the run loops so a
	// graceful stop lets the current action finish its step instead of
	// aborting mid-transfer; DrainTimeout caps the wait.
	workCtx    context.Context
	workCancel context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon with default configuration.
func New(eng *engine.Engine, tw *watcher.TreeWatcher) (*Daemon, error) {
	return NewWithConfig(eng, tw, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(eng *engine.Engine, tw *watcher.TreeWatcher, config *Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if tw == nil {
		return nil, fmt.Errorf("watcher cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	workCtx, workCancel := context.WithCancel(context.Background())

	return &Daemon{
		engine:     eng,
		watcher:    tw,
		config:     config,
		workCtx:    workCtx,
		workCancel: workCancel,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Resume unfinished records (fatal if the store cannot be read)
// 2. Run one reconciliation cycle (logged if it fails; the timer retries)
// 3. Start the filesystem watcher
// 4. Serve moves, rescan requests, and the periodic timer
//
// This blocks until ctx is cancelled or an error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := d.engine.Recover(d.workCtx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	d.runBatch("startup")

	if err := d.watcher.Start(); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	d.wg.Add(3)
	go d.consumeMoves()
	go d.consumeSignals()
	go d.runTimer()

	d.config.Logger.Printf("Daemon running (sync every %s)", d.config.SyncInterval)

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. The in-flight engine call, if
// any, gets DrainTimeout to finish its current step.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	drain := time.AfterFunc(d.config.DrainTimeout, d.workCancel)
	defer drain.Stop()

	if err := d.watcher.Stop(); err != nil {
		d.config.Logger.Printf("Error stopping watcher: %v", err)
	}

	d.wg.Wait()
	d.workCancel()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// consumeMoves applies settled moves strictly one at a time, in the
// order the watcher emitted them.
func (d *Daemon) consumeMoves() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case move, ok := <-d.watcher.Moves():
			if !ok {
				return
			}
			d.config.Logger.Printf("Move detected: %s", move)
			err := d.engine.HandleMove(d.workCtx, move.Repo, move.FromOrg, move.ToOrg)
			if err != nil {
				d.config.Logger.Printf("WARNING: move of %s not applied: %v", move.Repo, err)
			}
			if d.config.Notifier != nil {
				d.config.Notifier.OnMove(move, err)
			}
		}
	}
}

// consumeSignals handles rescan requests and watcher errors.
func (d *Daemon) consumeSignals() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case reason, ok := <-d.watcher.Rescans():
			if !ok {
				return
			}
			d.config.Logger.Printf("Rescan requested: %s", reason)
			d.runBatch("rescan")

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// runTimer drives the periodic reconciliation cycle.
func (d *Daemon) runTimer() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runBatch("periodic")
		}
	}
}

// runBatch runs one reconciliation cycle. A cycle already in progress
// makes this a no-op; the running cycle sees the same world.
func (d *Daemon) runBatch(trigger string) {
	result, err := d.engine.RunBatch(d.workCtx)
	if errors.Is(err, engine.ErrBatchActive) {
		d.config.Logger.Printf("Skipping %s sync: a cycle is already running", trigger)
		return
	}
	if err != nil {
		d.config.Logger.Printf("WARNING: %s sync failed: %v", trigger, err)
	}
	if d.config.Notifier != nil {
		d.config.Notifier.OnBatch(result, err)
	}
}
