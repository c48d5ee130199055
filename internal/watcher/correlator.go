package watcher

import (
	"fmt"
	"sort"
	"time"
)

// Move is a settled local relocation of one repo between org
// directories, ready for reconciliation.
type Move struct {
	Repo    string
	FromOrg string
	ToOrg   string
}

func (m Move) String() string {
	return fmt.Sprintf("%s: %s -> %s", m.Repo, m.FromOrg, m.ToOrg)
}

// Deletion is a repo directory that vanished without reappearing in
// another org directory within the correlation window. Deletions are
// reported for logging only; nothing acts on them.
type Deletion struct {
	Repo string
	Org  string
}

func (d Deletion) String() string {
	return fmt.Sprintf("%s (was under %s)", d.Repo, d.Org)
}

// rawOp classifies a filesystem event on a directory directly under an
// org directory.
type rawOp int

const (
	opCreated rawOp = iota
	opRemoved
)

// rawEvent is one classified filesystem event. Renames surface as a
// removal of the old path plus a creation of the new one.
type rawEvent struct {
	op   rawOp
	org  string
	name string
}

type repoPhase int

const (
	// phasePending: the directory disappeared and a matching creation is
	// awaited until the deadline.
	phasePending repoPhase = iota
	// phaseMatched: a creation paired up; the move is held until the
	// deadline so rapid follow-up events coalesce.
	phaseMatched
)

type trackedRepo struct {
	phase    repoPhase
	fromOrg  string
	toOrg    string
	deadline time.Time
}

// correlator pairs directory removals with subsequent creations of the
// same name and turns them into Moves. It is purely event and clock
// driven: observe feeds it events, tick advances it. Both must be
// called from a single goroutine.
//
// Repos are keyed by name alone. Same-named directories under two orgs
// share an entry; batch reconciliation already refuses to act on such
// repos, so the occasional scrambled pairing here is harmless.
type correlator struct {
	window  time.Duration
	settle  time.Duration
	now     func() time.Time
	tracked map[string]*trackedRepo
}

func newCorrelator(window, settle time.Duration, now func() time.Time) *correlator {
	if now == nil {
		now = time.Now
	}
	return &correlator{
		window:  window,
		settle:  settle,
		now:     now,
		tracked: make(map[string]*trackedRepo),
	}
}

// observe feeds one event into the machine.
//
// A removal opens (or re-arms) a pending entry. A creation that finds a
// pending or matched entry records the destination and restarts the
// settle clock, so a burst of moves collapses into the latest observed
// (from, to) pair. A creation with no prior removal is not a move and
// is ignored here; the watcher's known-directory view handles those.
func (c *correlator) observe(ev rawEvent) {
	tr := c.tracked[ev.name]
	switch ev.op {
	case opRemoved:
		switch {
		case tr == nil:
			c.tracked[ev.name] = &trackedRepo{
				phase:    phasePending,
				fromOrg:  ev.org,
				deadline: c.now().Add(c.window),
			}
		case tr.phase == phaseMatched && tr.toOrg == ev.org:
			// The repo left the directory it just landed in. Pair the
			// next creation against this newest departure.
			tr.phase = phasePending
			tr.fromOrg = ev.org
			tr.toOrg = ""
			tr.deadline = c.now().Add(c.window)
		default:
			// Duplicate or out-of-order removal; keep the recorded
			// source and give the pairing more time.
			tr.deadline = c.now().Add(c.window)
		}
	case opCreated:
		if tr == nil {
			return
		}
		tr.phase = phaseMatched
		tr.toOrg = ev.org
		tr.deadline = c.now().Add(c.settle)
	}
}

// tick expires entries whose deadline has passed: matched entries come
// back as Moves, pending ones as Deletions. Results are ordered by repo
// name so emission is deterministic.
func (c *correlator) tick() ([]Move, []Deletion) {
	now := c.now()
	var moves []Move
	var deletions []Deletion
	for name, tr := range c.tracked {
		if now.Before(tr.deadline) {
			continue
		}
		switch tr.phase {
		case phasePending:
			deletions = append(deletions, Deletion{Repo: name, Org: tr.fromOrg})
		case phaseMatched:
			moves = append(moves, Move{Repo: name, FromOrg: tr.fromOrg, ToOrg: tr.toOrg})
		}
		delete(c.tracked, name)
	}
	sort.Slice(moves, func(i, j int) bool { return moves[i].Repo < moves[j].Repo })
	sort.Slice(deletions, func(i, j int) bool { return deletions[i].Repo < deletions[j].Repo })
	return moves, deletions
}

// inFlight reports how many repos are currently being tracked.
func (c *correlator) inFlight() int {
	return len(c.tracked)
}

// reset drops all tracked state. Used after an event overflow, when
// half-seen pairs can no longer be trusted; the rescan that follows
// heals whatever was missed.
func (c *correlator) reset() {
	c.tracked = make(map[string]*trackedRepo)
}
