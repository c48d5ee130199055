// Package state persists reconciliation actions so that an interrupted
// multi-step operation can be resumed after a restart instead of being
// repeated or lost.
//
// The storage layer also enforces the core serialization rule: at most
// one live (pending or in-progress) action may exist per repository.
package state

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// ActionKind enumerates the reconciliation actions the engine can take.
type ActionKind string

const (
	// KindTransferRemote moves a repo's remote ownership between orgs.
	KindTransferRemote ActionKind = "transfer_remote"

	// KindMoveLocal relocates a repo's local directory to match remote
	// ownership.
	KindMoveLocal ActionKind = "move_local"

	// KindCloneLocal fetches a repo that exists remotely but not locally.
	KindCloneLocal ActionKind = "clone_local"

	// KindReportOrphan flags a repo present locally but under no managed
	// org remotely. Never acted on beyond reporting.
	KindReportOrphan ActionKind = "report_orphan"
)

// Valid reports whether k is a known kind.
func (k ActionKind) Valid() bool {
	switch k {
	case KindTransferRemote, KindMoveLocal, KindCloneLocal, KindReportOrphan:
		return true
	}
	return false
}

func (k ActionKind) String() string { return string(k) }

// ActionState is the lifecycle position of a persisted action.
type ActionState string

const (
	// StatePending means decided but with no side effects yet.
	StatePending ActionState = "pending"

	// StateInProgress means at least one side effect may have started.
	StateInProgress ActionState = "in_progress"

	// StateCommitted means every constituent side effect succeeded.
	StateCommitted ActionState = "committed"

	// StateFailed means retries are exhausted or the failure was
	// permanent; surfaced to the operator and never auto-retried.
	StateFailed ActionState = "failed"
)

// Valid reports whether s is a known state.
func (s ActionState) Valid() bool {
	switch s {
	case StatePending, StateInProgress, StateCommitted, StateFailed:
		return true
	}
	return false
}

// Active reports whether the state blocks new actions for the same repo.
func (s ActionState) Active() bool {
	return s == StatePending || s == StateInProgress
}

func (s ActionState) String() string { return string(s) }

// Action is one reconciliation step the engine decided on. The tuple
// (Repo, Kind, FromOrg, ToOrg) is its idempotency key.
type Action struct {
	Repo    string     `json:"repo"`
	Kind    ActionKind `json:"kind"`
	FromOrg string     `json:"from_org,omitempty"`
	ToOrg   string     `json:"to_org,omitempty"`
}

// TransferRemote builds the action that transfers repo's remote
// ownership from one org to another.
func TransferRemote(repo, fromOrg, toOrg string) Action {
	return Action{Repo: repo, Kind: KindTransferRemote, FromOrg: fromOrg, ToOrg: toOrg}
}

// MoveLocal builds the action that relocates repo's local directory.
func MoveLocal(repo, fromOrg, toOrg string) Action {
	return Action{Repo: repo, Kind: KindMoveLocal, FromOrg: fromOrg, ToOrg: toOrg}
}

// CloneLocal builds the action that clones repo into intoOrg's directory.
func CloneLocal(repo, intoOrg string) Action {
	return Action{Repo: repo, Kind: KindCloneLocal, ToOrg: intoOrg}
}

// ReportOrphan builds the report-only action for a local-only repo.
func ReportOrphan(repo, localOrg string) Action {
	return Action{Repo: repo, Kind: KindReportOrphan, FromOrg: localOrg}
}

// Key returns the idempotency key for the action.
func (a Action) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s", a.Repo, a.Kind, a.FromOrg, a.ToOrg)
}

// Validate checks the per-kind field requirements.
func (a Action) Validate() error {
	if a.Repo == "" {
		return fmt.Errorf("repo is required")
	}
	if !a.Kind.Valid() {
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	switch a.Kind {
	case KindTransferRemote, KindMoveLocal:
		if a.FromOrg == "" || a.ToOrg == "" {
			return fmt.Errorf("%s requires both from_org and to_org", a.Kind)
		}
		if a.FromOrg == a.ToOrg {
			return fmt.Errorf("%s from_org and to_org must differ (got %q)", a.Kind, a.FromOrg)
		}
	case KindCloneLocal:
		if a.ToOrg == "" {
			return fmt.Errorf("clone_local requires to_org")
		}
		if a.FromOrg != "" {
			return fmt.Errorf("clone_local must not set from_org")
		}
	case KindReportOrphan:
		if a.FromOrg == "" {
			return fmt.Errorf("report_orphan requires from_org")
		}
		if a.ToOrg != "" {
			return fmt.Errorf("report_orphan must not set to_org")
		}
	}
	return nil
}

// String renders the action for logs.
func (a Action) String() string {
	switch a.Kind {
	case KindCloneLocal:
		return fmt.Sprintf("%s %s -> %s", a.Kind, a.Repo, a.ToOrg)
	case KindReportOrphan:
		return fmt.Sprintf("%s %s (%s)", a.Kind, a.Repo, a.FromOrg)
	default:
		return fmt.Sprintf("%s %s: %s -> %s", a.Kind, a.Repo, a.FromOrg, a.ToOrg)
	}
}

// ActionRecord is the persisted lifecycle of one Action.
type ActionRecord struct {
	ID string `json:"id"`
	Action
	State    ActionState `json:"state"`
	Attempts int         `json:"attempts"`

	// RemoteDone marks the partial state where the remote transfer is
	// confirmed but the local origin rewrite is still outstanding.
	RemoteDone bool `json:"remote_done,omitempty"`

	// Reason carries the failure detail for StateFailed records.
	Reason string `json:"reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRecord wraps an action in a fresh pending record. IDs are ULIDs,
// so record IDs sort in creation order.
func NewRecord(a Action) *ActionRecord {
	now := time.Now().UTC()
	return &ActionRecord{
		ID:        ulid.Make().String(),
		Action:    a,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the record beyond its embedded action.
func (r *ActionRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if err := r.Action.Validate(); err != nil {
		return err
	}
	if !r.State.Valid() {
		return fmt.Errorf("unknown state %q", r.State)
	}
	if r.CreatedAt.IsZero() || r.UpdatedAt.IsZero() {
		return fmt.Errorf("timestamps are required")
	}
	return nil
}
