package forge

import (
	"errors"
	"fmt"
)

// Failure kinds for remote operations. Callers branch on these with
// errors.Is; RemoteError carries the operation context around them.
var (
	// ErrRemoteUnavailable covers network failures, 5xx responses, and
	// auth problems on read paths. Transient: retry with backoff.
	ErrRemoteUnavailable = errors.New("remote service unavailable")

	// ErrTransferDenied means the token lacks the rights to transfer.
	// Permanent for this process run.
	ErrTransferDenied = errors.New("transfer denied")

	// ErrTransferCooldown means the service refused because the repo was
	// transferred too recently (roughly a 24h window). Permanent for
	// this process run.
	ErrTransferCooldown = errors.New("transfer cooldown in effect")

	// ErrRepoArchived means archived repositories cannot be transferred.
	ErrRepoArchived = errors.New("repository is archived")

	// ErrNotFound means the repo or org does not exist (or is invisible
	// to the token).
	ErrNotFound = errors.New("not found on remote")
)

// RemoteError wraps one of the sentinel kinds with the operation and
// repository it concerned plus any detail the service returned.
type RemoteError struct {
	Op     string
	Repo   string
	Err    error
	Detail string
}

func (e *RemoteError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: %v: %s", e.Op, e.Repo, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Repo, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

func remoteErr(op, repo string, kind error, detail string) error {
	return &RemoteError{Op: op, Repo: repo, Err: kind, Detail: detail}
}

// IsTransient reports whether an error is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable)
}
