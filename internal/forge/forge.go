// Package forge is the capability wrapper around the hosted git service.
// It exposes exactly the operations reconciliation needs — listing an
// org's repos, reading a repo's current owner, and transferring ownership
// — so the engine can be tested against a deterministic fake.
package forge

import "context"

// RepoInfo describes one repository as reported by the remote service.
// Identity is Name within the service's global namespace; Owner changes
// via transfer.
type RepoInfo struct {
	Name          string
	Owner         string
	Archived      bool
	Private       bool
	DefaultBranch string
	SSHURL        string
	CloneURL      string
}

// FullName is the owner-qualified repository name.
func (r RepoInfo) FullName() string {
	return r.Owner + "/" + r.Name
}

// TransferResult reports the outcome of a transfer request. The service
// processes transfers asynchronously; AlreadyPending marks the case where
// an equivalent transfer was requested before and is still in flight.
type TransferResult struct {
	Repo           string
	NewOwner       string
	AlreadyPending bool
}

// Client is the narrow remote capability the engine consumes.
//
// ListRepos failure means "this org's contents are unknown this cycle" —
// never "the org is empty". TransferRepo is the single remote-mutating
// operation in the entire program.
type Client interface {
	ListRepos(ctx context.Context, org string) ([]RepoInfo, error)
	CurrentOwner(ctx context.Context, owner, name string) (string, error)
	TransferRepo(ctx context.Context, owner, name, newOwner string) (TransferResult, error)
}
