// Package scanner produces a one-pass snapshot of the local tree: which
// repositories sit under which organization directory, and what owner
// their origin URLs claim.
//
// Scanning is side-effect-free and safe to run while the watcher is live.
package scanner

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/orgmirror/orgmirror/internal/config"
	"github.com/orgmirror/orgmirror/internal/gitops"
)

// LocalRepoRef locates one managed working copy in the tree.
type LocalRepoRef struct {
	// Path is the absolute repo directory.
	Path string
	// Org is the parent directory name under the base path.
	Org string
	// Name is the repository directory name.
	Name string
	// RemoteOwner is the owner parsed from the origin URL.
	RemoteOwner string
}

// UnmanagedDir records a directory that looked like a candidate but is
// not managed: no git metadata, or an origin this tool does not recognize.
type UnmanagedDir struct {
	Path   string
	Reason string
}

// Snapshot is the scanner's view of the tree at one instant.
type Snapshot struct {
	// Repos maps org -> repo name -> ref.
	Repos map[string]map[string]LocalRepoRef

	// Unmanaged lists candidate directories excluded from Repos.
	Unmanaged []UnmanagedDir

	// MarkerExcluded names repos opted out via their marker file. The
	// planner must skip the remote twin of these names too, or a clone
	// would land on top of the excluded working copy.
	MarkerExcluded map[string]bool
}

// ByName returns every ref whose repo name matches, across all orgs.
func (s *Snapshot) ByName(name string) []LocalRepoRef {
	var refs []LocalRepoRef
	for _, repos := range s.Repos {
		if ref, ok := repos[name]; ok {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Org < refs[j].Org })
	return refs
}

// DuplicateNames returns repo names present under more than one org
// directory, sorted.
func (s *Snapshot) DuplicateNames() []string {
	counts := make(map[string]int)
	for _, repos := range s.Repos {
		for name := range repos {
			counts[name]++
		}
	}
	var dups []string
	for name, n := range counts {
		if n > 1 {
			dups = append(dups, name)
		}
	}
	sort.Strings(dups)
	return dups
}

// Count returns the total number of managed repos in the snapshot.
func (s *Snapshot) Count() int {
	total := 0
	for _, repos := range s.Repos {
		total += len(repos)
	}
	return total
}

// Scanner walks the base path for the configured organizations.
type Scanner struct {
	basePath string
	orgs     []string
	git      *gitops.Ops
	logger   *log.Logger
}

// New builds a Scanner from the process configuration. A nil logger
// falls back to a stderr logger.
func New(cfg *config.Config, git *gitops.Ops, logger *log.Logger) *Scanner {
	if logger == nil {
		logger = log.New(os.Stderr, "[scanner] ", log.LstdFlags)
	}
	return &Scanner{
		basePath: cfg.BasePath,
		orgs:     cfg.Organizations,
		git:      git,
		logger:   logger,
	}
}

// Scan lists each org directory's immediate children and classifies them.
// A missing org directory counts as an empty org, not an error, so a
// fresh tree scans cleanly before init has created every directory.
func (s *Scanner) Scan() (*Snapshot, error) {
	snap := &Snapshot{
		Repos:          make(map[string]map[string]LocalRepoRef),
		MarkerExcluded: make(map[string]bool),
	}

	for _, org := range s.orgs {
		snap.Repos[org] = make(map[string]LocalRepoRef)

		orgDir := filepath.Join(s.basePath, org)
		names, err := gitops.ListDirs(orgDir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				s.logger.Printf("org directory %s does not exist yet", orgDir)
				continue
			}
			return nil, err
		}

		for _, name := range names {
			path := filepath.Join(orgDir, name)
			if !gitops.IsRepo(path) {
				snap.Unmanaged = append(snap.Unmanaged, UnmanagedDir{
					Path:   path,
					Reason: "no git metadata",
				})
				continue
			}

			marker, err := ReadMarker(path)
			if err != nil {
				return nil, err
			}
			if marker.Exclude {
				snap.MarkerExcluded[name] = true
				continue
			}

			owner, err := s.git.RemoteOwner(path)
			if err != nil {
				s.logger.Printf("skipping %s: %v", path, err)
				snap.Unmanaged = append(snap.Unmanaged, UnmanagedDir{
					Path:   path,
					Reason: "origin not recognized",
				})
				continue
			}

			snap.Repos[org][name] = LocalRepoRef{
				Path:        path,
				Org:         org,
				Name:        name,
				RemoteOwner: owner,
			}
		}
	}

	return snap, nil
}
