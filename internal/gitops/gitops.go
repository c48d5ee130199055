// Package gitops provides the local git primitives the reconciliation
// engine consumes: candidate detection, origin URL inspection and rewrite,
// cloning, and whole-directory moves.
//
// Everything here operates through go-git; no git binary is shelled out to.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// OriginRemote is the remote name this tool manages.
const OriginRemote = "origin"

var (
	// ErrNotARepo marks a path without git metadata.
	ErrNotARepo = errors.New("not a git repository")

	// ErrNoOrigin marks a repository without an origin remote.
	ErrNoOrigin = errors.New("no origin remote configured")

	// ErrUnknownRemote marks an origin URL that does not point at the
	// configured host or has an unparseable owner/name pair.
	ErrUnknownRemote = errors.New("origin URL not recognized")

	// ErrDestExists marks a move whose destination is already occupied.
	ErrDestExists = errors.New("destination already exists")
)

var (
	ownerPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,38}$`)
	namePattern  = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,100}$`)
)

// FsError wraps a failed local filesystem or git-metadata operation with
// the operation name and path it concerned.
type FsError struct {
	Op   string
	Path string
	Err  error
}

func (e *FsError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FsError) Unwrap() error { return e.Err }

func fsErr(op, path string, err error) error {
	return &FsError{Op: op, Path: path, Err: err}
}

// Ops performs local git operations for one configured host.
type Ops struct {
	// Host is the git service hostname, e.g. "github.com".
	Host string

	// Protocol selects the URL style for clones and rewritten remotes:
	// "ssh" or "https".
	Protocol string

	// Token, when set, authenticates https clones of private repos.
	// SSH operations use the ambient agent and ssh config instead.
	Token string
}

// New returns an Ops for host using the given clone protocol.
func New(host, protocol, token string) *Ops {
	return &Ops{Host: host, Protocol: protocol, Token: token}
}

// IsRepo reports whether path looks like a git working copy. The cheap
// .git-directory probe is deliberate: the scanner calls this for every
// child of every org directory.
func IsRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && info.IsDir()
}

// URL builds the canonical remote URL for org/name under the configured
// host and protocol.
func (o *Ops) URL(org, name string) string {
	if o.Protocol == "https" {
		return fmt.Sprintf("https://%s/%s/%s.git", o.Host, org, name)
	}
	return fmt.Sprintf("git@%s:%s/%s.git", o.Host, org, name)
}

// ParseOwnerRepo extracts the owner and repository name from an origin
// URL in either scp-like ssh, ssh://, or http(s) form. URLs pointing at
// a different host fail with ErrUnknownRemote.
func (o *Ops) ParseOwnerRepo(raw string) (owner, name string, err error) {
	var rest string
	switch {
	case strings.HasPrefix(raw, "git@"+o.Host+":"):
		rest = strings.TrimPrefix(raw, "git@"+o.Host+":")
	case strings.HasPrefix(raw, "ssh://git@"+o.Host+"/"):
		rest = strings.TrimPrefix(raw, "ssh://git@"+o.Host+"/")
	case strings.HasPrefix(raw, "https://"+o.Host+"/"):
		rest = strings.TrimPrefix(raw, "https://"+o.Host+"/")
	case strings.HasPrefix(raw, "http://"+o.Host+"/"):
		rest = strings.TrimPrefix(raw, "http://"+o.Host+"/")
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnknownRemote, raw)
	}

	rest = strings.TrimSuffix(strings.TrimSuffix(rest, "/"), ".git")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownRemote, raw)
	}
	owner, name = parts[0], parts[1]
	if !ownerPattern.MatchString(owner) || !namePattern.MatchString(name) {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownRemote, raw)
	}
	return owner, name, nil
}

// RemoteURL returns the first origin URL of the repository at path.
func (o *Ops) RemoteURL(path string) (string, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return "", fsErr("open", path, ErrNotARepo)
		}
		return "", fsErr("open", path, err)
	}
	rem, err := repo.Remote(OriginRemote)
	if err != nil {
		if errors.Is(err, git.ErrRemoteNotFound) {
			return "", fsErr("remote", path, ErrNoOrigin)
		}
		return "", fsErr("remote", path, err)
	}
	urls := rem.Config().URLs
	if len(urls) == 0 {
		return "", fsErr("remote", path, ErrNoOrigin)
	}
	return urls[0], nil
}

// RemoteOwner reads the owner organization encoded in the origin URL of
// the repository at path.
func (o *Ops) RemoteOwner(path string) (string, error) {
	raw, err := o.RemoteURL(path)
	if err != nil {
		return "", err
	}
	owner, _, err := o.ParseOwnerRepo(raw)
	if err != nil {
		return "", fsErr("parse remote", path, err)
	}
	return owner, nil
}

// SetRemoteURL rewrites the origin URL of the repository at path,
// creating the remote if it is missing. Fetch refspecs are preserved.
func (o *Ops) SetRemoteURL(path, url string) error {
	repo, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return fsErr("open", path, ErrNotARepo)
		}
		return fsErr("open", path, err)
	}

	cfg, err := repo.Config()
	if err != nil {
		return fsErr("read config", path, err)
	}
	if rc, ok := cfg.Remotes[OriginRemote]; ok {
		rc.URLs = []string{url}
		if err := repo.SetConfig(cfg); err != nil {
			return fsErr("write config", path, err)
		}
		return nil
	}

	_, err = repo.CreateRemote(&gitcfg.RemoteConfig{
		Name: OriginRemote,
		URLs: []string{url},
	})
	if err != nil {
		return fsErr("create remote", path, err)
	}
	return nil
}

// Clone fetches org/name into dest. A destination that already holds a
// repository counts as success so that re-runs converge instead of failing.
func (o *Ops) Clone(ctx context.Context, org, name, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fsErr("clone", dest, err)
	}

	opts := &git.CloneOptions{URL: o.URL(org, name)}
	if o.Protocol == "https" && o.Token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: o.Token}
	}

	_, err := git.PlainCloneContext(ctx, dest, false, opts)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryAlreadyExists) {
			return nil
		}
		return fsErr("clone", dest, err)
	}
	return nil
}

// MoveDir relocates a repository directory. The destination must not
// exist; its parent is created if needed.
func MoveDir(from, to string) error {
	if _, err := os.Stat(to); err == nil {
		return fsErr("move", to, ErrDestExists)
	} else if !os.IsNotExist(err) {
		return fsErr("move", to, err)
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return fsErr("move", to, err)
	}
	if err := os.Rename(from, to); err != nil {
		return fsErr("move", from, err)
	}
	return nil
}

// ListDirs returns the names of the immediate child directories of path.
// Hidden directories are skipped.
func ListDirs(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fsErr("list", path, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}
