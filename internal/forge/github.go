package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	perPage        = 100
	userAgent      = "orgmirror"
)

// GitHub implements Client against the GitHub REST v3 API, for github.com
// or a GitHub Enterprise host.
type GitHub struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewGitHub builds a client for host ("github.com" or an enterprise
// hostname) authenticating with token. An empty token still works for
// public read operations.
func NewGitHub(host, token string) *GitHub {
	base := "https://api.github.com"
	if host != "" && host != "github.com" {
		base = fmt.Sprintf("https://%s/api/v3", host)
	}
	return &GitHub{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    base,
		token:      token,
	}
}

// TokenFromEnv returns the ambient GitHub token, if any. GITHUB_TOKEN
// wins over GH_TOKEN.
func TokenFromEnv() string {
	for _, key := range []string{"GITHUB_TOKEN", "GH_TOKEN"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// SetBaseURL points the client at a different API root. Tests use this
// to aim at a local server.
func (g *GitHub) SetBaseURL(u string) {
	g.baseURL = strings.TrimSuffix(u, "/")
}

// apiRepo is the subset of the service's repository object we consume.
type apiRepo struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
	Archived      bool   `json:"archived"`
	Private       bool   `json:"private"`
	DefaultBranch string `json:"default_branch"`
	SSHURL        string `json:"ssh_url"`
	CloneURL      string `json:"clone_url"`
}

func (r apiRepo) info() RepoInfo {
	return RepoInfo{
		Name:          r.Name,
		Owner:         r.Owner.Login,
		Archived:      r.Archived,
		Private:       r.Private,
		DefaultBranch: r.DefaultBranch,
		SSHURL:        r.SSHURL,
		CloneURL:      r.CloneURL,
	}
}

// ListRepos returns every repository owned by org, following pagination.
func (g *GitHub) ListRepos(ctx context.Context, org string) ([]RepoInfo, error) {
	var out []RepoInfo
	for page := 1; ; page++ {
		path := fmt.Sprintf("/orgs/%s/repos?type=all&per_page=%d&page=%d",
			url.PathEscape(org), perPage, page)
		resp, err := g.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, remoteErr("list repos", org, ErrRemoteUnavailable, err.Error())
		}

		if resp.StatusCode != http.StatusOK {
			detail := readAPIMessage(resp.Body)
			resp.Body.Close()
			kind := ErrRemoteUnavailable
			if resp.StatusCode == http.StatusNotFound {
				kind = ErrNotFound
			}
			return nil, remoteErr("list repos", org, kind, statusDetail(resp.StatusCode, detail))
		}

		var batch []apiRepo
		err = json.NewDecoder(resp.Body).Decode(&batch)
		resp.Body.Close()
		if err != nil {
			return nil, remoteErr("list repos", org, ErrRemoteUnavailable, "decode response: "+err.Error())
		}
		for _, r := range batch {
			out = append(out, r.info())
		}
		if len(batch) < perPage {
			return out, nil
		}
	}
}

// CurrentOwner reports which organization owns name right now. The
// service redirects lookups of transferred repos, so querying through a
// stale owner still yields the current one.
func (g *GitHub) CurrentOwner(ctx context.Context, owner, name string) (string, error) {
	full := owner + "/" + name
	resp, err := g.do(ctx, http.MethodGet, "/repos/"+full, nil)
	if err != nil {
		return "", remoteErr("get owner", full, ErrRemoteUnavailable, err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var repo apiRepo
		if err := json.NewDecoder(resp.Body).Decode(&repo); err != nil {
			return "", remoteErr("get owner", full, ErrRemoteUnavailable, "decode response: "+err.Error())
		}
		if repo.Owner.Login == "" {
			return "", remoteErr("get owner", full, ErrRemoteUnavailable, "response missing owner")
		}
		return repo.Owner.Login, nil
	case resp.StatusCode == http.StatusNotFound:
		return "", remoteErr("get owner", full, ErrNotFound, "")
	default:
		detail := readAPIMessage(resp.Body)
		return "", remoteErr("get owner", full, ErrRemoteUnavailable, statusDetail(resp.StatusCode, detail))
	}
}

// TransferRepo asks the service to move owner/name to newOwner. The
// service accepts with 202 and completes asynchronously; callers confirm
// completion by polling CurrentOwner.
func (g *GitHub) TransferRepo(ctx context.Context, owner, name, newOwner string) (TransferResult, error) {
	full := owner + "/" + name
	body := map[string]string{"new_owner": newOwner}
	resp, err := g.do(ctx, http.MethodPost, "/repos/"+full+"/transfer", body)
	if err != nil {
		return TransferResult{}, remoteErr("transfer", full, ErrRemoteUnavailable, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return TransferResult{Repo: name, NewOwner: newOwner}, nil
	}

	detail := readAPIMessage(resp.Body)
	lower := strings.ToLower(detail)

	switch resp.StatusCode {
	case http.StatusUnprocessableEntity:
		switch {
		case strings.Contains(lower, "already pending"):
			// A duplicate request for an in-flight transfer: the intent
			// is already being honored.
			return TransferResult{Repo: name, NewOwner: newOwner, AlreadyPending: true}, nil
		case strings.Contains(lower, "cooldown"),
			strings.Contains(lower, "must wait"),
			strings.Contains(lower, "recently transferred"):
			return TransferResult{}, remoteErr("transfer", full, ErrTransferCooldown, detail)
		case strings.Contains(lower, "archived"):
			return TransferResult{}, remoteErr("transfer", full, ErrRepoArchived, detail)
		default:
			return TransferResult{}, remoteErr("transfer", full, ErrTransferDenied, statusDetail(resp.StatusCode, detail))
		}
	case http.StatusForbidden, http.StatusUnauthorized:
		if strings.Contains(lower, "archived") {
			return TransferResult{}, remoteErr("transfer", full, ErrRepoArchived, detail)
		}
		return TransferResult{}, remoteErr("transfer", full, ErrTransferDenied, statusDetail(resp.StatusCode, detail))
	case http.StatusNotFound:
		return TransferResult{}, remoteErr("transfer", full, ErrNotFound, "")
	default:
		return TransferResult{}, remoteErr("transfer", full, ErrRemoteUnavailable, statusDetail(resp.StatusCode, detail))
	}
}

func (g *GitHub) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", userAgent)
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return g.httpClient.Do(req)
}

// readAPIMessage extracts the service's error message from a response
// body, falling back to the raw text when it is not the usual JSON shape.
func readAPIMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Message == "" {
		return strings.TrimSpace(string(raw))
	}
	msg := payload.Message
	for _, e := range payload.Errors {
		if e.Message != "" {
			msg += "; " + e.Message
		}
	}
	return msg
}

func statusDetail(status int, detail string) string {
	if detail == "" {
		return fmt.Sprintf("HTTP %d", status)
	}
	return fmt.Sprintf("HTTP %d: %s", status, detail)
}
