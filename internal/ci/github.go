package ci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/gitops"
)

const (
	DefaultGitHubAPI = "https://api.github.com"
	requestTimeout   = 10 * time.Second
)

// GitHubChecks reads the check runs GitHub reports for a commit or branch
type GitHubChecks struct {
	BaseURL    string
	Token      func() string
	HTTPClient *http.Client
}

// NewGitHubChecks creates a provider against baseURL (empty means api.github.com)
func NewGitHubChecks(baseURL string, token func() string) *GitHubChecks {
	if baseURL == "" {
		baseURL = DefaultGitHubAPI
	}
	return &GitHubChecks{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: requestTimeout},
	}
}

type checkRunsResponse struct {
	TotalCount int        `json:"total_count"`
	CheckRuns  []checkRun `json:"check_runs"`
}

type checkRun struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

func (g *GitHubChecks) Status(ctx context.Context, repoURL, ref string) (Status, error) {
	owner, repo, err := gitops.ParseGitHubURL(repoURL)
	if err != nil {
		return Status{}, &ProviderError{Permanent: true, Err: err}
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/commits/%s/check-runs?per_page=100",
		g.BaseURL, url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(ref))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Status{}, &ProviderError{Permanent: true, Err: err}
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if g.Token != nil {
		if tok := g.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	client := g.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Status{}, &ProviderError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return Status{}, &ProviderError{StatusCode: resp.StatusCode, Permanent: true, Err: errors.New("authentication failed, check the GitHub token permissions")}
	case resp.StatusCode == http.StatusNotFound:
		return Status{}, &ProviderError{StatusCode: resp.StatusCode, Permanent: true, Err: fmt.Errorf("ref %s not found in %s/%s", ref, owner, repo)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Status{}, &ProviderError{StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Status{}, &ProviderError{StatusCode: resp.StatusCode, Permanent: true, Err: errors.New(strings.TrimSpace(string(body)))}
	}

	var data checkRunsResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Status{}, &ProviderError{Err: fmt.Errorf("decoding check runs: %w", err)}
	}
	return aggregate(data.CheckRuns), nil
}

// aggregate folds check runs into one state: any failing conclusion fails,
// all completed and passing succeeds, anything else is pending.
func aggregate(runs []checkRun) Status {
	if len(runs) == 0 {
		return Status{State: StatePending, Detail: "no check runs reported yet"}
	}
	var pending, passed int
	for _, r := range runs {
		if r.Status != "completed" {
			pending++
			continue
		}
		switch r.Conclusion {
		case "success", "neutral", "skipped":
			passed++
		default:
			return Status{State: StateFailure, Detail: fmt.Sprintf("%s: %s", r.Name, r.Conclusion)}
		}
	}
	if pending > 0 {
		return Status{State: StatePending, Detail: fmt.Sprintf("%d of %d check runs pending", pending, len(runs))}
	}
	return Status{State: StateSuccess, Detail: fmt.Sprintf("%d check runs passed", passed)}
}
