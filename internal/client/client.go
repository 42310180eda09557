// Package client talks to a running heal-orch control surface.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
)

// ErrNotFound is returned for unknown run ids
var ErrNotFound = errors.New("run not found")

// APIError is a non-2xx answer from the server
type APIError struct {
	StatusCode int
	Message    string
	Fields     map[string]string
}

func (e *APIError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	}
	parts := make([]string, 0, len(e.Fields))
	for k, v := range e.Fields {
		parts = append(parts, k+" "+v)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, strings.Join(parts, "; "))
}

// StartRequest is the body of a run start
type StartRequest struct {
	RepoURL    string `json:"repo_url"`
	TeamName   string `json:"team_name"`
	LeaderName string `json:"leader_name"`
}

// Started is the server's answer to a run start
type Started struct {
	RunID   string `json:"run_id"`
	Branch  string `json:"branch_name"`
	Message string `json:"message"`
}

// Run is a run snapshot as served by the control surface
type Run struct {
	domain.RunSession
	Summary *domain.RunSummary `json:"summary,omitempty"`
}

// RunItem is one row of the run list
type RunItem struct {
	ID         string           `json:"run_id"`
	RepoURL    string           `json:"repo_url"`
	Branch     string           `json:"branch_name"`
	Status     domain.RunStatus `json:"status"`
	Phase      domain.Phase     `json:"phase"`
	Message    string           `json:"message"`
	StartedAt  time.Time        `json:"started_at"`
	EndedAt    *time.Time       `json:"ended_at,omitempty"`
	Iterations int              `json:"iterations"`
	Commits    int              `json:"total_commits"`
	Score      *int             `json:"score,omitempty"`
}

// Client is an HTTP client for the control surface
type Client struct {
	baseURL string
	http    *http.Client

	// etags of the last snapshot seen per run, for conditional polling
	etags map[string]string
	cache map[string]*Run
}

// New creates a client for the server at baseURL, e.g. http://localhost:8000
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		etags:   make(map[string]string),
		cache:   make(map[string]*Run),
	}
}

// Start asks the server to begin a run
func (c *Client) Start(ctx context.Context, req StartRequest) (*Started, error) {
	var out Started
	if err := c.do(ctx, http.MethodPost, "/api/runs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get fetches a run snapshot. Repeated calls for the same run send the last
// ETag and reuse the cached snapshot when the server answers 304.
func (c *Client) Get(ctx context.Context, id string) (*Run, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/runs/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	if etag, ok := c.etags[id]; ok {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching run %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		if run, ok := c.cache[id]; ok {
			return run, nil
		}
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	var run Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, fmt.Errorf("decoding run %s: %w", id, err)
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		c.etags[id] = etag
		c.cache[id] = &run
	}
	return &run, nil
}

// List fetches the run list, optionally filtered by status
func (c *Client) List(ctx context.Context, status domain.RunStatus) ([]RunItem, error) {
	path := "/api/runs"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out []RunItem
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel asks the server to stop a run
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// Diff fetches the raw unified diff of every patch applied by a run
func (c *Client) Diff(ctx context.Context, id string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/runs/"+url.PathEscape(id)+"/diff", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/x-diff")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching diff: %w", err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return "", err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		apiErr.Message = body.Error
		apiErr.Fields = body.Fields
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
