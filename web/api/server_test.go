package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/config"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/fix"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/sandbox"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/secrets"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/testutil"
)

const (
	brokenAdd = "def add(a, b)\n    return a + b\n"
	fixedAdd  = "def add(a, b):\n    return a + b\n"
	testAdd   = "from a import add\n\n\ndef test_add():\n    assert add(1, 2) == 3\n"
)

type runnerFunc func(ctx context.Context, req sandbox.Request) (*sandbox.Result, error)

func (f runnerFunc) Execute(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	return f(ctx, req)
}

// colonRunner passes once a.py has its colon back
var colonRunner = runnerFunc(func(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	data, err := os.ReadFile(filepath.Join(req.Dir, "a.py"))
	if err != nil {
		return nil, err
	}
	if strings.Contains(string(data), "def add(a, b):") {
		return &sandbox.Result{Stdout: "1 passed\n"}, nil
	}
	return &sandbox.Result{
		Stdout:   "  File \"/app/a.py\", line 1\n    def add(a, b)\n                 ^\nSyntaxError: expected ':'\n",
		ExitCode: 1,
	}, nil
})

type colonFixer struct{}

func (colonFixer) GenerateFix(ctx context.Context, req fix.Request) (*fix.Result, error) {
	return &fix.Result{
		Path:          req.Path,
		Original:      req.Content,
		Content:       fixedAdd,
		CommitMessage: "Add missing colon to add",
		Category:      req.Failures[0].Category,
		Line:          req.Failures[0].Line,
	}, nil
}

func newTestServer(t *testing.T, store *secrets.Store) (*Server, *orchestrator.Orchestrator) {
	t.Helper()
	orch, err := orchestrator.New(orchestrator.Options{
		WorkDir:         t.TempDir(),
		AllowLocalRepos: true,
		Runner:          colonRunner,
		Fixer:           colonFixer{},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})

	cfg := config.Default()
	cfg.Completion.Model = "test-model"
	s := NewServer(orch, store, cfg, ":0", nil)
	s.streamInterval = 20 * time.Millisecond
	return s, orch
}

func serve(s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// startHealedRun starts a run against a broken remote and waits for it to finish
func startHealedRun(t *testing.T, s *Server, orch *orchestrator.Orchestrator, path string) StartResponse {
	t.Helper()
	remote := testutil.NewRemote(t, map[string]string{"a.py": brokenAdd, "test_a.py": testAdd})
	body, _ := json.Marshal(orchestrator.StartRequest{RepoURL: remote, TeamName: "Rift Riders", LeaderName: "Jane Doe"})

	w := serve(s, http.MethodPost, path, string(body), nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST %s status = %d, want 202: %s", path, w.Code, w.Body.String())
	}
	var resp StartResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := orch.Wait(ctx, resp.RunID); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return resp
}

func TestStartRunHandler(t *testing.T) {
	s, _ := newTestServer(t, nil)

	tests := []struct {
		name      string
		body      string
		wantCode  int
		wantField string
	}{
		{"malformed json", `{"repo_url":`, http.StatusBadRequest, ""},
		{"missing repo", `{"team_name":"A"}`, http.StatusBadRequest, "repo_url"},
		{"option injection", `{"repo_url":"-uexploit"}`, http.StatusBadRequest, "repo_url"},
		{"credentials in url", `{"repo_url":"https://user:pw@github.com/o/r"}`, http.StatusBadRequest, "repo_url"},
		{"team too long", `{"repo_url":"https://github.com/o/r","team_name":"` + strings.Repeat("x", 201) + `"}`, http.StatusBadRequest, "team_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(s, http.MethodPost, "/api/runs", tt.body, nil)
			if w.Code != tt.wantCode {
				t.Fatalf("Status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.wantField == "" {
				return
			}
			var resp struct {
				Error  string            `json:"error"`
				Fields map[string]string `json:"fields"`
			}
			json.NewDecoder(w.Body).Decode(&resp)
			if _, ok := resp.Fields[tt.wantField]; !ok {
				t.Errorf("Fields = %v, want entry for %s", resp.Fields, tt.wantField)
			}
		})
	}
}

func TestGetRunHandler_NotFound(t *testing.T) {
	s, _ := newTestServer(t, nil)

	for _, path := range []string{"/api/runs/nope", "/results/nope", "/api/runs/nope/diff", "/api/runs/nope/ws"} {
		w := serve(s, http.MethodGet, path, "", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, w.Code)
			continue
		}
		var resp map[string]string
		json.NewDecoder(w.Body).Decode(&resp)
		if resp["error"] != "run not found" {
			t.Errorf("GET %s error = %q, want %q", path, resp["error"], "run not found")
		}
	}

	w := serve(s, http.MethodPost, "/api/runs/nope/cancel", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("cancel status = %d, want 404", w.Code)
	}
}

func TestRunLifecycle(t *testing.T) {
	s, orch := newTestServer(t, nil)
	started := startHealedRun(t, s, orch, "/analyze")

	if started.Branch != "RIFT_RIDERS_JANE_DOE_AI_Fix" {
		t.Errorf("branch_name = %q", started.Branch)
	}

	w := serve(s, http.MethodGet, "/results/"+started.RunID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET results status = %d, want 200", w.Code)
	}
	first := w.Body.String()
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}

	var run RunResponse
	if err := json.Unmarshal([]byte(first), &run); err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("status = %s (%s), want completed", run.Status, run.Error)
	}
	if run.Summary == nil {
		t.Fatal("terminal run without summary")
	}
	if run.Summary.FixesApplied != 1 || run.Summary.TotalCommits != 1 || run.Summary.Iterations != 2 {
		t.Errorf("Summary = %+v", run.Summary)
	}
	if run.Score == nil || run.Score.Total != 110 {
		t.Errorf("Score = %+v, want total 110", run.Score)
	}

	// polling a terminal run is idempotent
	w = serve(s, http.MethodGet, "/api/runs/"+started.RunID, "", nil)
	if w.Body.String() != first {
		t.Error("second poll returned a different body")
	}
	if got := w.Header().Get("ETag"); got != etag {
		t.Errorf("ETag = %s, want %s", got, etag)
	}

	w = serve(s, http.MethodGet, "/api/runs/"+started.RunID, "", map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusNotModified {
		t.Errorf("conditional GET status = %d, want 304", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("304 body = %q, want empty", w.Body.String())
	}

	w = serve(s, http.MethodGet, "/api/runs/"+started.RunID+"/diff", "", nil)
	var diffs []DiffEntry
	if err := json.NewDecoder(w.Body).Decode(&diffs); err != nil {
		t.Fatal(err)
	}
	if len(diffs) != 1 || diffs[0].File != "a.py" || diffs[0].Iteration != 1 {
		t.Fatalf("diffs = %+v", diffs)
	}
	if !strings.Contains(diffs[0].Diff, "+def add(a, b):") || !strings.Contains(diffs[0].Diff, "-def add(a, b)\n") {
		t.Errorf("diff = %q", diffs[0].Diff)
	}

	w = serve(s, http.MethodGet, "/api/runs/"+started.RunID+"/diff", "", map[string]string{"Accept": "text/x-diff"})
	if !strings.HasPrefix(w.Body.String(), "--- a/a.py") {
		t.Errorf("raw diff = %q", w.Body.String())
	}

	w = serve(s, http.MethodGet, "/api/runs?status=completed", "", nil)
	var items []RunListItem
	json.NewDecoder(w.Body).Decode(&items)
	if len(items) != 1 || items[0].ID != started.RunID {
		t.Fatalf("list = %+v", items)
	}
	if items[0].Score == nil || *items[0].Score != 110 || items[0].Iterations != 2 {
		t.Errorf("list item = %+v", items[0])
	}

	w = serve(s, http.MethodGet, "/api/runs?status=failed", "", nil)
	json.NewDecoder(w.Body).Decode(&items)
	if len(items) != 0 {
		t.Errorf("failed list = %+v, want empty", items)
	}

	// cancelling a finished run is accepted and changes nothing
	w = serve(s, http.MethodPost, "/api/runs/"+started.RunID+"/cancel", "", nil)
	if w.Code != http.StatusAccepted {
		t.Errorf("cancel status = %d, want 202", w.Code)
	}
	w = serve(s, http.MethodGet, "/api/runs/"+started.RunID, "", nil)
	if w.Header().Get("ETag") != etag {
		t.Error("cancel changed a terminal run")
	}
}

func TestConfigHandlers(t *testing.T) {
	for _, k := range []string{"GITHUB_PAT", "GITHUB_TOKEN", "COMPLETION_API_KEY", "NVIDIA_API_KEY", "OPENAI_API_KEY"} {
		t.Setenv(k, "")
	}
	envFile := filepath.Join(t.TempDir(), ".env")
	store, err := secrets.NewStore(envFile)
	if err != nil {
		t.Fatal(err)
	}
	s, _ := newTestServer(t, store)

	var resp ConfigResponse
	w := serve(s, http.MethodGet, "/api/config", "", nil)
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.GitHubTokenSet || resp.CompletionKeySet || resp.CompletionModel != "test-model" {
		t.Errorf("initial config = %+v", resp)
	}

	w = serve(s, http.MethodPost, "/api/config", `{"github_token":"ghp_secret"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("POST config status = %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "ghp_secret") {
		t.Error("response leaks the token")
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if !resp.GitHubTokenSet || resp.CompletionKeySet {
		t.Errorf("config after set = %+v", resp)
	}

	data, err := os.ReadFile(envFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "GITHUB_PAT=ghp_secret") {
		t.Errorf("env file = %q", data)
	}
	if store.GitHubToken() != "ghp_secret" {
		t.Errorf("GitHubToken() = %q", store.GitHubToken())
	}

	w = serve(s, http.MethodPost, "/api/config", `not json`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", w.Code)
	}
}

func TestConfigHandlers_NoStore(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := serve(s, http.MethodPost, "/api/config", `{"github_token":"x"}`, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestHealthStatsMetrics(t *testing.T) {
	s, orch := newTestServer(t, nil)
	startHealedRun(t, s, orch, "/api/runs")

	var health HealthResponse
	w := serve(s, http.MethodGet, "/health", "", nil)
	json.NewDecoder(w.Body).Decode(&health)
	if health.Status != "ok" || health.Runs != 1 || health.Time.IsZero() {
		t.Errorf("health = %+v", health)
	}

	var stats StatsResponse
	w = serve(s, http.MethodGet, "/api/stats", "", nil)
	json.NewDecoder(w.Body).Decode(&stats)
	if stats.TotalCompleted != 1 || stats.TotalHealed != 1 || stats.FixesApplied != 1 || stats.ActiveRuns != 0 {
		t.Errorf("stats = %+v", stats)
	}

	w = serve(s, http.MethodGet, "/metrics", "", nil)
	if !strings.Contains(w.Body.String(), "heal_runs_started_total 1") {
		t.Errorf("metrics missing heal_runs_started_total:\n%s", w.Body.String())
	}
}

func TestEventStream(t *testing.T) {
	s, orch := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	started := startHealedRun(t, s, orch, "/api/runs")

	kinds := map[string]bool{}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if kind, ok := strings.CutPrefix(line, "event: "); ok {
			kinds[kind] = true
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok && strings.Contains(data, `"run.finished"`) {
			if !strings.Contains(data, started.RunID) {
				t.Errorf("finished event for another run: %s", data)
			}
			break
		}
	}
	for _, want := range []string{"run.created", "run.iteration", "run.finished"} {
		if !kinds[want] {
			t.Errorf("missing %s event, saw %v", want, kinds)
		}
	}
}

func TestRunWebSocket(t *testing.T) {
	s, orch := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	started := startHealedRun(t, s, orch, "/api/runs")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/runs/" + started.RunID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var last RunResponse
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("ReadMessage() error = %v", err)
			}
			break
		}
		if err := json.Unmarshal(msg, &last); err != nil {
			t.Fatal(err)
		}
	}
	if last.ID != started.RunID || last.Status != domain.RunCompleted {
		t.Errorf("last snapshot = %s %s", last.ID, last.Status)
	}
}

func TestEtagMatches(t *testing.T) {
	tests := []struct {
		header string
		want   bool
	}{
		{"", false},
		{`"abc"`, true},
		{`W/"abc"`, true},
		{`"x", "abc"`, true},
		{"*", true},
		{`"abcd"`, false},
	}
	for _, tt := range tests {
		if got := etagMatches(tt.header, `"abc"`); got != tt.want {
			t.Errorf("etagMatches(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}
