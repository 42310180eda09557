package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/fix"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/gitops"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/observer"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/secrets"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// StartResponse is returned when a run is accepted
type StartResponse struct {
	RunID   string `json:"run_id"`
	Branch  string `json:"branch_name"`
	Message string `json:"message"`
}

// RunResponse is a run snapshot. Summary is only set once the run is terminal.
type RunResponse struct {
	domain.RunSession
	Summary *domain.RunSummary `json:"summary,omitempty"`
}

// RunListItem is one row of GET /api/runs
type RunListItem struct {
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

// DiffEntry is the unified diff of one patched file in one iteration
type DiffEntry struct {
	Iteration int    `json:"iteration"`
	File      string `json:"file"`
	Diff      string `json:"diff"`
}

// ConfigResponse reports which secrets are present, never their values
type ConfigResponse struct {
	secrets.Status
	CompletionModel string `json:"completion_model"`
}

// ConfigUpdate is the body of POST /api/config
type ConfigUpdate struct {
	GitHubToken      string `json:"github_token"`
	CompletionAPIKey string `json:"completion_api_key"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
	Runs   int       `json:"runs"`
}

// StatsResponse is the body of GET /api/stats
type StatsResponse struct {
	observer.Metrics
	ActiveRuns        int      `json:"active_runs"`
	RecentCompletions []string `json:"recent_completions"`
}

func newRunResponse(run domain.RunSession) RunResponse {
	resp := RunResponse{RunSession: run}
	if run.Terminal() {
		sum := domain.Summarize(&run, time.Now())
		resp.Summary = &sum
	}
	return resp
}

func newRunListItem(run domain.RunSession) RunListItem {
	item := RunListItem{
		ID:         run.ID,
		RepoURL:    run.RepoURL,
		Branch:     run.Branch,
		Status:     run.Status,
		Phase:      run.Phase,
		Message:    run.Message,
		StartedAt:  run.StartedAt,
		EndedAt:    run.EndedAt,
		Iterations: len(run.Iterations),
		Commits:    run.Commits,
	}
	if run.Score != nil {
		total := run.Score.Total
		item.Score = &total
	}
	return item
}

func (s *Server) startRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req orchestrator.StartRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		handle, err := s.orch.StartRun(r.Context(), req)
		if err != nil {
			var ve *orchestrator.ValidationError
			if errors.As(err, &ve) {
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"error":  ve.Error(),
					"fields": ve.Fields,
				})
				return
			}
			s.logger.Warn("start run failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}

		writeJSON(w, http.StatusAccepted, StartResponse{
			RunID:   handle.ID,
			Branch:  handle.Branch,
			Message: "healing run started",
		})
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := domain.RunStatus(r.URL.Query().Get("status"))
		runs := s.orch.List()
		items := make([]RunListItem, 0, len(runs))
		for _, run := range runs {
			if status != "" && run.Status != status {
				continue
			}
			items = append(items, newRunListItem(run))
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := s.lookup(w, r)
		if !ok {
			return
		}

		body, err := json.Marshal(newRunResponse(run))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "encoding run failed")
			return
		}

		etag := `"` + gitops.Digest(body) + `"`
		w.Header().Set("ETag", etag)
		w.Header().Set("Cache-Control", "no-cache")
		if etagMatches(r.Header.Get("If-None-Match"), etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}
}

func (s *Server) cancelRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := s.orch.Cancel(id); err != nil {
			if errors.Is(err, orchestrator.ErrNotFound) {
				writeError(w, http.StatusNotFound, "run not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"run_id":  id,
			"message": "cancellation requested",
		})
	}
}

func (s *Server) diffHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := s.lookup(w, r)
		if !ok {
			return
		}

		diffs := make([]DiffEntry, 0, len(run.Patches))
		for _, p := range run.Patches {
			d, err := fix.UnifiedDiff(p.File, p.Original, p.Modified)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "rendering diff failed")
				return
			}
			diffs = append(diffs, DiffEntry{Iteration: p.Iteration, File: p.File, Diff: d})
		}

		if strings.Contains(r.Header.Get("Accept"), "text/x-diff") {
			var buf bytes.Buffer
			for _, d := range diffs {
				buf.WriteString(d.Diff)
			}
			w.Header().Set("Content-Type", "text/x-diff; charset=utf-8")
			w.Write(buf.Bytes())
			return
		}
		writeJSON(w, http.StatusOK, diffs)
	}
}

func (s *Server) getConfigHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := ConfigResponse{CompletionModel: s.cfg.Completion.Model}
		if s.secrets != nil {
			resp.Status = s.secrets.Status()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) setConfigHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.secrets == nil {
			writeError(w, http.StatusServiceUnavailable, "no secrets file configured")
			return
		}
		var req ConfigUpdate
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		updates := map[string]string{
			secrets.KeyGitHubToken:   strings.TrimSpace(req.GitHubToken),
			secrets.KeyCompletionKey: strings.TrimSpace(req.CompletionAPIKey),
		}
		if err := s.secrets.Set(updates); err != nil {
			s.logger.Error("storing secrets failed", "error", err)
			writeError(w, http.StatusInternalServerError, "storing secrets failed")
			return
		}
		s.logger.Info("secrets updated", "path", s.secrets.Path())

		writeJSON(w, http.StatusOK, ConfigResponse{
			Status:          s.secrets.Status(),
			CompletionModel: s.cfg.Completion.Model,
		})
	}
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status: "ok",
			Time:   time.Now().UTC(),
			Runs:   s.orch.Registry().Len(),
		})
	}
}

func (s *Server) statsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		obs := s.orch.Observer()
		recent := obs.GetRecentCompletions(time.Hour)
		if recent == nil {
			recent = []string{}
		}
		writeJSON(w, http.StatusOK, StatsResponse{
			Metrics:           obs.GetMetrics(),
			ActiveRuns:        s.orch.Registry().Active(),
			RecentCompletions: recent,
		})
	}
}

func (s *Server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.orch.Observer().Registry(), promhttp.HandlerOpts{})
}

// lookup resolves the {id} path value, writing a 404 when the run is unknown
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (domain.RunSession, bool) {
	run, err := s.orch.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, orchestrator.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return domain.RunSession{}, false
	}
	if err != nil {
		s.logger.Error("loading run failed", "run_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "loading run failed")
		return domain.RunSession{}, false
	}
	return run, true
}

func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}
