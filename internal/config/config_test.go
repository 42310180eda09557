package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.General.RetryBudget != 5 {
		t.Errorf("RetryBudget = %d, want 5", cfg.General.RetryBudget)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("Web.Port = %d, want 8080", cfg.Web.Port)
	}
	if cfg.Sandbox.Timeout.Duration != 300*time.Second {
		t.Errorf("Sandbox.Timeout = %v, want 5m0s", cfg.Sandbox.Timeout)
	}
	if cfg.CI.PollInterval.Duration != 15*time.Second {
		t.Errorf("CI.PollInterval = %v, want 15s", cfg.CI.PollInterval)
	}
	if got := cfg.Scoring.Policy(); got != domain.DefaultScoringPolicy() {
		t.Errorf("Scoring.Policy() = %+v, want %+v", got, domain.DefaultScoringPolicy())
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Completion.Model != Default().Completion.Model {
		t.Errorf("Completion.Model = %q, want default", cfg.Completion.Model)
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := writeTempConfig(t, `
[general]
work_dir = "/tmp/heal"
retry_budget = 3

[sandbox]
mode = "subprocess"
timeout = "45s"

[sandbox.images]
pytest = "python:3.12-slim"

[ci]
poll_interval = "5s"
max_wait = "1m"

[web]
port = 9000

[events]
backend = "redis"
url = "redis://localhost:6379/0"

[[schedule]]
name = "nightly"
cron = "0 3 * * *"
repo_url = "https://github.com/acme/app"
team_name = "Acme"
leader_name = "Ada"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.WorkDir != "/tmp/heal" {
		t.Errorf("WorkDir = %q, want /tmp/heal", cfg.General.WorkDir)
	}
	if cfg.General.RetryBudget != 3 {
		t.Errorf("RetryBudget = %d, want 3", cfg.General.RetryBudget)
	}
	if cfg.Sandbox.Mode != "subprocess" {
		t.Errorf("Sandbox.Mode = %q, want subprocess", cfg.Sandbox.Mode)
	}
	if cfg.Sandbox.Timeout.Duration != 45*time.Second {
		t.Errorf("Sandbox.Timeout = %v, want 45s", cfg.Sandbox.Timeout)
	}
	if got := cfg.Sandbox.Image(domain.RunnerPytest); got != "python:3.12-slim" {
		t.Errorf("Image(pytest) = %q, want python:3.12-slim", got)
	}
	if cfg.CI.MaxWait.Duration != time.Minute {
		t.Errorf("CI.MaxWait = %v, want 1m", cfg.CI.MaxWait)
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("Web.Port = %d, want 9000", cfg.Web.Port)
	}
	if cfg.Events.Backend != "redis" {
		t.Errorf("Events.Backend = %q, want redis", cfg.Events.Backend)
	}
	if len(cfg.Schedule) != 1 || cfg.Schedule[0].Name != "nightly" {
		t.Fatalf("Schedule = %+v, want one entry named nightly", cfg.Schedule)
	}
	if cfg.Schedule[0].RepoURL != "https://github.com/acme/app" {
		t.Errorf("Schedule[0].RepoURL = %q", cfg.Schedule[0].RepoURL)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad duration", "[sandbox]\ntimeout = \"soon\"\n"},
		{"bad mode", "[sandbox]\nmode = \"vm\"\n"},
		{"bad backend", "[events]\nbackend = \"kafka\"\n"},
		{"max wait below interval", "[ci]\npoll_interval = \"30s\"\nmax_wait = \"10s\"\n"},
		{"not toml", "this is = = not toml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeTempConfig(t, tt.content)); err == nil {
				t.Error("Load() error = nil, want error")
			}
		})
	}
}

func TestValidate_FillsRetryBudget(t *testing.T) {
	cfg := Default()
	cfg.General.RetryBudget = 0
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.General.RetryBudget != domain.DefaultRetryBudget {
		t.Errorf("RetryBudget = %d, want %d", cfg.General.RetryBudget, domain.DefaultRetryBudget)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := Default()
	cfg.CI.MaxWait = D(3 * time.Minute)
	cfg.Notifications.SlackWebhook = "https://hooks.slack.test/x"

	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.CI.MaxWait.Duration != 3*time.Minute {
		t.Errorf("CI.MaxWait = %v, want 3m0s", loaded.CI.MaxWait)
	}
	if loaded.Notifications.SlackWebhook != cfg.Notifications.SlackWebhook {
		t.Errorf("SlackWebhook = %q, want %q", loaded.Notifications.SlackWebhook, cfg.Notifications.SlackWebhook)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFindLocalConfig(t *testing.T) {
	root := t.TempDir()
	subdir := filepath.Join(root, "sub", "dir")
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatal(err)
	}

	localConfig := filepath.Join(root, LocalConfigName)
	if err := os.WriteFile(localConfig, []byte("[general]\nretry_budget = 2\n"), 0644); err != nil {
		t.Fatal(err)
	}

	t.Chdir(subdir)

	found := FindLocalConfig()
	// macOS temp dirs resolve through /private
	if resolved, err := filepath.EvalSymlinks(found); err == nil {
		found = resolved
	}
	want, _ := filepath.EvalSymlinks(localConfig)
	if found != want {
		t.Errorf("FindLocalConfig() = %q, want %q", found, want)
	}

	cfg, err := LoadWithLocalFallback("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.General.RetryBudget != 2 {
		t.Errorf("RetryBudget = %d, want 2", cfg.General.RetryBudget)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}
