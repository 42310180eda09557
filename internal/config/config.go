package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the per-project config file searched for from the working directory upwards
const LocalConfigName = ".heal-orch.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Sandbox       SandboxConfig       `toml:"sandbox"`
	Completion    CompletionConfig    `toml:"completion"`
	CI            CIConfig            `toml:"ci"`
	Scoring       ScoringConfig       `toml:"scoring"`
	Web           WebConfig           `toml:"web"`
	Notifications NotificationsConfig `toml:"notifications"`
	Events        EventsConfig        `toml:"events"`
	Secrets       SecretsConfig       `toml:"secrets"`
	Schedule      []ScheduledRun      `toml:"schedule"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	WorkDir       string `toml:"work_dir"`
	DatabasePath  string `toml:"database_path"`
	PersistRuns   bool   `toml:"persist_runs"`
	KeepCheckouts bool   `toml:"keep_checkouts"`
	RetryBudget   int    `toml:"retry_budget"`
	CloneDepth    int    `toml:"clone_depth"`
	LogLevel      string `toml:"log_level"`
	LogFormat     string `toml:"log_format"`
}

// SandboxConfig controls isolated test execution
type SandboxConfig struct {
	// Mode is one of "auto", "container" or "subprocess"
	Mode            string            `toml:"mode"`
	Runtime         string            `toml:"runtime"`
	// Images maps a test runner to its image. heal-orch/* images are built
	// locally from Dockerfiles embedded in the binary.
	Images          map[string]string `toml:"images"`
	Timeout         Duration          `toml:"timeout"`
	MaxConcurrent   int               `toml:"max_concurrent"`
	ParallelTargets int               `toml:"parallel_targets"`
	Memory          string            `toml:"memory"`
	CPUs            string            `toml:"cpus"`
	PidsLimit       int               `toml:"pids_limit"`
	AllowUnisolated bool              `toml:"allow_unisolated"`
}

// CompletionConfig holds settings for the patch-generating completion service
type CompletionConfig struct {
	BaseURL           string   `toml:"base_url"`
	Model             string   `toml:"model"`
	Temperature       float32  `toml:"temperature"`
	MaxTokens         int      `toml:"max_tokens"`
	Timeout           Duration `toml:"timeout"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
	FallbackBaseURL   string   `toml:"fallback_base_url"`
	FallbackModel     string   `toml:"fallback_model"`
	MaxFileBytes      int      `toml:"max_file_bytes"`
}

// CIConfig holds CI polling settings
type CIConfig struct {
	Provider     string   `toml:"provider"`
	APIBaseURL   string   `toml:"api_base_url"`
	PollInterval Duration `toml:"poll_interval"`
	MaxWait      Duration `toml:"max_wait"`
}

// ScoringConfig holds the scoring constants
type ScoringConfig struct {
	Base             int      `toml:"base"`
	TimeBonus        int      `toml:"time_bonus"`
	TimeThreshold    Duration `toml:"time_threshold"`
	FreeCommits      int      `toml:"free_commits"`
	PenaltyPerCommit int      `toml:"penalty_per_commit"`
}

// WebConfig holds control surface settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// EventsConfig selects the bus progress events are published on
type EventsConfig struct {
	// Backend is one of "memory", "nats" or "redis"
	Backend string `toml:"backend"`
	URL     string `toml:"url"`
	Subject string `toml:"subject"`
}

// SecretsConfig locates the env file holding credentials
type SecretsConfig struct {
	EnvFile string `toml:"env_file"`
	Watch   bool   `toml:"watch"`
}

// ScheduledRun starts a healing run on a cron schedule
type ScheduledRun struct {
	Name       string `toml:"name"`
	Cron       string `toml:"cron"`
	RepoURL    string `toml:"repo_url"`
	TeamName   string `toml:"team_name"`
	LeaderName string `toml:"leader_name"`
}

// Duration is a time.Duration that reads and writes as "30s" in TOML
type Duration struct {
	time.Duration
}

// D wraps a time.Duration
func D(d time.Duration) Duration {
	return Duration{d}
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".heal-orch")
	return &Config{
		General: GeneralConfig{
			WorkDir:      filepath.Join(base, "checkouts"),
			DatabasePath: filepath.Join(base, "runs.db"),
			PersistRuns:  true,
			RetryBudget:  domain.DefaultRetryBudget,
			CloneDepth:   50,
			LogLevel:     "info",
			LogFormat:    "text",
		},
		Sandbox: SandboxConfig{
			Mode:    "auto",
			Runtime: "docker",
			Images: map[string]string{
				string(domain.RunnerPytest): "heal-orch/pytest:3.11",
				string(domain.RunnerJest):   "heal-orch/jest:20",
				string(domain.RunnerBun):    "oven/bun:1",
				string(domain.RunnerGoTest): "golang:1.24",
			},
			Timeout:         D(300 * time.Second),
			MaxConcurrent:   4,
			ParallelTargets: 4,
			Memory:          "1g",
			CPUs:            "1",
			PidsLimit:       256,
		},
		Completion: CompletionConfig{
			BaseURL:           "https://integrate.api.nvidia.com/v1",
			Model:             "mistralai/mixtral-8x22b-instruct-v0.1",
			Temperature:       0.5,
			MaxTokens:         2048,
			Timeout:           D(90 * time.Second),
			RequestsPerMinute: 30,
			MaxFileBytes:      100_000,
		},
		CI: CIConfig{
			Provider:     "github",
			APIBaseURL:   "https://api.github.com",
			PollInterval: D(15 * time.Second),
			MaxWait:      D(150 * time.Second),
		},
		Scoring: ScoringConfig{
			Base:             100,
			TimeBonus:        10,
			TimeThreshold:    D(5 * time.Minute),
			FreeCommits:      20,
			PenaltyPerCommit: 2,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Events: EventsConfig{
			Backend: "memory",
			Subject: "heal.runs",
		},
		Secrets: SecretsConfig{
			EnvFile: filepath.Join(home, ".config", "heal-orch", "secrets.env"),
			Watch:   true,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.General.WorkDir = ExpandPath(cfg.General.WorkDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.Secrets.EnvFile = ExpandPath(cfg.Secrets.EnvFile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithLocalFallback loads the explicit path if given, otherwise a
// .heal-orch.toml found from the working directory upwards, otherwise the
// default config path.
func LoadWithLocalFallback(explicit string) (*Config, error) {
	if explicit != "" {
		return Load(explicit)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig walks up from the working directory looking for LocalConfigName
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Save writes the configuration as TOML
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate fills zero values with defaults and rejects impossible settings
func (c *Config) Validate() error {
	if c.General.RetryBudget <= 0 {
		c.General.RetryBudget = domain.DefaultRetryBudget
	}
	switch c.Sandbox.Mode {
	case "", "auto", "container", "subprocess":
	default:
		return fmt.Errorf("sandbox.mode %q: want auto, container or subprocess", c.Sandbox.Mode)
	}
	if c.Sandbox.Timeout.Duration <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive")
	}
	switch c.Events.Backend {
	case "", "memory", "nats", "redis":
	default:
		return fmt.Errorf("events.backend %q: want memory, nats or redis", c.Events.Backend)
	}
	if c.CI.PollInterval.Duration <= 0 {
		return fmt.Errorf("ci.poll_interval must be positive")
	}
	if c.CI.MaxWait.Duration < c.CI.PollInterval.Duration {
		return fmt.Errorf("ci.max_wait (%s) is shorter than ci.poll_interval (%s)", c.CI.MaxWait, c.CI.PollInterval)
	}
	return nil
}

// Policy converts the scoring section into a domain.ScoringPolicy
func (s ScoringConfig) Policy() domain.ScoringPolicy {
	return domain.ScoringPolicy{
		Base:             s.Base,
		TimeBonus:        s.TimeBonus,
		TimeThreshold:    s.TimeThreshold.Duration,
		FreeCommits:      s.FreeCommits,
		PenaltyPerCommit: s.PenaltyPerCommit,
	}
}

// Image returns the container image for a test runner, falling back to the pytest image
func (s SandboxConfig) Image(runner domain.TestRunner) string {
	if img, ok := s.Images[string(runner)]; ok && img != "" {
		return img
	}
	return s.Images[string(domain.RunnerPytest)]
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "heal-orch", "config.toml")
}
