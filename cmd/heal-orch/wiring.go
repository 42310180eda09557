package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/ci"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/config"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/events"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/fix"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/gitops"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/notify"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/observer"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/prompts"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/runstore"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/sandbox"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/secrets"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/verify"
)

// app holds everything a process needs to run healing runs in-process
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	secrets *secrets.Store
	store   *runstore.Store
	bus     events.Bus
	orch    *orchestrator.Orchestrator

	watcher *secrets.Watcher
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// setup loads the config and builds the logger every command uses
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	level, format := cfg.General.LogLevel, cfg.General.LogFormat
	if logLevel != "" {
		level = logLevel
	}
	if logFormat != "" {
		format = logFormat
	}
	logger, err := newLogger(level, format)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// newApp wires the orchestrator from cfg. persist enables the run store when
// the config asks for it.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, persist bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close(context.Background())
		}
	}()

	secretStore, err := secrets.NewStore(config.ExpandPath(cfg.Secrets.EnvFile))
	if err != nil {
		return nil, fmt.Errorf("loading secrets: %w", err)
	}
	a.secrets = secretStore
	if cfg.Secrets.Watch {
		w, err := secrets.NewWatcher(secretStore, func(st secrets.Status) {
			logger.Info("secrets reloaded", "github_token_set", st.GitHubTokenSet, "completion_key_set", st.CompletionKeySet)
		}, logger)
		if err != nil {
			logger.Warn("secrets watcher unavailable", "error", err)
		} else {
			w.Start(ctx)
			a.watcher = w
		}
	}

	if persist && cfg.General.PersistRuns {
		dbPath := config.ExpandPath(cfg.General.DatabasePath)
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		store, err := runstore.New(dbPath)
		if err != nil {
			return nil, fmt.Errorf("opening run store: %w", err)
		}
		a.store = store
	}

	bus, err := events.NewBus(cfg.Events)
	if err != nil {
		return nil, fmt.Errorf("connecting event bus: %w", err)
	}
	a.bus = bus

	obs := observer.New(30 * time.Minute)
	runner, pool, err := sandbox.New(ctx, cfg.Sandbox, logger)
	if err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}
	if pool != nil {
		pool.SetOnSlotsChanged(obs.SetFreeSlots)
		obs.SetFreeSlots(pool.Available())
	}

	gen, err := newGenerator(cfg.Completion, secretStore, logger)
	if err != nil {
		return nil, err
	}

	verifier := &verify.Verifier{
		Force:        true,
		CI:           newCIProvider(cfg.CI, secretStore),
		PollInterval: cfg.CI.PollInterval.Duration,
		MaxWait:      cfg.CI.MaxWait.Duration,
		Logger:       logger,
	}

	orch, err := orchestrator.New(orchestrator.Options{
		WorkDir:         config.ExpandPath(cfg.General.WorkDir),
		RetryBudget:     cfg.General.RetryBudget,
		CloneDepth:      cfg.General.CloneDepth,
		KeepCheckouts:   cfg.General.KeepCheckouts,
		AllowLocalRepos: allowLocal,
		SandboxTimeout:  cfg.Sandbox.Timeout.Duration,
		ParallelTargets: cfg.Sandbox.ParallelTargets,
		Scoring:         cfg.Scoring.Policy(),
		Identity:        gitops.DefaultIdentity,
		Token:           secretStore.GitHubToken,
		Runner:          runner,
		Fixer:           gen,
		Verifier:        verifier,
		Bus:             bus,
		Observer:        obs,
		Notifier:        notify.New(cfg.Notifications),
		Store:           a.store,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	a.orch = orch
	ok = true
	return a, nil
}

func newGenerator(cfg config.CompletionConfig, secretStore *secrets.Store, logger *slog.Logger) (*fix.Generator, error) {
	primary := fix.NewOpenAICompleter(fix.OpenAIOptions{
		BaseURL:           cfg.BaseURL,
		Model:             cfg.Model,
		APIKey:            secretStore.CompletionKey,
		RequireKey:        true,
		Temperature:       cfg.Temperature,
		MaxTokens:         cfg.MaxTokens,
		Timeout:           cfg.Timeout.Duration,
		RequestsPerMinute: cfg.RequestsPerMinute,
		Logger:            logger,
	})

	var completer fix.Completer = primary
	if cfg.FallbackBaseURL != "" {
		model := cfg.FallbackModel
		if model == "" {
			model = cfg.Model
		}
		completer = &fix.FallbackCompleter{
			Primary: primary,
			Secondary: fix.NewOpenAICompleter(fix.OpenAIOptions{
				BaseURL:     cfg.FallbackBaseURL,
				Model:       model,
				APIKey:      secretStore.CompletionKey,
				Temperature: cfg.Temperature,
				MaxTokens:   cfg.MaxTokens,
				Timeout:     cfg.Timeout.Duration,
				Logger:      logger,
			}),
			Logger: logger,
		}
	}

	cwd, _ := os.Getwd()
	gen, err := fix.NewGenerator(completer, prompts.DefaultLoader(cwd), cfg.MaxFileBytes, logger)
	if err != nil {
		return nil, fmt.Errorf("loading fix prompts: %w", err)
	}
	return gen, nil
}

// newCIProvider returns nil when CI polling is disabled, which records CI as skipped
func newCIProvider(cfg config.CIConfig, secretStore *secrets.Store) ci.Provider {
	switch cfg.Provider {
	case "github":
		return ci.NewGitHubChecks(cfg.APIBaseURL, secretStore.GitHubToken)
	default:
		return nil
	}
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.orch != nil {
		if err := a.orch.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping runs: %w", err))
		}
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing event bus: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing run store: %w", err))
		}
	}
	return errors.Join(errs...)
}
