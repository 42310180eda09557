package sandbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/config"
)

// New builds the Runner selected by cfg.Mode. "auto" prefers a container
// runtime and falls back to a subprocess when the runtime does not answer.
// The result is wrapped in a Pool when MaxConcurrent is set.
func New(ctx context.Context, cfg config.SandboxConfig, logger *slog.Logger) (Runner, *Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sandbox")

	container := &Container{
		Runtime:   cfg.Runtime,
		Image:     cfg.Image,
		Memory:    cfg.Memory,
		CPUs:      cfg.CPUs,
		PidsLimit: cfg.PidsLimit,
		Logger:    logger,
	}

	var r Runner
	switch cfg.Mode {
	case "container":
		r = container
	case "subprocess":
		r = NewSubprocess(ctx, cfg.AllowUnisolated, logger)
	case "", "auto":
		if container.Available(ctx) {
			logger.Info("using container sandbox", "runtime", container.runtime())
			r = container
		} else {
			logger.Info("container runtime unavailable, using subprocess sandbox", "runtime", container.runtime())
			r = NewSubprocess(ctx, cfg.AllowUnisolated, logger)
		}
	default:
		return nil, nil, fmt.Errorf("unknown sandbox mode %q", cfg.Mode)
	}

	if cfg.MaxConcurrent <= 0 {
		return r, nil, nil
	}
	pool := NewPool(cfg.MaxConcurrent)
	return &Limited{Runner: r, Pool: pool}, pool, nil
}
