package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/config"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/schedule"
	"github.com/hochfrequenz/ci-heal-orchestrator/web/api"
	"github.com/spf13/cobra"
)

var (
	servePort    int
	serveHost    string
	restoreLimit int
	allowLocal   bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP control surface",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "address to bind (default from config)")
	serveCmd.Flags().IntVar(&restoreLimit, "restore", 200, "number of persisted runs to load at startup")
	serveCmd.Flags().BoolVar(&allowLocal, "allow-local", false, "accept local paths and file:// URLs as repositories")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Web.Port = servePort
	}
	if serveHost != "" {
		cfg.Web.Host = serveHost
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.close(shutdownCtx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	if n, err := a.orch.Restore(ctx, restoreLimit); err != nil {
		logger.Warn("restoring runs failed", "error", err)
	} else if n > 0 {
		logger.Info("marked interrupted runs as failed", "count", n)
	}

	if len(cfg.Schedule) > 0 {
		sched, err := schedule.New(cfg.Schedule, time.Now(), logger)
		if err != nil {
			return err
		}
		go sched.Start(ctx, time.Minute, scheduledRun(a.orch))
		logger.Info("schedules loaded", "count", len(cfg.Schedule), "names", sched.Names())
	}

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	srv := api.NewServer(a.orch, a.secrets, cfg, addr, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// scheduledRun starts a run for a schedule entry and waits for it to finish,
// so an entry never overlaps with itself.
func scheduledRun(orch *orchestrator.Orchestrator) schedule.RunFunc {
	return func(ctx context.Context, e config.ScheduledRun) error {
		h, err := orch.StartRun(ctx, orchestrator.StartRequest{
			RepoURL:    e.RepoURL,
			TeamName:   e.TeamName,
			LeaderName: e.LeaderName,
		})
		if err != nil {
			return err
		}
		run, err := orch.Wait(ctx, h.ID)
		if err != nil {
			return err
		}
		if run.Error != "" {
			return fmt.Errorf("run %s %s: %s", run.ID, run.Status, run.Error)
		}
		return nil
	}
}
