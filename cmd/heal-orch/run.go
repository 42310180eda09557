package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/client"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/events"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/orchestrator"
	"github.com/spf13/cobra"
)

var (
	runRepo   string
	runTeam   string
	runLeader string
	runNoWait bool
	runJSON   bool
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Heal a repository",
		Long: `Heal a repository in this process and print progress until the run ends.
With --no-wait the run is submitted to a running control surface instead and
its id is printed immediately.`,
		RunE: runRun,
	}
	runCmd.Flags().StringVar(&runRepo, "repo", "", "repository URL")
	runCmd.Flags().StringVar(&runTeam, "team", "", "team name used in the fix branch")
	runCmd.Flags().StringVar(&runLeader, "leader", "", "leader name used in the fix branch")
	runCmd.Flags().BoolVar(&runNoWait, "no-wait", false, "submit to the server and return immediately")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the final session as JSON")
	runCmd.Flags().BoolVar(&allowLocal, "allow-local", false, "accept local paths and file:// URLs as repositories")
	runCmd.MarkFlagRequired("repo")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	if runNoWait {
		c := client.New(resolveServerURL(cfg))
		started, err := c.Start(cmd.Context(), client.StartRequest{RepoURL: runRepo, TeamName: runTeam, LeaderName: runLeader})
		if err != nil {
			return err
		}
		fmt.Printf("Run %s started on branch %s\n", started.RunID, started.Branch)
		return nil
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

	sub, unsubscribe, err := a.orch.Bus().Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to progress: %w", err)
	}
	defer unsubscribe()

	h, err := a.orch.StartRun(ctx, orchestrator.StartRequest{RepoURL: runRepo, TeamName: runTeam, LeaderName: runLeader})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Run %s on branch %s\n", h.ID, h.Branch)

	done, err := a.orch.Done(h.ID)
	if err != nil {
		return err
	}
	printProgress(os.Stderr, h.ID, sub, done)

	// Done closes once the run is terminal, even after ctx was cancelled
	run, err := a.orch.Get(context.Background(), h.ID)
	if err != nil {
		return err
	}

	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			domain.RunSession
			Summary domain.RunSummary `json:"summary"`
		}{run, domain.Summarize(&run, time.Now())})
	}
	printRun(os.Stdout, &run, domain.Summarize(&run, time.Now()))
	if run.Status == domain.RunFailed {
		return fmt.Errorf("run failed: %s", run.Error)
	}
	return nil
}

// printProgress prints events for runID until done is closed
func printProgress(w io.Writer, runID string, sub <-chan events.Event, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case e, ok := <-sub:
			if !ok {
				<-done
				return
			}
			if e.RunID != runID {
				continue
			}
			fmt.Fprintf(w, "%s  %-14s %-12s %s\n", e.At.Local().Format("15:04:05"), e.Kind, e.Phase, e.Message)
		}
	}
}
