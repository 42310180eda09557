package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/client"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/config"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
	"github.com/hochfrequenz/ci-heal-orchestrator/tui"
	"github.com/spf13/cobra"
)

var (
	listStatus    string
	watchInterval time.Duration
)

func init() {
	statusCmd := &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (pending, running, completed, failed)")
	rootCmd.AddCommand(listCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel a running run",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	rootCmd.AddCommand(cancelCmd)

	diffCmd := &cobra.Command{
		Use:   "diff RUN_ID",
		Short: "Print the patches a run applied",
		Args:  cobra.ExactArgs(1),
		RunE:  runDiff,
	}
	rootCmd.AddCommand(diffCmd)

	watchCmd := &cobra.Command{
		Use:   "watch [RUN_ID]",
		Short: "Watch runs in a terminal dashboard",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runWatch,
	}
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "refresh interval")
	rootCmd.AddCommand(watchCmd)
}

// resolveServerURL prefers --server, then the [web] section
func resolveServerURL(cfg *config.Config) string {
	if serverURL != "" {
		return serverURL
	}
	host := cfg.Web.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Web.Port)
}

func newClient() (*client.Client, error) {
	cfg, _, err := setup()
	if err != nil {
		return nil, err
	}
	return client.New(resolveServerURL(cfg)), nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	run, err := c.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	summary := domain.Summarize(&run.RunSession, time.Now())
	if run.Summary != nil {
		summary = *run.Summary
	}
	printRun(os.Stdout, &run.RunSession, summary)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	runs, err := c.List(cmd.Context(), domain.RunStatus(listStatus))
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPHASE\tITER\tSCORE\tBRANCH\tSTARTED")
	for _, r := range runs {
		score := "-"
		if r.Score != nil {
			score = fmt.Sprintf("%d", *r.Score)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.Status, r.Phase, r.Iterations, score, r.Branch, humanize.Time(r.StartedAt))
	}
	return w.Flush()
}

func runCancel(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if err := c.Cancel(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Cancellation requested for %s\n", args[0])
	return nil
}

func runDiff(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	diff, err := c.Diff(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if diff == "" {
		fmt.Fprintln(os.Stderr, "No patches recorded")
		return nil
	}
	fmt.Print(diff)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	cfg := tui.ModelConfig{Source: c, Interval: watchInterval}
	if len(args) == 1 {
		cfg.RunID = args[0]
	}
	p := tea.NewProgram(tui.NewModel(cfg), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

// printRun writes a human-readable report of a run
func printRun(w io.Writer, run *domain.RunSession, summary domain.RunSummary) {
	fmt.Fprintf(w, "Run:      %s\n", run.ID)
	fmt.Fprintf(w, "Repo:     %s\n", run.RepoURL)
	fmt.Fprintf(w, "Branch:   %s\n", run.Branch)
	fmt.Fprintf(w, "Status:   %s (%s)\n", run.Status, run.Phase)
	if run.Message != "" {
		fmt.Fprintf(w, "Message:  %s\n", run.Message)
	}
	fmt.Fprintf(w, "Started:  %s (%s)\n", run.StartedAt.Local().Format(time.DateTime), humanize.Time(run.StartedAt))
	fmt.Fprintf(w, "Duration: %s\n", summary.TotalTimeHuman)
	if run.Error != "" {
		fmt.Fprintf(w, "Error:    [%s] %s\n", run.ErrorKind, run.Error)
	}

	if len(run.Iterations) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ITER\tOUTCOME\tFAILURES\tFIXES\tMESSAGE")
		for _, it := range run.Iterations {
			fmt.Fprintf(tw, "%d/%d\t%s\t%d\t%d\t%s\n",
				it.Index, run.RetryBudget, it.Outcome, it.FailuresCount, it.FixesApplied, it.Message)
		}
		tw.Flush()
	}

	if len(run.Fixes) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "FILE\tLINE\tTYPE\tSTATUS\tCOMMIT\tMESSAGE")
		for _, f := range run.Fixes {
			msg := f.CommitMessage
			if f.Status == domain.FixFailed {
				msg = f.Error
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
				f.File, f.Line, f.Category, f.Status, shortHash(f.CommitHash), msg)
		}
		tw.Flush()
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Failures found: %d, fixes applied: %d, fixes failed: %d, commits: %d\n",
		summary.FailuresFound, summary.FixesApplied, summary.FixesFailed, summary.TotalCommits)
	if run.CI != nil {
		fmt.Fprintf(w, "CI:       %s (%s)\n", run.CI.Status, pluralPolls(len(run.CI.Polls)))
	}
	if run.Score != nil {
		fmt.Fprintf(w, "Score:    %d", run.Score.Total)
		if len(run.Score.Notes) > 0 {
			fmt.Fprintf(w, " (%s)", strings.Join(run.Score.Notes, "; "))
		}
		fmt.Fprintln(w)
	}
	if len(run.Files) > 0 {
		var size int64
		for _, f := range run.Files {
			size += f.Size
		}
		fmt.Fprintf(w, "Files:    %d (%s)\n", len(run.Files), humanize.Bytes(uint64(size)))
	}
}

func shortHash(h string) string {
	if len(h) > 10 {
		return h[:10]
	}
	if h == "" {
		return "-"
	}
	return h
}

func pluralPolls(n int) string {
	if n == 1 {
		return "1 poll"
	}
	return fmt.Sprintf("%d polls", n)
}
