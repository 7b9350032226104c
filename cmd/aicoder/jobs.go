package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jxucoder/aicoder/backend"
	"github.com/jxucoder/aicoder/model"
	"github.com/jxucoder/aicoder/render"
	sqliteStore "github.com/jxucoder/aicoder/store/sqlite"
)

var historyLimit int

var stopCmd = &cobra.Command{
	Use:   "stop [job-id]",
	Short: "Ask the execution service to stop a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show a job as the execution service currently sees it",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List jobs recorded in the local journal",
	RunE:  runHistory,
}

var replayCmd = &cobra.Command{
	Use:   "replay [job-id]",
	Short: "Rebuild a job's final state from the local journal",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of jobs to list (-1 for all)")
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(replayCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	app, err := buildApp(cmd, true)
	if err != nil {
		return err
	}
	defer app.Close()

	id := model.JobID(args[0])
	if err := app.StopJob(cmd.Context(), id); err != nil {
		if backend.IsNotFound(err) {
			return fmt.Errorf("job %s not found on %s", id, app.Config().Server)
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stop requested for job %s\n", id)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	app, err := buildApp(cmd, false)
	if err != nil {
		return err
	}
	defer app.Close()

	id := model.JobID(args[0])
	state, remote, err := app.Status(cmd.Context(), id)
	if err != nil {
		if backend.IsNotFound(err) {
			return fmt.Errorf("job %s not found on %s", id, app.Config().Server)
		}
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Service status: %s\n", remote)
	fmt.Fprint(out, render.New(out).Render(state))
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	app, err := buildApp(cmd, true)
	if err != nil {
		return err
	}
	defer app.Close()

	jobs, err := app.History(historyLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tREPO\tINSTRUCTION\tTOKENS\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			j.ID,
			statusIcon(j.Status),
			j.RepoPath,
			model.Truncate(j.Instruction, 50),
			j.Tokens,
			j.CreatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}

func runReplay(cmd *cobra.Command, args []string) error {
	app, err := buildApp(cmd, true)
	if err != nil {
		return err
	}
	defer app.Close()

	id := model.JobID(args[0])
	state, err := app.Replay(id)
	if err != nil {
		if errors.Is(err, sqliteStore.ErrNotFound) {
			return fmt.Errorf("job %s is not in the journal", id)
		}
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprint(out, render.New(out).Render(state))
	return nil
}

func statusIcon(s model.Status) string {
	switch s {
	case model.StatusRunning:
		return "🔄 running"
	case model.StatusStopped:
		return "⏹ stopped"
	case model.StatusDisconnected:
		return "⚡ disconnected"
	default:
		return string(s)
	}
}
