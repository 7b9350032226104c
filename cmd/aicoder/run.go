package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/jxucoder/aicoder/engine"
	"github.com/jxucoder/aicoder/eventbus"
	"github.com/jxucoder/aicoder/model"
	"github.com/jxucoder/aicoder/render"
)

var (
	runRepo       string
	runMaxIters   int
	runUseTeacher bool
	runDiffOut    string
	runGrace      time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run [instruction]",
	Short: "Submit a job and follow it until it ends",
	Long: `Submit a coding instruction to the execution service and stream the job's
events: timeline notes, console output, proposed diffs and cost.

Ctrl-C stops the job. When the job reports it is done, aicoder waits briefly
for the service to close the stream and then closes it itself.

Example:
  aicoder run "add input validation to the signup handler" --repo ./app
  aicoder run "fix the flaky test" --max-iters 5 --diff-out fix.patch`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runRepo, "repo", "r", ".", "Repository path on the execution service")
	runCmd.Flags().IntVar(&runMaxIters, "max-iters", 0, "Maximum plan/patch/test iterations (default from config)")
	runCmd.Flags().BoolVar(&runUseTeacher, "use-teacher", false, "Ask the service to use its stronger model")
	runCmd.Flags().StringVar(&runDiffOut, "diff-out", "", "Write the final proposed file contents here")
	runCmd.Flags().DurationVar(&runGrace, "grace", 2*time.Second, "How long to wait for the stream to close after the job finishes")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := buildApp(cmd, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			pslog.Ctx(ctx).Warn("closing app", "err", err)
		}
	}()

	req := model.JobRequest{
		RepoPath:    runRepo,
		Instruction: args[0],
		MaxIters:    runMaxIters,
		UseTeacher:  runUseTeacher || app.Config().Job.UseTeacher,
	}

	ctl := app.Controller()
	notices, unsubscribe := ctl.Subscribe()
	defer unsubscribe()

	id, err := ctl.Run(ctx, req)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job %s started\n\n", id)

	state := follow(ctx, ctl, notices, render.New(out), runGrace)

	if finished(state) {
		fmt.Fprintln(out, "\nJob finished.")
	}
	if runDiffOut != "" {
		if err := writeDiff(out, runDiffOut, state.PendingDiff); err != nil {
			return err
		}
	}
	return nil
}

// follow prints the job's progress until its reducer loop exits. The job is
// stopped when ctx ends, or once a finished job's stream outlives grace.
func follow(ctx context.Context, ctl *engine.Controller, notices <-chan eventbus.Notice, p *render.Printer, grace time.Duration) model.JobState {
	done := make(chan error, 1)
	go func() { done <- ctl.Wait(context.Background()) }()

	var graceTimer <-chan time.Time
	ctxDone := ctx.Done()
	for {
		select {
		case n := <-notices:
			p.Notice(n)
			state := ctl.Snapshot()
			p.Update(state)
			if graceTimer == nil && finished(state) {
				graceTimer = time.After(grace)
			}
		case <-graceTimer:
			ctl.Stop(context.WithoutCancel(ctx))
			graceTimer = nil
		case <-ctxDone:
			ctl.Stop(context.WithoutCancel(ctx))
			ctxDone = nil
		case <-done:
			drain(notices, p)
			state := ctl.Snapshot()
			p.Update(state)
			return state
		}
	}
}

func drain(notices <-chan eventbus.Notice, p *render.Printer) {
	for {
		select {
		case n := <-notices:
			p.Notice(n)
		default:
			return
		}
	}
}

// finished reports whether the service announced the end of the job.
func finished(s model.JobState) bool {
	if len(s.Timeline) == 0 {
		return false
	}
	switch s.Timeline[len(s.Timeline)-1].Kind {
	case "done", "error", "stopped":
		return true
	}
	return false
}

func writeDiff(out io.Writer, path string, d *model.DiffProposal) error {
	if d == nil {
		fmt.Fprintln(out, "No diff was proposed; nothing written.")
		return nil
	}
	if err := os.WriteFile(path, []byte(d.After), 0o644); err != nil {
		return fmt.Errorf("writing diff: %w", err)
	}
	fmt.Fprintf(out, "Proposed contents written to %s\n", path)
	return nil
}
