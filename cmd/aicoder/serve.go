package main

import (
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/jxucoder/aicoder/httpapi"
)

var (
	serveAddr        string
	serveStepDelay   time.Duration
	serveKeepStreams bool
)

var serveCmd = &cobra.Command{
	Use:   "serve-fake",
	Short: "Start a scripted execution service for local testing",
	Long: `Start an HTTP server that speaks the execution service protocol. Every
submitted job replays a short plan, retrieve, patch and test loop that goes
green on its second iteration. Streams are served over websocket
(/tasks/{id}/stream) and server-sent events (/tasks/{id}/events).

Example:
  aicoder serve-fake --addr :8000 --step-delay 300ms
  aicoder run "add validation" --server http://127.0.0.1:8000`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8000", "Listen address")
	serveCmd.Flags().DurationVar(&serveStepDelay, "step-delay", 250*time.Millisecond, "Pause between scripted events")
	serveCmd.Flags().BoolVar(&serveKeepStreams, "keep-streams", false, "Keep streams open after a job finishes")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	h := httpapi.New(httpapi.Options{
		StepDelay:   serveStepDelay,
		CloseOnDone: !serveKeepStreams,
		Logger:      pslog.Ctx(ctx).With("component", "fake-backend"),
	})
	defer h.Close()
	return httpapi.ListenAndServe(ctx, serveAddr, h.Router())
}
