// aicoder submits coding jobs to an execution service and follows them
// live: plan, retrieval, patch and test events as they happen.
package main

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"pkt.systems/psi"
	"pkt.systems/pslog"

	"github.com/jxucoder/aicoder"
	"github.com/jxucoder/aicoder/internal/config"
)

var (
	version = "dev"

	cfgPath       string
	serverURL     string
	transportKind string
)

var rootCmd = &cobra.Command{
	Use:   "aicoder",
	Short: "aicoder - follow AI coding jobs from the terminal",
	Long: `aicoder submits a coding instruction to an execution service and streams
the job's plan, patches, test output and cost as they arrive.

  aicoder run "add input validation" --repo ./app   Run a job and follow it
  aicoder stop <id>                                 Stop a job
  aicoder status <id>                               Show a job's backend state
  aicoder history                                   List journaled jobs
  aicoder replay <id>                               Rebuild a job from the journal
  aicoder serve-fake                                Start a scripted local backend
  aicoder config init                               Write a default config file
  aicoder config show                               Print the effective config`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file (default ~/.aicoder/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Execution service URL (overrides config and AICODER_SERVER)")
	rootCmd.PersistentFlags().StringVar(&transportKind, "transport", "", "Stream transport: websocket or sse")
}

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		pslog.Ctx(ctx).With("err", err).Error("aicoder command failed")
		return 1
	}
	return 0
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		cfg.Server = strings.TrimRight(serverURL, "/")
	}
	if transportKind != "" {
		cfg.Transport = strings.ToLower(transportKind)
	}
	return cfg, nil
}

// buildApp loads configuration and assembles the client. withJournal=false
// skips opening the local database.
func buildApp(cmd *cobra.Command, withJournal bool) (*aicoder.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	b := aicoder.NewBuilder().
		WithConfig(cfg).
		WithLogger(pslog.Ctx(cmd.Context()))
	if !withJournal {
		b = b.WithoutJournal()
	}
	return b.Build()
}
