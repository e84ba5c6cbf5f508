// Package main provides the backtest binary entry point.
// Backtest replays authored conflict scenarios through the mediator, scores
// every turn, compares runs against baselines and proposes instruction edits
// for the weakest turns.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	// Register LLM providers via init()
	_ "github.com/c360studio/backtest/llm/providers"

	"github.com/c360studio/backtest/config"
	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "backtest"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	overrides  config.Config
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Regression harness for the conflict mediator",
		Long: `Backtest replays authored multi-turn conflict scenarios through the
mediator pipeline and scores every turn.

It provides:
- Single and batch replays persisted under the results directory
- Per-mode baselines and run/batch comparisons
- Critic diagnosis of the weakest turns
- Reviewable refinement plans for the mediator instruction sections`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML, default: backtest.yaml found from cwd)")
	flags.StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&g.overrides.Results.Root, "results", "", "Results directory")
	flags.StringVar(&g.overrides.Corpus.Root, "corpus", "", "Scenario corpus directory")
	flags.StringVar(&g.overrides.Prompts.Root, "prompts", "", "Instruction sections directory")
	flags.StringVar(&g.overrides.Model.RegistryFile, "models", "", "Model registry JSON file")
	flags.StringVar(&g.overrides.Metrics.Textfile, "metrics-textfile", "", "Write Prometheus metrics to this textfile")

	cmd.AddCommand(
		runCmd(g),
		batchCmd(g),
		baselineCmd(g),
		compareCmd(g),
		diagnoseCmd(g),
		planCmd(g),
		applyCmd(g),
		reportCmd(g),
		watchCmd(g),
		configCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

func newLogger(level string) *slog.Logger {
	l := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// loadConfig layers the config files and then the command-line overrides.
func (g *globalFlags) loadConfig(logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.NewLoader(logger).Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Merge(&g.overrides)
	return cfg, nil
}

// withApp builds the App, runs fn and flushes metrics afterwards.
func (g *globalFlags) withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
	logger := newLogger(g.logLevel)
	slog.SetDefault(logger)

	cfg, err := g.loadConfig(logger)
	if err != nil {
		return err
	}
	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}

	runErr := fn(cmd.Context(), app)
	if err := app.Close(); err != nil {
		logger.Warn("Failed to write metrics", "error", err)
	}
	return runErr
}
