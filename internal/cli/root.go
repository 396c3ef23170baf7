// Package cli provides the command-line interface for evidraft.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/evidraft/internal/app"
	"github.com/raphaelgruber/evidraft/internal/client"
	"github.com/raphaelgruber/evidraft/internal/config"
	"github.com/raphaelgruber/evidraft/internal/tracing"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose   bool
	serverURL string
	user      string

	// API client for the remote commands
	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "evidraft",
	Short: "Evidence-grounded document generation queue",
	Long: `Evidraft generates structured documents section by section from a
template, grounding every section in ranked evidence and recording how
much each draft can be trusted.

Jobs are submitted to the API server and processed by workers that share
a durable SQLite queue.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		apiClient = client.New(serverURL, user)
	},
}

// Execute runs the CLI until it finishes or receives SIGINT/SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "API server URL (default $EVIDRAFT_SERVER_URL or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVarP(&user, "user", "u", defaultUser(), "identity sent as "+client.UserHeader)
}

func defaultUser() string {
	if u := os.Getenv("EVIDRAFT_USER"); u != "" {
		return u
	}
	return os.Getenv("USER")
}

// withApp runs fn against locally opened stores. Used by commands that run
// components in-process instead of talking to the API.
func withApp(ctx context.Context, service string, fn func(ctx context.Context, a *app.App) error) error {
	cfg := config.Load()
	if verbose {
		cfg.LogLevel = slog.LevelDebug
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer closeLog()
	slog.SetDefault(logger)

	shutdownTracing, err := tracing.Init(service, cfg.OTELExporter)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close stores: %v\n", err)
		}
	}()

	return fn(ctx, a)
}
