package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/evidraft/internal/app"
)

var (
	serveNoWorkers bool
	workerNoSweep  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server with workers and the claim sweeper",
	Long: `Run the HTTP API, the claim sweeper and EVIDRAFT_WORKER_CONCURRENCY
workers against the local job store. Configuration is read from the
environment.

Examples:
  evidraft serve
  evidraft serve --no-workers   # API only; run workers elsewhere`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), "evidraft-server", func(ctx context.Context, a *app.App) error {
			return a.Run(ctx, app.RunOptions{API: true, Workers: !serveNoWorkers, Sweeper: true})
		})
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run generation workers without the API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), "evidraft-worker", func(ctx context.Context, a *app.App) error {
			return a.Run(ctx, app.RunOptions{Workers: true, Sweeper: !workerNoSweep})
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Return expired claims to the queue once",
	Long: `Reclaim jobs whose worker stopped renewing its claim. Jobs with attempts
left go back to pending; exhausted ones fail, and those with a pending
cancellation are cancelled.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), "evidraft", func(ctx context.Context, a *app.App) error {
			res, err := a.Jobs.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Requeued %d, failed %d, cancelled %d\n", res.Requeued, res.Failed, res.Cancelled)
			return nil
		})
	},
}

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Manage subjects and templates",
}

var recordsLoadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Load subjects and templates from a YAML file",
	Long: `Upsert the subjects and templates of a YAML file into the local store.
Templates are validated before anything is written.

File layout:
  subjects:
    - id: acme
      display_name: Acme Ltd
  templates:
    - id: business-plan
      name: Business plan
      sections:
        - id: goals
          title: Goals
          fields:
            - {name: objectives, required: true, measurable: true}`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), "evidraft", func(ctx context.Context, a *app.App) error {
			res, err := a.Records.LoadFile(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Loaded %d subjects, %d templates\n", res.Subjects, res.Templates)
			return nil
		})
	},
}

var chunksCmd = &cobra.Command{
	Use:   "chunks",
	Short: "Manage the evidence index",
}

var chunksLoadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Embed and index evidence chunks from a YAML file",
	Long: `Write the chunks of a YAML file into the SurrealDB evidence index.
Chunks without an embedding are embedded with the configured provider.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), "evidraft", func(ctx context.Context, a *app.App) error {
			n, err := a.LoadChunks(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Indexed %d chunks\n", n)
			return nil
		})
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoWorkers, "no-workers", false, "serve the API only")
	workerCmd.Flags().BoolVar(&workerNoSweep, "no-sweep", false, "do not run the claim sweeper")

	recordsCmd.AddCommand(recordsLoadCmd)
	chunksCmd.AddCommand(chunksLoadCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(chunksCmd)
}
