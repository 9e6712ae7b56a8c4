package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/lexbatch/internal/observability"
)

var workerDrain bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the submission runner without the HTTP API",
	Long: `Run the submission runner. It polls the store for queued and running
jobs and submits their items to the configured inference provider.

With --drain the worker submits every active job until no queued work is
left and then exits.

Examples:
  lexbatch worker
  lexbatch worker --drain`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().BoolVar(&workerDrain, "drain", false, "Process active jobs to completion and exit")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := openApp(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot open store", err)
	}
	defer func() { _ = a.Close() }()

	client, err := a.inferenceClient(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot create inference client", err)
	}

	logger := observability.CLILogger
	runner := a.runner(a.engine(client, logger), logger)

	if workerDrain {
		observability.CLILogger.Info("Draining active jobs", zap.String("provider", a.cfg.Inference.Provider))
		if err := runner.Drain(ctx); err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Drain failed", err)
		}
		observability.CLILogger.Info("No queued work left")
		return nil
	}

	if err := runner.Run(ctx); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Runner failed", err)
	}
	return nil
}
