package cmd

import (
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/lexbatch/internal/observability"
	"github.com/3leaps/lexbatch/pkg/lexicon"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Manage the lexical record store",
}

var recordsImportFormat string

var recordsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import frames and senses from YAML or JSONL",
	Long: `Import frames and senses into the record store. Existing records with
the same id are replaced.

Examples:
  lexbatch records import wordnet.yaml
  lexbatch records import senses.jsonl --format jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runRecordsImport,
}

func init() {
	rootCmd.AddCommand(recordsCmd)
	recordsCmd.AddCommand(recordsImportCmd)
	recordsImportCmd.Flags().StringVar(&recordsImportFormat, "format", "", "Input format (yaml|jsonl); sniffed when empty")
}

func runRecordsImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path := args[0]

	f, err := os.Open(path)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Cannot open dataset", err)
	}
	defer func() { _ = f.Close() }()

	ds, err := lexicon.ReadDataset(f, recordsImportFormat)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Invalid dataset", err)
	}

	a, err := openApp(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot open store", err)
	}
	defer func() { _ = a.Close() }()

	res, err := a.records.Import(ctx, ds)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Import failed", err)
	}
	observability.CLILogger.Info("Import completed",
		zap.String("path", path),
		zap.Int("frames", res.Frames),
		zap.Int("senses", res.Senses))
	return printJSON(res)
}
