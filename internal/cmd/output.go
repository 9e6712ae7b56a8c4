package cmd

import (
	"encoding/json"
	"io"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/lexbatch/internal/observability"
	"github.com/3leaps/lexbatch/pkg/manifest"
	"github.com/3leaps/lexbatch/pkg/moderation"
)

// stdout is replaced in tests.
var stdout io.Writer = os.Stdout

// printJSON writes v as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadJobRequest reads a job manifest into a create request.
func loadJobRequest(path string) (moderation.CreateJobRequest, error) {
	m, err := manifest.Load(path)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", path),
			zap.Error(err))
		return moderation.CreateJobRequest{}, exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	observability.CLILogger.Debug("Loaded manifest",
		zap.String("path", path),
		zap.String("model", m.Model),
		zap.String("scope_kind", string(m.Scope.Kind)))
	return moderation.RequestFromManifest(m), nil
}
