// Package cmd implements the lexbatch command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3leaps/lexbatch/internal/config"
	"github.com/3leaps/lexbatch/internal/observability"
	"github.com/3leaps/lexbatch/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

var (
	appIdentity *config.AppIdentity
	appConfig   *config.Config

	cfgFile  string
	verbose  bool
	logLevel string
)

// GetAppIdentity returns the identity set up by the root command, or nil
// before it ran.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

var rootCmd = &cobra.Command{
	Use:   "lexbatch",
	Short: "Batch moderation jobs over a lexical database",
	Long: `lexbatch selects lexical records with a declarative scope, renders a
prompt per record and submits the prompts to a moderation model as a
durable, cancellable job.

Examples:
  lexbatch records import wordnet.yaml
  lexbatch scope estimate --job job.yaml
  lexbatch jobs create --job job.yaml
  lexbatch serve`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	cobra.OnInitialize(setDefaults)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: $XDG_CONFIG_HOME/lexbatch/lexbatch.yaml, ./lexbatch.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level")
}

func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

func initApp(cmd *cobra.Command, args []string) error {
	id := config.DefaultIdentity
	appIdentity = &id
	config.SetIdentity(id)
	observability.InitCLILogger(id.BinaryName, verbose)

	if cfgFile != "" {
		config.SetConfigFile(cfgFile)
	}
	overrides := map[string]any{}
	if logLevel != "" {
		overrides["logging"] = map[string]any{"level": logLevel}
	}
	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	appConfig = cfg
	return nil
}

// currentConfig returns the loaded config, loading defaults when the root
// hook did not run (tests call run functions directly).
func currentConfig(ctx context.Context) (*config.Config, error) {
	if appConfig != nil {
		return appConfig, nil
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	appConfig = cfg
	return cfg, nil
}

// ExitError carries a process exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "Error:", err)

	var ee *ExitError
	switch {
	case errors.As(err, &ee):
		return ee.Code
	case errors.Is(err, context.Canceled):
		return foundry.ExitSignalInt
	}
	return 1
}
