package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/lexbatch/internal/errors"
	"github.com/3leaps/lexbatch/internal/observability"
	"github.com/3leaps/lexbatch/pkg/jobstore"
	"github.com/3leaps/lexbatch/pkg/lexicon"
	"github.com/3leaps/lexbatch/pkg/sqlstore"
)

var (
	doctorProvider string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  lexbatch doctor                # Full environment check
  lexbatch doctor --provider s3  # Also check AWS credentials for S3 exports`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run export provider checks (s3)")
}

func runDoctor(cmd *cobra.Command, args []string) {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 6

	if doctorProvider == "s3" {
		totalChecks = 8
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Crucible and Gofulmen
	version := crucible.GetVersion()
	if version.Crucible == "" {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Crucible access... ❌ Cannot access Crucible", checkNum, totalChecks))
		apperrors.ExitWithCode(observability.CLILogger, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			apperrors.NewExternalServiceError("Crucible service unavailable"))
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Crucible access... ✅ v%s (gofulmen v%s)", checkNum, totalChecks, version.Crucible, version.Gofulmen),
		zap.String("crucible_version", version.Crucible),
		zap.String("gofulmen_version", version.Gofulmen))
	checkNum++

	// Check 3: Config directory
	configDir, err := os.UserConfigDir()
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking config directory... ❌ Cannot find config directory", checkNum, totalChecks),
			zap.Error(err))
		apperrors.ExitWithCode(observability.CLILogger, foundry.ExitFileNotFound, "Cannot find config directory",
			apperrors.WrapInternal(cmd.Context(), err, "Cannot find config directory"))
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking config directory... ✅ %s", checkNum, totalChecks, configDir),
		zap.String("config_dir", configDir))
	checkNum++

	// Check 4: Store
	if !checkStore(cmd.Context(), checkNum, totalChecks) {
		allChecks = false
	}
	checkNum++

	// Check 5: Inference credentials
	if !checkInference(cmd.Context(), checkNum, totalChecks) {
		allChecks = false
	}
	checkNum++

	// Check 6: Environment
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	if doctorProvider == "s3" {
		allChecks = runS3Checks(cmd.Context(), checkNum, totalChecks, allChecks)
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// checkStore opens and migrates the database and reports schema versions.
func checkStore(ctx context.Context, checkNum, totalChecks int) bool {
	a, err := openApp(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking store... ❌ Cannot open store", checkNum, totalChecks),
			zap.Error(err))
		return false
	}
	defer func() { _ = a.Close() }()

	if err := a.db.PingContext(ctx); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking store... ❌ Store unreachable", checkNum, totalChecks),
			zap.Error(err))
		return false
	}
	lv, err := sqlstore.SchemaVersion(ctx, a.db, lexicon.Component)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking store... ❌ Cannot read schema", checkNum, totalChecks),
			zap.Error(err))
		return false
	}
	jv, err := sqlstore.SchemaVersion(ctx, a.db, jobstore.Component)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking store... ❌ Cannot read schema", checkNum, totalChecks),
			zap.Error(err))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking store... ✅ lexicon v%d, jobs v%d", checkNum, totalChecks, lv, jv),
		zap.Int("lexicon_schema", lv),
		zap.Int("jobstore_schema", jv))
	return lv == lexicon.SchemaVersion && jv == jobstore.SchemaVersion
}

// checkInference verifies that a moderation backend can be built. It makes
// no network calls.
func checkInference(ctx context.Context, checkNum, totalChecks int) bool {
	cfg, err := currentConfig(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking inference... ❌ Invalid configuration", checkNum, totalChecks),
			zap.Error(err))
		return false
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Inference.Provider))
	switch provider {
	case providerGemini, providerOpenAI:
	default:
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking inference... ❌ Unsupported provider %q", checkNum, totalChecks, provider))
		return false
	}
	if cfg.Inference.APIKey == "" {
		identity := GetAppIdentity()
		prefix := "LEXBATCH"
		if identity != nil {
			prefix = identity.EnvPrefix
		}
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking inference... ⚠️  No API key (set %s_API_KEY)", checkNum, totalChecks, prefix),
			zap.String("provider", provider))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking inference... ✅ %s", checkNum, totalChecks, provider),
		zap.String("provider", provider),
		zap.String("api_key", maskAccessKey(cfg.Inference.APIKey)))
	return true
}

// runS3Checks runs S3-specific diagnostic checks.
func runS3Checks(ctx context.Context, checkNum, totalChecks int, allChecks bool) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Export Checks:")

	// Check 7: AWS credentials
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	maskedKey := maskAccessKey(creds.AccessKeyID)
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskedKey),
		zap.String("source", creds.Source))
	checkNum++

	// Check 8: Credential source info
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))

	return allChecks
}

// maskAccessKey masks all but the last 4 characters of a key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - LEXBATCH_S3_ENDPOINT or export.s3.endpoint")
	observability.CLILogger.Info("")
}
