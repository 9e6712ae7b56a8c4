// Package observability owns the process-wide zap loggers.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

// CLILogger is the logger used by commands. It is a no-op until initialized.
var CLILogger = zap.NewNop()

// ServerLogger is the logger used by long-running services.
var ServerLogger = zap.NewNop()

// InitCLILogger installs a human-readable stderr logger for command output.
func InitCLILogger(service string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	enc.CallerKey = ""
	enc.NameKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), level)
	CLILogger = zap.New(core).Named(service)
}

// InitServerLogger installs the service logger for level and profile.
func InitServerLogger(service, level, profile string) error {
	logger, err := NewLogger(service, level, profile)
	if err != nil {
		return err
	}
	ServerLogger = logger
	return nil
}

// NewLogger builds a logger writing JSON (STRUCTURED) or console lines
// (CONSOLE) to stderr.
func NewLogger(service, level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToUpper(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case ProfileConsole:
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log profile %q", profile)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", service)), nil
}
