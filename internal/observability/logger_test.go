package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	InitCLILogger("test", false)
	require.NotNil(t, CLILogger)
	assert.False(t, CLILogger.Core().Enabled(-1), "debug disabled by default")

	InitCLILogger("test", true)
	assert.True(t, CLILogger.Core().Enabled(-1))
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		profile string
		wantErr bool
	}{
		{"structured info", "info", "STRUCTURED", false},
		{"console debug", "debug", "console", false},
		{"empty profile", "warn", "", false},
		{"bad level", "chatty", "STRUCTURED", true},
		{"bad profile", "info", "xml", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger("lexbatch", tt.level, tt.profile)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestInitServerLogger(t *testing.T) {
	orig := ServerLogger
	defer func() { ServerLogger = orig }()

	require.NoError(t, InitServerLogger("lexbatch", "error", "STRUCTURED"))
	assert.False(t, ServerLogger.Core().Enabled(0))
	assert.Error(t, InitServerLogger("lexbatch", "loud", "STRUCTURED"))
}
