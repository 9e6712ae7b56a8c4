package cmd

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestServeRunnerSetupFailureLeavesNothingRunning(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	testConfig(t)
	t.Cleanup(func() { appConfig = nil })
	t.Setenv("LEXBATCH_RUN_ENGINE", "true")

	_, err := runCLI(t, "serve", "--host", "127.0.0.1", "--port", "0")
	require.Error(t, err)

	var ee *ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "Cannot start runner", ee.Message)
	assert.Contains(t, ee.Err.Error(), "inference.api_key is required")
}

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		wantErr    bool
		errContain string
	}{
		{
			name:       "all fields valid",
			binaryName: "myapp",
			envPrefix:  "MYAPP",
			configName: "myapp",
			wantErr:    false,
		},
		{
			name:       "missing binary name",
			binaryName: "",
			envPrefix:  "MYAPP",
			configName: "myapp",
			wantErr:    true,
			errContain: "missing binary name",
		},
		{
			name:       "missing env prefix",
			binaryName: "myapp",
			envPrefix:  "",
			configName: "myapp",
			wantErr:    true,
			errContain: "missing env prefix",
		},
		{
			name:       "missing config name",
			binaryName: "myapp",
			envPrefix:  "MYAPP",
			configName: "",
			wantErr:    true,
			errContain: "missing config name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: tt.binaryName,
				envPrefix:  tt.envPrefix,
				configName: tt.configName,
			}

			err := checker.CheckHealth(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
