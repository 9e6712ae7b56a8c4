package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppIdentity names the binary, its env prefix and its config file stem.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity of the lexbatch binary.
var DefaultIdentity = AppIdentity{BinaryName: "lexbatch", EnvPrefix: "LEXBATCH", ConfigName: "lexbatch"}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
	configFile  string
)

// EnvSpec maps one environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

// envSuffixes are appended to the identity's env prefix.
var envSuffixes = []struct{ suffix, path string }{
	{"HOST", "server.host"},
	{"PORT", "server.port"},
	{"READ_TIMEOUT", "server.read_timeout"},
	{"WRITE_TIMEOUT", "server.write_timeout"},
	{"IDLE_TIMEOUT", "server.idle_timeout"},
	{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
	{"RUN_ENGINE", "server.run_engine"},
	{"ALLOWED_ORIGINS", "server.allowed_origins"},
	{"LOG_LEVEL", "logging.level"},
	{"LOG_PROFILE", "logging.profile"},
	{"HEALTH_ENABLED", "health.enabled"},
	{"DB_PATH", "store.path"},
	{"DB_URL", "store.url"},
	{"DB_AUTH_TOKEN", "store.auth_token"},
	{"CONCURRENCY", "engine.concurrency"},
	{"RATE_LIMIT", "engine.rate_limit"},
	{"REQUEST_TIMEOUT", "engine.request_timeout"},
	{"CLAIM_BATCH", "engine.claim_batch"},
	{"MAX_CONSECUTIVE_FATAL", "engine.max_consecutive_fatal"},
	{"POLL_INTERVAL", "engine.poll_interval"},
	{"MAX_PARALLEL_JOBS", "engine.max_parallel_jobs"},
	{"STALE_AFTER", "engine.stale_after"},
	{"SWEEP_SCHEDULE", "engine.sweep_schedule"},
	{"ESTIMATE_SAMPLE_SIZE", "estimate.sample_size"},
	{"ESTIMATE_OUTPUT_TOKENS", "estimate.default_output_tokens"},
	{"OBSERVE_PERSISTENT_AFTER", "observe.persistent_after"},
	{"INFERENCE_PROVIDER", "inference.provider"},
	{"API_KEY", "inference.api_key"},
	{"INFERENCE_BASE_URL", "inference.base_url"},
	{"PRICING_FILE", "inference.pricing_file"},
	{"S3_REGION", "export.s3.region"},
	{"S3_ENDPOINT", "export.s3.endpoint"},
	{"S3_PROFILE", "export.s3.profile"},
	{"S3_FORCE_PATH_STYLE", "export.s3.force_path_style"},
	{"S3_ACCESS_KEY_ID", "export.s3.access_key_id"},
	{"S3_SECRET_ACCESS_KEY", "export.s3.secret_access_key"},
}

// SetIdentity replaces the app identity used by Load.
func SetIdentity(id AppIdentity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = &id
}

// SetConfigFile makes Load read path in addition to the discovered files.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Load builds the configuration. Later overrides win over earlier ones and
// over every other source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}

	v := viper.New()
	SetDefaults(v)

	for _, path := range configFiles() {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToUpper(cfg.Logging.Profile)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Identity returns the active app identity.
func Identity() AppIdentity {
	configMu.RLock()
	defer configMu.RUnlock()
	if appIdentity == nil {
		return DefaultIdentity
	}
	return *appIdentity
}

// getEnvSpecs lists env mappings for the current identity. Callers hold
// configMu or run in tests.
func getEnvSpecs() []EnvSpec {
	if appIdentity == nil {
		return []EnvSpec{}
	}
	specs := make([]EnvSpec, 0, len(envSuffixes))
	for _, e := range envSuffixes {
		specs = append(specs, EnvSpec{Name: appIdentity.EnvPrefix + "_" + e.suffix, Path: e.path})
	}
	return specs
}

// configFiles returns existing config files in merge order: user, project,
// explicit.
func configFiles() []string {
	var files []string
	candidates := getUserConfigPaths()
	if root, err := findProjectRoot(); err == nil && appIdentity != nil {
		candidates = append(candidates, filepath.Join(root, appIdentity.ConfigName+".yaml"))
	}
	for _, p := range candidates {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			files = append(files, p)
		}
	}
	if configFile != "" {
		files = append(files, configFile)
	}
	return files
}

func getUserConfigPaths() []string {
	if appIdentity == nil {
		return []string{}
	}
	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, appIdentity.ConfigName, appIdentity.ConfigName+".yaml"))
	} else if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, appIdentity.ConfigName, appIdentity.ConfigName+".yaml"))
	}
	return paths
}

// ciBoundaryVars name workspace roots set by CI systems.
var ciBoundaryVars = []string{"LEXBATCH_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}

// findProjectRoot returns the nearest ancestor of the working directory
// holding go.mod or .git. Under CI a workspace root containing the working
// directory is preferred. Without a marker the working directory is used.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	if os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true" {
		for _, name := range ciBoundaryVars {
			if root := ciBoundary(os.Getenv(name), cwd); root != "" {
				return root, nil
			}
		}
	}

	for dir := cwd; ; {
		for _, marker := range []string{"go.mod", ".git"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cwd, nil
		}
		dir = parent
	}
}

func ciBoundary(root, cwd string) string {
	if root == "" || !filepath.IsAbs(root) {
		return ""
	}
	root = filepath.Clean(root)
	if st, err := os.Stat(root); err != nil || !st.IsDir() {
		return ""
	}
	rel, err := filepath.Rel(root, cwd)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return root
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
