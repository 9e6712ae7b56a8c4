package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/3leaps/lexbatch/internal/config"
	"github.com/3leaps/lexbatch/internal/observability"
	"github.com/3leaps/lexbatch/pkg/engine"
	"github.com/3leaps/lexbatch/pkg/estimate"
	"github.com/3leaps/lexbatch/pkg/export"
	"github.com/3leaps/lexbatch/pkg/inference"
	"github.com/3leaps/lexbatch/pkg/inference/gemini"
	"github.com/3leaps/lexbatch/pkg/inference/openai"
	"github.com/3leaps/lexbatch/pkg/jobstore"
	"github.com/3leaps/lexbatch/pkg/lexicon"
	"github.com/3leaps/lexbatch/pkg/moderation"
	"github.com/3leaps/lexbatch/pkg/pricing"
	"github.com/3leaps/lexbatch/pkg/sqlstore"
	"github.com/3leaps/lexbatch/pkg/tokenizer"
)

// Inference providers.
const (
	providerGemini = "gemini"
	providerOpenAI = "openai"
)

// app holds the stores and clients shared by commands.
type app struct {
	cfg     *config.Config
	db      *sql.DB
	records *lexicon.Store
	jobs    *jobstore.Store
	logger  *zap.Logger

	genai *genai.Client
}

// defaultStorePath is the database used when store.path and store.url are
// both empty.
func defaultStorePath() (string, error) {
	identity := GetAppIdentity()
	if identity == nil {
		return "", fmt.Errorf("app identity is not available to derive default store path")
	}
	dataDir := gfconfig.GetAppDataDir(identity.ConfigName)
	return filepath.Join(dataDir, "lexbatch.db"), nil
}

func storeConfig(cfg *config.Config) (sqlstore.Config, error) {
	sc := sqlstore.Config{Path: cfg.Store.Path, URL: cfg.Store.URL, AuthToken: cfg.Store.AuthToken}
	if sc.Path == "" && sc.URL == "" {
		path, err := defaultStorePath()
		if err != nil {
			return sc, err
		}
		sc.Path = path
	}
	return sc, nil
}

// openApp opens and migrates the database.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := currentConfig(ctx)
	if err != nil {
		return nil, err
	}
	sc, err := storeConfig(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sqlstore.Open(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := lexicon.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate records: %w", err)
	}
	if err := jobstore.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate jobs: %w", err)
	}

	logger := observability.CLILogger
	observability.CLILogger.Debug("Opened store",
		zap.String("path", sc.Path),
		zap.Bool("remote", sc.URL != ""))
	return &app{
		cfg:     cfg,
		db:      db,
		records: lexicon.New(db),
		jobs:    jobstore.New(db, jobstore.WithLogger(logger)),
		logger:  logger,
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

func (a *app) provider() string {
	return strings.ToLower(strings.TrimSpace(a.cfg.Inference.Provider))
}

// genaiClient returns the shared Gemini SDK client, or nil when Gemini is
// not configured.
func (a *app) genaiClient(ctx context.Context) (*genai.Client, *gemini.Client, error) {
	if a.provider() != providerGemini || a.cfg.Inference.APIKey == "" {
		return nil, nil, nil
	}
	c, err := gemini.New(ctx, gemini.Config{APIKey: a.cfg.Inference.APIKey, BaseURL: a.cfg.Inference.BaseURL}, a.logger)
	if err != nil {
		return nil, nil, err
	}
	a.genai = c.GenAI()
	return a.genai, c, nil
}

// inferenceClient builds the configured moderation backend.
func (a *app) inferenceClient(ctx context.Context) (inference.Client, error) {
	if a.cfg.Inference.APIKey == "" {
		return nil, fmt.Errorf("inference.api_key is required (set LEXBATCH_API_KEY)")
	}
	switch a.provider() {
	case providerGemini:
		_, c, err := a.genaiClient(ctx)
		return c, err
	case providerOpenAI:
		return openai.New(openai.Config{APIKey: a.cfg.Inference.APIKey, BaseURL: a.cfg.Inference.BaseURL}, a.logger)
	default:
		return nil, fmt.Errorf("unsupported inference provider %q", a.cfg.Inference.Provider)
	}
}

// tokenizers uses Gemini CountTokens for gemini models when an SDK client
// exists, tiktoken encodings for OpenAI models and the heuristic otherwise.
func (a *app) tokenizers(ctx context.Context) *tokenizer.Registry {
	reg := tokenizer.NewRegistry(nil)
	tk := tokenizer.NewTiktoken(nil, a.logger)
	for _, prefix := range openAIModelPrefixes {
		reg.Register(prefix, tk)
	}
	client := a.genai
	if client == nil {
		var err error
		client, _, err = a.genaiClient(ctx)
		if err != nil {
			a.logger.Debug("Gemini tokenizer unavailable", zap.Error(err))
		}
	}
	if client != nil {
		reg.Register("gemini", tokenizer.NewGenAI(client, ""))
	}
	return reg
}

var openAIModelPrefixes = []string{"gpt-", "o1", "o3", "o4", "chatgpt-"}

func (a *app) rates() (*pricing.Table, error) {
	if a.cfg.Inference.PricingFile == "" {
		return pricing.Builtin(), nil
	}
	return pricing.Load(a.cfg.Inference.PricingFile)
}

func (a *app) service(ctx context.Context) (*moderation.Service, error) {
	rates, err := a.rates()
	if err != nil {
		return nil, err
	}
	return moderation.New(a.records, a.jobs, moderation.Options{
		Tokenizers: a.tokenizers(ctx),
		Rates:      rates,
		Estimate: estimate.Config{
			SampleSize:          a.cfg.Estimate.SampleSize,
			DefaultOutputTokens: a.cfg.Estimate.DefaultOutputTokens,
		},
		Exporter: export.New(a.jobs, a.cfg.Export.S3, a.logger),
		Logger:   a.logger,
	}), nil
}

func (a *app) engine(client inference.Client, logger *zap.Logger) *engine.Engine {
	ec := a.cfg.Engine
	return engine.New(a.jobs, a.records, client, engine.Config{
		Concurrency:         ec.Concurrency,
		RateLimit:           ec.RateLimit,
		RequestTimeout:      ec.RequestTimeout,
		ClaimBatch:          ec.ClaimBatch,
		MaxConsecutiveFatal: ec.MaxConsecutiveFatal,
	}, logger).WithFlagWriter(a.records)
}

func (a *app) runner(eng *engine.Engine, logger *zap.Logger) *engine.Runner {
	ec := a.cfg.Engine
	return engine.NewRunner(a.jobs, eng, engine.RunnerConfig{
		PollInterval:    ec.PollInterval,
		MaxParallelJobs: ec.MaxParallelJobs,
		StaleAfter:      ec.StaleAfter,
		SweepSchedule:   ec.SweepSchedule,
	}, logger)
}
