// Package estimate predicts token usage and cost for a prospective job.
//
// The estimate samples the first K targets in resolution order, renders
// them with the job template, counts tokens with the model's tokenizer and
// extrapolates to the full scope. It never writes anything.
package estimate

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/3leaps/lexbatch/pkg/lexicon"
	"github.com/3leaps/lexbatch/pkg/pricing"
	"github.com/3leaps/lexbatch/pkg/scope"
	"github.com/3leaps/lexbatch/pkg/template"
	"github.com/3leaps/lexbatch/pkg/tokenizer"
)

const (
	DefaultSampleSize   = 10
	DefaultOutputTokens = 64
)

// Resolver resolves scopes to targets.
type Resolver interface {
	Resolve(ctx context.Context, s scope.Scope) ([]scope.Target, error)
}

// RecordGetter fetches full records.
type RecordGetter interface {
	Get(ctx context.Context, pos lexicon.POS, ids []string) ([]lexicon.Record, error)
}

// Request describes the job to estimate.
type Request struct {
	Model    string      `json:"model"`
	Template string      `json:"template"`
	Scope    scope.Scope `json:"scope"`
	Tier     string      `json:"service_tier,omitempty"`

	// ReasoningEffort does not change the token count; it is echoed so the
	// estimate describes the same call the job will make.
	ReasoningEffort string `json:"reasoning_effort,omitempty"`

	// OutputTokensPerItem overrides the configured default when > 0.
	OutputTokensPerItem int `json:"output_tokens_per_item,omitempty"`
}

// Estimate is the predicted usage of a job.
type Estimate struct {
	TotalItems          int      `json:"total_items"`
	SampleSize          int      `json:"sample_size"`
	InputTokensPerItem  int64    `json:"input_tokens_per_item"`
	OutputTokensPerItem int64    `json:"output_tokens_per_item"`
	TotalInputTokens    int64    `json:"total_input_tokens"`
	TotalOutputTokens   int64    `json:"total_output_tokens"`
	EstimatedCostUSD    *float64 `json:"estimated_cost_usd"`
	Tokenizer           string   `json:"tokenizer"`
	ReasoningEffort     string   `json:"reasoning_effort,omitempty"`
	PricingSource       string   `json:"pricing_source,omitempty"`
}

// Config tunes the estimator.
type Config struct {
	SampleSize          int
	DefaultOutputTokens int
}

// Estimator computes estimates.
type Estimator struct {
	resolver   Resolver
	records    RecordGetter
	tokenizers *tokenizer.Registry
	rates      *pricing.Table
	cfg        Config
	logger     *zap.Logger
}

// New creates an estimator. Zero config values take the package defaults;
// a nil rate table yields estimates without cost.
func New(resolver Resolver, records RecordGetter, tokenizers *tokenizer.Registry, rates *pricing.Table, cfg Config, logger *zap.Logger) *Estimator {
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = DefaultSampleSize
	}
	if cfg.DefaultOutputTokens <= 0 {
		cfg.DefaultOutputTokens = DefaultOutputTokens
	}
	if tokenizers == nil {
		tokenizers = tokenizer.NewRegistry(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Estimator{
		resolver:   resolver,
		records:    records,
		tokenizers: tokenizers,
		rates:      rates,
		cfg:        cfg,
		logger:     logger,
	}
}

// Estimate resolves the scope and extrapolates token usage from a sample.
func (e *Estimator) Estimate(ctx context.Context, req Request) (*Estimate, error) {
	if req.Model == "" {
		return nil, errors.New("model is required")
	}
	if err := template.Check(req.Template); err != nil {
		return nil, err
	}

	targets, err := e.resolver.Resolve(ctx, req.Scope)
	if err != nil {
		return nil, err
	}

	sample := targets
	if len(sample) > e.cfg.SampleSize {
		sample = sample[:e.cfg.SampleSize]
	}
	pos := req.Scope.TargetPOS()
	ids := make([]string, len(sample))
	for i, t := range sample {
		ids[i] = t.ID
	}
	records, err := e.records.Get(ctx, pos, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch sample records: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("sample records disappeared during estimate")
	}

	tok := e.tokenizers.For(req.Model)
	var sum int64
	for i := range records {
		rendered, err := template.Render(req.Template, &records[i])
		if err != nil {
			return nil, err
		}
		n, err := tok.Count(ctx, rendered.Text)
		if err != nil {
			return nil, fmt.Errorf("count tokens with %s: %w", tok.Name(), err)
		}
		sum += int64(n)
	}

	k := len(records)
	perItem := int64(math.Round(float64(sum) / float64(k)))
	outPerItem := int64(e.cfg.DefaultOutputTokens)
	if req.OutputTokensPerItem > 0 {
		outPerItem = int64(req.OutputTokensPerItem)
	}
	total := len(targets)

	est := &Estimate{
		TotalItems:          total,
		SampleSize:          k,
		InputTokensPerItem:  perItem,
		OutputTokensPerItem: outPerItem,
		TotalInputTokens:    perItem * int64(total),
		TotalOutputTokens:   outPerItem * int64(total),
		Tokenizer:           tok.Name(),
		ReasoningEffort:     req.ReasoningEffort,
	}
	if rate, ok := e.rates.Lookup(req.Model, req.Tier); ok {
		cost := rate.Cost(est.TotalInputTokens, est.TotalOutputTokens)
		est.EstimatedCostUSD = &cost
		est.PricingSource = e.rates.Source
	}

	e.logger.Debug("estimate computed",
		zap.String("model", req.Model),
		zap.Int("total_items", total),
		zap.Int("sample_size", k),
		zap.Int64("input_tokens_per_item", perItem),
	)
	return est, nil
}
