// Package moderation is the request/response surface of the engine:
// scope validation, prompt previews, estimates and job management. None of
// its operations wait on the submission engine.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/lexbatch/pkg/estimate"
	"github.com/3leaps/lexbatch/pkg/export"
	"github.com/3leaps/lexbatch/pkg/inference"
	"github.com/3leaps/lexbatch/pkg/jobstore"
	"github.com/3leaps/lexbatch/pkg/lexicon"
	"github.com/3leaps/lexbatch/pkg/pricing"
	"github.com/3leaps/lexbatch/pkg/scope"
	"github.com/3leaps/lexbatch/pkg/template"
	"github.com/3leaps/lexbatch/pkg/tokenizer"
)

const (
	// SampleSize is the number of records returned by ValidateScope.
	SampleSize = 5

	DefaultPreviewPageSize = 5
	MaxPreviewPageSize     = 50
)

var modelPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/-]*$`)

// ErrExportDisabled is returned by ExportJob when no exporter is configured.
var ErrExportDisabled = errors.New("export is not configured")

// Records is the record store capability the service needs.
type Records interface {
	scope.RecordSource
	Get(ctx context.Context, pos lexicon.POS, ids []string) ([]lexicon.Record, error)
}

// Jobs is the job store capability the service needs.
type Jobs interface {
	CreateJob(ctx context.Context, nj jobstore.NewJob) (*jobstore.Job, error)
	GetJob(ctx context.Context, id string) (*jobstore.Job, error)
	View(ctx context.Context, jobID string, q jobstore.ItemsQuery) (*jobstore.JobView, error)
	ListJobs(ctx context.Context, q jobstore.ListQuery) ([]jobstore.Job, error)
	FindDuplicate(ctx context.Context, scopeHash, model, template string) (*jobstore.Job, error)
	CancelJob(ctx context.Context, id string) (*jobstore.Job, error)
	PauseJob(ctx context.Context, id string) (*jobstore.Job, error)
	ResumeJob(ctx context.Context, id string) (*jobstore.Job, error)
	DeleteJob(ctx context.Context, id string) error
}

// Exporter writes a job to a destination URI.
type Exporter interface {
	Export(ctx context.Context, jobID, uri string) (*export.Result, error)
}

// Options configures a Service.
type Options struct {
	Tokenizers *tokenizer.Registry
	Rates      *pricing.Table
	Estimate   estimate.Config
	Exporter   Exporter
	Logger     *zap.Logger
}

// Service validates, previews, estimates and manages jobs.
type Service struct {
	records   Records
	jobs      Jobs
	resolver  *scope.Resolver
	estimator *estimate.Estimator
	exporter  Exporter
	logger    *zap.Logger
}

// New creates a Service.
func New(records Records, jobs Jobs, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver := scope.NewResolver(records, logger.Named("scope"))
	return &Service{
		records:   records,
		jobs:      jobs,
		resolver:  resolver,
		estimator: estimate.New(resolver, records, opts.Tokenizers, opts.Rates, opts.Estimate, logger.Named("estimate")),
		exporter:  opts.Exporter,
		logger:    logger,
	}
}

// RequestError reports an invalid request parameter.
type RequestError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Validation is the result of ValidateScope.
type Validation struct {
	TotalItems int              `json:"total_items"`
	Sample     []lexicon.Record `json:"sample"`
}

// ValidateScope resolves s and returns the total count with up to
// SampleSize records. Nothing is persisted.
func (s *Service) ValidateScope(ctx context.Context, sc scope.Scope) (*Validation, error) {
	targets, err := s.resolver.Resolve(ctx, sc)
	if err != nil {
		return nil, err
	}
	n := min(len(targets), SampleSize)
	sample, err := s.fetch(ctx, sc.TargetPOS(), targets[:n])
	if err != nil {
		return nil, err
	}
	return &Validation{TotalItems: len(targets), Sample: sample}, nil
}

// PreviewRequest asks for rendered prompts of one page of a scope.
type PreviewRequest struct {
	Model           string      `json:"model"`
	Template        string      `json:"template"`
	Scope           scope.Scope `json:"scope"`
	ServiceTier     string      `json:"service_tier,omitempty"`
	ReasoningEffort string      `json:"reasoning_effort,omitempty"`

	// Page is 1-based.
	Page     int `json:"page,omitempty"`
	PageSize int `json:"page_size,omitempty"`
}

// Preview is one rendered prompt.
type Preview struct {
	RecordID  string      `json:"record_id"`
	RecordPOS lexicon.POS `json:"record_pos"`
	Prompt    string      `json:"prompt"`
	Used      []string    `json:"variables_used,omitempty"`
}

// PreviewResult is one page of previews.
type PreviewResult struct {
	Previews     []Preview `json:"previews"`
	TotalEntries int       `json:"total_entries"`
	Page         int       `json:"page"`
	PageSize     int       `json:"page_size"`

	// Variables lists the names the template may use for this record kind.
	Variables []string `json:"variables"`
}

// Preview renders one page of the scope with the submission renderer.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (*PreviewResult, error) {
	if _, _, err := validateParams(req.Model, req.ServiceTier, req.ReasoningEffort); err != nil {
		return nil, err
	}
	if err := template.Check(req.Template); err != nil {
		return nil, err
	}

	targets, err := s.resolver.Resolve(ctx, req.Scope)
	if err != nil {
		return nil, err
	}

	page, size := req.Page, req.PageSize
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = DefaultPreviewPageSize
	}
	size = min(size, MaxPreviewPageSize)

	pos := req.Scope.TargetPOS()
	res := &PreviewResult{
		Previews:     []Preview{},
		TotalEntries: len(targets),
		Page:         page,
		PageSize:     size,
		Variables:    template.Variables(template.KindOf(pos)),
	}
	start := (page - 1) * size
	if start >= len(targets) {
		return res, nil
	}
	end := min(start+size, len(targets))

	records, err := s.fetch(ctx, pos, targets[start:end])
	if err != nil {
		return nil, err
	}
	for i := range records {
		rendered, err := template.Render(req.Template, &records[i])
		if err != nil {
			return nil, err
		}
		res.Previews = append(res.Previews, Preview{
			RecordID:  records[i].ID,
			RecordPOS: records[i].POS,
			Prompt:    rendered.Text,
			Used:      rendered.Used,
		})
	}
	return res, nil
}

// Estimate predicts token usage and cost. Nothing is persisted.
func (s *Service) Estimate(ctx context.Context, req estimate.Request) (*estimate.Estimate, error) {
	tier, effort, err := validateParams(req.Model, req.Tier, req.ReasoningEffort)
	if err != nil {
		return nil, err
	}
	req.Tier = string(tier)
	req.ReasoningEffort = string(effort)
	return s.estimator.Estimate(ctx, req)
}

// CreateJobRequest describes a job to create.
type CreateJobRequest struct {
	Label           string      `json:"label,omitempty"`
	Model           string      `json:"model"`
	Template        string      `json:"template"`
	Scope           scope.Scope `json:"scope"`
	ServiceTier     string      `json:"service_tier,omitempty"`
	ReasoningEffort string      `json:"reasoning_effort,omitempty"`
	ApplyFlags      bool        `json:"apply_flags,omitempty"`

	// Dedupe refuses the job when an active job has the same scope hash,
	// model and template.
	Dedupe bool `json:"dedupe,omitempty"`

	// MaxCostUSD refuses the job when its estimate exceeds the cap.
	MaxCostUSD          float64 `json:"max_cost_usd,omitempty"`
	OutputTokensPerItem int     `json:"output_tokens_per_item,omitempty"`
}

// DuplicateJobError reports an active job equivalent to the requested one.
type DuplicateJobError struct {
	Existing *jobstore.Job
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("an equivalent job %s is already %s", e.Existing.ID, e.Existing.Status)
}

// Unwrap lets callers match jobstore.ErrConflict.
func (e *DuplicateJobError) Unwrap() error { return jobstore.ErrConflict }

// BudgetError reports an estimate above the requested cost cap.
type BudgetError struct {
	Estimate *estimate.Estimate
	CapUSD   float64
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("estimated cost $%.4f exceeds cap $%.4f", *e.Estimate.EstimatedCostUSD, e.CapUSD)
}

// CreateJob validates the request, materializes the scope and persists a
// queued job. The first target is rendered before anything is written so a
// template that cannot render never becomes a job.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*jobstore.Job, error) {
	tier, effort, err := validateParams(req.Model, req.ServiceTier, req.ReasoningEffort)
	if err != nil {
		return nil, err
	}
	if err := template.Check(req.Template); err != nil {
		return nil, err
	}

	targets, err := s.resolver.Resolve(ctx, req.Scope)
	if err != nil {
		return nil, err
	}
	first, err := s.fetch(ctx, req.Scope.TargetPOS(), targets[:1])
	if err != nil {
		return nil, err
	}
	if len(first) == 0 {
		return nil, &scope.ValidationError{Reason: "record no longer exists", Identifiers: []string{targets[0].ID}}
	}
	if _, err := template.Render(req.Template, &first[0]); err != nil {
		return nil, err
	}

	hash, err := scope.Hash(req.Scope)
	if err != nil {
		return nil, err
	}
	if req.Dedupe {
		dup, err := s.jobs.FindDuplicate(ctx, hash, req.Model, req.Template)
		if err != nil {
			return nil, err
		}
		if dup != nil {
			return nil, &DuplicateJobError{Existing: dup}
		}
	}

	if req.MaxCostUSD > 0 {
		est, err := s.estimator.Estimate(ctx, estimate.Request{
			Model:               req.Model,
			Template:            req.Template,
			Scope:               req.Scope,
			Tier:                string(tier),
			ReasoningEffort:     string(effort),
			OutputTokensPerItem: req.OutputTokensPerItem,
		})
		if err != nil {
			return nil, err
		}
		if est.EstimatedCostUSD != nil && *est.EstimatedCostUSD > req.MaxCostUSD {
			return nil, &BudgetError{Estimate: est, CapUSD: req.MaxCostUSD}
		}
	}

	encoded, err := req.Scope.Encode()
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.CreateJob(ctx, jobstore.NewJob{
		Label:           strings.TrimSpace(req.Label),
		Model:           req.Model,
		Template:        req.Template,
		Scope:           encoded,
		ScopeHash:       hash,
		ServiceTier:     string(tier),
		ReasoningEffort: string(effort),
		ApplyFlags:      req.ApplyFlags,
		Targets:         targets,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("job submitted for processing",
		zap.String("job_id", job.ID),
		zap.String("model", job.Model),
		zap.Int("total_items", job.Total),
	)
	return job, nil
}

// GetJob returns a job and one page of its items.
func (s *Service) GetJob(ctx context.Context, id string, q jobstore.ItemsQuery) (*jobstore.JobView, error) {
	return s.jobs.View(ctx, id, q)
}

// ListJobs returns jobs newest first.
func (s *Service) ListJobs(ctx context.Context, q jobstore.ListQuery) ([]jobstore.Job, error) {
	return s.jobs.ListJobs(ctx, q)
}

// CancelJob cancels a job and skips its unfinished items.
func (s *Service) CancelJob(ctx context.Context, id string) (*jobstore.Job, error) {
	return s.jobs.CancelJob(ctx, id)
}

// PauseJob stops further submissions of a job.
func (s *Service) PauseJob(ctx context.Context, id string) (*jobstore.Job, error) {
	return s.jobs.PauseJob(ctx, id)
}

// ResumeJob lets a paused job continue.
func (s *Service) ResumeJob(ctx context.Context, id string) (*jobstore.Job, error) {
	return s.jobs.ResumeJob(ctx, id)
}

// DeleteJob removes a job and its items.
func (s *Service) DeleteJob(ctx context.Context, id string) error {
	return s.jobs.DeleteJob(ctx, id)
}

// ExportJob writes the job as JSONL to uri.
func (s *Service) ExportJob(ctx context.Context, id, uri string) (*export.Result, error) {
	if s.exporter == nil {
		return nil, ErrExportDisabled
	}
	return s.exporter.Export(ctx, id, uri)
}

func (s *Service) fetch(ctx context.Context, pos lexicon.POS, targets []scope.Target) ([]lexicon.Record, error) {
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.ID
	}
	records, err := s.records.Get(ctx, pos, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch records: %w", err)
	}
	return records, nil
}

func validateParams(model, tier, effort string) (inference.ServiceTier, inference.ReasoningEffort, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", "", &RequestError{Field: "model", Message: "is required"}
	}
	if !modelPattern.MatchString(model) {
		return "", "", &RequestError{Field: "model", Message: fmt.Sprintf("%q is not a model identifier", model)}
	}
	t, err := inference.ParseServiceTier(tier)
	if err != nil {
		return "", "", &RequestError{Field: "service_tier", Message: err.Error()}
	}
	e, err := inference.ParseReasoningEffort(effort)
	if err != nil {
		return "", "", &RequestError{Field: "reasoning_effort", Message: err.Error()}
	}
	return t, e, nil
}
