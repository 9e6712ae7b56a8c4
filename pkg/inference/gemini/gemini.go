// Package gemini implements inference.Client with the Google GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/3leaps/lexbatch/pkg/inference"
)

const providerName = "gemini"

// Config configures the Gemini backend.
type Config struct {
	APIKey string
	// BaseURL overrides the API endpoint (used by tests and proxies).
	BaseURL    string
	HTTPClient *http.Client
}

// Client is a Gemini moderation client.
type Client struct {
	client *genai.Client
	logger *zap.Logger
}

// New creates a Gemini client.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{client: client, logger: logger}, nil
}

// GenAI exposes the SDK client so the token counter can share it.
func (c *Client) GenAI() *genai.Client {
	return c.client
}

// thinkingBudget maps reasoning effort to a token budget.
func thinkingBudget(e inference.ReasoningEffort) int32 {
	switch e {
	case inference.EffortLow:
		return 1024
	case inference.EffortHigh:
		return 24576
	default:
		return 8192
	}
}

// Moderate implements inference.Client.
func (c *Client) Moderate(ctx context.Context, req inference.Request) (*inference.Response, error) {
	if req.ServiceTier != "" && req.ServiceTier != inference.TierDefault {
		c.logger.Debug("gemini ignores service tier",
			zap.String("model", req.Model),
			zap.String("service_tier", string(req.ServiceTier)),
		)
	}

	budget := thinkingBudget(req.ReasoningEffort)
	temp := float32(0)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(inference.SystemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		Temperature:       &temp,
		ThinkingConfig:    &genai.ThinkingConfig{ThinkingBudget: &budget},
	}

	resp, err := c.client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, classify(req.Model, err)
	}

	text := resp.Text()
	verdict, err := inference.ParseVerdict(text)
	if err != nil {
		return nil, &inference.SubmissionError{Provider: providerName, Model: req.Model, Err: err}
	}

	out := &inference.Response{Verdict: verdict, Raw: text}
	if resp.UsageMetadata != nil {
		out.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

func classify(model string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		sentinel := inference.ClassifyStatus(apiErr.Code)
		if sentinel == nil {
			sentinel = inference.ErrUnavailable
		}
		// Gemini reports bad keys as 400 INVALID_ARGUMENT.
		if apiErr.Code == http.StatusBadRequest && apiErr.Status == "INVALID_ARGUMENT" && strings.Contains(apiErr.Message, "API key") {
			sentinel = inference.ErrInvalidCredentials
		}
		return &inference.SubmissionError{Provider: providerName, Model: model, Detail: apiErr.Message, Err: sentinel}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &inference.SubmissionError{Provider: providerName, Model: model, Err: fmt.Errorf("%w: %w", inference.ErrTimeout, err)}
	case errors.Is(err, context.Canceled):
		return err
	}
	return &inference.SubmissionError{Provider: providerName, Model: model, Detail: err.Error(), Err: inference.ErrUnavailable}
}
