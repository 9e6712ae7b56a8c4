// Package openai implements inference.Client against an OpenAI-compatible
// Responses API endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"

	"github.com/3leaps/lexbatch/pkg/inference"
)

const providerName = "openai"

// Config configures the OpenAI backend.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// Client is an OpenAI moderation client.
type Client struct {
	api    sdk.Client
	logger *zap.Logger
}

// New creates an OpenAI client. SDK retries are disabled because the engine
// owns rate limiting and item retry; the per-call timeout comes from the
// caller's context.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &Client{api: sdk.NewClient(opts...), logger: logger}, nil
}

func newParams(req inference.Request) responses.ResponseNewParams {
	params := responses.ResponseNewParams{
		Model:        req.Model,
		Instructions: sdk.String(inference.SystemPrompt),
		Input:        responses.ResponseNewParamsInputUnion{OfString: sdk.String(req.Prompt)},
		ServiceTier:  responses.ResponseNewParamsServiceTier(req.ServiceTier),
		Text: responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
			},
		},
	}
	if req.ReasoningEffort != "" {
		params.Reasoning = shared.ReasoningParam{Effort: shared.ReasoningEffort(req.ReasoningEffort)}
	}
	return params
}

// Moderate implements inference.Client.
func (c *Client) Moderate(ctx context.Context, req inference.Request) (*inference.Response, error) {
	resp, err := c.api.Responses.New(ctx, newParams(req))
	if err != nil {
		return nil, c.classify(req, err)
	}
	if resp.Error.Message != "" {
		return nil, &inference.SubmissionError{Provider: providerName, Model: req.Model, Detail: resp.Error.Message, Err: inference.ErrUnavailable}
	}

	text := resp.OutputText()
	verdict, err := inference.ParseVerdict(text)
	if err != nil {
		return nil, &inference.SubmissionError{Provider: providerName, Model: req.Model, Err: err}
	}
	return &inference.Response{
		Verdict:      verdict,
		Raw:          text,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

func (c *Client) classify(req inference.Request, err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		sentinel := inference.ClassifyStatus(apiErr.StatusCode)
		if sentinel == nil {
			sentinel = inference.ErrUnavailable
		}
		c.logger.Debug("openai request failed",
			zap.String("model", req.Model),
			zap.Int("status", apiErr.StatusCode),
			zap.String("record_id", req.RecordID),
		)
		return &inference.SubmissionError{Provider: providerName, Model: req.Model, Detail: apiErr.Message, Err: sentinel}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &inference.SubmissionError{Provider: providerName, Model: req.Model, Err: fmt.Errorf("%w: %w", inference.ErrTimeout, err)}
	case errors.Is(err, context.Canceled):
		return err
	}
	return &inference.SubmissionError{Provider: providerName, Model: req.Model, Detail: err.Error(), Err: inference.ErrUnavailable}
}
