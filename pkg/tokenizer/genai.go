package tokenizer

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAI counts tokens with the Gemini CountTokens endpoint.
type GenAI struct {
	client *genai.Client
	model  string
}

// NewGenAI creates a tokenizer. Registered with a Registry, it is bound to
// the looked-up model through ForModel.
func NewGenAI(client *genai.Client, model string) *GenAI {
	return &GenAI{client: client, model: model}
}

// ForModel implements ModelBinder.
func (g *GenAI) ForModel(model string) Tokenizer {
	return &GenAI{client: g.client, model: model}
}

// Name implements Tokenizer.
func (g *GenAI) Name() string { return "genai:" + g.model }

// Count implements Tokenizer.
func (g *GenAI) Count(ctx context.Context, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	resp, err := g.client.Models.CountTokens(ctx, g.model, genai.Text(text), nil)
	if err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	return int(resp.TotalTokens), nil
}
