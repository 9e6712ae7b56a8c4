package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lexbatch/pkg/inference"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"}, nil)
	require.NoError(t, err)
	return c
}

// wireRequest is the subset of the Responses API body the backend sets.
type wireRequest struct {
	Model        string `json:"model"`
	Instructions string `json:"instructions"`
	Input        string `json:"input"`
	ServiceTier  string `json:"service_tier"`
	Reasoning    *struct {
		Effort string `json:"effort"`
	} `json:"reasoning"`
	Text struct {
		Format struct {
			Type string `json:"type"`
		} `json:"format"`
	} `json:"text"`
}

func TestModerateSendsResponsesRequest(t *testing.T) {
	var got wireRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/responses", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"output": [
				{"type": "reasoning", "content": []},
				{"type": "message", "content": [{"type": "output_text", "text": "{\"flagged\": false}"}]}
			],
			"usage": {"input_tokens": 40, "output_tokens": 7}
		}`)
	})

	resp, err := c.Moderate(context.Background(), inference.Request{
		Model:           "gpt-5-mini",
		Prompt:          "review run.v.01",
		ServiceTier:     inference.TierFlex,
		ReasoningEffort: inference.EffortHigh,
	})
	require.NoError(t, err)
	assert.False(t, resp.Verdict.Flagged)
	assert.Equal(t, int64(40), resp.InputTokens)
	assert.Equal(t, int64(7), resp.OutputTokens)

	assert.Equal(t, "gpt-5-mini", got.Model)
	assert.Equal(t, "review run.v.01", got.Input)
	assert.Equal(t, inference.SystemPrompt, got.Instructions)
	assert.Equal(t, "flex", got.ServiceTier)
	require.NotNil(t, got.Reasoning)
	assert.Equal(t, "high", got.Reasoning.Effort)
	assert.Equal(t, "json_object", got.Text.Format.Type)
}

func TestModerateStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
	}{
		{status: 401, check: inference.IsFatal},
		{status: 404, check: inference.IsFatal},
		{status: 429, check: inference.IsRateLimited},
		{status: 408, check: inference.IsTimeout},
		{status: 502, check: inference.IsRecoverable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":{"message":"nope","type":"x"}}`)
			})
			_, err := c.Moderate(context.Background(), inference.Request{Model: "m", Prompt: "p"})
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected classification: %v", err)

			var serr *inference.SubmissionError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, "openai", serr.Provider)
		})
	}
}

func TestModerateMalformedVerdict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"output": [{"type": "message", "content": [{"type": "output_text", "text": "looks fine to me"}]}]
		}`)
	})
	_, err := c.Moderate(context.Background(), inference.Request{Model: "m", Prompt: "p"})
	require.Error(t, err)
	assert.ErrorIs(t, err, inference.ErrMalformedResponse)
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}

func TestModerateTimeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Moderate(ctx, inference.Request{Model: "m", Prompt: "p"})
	require.Error(t, err)
	assert.True(t, inference.IsTimeout(err))
	assert.True(t, inference.IsRecoverable(err))
}
