package gemini

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lexbatch/pkg/inference"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), Config{APIKey: "test-key", BaseURL: srv.URL, HTTPClient: srv.Client()}, nil)
	require.NoError(t, err)
	return c
}

func TestModerateParsesVerdict(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/models/gemini-2.5-flash:generateContent"), r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "{\"flagged\": true, \"reason\": \"slur\"}"}]}}],
			"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 5}
		}`)
	})

	resp, err := c.Moderate(context.Background(), inference.Request{
		Model:           "gemini-2.5-flash",
		Prompt:          "review this",
		ReasoningEffort: inference.EffortLow,
		ServiceTier:     inference.TierFlex,
	})
	require.NoError(t, err)
	assert.True(t, resp.Verdict.Flagged)
	assert.Equal(t, "slur", resp.Verdict.Reason)
	assert.Equal(t, int64(12), resp.InputTokens)
	assert.Equal(t, int64(5), resp.OutputTokens)

	gen, ok := body["generationConfig"].(map[string]any)
	require.True(t, ok, "generationConfig missing: %v", body)
	assert.Equal(t, "application/json", gen["responseMimeType"])
	thinking, ok := gen["thinkingConfig"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1024, thinking["thinkingBudget"])
}

func TestModerateClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{name: "rate limited", status: 429, body: `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`, check: inference.IsRateLimited},
		{name: "unknown model", status: 404, body: `{"error":{"code":404,"message":"no model","status":"NOT_FOUND"}}`, check: inference.IsFatal},
		{name: "bad key", status: 400, body: `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`, check: inference.IsFatal},
		{name: "server error", status: 500, body: `{"error":{"code":500,"message":"boom","status":"INTERNAL"}}`, check: inference.IsRecoverable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := c.Moderate(context.Background(), inference.Request{Model: "m", Prompt: "p"})
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected classification: %v", err)
		})
	}
}

func TestModerateMalformedReply(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates": [{"content": {"role": "model", "parts": [{"text": "I think it is fine"}]}}]}`)
	})
	_, err := c.Moderate(context.Background(), inference.Request{Model: "m", Prompt: "p"})
	assert.True(t, inference.IsMalformed(err))
}

func TestThinkingBudget(t *testing.T) {
	assert.Equal(t, int32(1024), thinkingBudget(inference.EffortLow))
	assert.Equal(t, int32(8192), thinkingBudget(inference.EffortMedium))
	assert.Equal(t, int32(24576), thinkingBudget(inference.EffortHigh))
}
