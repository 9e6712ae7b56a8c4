package apperrors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lexbatch/pkg/estimate"
	"github.com/3leaps/lexbatch/pkg/jobstore"
	"github.com/3leaps/lexbatch/pkg/lexicon"
	"github.com/3leaps/lexbatch/pkg/manifest"
	"github.com/3leaps/lexbatch/pkg/moderation"
	"github.com/3leaps/lexbatch/pkg/provider"
	"github.com/3leaps/lexbatch/pkg/scope"
	"github.com/3leaps/lexbatch/pkg/template"
)

func TestClassify(t *testing.T) {
	cost := 1.25
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"scope validation", &scope.ValidationError{Reason: "unknown ids", Identifiers: []string{"x.n.01"}}, http.StatusUnprocessableEntity, CodeValidationFailed},
		{"render", &template.RenderError{RecordID: "run.v.01", Err: errors.New("record is nil")}, http.StatusUnprocessableEntity, CodeValidationFailed},
		{"empty template", fmt.Errorf("check: %w", template.ErrEmptyTemplate), http.StatusUnprocessableEntity, CodeValidationFailed},
		{"request", &moderation.RequestError{Field: "model", Message: "required"}, http.StatusUnprocessableEntity, CodeValidationFailed},
		{"manifest", manifest.ValidationErrors{{Path: "/model", Message: "required"}}, http.StatusUnprocessableEntity, CodeValidationFailed},
		{"budget", &moderation.BudgetError{Estimate: &estimate.Estimate{EstimatedCostUSD: &cost}, CapUSD: 1}, http.StatusUnprocessableEntity, CodeBudgetExceeded},
		{"bad destination", fmt.Errorf("%w: gs://x", provider.ErrUnsupportedProvider), http.StatusUnprocessableEntity, CodeValidationFailed},
		{"missing bucket", &provider.ProviderError{Op: "Put", Provider: provider.ProviderS3, Bucket: "x", Err: provider.ErrBucketNotFound}, http.StatusUnprocessableEntity, CodeValidationFailed},
		{"export denied", &provider.ProviderError{Op: "Put", Provider: provider.ProviderS3, Bucket: "x", Err: provider.ErrAccessDenied}, http.StatusServiceUnavailable, CodeServiceUnavailable},
		{"export throttled", fmt.Errorf("export: %w", provider.ErrThrottled), http.StatusServiceUnavailable, CodeServiceUnavailable},
		{"export unreachable", &provider.ProviderError{Op: "Put", Provider: provider.ProviderS3, Err: provider.ErrProviderUnavailable}, http.StatusServiceUnavailable, CodeServiceUnavailable},
		{"duplicate", &moderation.DuplicateJobError{Existing: &jobstore.Job{ID: "j1", Status: jobstore.JobRunning}}, http.StatusConflict, CodeConflict},
		{"not found", fmt.Errorf("job j1: %w", jobstore.ErrNotFound), http.StatusNotFound, CodeNotFound},
		{"record not found", lexicon.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{"conflict", fmt.Errorf("cancel: %w", jobstore.ErrConflict), http.StatusConflict, CodeConflict},
		{"export disabled", moderation.ErrExportDisabled, http.StatusNotImplemented, CodeNotImplemented},
		{"store", &jobstore.StoreError{Op: "get job", Err: errors.New("disk I/O error")}, http.StatusServiceUnavailable, CodeStoreUnavailable},
		{"bad request", NewBadRequest("decode body", errors.New("eof")), http.StatusBadRequest, CodeBadRequest},
		{"external", NewExternalServiceError("inference down"), http.StatusServiceUnavailable, CodeServiceUnavailable},
		{"unknown", assert.AnError, http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := Classify(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, body.Code)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestClassifyHidesInternalDetail(t *testing.T) {
	_, body := Classify(&jobstore.StoreError{Op: "get job", Err: errors.New("/var/lib/secret.db locked")})
	assert.NotContains(t, body.Message, "secret")

	_, body = Classify(errors.New("boom at /internal/path"))
	assert.Equal(t, "internal error", body.Message)
}

func TestClassifyDetails(t *testing.T) {
	_, body := Classify(&moderation.DuplicateJobError{Existing: &jobstore.Job{ID: "j9", Status: jobstore.JobQueued}})
	assert.Equal(t, "j9", body.Context["existing_job_id"])
	assert.Equal(t, "queued", body.Context["existing_status"])

	_, body = Classify(&scope.ValidationError{Reason: "unknown ids", Identifiers: []string{"a", "b"}})
	assert.Equal(t, []string{"a", "b"}, body.Context["identifiers"])

	cost := 2.5
	_, body = Classify(&moderation.BudgetError{Estimate: &estimate.Estimate{EstimatedCostUSD: &cost}, CapUSD: 1})
	assert.Equal(t, 1.0, body.Context["cap_usd"])
	assert.Equal(t, 2.5, body.Context["estimated_cost_usd"])
}

func TestNewEnvelopeDropsUnsupportedDetails(t *testing.T) {
	env := NewEnvelope(CodeServiceUnavailable, "checks failed", map[string]any{
		"status": "unhealthy",
		"checks": map[string]string{"store": "unhealthy"},
	})
	assert.Equal(t, "unhealthy", env.Context["status"])
	assert.NotContains(t, env.Context, "checks")
	assert.NotEmpty(t, env.Timestamp)

	env = NewEnvelope(CodeInternal, "internal error", nil)
	assert.Nil(t, env.Context)
}

func TestRespondWithError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/jobs/x", nil)
	req = req.WithContext(WithRequestID(req.Context(), "req-42"))
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, fmt.Errorf("job x: %w", jobstore.ErrNotFound))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeNotFound, body.Error.Code)
	assert.Equal(t, "req-42", body.Error.RequestID)
	assert.NotEmpty(t, body.Error.Timestamp)
}

func TestWrapInternal(t *testing.T) {
	ctx := WithRequestID(context.Background(), "abc")
	err := WrapInternal(ctx, assert.AnError, "load failed")
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "request abc")
	assert.Equal(t, KindInternal, err.Kind)

	err = WrapInternal(context.Background(), assert.AnError, "load failed")
	assert.NotContains(t, err.Error(), "request")
}

func TestRequestIDFrom(t *testing.T) {
	assert.Empty(t, RequestIDFrom(context.Background()))
	assert.Equal(t, "x", RequestIDFrom(WithRequestID(context.Background(), "x")))
}
