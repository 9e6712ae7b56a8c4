// Package apperrors maps domain errors onto HTTP responses and process exit
// codes.
package apperrors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/3leaps/lexbatch/pkg/jobstore"
	"github.com/3leaps/lexbatch/pkg/lexicon"
	"github.com/3leaps/lexbatch/pkg/manifest"
	"github.com/3leaps/lexbatch/pkg/moderation"
	"github.com/3leaps/lexbatch/pkg/provider"
	"github.com/3leaps/lexbatch/pkg/scope"
	"github.com/3leaps/lexbatch/pkg/template"
)

// Error codes carried in envelope codes.
const (
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeBudgetExceeded     = "BUDGET_EXCEEDED"
	CodeStoreUnavailable   = "STORE_UNAVAILABLE"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeNotImplemented     = "NOT_IMPLEMENTED"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorBody is the wire form of an error envelope. Envelope context is
// rendered as details and the correlation id as request_id.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// ErrorResponse wraps ErrorBody under an "error" key.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewEnvelope builds an envelope carrying details as context. Detail values
// other than strings, numbers, booleans and string lists are dropped.
func NewEnvelope(code, message string, details map[string]any) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(code, message)
	if len(details) > 0 {
		env, _ = env.WithContext(details)
	}
	return env
}

// Kind classifies an AppError.
type Kind string

const (
	KindInternal        Kind = "internal"
	KindExternalService Kind = "external_service"
	KindBadRequest      Kind = "bad_request"
)

// AppError is an error raised by the command and server layers themselves.
type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *AppError) Unwrap() error { return e.Err }

// NewExternalServiceError reports an unreachable dependency.
func NewExternalServiceError(message string) *AppError {
	return &AppError{Kind: KindExternalService, Message: message}
}

// NewBadRequest reports a malformed request.
func NewBadRequest(message string, err error) *AppError {
	return &AppError{Kind: KindBadRequest, Message: message, Err: err}
}

// WrapInternal wraps err as an internal failure. A request id in ctx is
// appended to the message.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	if id := RequestIDFrom(ctx); id != "" {
		message = fmt.Sprintf("%s (request %s)", message, id)
	}
	return &AppError{Kind: KindInternal, Message: message, Err: err}
}

type requestIDKey struct{}

// WithRequestID stores id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request id stored by WithRequestID.
func RequestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Classify returns the HTTP status and envelope for err.
func Classify(err error) (int, *gferrors.ErrorEnvelope) {
	var (
		scopeErr  *scope.ValidationError
		renderErr *template.RenderError
		reqErr    *moderation.RequestError
		budgetErr *moderation.BudgetError
		dupErr    *moderation.DuplicateJobError
		manErrs   manifest.ValidationErrors
		appErr    *AppError
	)

	switch {
	case errors.As(err, &scopeErr):
		return http.StatusUnprocessableEntity, NewEnvelope(CodeValidationFailed, err.Error(),
			map[string]any{"reason": scopeErr.Reason, "identifiers": scopeErr.Identifiers})
	case errors.As(err, &renderErr):
		var details map[string]any
		if renderErr.RecordID != "" {
			details = map[string]any{"record_id": renderErr.RecordID}
		}
		return http.StatusUnprocessableEntity, NewEnvelope(CodeValidationFailed, err.Error(), details)
	case errors.Is(err, template.ErrEmptyTemplate):
		return http.StatusUnprocessableEntity, NewEnvelope(CodeValidationFailed, err.Error(), nil)
	case errors.As(err, &reqErr):
		return http.StatusUnprocessableEntity, NewEnvelope(CodeValidationFailed, err.Error(),
			map[string]any{"field": reqErr.Field})
	case errors.As(err, &manErrs):
		fields := make([]string, 0, len(manErrs))
		for _, e := range manErrs {
			fields = append(fields, e.Error())
		}
		return http.StatusUnprocessableEntity, NewEnvelope(CodeValidationFailed, err.Error(),
			map[string]any{"errors": fields})
	case errors.As(err, &budgetErr):
		details := map[string]any{"cap_usd": budgetErr.CapUSD}
		if budgetErr.Estimate != nil && budgetErr.Estimate.EstimatedCostUSD != nil {
			details["estimated_cost_usd"] = *budgetErr.Estimate.EstimatedCostUSD
		}
		return http.StatusUnprocessableEntity, NewEnvelope(CodeBudgetExceeded, err.Error(), details)
	case errors.Is(err, provider.ErrInvalidURI), errors.Is(err, provider.ErrUnsupportedProvider):
		return http.StatusUnprocessableEntity, NewEnvelope(CodeValidationFailed, err.Error(), nil)
	case provider.IsBucketNotFound(err):
		return http.StatusUnprocessableEntity, NewEnvelope(CodeValidationFailed, err.Error(), nil)
	case provider.IsRetryable(err), provider.IsAuthFailure(err):
		return http.StatusServiceUnavailable, NewEnvelope(CodeServiceUnavailable,
			"export destination unavailable: "+err.Error(), nil)
	case errors.As(err, &dupErr):
		return http.StatusConflict, NewEnvelope(CodeConflict, err.Error(), map[string]any{
			"existing_job_id": dupErr.Existing.ID,
			"existing_status": string(dupErr.Existing.Status),
		})
	case jobstore.IsNotFound(err), errors.Is(err, lexicon.ErrNotFound):
		return http.StatusNotFound, NewEnvelope(CodeNotFound, err.Error(), nil)
	case jobstore.IsConflict(err):
		return http.StatusConflict, NewEnvelope(CodeConflict, err.Error(), nil)
	case errors.Is(err, moderation.ErrExportDisabled):
		return http.StatusNotImplemented, NewEnvelope(CodeNotImplemented, err.Error(), nil)
	case jobstore.IsStoreError(err):
		return http.StatusServiceUnavailable, NewEnvelope(CodeStoreUnavailable, "job store unavailable", nil)
	case errors.As(err, &appErr):
		switch appErr.Kind {
		case KindBadRequest:
			return http.StatusBadRequest, NewEnvelope(CodeBadRequest, err.Error(), nil)
		case KindExternalService:
			return http.StatusServiceUnavailable, NewEnvelope(CodeServiceUnavailable, err.Error(), nil)
		}
	}
	return http.StatusInternalServerError, NewEnvelope(CodeInternal, "internal error", nil)
}

// RespondWithError writes the classified error for err, correlated with the
// request id.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, env := Classify(err)
	WriteError(w, status, env.WithCorrelationID(RequestIDFrom(r.Context())))
}

// WriteError writes env with status as JSON.
func WriteError(w http.ResponseWriter, status int, env *gferrors.ErrorEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorBody{
		Code:      env.Code,
		Message:   env.Message,
		Details:   env.Context,
		RequestID: env.CorrelationID,
		Timestamp: env.Timestamp,
	}})
}

// ExitWithCode logs err and terminates the process with code.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger != nil {
		logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
		_ = logger.Sync()
	}
	os.Exit(code)
}
