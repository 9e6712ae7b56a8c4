// Package middleware provides HTTP middleware for the lexbatch API.
package middleware

import (
	"fmt"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/lexbatch/internal/errors"
	"github.com/3leaps/lexbatch/internal/observability"
)

// ErrorResponse is the JSON body written for failed requests.
type ErrorResponse = apperrors.ErrorResponse

// Recovery converts panics into 500 responses.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			requestID := apperrors.RequestIDFrom(r.Context())
			observability.ServerLogger.Error("Handler panic",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
				zap.String("request_id", requestID))

			envelope := errors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec)).
				WithCorrelationID(requestID)
			writeErrorResponse(w, envelope, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, statusCode int) {
	apperrors.WriteError(w, statusCode, envelope)
}
