package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/lexbatch/internal/errors"
)

// HTTPErrorResponder writes an error response for err.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = apperrors.RespondWithError

// SetHTTPErrorResponder replaces the responder used by handlers. nil restores
// the default.
func SetHTTPErrorResponder(responder HTTPErrorResponder) {
	if responder == nil {
		responder = apperrors.RespondWithError
	}
	httpErrorResponder = responder
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = apperrors.RespondWithError
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
