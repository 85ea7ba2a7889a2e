package apisrv

import (
	"errors"
	"net/http"

	"github.com/pricefeed-oracle/orchestrator/pkg/clusterconfig"
)

// HTTPError is an API error with the HTTP status code to reply with.
type HTTPError struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return e.Message
}

func newHTTPError(code int, msg string) *HTTPError {
	return &HTTPError{Code: code, Message: msg}
}

func badRequest(msg string) *HTTPError {
	return newHTTPError(http.StatusBadRequest, "Bad request. "+msg)
}

func unauthorized(msg string) *HTTPError {
	return newHTTPError(http.StatusUnauthorized, "Unauthorized. "+msg)
}

// internalError is sent instead of unexpected errors, details are only
// logged.
var internalError = newHTTPError(http.StatusInternalServerError,
	"Error occurred. If this error persists, please contact the cluster operators.")

// toHTTPError converts handler error to the reply. The second result tells
// whether the error is unexpected.
func toHTTPError(err error) (*HTTPError, bool) {
	var (
		herr *HTTPError
		verr *clusterconfig.ValidationError
	)
	switch {
	case errors.As(err, &herr):
		return herr, false
	case errors.As(err, &verr):
		return badRequest(verr.Error()), false
	default:
		return internalError, true
	}
}
