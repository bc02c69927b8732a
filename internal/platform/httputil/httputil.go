package httputil

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/onhand/dispatch-core/internal/platform/errors"
)

// Common header names and content types
const (
	HeaderContentType   = "Content-Type"
	HeaderAuthorization = "Authorization"
	HeaderRequestID     = "X-Request-ID"

	ContentTypeJSON = "application/json; charset=utf-8"
)

// ErrorResponse is the wire shape of an error payload
type ErrorResponse struct {
	Error *errors.DomainError `json:"error"`
}

// JSON writes v as a JSON response with the given status code
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set(HeaderContentType, ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes err as a JSON error response, mapping DomainError codes
// to HTTP statuses and hiding internals behind a generic message.
func Error(w http.ResponseWriter, err error) {
	var de *errors.DomainError
	if !stderrors.As(err, &de) {
		de = errors.ErrInternal
	}
	JSON(w, de.HTTPStatus(), ErrorResponse{Error: de})
}

// NoContent writes a 204 response
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
