package servicenow

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrMalformedResponse is returned when the server violates the result/error
// envelope contract: a body that is not JSON, or JSON without the expected
// "result" or "error.message" members. It is never retried or recovered.
var ErrMalformedResponse = errors.New("servicenow: malformed response body")

// StatusCodeError is returned when a response's status code differs from the
// status the operation expects (200 for reads and updates, 201 for create,
// 204 for delete). Message and Detail come from the error envelope; Detail
// is nil when the server sent null or omitted it.
type StatusCodeError struct {
	Message    string
	Detail     *string
	StatusCode int
}

// Error implements the error interface.
func (e *StatusCodeError) Error() string {
	detail := "<nil>"
	if e.Detail != nil {
		detail = *e.Detail
	}
	return fmt.Sprintf("servicenow: status %d: %s (detail: %s)", e.StatusCode, e.Message, detail)
}

// IsStatus reports whether err is a *StatusCodeError with the given status.
func IsStatus(err error, status int) bool {
	var sce *StatusCodeError
	if errors.As(err, &sce) {
		return sce.StatusCode == status
	}
	return false
}

// IsNotFound reports whether err is a 404 StatusCodeError.
func IsNotFound(err error) bool {
	return IsStatus(err, http.StatusNotFound)
}

// classify builds the error for an unexpected status from the response body.
// A body that does not carry the error envelope is a protocol violation and
// yields ErrMalformedResponse instead of a StatusCodeError.
func classify(status int, body []byte) error {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: status %d: %v (body: %s)", ErrMalformedResponse, status, err, truncateBody(body))
	}
	if env.Error == nil || env.Error.Message == nil {
		return fmt.Errorf("%w: status %d: missing error.message (body: %s)", ErrMalformedResponse, status, truncateBody(body))
	}
	return &StatusCodeError{
		Message:    *env.Error.Message,
		Detail:     env.Error.Detail,
		StatusCode: status,
	}
}

// truncateBody returns the first 500 bytes of a response body for messages.
func truncateBody(body []byte) string {
	if len(body) > 500 {
		return string(body[:500]) + "..."
	}
	return string(body)
}
