package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"rdcp/pkg/models"
	"rdcp/pkg/ratelimit"
)

type Code string

const (
	CodeValidation           Code = "RDCP_VALIDATION_ERROR"
	CodeNotFound             Code = "RDCP_CATEGORY_NOT_FOUND"
	CodeRateLimited          Code = "RDCP_RATE_LIMITED"
	CodeAuditWriteFailed     Code = "RDCP_AUDIT_WRITE_FAILED"
	CodeSchedulerUnavailable Code = "RDCP_SCHEDULER_UNAVAILABLE"
	CodeInternal             Code = "RDCP_INTERNAL_ERROR"
	CodeTimeout              Code = "RDCP_TIMEOUT"
)

// HTTPStatus maps a code to the status the transport should answer with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is the only error type that leaves the handler.
type Error struct {
	Code       Code
	Message    string
	Details    map[string]any
	RetryAfter int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Status() int { return e.Code.HTTPStatus() }

func (e *Error) Envelope() models.ErrorEnvelope {
	return models.ErrorEnvelope{Error: models.ErrorBody{
		Code:     string(e.Code),
		Message:  e.Message,
		Details:  e.Details,
		Protocol: models.Protocol,
	}}
}

func validationError(msg string, err error) *Error {
	return &Error{Code: CodeValidation, Message: msg, Err: err}
}

func rateLimitedError(d ratelimit.Decision) *Error {
	return &Error{
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded",
		RetryAfter: d.RetryAfterSeconds(),
		Details:    map[string]any{"retryAfterSeconds": d.RetryAfterSeconds()},
	}
}

func internalError(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}

func timeoutError(err error) *Error {
	return &Error{Code: CodeTimeout, Message: "control request timed out", Err: err}
}

// AsError converts any error into an *Error, classifying context deadlines
// as timeouts and everything unknown as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutError(err)
	}
	return internalError(err)
}
