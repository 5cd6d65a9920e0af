package usecase

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrorInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrorNotFound         ErrorCode = "NOT_FOUND"
	ErrorPermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrorUpstream         ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal         ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Alert reports whether the failure needs an operator rather than a retry
// on the next inbound message.
func (e *Error) Alert() bool {
	return e != nil && (e.Code == ErrorPermissionDenied || e.Code == ErrorInternal)
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

// classify maps an upstream failure to a code, keeping not-found and
// permission problems distinct from transient ones.
func classify(reason string, err error) *Error {
	status, ok := upstreamStatusCode(err)
	switch {
	case ok && status == http.StatusNotFound:
		return newError(ErrorNotFound, reason, err)
	case ok && (status == http.StatusUnauthorized || status == http.StatusForbidden):
		return newError(ErrorPermissionDenied, reason, err)
	default:
		return newError(ErrorUpstream, reason, err)
	}
}
