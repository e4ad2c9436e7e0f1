// Package cerrors defines the typed failure taxonomy for the modelgate
// client. Every error surfaced to callers is a *ClientError carrying a
// stable code, an optional HTTP status, and structured details.
package cerrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Code classifies a failure for programmatic handling.
type Code string

const (
	CodeAPIError       Code = "API_ERROR"
	CodeNetworkError   Code = "NETWORK_ERROR"
	CodeTimeout        Code = "TIMEOUT"
	CodeCanceled       Code = "CANCELED"
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeConfig         Code = "CONFIG_ERROR"
	CodeAuthentication Code = "AUTHENTICATION_ERROR"
	CodeAuthorization  Code = "AUTHORIZATION_ERROR"
	CodeAccessDenied   Code = "ACCESS_DENIED"
	CodeRateLimit      Code = "RATE_LIMIT_ERROR"
	CodeDangerousArgs  Code = "DANGEROUS_ARGS"
	CodeSecurity       Code = "SECURITY_ERROR"
	CodeTool           Code = "TOOL_ERROR"
	CodeJWTSign        Code = "JWT_SIGN_ERROR"
	CodeJWTValidation  Code = "JWT_VALIDATION_ERROR"
	CodeInternal       Code = "INTERNAL_ERROR"
)

// IsRetryableTransport reports whether a code represents a transport
// failure worth retrying against a fallback model.
func (c Code) IsRetryableTransport() bool {
	switch c {
	case CodeNetworkError, CodeTimeout:
		return true
	default:
		return false
	}
}

// ClientError is the single error shape the client surfaces.
type ClientError struct {
	Code       Code
	Message    string
	StatusCode int
	Details    map[string]any
	Cause      error
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *ClientError) Unwrap() error {
	return e.Cause
}

// New creates a ClientError with the given code and message.
func New(code Code, message string) *ClientError {
	return &ClientError{Code: code, Message: message}
}

// Wrap creates a ClientError around a cause.
func Wrap(code Code, message string, cause error) *ClientError {
	return &ClientError{Code: code, Message: message, Cause: cause}
}

// WithStatus sets the HTTP status associated with the failure.
func (e *ClientError) WithStatus(status int) *ClientError {
	e.StatusCode = status
	return e
}

// WithDetail attaches one structured detail field.
func (e *ClientError) WithDetail(key string, value any) *ClientError {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// WithDetails attaches several detail fields at once.
func (e *ClientError) WithDetails(details map[string]any) *ClientError {
	for k, v := range details {
		e = e.WithDetail(k, v)
	}
	return e
}

// Get extracts a *ClientError from an error chain.
func Get(err error) (*ClientError, bool) {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	if ce, ok := Get(err); ok {
		return ce.Code == code
	}
	return false
}

// FromStatus maps an HTTP status to the matching code.
func FromStatus(status int) Code {
	switch {
	case status == 401:
		return CodeAuthentication
	case status == 403:
		return CodeAccessDenied
	case status == 408:
		return CodeTimeout
	case status == 429:
		return CodeRateLimit
	case status >= 500:
		return CodeAPIError
	case status >= 400:
		return CodeValidation
	default:
		return CodeAPIError
	}
}

// Normalize coerces any error into a *ClientError. ClientErrors pass
// through unchanged; context and net failures map to their codes;
// everything else becomes INTERNAL_ERROR.
func Normalize(err error) *ClientError {
	if err == nil {
		return nil
	}
	if ce, ok := Get(err); ok {
		return ce
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Wrap(CodeCanceled, "operation canceled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(CodeTimeout, "operation timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(CodeTimeout, err.Error(), err)
		}
		return Wrap(CodeNetworkError, err.Error(), err)
	}
	return Wrap(CodeInternal, err.Error(), err)
}
