package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the module.
type ErrorCode string

// Request/transport error codes
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrAuthentication     ErrorCode = "AUTHENTICATION"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrUpstreamError      ErrorCode = "UPSTREAM_ERROR"
	ErrUpstreamTimeout    ErrorCode = "UPSTREAM_TIMEOUT"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Tokenizer error codes
const (
	// ErrModelFetch: merge table source unreachable or unreadable.
	ErrModelFetch ErrorCode = "MODEL_FETCH"
	// ErrModelFormat: merge table payload malformed.
	ErrModelFormat ErrorCode = "MODEL_FORMAT"
	// ErrTokenizerError: pre-tokenizer or encoder failure on a given input.
	ErrTokenizerError ErrorCode = "TOKENIZER_ERROR"
)

// Accounting error codes
const (
	ErrCounting           ErrorCode = "COUNTING_ERROR"
	ErrCountingInProgress ErrorCode = "COUNTING_IN_PROGRESS"
	ErrTokenLimitExceeded ErrorCode = "TOKEN_LIMIT_EXCEEDED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// AsError finds the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code anywhere in its chain.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// IsModelFetch reports whether err is a merge table fetch failure.
func IsModelFetch(err error) bool { return IsErrorCode(err, ErrModelFetch) }

// IsModelFormat reports whether err is a malformed merge table.
func IsModelFormat(err error) bool { return IsErrorCode(err, ErrModelFormat) }

// IsCounting reports whether err is a recomputation failure.
func IsCounting(err error) bool { return IsErrorCode(err, ErrCounting) }

// NewModelFetchError wraps a fetch failure for the merge table at source.
func NewModelFetchError(source string, cause error) *Error {
	return NewError(ErrModelFetch, fmt.Sprintf("failed to load tokenizer model from %s", source)).
		WithCause(cause).
		WithRetryable(true)
}

// NewModelFormatError reports an invalid merge table payload.
func NewModelFormatError(message string, cause error) *Error {
	return NewError(ErrModelFormat, "invalid tokenizer model format: "+message).WithCause(cause)
}

// NewCountingError wraps any failure during a token recomputation.
func NewCountingError(cause error) *Error {
	return NewError(ErrCounting, "token counting failed").
		WithCause(cause).
		WithRetryable(true)
}
