// Package errors provides structured error types for the ossx client.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by where they were detected.
type ErrorCategory string

const (
	ErrCategoryTransport ErrorCategory = "TRANSPORT"
	ErrCategoryServer    ErrorCategory = "SERVER"
	ErrCategoryProtocol  ErrorCategory = "PROTOCOL"
	ErrCategoryIntegrity ErrorCategory = "INTEGRITY"
	ErrCategoryQuery     ErrorCategory = "QUERY"
	ErrCategoryClient    ErrorCategory = "CLIENT"
	ErrCategoryInternal  ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Transport codes
	CodeConnection = "CONNECTION"
	CodeTimeout    = "TIMEOUT"
	CodeBodyRead   = "BODY_READ"

	// Protocol codes
	CodeUnexpectedFrame = "UNEXPECTED_FRAME_TYPE"
	CodeTruncatedFrame  = "TRUNCATED_FRAME"
	CodeMalformedBody   = "MALFORMED_BODY"

	// Integrity codes
	CodeCRCMismatch = "CRC_MISMATCH"

	// Query codes
	CodeSelectFailed = "SELECT_OPERATION_FAILED"

	// Client codes
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeUnsupportedInput = "UNSUPPORTED_INPUT"
	CodeConflictingParam = "CONFLICTING_PARAMETERS"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// OssError is the structured error type used throughout the client.
type OssError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	RequestID string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *OssError) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
	if e.RequestID != "" {
		msg += " (request id: " + e.RequestID + ")"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *OssError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *OssError) Is(target error) bool {
	var t *OssError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new OssError.
func New(category ErrorCategory, code, message string) *OssError {
	return &OssError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new OssError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *OssError {
	return &OssError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *OssError) WithDetails(details map[string]interface{}) *OssError {
	cp := *e
	cp.Details = details
	return &cp
}

// WithRequestID returns a copy of the error tagged with a request id.
func (e *OssError) WithRequestID(requestID string) *OssError {
	cp := *e
	cp.RequestID = requestID
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ae *OssError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not classified.
func GetCategory(err error) ErrorCategory {
	var ae *OssError
	if errors.As(err, &ae) {
		return ae.Category
	}
	var se *ServerError
	if errors.As(err, &se) {
		return ErrCategoryServer
	}
	var ie *InconsistentError
	if errors.As(err, &ie) {
		return ErrCategoryIntegrity
	}
	var qe *SelectFailedError
	if errors.As(err, &qe) {
		return ErrCategoryQuery
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not classified.
func GetCode(err error) string {
	var ae *OssError
	if errors.As(err, &ae) {
		return ae.Code
	}
	var se *ServerError
	if errors.As(err, &se) {
		return se.Code
	}
	var qe *SelectFailedError
	if errors.As(err, &qe) {
		return qe.Code
	}
	return ""
}

// isRetryable reports whether a failure of this kind may succeed when the
// request is issued again.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryTransport && code == CodeConnection:
		return true
	case category == ErrCategoryTransport && code == CodeTimeout:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewTransportError(code, message string, cause error) *OssError {
	return Wrap(ErrCategoryTransport, code, message, cause)
}

func NewProtocolError(code, message, requestID string) *OssError {
	e := New(ErrCategoryProtocol, code, message)
	e.RequestID = requestID
	return e
}

func NewClientError(code, message string) *OssError {
	return New(ErrCategoryClient, code, message)
}

func NewInternalError(message string, cause error) *OssError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
