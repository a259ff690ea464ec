package tts

import (
	"context"
	"errors"
	"fmt"
)

// Common synthesis errors
var (
	// ErrNoVoiceConfigured indicates no voice has been selected
	ErrNoVoiceConfigured = errors.New("no voice configured")

	// ErrEngineNotAvailable indicates the selected engine is not available
	ErrEngineNotAvailable = errors.New("synthesis engine is not available")

	// ErrEmptyText indicates a synthesis request with no speakable text
	ErrEmptyText = errors.New("empty text in synthesis request")

	// ErrInvalidRate indicates a rate value is out of range
	ErrInvalidRate = errors.New("rate must be between 0.5 and 3.0")
)

// Code identifies a class of synthesis failure. Codes drive the retry
// policy: deterministic failures are never retried, transient ones are
// retried with backoff.
type Code string

const (
	// CodeModelMissing indicates the voice model is not installed
	CodeModelMissing Code = "MODEL_MISSING"

	// CodeModelCorrupted indicates the voice model failed validation
	CodeModelCorrupted Code = "MODEL_CORRUPTED"

	// CodeOutOfMemory indicates the engine ran out of memory
	CodeOutOfMemory Code = "OUT_OF_MEMORY"

	// CodeInferenceFailed indicates the engine failed mid-inference
	CodeInferenceFailed Code = "INFERENCE_FAILED"

	// CodeCancelled indicates the request was cancelled cooperatively
	CodeCancelled Code = "CANCELLED"

	// CodeInvalidInput indicates the request itself is malformed
	CodeInvalidInput Code = "INVALID_INPUT"

	// CodeFileWrite indicates artifact persistence failed
	CodeFileWrite Code = "FILE_WRITE"

	// CodeBusy indicates the engine rejected the request under load
	CodeBusy Code = "BUSY"

	// CodeTimeout indicates the request exceeded its deadline
	CodeTimeout Code = "TIMEOUT"

	// CodeUnknown is the fallback for unclassified failures
	CodeUnknown Code = "UNKNOWN"
)

// Error is a classified synthesis error with context.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a classified error with context
func NewError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the classification from any error, walking wrapped
// causes. Plain context errors map to CodeCancelled and CodeTimeout so
// adapters can return ctx.Err() directly.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Code
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeUnknown
}

// IsRetryable reports whether the failure is transient and worth
// retrying with backoff.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeOutOfMemory, CodeBusy, CodeTimeout, CodeInferenceFailed:
		return true
	default:
		return false
	}
}

// IsFatal reports whether the failure is deterministic: retrying the
// same request will fail the same way.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case CodeModelMissing, CodeModelCorrupted, CodeInvalidInput:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether the error is a cooperative cancellation.
func IsCancelled(err error) bool {
	return CodeOf(err) == CodeCancelled
}
