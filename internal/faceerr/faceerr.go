// Package faceerr defines the machine-readable error kinds reported by the
// extraction and comparison flows.
package faceerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers.
type Kind string

const (
	KindInvalidImage      Kind = "INVALID_IMAGE"
	KindNoFaceDetected    Kind = "NO_FACE_DETECTED"
	KindInvalidEmbedding  Kind = "INVALID_EMBEDDING"
	KindExtractionTimeout Kind = "EXTRACTION_TIMEOUT"
	KindExtractionFailure Kind = "EXTRACTION_FAILURE"
)

// Reasons attached to KindInvalidEmbedding.
const (
	ReasonWrongDimension = "wrong_dimension"
	ReasonNonFinite      = "non_finite"
	ReasonNotNormalized  = "not_normalized"
	ReasonMissing        = "missing"
	ReasonMalformed      = "malformed"
)

// Error carries a Kind plus optional detail about which input failed.
type Error struct {
	Kind     Kind
	Message  string
	Argument string
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Argument != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Argument, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports kind equality so errors.Is(err, faceerr.New(KindNoFaceDetected, "")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// Retryable reports whether the caller may retry with backoff.
func (e *Error) Retryable() bool {
	return e != nil && (e.Kind == KindExtractionTimeout || e.Kind == KindExtractionFailure)
}

// New builds an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind to an underlying error. A nil err yields nil.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// InvalidEmbedding reports a rejected vector argument.
func InvalidEmbedding(argument, reason, message string) *Error {
	return &Error{Kind: KindInvalidEmbedding, Argument: argument, Reason: reason, Message: message}
}

// KindOf extracts the Kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsRetryable reports whether err is a retryable extraction error.
func IsRetryable(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Retryable()
}

// IsRetryableFailure reports whether err is an ExtractionFailure, the only
// kind retried in-process. Timeouts go back to the caller.
func IsRetryableFailure(err error) bool {
	return KindOf(err) == KindExtractionFailure
}
