package pii

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below unwrap to one of these so callers can
// branch with errors.Is.
var (
	ErrDetection           = errors.New("detection failed")
	ErrOracleUnavailable   = errors.New("ner oracle unavailable")
	ErrCollision           = errors.New("placeholder collision")
	ErrRehydrationMismatch = errors.New("rehydration mismatch")
	ErrInputTooLarge       = errors.New("input exceeds size limit")
)

// DetectionError reports a single detector that failed or timed out.
// Recoverable: the detector is skipped and the run continues.
type DetectionError struct {
	DetectorID string
	Timeout    bool
	Err        error
}

func (e *DetectionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("detector %s: timed out", e.DetectorID)
	}
	return fmt.Sprintf("detector %s: %v", e.DetectorID, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

func (e *DetectionError) Is(target error) bool { return target == ErrDetection }

// OracleError reports a failed or timed out NER oracle call. Recoverable: the
// run degrades to regex-only detection.
type OracleError struct {
	Timeout bool
	Err     error
}

func (e *OracleError) Error() string {
	if e.Timeout {
		return "ner oracle: timed out"
	}
	return fmt.Sprintf("ner oracle: %v", e.Err)
}

func (e *OracleError) Unwrap() error { return e.Err }

func (e *OracleError) Is(target error) bool { return target == ErrOracleUnavailable }

// CollisionError is fatal for the document: no collision-free placeholder
// grammar was found within the retry budget.
type CollisionError struct {
	Placeholder string
	Attempts    int
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("placeholder %s collides with source text after %d attempts", e.Placeholder, e.Attempts)
}

func (e *CollisionError) Is(target error) bool { return target == ErrCollision }

// MismatchError describes a placeholder in generated text with no map entry.
// It is only ever reported through Stats, never returned.
type MismatchError struct {
	Placeholder string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("placeholder %s has no rehydration entry", e.Placeholder)
}

func (e *MismatchError) Is(target error) bool { return target == ErrRehydrationMismatch }

// InputTooLargeError is returned when a document exceeds the configured cap.
type InputTooLargeError struct {
	Size  int
	Limit int
}

func (e *InputTooLargeError) Error() string {
	return fmt.Sprintf("input of %d bytes exceeds limit of %d", e.Size, e.Limit)
}

func (e *InputTooLargeError) Is(target error) bool { return target == ErrInputTooLarge }
