package generation

import "fmt"

// ValidationError reports a generation parameter that is out of range.
// It is returned before any model work starts.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TimeoutError is returned when max_time elapsed before any output was
// produced. Partial carries whatever text exists.
type TimeoutError struct {
	Partial string
}

func (e *TimeoutError) Error() string { return "generation timed out" }

// OutOfMemoryError is returned when a generation ran out of memory and the
// single in-place recovery did not help.
type OutOfMemoryError struct {
	Partial string
	Cause   error
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("out of memory during generation: %v", e.Cause)
}

func (e *OutOfMemoryError) Unwrap() error { return e.Cause }
