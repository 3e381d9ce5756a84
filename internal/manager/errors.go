package manager

import (
	"errors"
	"fmt"

	"locallab/internal/backend"
	"locallab/internal/generation"
)

// Load stages reported by ModelLoadError.
const (
	StageResolve   = "resolve"
	StagePreflight = "preflight"
	StageTokenizer = "tokenizer"
	StageWeights   = "weights"
	StageFallback  = "fallback"
)

var (
	// ErrLoadInProgress is returned when a lifecycle transition is already running.
	ErrLoadInProgress = errors.New("load already in progress")
	// ErrNoModelLoaded is returned by generation calls while nothing is resident.
	ErrNoModelLoaded = errors.New("no model loaded")
	// ErrModelSwapped ends leases whose model was released after a drain timeout.
	ErrModelSwapped = errors.New("model was unloaded during generation")
)

type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// ErrModelNotFound returns an error for an id that is neither registered nor
// a usable external identifier.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether err indicates an unknown model id.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

// tooBusyError signals queue timeout, overflow or a draining model.
type tooBusyError struct{ modelID string }

func (e tooBusyError) Error() string { return "too busy: " + e.modelID }

// IsTooBusy reports whether err indicates backpressure.
func IsTooBusy(err error) bool {
	var e tooBusyError
	return errors.As(err, &e)
}

// InsufficientResourceError is returned by the pre-flight check when the
// model fits on no available device.
type InsufficientResourceError struct {
	ModelID    string
	Device     string
	RequiredMB int
	FreeMB     int
}

func (e *InsufficientResourceError) Error() string {
	return fmt.Sprintf("insufficient memory for %s on %s: need %d MB, %d MB free", e.ModelID, e.Device, e.RequiredMB, e.FreeMB)
}

// IsInsufficientResource reports whether err carries an InsufficientResourceError.
func IsInsufficientResource(err error) bool {
	var e *InsufficientResourceError
	return errors.As(err, &e)
}

// ModelLoadError reports the stage at which a load failed after every local
// fallback was exhausted.
type ModelLoadError struct {
	ModelID string
	Stage   string
	Cause   error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load %s failed at %s: %v", e.ModelID, e.Stage, e.Cause)
}

func (e *ModelLoadError) Unwrap() error { return e.Cause }

// IsModelLoad reports whether err carries a ModelLoadError.
func IsModelLoad(err error) bool {
	var e *ModelLoadError
	return errors.As(err, &e)
}

type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs an error for a runtime that was not
// compiled in or failed to start.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime
// dependency, either directly or through backend.ErrUnavailable.
func IsDependencyUnavailable(err error) bool {
	var e dependencyUnavailableError
	return errors.As(err, &e) || errors.Is(err, backend.ErrUnavailable)
}

// IsValidation reports whether err is a generation parameter error.
func IsValidation(err error) bool {
	var e *generation.ValidationError
	return errors.As(err, &e)
}

// IsTimeout reports whether err is a generation timeout.
func IsTimeout(err error) bool {
	var e *generation.TimeoutError
	return errors.As(err, &e)
}

// IsOutOfMemory reports whether err is an unrecovered generation OOM.
func IsOutOfMemory(err error) bool {
	var e *generation.OutOfMemoryError
	return errors.As(err, &e)
}
