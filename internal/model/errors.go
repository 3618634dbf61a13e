package model

import "errors"

var (
	// ErrLoadFailed wraps every failure of Load.
	ErrLoadFailed = errors.New("model: load failed")
	// ErrLoadCancelled is wrapped together with ErrLoadFailed when the
	// progress callback or the context aborts a load.
	ErrLoadCancelled = errors.New("model: load cancelled")
	// ErrModelDisposed is returned by handle queries after Dispose and by
	// Retain once the last reference was released.
	ErrModelDisposed = errors.New("model: disposed")
	// ErrNoMetadata is returned by Meta for keys the file does not carry.
	ErrNoMetadata = errors.New("model: no such metadata key")
	// ErrNoWeights is returned by compute entry points of a vocab-only model.
	ErrNoWeights = errors.New("model: loaded without weights")
)

// loadError attaches ErrLoadFailed to a cause while keeping the cause
// reachable through errors.Is.
type loadError struct {
	path string
	err  error
}

func (e *loadError) Error() string {
	return "load model " + e.path + ": " + e.err.Error()
}

func (e *loadError) Unwrap() []error {
	return []error{ErrLoadFailed, e.err}
}
