package workload

import "fmt"

// configurationError signals malformed or missing recipe/server configuration.
type configurationError struct{ msg string }

func (e configurationError) Error() string { return "configuration: " + e.msg }

// ErrConfiguration constructs a configuration error.
func ErrConfiguration(format string, args ...any) error {
	return configurationError{msg: fmt.Sprintf(format, args...)}
}

// IsConfiguration reports whether err is a configuration error (maps to 400).
func IsConfiguration(err error) bool {
	_, ok := err.(configurationError)
	return ok
}

// stateConflictError signals an operation requested while the workload is
// mid-transition or already in the requested state.
type stateConflictError struct{ msg string }

func (e stateConflictError) Error() string { return "state conflict: " + e.msg }

// ErrStateConflict constructs a state conflict error.
func ErrStateConflict(format string, args ...any) error {
	return stateConflictError{msg: fmt.Sprintf(format, args...)}
}

// IsStateConflict reports whether err indicates a lifecycle conflict (409).
func IsStateConflict(err error) bool {
	_, ok := err.(stateConflictError)
	return ok
}

// notFoundError signals that no pod/container exists for the given key.
type notFoundError struct{ msg string }

func (e notFoundError) Error() string { return "not found: " + e.msg }

// ErrNotFound constructs a not-found error.
func ErrNotFound(format string, args ...any) error {
	return notFoundError{msg: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err indicates a missing workload (404).
func IsNotFound(err error) bool {
	_, ok := err.(notFoundError)
	return ok
}

// startupTimeoutError signals that a readiness or running check exceeded its
// wall-clock ceiling.
type startupTimeoutError struct{ msg string }

func (e startupTimeoutError) Error() string { return "startup timeout: " + e.msg }

// ErrStartupTimeout constructs a startup timeout error.
func ErrStartupTimeout(format string, args ...any) error {
	return startupTimeoutError{msg: fmt.Sprintf(format, args...)}
}

// IsStartupTimeout reports whether err indicates a readiness ceiling hit (504).
func IsStartupTimeout(err error) bool {
	_, ok := err.(startupTimeoutError)
	return ok
}

// engineError wraps a failed engine call.
type engineError struct {
	op  string
	err error
}

func (e engineError) Error() string { return "engine " + e.op + ": " + e.err.Error() }
func (e engineError) Unwrap() error { return e.err }

// ErrEngine wraps err as an engine operation failure.
func ErrEngine(op string, err error) error { return engineError{op: op, err: err} }

// IsEngine reports whether err indicates a rejected engine call (502).
func IsEngine(err error) bool {
	_, ok := err.(engineError)
	return ok
}

// noGPUError signals GPU layers were requested but no GPU was discovered.
type noGPUError struct{}

func (noGPUError) Error() string { return "no GPU available" }

// ErrNoGPU is returned when GPU inference is requested on a GPU-less host.
var ErrNoGPU error = noGPUError{}

// IsNoGPU reports whether err indicates a missing GPU (422).
func IsNoGPU(err error) bool {
	_, ok := err.(noGPUError)
	return ok
}
