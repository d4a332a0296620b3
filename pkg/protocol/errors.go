package protocol

import "fmt"

// ConfigError reports a user-supplied precondition that does not hold: an
// invalid duration, a missing flag, an absent worker, or a worker of the
// wrong kind. Commands that return it have not mutated any state.
type ConfigError struct {
	Field  string // precondition name, e.g. "interval" or "worker"
	Reason string
	Err    error // optional sentinel, e.g. worker.ErrNotFound
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ConfigWrap builds a ConfigError that matches sentinel under errors.Is.
func ConfigWrap(field string, sentinel error, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...), Err: sentinel}
}

// Configf builds a ConfigError with a formatted reason.
func Configf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// FatalLoopError reports a supervisor loop that terminated and persisted a
// failed status.
type FatalLoopError struct {
	Worker string
	Reason string
	Err    error
}

func (e *FatalLoopError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("loop for %s failed (%s): %v", e.Worker, e.Reason, e.Err)
	}
	return fmt.Sprintf("loop for %s failed (%s)", e.Worker, e.Reason)
}

func (e *FatalLoopError) Unwrap() error { return e.Err }
