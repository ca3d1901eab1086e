package job

import (
	"errors"
	"fmt"
)

// ErrNotFound is matched by JobNotFoundError via errors.Is.
var ErrNotFound = errors.New("job not found")

// ErrConnection is matched by ConnectionError via errors.Is.
var ErrConnection = errors.New("connection failed")

// InvalidResourceSpecError is returned for a malformed or unsupported
// descriptor. It is never retried.
type InvalidResourceSpecError struct {
	Field  string
	Reason string
	Err    error
}

func (e *InvalidResourceSpecError) Error() string {
	msg := "invalid resource spec"
	if e.Field != "" {
		msg += fmt.Sprintf(" (%s)", e.Field)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidResourceSpecError) Unwrap() error { return e.Err }

// UnsupportedResourceError is returned when a descriptor asks a backend for
// a resource it cannot provide, e.g. GPUs on the local backend.
type UnsupportedResourceError struct {
	Backend  string
	Resource string
}

func (e *UnsupportedResourceError) Error() string {
	return fmt.Sprintf("backend %s does not support resource %q", e.Backend, e.Resource)
}

// Unwrap lets UnsupportedResourceError match InvalidResourceSpecError with errors.As.
func (e *UnsupportedResourceError) Unwrap() error {
	return &InvalidResourceSpecError{Field: e.Resource, Reason: "unsupported by " + e.Backend}
}

// SubmissionParseError is returned when a scheduler accepted a submit command
// but the job identifier could not be extracted from its output.
// The job is not registered.
type SubmissionParseError struct {
	Backend string
	Output  string
}

func (e *SubmissionParseError) Error() string {
	return fmt.Sprintf("could not parse %s job id from submit output: %q", e.Backend, e.Output)
}

// ConnectionError is a transient network or authentication failure.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("connection error: %v", e.Err)
	}
	return fmt.Sprintf("connection to %s: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is reports ErrConnection as a match.
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// CapacityExceededError is returned when a backend's concurrent job limit is reached.
type CapacityExceededError struct {
	Backend string
	Limit   int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("backend %s is at capacity (%d concurrent jobs)", e.Backend, e.Limit)
}

// JobNotFoundError is a registry or backend lookup miss.
type JobNotFoundError struct {
	Backend string
	ID      string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job %s not found in backend %s", e.ID, e.Backend)
}

// Is reports ErrNotFound as a match.
func (e *JobNotFoundError) Is(target error) bool { return target == ErrNotFound }

// StaleStatusError is returned along with the last registered status when
// the backend could not be asked for a fresh one.
type StaleStatusError struct {
	Status Status
	Err    error
}

func (e *StaleStatusError) Error() string {
	return fmt.Sprintf("last known status %s may be stale: %v", e.Status, e.Err)
}

func (e *StaleStatusError) Unwrap() error { return e.Err }

// IsStale returns true if err is, or wraps, a StaleStatusError.
func IsStale(err error) bool {
	var se *StaleStatusError
	return errors.As(err, &se)
}

// IsConnection returns true if err is, or wraps, a ConnectionError.
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// Exit codes used by the CLI.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUnavailable = 2
)

// ExitCode maps an error to a process exit code: 0 on success,
// 2 when the backend could not be reached, 1 otherwise.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case IsConnection(err):
		return ExitUnavailable
	default:
		return ExitFailure
	}
}
