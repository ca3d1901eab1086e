package job

import (
	"fmt"
	"strings"
)

// Status describes the lifecycle state of a job.
type Status int

// Job states. Unknown is the zero value and is never written for a
// dispatched job.
const (
	Unknown Status = iota
	Pending
	Running
	Completed
	Failed
	Cancelled
	Timeout
	OutOfMemory
)

var statusNames = map[Status]string{
	Unknown:     "UNKNOWN",
	Pending:     "PENDING",
	Running:     "RUNNING",
	Completed:   "COMPLETED",
	Failed:      "FAILED",
	Cancelled:   "CANCELLED",
	Timeout:     "TIMEOUT",
	OutOfMemory: "OUT_OF_MEMORY",
}

// Statuses returns every known status, in declaration order.
func Statuses() []Status {
	return []Status{Unknown, Pending, Running, Completed, Failed, Cancelled, Timeout, OutOfMemory}
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ParseStatus parses a status name, case insensitive.
func ParseStatus(raw string) (Status, error) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	for s, n := range statusNames {
		if n == raw {
			return s, nil
		}
	}
	return Unknown, fmt.Errorf("unknown job status: %q", raw)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	v, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Terminal returns true if no transition out of the status is possible.
func (s Status) Terminal() bool {
	switch s {
	case Completed, Failed, Cancelled, Timeout, OutOfMemory:
		return true
	}
	return false
}

// Unsuccessful returns true for every terminal status but COMPLETED.
// A cancelled job did not succeed.
func (s Status) Unsuccessful() bool {
	return s.Terminal() && s != Completed
}

// TransitionError describes an invalid state transition.
type TransitionError struct {
	From, To Status
}

func (te *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s",
		te.From.String(), te.To.String())
}

// ValidateTransition validates a job state transition.
// Returns a TransitionError if the transition is not valid.
func ValidateTransition(from, to Status) error {

	if from == to {
		return nil
	}

	switch from {
	case Unknown:
		// May transition from Unknown to anything but itself.
		return nil

	case Pending:
		if to == Unknown {
			return &TransitionError{from, to}
		}
		return nil

	case Running:
		switch to {
		case Unknown, Pending:
			return &TransitionError{from, to}
		}
		return nil

	case Completed, Failed, Cancelled, Timeout, OutOfMemory:
		// May not transition out of terminal state.
		return &TransitionError{from, to}
	}
	return &TransitionError{from, to}
}
