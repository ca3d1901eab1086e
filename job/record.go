package job

import (
	"strconv"
	"time"
)

// Well-known keys of Record.Extra.
const (
	ExtraExitCode        = "exitCode"
	ExtraReason          = "reason"
	ExtraArrayID         = "arrayID"
	ExtraNodes           = "nodes"
	ExtraSchedulerState  = "schedulerState"
	ExtraCancelRequested = "cancelRequested"
	ExtraOutput          = "output"
	ExtraError           = "error"
)

// Reasons written to Record.Extra[ExtraReason].
const (
	ReasonUnknownTermination = "unknown termination"
	ReasonNotFound           = "job not found"
)

// Record is the registry entry for a dispatched job.
// It is keyed by (Backend, ID); ID is only unique within its backend.
type Record struct {
	Backend    string            `json:"backend"`
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Status     Status            `json:"status"`
	Command    []string          `json:"command"`
	WorkDir    string            `json:"workDir,omitempty"`
	SubmitTime time.Time         `json:"submitTime"`
	StartTime  *time.Time        `json:"startTime,omitempty"`
	EndTime    *time.Time        `json:"endTime,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// NewRecord returns a PENDING record for a freshly dispatched descriptor.
func NewRecord(backend, id string, d *Descriptor, now time.Time) *Record {
	return &Record{
		Backend:    backend,
		ID:         id,
		Name:       d.Name(),
		Status:     Pending,
		Command:    d.Command(),
		WorkDir:    d.WorkDir(),
		SubmitTime: now,
		Extra:      map[string]string{},
	}
}

// Key returns the registry key of the record.
func (r *Record) Key() string {
	return Key(r.Backend, r.ID)
}

// Key returns the registry key for a (backend, id) pair.
func Key(backend, id string) string {
	return backend + "/" + id
}

// Transition moves the record to the given status, validating the transition.
// StartTime is set on the first move to RUNNING, EndTime on the first move to
// a terminal state; neither is modified afterwards.
func (r *Record) Transition(to Status, now time.Time) error {
	if err := ValidateTransition(r.Status, to); err != nil {
		return err
	}
	if r.Status == to {
		return nil
	}
	if to == Running && r.StartTime == nil {
		t := now
		r.StartTime = &t
	}
	if to.Terminal() && r.EndTime == nil {
		t := now
		r.EndTime = &t
	}
	r.Status = to
	return nil
}

// SetExtra sets a key in Extra, allocating the map if needed.
func (r *Record) SetExtra(k, v string) {
	if r.Extra == nil {
		r.Extra = map[string]string{}
	}
	r.Extra[k] = v
}

// ExitCode returns the recorded exit code, if any.
func (r *Record) ExitCode() (int, bool) {
	raw, ok := r.Extra[ExtraExitCode]
	if !ok {
		return 0, false
	}
	code, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return code, true
}

// SetExitCode records an exit code.
func (r *Record) SetExitCode(code int) {
	r.SetExtra(ExtraExitCode, strconv.Itoa(code))
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.Command = append([]string(nil), r.Command...)
	if r.StartTime != nil {
		t := *r.StartTime
		c.StartTime = &t
	}
	if r.EndTime != nil {
		t := *r.EndTime
		c.EndTime = &t
	}
	if r.Extra != nil {
		c.Extra = make(map[string]string, len(r.Extra))
		for k, v := range r.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}
