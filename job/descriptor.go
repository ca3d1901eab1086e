// Package job contains the data model shared by every backend: job
// descriptors, statuses, registry records, and the error taxonomy.
package job

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/kballard/go-shellquote"
	"github.com/ohsu-comp-bio/molq/util"
)

// ResourceHints describes optional compute resources. They are interpreted
// only by backends which support them.
type ResourceHints struct {
	CPUCount  int
	Memory    string
	TimeLimit string
	Queue     string
	GPUCount  int
	GPUType   string
	// Dependency lists job IDs which must complete successfully first.
	Dependency []string
	Account    string
	Email      string
	// EmailEvents is a list of "start", "end", "fail", "all".
	EmailEvents []string
	// Priority is "low", "normal", "high", or a scheduler-native value.
	Priority  string
	Exclusive bool
	// ArraySize > 0 submits an array of ArraySize tasks.
	ArraySize int
	// ArrayLimit caps the number of array tasks running at once.
	ArrayLimit int
	// Extra holds raw scheduler flags, rendered as-is.
	Extra map[string]string
}

// IsZero returns true if no hint is set.
func (r *ResourceHints) IsZero() bool {
	if r == nil {
		return true
	}
	return r.CPUCount == 0 && r.Memory == "" && r.TimeLimit == "" && r.Queue == "" &&
		r.GPUCount == 0 && r.GPUType == "" && len(r.Dependency) == 0 && r.Account == "" &&
		r.Email == "" && len(r.EmailEvents) == 0 && r.Priority == "" && !r.Exclusive &&
		r.ArraySize == 0 && r.ArrayLimit == 0 && len(r.Extra) == 0
}

func (r *ResourceHints) clone() *ResourceHints {
	if r == nil {
		return nil
	}
	c := *r
	c.Dependency = append([]string(nil), r.Dependency...)
	c.EmailEvents = append([]string(nil), r.EmailEvents...)
	if r.Extra != nil {
		c.Extra = make(map[string]string, len(r.Extra))
		for k, v := range r.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// Descriptor is a validated, immutable job request.
// Build one with NewDescriptor.
type Descriptor struct {
	command   []string
	workDir   string
	env       map[string]string
	name      string
	blocking  bool
	output    string
	error     string
	condaEnv  string
	resources *ResourceHints
}

// Option configures a Descriptor.
type Option func(*Descriptor)

// WithWorkDir sets the working directory of the job.
func WithWorkDir(dir string) Option {
	return func(d *Descriptor) { d.workDir = dir }
}

// WithEnv adds environment variables to the job. Later values for the
// same key win.
func WithEnv(env map[string]string) Option {
	return func(d *Descriptor) {
		for k, v := range env {
			d.env[k] = v
		}
	}
}

// WithName sets the job name. An empty name is replaced by a generated one.
func WithName(name string) Option {
	return func(d *Descriptor) { d.name = name }
}

// WithBlocking makes dispatch wait for a terminal state before returning.
func WithBlocking(b bool) Option {
	return func(d *Descriptor) { d.blocking = b }
}

// WithOutput redirects stdout to the given file.
func WithOutput(path string) Option {
	return func(d *Descriptor) { d.output = path }
}

// WithError redirects stderr to the given file.
func WithError(path string) Option {
	return func(d *Descriptor) { d.error = path }
}

// WithCondaEnv activates the named conda environment before the command runs.
func WithCondaEnv(env string) Option {
	return func(d *Descriptor) { d.condaEnv = env }
}

// WithResources attaches resource hints. The hints are copied.
func WithResources(r *ResourceHints) Option {
	return func(d *Descriptor) { d.resources = r.clone() }
}

// NewDescriptor validates and returns a new Descriptor.
func NewDescriptor(cmd []string, opts ...Option) (*Descriptor, error) {
	d := &Descriptor{
		command: append([]string(nil), cmd...),
		env:     map[string]string{},
	}
	for _, o := range opts {
		o(d)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	if d.name == "" {
		d.name = util.GenJobName()
	}
	return d, nil
}

// ParseCommand splits a shell string into an argument list.
// Quotes and escapes are honored; nothing is expanded.
func ParseCommand(s string) ([]string, error) {
	args, err := shellquote.Split(s)
	if err != nil {
		return nil, &InvalidResourceSpecError{Field: "command", Err: err}
	}
	return args, nil
}

// QuoteCommand joins an argument list into a single shell-safe string.
func QuoteCommand(args []string) string {
	return shellquote.Join(args...)
}

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// hasControl reports whether s contains a control character. Values which
// end up in scheduler directives must stay on one script line.
func hasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}

type lineCheck struct {
	field  string
	values []string
}

// checkLine rejects values containing control characters.
func checkLine(field string, values ...string) error {
	for _, v := range values {
		if hasControl(v) {
			return &InvalidResourceSpecError{Field: field, Reason: fmt.Sprintf("control character in %q", v)}
		}
	}
	return nil
}

func (d *Descriptor) validate() error {
	if len(d.command) == 0 || strings.TrimSpace(d.command[0]) == "" {
		return &InvalidResourceSpecError{Field: "command", Reason: "command is empty"}
	}
	for k, v := range d.env {
		if !envKeyPattern.MatchString(k) {
			return &InvalidResourceSpecError{Field: "env", Reason: fmt.Sprintf("invalid variable name %q", k)}
		}
		if strings.ContainsRune(v, 0) {
			return &InvalidResourceSpecError{Field: "env", Reason: fmt.Sprintf("NUL in value of %s", k)}
		}
	}
	checks := []lineCheck{
		{"name", []string{d.name}},
		{"workDir", []string{d.workDir}},
		{"output", []string{d.output}},
		{"error", []string{d.error}},
		{"condaEnv", []string{d.condaEnv}},
	}
	if r := d.resources; r != nil {
		checks = append(checks,
			lineCheck{"resources", []string{r.Memory, r.TimeLimit, r.Queue, r.GPUType, r.Account, r.Email, r.Priority}},
			lineCheck{"dependency", r.Dependency},
			lineCheck{"emailEvents", r.EmailEvents},
		)
		for k, v := range r.Extra {
			if k == "" || strings.ContainsAny(k, " =") || hasControl(k) {
				return &InvalidResourceSpecError{Field: "extra", Reason: fmt.Sprintf("invalid flag name %q", k)}
			}
			if err := checkLine("extra", v); err != nil {
				return err
			}
		}
	}
	for _, c := range checks {
		if err := checkLine(c.field, c.values...); err != nil {
			return err
		}
	}
	if r := d.resources; r != nil {
		switch {
		case r.CPUCount < 0:
			return &InvalidResourceSpecError{Field: "cpuCount", Reason: "must not be negative"}
		case r.GPUCount < 0:
			return &InvalidResourceSpecError{Field: "gpuCount", Reason: "must not be negative"}
		case r.ArraySize < 0:
			return &InvalidResourceSpecError{Field: "arraySize", Reason: "must not be negative"}
		case r.ArrayLimit < 0:
			return &InvalidResourceSpecError{Field: "arrayLimit", Reason: "must not be negative"}
		case r.GPUType != "" && r.GPUCount == 0:
			return &InvalidResourceSpecError{Field: "gpuType", Reason: "gpuType requires gpuCount"}
		}
		for _, dep := range r.Dependency {
			if strings.TrimSpace(dep) == "" {
				return &InvalidResourceSpecError{Field: "dependency", Reason: "empty job id"}
			}
		}
	}
	return nil
}

// Command returns a copy of the argument list.
func (d *Descriptor) Command() []string {
	return append([]string(nil), d.command...)
}

// Name returns the job name.
func (d *Descriptor) Name() string { return d.name }

// WorkDir returns the working directory, which may be empty.
func (d *Descriptor) WorkDir() string { return d.workDir }

// Blocking reports whether dispatch should wait for a terminal state.
func (d *Descriptor) Blocking() bool { return d.blocking }

// Output returns the stdout file path, which may be empty.
func (d *Descriptor) Output() string { return d.output }

// Error returns the stderr file path, which may be empty.
func (d *Descriptor) Error() string { return d.error }

// CondaEnv returns the conda environment to activate, which may be empty.
func (d *Descriptor) CondaEnv() string { return d.condaEnv }

// Resources returns a copy of the resource hints, or nil.
func (d *Descriptor) Resources() *ResourceHints { return d.resources.clone() }

// Env returns a copy of the job's environment variables.
func (d *Descriptor) Env() map[string]string {
	out := make(map[string]string, len(d.env))
	for k, v := range d.env {
		out[k] = v
	}
	return out
}

// EnvKeys returns the environment variable names in sorted order.
func (d *Descriptor) EnvKeys() []string {
	keys := make([]string, 0, len(d.env))
	for k := range d.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WithBlocking returns a copy of the descriptor with the blocking flag set.
func (d *Descriptor) WithBlocking(b bool) *Descriptor {
	c := *d
	c.command = d.Command()
	c.env = d.Env()
	c.resources = d.resources.clone()
	c.blocking = b
	return &c
}

// MergedEnv overlays the job's variables onto base, which is in
// os.Environ() form. If base is nil the current process environment is used.
func (d *Descriptor) MergedEnv(base []string) []string {
	if base == nil {
		base = os.Environ()
	}
	out := make([]string, 0, len(base)+len(d.env))
	for _, kv := range base {
		k := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k = kv[:i]
		}
		if _, ok := d.env[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range d.EnvKeys() {
		out = append(out, k+"="+d.env[k])
	}
	return out
}
