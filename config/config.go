// Package config contains molq configuration structures and helpers.
package config

import (
	"fmt"
	"time"

	"github.com/ohsu-comp-bio/molq/logger"
)

// Config describes configuration for molq.
type Config struct {
	// The backend used when a command doesn't name one.
	DefaultBackend string
	Backends       []Backend
	Registry       Registry
	Metrics        Metrics
	Logger         logger.Config
}

// Registry describes configuration for the job registry database file.
type Registry struct {
	Path string
	// How long to wait for the file lock when opening the database.
	Timeout Duration
}

// Metrics describes configuration for the prometheus job state gauges.
type Metrics struct {
	// How often job state counts are refreshed from the registry.
	UpdateRate Duration
}

// Backend kinds.
const (
	Local      = "local"
	Slurm      = "slurm"
	PBS        = "pbs"
	GridEngine = "gridengine"
)

// Backend describes a named submitter instance.
type Backend struct {
	Name string
	// One of "local", "slurm", "pbs", "gridengine".
	Kind string
	// Local only: reject dispatches once this many jobs are active. 0 means no limit.
	MaxConcurrentJobs int
	// Local only: maximum bytes of combined output kept in memory per job.
	OutputCap int64
	// Scheduler only: how long a job may be missing from both the queue and
	// the accounting history before it is marked FAILED.
	GraceWindow Duration
	// How often blocking dispatches poll for a terminal state.
	PollInterval Duration
	// Scheduler only: overrides the default batch script template.
	Template string
	// Scheduler only: how to reach the scheduler's command line tools.
	Remote Remote
}

// Remote describes how to reach a scheduler host over SSH.
// An empty Host runs the scheduler commands on this machine.
type Remote struct {
	Host     string
	Port     int
	User     string
	KeyFile  string
	Password string
	// Passphrase for KeyFile, if it is encrypted.
	Passphrase string
	UseAgent   bool
	KnownHosts string
	// Skip host key verification. Only meant for testing.
	InsecureIgnoreHostKey bool
	DialTimeout           Duration
	// Bounded per-command timeout.
	CommandTimeout Duration
	// How many times a dispatch is attempted when the connection fails.
	Retries int
	// Maximum scheduler commands per second. 0 means unlimited.
	CommandRate float64
}

// Address returns the host:port pair of the remote.
func (r Remote) Address() string {
	port := r.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", r.Host, port)
}

// Backend returns the backend config with the given name.
func (c Config) Backend(name string) (Backend, bool) {
	for _, b := range c.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return Backend{}, false
}

// Validate checks the configuration for errors that would only surface
// later at dispatch time.
func (c Config) Validate() error {
	seen := map[string]bool{}
	for _, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend of kind %q has no name", b.Kind)
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true

		switch b.Kind {
		case Local:
		case Slurm, PBS, GridEngine:
			if b.GraceWindow <= 0 {
				return fmt.Errorf("backend %q: GraceWindow must be positive", b.Name)
			}
		default:
			return fmt.Errorf("backend %q: unknown kind %q", b.Name, b.Kind)
		}
		if b.MaxConcurrentJobs < 0 {
			return fmt.Errorf("backend %q: MaxConcurrentJobs must not be negative", b.Name)
		}
	}
	if c.DefaultBackend != "" && !seen[c.DefaultBackend] {
		return fmt.Errorf("default backend %q is not configured", c.DefaultBackend)
	}
	if c.Registry.Path == "" {
		return fmt.Errorf("Registry.Path is required")
	}
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}
