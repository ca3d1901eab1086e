package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/ohsu-comp-bio/molq/logger"
)

// DefaultRegistryPath returns the per-user database file location,
// $HOME/.molq/jobs.db, falling back to the working directory.
func DefaultRegistryPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".molq", "jobs.db")
	}
	return filepath.Join(home, ".molq", "jobs.db")
}

// DefaultLocalBackend returns the defaults for a local backend.
func DefaultLocalBackend(name string) Backend {
	return Backend{
		Name:         name,
		Kind:         Local,
		OutputCap:    1 << 20,
		PollInterval: Duration(time.Second),
	}
}

// DefaultSchedulerBackend returns the defaults for a scheduler backend
// of the given kind.
func DefaultSchedulerBackend(name, kind string) Backend {
	return Backend{
		Name:         name,
		Kind:         kind,
		GraceWindow:  Duration(time.Minute * 5),
		PollInterval: Duration(time.Second * 10),
		Template:     DefaultTemplate(kind),
		Remote: Remote{
			Port:           22,
			UseAgent:       true,
			DialTimeout:    Duration(time.Second * 10),
			CommandTimeout: Duration(time.Second * 30),
			Retries:        3,
			CommandRate:    5,
		},
	}
}

// DefaultConfig returns configuration with simple defaults.
func DefaultConfig() Config {
	return Config{
		DefaultBackend: "local",
		Backends: []Backend{
			DefaultLocalBackend("local"),
		},
		Registry: Registry{
			Path:    DefaultRegistryPath(),
			Timeout: Duration(time.Second * 5),
		},
		Metrics: Metrics{
			UpdateRate: Duration(time.Second * 5),
		},
		Logger: logger.DefaultConfig(),
	}
}

// WithDefaults fills in zero values of a backend with the defaults for its kind.
func WithDefaults(b Backend) Backend {
	var d Backend
	if b.Kind == Local || b.Kind == "" {
		d = DefaultLocalBackend(b.Name)
	} else {
		d = DefaultSchedulerBackend(b.Name, b.Kind)
	}
	if b.Kind == "" {
		b.Kind = d.Kind
	}
	if b.OutputCap == 0 {
		b.OutputCap = d.OutputCap
	}
	if b.GraceWindow == 0 {
		b.GraceWindow = d.GraceWindow
	}
	if b.PollInterval == 0 {
		b.PollInterval = d.PollInterval
	}
	if b.Template == "" {
		b.Template = d.Template
	}
	r := &b.Remote
	if r.Port == 0 {
		r.Port = d.Remote.Port
	}
	if r.DialTimeout == 0 {
		r.DialTimeout = d.Remote.DialTimeout
	}
	if r.CommandTimeout == 0 {
		r.CommandTimeout = d.Remote.CommandTimeout
	}
	if r.Retries == 0 {
		r.Retries = d.Remote.Retries
	}
	return b
}
