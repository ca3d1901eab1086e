// Package dispatch holds the named backends of a process and builds them
// from configuration.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/ohsu-comp-bio/molq/compute"
	"github.com/ohsu-comp-bio/molq/compute/gridengine"
	"github.com/ohsu-comp-bio/molq/compute/local"
	"github.com/ohsu-comp-bio/molq/compute/pbs"
	"github.com/ohsu-comp-bio/molq/compute/slurm"
	"github.com/ohsu-comp-bio/molq/config"
	"github.com/ohsu-comp-bio/molq/logger"
	"github.com/ohsu-comp-bio/molq/registry"
	"github.com/ohsu-comp-bio/molq/remote"
	"github.com/ohsu-comp-bio/molq/submit"
)

// Dispatcher maps backend names to Submitters sharing one registry.
type Dispatcher struct {
	conf config.Config
	reg  *registry.Registry
	log  *logger.Logger

	mtx        sync.RWMutex
	submitters map[string]compute.Submitter
}

// New returns an empty Dispatcher.
func New(conf config.Config, reg *registry.Registry, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		conf:       conf,
		reg:        reg,
		log:        log,
		submitters: map[string]compute.Submitter{},
	}
}

// FromConfig returns a Dispatcher with every backend of conf registered.
func FromConfig(ctx context.Context, conf config.Config, reg *registry.Registry, log *logger.Logger) (*Dispatcher, error) {
	backends := make([]config.Backend, len(conf.Backends))
	for i, b := range conf.Backends {
		backends[i] = config.WithDefaults(b)
	}
	conf.Backends = backends
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	d := New(conf, reg, log)
	for _, b := range conf.Backends {
		s, err := NewSubmitter(ctx, b, reg, log)
		if err == nil {
			err = d.Register(b.Name, s)
		}
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("backend %s: %w", b.Name, err)
		}
	}
	return d, nil
}

// NewSubmitter builds the Submitter for one configured backend.
func NewSubmitter(ctx context.Context, b config.Backend, reg *registry.Registry, log *logger.Logger) (compute.Submitter, error) {
	b = config.WithDefaults(b)
	if b.Kind == config.Local {
		return local.NewBackend(b, reg, log), nil
	}

	runner, err := remote.New(b.Remote, log)
	if err != nil {
		return nil, err
	}
	switch b.Kind {
	case config.Slurm:
		return slurm.NewBackend(b, runner, reg, log), nil
	case config.PBS:
		return pbs.NewBackend(b, runner, reg, log), nil
	case config.GridEngine:
		return gridengine.NewBackend(b, runner, reg, log), nil
	}
	runner.Close()
	return nil, fmt.Errorf("unknown backend kind: %q", b.Kind)
}

// Register adds a Submitter under name. Names are unique.
func (d *Dispatcher) Register(name string, s compute.Submitter) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if _, ok := d.submitters[name]; ok {
		return fmt.Errorf("backend %q is already registered", name)
	}
	d.submitters[name] = s
	d.log.Debug("registered backend", "backend", name)
	return nil
}

// Get returns the Submitter registered under name. An empty name selects
// the configured default backend.
func (d *Dispatcher) Get(name string) (compute.Submitter, error) {
	if name == "" {
		name = d.conf.DefaultBackend
	}
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	s, ok := d.submitters[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	return s, nil
}

// Names returns the registered backend names, sorted.
func (d *Dispatcher) Names() []string {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	names := make([]string, 0, len(d.submitters))
	for n := range d.submitters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Registry returns the shared job registry.
func (d *Dispatcher) Registry() *registry.Registry {
	return d.reg
}

// Decorator returns a submit.Decorator bound to the named backend.
func (d *Dispatcher) Decorator(name string) (*submit.Decorator, error) {
	s, err := d.Get(name)
	if err != nil {
		return nil, err
	}
	return submit.New(s, d.log), nil
}

// Close closes every Submitter. The registry is left open.
func (d *Dispatcher) Close() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var result error
	for name, s := range d.submitters {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing %s: %w", name, err))
		}
	}
	d.submitters = map[string]compute.Submitter{}
	return result
}
