package util

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/ohsu-comp-bio/molq/config"
	"github.com/ohsu-comp-bio/molq/dispatch"
	"github.com/ohsu-comp-bio/molq/logger"
	"github.com/ohsu-comp-bio/molq/registry"
	"github.com/ohsu-comp-bio/molq/version"
)

// Options holds the values of the global flags.
type Options struct {
	ConfigFile string
	// Flags holds config values set on the command line.
	Flags config.Config
}

// Config returns the config file merged with the flag values.
func (o *Options) Config() (config.Config, error) {
	return MergeConfigFileWithFlags(o.ConfigFile, o.Flags)
}

// Env is everything a command needs to reach the configured backends.
type Env struct {
	Conf       config.Config
	Log        *logger.Logger
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
}

// Open loads the configuration and opens the registry and every backend.
func (o *Options) Open(ctx context.Context) (*Env, error) {
	conf, err := o.Config()
	if err != nil {
		return nil, err
	}

	logger.Configure(conf.Logger)
	log := logger.Sub("molq")
	log.Debug("build", version.LogFields()...)

	reg, err := registry.Open(conf.Registry)
	if err != nil {
		return nil, err
	}

	d, err := dispatch.FromConfig(ctx, conf, reg, log)
	if err != nil {
		reg.Close()
		return nil, err
	}
	return &Env{Conf: conf, Log: log, Registry: reg, Dispatcher: d}, nil
}

// Close closes the backends, then the registry.
func (e *Env) Close() error {
	var result error
	if err := e.Dispatcher.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.Registry.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// Backend returns the config of the named backend, or of the default
// backend when name is empty.
func (e *Env) Backend(name string) (config.Backend, bool) {
	if name == "" {
		name = e.Conf.DefaultBackend
	}
	return e.Conf.Backend(name)
}
