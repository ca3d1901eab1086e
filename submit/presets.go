package submit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ohsu-comp-bio/molq/compute"
	"github.com/ohsu-comp-bio/molq/compute/local"
	"github.com/ohsu-comp-bio/molq/config"
	"github.com/ohsu-comp-bio/molq/job"
	"github.com/ohsu-comp-bio/molq/logger"
	"github.com/ohsu-comp-bio/molq/registry"
)

// Local returns a decorator over an anonymous local backend which always
// blocks. When reg is nil a registry is created in a temporary directory
// and removed by Close.
func Local(reg *registry.Registry, log *logger.Logger) (*Decorator, error) {
	dec := &Decorator{Log: log}
	if reg == nil {
		dir, err := os.MkdirTemp("", "molq-local-")
		if err != nil {
			return nil, err
		}
		reg, err = registry.Open(config.Registry{Path: filepath.Join(dir, "jobs.db")})
		if err != nil {
			os.RemoveAll(dir)
			return nil, err
		}
		dec.closers = append(dec.closers,
			func() error { return os.RemoveAll(dir) },
			reg.Close,
		)
	}

	b := local.NewBackend(config.DefaultLocalBackend("local"), reg, log)
	dec.Submitter = b
	dec.closers = append(dec.closers, b.Close)
	return dec.ForceBlocking(true), nil
}

// Run runs argv to completion on the local machine and returns the result,
// including the exit code and captured output. A non-zero exit is not an
// error; check Result.Status.
func Run(ctx context.Context, argv ...string) (*compute.Result, error) {
	dec, err := Local(nil, nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	d, err := job.NewDescriptor(argv)
	if err != nil {
		return nil, err
	}
	return Drive(ctx, dec, func(ctx context.Context, yield Yield) (*compute.Result, error) {
		return yield(d)
	})
}

// Shell is Run for a shell command line, split with shell quoting rules.
func Shell(ctx context.Context, line string) (*compute.Result, error) {
	argv, err := job.ParseCommand(line)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command line")
	}
	return Run(ctx, argv...)
}
