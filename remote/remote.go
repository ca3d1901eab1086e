// Package remote runs scheduler commands on a cluster head node, either
// over SSH or on this machine.
package remote

import (
	"context"
	"io"

	"github.com/ohsu-comp-bio/molq/config"
	"github.com/ohsu-comp-bio/molq/logger"
	"golang.org/x/time/rate"
)

// Output is the result of a command which ran to completion.
// A non-zero ExitStatus is not an error; callers decide what it means.
type Output struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// Runner runs shell commands. Transport failures are returned as
// *job.ConnectionError.
type Runner interface {
	Run(ctx context.Context, cmd string, stdin io.Reader) (*Output, error)
	Close() error
}

// New returns a Runner for conf: SSH when a host is configured, the local
// shell otherwise. Commands are throttled to conf.CommandRate per second.
func New(conf config.Remote, log *logger.Logger) (Runner, error) {
	var r Runner
	if conf.Host == "" {
		r = NewLocal(conf.CommandTimeout.D())
	} else {
		s, err := NewSSH(conf, log)
		if err != nil {
			return nil, err
		}
		r = s
	}
	return Throttle(r, conf.CommandRate), nil
}

// Throttle limits r to perSecond commands per second, with bursts of one.
// perSecond <= 0 returns r unchanged.
func Throttle(r Runner, perSecond float64) Runner {
	if perSecond <= 0 {
		return r
	}
	return &throttled{
		Runner:  r,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

type throttled struct {
	Runner
	limiter *rate.Limiter
}

func (t *throttled) Run(ctx context.Context, cmd string, stdin io.Reader) (*Output, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.Runner.Run(ctx, cmd, stdin)
}
