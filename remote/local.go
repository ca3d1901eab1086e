package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"time"

	"github.com/ohsu-comp-bio/molq/job"
	"github.com/ohsu-comp-bio/molq/util/fsutil"
)

// Local runs commands with "sh -c" on this machine.
type Local struct {
	// Timeout bounds each command. Zero means no bound beyond ctx.
	Timeout time.Duration
}

// NewLocal returns a Local runner.
func NewLocal(timeout time.Duration) *Local {
	return &Local{Timeout: timeout}
}

// Run runs cmd, feeding it stdin if not nil.
func (l *Local) Run(ctx context.Context, cmd string, stdin io.Reader) (*Output, error) {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	if stdin != nil {
		c.Stdin = fsutil.Reader(ctx, stdin)
	}
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	out := &Output{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		return nil, &job.ConnectionError{Host: "localhost", Err: ctx.Err()}
	case errors.As(err, &exitErr):
		out.ExitStatus = exitErr.ExitCode()
		return out, nil
	case err != nil:
		return nil, &job.ConnectionError{Host: "localhost", Err: err}
	}
	return out, nil
}

// Close is a no-op.
func (l *Local) Close() error {
	return nil
}
