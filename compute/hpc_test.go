package compute_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ohsu-comp-bio/molq/compute"
	"github.com/ohsu-comp-bio/molq/compute/slurm"
	"github.com/ohsu-comp-bio/molq/config"
	"github.com/ohsu-comp-bio/molq/job"
	"github.com/ohsu-comp-bio/molq/logger"
	"github.com/ohsu-comp-bio/molq/registry"
	"github.com/ohsu-comp-bio/molq/remote"
	"github.com/ohsu-comp-bio/molq/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner answers scheduler commands from a handler and records them.
type fakeRunner struct {
	mtx     sync.Mutex
	calls   []string
	stdin   []string
	handler func(cmd string) (*remote.Output, error)
	closed  bool
}

func (f *fakeRunner) Run(ctx context.Context, cmd string, stdin io.Reader) (*remote.Output, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.calls = append(f.calls, cmd)
	if stdin != nil {
		b, _ := io.ReadAll(stdin)
		f.stdin = append(f.stdin, string(b))
	}
	return f.handler(cmd)
}

func (f *fakeRunner) Close() error {
	f.closed = true
	return nil
}

func (f *fakeRunner) count(prefix string) int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) || strings.Contains(c, "&& "+prefix) {
			n++
		}
	}
	return n
}

func ok(stdout string) (*remote.Output, error) {
	return &remote.Output{Stdout: stdout}, nil
}

func newSlurm(t *testing.T, grace time.Duration, handler func(string) (*remote.Output, error)) (*compute.HPCSubmitter, *fakeRunner, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(config.Registry{Path: filepath.Join(t.TempDir(), "jobs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	conf := config.WithDefaults(config.Backend{
		Name:         "hpc",
		Kind:         config.Slurm,
		PollInterval: config.Duration(10 * time.Millisecond),
	})
	conf.GraceWindow = config.Duration(grace)

	r := &fakeRunner{handler: handler}
	s := slurm.NewBackend(conf, r, reg, logger.NewLogger("test", logger.DebugConfig()))
	s.NewRetrier = func() *util.Retrier {
		rt := util.NewRetrier()
		rt.InitialInterval = time.Millisecond
		rt.MaxInterval = time.Millisecond
		rt.MaxTries = 3
		rt.ShouldRetry = job.IsConnection
		return rt
	}
	return s, r, reg
}

func descriptor(t *testing.T, opts ...job.Option) *job.Descriptor {
	t.Helper()
	opts = append([]job.Option{job.WithName("train")}, opts...)
	d, err := job.NewDescriptor([]string{"python", "train.py"}, opts...)
	require.NoError(t, err)
	return d
}

func TestHPCDispatch(t *testing.T) {
	ctx := context.Background()
	s, r, reg := newSlurm(t, time.Hour, func(cmd string) (*remote.Output, error) {
		return ok("1234\n")
	})

	d := descriptor(t,
		job.WithWorkDir("/scratch/run 1"),
		job.WithResources(&job.ResourceHints{CPUCount: 2, Memory: "4G"}),
	)
	res, err := s.Dispatch(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, "1234", res.ID)
	assert.Equal(t, []string{"1234"}, res.IDs)
	assert.Equal(t, job.Pending, res.Status)
	assert.Equal(t, "hpc", res.Backend)

	require.Len(t, r.calls, 1)
	assert.Equal(t, "mkdir -p '/scratch/run 1' && cd '/scratch/run 1' && sbatch --parsable", r.calls[0])
	assert.Contains(t, r.stdin[0], "#SBATCH --job-name=train\n")
	assert.Contains(t, r.stdin[0], "#SBATCH --ntasks=2\n")
	assert.Contains(t, r.stdin[0], "#SBATCH --mem=4G\n")

	rec, err := reg.Get(ctx, "hpc", "1234")
	require.NoError(t, err)
	assert.Equal(t, job.Pending, rec.Status)
	assert.Equal(t, "train", rec.Name)
	assert.Equal(t, []string{"python", "train.py"}, rec.Command)
}

func TestHPCDispatchParseFailure(t *testing.T) {
	ctx := context.Background()
	s, _, reg := newSlurm(t, time.Hour, func(string) (*remote.Output, error) {
		return ok("sbatch: queued somewhere\n")
	})

	_, err := s.Dispatch(ctx, descriptor(t))
	var pe *job.SubmissionParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "hpc", pe.Backend)

	recs, err := reg.List(ctx, registry.Filter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestHPCDispatchRejected(t *testing.T) {
	s, _, _ := newSlurm(t, time.Hour, func(string) (*remote.Output, error) {
		return &remote.Output{ExitStatus: 1, Stderr: "sbatch: error: invalid partition specified: gpu"}, nil
	})
	_, err := s.Dispatch(context.Background(), descriptor(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid partition")
	assert.Equal(t, job.ExitFailure, job.ExitCode(err))
}

func TestHPCDispatchInvalidResources(t *testing.T) {
	s, r, _ := newSlurm(t, time.Hour, func(string) (*remote.Output, error) { return ok("1\n") })
	_, err := s.Dispatch(context.Background(),
		descriptor(t, job.WithResources(&job.ResourceHints{Memory: "lots"})))
	var ie *job.InvalidResourceSpecError
	require.True(t, errors.As(err, &ie))
	assert.Empty(t, r.calls)
}

func TestHPCDispatchRetriesConnection(t *testing.T) {
	attempts := 0
	s, r, _ := newSlurm(t, time.Hour, func(string) (*remote.Output, error) {
		attempts++
		if attempts == 1 {
			return nil, &job.ConnectionError{Host: "hpc", Err: errors.New("connection reset")}
		}
		return ok("77\n")
	})
	res, err := s.Dispatch(context.Background(), descriptor(t))
	require.NoError(t, err)
	assert.Equal(t, "77", res.ID)
	assert.Equal(t, 2, len(r.calls))
	// The script is sent again on retry.
	assert.Equal(t, r.stdin[0], r.stdin[1])
}

func TestHPCDispatchUnreachable(t *testing.T) {
	ctx := context.Background()
	s, r, reg := newSlurm(t, time.Hour, func(string) (*remote.Output, error) {
		return nil, &job.ConnectionError{Host: "hpc", Err: errors.New("no route to host")}
	})
	_, err := s.Dispatch(ctx, descriptor(t))
	require.Error(t, err)
	assert.True(t, job.IsConnection(err))
	assert.Equal(t, job.ExitUnavailable, job.ExitCode(err))
	assert.Equal(t, 3, len(r.calls))

	recs, err := reg.List(ctx, registry.Filter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestHPCRefresh(t *testing.T) {
	ctx := context.Background()
	var queue, acct *remote.Output
	s, _, reg := newSlurm(t, time.Hour, func(cmd string) (*remote.Output, error) {
		switch {
		case strings.HasPrefix(cmd, "squeue"):
			return queue, nil
		case strings.HasPrefix(cmd, "sacct"):
			return acct, nil
		}
		return ok("1234\n")
	})
	_, err := s.Dispatch(ctx, descriptor(t))
	require.NoError(t, err)

	queue = &remote.Output{Stdout: "1234|R|node01\n"}
	st, err := s.Refresh(ctx, "1234")
	require.NoError(t, err)
	assert.Equal(t, job.Running, st)

	rec, err := reg.Get(ctx, "hpc", "1234")
	require.NoError(t, err)
	assert.NotNil(t, rec.StartTime)
	assert.Equal(t, "node01", rec.Extra[job.ExtraNodes])
	assert.Equal(t, "R", rec.Extra[job.ExtraSchedulerState])

	// A requeue reported by the scheduler does not move the job backwards.
	queue = &remote.Output{Stdout: "1234|PD|\n"}
	st, err = s.Refresh(ctx, "1234")
	require.NoError(t, err)
	assert.Equal(t, job.Running, st)

	// Gone from the queue, found in accounting.
	queue = &remote.Output{ExitStatus: 1, Stderr: "slurm_load_jobs error: Invalid job id specified"}
	acct = &remote.Output{Stdout: "1234|FAILED|3:0|node01\n"}
	st, err = s.Refresh(ctx, "1234")
	require.NoError(t, err)
	assert.Equal(t, job.Failed, st)

	rec, err = reg.Get(ctx, "hpc", "1234")
	require.NoError(t, err)
	code, ok := rec.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 3, code)
	assert.NotNil(t, rec.EndTime)

	// Terminal records are not refreshed again.
	acct = &remote.Output{Stdout: "1234|COMPLETED|0:0|node01\n"}
	st, err = s.Refresh(ctx, "1234")
	require.NoError(t, err)
	assert.Equal(t, job.Failed, st)
}

func TestHPCRefreshGraceWindow(t *testing.T) {
	ctx := context.Background()
	empty := func(cmd string) (*remote.Output, error) {
		if strings.Contains(cmd, "sbatch") {
			return ok("55\n")
		}
		return ok("")
	}

	s, _, _ := newSlurm(t, time.Hour, empty)
	_, err := s.Dispatch(ctx, descriptor(t))
	require.NoError(t, err)
	st, err := s.Refresh(ctx, "55")
	require.NoError(t, err)
	assert.Equal(t, job.Pending, st)

	s, _, reg := newSlurm(t, 0, empty)
	_, err = s.Dispatch(ctx, descriptor(t))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	st, err = s.Refresh(ctx, "55")
	require.NoError(t, err)
	assert.Equal(t, job.Failed, st)

	rec, err := reg.Get(ctx, "hpc", "55")
	require.NoError(t, err)
	assert.Equal(t, job.ReasonNotFound, rec.Extra[job.ExtraReason])
}

func TestHPCRefreshUnreachable(t *testing.T) {
	ctx := context.Background()
	down := false
	s, _, reg := newSlurm(t, 0, func(cmd string) (*remote.Output, error) {
		if down {
			return nil, &job.ConnectionError{Host: "hpc", Err: errors.New("timeout")}
		}
		if strings.HasPrefix(cmd, "squeue") {
			return ok("9|R|n1\n")
		}
		return ok("9\n")
	})
	_, err := s.Dispatch(ctx, descriptor(t))
	require.NoError(t, err)
	_, err = s.Refresh(ctx, "9")
	require.NoError(t, err)

	down = true
	before, err := reg.Get(ctx, "hpc", "9")
	require.NoError(t, err)
	st, err := s.Refresh(ctx, "9")
	require.Error(t, err)
	assert.True(t, job.IsStale(err))
	assert.True(t, job.IsConnection(err))
	assert.Equal(t, job.ExitUnavailable, job.ExitCode(err))
	assert.Equal(t, job.Running, st)

	after, err := reg.Get(ctx, "hpc", "9")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestHPCBlockingSurvivesOutage(t *testing.T) {
	var mtx sync.Mutex
	queries := 0
	s, _, _ := newSlurm(t, time.Hour, func(cmd string) (*remote.Output, error) {
		mtx.Lock()
		defer mtx.Unlock()
		switch {
		case strings.HasPrefix(cmd, "squeue"):
			queries++
			if queries <= 2 {
				return nil, &job.ConnectionError{Host: "hpc", Err: errors.New("timeout")}
			}
			return &remote.Output{ExitStatus: 1, Stderr: "Invalid job id specified"}, nil
		case strings.HasPrefix(cmd, "sacct"):
			return ok("7|COMPLETED|0:0|n1\n")
		}
		return ok("7\n")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := s.Dispatch(ctx, descriptor(t, job.WithBlocking(true)))
	require.NoError(t, err)
	assert.Equal(t, job.Completed, res.Status)
	assert.Greater(t, queries, 2)
}

func TestHPCRefreshNotFound(t *testing.T) {
	s, _, _ := newSlurm(t, 0, func(string) (*remote.Output, error) { return ok("") })
	_, err := s.Refresh(context.Background(), "404")
	assert.True(t, errors.Is(err, job.ErrNotFound))
}

func TestHPCCancel(t *testing.T) {
	ctx := context.Background()
	refuse := false
	s, r, reg := newSlurm(t, time.Hour, func(cmd string) (*remote.Output, error) {
		switch {
		case strings.HasPrefix(cmd, "scancel"):
			if refuse {
				return &remote.Output{ExitStatus: 1, Stderr: "scancel: error: Access/permission denied"}, nil
			}
			return ok("")
		case strings.HasPrefix(cmd, "squeue"):
			return ok("8|CA|\n")
		}
		return ok("8\n")
	})
	_, err := s.Dispatch(ctx, descriptor(t))
	require.NoError(t, err)

	refuse = true
	accepted, err := s.Cancel(ctx, "8")
	require.NoError(t, err)
	assert.False(t, accepted)

	refuse = false
	accepted, err = s.Cancel(ctx, "8")
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, 2, r.count("scancel 8"))

	rec, err := reg.Get(ctx, "hpc", "8")
	require.NoError(t, err)
	assert.Equal(t, "true", rec.Extra[job.ExtraCancelRequested])

	st, err := s.Refresh(ctx, "8")
	require.NoError(t, err)
	assert.Equal(t, job.Cancelled, st)

	// Cancelling a terminal job is refused without contacting the scheduler.
	accepted, err = s.Cancel(ctx, "8")
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, 2, r.count("scancel"))
}

func TestHPCArray(t *testing.T) {
	ctx := context.Background()
	s, _, reg := newSlurm(t, time.Hour, func(cmd string) (*remote.Output, error) {
		if strings.HasPrefix(cmd, "squeue") {
			return ok("300_0|R|n1\n300_1|PD|\n300_2|PD|\n")
		}
		return ok("300\n")
	})
	res, err := s.Dispatch(ctx, descriptor(t, job.WithResources(&job.ResourceHints{ArraySize: 3})))
	require.NoError(t, err)
	assert.Equal(t, "300", res.ID)
	assert.Equal(t, []string{"300_0", "300_1", "300_2"}, res.IDs)

	recs, err := s.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	arr, err := reg.List(ctx, registry.Filter{ArrayID: "300"})
	require.NoError(t, err)
	assert.Len(t, arr, 3)

	st, err := s.Refresh(ctx, "300_0")
	require.NoError(t, err)
	assert.Equal(t, job.Running, st)
	st, err = s.Refresh(ctx, "300_1")
	require.NoError(t, err)
	assert.Equal(t, job.Pending, st)
}

func TestHPCBlockingDispatch(t *testing.T) {
	polls := 0
	s, _, _ := newSlurm(t, time.Hour, func(cmd string) (*remote.Output, error) {
		switch {
		case strings.HasPrefix(cmd, "squeue"):
			polls++
			if polls < 3 {
				return ok("5|R|n1\n")
			}
			return &remote.Output{ExitStatus: 1, Stderr: "Invalid job id specified"}, nil
		case strings.HasPrefix(cmd, "sacct"):
			return ok("5|COMPLETED|0:0|n1\n")
		}
		return ok("5\n")
	})
	res, err := s.Dispatch(context.Background(), descriptor(t, job.WithBlocking(true)))
	require.NoError(t, err)
	assert.Equal(t, job.Completed, res.Status)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.False(t, res.Failed())
}

func TestHPCClose(t *testing.T) {
	s, r, _ := newSlurm(t, time.Hour, func(string) (*remote.Output, error) { return ok("") })
	require.NoError(t, s.Close())
	assert.True(t, r.closed)
}

func TestMonitor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mtx sync.Mutex
	done := map[string]bool{}
	s, _, _ := newSlurm(t, time.Hour, func(cmd string) (*remote.Output, error) {
		mtx.Lock()
		defer mtx.Unlock()
		switch {
		case strings.HasPrefix(cmd, "sbatch"):
			if done["a"] {
				return ok("2\n")
			}
			done["a"] = true
			return ok("1\n")
		case strings.HasPrefix(cmd, "squeue"):
			return &remote.Output{ExitStatus: 1, Stderr: "Invalid job id specified"}, nil
		case strings.HasPrefix(cmd, "sacct") && strings.HasSuffix(cmd, " 1"):
			return ok("1|COMPLETED|0:0|n1\n")
		case strings.HasPrefix(cmd, "sacct"):
			return ok("2|TIMEOUT|0:15|n2\n")
		}
		return ok("")
	})
	for i := 0; i < 2; i++ {
		_, err := s.Dispatch(ctx, descriptor(t))
		require.NoError(t, err)
	}

	var changes []string
	m := compute.NewMonitor(s, 10*time.Millisecond, nil)
	m.OnChange = func(id string, st job.Status) {
		changes = append(changes, id+"="+st.String())
	}
	m.Add("1", "2")
	statuses, err := m.BlockAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]job.Status{"1": job.Completed, "2": job.Timeout}, statuses)
	assert.ElementsMatch(t, []string{"1=COMPLETED", "2=TIMEOUT"}, changes)
}
