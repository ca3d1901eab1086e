package jobs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ohsu-comp-bio/molq/cmd/util"
	"github.com/ohsu-comp-bio/molq/config"
	"github.com/ohsu-comp-bio/molq/config/testconfig"
	"github.com/ohsu-comp-bio/molq/job"
	"github.com/ohsu-comp-bio/molq/registry"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRoot(opts *util.Options) (*cobra.Command, *hooks) {
	root := &cobra.Command{Use: "molq", SilenceErrors: true, SilenceUsage: true}
	root.PersistentFlags().AddFlagSet(util.GlobalFlags(opts))
	cmds, h := newCommandsHooks(opts)
	root.AddCommand(cmds...)
	return root, h
}

func testOptions(t *testing.T) *util.Options {
	opts := &util.Options{}
	opts.Flags.Registry.Path = filepath.Join(t.TempDir(), "jobs.db")
	opts.Flags.Logger.Level = "error"
	return opts
}

func TestSubmitFlags(t *testing.T) {
	opts := &util.Options{}
	root, h := newRoot(opts)

	var got *SubmitRequest
	h.Submit = func(ctx context.Context, o *util.Options, req *SubmitRequest, w io.Writer) error {
		got = req
		return nil
	}

	root.SetArgs([]string{
		"submit", "-b", "cluster", "--cpus", "4", "--mem", "8G", "-t", "2h",
		"-e", "A=1", "-e", "B=2", "--after", "11", "--after", "12", "--block", "--conda", "ml",
		"--", "python", "train.py", "--epochs", "3",
	})
	require.NoError(t, root.Execute())
	require.NotNil(t, got)

	assert.Equal(t, "cluster", opts.Flags.DefaultBackend)
	assert.Equal(t, []string{"python", "train.py", "--epochs", "3"}, got.Command)
	assert.Equal(t, 4, got.Resources.CPUCount)
	assert.Equal(t, "8G", got.Resources.Memory)
	assert.Equal(t, "2h", got.Resources.TimeLimit)
	assert.Equal(t, "ml", got.Conda)
	assert.Equal(t, []string{"11", "12"}, got.Resources.Dependency)
	assert.Equal(t, []string{"A=1", "B=2"}, got.Env)
	assert.True(t, got.Block)
}

func TestStatusRequiresIDs(t *testing.T) {
	root, h := newRoot(&util.Options{})
	called := false
	h.Status = func(ctx context.Context, o *util.Options, ids []string, w io.Writer) error {
		called = true
		return nil
	}
	root.SetArgs([]string{"status"})
	assert.Error(t, root.Execute())
	assert.False(t, called)
}

func TestDescriptor(t *testing.T) {
	req := &SubmitRequest{
		Shell: `echo "hello world" > out.txt`,
		Env:   []string{"GREETING=hi=there"},
		Extra: []string{"constraint=haswell"},
	}
	d, err := req.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "hello world", ">", "out.txt"}, d.Command())
	assert.Equal(t, "hi=there", d.Env()["GREETING"])
	assert.Equal(t, "haswell", d.Resources().Extra["constraint"])

	_, err = (&SubmitRequest{Shell: "echo", Command: []string{"ls"}}).Descriptor()
	assert.Error(t, err)

	_, err = (&SubmitRequest{Command: []string{"ls"}, Env: []string{"NOVALUE"}}).Descriptor()
	assert.Error(t, err)

	_, err = (&SubmitRequest{}).Descriptor()
	assert.Error(t, err)
}

func TestSubmitBlockingLocal(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)

	var out bytes.Buffer
	err := Submit(ctx, opts, &SubmitRequest{
		Command: []string{"echo", "hello"},
		Name:    "greet",
		Block:   true,
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out.String())

	out.Reset()
	require.NoError(t, List(ctx, opts, &ListRequest{}, &out))
	assert.Contains(t, out.String(), "greet")
	assert.Contains(t, out.String(), "COMPLETED")
}

func TestListTable(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)

	long := strings.Repeat("x", 80)
	require.NoError(t, Submit(ctx, opts, &SubmitRequest{
		Command: []string{"echo", long},
		Name:    "wide",
		Block:   true,
	}, io.Discard))

	var out bytes.Buffer
	require.NoError(t, List(ctx, opts, &ListRequest{}, &out))
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Regexp(t, `^\s*BACKEND\s+ID\s+NAME\s+STATUS\s+SUBMITTED\s+COMMAND\s*$`, lines[0])
	assert.Contains(t, lines[1], "wide")
	assert.Contains(t, lines[1], "echo xxx")
	assert.Contains(t, lines[1], "...")
	assert.NotContains(t, lines[1], long)
}

func TestSubmitBlockingFailure(t *testing.T) {
	var out bytes.Buffer
	err := Submit(context.Background(), testOptions(t), &SubmitRequest{
		Shell: "sh -c 'exit 3'",
		Block: true,
	}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit code 3")
	assert.Equal(t, job.ExitFailure, job.ExitCode(err))
}

func TestSubmitDryRun(t *testing.T) {
	opts := testOptions(t)
	conf := config.DefaultConfig()
	conf.Registry.Path = opts.Flags.Registry.Path
	conf.Backends = append(conf.Backends, config.DefaultSchedulerBackend("cluster", config.Slurm))
	opts.ConfigFile = testconfig.ConfigFile(t, conf)
	opts.Flags.DefaultBackend = "cluster"

	var out bytes.Buffer
	err := Submit(context.Background(), opts, &SubmitRequest{
		Command:   []string{"hostname"},
		Name:      "dry",
		DryRun:    true,
		Resources: job.ResourceHints{CPUCount: 2, Memory: "1G"},
	}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "#SBATCH --ntasks=2")
	assert.Contains(t, out.String(), "#SBATCH --mem=1G")
	assert.Contains(t, out.String(), "hostname")

	reg, err := registry.Open(conf.Registry)
	require.NoError(t, err)
	defer reg.Close()
	recs, err := reg.List(context.Background(), registry.Filter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestStatusCancelWaitPurge(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)

	var out bytes.Buffer
	require.NoError(t, Submit(ctx, opts, &SubmitRequest{
		Command: []string{"sleep", "30"},
	}, &out))
	id := strings.TrimSpace(out.String())
	require.NotEmpty(t, id)

	// A new backend does not own the process and checks it by PID.
	out.Reset()
	require.NoError(t, Status(ctx, opts, []string{id}, &out))
	assert.Contains(t, out.String(), "RUNNING")

	out.Reset()
	require.NoError(t, Cancel(ctx, opts, []string{id}, &out))
	assert.Contains(t, out.String(), "cancel requested")

	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out.Reset()
	err := Wait(wctx, opts, []string{id}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "finished with status CANCELLED")
	assert.Equal(t, job.ExitFailure, job.ExitCode(err))
	assert.Contains(t, out.String(), "CANCELLED")

	out.Reset()
	require.NoError(t, Purge(ctx, opts, &PurgeRequest{}, &out))
	assert.Equal(t, "purged 1 jobs\n", out.String())
}

func TestWaitResult(t *testing.T) {
	assert.NoError(t, waitResult(map[string]job.Status{"1": job.Completed}, []string{"1"}))

	err := waitResult(map[string]job.Status{
		"1": job.Completed,
		"2": job.Cancelled,
		"3": job.Timeout,
	}, []string{"1", "2", "3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job 2 finished with status CANCELLED")
	assert.Contains(t, err.Error(), "job 3 finished with status TIMEOUT")
	assert.NotContains(t, err.Error(), "job 1")
}

func TestStatusUnknownJob(t *testing.T) {
	err := Status(context.Background(), testOptions(t), []string{"999999"}, io.Discard)
	require.Error(t, err)
	assert.True(t, errors.Is(err, job.ErrNotFound))
	assert.Equal(t, job.ExitFailure, job.ExitCode(err))
}

func TestListBadState(t *testing.T) {
	err := List(context.Background(), testOptions(t), &ListRequest{States: []string{"sleepy"}}, io.Discard)
	assert.Error(t, err)
}
