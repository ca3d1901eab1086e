package jobs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ohsu-comp-bio/molq/cmd/util"
	"github.com/ohsu-comp-bio/molq/compute"
	"github.com/ohsu-comp-bio/molq/config"
	"github.com/ohsu-comp-bio/molq/job"
	"github.com/ohsu-comp-bio/molq/resources"
	"github.com/ohsu-comp-bio/molq/submit"
	"github.com/spf13/pflag"
)

// SubmitRequest captures the values of the submit command line.
type SubmitRequest struct {
	Command []string
	// Shell is a command line split with shell quoting rules. It is used
	// instead of Command.
	Shell   string
	Name    string
	WorkDir string
	Env     []string
	Output  string
	Error   string
	Block   bool
	DryRun  bool
	Extra   []string
	Conda   string

	Resources job.ResourceHints
}

func submitFlags(r *SubmitRequest) *pflag.FlagSet {
	f := pflag.NewFlagSet("", pflag.ContinueOnError)

	f.StringVar(&r.Shell, "sh", "", "Command line to run, split with shell quoting rules")
	f.StringVarP(&r.Name, "name", "n", "", "Job name")
	f.StringVarP(&r.WorkDir, "workdir", "w", "", "Working directory of the job")
	f.StringSliceVarP(&r.Env, "env", "e", nil, "Environment variable, as KEY=VALUE. This flag can be used multiple times")
	f.StringVarP(&r.Output, "output", "o", "", "File to write stdout to")
	f.StringVar(&r.Error, "error", "", "File to write stderr to")
	f.BoolVar(&r.Block, "block", false, "Wait for the job to finish")
	f.BoolVar(&r.DryRun, "dry-run", false, "Print what would be submitted and exit")
	f.StringVar(&r.Conda, "conda", "", "Conda environment to activate before the command")
	f.StringSliceVar(&r.Extra, "extra", nil, "Raw scheduler flag, as KEY=VALUE. This flag can be used multiple times")

	res := &r.Resources
	f.IntVar(&res.CPUCount, "cpus", 0, "Number of CPUs")
	f.StringVar(&res.Memory, "mem", "", "Memory, e.g. 512M or 16G")
	f.StringVarP(&res.TimeLimit, "time", "t", "", "Time limit, e.g. 90m, 2h30m or 1-12:00:00")
	f.StringVarP(&res.Queue, "queue", "q", "", "Queue or partition")
	f.IntVar(&res.GPUCount, "gpus", 0, "Number of GPUs")
	f.StringVar(&res.GPUType, "gpu-type", "", "GPU model")
	f.StringSliceVar(&res.Dependency, "after", nil, "Job ID which must complete successfully first. This flag can be used multiple times")
	f.StringVar(&res.Account, "account", "", "Account to charge")
	f.StringVar(&res.Email, "email", "", "Address to send notifications to")
	f.StringSliceVar(&res.EmailEvents, "email-on", nil, "Notification events: start, end, fail, all")
	f.StringVar(&res.Priority, "priority", "", "Priority: low, normal, high, or a scheduler value")
	f.BoolVar(&res.Exclusive, "exclusive", false, "Request exclusive use of a node")
	f.IntVar(&res.ArraySize, "array", 0, "Submit an array of this many tasks")
	f.IntVar(&res.ArrayLimit, "array-limit", 0, "Maximum array tasks running at once")

	return f
}

// Descriptor validates the request and builds a job descriptor.
func (r *SubmitRequest) Descriptor() (*job.Descriptor, error) {
	args := r.Command
	if r.Shell != "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("--sh and a positional command are mutually exclusive")
		}
		var err error
		args, err = job.ParseCommand(r.Shell)
		if err != nil {
			return nil, err
		}
	}

	env, err := keyValues("env", r.Env)
	if err != nil {
		return nil, err
	}
	res := r.Resources
	if len(r.Extra) > 0 {
		res.Extra, err = keyValues("extra", r.Extra)
		if err != nil {
			return nil, err
		}
	}

	opts := []job.Option{
		job.WithName(r.Name),
		job.WithWorkDir(r.WorkDir),
		job.WithEnv(env),
		job.WithOutput(r.Output),
		job.WithError(r.Error),
		job.WithBlocking(r.Block),
		job.WithCondaEnv(r.Conda),
	}
	if !res.IsZero() {
		opts = append(opts, job.WithResources(&res))
	}
	return job.NewDescriptor(args, opts...)
}

func keyValues(flag string, pairs []string) (map[string]string, error) {
	out := map[string]string{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--%s %q: expected KEY=VALUE", flag, p)
		}
		out[k] = v
	}
	return out, nil
}

// Submit dispatches one job to the selected backend and prints its ID.
// A blocking job's output is printed once it finished; an unsuccessful
// job is returned as an error.
func Submit(ctx context.Context, opts *util.Options, req *SubmitRequest, w io.Writer) error {
	d, err := req.Descriptor()
	if err != nil {
		return err
	}

	env, err := opts.Open(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	if req.DryRun {
		b, ok := env.Backend("")
		if !ok {
			return fmt.Errorf("unknown backend %q", env.Conf.DefaultBackend)
		}
		return printDryRun(b, d, w)
	}

	dec, err := env.Dispatcher.Decorator("")
	if err != nil {
		return err
	}
	res, err := submit.Drive(ctx, dec, func(ctx context.Context, yield submit.Yield) (*compute.Result, error) {
		return yield(d)
	})
	if err != nil {
		return err
	}

	if !d.Blocking() {
		for _, id := range res.IDs {
			fmt.Fprintln(w, id)
		}
		return nil
	}

	if res.Output != "" {
		fmt.Fprint(w, res.Output)
	}
	if res.Failed() {
		if res.ExitCode != nil {
			return fmt.Errorf("job %s finished with status %s (exit code %d)", res.ID, res.Status, *res.ExitCode)
		}
		return fmt.Errorf("job %s finished with status %s", res.ID, res.Status)
	}
	return nil
}

func printDryRun(b config.Backend, d *job.Descriptor, w io.Writer) error {
	if b.Kind == config.Local {
		fmt.Fprintln(w, job.QuoteCommand(d.Command()))
		return nil
	}
	s, err := resources.Render(d, resources.Kind(b.Kind), b.Template)
	if err != nil {
		return err
	}
	fmt.Fprint(w, s.Text)
	return nil
}
