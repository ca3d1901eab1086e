package compute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/ohsu-comp-bio/molq/config"
	"github.com/ohsu-comp-bio/molq/job"
	"github.com/ohsu-comp-bio/molq/logger"
	"github.com/ohsu-comp-bio/molq/metrics"
	"github.com/ohsu-comp-bio/molq/registry"
	"github.com/ohsu-comp-bio/molq/remote"
	"github.com/ohsu-comp-bio/molq/resources"
	"github.com/ohsu-comp-bio/molq/util"
)

// SchedulerState is the state of one job as reported by a scheduler.
type SchedulerState struct {
	Status job.Status
	// Raw is the scheduler's own state code, e.g. "PD" or "qw".
	Raw      string
	ExitCode *int
	Nodes    string
}

// Dialect describes the commands and output formats of one batch
// scheduler, such as Slurm, PBS/Torque, or Grid Engine.
type Dialect interface {
	Kind() resources.Kind
	// SubmitCmd returns the submit command. It reads the script on stdin.
	SubmitCmd() string
	// ParseSubmit extracts the job ID from the submit command's stdout.
	ParseSubmit(stdout string) (string, error)
	// ArrayIDs returns the sub job IDs of an array job of the given size.
	ArrayIDs(id string, size int) []string
	QueueCmd(ids []string) string
	// ParseQueue returns the states of the jobs still known to the queue.
	ParseQueue(out *remote.Output) (map[string]SchedulerState, error)
	// AccountingCmd returns the accounting query for finished jobs, or ""
	// when the scheduler keeps no accounting.
	AccountingCmd(ids []string) string
	ParseAccounting(out *remote.Output) (map[string]SchedulerState, error)
	CancelCmd(id string) string
}

// HPCSubmitter submits jobs to a batch scheduler such as Slurm, PBS or
// Grid Engine, through a remote.Runner.
type HPCSubmitter struct {
	RegistryLister
	conf    config.Backend
	dialect Dialect
	runner  remote.Runner
	log     *logger.Logger
	now     func() time.Time
	// NewRetrier returns the retry policy for connection failures on submit.
	NewRetrier func() *util.Retrier
}

// NewHPCSubmitter returns a submitter for the scheduler described by d.
// The submitter owns runner and closes it on Close.
func NewHPCSubmitter(conf config.Backend, d Dialect, runner remote.Runner, reg *registry.Registry, log *logger.Logger) *HPCSubmitter {
	s := &HPCSubmitter{
		RegistryLister: RegistryLister{Backend: conf.Name, Registry: reg},
		conf:           conf,
		dialect:        d,
		runner:         runner,
		log:            log.WithFields("backend", conf.Name),
		now:            time.Now,
	}
	s.NewRetrier = func() *util.Retrier {
		r := util.NewRetrier()
		if conf.Remote.Retries > 0 {
			r.MaxTries = conf.Remote.Retries
		}
		r.ShouldRetry = job.IsConnection
		r.Notify = func(err error, d time.Duration) {
			s.log.Warn("scheduler unreachable, retrying", "error", err, "sleep", d)
		}
		return r
	}
	return s
}

// Name returns the backend name.
func (s *HPCSubmitter) Name() string {
	return s.conf.Name
}

// Close closes the connection to the scheduler.
func (s *HPCSubmitter) Close() error {
	return s.runner.Close()
}

// Dispatch renders the batch script and pipes it to the scheduler's submit
// command. The job is registered only once its ID is known.
func (s *HPCSubmitter) Dispatch(ctx context.Context, d *job.Descriptor) (*Result, error) {
	res, err := s.submit(ctx, d)
	metrics.RecordDispatch(s.Name(), err)
	if err != nil {
		return nil, err
	}
	if !d.Blocking() {
		return res, nil
	}
	return s.block(ctx, res)
}

func (s *HPCSubmitter) submit(ctx context.Context, d *job.Descriptor) (*Result, error) {
	script, err := resources.Render(d, s.dialect.Kind(), s.conf.Template)
	if err != nil {
		return nil, err
	}

	cmd := s.dialect.SubmitCmd()
	if wd := d.WorkDir(); wd != "" {
		q := shellquote.Join(wd)
		cmd = fmt.Sprintf("mkdir -p %s && cd %s && %s", q, q, cmd)
	}

	var out *remote.Output
	err = s.NewRetrier().Retry(ctx, func() error {
		var err error
		out, err = s.runner.Run(ctx, cmd, strings.NewReader(script.Text))
		return err
	})
	if err != nil {
		return nil, err
	}
	if out.ExitStatus != 0 {
		return nil, fmt.Errorf("%s: submit command exited with status %d: %s",
			s.Name(), out.ExitStatus, strings.TrimSpace(out.Stderr))
	}

	id, err := s.dialect.ParseSubmit(out.Stdout)
	if err != nil {
		s.log.Error("unrecognized submit output", "stdout", out.Stdout, "stderr", out.Stderr)
		return nil, &job.SubmissionParseError{Backend: s.Name(), Output: out.Stdout}
	}

	ids := []string{id}
	r := d.Resources()
	if r != nil && r.ArraySize > 0 {
		ids = s.dialect.ArrayIDs(id, r.ArraySize)
	}

	now := s.now()
	var first *job.Record
	for _, sub := range ids {
		rec := job.NewRecord(s.Name(), sub, d, now)
		if len(ids) > 1 || sub != id {
			rec.SetExtra(job.ExtraArrayID, id)
		}
		if d.Output() != "" {
			rec.SetExtra(job.ExtraOutput, d.Output())
		}
		if d.Error() != "" {
			rec.SetExtra(job.ExtraError, d.Error())
		}
		if err := s.Registry.Put(ctx, rec); err != nil {
			return nil, fmt.Errorf("registering job %s: %w", sub, err)
		}
		if first == nil {
			first = rec
		}
	}
	s.log.Info("submitted job", "jobID", id, "name", d.Name(), "tasks", len(ids))

	return &Result{
		Backend: s.Name(),
		ID:      id,
		IDs:     ids,
		Status:  job.Pending,
		Record:  first,
	}, nil
}

// block waits for every job of res. The result carries the first failure
// status, or COMPLETED.
func (s *HPCSubmitter) block(ctx context.Context, res *Result) (*Result, error) {
	status := job.Completed
	for _, id := range res.IDs {
		st, err := WaitTerminal(ctx, s, id, s.conf.PollInterval.D())
		if err != nil {
			return res, err
		}
		if st != job.Completed && status == job.Completed {
			status = st
		}
	}
	res.Status = status

	rec, err := s.Registry.Get(ctx, s.Name(), res.IDs[0])
	if err != nil {
		return res, err
	}
	res.Record = rec
	if len(res.IDs) == 1 {
		if code, ok := rec.ExitCode(); ok {
			res.ExitCode = &code
		}
	}
	return res, nil
}

// Refresh queries the scheduler's queue, then its accounting, for the job.
// A job unknown to both for longer than the grace window is marked FAILED.
// If the scheduler cannot be reached the last registered status is returned
// with a *job.StaleStatusError.
func (s *HPCSubmitter) Refresh(ctx context.Context, id string) (job.Status, error) {
	rec, err := s.Registry.Get(ctx, s.Name(), id)
	if err != nil {
		return job.Unknown, err
	}
	if rec.Status.Terminal() {
		return rec.Status, nil
	}

	st, found, err := s.query(ctx, id)
	if err != nil {
		s.log.Warn("cannot refresh job, keeping last known status",
			"jobID", id, "status", rec.Status, "error", err)
		return rec.Status, &job.StaleStatusError{Status: rec.Status, Err: err}
	}

	now := s.now()
	if !found {
		if now.Sub(rec.SubmitTime) <= s.conf.GraceWindow.D() {
			return rec.Status, nil
		}
		st = SchedulerState{Status: job.Failed}
	}

	updated, err := s.Registry.Update(ctx, s.Name(), id, func(r *job.Record) error {
		return applyState(r, st, found, now, s.log)
	})
	if err != nil {
		return rec.Status, err
	}
	return updated.Status, nil
}

func (s *HPCSubmitter) query(ctx context.Context, id string) (SchedulerState, bool, error) {
	ids := []string{id}

	out, err := s.runner.Run(ctx, s.dialect.QueueCmd(ids), nil)
	if err != nil {
		return SchedulerState{}, false, err
	}
	states, err := s.dialect.ParseQueue(out)
	if err != nil {
		return SchedulerState{}, false, err
	}
	if st, ok := states[id]; ok {
		return st, true, nil
	}

	cmd := s.dialect.AccountingCmd(ids)
	if cmd == "" {
		return SchedulerState{}, false, nil
	}
	out, err = s.runner.Run(ctx, cmd, nil)
	if err != nil {
		return SchedulerState{}, false, err
	}
	states, err = s.dialect.ParseAccounting(out)
	if err != nil {
		return SchedulerState{}, false, err
	}
	st, ok := states[id]
	return st, ok, nil
}

// applyState moves r to the reported state. Transitions the lifecycle does
// not allow, such as a requeue from RUNNING back to PENDING, are logged
// and ignored.
func applyState(r *job.Record, st SchedulerState, found bool, now time.Time, log *logger.Logger) error {
	if r.Status.Terminal() {
		return nil
	}
	if !found {
		r.SetExtra(job.ExtraReason, job.ReasonNotFound)
	}
	if st.Raw != "" {
		r.SetExtra(job.ExtraSchedulerState, st.Raw)
	}
	if st.Nodes != "" {
		r.SetExtra(job.ExtraNodes, st.Nodes)
	}
	if st.ExitCode != nil {
		r.SetExitCode(*st.ExitCode)
	}
	if st.Status == job.Unknown {
		return nil
	}
	err := r.Transition(st.Status, now)
	var te *job.TransitionError
	if errors.As(err, &te) {
		log.Debug("ignoring scheduler state", "jobID", r.ID, "from", te.From, "to", te.To)
		return nil
	}
	return err
}

// Cancel runs the scheduler's cancel command. The status is updated by the
// next Refresh, once the scheduler reports the job cancelled.
func (s *HPCSubmitter) Cancel(ctx context.Context, id string) (bool, error) {
	rec, err := s.Registry.Get(ctx, s.Name(), id)
	if err != nil {
		return false, err
	}
	if rec.Status.Terminal() {
		return false, nil
	}

	out, err := s.runner.Run(ctx, s.dialect.CancelCmd(id), nil)
	if err != nil {
		return false, err
	}
	if out.ExitStatus != 0 {
		s.log.Warn("scheduler refused cancel", "jobID", id,
			"status", out.ExitStatus, "stderr", strings.TrimSpace(out.Stderr))
		return false, nil
	}

	_, err = s.Registry.Update(ctx, s.Name(), id, func(r *job.Record) error {
		r.SetExtra(job.ExtraCancelRequested, "true")
		return nil
	})
	if err != nil {
		return true, err
	}
	s.log.Info("cancel requested", "jobID", id)
	return true, nil
}
