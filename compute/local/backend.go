// Package local contains the backend which runs jobs as child processes
// of the current process.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/armon/circbuf"
	"github.com/ohsu-comp-bio/molq/compute"
	"github.com/ohsu-comp-bio/molq/config"
	"github.com/ohsu-comp-bio/molq/job"
	"github.com/ohsu-comp-bio/molq/logger"
	"github.com/ohsu-comp-bio/molq/metrics"
	"github.com/ohsu-comp-bio/molq/registry"
	"github.com/ohsu-comp-bio/molq/resources"
	"github.com/ohsu-comp-bio/molq/util/fsutil"
	pscpu "github.com/shirou/gopsutil/cpu"
	psmem "github.com/shirou/gopsutil/mem"
	psprocess "github.com/shirou/gopsutil/process"
)

// Backend runs jobs as local child processes. The job ID is the PID.
type Backend struct {
	compute.RegistryLister
	conf config.Backend
	log  *logger.Logger
	now  func() time.Time

	// Held across the capacity check and the spawn.
	spawnMtx sync.Mutex

	mtx   sync.Mutex
	procs map[string]*proc
}

// proc is a child spawned by this Backend.
type proc struct {
	cmd    *exec.Cmd
	output *circbuf.Buffer
	files  []*os.File
	done   chan struct{}
}

// NewBackend returns a new local Backend instance.
func NewBackend(conf config.Backend, reg *registry.Registry, log *logger.Logger) *Backend {
	return &Backend{
		RegistryLister: compute.RegistryLister{Backend: conf.Name, Registry: reg},
		conf:           conf,
		log:            log.WithFields("backend", conf.Name),
		now:            time.Now,
		procs:          map[string]*proc{},
	}
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return b.conf.Name
}

// Dispatch starts the job. A blocking descriptor waits for the process
// to exit and returns its exit code and captured output.
func (b *Backend) Dispatch(ctx context.Context, d *job.Descriptor) (*compute.Result, error) {
	res, p, err := b.start(ctx, d)
	metrics.RecordDispatch(b.Name(), err)
	if err != nil {
		return nil, err
	}
	if !d.Blocking() {
		return res, nil
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		return res, ctx.Err()
	}

	// The reaper has written the final record.
	rec, err := b.Registry.Get(context.Background(), b.Name(), res.ID)
	if err != nil {
		return res, err
	}
	res.Record = rec
	res.Status = rec.Status
	if code, ok := rec.ExitCode(); ok {
		res.ExitCode = &code
	}
	if p.output != nil {
		res.Output = p.output.String()
	}
	return res, nil
}

func (b *Backend) start(ctx context.Context, d *job.Descriptor) (*compute.Result, *proc, error) {
	if err := b.checkResources(d); err != nil {
		return nil, nil, err
	}

	b.spawnMtx.Lock()
	defer b.spawnMtx.Unlock()

	if err := b.checkCapacity(ctx); err != nil {
		return nil, nil, err
	}

	args := resources.WrapConda(d.CondaEnv(), d.Command())
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = d.MergedEnv(nil)
	if wd := d.WorkDir(); wd != "" {
		if err := fsutil.EnsureDir(wd); err != nil {
			return nil, nil, fmt.Errorf("creating working directory: %w", err)
		}
		cmd.Dir = wd
	}

	p := &proc{cmd: cmd, done: make(chan struct{})}
	if err := b.redirect(p, d); err != nil {
		p.closeFiles()
		return nil, nil, err
	}

	if err := cmd.Start(); err != nil {
		p.closeFiles()
		return nil, nil, fmt.Errorf("starting %s: %w", args[0], err)
	}

	id := strconv.Itoa(cmd.Process.Pid)
	now := b.now()
	rec := job.NewRecord(b.Name(), id, d, now)
	rec.Transition(job.Running, now)
	if d.Output() != "" {
		rec.SetExtra(job.ExtraOutput, d.Output())
	}
	if d.Error() != "" {
		rec.SetExtra(job.ExtraError, d.Error())
	}
	if err := b.Registry.Put(ctx, rec); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		p.closeFiles()
		return nil, nil, fmt.Errorf("registering job %s: %w", id, err)
	}

	b.mtx.Lock()
	b.procs[id] = p
	b.mtx.Unlock()
	go b.reap(id, p)

	b.log.Info("started job", "jobID", id, "name", d.Name(), "cmd", job.QuoteCommand(args))
	return &compute.Result{
		Backend: b.Name(),
		ID:      id,
		IDs:     []string{id},
		Status:  job.Running,
		Record:  rec.Clone(),
	}, p, nil
}

// redirect sends stdout and stderr to the requested files, and whatever is
// left to a ring buffer holding the last OutputCap bytes.
func (b *Backend) redirect(p *proc, d *job.Descriptor) error {
	open := func(path string) (*os.File, error) {
		if !filepath.IsAbs(path) && d.WorkDir() != "" {
			path = filepath.Join(d.WorkDir(), path)
		}
		if err := fsutil.EnsurePath(path); err != nil {
			return nil, err
		}
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		p.files = append(p.files, f)
		return f, nil
	}

	var stdout, stderr io.Writer
	if d.Output() != "" {
		f, err := open(d.Output())
		if err != nil {
			return err
		}
		stdout = f
	}
	if d.Error() != "" {
		f, err := open(d.Error())
		if err != nil {
			return err
		}
		stderr = f
	}
	if stdout == nil || stderr == nil {
		size := b.conf.OutputCap
		if size <= 0 {
			size = 1 << 20
		}
		buf, err := circbuf.NewBuffer(size)
		if err != nil {
			return err
		}
		p.output = buf
		if stdout == nil {
			stdout = buf
		}
		if stderr == nil {
			stderr = buf
		}
	}
	p.cmd.Stdout = stdout
	p.cmd.Stderr = stderr
	return nil
}

func (p *proc) closeFiles() {
	for _, f := range p.files {
		f.Close()
	}
}

// reap waits for the child and records how it ended.
func (b *Backend) reap(id string, p *proc) {
	err := p.cmd.Wait()
	p.closeFiles()
	code := exitCode(err)

	_, uerr := b.Registry.Update(context.Background(), b.Name(), id, func(r *job.Record) error {
		if r.Status.Terminal() {
			return nil
		}
		r.SetExitCode(code)
		to := job.Failed
		switch {
		case r.Extra[job.ExtraCancelRequested] == "true":
			to = job.Cancelled
		case code == 0:
			to = job.Completed
		}
		return r.Transition(to, b.now())
	})
	if uerr != nil {
		b.log.Error("recording job exit", "jobID", id, "error", uerr)
	}
	b.log.Debug("job exited", "jobID", id, "exitCode", code)

	b.mtx.Lock()
	delete(b.procs, id)
	b.mtx.Unlock()
	close(p.done)
}

// exitCode gets the exit status of an executed command. Processes killed
// by a signal report -1.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return exitErr.ExitCode()
	}
	return -1
}

// checkResources rejects GPU requests and warns about hints which have no
// effect on a local process.
func (b *Backend) checkResources(d *job.Descriptor) error {
	r := d.Resources()
	if r.IsZero() {
		return nil
	}
	if r.GPUCount > 0 {
		return &job.UnsupportedResourceError{Backend: b.Name(), Resource: "gpuCount"}
	}
	if r.CPUCount > 0 {
		if n, err := pscpu.Counts(true); err == nil && r.CPUCount > n {
			b.log.Warn("job asks for more cpus than this host has", "cpus", r.CPUCount, "host", n)
		}
	}
	if r.Memory != "" {
		want, err := resources.ParseMemory(r.Memory)
		if err != nil {
			return &job.InvalidResourceSpecError{Field: "memory", Err: err}
		}
		if vm, err := psmem.VirtualMemory(); err == nil && uint64(want) > vm.Total {
			b.log.Warn("job asks for more memory than this host has", "memory", r.Memory, "host", vm.Total)
		}
	}
	b.log.Warn("resource hints are not enforced by the local backend", "name", d.Name())
	return nil
}

// checkCapacity enforces MaxConcurrentJobs. Callers hold spawnMtx.
func (b *Backend) checkCapacity(ctx context.Context) error {
	max := b.conf.MaxConcurrentJobs
	if max <= 0 {
		return nil
	}
	n, err := b.Registry.CountActive(ctx, b.Name())
	if err != nil {
		return err
	}
	if n >= max {
		// Records of processes started elsewhere may be stale.
		b.refreshActive(ctx)
		if n, err = b.Registry.CountActive(ctx, b.Name()); err != nil {
			return err
		}
	}
	if n >= max {
		return &job.CapacityExceededError{Backend: b.Name(), Limit: max}
	}
	return nil
}

func (b *Backend) refreshActive(ctx context.Context) {
	recs, err := b.ListJobs(ctx)
	if err != nil {
		return
	}
	for _, r := range recs {
		if !r.Status.Terminal() {
			b.Refresh(ctx, r.ID)
		}
	}
}

func (b *Backend) owned(id string) (*proc, bool) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	p, ok := b.procs[id]
	return p, ok
}

// Refresh inspects the process. Children of this Backend are tracked by
// their reaper; other processes are checked by PID.
func (b *Backend) Refresh(ctx context.Context, id string) (job.Status, error) {
	rec, err := b.Registry.Get(ctx, b.Name(), id)
	if err != nil {
		return job.Unknown, err
	}
	if rec.Status.Terminal() {
		return rec.Status, nil
	}
	if _, ok := b.owned(id); ok {
		return rec.Status, nil
	}

	pid, err := strconv.Atoi(id)
	if err != nil {
		return rec.Status, fmt.Errorf("invalid local job id %q", id)
	}
	alive, err := psprocess.PidExists(int32(pid))
	if err != nil {
		b.log.Warn("cannot inspect process", "jobID", id, "error", err)
		return rec.Status, nil
	}
	if alive {
		same, err := sameProcess(int32(pid), rec)
		if err != nil {
			b.log.Warn("cannot inspect process", "jobID", id, "error", err)
			return rec.Status, nil
		}
		if same {
			return rec.Status, nil
		}
		b.log.Info("process id was reused", "jobID", id)
	}

	updated, err := b.Registry.Update(ctx, b.Name(), id, func(r *job.Record) error {
		if r.Status.Terminal() {
			return nil
		}
		to := job.Failed
		code, hasCode := r.ExitCode()
		switch {
		case r.Extra[job.ExtraCancelRequested] == "true":
			to = job.Cancelled
		case hasCode && code == 0:
			to = job.Completed
		case !hasCode:
			r.SetExtra(job.ExtraReason, job.ReasonUnknownTermination)
		}
		return r.Transition(to, b.now())
	})
	if err != nil {
		return rec.Status, err
	}
	return updated.Status, nil
}

// Cancel sends SIGTERM to the process (TerminateProcess on Windows).
func (b *Backend) Cancel(ctx context.Context, id string) (bool, error) {
	rec, err := b.Registry.Get(ctx, b.Name(), id)
	if err != nil {
		return false, err
	}
	if rec.Status.Terminal() {
		return false, nil
	}
	pid, err := strconv.Atoi(id)
	if err != nil {
		return false, fmt.Errorf("invalid local job id %q", id)
	}
	if _, ok := b.owned(id); !ok {
		if same, err := sameProcess(int32(pid), rec); err == nil && !same {
			b.log.Warn("process id was reused, not signalling", "jobID", id, "pid", pid)
			if _, err := b.Refresh(ctx, id); err != nil {
				return false, err
			}
			return false, nil
		}
	}

	// Mark first so the reaper sees the request when the process exits.
	_, err = b.Registry.Update(ctx, b.Name(), id, func(r *job.Record) error {
		r.SetExtra(job.ExtraCancelRequested, "true")
		return nil
	})
	if err != nil {
		return false, err
	}

	if err := b.terminate(id, pid); err != nil {
		b.log.Warn("cannot signal process", "jobID", id, "error", err)
		_, err = b.Registry.Update(ctx, b.Name(), id, func(r *job.Record) error {
			delete(r.Extra, job.ExtraCancelRequested)
			return nil
		})
		return false, err
	}
	b.log.Info("cancel requested", "jobID", id)
	return true, nil
}

func (b *Backend) terminate(id string, pid int) error {
	if p, ok := b.owned(id); ok {
		return signalTerm(p.cmd.Process)
	}
	proc, err := psprocess.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	return proc.Terminate()
}

// startSlack covers the rounding in the kernel's process creation time.
const startSlack = 2 * time.Second

// sameProcess reports whether the live process pid is the one started for
// rec. A process created after the job started has reused the PID.
func sameProcess(pid int32, rec *job.Record) (bool, error) {
	if rec.StartTime == nil {
		return true, nil
	}
	p, err := psprocess.NewProcess(pid)
	if err != nil {
		return false, err
	}
	created, err := p.CreateTime()
	if err != nil {
		return false, err
	}
	return !time.UnixMilli(created).After(rec.StartTime.Add(startSlack)), nil
}

// Close is a no-op. Children outlive the Backend and their records are
// reconciled by Refresh.
func (b *Backend) Close() error {
	return nil
}
