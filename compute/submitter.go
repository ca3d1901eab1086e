// Package compute contains the Submitter contract shared by every backend,
// and the generic scheduler submitter used by slurm, pbs and gridengine.
package compute

import (
	"context"
	"time"

	"github.com/ohsu-comp-bio/molq/job"
	"github.com/ohsu-comp-bio/molq/registry"
	"github.com/ohsu-comp-bio/molq/util"
)

// Submitter dispatches jobs to one execution backend and tracks them in
// the registry. Implementations are safe for concurrent use.
type Submitter interface {
	// Name returns the backend name records are registered under.
	Name() string
	// Dispatch starts or enqueues a job. When the descriptor is blocking it
	// returns only once the job reached a terminal state.
	Dispatch(ctx context.Context, d *job.Descriptor) (*Result, error)
	// Refresh reconciles the registry with the backend and returns the
	// current status of the job.
	Refresh(ctx context.Context, id string) (job.Status, error)
	// Cancel asks the backend to stop the job. It returns false when the job
	// was already terminal or the backend refused the request.
	Cancel(ctx context.Context, id string) (bool, error)
	// ListJobs returns the registered jobs of this backend.
	ListJobs(ctx context.Context) ([]*job.Record, error)
	Close() error
}

// Result describes a dispatched job.
type Result struct {
	Backend string
	ID      string
	// IDs lists the sub job IDs of an array submission, or just ID.
	IDs    []string
	Status job.Status
	// ExitCode is set for finished local jobs, and for scheduler jobs whose
	// accounting reported one.
	ExitCode *int
	// Output is the captured combined output of a blocking local job that
	// did not redirect to files.
	Output string
	Record *job.Record
}

// Failed returns true if the job finished without completing, including
// when it was cancelled.
func (r *Result) Failed() bool {
	return r.Status.Unsuccessful()
}

// WaitTerminal polls s until job id reaches a terminal state or ctx is done.
func WaitTerminal(ctx context.Context, s Submitter, id string, interval time.Duration) (job.Status, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := util.Ticker(ctx, interval)
	for {
		select {
		case <-ctx.Done():
			return job.Unknown, ctx.Err()
		case <-ticker:
			st, err := s.Refresh(ctx, id)
			if job.IsStale(err) {
				continue
			}
			if err != nil {
				return st, err
			}
			if st.Terminal() {
				return st, nil
			}
		}
	}
}

// RegistryLister implements Submitter.ListJobs on top of the registry.
// Backends embed it.
type RegistryLister struct {
	Backend  string
	Registry *registry.Registry
}

// ListJobs returns the registered jobs of the backend, oldest first.
func (l RegistryLister) ListJobs(ctx context.Context) ([]*job.Record, error) {
	return l.Registry.List(ctx, registry.Filter{Backend: l.Backend})
}
