package jobs

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/ohsu-comp-bio/molq/cmd/util"
	"github.com/ohsu-comp-bio/molq/compute"
	"github.com/ohsu-comp-bio/molq/job"
)

// Cancel asks the selected backend to stop each job. Every ID is tried;
// the errors are returned together.
func Cancel(ctx context.Context, opts *util.Options, ids []string, w io.Writer) error {
	env, err := opts.Open(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	s, err := env.Dispatcher.Get("")
	if err != nil {
		return err
	}

	var result error
	for _, id := range ids {
		ok, err := s.Cancel(ctx, id)
		switch {
		case err != nil:
			result = multierror.Append(result, err)
		case ok:
			fmt.Fprintf(w, "%s\tcancel requested\n", id)
		default:
			fmt.Fprintf(w, "%s\tnot cancelled\n", id)
		}
	}
	return result
}

// Wait blocks until every job finished, printing each status change.
// It fails if any job did not complete successfully.
func Wait(ctx context.Context, opts *util.Options, ids []string, w io.Writer) error {
	env, err := opts.Open(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	s, err := env.Dispatcher.Get("")
	if err != nil {
		return err
	}
	b, _ := env.Backend("")

	// Unknown IDs would never become terminal.
	for _, id := range ids {
		if _, err := env.Registry.Get(ctx, s.Name(), id); err != nil {
			return err
		}
	}

	m := compute.NewMonitor(s, b.PollInterval.D(), env.Log)
	m.OnChange = func(id string, st job.Status) {
		fmt.Fprintf(w, "%s\t%s\n", id, st)
	}
	m.Add(ids...)
	if m.Poll(ctx) == 0 {
		return waitResult(m.Statuses(), ids)
	}
	statuses, err := m.BlockAll(ctx)
	if err != nil {
		return err
	}
	return waitResult(statuses, ids)
}

func waitResult(statuses map[string]job.Status, ids []string) error {
	var result error
	for _, id := range ids {
		if st := statuses[id]; st.Unsuccessful() {
			result = multierror.Append(result, fmt.Errorf("job %s finished with status %s", id, st))
		}
	}
	return result
}
