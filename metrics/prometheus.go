package metrics

import (
	"context"
	"time"

	"github.com/ohsu-comp-bio/molq/job"
	"github.com/ohsu-comp-bio/molq/util"
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	prometheus.MustRegister(jobStates)
	prometheus.MustRegister(dispatches)
}

var jobStates = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "molq",
		Subsystem: "jobs",
		Name:      "state_count",
		Help:      "Number of registered jobs in each state, per backend.",
	},
	[]string{"backend", "state"},
)

var dispatches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "molq",
		Name:      "dispatch_total",
		Help:      "Number of dispatch attempts, per backend and result.",
	},
	[]string{"backend", "result"},
)

// Dispatch results.
const (
	ResultOK          = "ok"
	ResultRejected    = "rejected"
	ResultUnreachable = "unreachable"
)

// RecordDispatch counts one dispatch attempt on backend. The result label
// is derived from err.
func RecordDispatch(backend string, err error) {
	result := ResultOK
	switch {
	case err == nil:
	case job.IsConnection(err):
		result = ResultUnreachable
	default:
		result = ResultRejected
	}
	dispatches.WithLabelValues(backend, result).Inc()
}

// JobStateCounter is implemented by the job registry.
type JobStateCounter interface {
	// StatusCounts returns the number of jobs in each state, per backend.
	StatusCounts(context.Context) (map[string]map[job.Status]int, error)
}

// UpdateJobStates sets the job state gauges from counter once.
func UpdateJobStates(ctx context.Context, counter JobStateCounter) error {
	counts, err := counter.StatusCounts(ctx)
	if err != nil {
		return err
	}
	for backend, byState := range counts {
		for _, s := range job.Statuses() {
			jobStates.WithLabelValues(backend, s.String()).Set(float64(byState[s]))
		}
	}
	return nil
}

// WatchJobStates updates the job state gauges every interval.
// This blocks until the context is canceled.
func WatchJobStates(ctx context.Context, counter JobStateCounter, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := util.Ticker(ctx, interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker:
			// A failed read leaves the previous values in place.
			_ = UpdateJobStates(ctx, counter)
		}
	}
}
