package compute

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/ohsu-comp-bio/molq/job"
	"github.com/ohsu-comp-bio/molq/logger"
	"github.com/ohsu-comp-bio/molq/util"
)

// Monitor tracks a set of jobs on one Submitter and polls them until every
// job reached a terminal state.
type Monitor struct {
	Submitter Submitter
	Interval  time.Duration
	// Parallel bounds the concurrent refreshes per poll. Defaults to 4.
	Parallel int
	// OnChange is called, from the polling goroutine, when a job changes status.
	OnChange func(id string, st job.Status)
	Log      *logger.Logger

	mtx  sync.Mutex
	jobs map[string]job.Status
}

// NewMonitor returns a Monitor for s.
func NewMonitor(s Submitter, interval time.Duration, log *logger.Logger) *Monitor {
	return &Monitor{Submitter: s, Interval: interval, Log: log}
}

// Add starts tracking the given job IDs.
func (m *Monitor) Add(ids ...string) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.jobs == nil {
		m.jobs = map[string]job.Status{}
	}
	for _, id := range ids {
		if _, ok := m.jobs[id]; !ok {
			m.jobs[id] = job.Unknown
		}
	}
}

// Statuses returns the last observed status of every tracked job.
func (m *Monitor) Statuses() map[string]job.Status {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make(map[string]job.Status, len(m.jobs))
	for id, st := range m.jobs {
		out[id] = st
	}
	return out
}

func (m *Monitor) pending() []string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var ids []string
	for id, st := range m.jobs {
		if !st.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Poll refreshes every non-terminal job once and returns how many are
// still not terminal.
func (m *Monitor) Poll(ctx context.Context) int {
	parallel := m.Parallel
	if parallel <= 0 {
		parallel = 4
	}

	type update struct {
		id string
		st job.Status
	}
	var (
		umtx    sync.Mutex
		updates []update
	)

	wp := workerpool.New(parallel)
	for _, id := range m.pending() {
		id := id
		wp.Submit(func() {
			st, err := m.Submitter.Refresh(ctx, id)
			if job.IsStale(err) {
				m.Log.Debug("status may be stale", "jobID", id, "error", err)
				return
			}
			if err != nil {
				m.Log.Warn("refresh failed", "jobID", id, "error", err)
				return
			}
			umtx.Lock()
			updates = append(updates, update{id, st})
			umtx.Unlock()
		})
	}
	wp.StopWait()

	m.mtx.Lock()
	var changed []update
	for _, u := range updates {
		if m.jobs[u.id] != u.st {
			m.jobs[u.id] = u.st
			changed = append(changed, u)
		}
	}
	left := 0
	for _, st := range m.jobs {
		if !st.Terminal() {
			left++
		}
	}
	m.mtx.Unlock()

	if m.OnChange != nil {
		for _, u := range changed {
			m.OnChange(u.id, u.st)
		}
	}
	return left
}

// BlockAll polls until every tracked job is terminal or ctx is done.
func (m *Monitor) BlockAll(ctx context.Context) (map[string]job.Status, error) {
	interval := m.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := util.Ticker(ctx, interval)
	for {
		select {
		case <-ctx.Done():
			return m.Statuses(), ctx.Err()
		case <-ticker:
			if m.Poll(ctx) == 0 {
				return m.Statuses(), nil
			}
		}
	}
}
