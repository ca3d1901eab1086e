// Package slurm contains the Slurm scheduler dialect.
package slurm

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ohsu-comp-bio/molq/compute"
	"github.com/ohsu-comp-bio/molq/config"
	"github.com/ohsu-comp-bio/molq/job"
	"github.com/ohsu-comp-bio/molq/logger"
	"github.com/ohsu-comp-bio/molq/registry"
	"github.com/ohsu-comp-bio/molq/remote"
	"github.com/ohsu-comp-bio/molq/resources"
)

// NewBackend returns a new Slurm HPCSubmitter instance.
func NewBackend(conf config.Backend, runner remote.Runner, reg *registry.Registry, log *logger.Logger) *compute.HPCSubmitter {
	return compute.NewHPCSubmitter(conf, Dialect{}, runner, reg, log)
}

// Dialect speaks sbatch, squeue, sacct and scancel.
type Dialect struct{}

// Kind returns resources.Slurm.
func (Dialect) Kind() resources.Kind { return resources.Slurm }

// SubmitCmd reads the batch script from stdin.
func (Dialect) SubmitCmd() string { return "sbatch --parsable" }

var idRE = regexp.MustCompile(`^[0-9]+$`)

// legacyRE matches sbatch output without --parsable.
// Example response:
// Submitted batch job 2
var legacyRE = regexp.MustCompile(`Submitted batch job ([0-9]+)`)

// ParseSubmit parses "<id>" or "<id>;<cluster>".
func (Dialect) ParseSubmit(stdout string) (string, error) {
	out := strings.TrimSpace(stdout)
	if m := legacyRE.FindStringSubmatch(out); m != nil {
		return m[1], nil
	}
	id := strings.SplitN(out, ";", 2)[0]
	if !idRE.MatchString(id) {
		return "", fmt.Errorf("no job id in sbatch output %q", stdout)
	}
	return id, nil
}

// ArrayIDs returns "<id>_0" through "<id>_<size-1>".
func (Dialect) ArrayIDs(id string, size int) []string {
	out := make([]string, size)
	for i := range out {
		out[i] = fmt.Sprintf("%s_%d", id, i)
	}
	return out
}

// QueueCmd lists the jobs one per line, expanding arrays.
func (Dialect) QueueCmd(ids []string) string {
	return fmt.Sprintf("squeue -h -r -o '%%i|%%t|%%N' -j %s", strings.Join(ids, ","))
}

// ParseQueue parses "<id>|<state>|<nodes>" lines. An unknown job makes
// squeue fail with "Invalid job id", which is reported as an empty queue.
func (Dialect) ParseQueue(out *remote.Output) (map[string]compute.SchedulerState, error) {
	if out.ExitStatus != 0 {
		if strings.Contains(out.Stderr, "Invalid job id") {
			return map[string]compute.SchedulerState{}, nil
		}
		return nil, fmt.Errorf("squeue exited with status %d: %s", out.ExitStatus, strings.TrimSpace(out.Stderr))
	}
	states := map[string]compute.SchedulerState{}
	for _, line := range lines(out.Stdout) {
		f := strings.Split(line, "|")
		if len(f) < 2 {
			return nil, fmt.Errorf("unexpected squeue line %q", line)
		}
		st := compute.SchedulerState{Raw: f[1], Status: queueStates[f[1]]}
		if len(f) > 2 {
			st.Nodes = f[2]
		}
		states[f[0]] = st
	}
	return states, nil
}

// AccountingCmd asks sacct for the allocation line of each job.
func (Dialect) AccountingCmd(ids []string) string {
	return fmt.Sprintf("sacct -n -P -X -o JobID,State,ExitCode,NodeList -j %s", strings.Join(ids, ","))
}

// ParseAccounting parses "<id>|<state>|<exit>:<signal>|<nodes>" lines.
func (Dialect) ParseAccounting(out *remote.Output) (map[string]compute.SchedulerState, error) {
	if out.ExitStatus != 0 {
		return nil, fmt.Errorf("sacct exited with status %d: %s", out.ExitStatus, strings.TrimSpace(out.Stderr))
	}
	states := map[string]compute.SchedulerState{}
	for _, line := range lines(out.Stdout) {
		f := strings.Split(line, "|")
		if len(f) < 3 {
			return nil, fmt.Errorf("unexpected sacct line %q", line)
		}
		// "CANCELLED by 1000"
		raw := strings.Fields(f[1])
		if len(raw) == 0 {
			continue
		}
		st := compute.SchedulerState{Raw: raw[0], Status: accountingStates[raw[0]]}
		if code, err := strconv.Atoi(strings.SplitN(f[2], ":", 2)[0]); err == nil {
			st.ExitCode = &code
		}
		if len(f) > 3 {
			st.Nodes = f[3]
		}
		states[f[0]] = st
	}
	return states, nil
}

// CancelCmd returns the scancel command.
func (Dialect) CancelCmd(id string) string {
	return "scancel " + id
}

func lines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// squeue compact state codes.
var queueStates = map[string]job.Status{
	"PD":  job.Pending,
	"CF":  job.Pending,
	"RQ":  job.Pending,
	"RF":  job.Pending,
	"RH":  job.Pending,
	"RS":  job.Pending,
	"R":   job.Running,
	"CG":  job.Running,
	"S":   job.Running,
	"ST":  job.Running,
	"SO":  job.Running,
	"SE":  job.Running,
	"RD":  job.Pending,
	"CD":  job.Completed,
	"F":   job.Failed,
	"NF":  job.Failed,
	"BF":  job.Failed,
	"PR":  job.Failed,
	"CA":  job.Cancelled,
	"TO":  job.Timeout,
	"DL":  job.Timeout,
	"OOM": job.OutOfMemory,
}

// sacct long state names.
var accountingStates = map[string]job.Status{
	"PENDING":       job.Pending,
	"REQUEUED":      job.Pending,
	"RUNNING":       job.Running,
	"COMPLETING":    job.Running,
	"SUSPENDED":     job.Running,
	"COMPLETED":     job.Completed,
	"FAILED":        job.Failed,
	"NODE_FAIL":     job.Failed,
	"BOOT_FAIL":     job.Failed,
	"PREEMPTED":     job.Failed,
	"CANCELLED":     job.Cancelled,
	"TIMEOUT":       job.Timeout,
	"DEADLINE":      job.Timeout,
	"OUT_OF_MEMORY": job.OutOfMemory,
}
