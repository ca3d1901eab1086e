// Package pbs contains the PBS/Torque scheduler dialect.
package pbs

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"

	"github.com/ohsu-comp-bio/molq/compute"
	"github.com/ohsu-comp-bio/molq/config"
	"github.com/ohsu-comp-bio/molq/job"
	"github.com/ohsu-comp-bio/molq/logger"
	"github.com/ohsu-comp-bio/molq/registry"
	"github.com/ohsu-comp-bio/molq/remote"
	"github.com/ohsu-comp-bio/molq/resources"
)

// NewBackend returns a new PBS (Portable Batch System) HPCSubmitter instance.
func NewBackend(conf config.Backend, runner remote.Runner, reg *registry.Registry, log *logger.Logger) *compute.HPCSubmitter {
	return compute.NewHPCSubmitter(conf, Dialect{}, runner, reg, log)
}

// Dialect speaks qsub, qstat -x and qdel. Torque keeps finished jobs in
// qstat for keep_completed seconds, which stands in for accounting.
type Dialect struct{}

// Kind returns resources.PBS.
func (Dialect) Kind() resources.Kind { return resources.PBS }

// SubmitCmd reads the batch script from stdin.
func (Dialect) SubmitCmd() string { return "qsub" }

// "123.server", "123[].server" for arrays.
var idRE = regexp.MustCompile(`^[0-9]+(\[\])?(\.[A-Za-z0-9_.-]+)?$`)

// ParseSubmit returns the full job id printed by qsub.
func (Dialect) ParseSubmit(stdout string) (string, error) {
	id := strings.TrimSpace(stdout)
	if !idRE.MatchString(id) {
		return "", fmt.Errorf("no job id in qsub output %q", stdout)
	}
	return id, nil
}

// ArrayIDs returns "123[0].server" through "123[size-1].server".
func (Dialect) ArrayIDs(id string, size int) []string {
	out := make([]string, size)
	for i := range out {
		out[i] = strings.Replace(id, "[]", fmt.Sprintf("[%d]", i), 1)
	}
	return out
}

// QueueCmd returns qstat XML output for the jobs, including array subjobs.
func (Dialect) QueueCmd(ids []string) string {
	return "qstat -x -t " + strings.Join(quote(ids), " ")
}

type pbsJob struct {
	JobID      string `xml:"Job_Id"`
	JobState   string `xml:"job_state"`
	ExitStatus *int   `xml:"exit_status"`
	ExecHost   string `xml:"exec_host"`
}

type xmlRecord struct {
	XMLName xml.Name `xml:"Data"`
	Job     []pbsJob
}

// ParseQueue parses qstat XML. Unknown job ids make qstat exit non-zero
// with "Unknown Job Id", and the known ones are still printed.
func (Dialect) ParseQueue(out *remote.Output) (map[string]compute.SchedulerState, error) {
	if out.ExitStatus != 0 && !strings.Contains(out.Stderr, "Unknown Job Id") {
		return nil, fmt.Errorf("qstat exited with status %d: %s", out.ExitStatus, strings.TrimSpace(out.Stderr))
	}
	states := map[string]compute.SchedulerState{}
	if strings.TrimSpace(out.Stdout) == "" {
		return states, nil
	}

	res := xmlRecord{}
	if err := xml.Unmarshal([]byte(out.Stdout), &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal qstat output: %v", err)
	}
	for _, j := range res.Job {
		st := compute.SchedulerState{
			Raw:      j.JobState,
			Status:   stateMap[j.JobState],
			ExitCode: j.ExitStatus,
			Nodes:    j.ExecHost,
		}
		if st.Status == job.Completed && j.ExitStatus != nil {
			st.Status = exitStatus(*j.ExitStatus)
		}
		states[j.JobID] = st
	}
	return states, nil
}

// Torque exit_status values for jobs killed by the server.
const (
	killedWalltime = -11
	killedMemory   = -10
	// 256 + SIGTERM, written when qdel stops a running job.
	killedByQdel = 271
)

func exitStatus(code int) job.Status {
	switch {
	case code == 0:
		return job.Completed
	case code == killedWalltime:
		return job.Timeout
	case code == killedMemory:
		return job.OutOfMemory
	case code == killedByQdel:
		return job.Cancelled
	}
	return job.Failed
}

// AccountingCmd returns "": finished jobs are reported by qstat.
func (Dialect) AccountingCmd([]string) string { return "" }

// ParseAccounting is never called.
func (Dialect) ParseAccounting(*remote.Output) (map[string]compute.SchedulerState, error) {
	return map[string]compute.SchedulerState{}, nil
}

// CancelCmd returns the qdel command.
func (Dialect) CancelCmd(id string) string {
	return "qdel " + quote([]string{id})[0]
}

// Array ids contain brackets, which the shell would glob.
func quote(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = "'" + id + "'"
	}
	return out
}

var stateMap = map[string]job.Status{
	"Q": job.Pending,
	"H": job.Pending,
	"W": job.Pending,
	"T": job.Pending,
	"R": job.Running,
	"E": job.Running,
	"S": job.Running,
	"B": job.Running,
	"C": job.Completed,
	"F": job.Completed,
	"X": job.Completed,
}
