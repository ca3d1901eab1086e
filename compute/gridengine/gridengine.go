// Package gridengine contains the Grid Engine (SGE, UGE, OGS) scheduler dialect.
package gridengine

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

// NewBackend returns a new Grid Engine HPCSubmitter instance.
func NewBackend(conf config.Backend, runner remote.Runner, reg *registry.Registry, log *logger.Logger) *compute.HPCSubmitter {
	return compute.NewHPCSubmitter(conf, Dialect{}, runner, reg, log)
}

// Dialect speaks qsub -terse, qstat, qacct and qdel.
// Array task ids are written "<job>.<task>".
type Dialect struct{}

// Kind returns resources.GridEngine.
func (Dialect) Kind() resources.Kind { return resources.GridEngine }

// SubmitCmd reads the batch script from stdin.
func (Dialect) SubmitCmd() string { return "qsub -terse" }

var (
	// "123" or "123.1-4:1" for arrays.
	terseRE = regexp.MustCompile(`^([0-9]+)(\.[0-9]+-[0-9]+:[0-9]+)?$`)
	// Your job 123 ("name") has been submitted
	verboseRE = regexp.MustCompile(`Your job(?:-array)? ([0-9]+)`)
)

// ParseSubmit returns the numeric job id.
func (Dialect) ParseSubmit(stdout string) (string, error) {
	out := strings.TrimSpace(stdout)
	if m := terseRE.FindStringSubmatch(out); m != nil {
		return m[1], nil
	}
	if m := verboseRE.FindStringSubmatch(out); m != nil {
		return m[1], nil
	}
	return "", fmt.Errorf("no job id in qsub output %q", stdout)
}

// ArrayIDs returns "<id>.1" through "<id>.<size>".
func (Dialect) ArrayIDs(id string, size int) []string {
	out := make([]string, size)
	for i := range out {
		out[i] = fmt.Sprintf("%s.%d", id, i+1)
	}
	return out
}

// QueueCmd lists the user's jobs. qstat cannot filter by id list.
func (Dialect) QueueCmd([]string) string {
	return "qstat"
}

// ParseQueue parses the qstat table:
//
//	job-ID  prior   name  user  state submit/start at     queue  slots ja-task-ID
//	-------------------------------------------------------------------------------
//	    12 0.55500 train alice r     05/01/2024 10:00:00 all.q@n1  1
//	    13 0.00000 sweep alice qw    05/01/2024 10:01:00           1 1-4:1
func (Dialect) ParseQueue(out *remote.Output) (map[string]compute.SchedulerState, error) {
	if out.ExitStatus != 0 {
		return nil, fmt.Errorf("qstat exited with status %d: %s", out.ExitStatus, strings.TrimSpace(out.Stderr))
	}
	states := map[string]compute.SchedulerState{}
	for _, line := range strings.Split(out.Stdout, "\n") {
		f := strings.Fields(line)
		if len(f) < 5 || !isNumber(f[0]) {
			continue
		}
		id, raw := f[0], f[4]
		st := compute.SchedulerState{Raw: raw, Status: queueState(raw)}

		if len(f) < 8 {
			states[id] = st
			continue
		}
		// Running jobs have a queue instance column "all.q@node".
		rest := f[7:]
		if strings.Contains(f[7], "@") {
			st.Nodes = f[7][strings.Index(f[7], "@")+1:]
			rest = f[8:]
		}
		// rest is [slots] or [slots, tasks].
		if len(rest) < 2 {
			states[id] = st
			continue
		}
		tasks, err := expandTasks(rest[1])
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			states[fmt.Sprintf("%s.%d", id, t)] = st
		}
	}
	return states, nil
}

func queueState(raw string) job.Status {
	switch {
	case strings.Contains(raw, "E"):
		return job.Failed
	case strings.HasPrefix(raw, "d"):
		return job.Running
	case strings.Contains(raw, "q"):
		return job.Pending
	case strings.ContainsAny(raw, "rtsST"):
		return job.Running
	}
	return job.Unknown
}

// expandTasks expands task lists such as "3", "1-4:1" and "1,5-9:2".
func expandTasks(spec string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(spec, ",") {
		step := 1
		if i := strings.IndexByte(part, ':'); i >= 0 {
			s, err := strconv.Atoi(part[i+1:])
			if err != nil || s <= 0 {
				return nil, fmt.Errorf("invalid task range %q", spec)
			}
			step, part = s, part[:i]
		}
		lo, hi := part, part
		if i := strings.IndexByte(part, '-'); i >= 0 {
			lo, hi = part[:i], part[i+1:]
		}
		a, err1 := strconv.Atoi(lo)
		b, err2 := strconv.Atoi(hi)
		if err1 != nil || err2 != nil || b < a {
			return nil, fmt.Errorf("invalid task range %q", spec)
		}
		for t := a; t <= b; t += step {
			out = append(out, t)
		}
	}
	return out, nil
}

// AccountingCmd runs qacct once per job. Missing jobs print an error which
// is ignored.
func (Dialect) AccountingCmd(ids []string) string {
	cmds := make([]string, len(ids))
	for i, id := range ids {
		if j, t, ok := strings.Cut(id, "."); ok {
			cmds[i] = fmt.Sprintf("qacct -j %s -t %s", j, t)
		} else {
			cmds[i] = "qacct -j " + id
		}
	}
	return strings.Join(cmds, "; ") + "; true"
}

// ParseAccounting parses qacct records, separated by lines of "=".
func (Dialect) ParseAccounting(out *remote.Output) (map[string]compute.SchedulerState, error) {
	states := map[string]compute.SchedulerState{}
	kv := map[string]string{}
	flush := func() {
		if id := accountingID(kv); id != "" {
			states[id] = accountingState(kv)
		}
		kv = map[string]string{}
	}
	for _, line := range strings.Split(out.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && strings.Trim(line, "=") == "" {
			flush()
			continue
		}
		if f := strings.Fields(line); len(f) >= 2 {
			kv[f[0]] = strings.Join(f[1:], " ")
		}
	}
	flush()
	return states, nil
}

func accountingID(kv map[string]string) string {
	id := kv["jobnumber"]
	if id == "" {
		return ""
	}
	if t := kv["taskid"]; t != "" && t != "undefined" {
		id += "." + t
	}
	return id
}

func accountingState(kv map[string]string) compute.SchedulerState {
	st := compute.SchedulerState{Status: job.Completed, Nodes: kv["hostname"]}
	failed := strings.Fields(kv["failed"])
	if len(failed) > 0 && failed[0] != "0" {
		st.Raw = "failed " + failed[0]
		st.Status = job.Failed
	}
	if code, err := strconv.Atoi(kv["exit_status"]); err == nil {
		st.ExitCode = &code
		if code != 0 {
			st.Status = job.Failed
		}
	}
	return st
}

// CancelCmd returns the qdel command.
func (Dialect) CancelCmd(id string) string {
	if j, t, ok := strings.Cut(id, "."); ok {
		return fmt.Sprintf("qdel %s -t %s", j, t)
	}
	return "qdel " + id
}

func isNumber(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}
