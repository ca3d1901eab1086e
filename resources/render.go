// Package resources maps job descriptors onto scheduler-native batch
// scripts. It is the only place which knows scheduler flag syntax.
package resources

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/kballard/go-shellquote"
	"github.com/ohsu-comp-bio/molq/config"
	"github.com/ohsu-comp-bio/molq/job"
)

// Kind identifies a scheduler flavor.
type Kind string

// Supported scheduler kinds.
const (
	Slurm      Kind = config.Slurm
	PBS        Kind = config.PBS
	GridEngine Kind = config.GridEngine
)

// Script is a rendered batch script.
type Script struct {
	Kind Kind
	// Directives are the scheduler flags, without the "#SBATCH"-style prefix.
	Directives []string
	Text       string
}

type templateData struct {
	Name       string
	WorkDir    string
	Directives []string
	Env        []string
	Setup      []string
	Command    string
}

// Render renders d into a batch script for the given scheduler kind.
// tpl is a text/template; an empty string selects the default template.
// Any validation error is an *job.InvalidResourceSpecError or
// *job.UnsupportedResourceError.
func Render(d *job.Descriptor, kind Kind, tpl string) (*Script, error) {
	if d == nil {
		return nil, &job.InvalidResourceSpecError{Reason: "nil descriptor"}
	}
	if tpl == "" {
		tpl = config.DefaultTemplate(string(kind))
	}
	if tpl == "" {
		return nil, &job.InvalidResourceSpecError{Field: "kind", Reason: fmt.Sprintf("unknown scheduler kind %q", kind)}
	}

	dirs, err := Directives(d, kind)
	if err != nil {
		return nil, err
	}

	t, err := template.New(string(kind)).Parse(tpl)
	if err != nil {
		return nil, &job.InvalidResourceSpecError{Field: "template", Err: err}
	}

	data := templateData{
		Name:       d.Name(),
		Directives: dirs,
		Command:    job.QuoteCommand(d.Command()),
	}
	if d.WorkDir() != "" {
		data.WorkDir = shellquote.Join(d.WorkDir())
	}
	env := d.Env()
	for _, k := range d.EnvKeys() {
		data.Env = append(data.Env, k+"="+shellquote.Join(env[k]))
	}
	data.Setup = CondaSetup(d.CondaEnv())

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, &job.InvalidResourceSpecError{Field: "template", Err: err}
	}
	return &Script{Kind: kind, Directives: dirs, Text: buf.String()}, nil
}

// CondaSetup returns the shell lines activating a conda environment, or
// nil when env is empty.
func CondaSetup(env string) []string {
	if env == "" {
		return nil
	}
	return []string{
		`source "$(conda info --base)/etc/profile.d/conda.sh"`,
		"conda activate " + shellquote.Join(env),
	}
}

// WrapConda returns argv running args inside the conda environment env.
// args is passed through unchanged as positional parameters.
func WrapConda(env string, args []string) []string {
	if env == "" {
		return args
	}
	script := strings.Join(append(CondaSetup(env), `exec "$@"`), " && ")
	return append([]string{"bash", "-c", script, "molq"}, args...)
}

// Directives renders the scheduler flags for d.
func Directives(d *job.Descriptor, kind Kind) ([]string, error) {
	switch kind {
	case Slurm:
		return slurmDirectives(d)
	case PBS:
		return pbsDirectives(d)
	case GridEngine:
		return gridEngineDirectives(d)
	}
	return nil, &job.InvalidResourceSpecError{Field: "kind", Reason: fmt.Sprintf("unknown scheduler kind %q", kind)}
}

// DependencyFlag renders the "run after these complete successfully" flag.
func DependencyFlag(kind Kind, ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	switch kind {
	case Slurm:
		return "--dependency=afterok:" + strings.Join(ids, ":")
	case PBS:
		return "-W depend=afterok:" + strings.Join(ids, ":")
	case GridEngine:
		return "-hold_jid " + strings.Join(ids, ",")
	}
	return ""
}

func slurmDirectives(d *job.Descriptor) ([]string, error) {
	out := []string{"--job-name=" + d.Name()}
	if d.Output() != "" {
		out = append(out, "--output="+d.Output())
	}
	if d.Error() != "" {
		out = append(out, "--error="+d.Error())
	}

	r := d.Resources()
	if r.IsZero() {
		return out, nil
	}
	if r.CPUCount > 0 {
		out = append(out, fmt.Sprintf("--ntasks=%d", r.CPUCount))
	}
	if r.Memory != "" {
		b, err := ParseMemory(r.Memory)
		if err != nil {
			return nil, &job.InvalidResourceSpecError{Field: "memory", Err: err}
		}
		out = append(out, "--mem="+formatMemory(b, [4]string{"K", "M", "G", "T"}))
	}
	if r.TimeLimit != "" {
		t, err := ParseTimeLimit(r.TimeLimit)
		if err != nil {
			return nil, &job.InvalidResourceSpecError{Field: "timeLimit", Err: err}
		}
		out = append(out, "--time="+formatClock(t, true))
	}
	if r.Queue != "" {
		out = append(out, "--partition="+r.Queue)
	}
	if r.Account != "" {
		out = append(out, "--account="+r.Account)
	}
	if r.GPUCount > 0 {
		if r.GPUType != "" {
			out = append(out, fmt.Sprintf("--gres=gpu:%s:%d", r.GPUType, r.GPUCount))
		} else {
			out = append(out, fmt.Sprintf("--gres=gpu:%d", r.GPUCount))
		}
	}
	if r.Email != "" {
		out = append(out, "--mail-user="+r.Email)
	}
	if len(r.EmailEvents) > 0 {
		out = append(out, "--mail-type="+slurmMailType(r.EmailEvents))
	}
	if r.Priority != "" {
		p, err := priority(r.Priority, slurmPriority)
		if err != nil {
			return nil, err
		}
		out = append(out, "--priority="+p)
	}
	if r.Exclusive {
		out = append(out, "--exclusive")
	}
	if dep := DependencyFlag(Slurm, r.Dependency); dep != "" {
		out = append(out, dep)
	}
	if r.ArraySize > 0 {
		a := fmt.Sprintf("--array=0-%d", r.ArraySize-1)
		if r.ArrayLimit > 0 {
			a += fmt.Sprintf("%%%d", r.ArrayLimit)
		}
		out = append(out, a)
	}
	return append(out, extraFlags(r.Extra, "=")...), nil
}

func pbsDirectives(d *job.Descriptor) ([]string, error) {
	out := []string{"-N " + d.Name()}
	if d.Output() != "" {
		out = append(out, "-o "+d.Output())
	}
	if d.Error() != "" {
		out = append(out, "-e "+d.Error())
	}

	r := d.Resources()
	if r.IsZero() {
		return out, nil
	}

	sel := []string{}
	if r.CPUCount > 0 {
		sel = append(sel, fmt.Sprintf("ncpus=%d", r.CPUCount))
	}
	if r.Memory != "" {
		b, err := ParseMemory(r.Memory)
		if err != nil {
			return nil, &job.InvalidResourceSpecError{Field: "memory", Err: err}
		}
		sel = append(sel, "mem="+formatMemory(b, [4]string{"kb", "mb", "gb", "tb"}))
	}
	if r.GPUCount > 0 {
		sel = append(sel, fmt.Sprintf("ngpus=%d", r.GPUCount))
		if r.GPUType != "" {
			sel = append(sel, "gpu_model="+r.GPUType)
		}
	}
	if len(sel) > 0 {
		out = append(out, "-l select=1:"+strings.Join(sel, ":"))
	}
	if r.TimeLimit != "" {
		t, err := ParseTimeLimit(r.TimeLimit)
		if err != nil {
			return nil, &job.InvalidResourceSpecError{Field: "timeLimit", Err: err}
		}
		out = append(out, "-l walltime="+formatClock(t, false))
	}
	if r.Queue != "" {
		out = append(out, "-q "+r.Queue)
	}
	if r.Account != "" {
		out = append(out, "-A "+r.Account)
	}
	if r.Email != "" {
		out = append(out, "-M "+r.Email)
	}
	if len(r.EmailEvents) > 0 {
		out = append(out, "-m "+mailLetters(r.EmailEvents))
	}
	if r.Priority != "" {
		p, err := priority(r.Priority, signedPriority)
		if err != nil {
			return nil, err
		}
		out = append(out, "-p "+p)
	}
	if r.Exclusive {
		out = append(out, "-l place=excl")
	}
	if dep := DependencyFlag(PBS, r.Dependency); dep != "" {
		out = append(out, dep)
	}
	if r.ArraySize > 0 {
		if r.ArrayLimit > 0 {
			return nil, &job.UnsupportedResourceError{Backend: string(PBS), Resource: "arrayLimit"}
		}
		out = append(out, fmt.Sprintf("-J 0-%d", r.ArraySize-1))
	}
	return append(out, extraFlags(r.Extra, " ")...), nil
}

func gridEngineDirectives(d *job.Descriptor) ([]string, error) {
	out := []string{"-N " + d.Name()}
	if d.Output() != "" {
		out = append(out, "-o "+d.Output())
	}
	if d.Error() != "" {
		out = append(out, "-e "+d.Error())
	}

	r := d.Resources()
	if r.IsZero() {
		return out, nil
	}
	if r.GPUCount > 0 {
		return nil, &job.UnsupportedResourceError{Backend: string(GridEngine), Resource: "gpuCount"}
	}
	if r.CPUCount > 0 {
		out = append(out, fmt.Sprintf("-pe smp %d", r.CPUCount))
	}
	if r.Memory != "" {
		b, err := ParseMemory(r.Memory)
		if err != nil {
			return nil, &job.InvalidResourceSpecError{Field: "memory", Err: err}
		}
		out = append(out, "-l h_vmem="+formatMemory(b, [4]string{"K", "M", "G", "T"}))
	}
	if r.TimeLimit != "" {
		t, err := ParseTimeLimit(r.TimeLimit)
		if err != nil {
			return nil, &job.InvalidResourceSpecError{Field: "timeLimit", Err: err}
		}
		out = append(out, "-l h_rt="+formatClock(t, false))
	}
	if r.Queue != "" {
		out = append(out, "-q "+r.Queue)
	}
	if r.Account != "" {
		out = append(out, "-P "+r.Account)
	}
	if r.Email != "" {
		out = append(out, "-M "+r.Email)
	}
	if len(r.EmailEvents) > 0 {
		out = append(out, "-m "+mailLetters(r.EmailEvents))
	}
	if r.Priority != "" {
		p, err := priority(r.Priority, signedPriority)
		if err != nil {
			return nil, err
		}
		out = append(out, "-p "+p)
	}
	if r.Exclusive {
		out = append(out, "-l exclusive=true")
	}
	if dep := DependencyFlag(GridEngine, r.Dependency); dep != "" {
		out = append(out, dep)
	}
	if r.ArraySize > 0 {
		out = append(out, fmt.Sprintf("-t 1-%d", r.ArraySize))
		if r.ArrayLimit > 0 {
			out = append(out, fmt.Sprintf("-tc %d", r.ArrayLimit))
		}
	}
	return append(out, extraFlags(r.Extra, " ")...), nil
}

var slurmPriority = map[string]string{
	"low":    "100",
	"normal": "500",
	"high":   "1000",
}

var signedPriority = map[string]string{
	"low":    "-100",
	"normal": "0",
	"high":   "100",
}

func priority(raw string, named map[string]string) (string, error) {
	if p, ok := named[strings.ToLower(raw)]; ok {
		return p, nil
	}
	if _, err := strconv.Atoi(raw); err != nil {
		return "", &job.InvalidResourceSpecError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", raw)}
	}
	return raw, nil
}

func slurmMailType(events []string) string {
	m := map[string]string{
		"start": "BEGIN",
		"end":   "END",
		"fail":  "FAIL",
		"all":   "ALL",
	}
	out := make([]string, 0, len(events))
	for _, e := range events {
		if v, ok := m[strings.ToLower(e)]; ok {
			out = append(out, v)
		} else {
			out = append(out, strings.ToUpper(e))
		}
	}
	return strings.Join(out, ",")
}

// mailLetters renders PBS/SGE style mail options: b(egin), e(nd), a(bort).
func mailLetters(events []string) string {
	set := map[byte]bool{}
	for _, e := range events {
		switch strings.ToLower(e) {
		case "start":
			set['b'] = true
		case "end":
			set['e'] = true
		case "fail":
			set['a'] = true
		case "all":
			set['a'], set['b'], set['e'] = true, true, true
		}
	}
	var b strings.Builder
	for _, c := range []byte("abe") {
		if set[c] {
			b.WriteByte(c)
		}
	}
	if b.Len() == 0 {
		return "n"
	}
	return b.String()
}

// extraFlags renders raw flags in key order. Keys without a leading dash get
// "--" for slurm style (sep "=") and "-" otherwise.
func extraFlags(extra map[string]string, sep string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		flag := k
		if !strings.HasPrefix(flag, "-") {
			if sep == "=" {
				flag = "--" + flag
			} else {
				flag = "-" + flag
			}
		}
		if v := extra[k]; v != "" {
			flag += sep + v
		}
		out = append(out, flag)
	}
	return out
}
