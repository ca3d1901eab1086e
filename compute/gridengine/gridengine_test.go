package gridengine

import (
	"testing"

	"github.com/ohsu-comp-bio/molq/job"
	"github.com/ohsu-comp-bio/molq/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const qstatOut = `job-ID  prior   name       user         state submit/start at     queue                          slots ja-task-ID
-----------------------------------------------------------------------------------------------------------------
     12 0.55500 train      alice        r     05/01/2024 10:00:00 all.q@node01                       4
     13 0.00000 sweep      alice        qw    05/01/2024 10:01:00                                    1 1-3:1
     14 0.55500 sweep2     alice        r     05/01/2024 10:02:00 all.q@node02                       1 2
     15 0.00000 broken     alice        Eqw   05/01/2024 10:03:00                                    1
`

const qacctOut = `==============================================================
qname        all.q
hostname     node01
jobnumber    12
taskid       undefined
failed       0
exit_status  0
==============================================================
qname        all.q
hostname     node02
jobnumber    14
taskid       2
failed       0
exit_status  1
==============================================================
qname        all.q
hostname     node03
jobnumber    16
taskid       undefined
failed       37  : qmaster enforced h_rt, h_cpu, or h_vmem limit
exit_status  137
`

func TestParseSubmit(t *testing.T) {
	d := Dialect{}
	for in, want := range map[string]string{
		"12\n":       "12",
		"13.1-3:1\n": "13",
		"Your job 14 (\"train\") has been submitted\n":             "14",
		"Your job-array 15.1-4:1 (\"sweep\") has been submitted\n": "15",
	} {
		id, err := d.ParseSubmit(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, id)
	}
	_, err := d.ParseSubmit("Unable to run job: denied\n")
	assert.Error(t, err)
}

func TestArrayIDsAndCommands(t *testing.T) {
	d := Dialect{}
	assert.Equal(t, []string{"5.1", "5.2"}, d.ArrayIDs("5", 2))
	assert.Equal(t, "qdel 5 -t 2", d.CancelCmd("5.2"))
	assert.Equal(t, "qdel 5", d.CancelCmd("5"))
	assert.Equal(t, "qacct -j 5 -t 2; qacct -j 6; true", d.AccountingCmd([]string{"5.2", "6"}))
}

func TestParseQueue(t *testing.T) {
	states, err := Dialect{}.ParseQueue(&remote.Output{Stdout: qstatOut})
	require.NoError(t, err)

	assert.Equal(t, job.Running, states["12"].Status)
	assert.Equal(t, "node01", states["12"].Nodes)
	for _, id := range []string{"13.1", "13.2", "13.3"} {
		assert.Equal(t, job.Pending, states[id].Status, id)
	}
	assert.Equal(t, job.Running, states["14.2"].Status)
	assert.Equal(t, job.Failed, states["15"].Status)
	assert.Len(t, states, 6)
}

func TestParseAccounting(t *testing.T) {
	states, err := Dialect{}.ParseAccounting(&remote.Output{Stdout: qacctOut})
	require.NoError(t, err)

	assert.Equal(t, job.Completed, states["12"].Status)
	assert.Equal(t, job.Failed, states["14.2"].Status)
	assert.Equal(t, 1, *states["14.2"].ExitCode)
	assert.Equal(t, job.Failed, states["16"].Status)
	assert.Equal(t, "failed 37", states["16"].Raw)
	assert.Equal(t, "node03", states["16"].Nodes)
}

func TestExpandTasks(t *testing.T) {
	got, err := expandTasks("1,5-9:2")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 5, 7, 9}, got)

	_, err = expandTasks("4-2")
	assert.Error(t, err)
}
