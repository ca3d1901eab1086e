package slurm

import (
	"testing"

	"github.com/ohsu-comp-bio/molq/job"
	"github.com/ohsu-comp-bio/molq/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubmit(t *testing.T) {
	d := Dialect{}
	for in, want := range map[string]string{
		"2\n":                     "2",
		"4821;cluster-a\n":        "4821",
		"Submitted batch job 2\n": "2",
		"  99  ":                  "99",
	} {
		id, err := d.ParseSubmit(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, id)
	}

	for _, bad := range []string{"", "sbatch: error: Batch job submission failed", "abc;x"} {
		_, err := d.ParseSubmit(bad)
		assert.Error(t, err, bad)
	}
}

func TestArrayIDs(t *testing.T) {
	assert.Equal(t, []string{"7_0", "7_1", "7_2"}, Dialect{}.ArrayIDs("7", 3))
}

func TestQueueCmd(t *testing.T) {
	assert.Equal(t, "squeue -h -r -o '%i|%t|%N' -j 1,2", Dialect{}.QueueCmd([]string{"1", "2"}))
	assert.Equal(t, "scancel 1_3", Dialect{}.CancelCmd("1_3"))
}

func TestParseQueue(t *testing.T) {
	states, err := Dialect{}.ParseQueue(&remote.Output{
		Stdout: "10|PD|\n11|R|node[01-02]\n12_3|CG|node03\n13|OOM|node04\n",
	})
	require.NoError(t, err)
	assert.Equal(t, job.Pending, states["10"].Status)
	assert.Equal(t, job.Running, states["11"].Status)
	assert.Equal(t, "node[01-02]", states["11"].Nodes)
	assert.Equal(t, job.Running, states["12_3"].Status)
	assert.Equal(t, job.OutOfMemory, states["13"].Status)
	assert.Equal(t, "OOM", states["13"].Raw)

	states, err = Dialect{}.ParseQueue(&remote.Output{
		ExitStatus: 1,
		Stderr:     "slurm_load_jobs error: Invalid job id specified",
	})
	require.NoError(t, err)
	assert.Empty(t, states)

	_, err = Dialect{}.ParseQueue(&remote.Output{
		ExitStatus: 1,
		Stderr:     "slurm_load_jobs error: Unable to contact slurm controller",
	})
	assert.Error(t, err)
}

func TestParseAccounting(t *testing.T) {
	states, err := Dialect{}.ParseAccounting(&remote.Output{
		Stdout: "20|COMPLETED|0:0|n1\n21|CANCELLED by 1000|0:15|n2\n22|TIMEOUT|0:0|n3\n23|FAILED|2:0|n4\n",
	})
	require.NoError(t, err)

	assert.Equal(t, job.Completed, states["20"].Status)
	require.NotNil(t, states["20"].ExitCode)
	assert.Equal(t, 0, *states["20"].ExitCode)
	assert.Equal(t, job.Cancelled, states["21"].Status)
	assert.Equal(t, "CANCELLED", states["21"].Raw)
	assert.Equal(t, job.Timeout, states["22"].Status)
	assert.Equal(t, job.Failed, states["23"].Status)
	assert.Equal(t, 2, *states["23"].ExitCode)
	assert.Equal(t, "n4", states["23"].Nodes)
}
