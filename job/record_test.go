package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTransitionTimes(t *testing.T) {
	d, err := NewDescriptor([]string{"echo", "ok"})
	require.NoError(t, err)

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRecord("local", "42", d, t0)
	assert.Equal(t, Pending, r.Status)
	assert.Equal(t, d.Name(), r.Name)

	t1 := t0.Add(time.Second)
	require.NoError(t, r.Transition(Running, t1))
	require.NotNil(t, r.StartTime)
	assert.Equal(t, t1, *r.StartTime)
	assert.Nil(t, r.EndTime)

	t2 := t1.Add(time.Second)
	require.NoError(t, r.Transition(Completed, t2))
	require.NotNil(t, r.EndTime)
	assert.Equal(t, t2, *r.EndTime)

	// Re-applying the terminal state is a no-op and does not touch EndTime.
	require.NoError(t, r.Transition(Completed, t2.Add(time.Hour)))
	assert.Equal(t, t2, *r.EndTime)

	// Leaving a terminal state is refused.
	assert.Error(t, r.Transition(Running, t2))
	assert.Equal(t, Completed, r.Status)
}

func TestRecordExitCode(t *testing.T) {
	r := &Record{}
	_, ok := r.ExitCode()
	assert.False(t, ok)

	r.SetExitCode(3)
	code, ok := r.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 3, code)
	assert.Equal(t, "3", r.Extra[ExtraExitCode])
}

func TestRecordClone(t *testing.T) {
	now := time.Now()
	r := &Record{Backend: "b", ID: "1", Command: []string{"a"}, StartTime: &now, Extra: map[string]string{"k": "v"}}
	c := r.Clone()
	c.Command[0] = "z"
	c.Extra["k"] = "w"
	*c.StartTime = now.Add(time.Hour)

	assert.Equal(t, "a", r.Command[0])
	assert.Equal(t, "v", r.Extra["k"])
	assert.Equal(t, now, *r.StartTime)
	assert.Equal(t, "b/1", r.Key())
}
