package registry

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/boltdb/bolt"
	"github.com/go-test/deep"
	"github.com/ohsu-comp-bio/molq/config"
	"github.com/ohsu-comp-bio/molq/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(config.Registry{
		Path:    filepath.Join(t.TempDir(), "sub", "jobs.db"),
		Timeout: config.Duration(time.Second),
	})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func record(backend, id, name string, status job.Status, submit time.Time) *job.Record {
	return &job.Record{
		Backend:    backend,
		ID:         id,
		Name:       name,
		Status:     status,
		Command:    []string{"echo", id},
		SubmitTime: submit.UTC(),
		Extra:      map[string]string{},
	}
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	reg := openTestRegistry(t)

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := record("hpc", "42", "train", job.Pending, now)
	rec.SetExtra(job.ExtraNodes, "node01")
	require.NoError(t, reg.Put(ctx, rec))

	got, err := reg.Get(ctx, "hpc", "42")
	require.NoError(t, err)
	if diff := deep.Equal(rec, got); diff != nil {
		t.Error(diff)
	}

	// Same id on another backend is a different job.
	_, err = reg.Get(ctx, "local", "42")
	var nf *job.JobNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.True(t, errors.Is(err, job.ErrNotFound))
}

func TestPutRejectsIncompleteKey(t *testing.T) {
	reg := openTestRegistry(t)
	err := reg.Put(context.Background(), &job.Record{Backend: "local"})
	assert.Error(t, err)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	reg := openTestRegistry(t)
	now := time.Now().UTC()
	require.NoError(t, reg.Put(ctx, record("local", "1", "a", job.Running, now)))

	got, err := reg.Update(ctx, "local", "1", func(r *job.Record) error {
		r.SetExitCode(0)
		return r.Transition(job.Completed, now)
	})
	require.NoError(t, err)
	assert.Equal(t, job.Completed, got.Status)

	// Terminal records refuse further transitions, nothing is written.
	_, err = reg.Update(ctx, "local", "1", func(r *job.Record) error {
		return r.Transition(job.Running, now)
	})
	var te *job.TransitionError
	require.True(t, errors.As(err, &te))

	stored, err := reg.Get(ctx, "local", "1")
	require.NoError(t, err)
	assert.Equal(t, job.Completed, stored.Status)
	code, ok := stored.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 0, code)

	_, err = reg.Update(ctx, "local", "missing", func(*job.Record) error { return nil })
	assert.True(t, errors.Is(err, job.ErrNotFound))
}

func TestListFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	reg := openTestRegistry(t)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	arr1 := record("hpc", "9_0", "sweep", job.Running, base.Add(3*time.Minute))
	arr1.SetExtra(job.ExtraArrayID, "9")
	arr2 := record("hpc", "9_1", "sweep", job.Pending, base.Add(3*time.Minute))
	arr2.SetExtra(job.ExtraArrayID, "9")

	for _, r := range []*job.Record{
		record("local", "300", "train-a", job.Completed, base.Add(2*time.Minute)),
		record("local", "100", "train-b", job.Running, base),
		record("hpc", "7", "eval", job.Failed, base.Add(time.Minute)),
		arr2, arr1,
	} {
		require.NoError(t, reg.Put(ctx, r))
	}

	all, err := reg.List(ctx, Filter{})
	require.NoError(t, err)
	var ids []string
	for _, r := range all {
		ids = append(ids, r.Key())
	}
	assert.Equal(t, []string{"local/100", "hpc/7", "local/300", "hpc/9_0", "hpc/9_1"}, ids)

	local, err := reg.List(ctx, Filter{Backend: "local"})
	require.NoError(t, err)
	assert.Len(t, local, 2)

	prefix, err := reg.List(ctx, Filter{NamePrefix: "train"})
	require.NoError(t, err)
	assert.Len(t, prefix, 2)

	running, err := reg.List(ctx, Filter{Statuses: []job.Status{job.Running, job.Pending}})
	require.NoError(t, err)
	assert.Len(t, running, 3)

	arr, err := reg.List(ctx, Filter{Backend: "hpc", ArrayID: "9"})
	require.NoError(t, err)
	assert.Len(t, arr, 2)

	n, err := reg.CountActive(ctx, "hpc")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := reg.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]map[job.Status]int{
		"local": {job.Completed: 1, job.Running: 1},
		"hpc":   {job.Failed: 1, job.Running: 1, job.Pending: 1},
	}, counts)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	reg := openTestRegistry(t)
	now := time.Now().UTC()
	require.NoError(t, reg.Put(ctx, record("local", "1", "a", job.Completed, now)))
	require.NoError(t, reg.Put(ctx, record("local", "2", "b", job.Running, now)))
	require.NoError(t, reg.Put(ctx, record("hpc", "3", "c", job.Failed, now)))

	n, err := reg.Purge(ctx, Filter{Backend: "local"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := reg.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, left, 2)

	n, err = reg.Purge(ctx, Filter{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err = reg.List(ctx, Filter{Backend: "local"})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestUnknownFieldsPreserved(t *testing.T) {
	ctx := context.Background()
	reg := openTestRegistry(t)

	doc := `{"backend":"hpc","id":"5","name":"x","status":"RUNNING",` +
		`"submitTime":"2024-01-01T00:00:00Z","qos":"long","retries":2,` +
		`"extra":{"nodes":"n1"}}`
	err := reg.update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(JobsBucket).Put([]byte("hpc/5"), []byte(doc)); err != nil {
			return err
		}
		idx, err := tx.Bucket(JobsByBackend).CreateBucketIfNotExists([]byte("hpc"))
		if err != nil {
			return err
		}
		return idx.Put([]byte("5"), []byte{})
	})
	require.NoError(t, err)

	got, err := reg.Get(ctx, "hpc", "5")
	require.NoError(t, err)
	assert.Equal(t, job.Running, got.Status)
	assert.Equal(t, map[string]string{"nodes": "n1", "qos": "long", "retries": "2"}, got.Extra)
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	conf := config.Registry{Path: filepath.Join(t.TempDir(), "jobs.db")}

	reg, err := Open(conf)
	require.NoError(t, err)
	require.NoError(t, reg.Put(ctx, record("local", "1", "a", job.Pending, time.Now())))
	require.NoError(t, reg.Close())

	reg, err = Open(conf)
	require.NoError(t, err)
	defer reg.Close()
	_, err = reg.Get(ctx, "local", "1")
	assert.NoError(t, err)
}

func TestSharedFile(t *testing.T) {
	ctx := context.Background()
	conf := config.Registry{
		Path:    filepath.Join(t.TempDir(), "jobs.db"),
		Timeout: config.Duration(2 * time.Second),
	}

	// A long-running command keeps its handle open while other commands
	// read and write the same file.
	holder, err := Open(conf)
	require.NoError(t, err)
	defer holder.Close()
	require.NoError(t, holder.Put(ctx, record("local", "1", "a", job.Running, time.Now())))

	other, err := Open(conf)
	require.NoError(t, err)
	defer other.Close()

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		id := strconv.Itoa(i + 2)
		g.Go(func() error {
			if err := other.Put(ctx, record("local", id, "b", job.Pending, time.Now())); err != nil {
				return err
			}
			_, err := holder.List(ctx, Filter{})
			return err
		})
	}
	require.NoError(t, g.Wait())

	recs, err := holder.List(ctx, Filter{Backend: "local"})
	require.NoError(t, err)
	assert.Len(t, recs, 9)
}

func TestClosed(t *testing.T) {
	reg := openTestRegistry(t)
	require.NoError(t, reg.Close())
	_, err := reg.List(context.Background(), Filter{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCancelledContext(t *testing.T) {
	reg := openTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := reg.List(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}
