// Package registry persists job records in a single-file bolt database.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boltdb/bolt"
	"github.com/ohsu-comp-bio/molq/config"
	"github.com/ohsu-comp-bio/molq/job"
	"github.com/ohsu-comp-bio/molq/util/fsutil"
)

// JobsBucket maps "backend/id" -> JSON encoded job.Record.
var JobsBucket = []byte("jobs")

// JobsByBackend holds one nested bucket per backend name, mapping id -> nil.
var JobsByBackend = []byte("idx:jobs-by-backend")

// Registry is the durable store of dispatched jobs. It is safe for
// concurrent use, and for use by several processes sharing the same file.
// The database is opened per operation: writes hold bolt's exclusive file
// lock only for the length of one transaction, reads take a shared lock.
type Registry struct {
	path    string
	timeout time.Duration

	// bolt's flock is per open file, so handles in one process are
	// serialized here as well.
	mu     sync.RWMutex
	closed atomic.Bool
}

// ErrClosed is returned by operations on a closed registry.
var ErrClosed = errors.New("registry is closed")

// Open opens (creating if needed) the registry database described by conf.
func Open(conf config.Registry) (*Registry, error) {
	if conf.Path == "" {
		return nil, fmt.Errorf("registry path is empty")
	}
	if err := fsutil.EnsurePath(conf.Path); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}
	timeout := conf.Timeout.D()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	r := &Registry{path: conf.Path, timeout: timeout}

	err := r.update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{JobsBucket, JobsByBackend} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("initializing registry: %w", err)
	}
	return r, nil
}

// Path returns the database file path.
func (r *Registry) Path() string {
	return r.path
}

// Close marks the registry closed. No file lock is held between
// operations, so there is nothing to release.
func (r *Registry) Close() error {
	r.closed.Store(true)
	return nil
}

func (r *Registry) view(fn func(*bolt.Tx) error) error {
	return r.with(true, func(db *bolt.DB) error { return db.View(fn) })
}

func (r *Registry) update(fn func(*bolt.Tx) error) error {
	return r.with(false, func(db *bolt.DB) error { return db.Update(fn) })
}

func (r *Registry) with(readOnly bool, fn func(*bolt.DB) error) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if readOnly {
		r.mu.RLock()
		defer r.mu.RUnlock()
	} else {
		r.mu.Lock()
		defer r.mu.Unlock()
	}

	db, err := bolt.Open(r.path, 0600, &bolt.Options{Timeout: r.timeout, ReadOnly: readOnly})
	if errors.Is(err, bolt.ErrTimeout) {
		return fmt.Errorf("registry %s is locked by another process: %w", r.path, err)
	}
	if err != nil {
		return fmt.Errorf("opening registry %s: %w", r.path, err)
	}
	err = fn(db)
	if cerr := db.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("closing registry %s: %w", r.path, cerr)
	}
	return err
}

// Put inserts or replaces a record.
func (r *Registry) Put(ctx context.Context, rec *job.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Backend == "" || rec.ID == "" {
		return fmt.Errorf("record is missing backend or id")
	}
	return r.update(func(tx *bolt.Tx) error {
		return putRecord(tx, rec)
	})
}

// Get returns the record for (backend, id), or a *job.JobNotFoundError.
func (r *Registry) Get(ctx context.Context, backend, id string) (*job.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *job.Record
	err := r.view(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx, backend, id)
		return err
	})
	return rec, err
}

// Update loads the record for (backend, id), passes it to fn, and stores
// the result, all inside one write transaction. If fn returns an error
// nothing is written and the error is returned.
func (r *Registry) Update(ctx context.Context, backend, id string, fn func(*job.Record) error) (*job.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *job.Record
	err := r.update(func(tx *bolt.Tx) error {
		cur, err := getRecord(tx, backend, id)
		if err != nil {
			return err
		}
		if err := fn(cur); err != nil {
			return err
		}
		// The key is fixed by the stored record.
		cur.Backend, cur.ID = backend, id
		rec = cur
		return putRecord(tx, cur)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Filter selects records. Zero fields match everything.
type Filter struct {
	Backend    string
	Statuses   []job.Status
	NamePrefix string
	ArrayID    string
	// Force allows Purge to delete non-terminal records.
	Force bool
}

func (f Filter) match(rec *job.Record) bool {
	if f.Backend != "" && rec.Backend != f.Backend {
		return false
	}
	if f.NamePrefix != "" && !strings.HasPrefix(rec.Name, f.NamePrefix) {
		return false
	}
	if f.ArrayID != "" && rec.Extra[job.ExtraArrayID] != f.ArrayID {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if rec.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

// List returns the records matching f, oldest submission first.
func (r *Registry) List(ctx context.Context, f Filter) ([]*job.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*job.Record
	err := r.view(func(tx *bolt.Tx) error {
		return forEach(tx, f.Backend, func(rec *job.Record) error {
			if f.match(rec) {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SubmitTime.Equal(out[j].SubmitTime) {
			return out[i].Key() < out[j].Key()
		}
		return out[i].SubmitTime.Before(out[j].SubmitTime)
	})
	return out, nil
}

// CountActive returns the number of non-terminal records of a backend.
func (r *Registry) CountActive(ctx context.Context, backend string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := r.view(func(tx *bolt.Tx) error {
		return forEach(tx, backend, func(rec *job.Record) error {
			if !rec.Status.Terminal() {
				n++
			}
			return nil
		})
	})
	return n, err
}

// StatusCounts returns the number of records per backend and status.
func (r *Registry) StatusCounts(ctx context.Context) (map[string]map[job.Status]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := map[string]map[job.Status]int{}
	err := r.view(func(tx *bolt.Tx) error {
		return forEach(tx, "", func(rec *job.Record) error {
			m, ok := out[rec.Backend]
			if !ok {
				m = map[job.Status]int{}
				out[rec.Backend] = m
			}
			m[rec.Status]++
			return nil
		})
	})
	return out, err
}

// Purge deletes the records matching f and returns how many were removed.
// Non-terminal records are kept unless f.Force is set.
func (r *Registry) Purge(ctx context.Context, f Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := r.update(func(tx *bolt.Tx) error {
		var doomed []*job.Record
		err := forEach(tx, f.Backend, func(rec *job.Record) error {
			if f.match(rec) && (f.Force || rec.Status.Terminal()) {
				doomed = append(doomed, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, rec := range doomed {
			if err := deleteRecord(tx, rec.Backend, rec.ID); err != nil {
				return err
			}
		}
		n = len(doomed)
		return nil
	})
	return n, err
}
