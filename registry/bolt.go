package registry

import (
	"encoding/json"
	"fmt"

	"github.com/boltdb/bolt"
	"github.com/ohsu-comp-bio/molq/job"
)

// knownFields are the JSON fields of job.Record. Anything else found in a
// stored document was written by a newer or older version and is folded
// into Extra on read.
var knownFields = map[string]bool{
	"backend":    true,
	"id":         true,
	"name":       true,
	"status":     true,
	"command":    true,
	"workDir":    true,
	"submitTime": true,
	"startTime":  true,
	"endTime":    true,
	"extra":      true,
}

func putRecord(tx *bolt.Tx, rec *job.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", rec.Key(), err)
	}
	if err := tx.Bucket(JobsBucket).Put([]byte(rec.Key()), b); err != nil {
		return err
	}
	idx, err := tx.Bucket(JobsByBackend).CreateBucketIfNotExists([]byte(rec.Backend))
	if err != nil {
		return err
	}
	return idx.Put([]byte(rec.ID), []byte{})
}

func getRecord(tx *bolt.Tx, backend, id string) (*job.Record, error) {
	raw := tx.Bucket(JobsBucket).Get([]byte(job.Key(backend, id)))
	if raw == nil {
		return nil, &job.JobNotFoundError{Backend: backend, ID: id}
	}
	return decodeRecord(raw)
}

func deleteRecord(tx *bolt.Tx, backend, id string) error {
	if err := tx.Bucket(JobsBucket).Delete([]byte(job.Key(backend, id))); err != nil {
		return err
	}
	if idx := tx.Bucket(JobsByBackend).Bucket([]byte(backend)); idx != nil {
		return idx.Delete([]byte(id))
	}
	return nil
}

// forEach calls fn for every record, or only the records of one backend
// when backend is not empty.
func forEach(tx *bolt.Tx, backend string, fn func(*job.Record) error) error {
	jobs := tx.Bucket(JobsBucket)
	if backend == "" {
		return jobs.ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return fmt.Errorf("decoding record %s: %w", k, err)
			}
			return fn(rec)
		})
	}

	idx := tx.Bucket(JobsByBackend).Bucket([]byte(backend))
	if idx == nil {
		return nil
	}
	return idx.ForEach(func(k, _ []byte) error {
		v := jobs.Get([]byte(job.Key(backend, string(k))))
		if v == nil {
			return nil
		}
		rec, err := decodeRecord(v)
		if err != nil {
			return fmt.Errorf("decoding record %s: %w", k, err)
		}
		return fn(rec)
	})
}

func decodeRecord(raw []byte) (*job.Record, error) {
	rec := &job.Record{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		if knownFields[k] {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			s = string(v)
		}
		if _, exists := rec.Extra[k]; !exists {
			rec.SetExtra(k, s)
		}
	}
	if rec.Extra == nil {
		rec.Extra = map[string]string{}
	}
	return rec, nil
}
