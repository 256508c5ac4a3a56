// Package dlq is the dead-letter sink for jobs that exhausted their retry
// budget: an append-only record of what failed, why, and how many times
// it was attempted, kept for operator inspection and (eventually) manual
// replay.
package dlq

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/SoumadeepCh/FlowSync/internal/queue"
)

var bucketDLQ = []byte("dlq")

// Entry is one dead-lettered job.
type Entry struct {
	Job      queue.WorkerJob `json:"job"`
	Error    string          `json:"error"`
	Attempts int             `json:"attempts"`
	FailedAt time.Time       `json:"failedAt"`
}

// DLQ is the bbolt-backed dead-letter store.
type DLQ struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the DLQ bucket in db.
func Open(db *bbolt.DB) (*DLQ, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDLQ)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dlq: open: %w", err)
	}
	return &DLQ{db: db}, nil
}

// Add records job as dead-lettered.
func (d *DLQ) Add(job queue.WorkerJob, cause error) error {
	entry := Entry{
		Job:      job,
		Error:    cause.Error(),
		Attempts: job.Attempts,
		FailedAt: time.Now(),
	}
	err := d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDLQ)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
	if err != nil {
		return fmt.Errorf("dlq: add: %w", err)
	}
	return nil
}

// Items returns every dead-lettered entry.
func (d *DLQ) Items() ([]Entry, error) {
	var out []Entry
	err := d.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDLQ)
		return b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("dlq: items: %w", err)
	}
	return out, nil
}

// Depth reports how many entries the DLQ currently holds.
func (d *DLQ) Depth() (int, error) {
	items, err := d.Items()
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Clear removes jobID from the DLQ, used when an operator manually
// replays it.
func (d *DLQ) Clear(jobID string) error {
	err := d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDLQ).Delete([]byte(jobID))
	})
	if err != nil {
		return fmt.Errorf("dlq: clear: %w", err)
	}
	return nil
}
