// Package queue implements FlowSync's durable job queue over bbolt.
// Dequeue realizes the "claim one row, skip locked rows" contract by
// running the whole scan-and-claim as a single bbolt write transaction:
// bbolt allows only one writable transaction at a time, so every
// concurrent Dequeue call is fully serialized against every other one —
// a strictly stronger guarantee than a row-level SKIP LOCKED scan, since
// no two callers can ever observe the same row as claimable.
package queue

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

var bucketJobs = []byte("jobs")

// Status is a WorkerJob's place in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
)

// WorkerJob is one unit of dispatchable work: "run this node, for this
// execution, with this payload".
type WorkerJob struct {
	ID          string                 `json:"id"`
	StepID      string                 `json:"stepId"`
	ExecutionID string                 `json:"executionId"`
	NodeID      string                 `json:"nodeId"`
	NodeType    string                 `json:"nodeType"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Attempts    int                    `json:"attempts"`
	MaxRetries  int                    `json:"maxRetries"`
	BackoffMs   int64                  `json:"backoffMs"`
	Multiplier  float64                `json:"multiplier"`
	Status      Status                 `json:"status"`
	WorkerID    string                 `json:"workerId,omitempty"`
	EnqueuedAt  time.Time              `json:"enqueuedAt"`
	AvailableAt time.Time              `json:"availableAt"`
	ClaimedAt   *time.Time             `json:"claimedAt,omitempty"`
}

// Queue is the bbolt-backed durable job queue. The cumulative counters
// are process-local (bbolt has no notion of a historical delta), so they
// reset across restarts; live depth (Stats.Pending/Processing) does not,
// since that's always recomputed from the bucket itself.
type Queue struct {
	db     *bbolt.DB
	notify chan struct{}

	totalEnqueued  int64
	totalProcessed int64
	totalFailed    int64
}

// Open opens (creating if absent) the jobs bucket in db.
func Open(db *bbolt.DB) (*Queue, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketJobs)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("queue: open: %w", err)
	}
	return &Queue{db: db, notify: make(chan struct{}, 1)}, nil
}

// Notify returns a channel that receives a signal (best-effort, never
// blocking) whenever a job becomes enqueued, so idle consumers can wake
// up immediately instead of waiting out their poll interval.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue persists job as pending, available at job.AvailableAt, or
// immediately when that is unset.
func (q *Queue) Enqueue(job WorkerJob) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = job.EnqueuedAt
	}
	job.Status = StatusPending

	err := q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	atomic.AddInt64(&q.totalEnqueued, 1)
	q.wake()
	return nil
}

// Dequeue claims the oldest available pending job for workerID, or
// (WorkerJob{}, false, nil) if none is currently available. The scan
// orders by AvailableAt so delayed retries do not starve ahead of older
// work once they come due.
func (q *Queue) Dequeue(workerID string) (WorkerJob, bool, error) {
	var claimed WorkerJob
	found := false
	now := time.Now()

	err := q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		var candidates []WorkerJob
		err := b.ForEach(func(k, v []byte) error {
			var j WorkerJob
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if j.Status == StatusPending && !j.AvailableAt.After(now) {
				candidates = append(candidates, j)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].AvailableAt.Before(candidates[j].AvailableAt)
		})

		job := candidates[0]
		job.Status = StatusProcessing
		job.WorkerID = workerID
		claimedAt := now
		job.ClaimedAt = &claimedAt

		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(job.ID), data); err != nil {
			return err
		}
		claimed = job
		found = true
		return nil
	})
	if err != nil {
		return WorkerJob{}, false, fmt.Errorf("queue: dequeue: %w", err)
	}
	return claimed, found, nil
}

// MarkDone removes a successfully completed job from the queue.
func (q *Queue) MarkDone(jobID string) error {
	err := q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(jobID))
	})
	if err != nil {
		return fmt.Errorf("queue: markDone: %w", err)
	}
	atomic.AddInt64(&q.totalProcessed, 1)
	return nil
}

// MarkFailed removes a job whose retries are exhausted, counting it
// against totalFailed rather than totalProcessed.
func (q *Queue) MarkFailed(jobID string) error {
	err := q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(jobID))
	})
	if err != nil {
		return fmt.Errorf("queue: markFailed: %w", err)
	}
	atomic.AddInt64(&q.totalFailed, 1)
	return nil
}

// Requeue puts job back as pending, available at availableAt, for a retry
// attempt. Attempts should already reflect the failed attempt.
func (q *Queue) Requeue(job WorkerJob, availableAt time.Time) error {
	job.Status = StatusPending
	job.WorkerID = ""
	job.ClaimedAt = nil
	job.AvailableAt = availableAt

	err := q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
	if err != nil {
		return fmt.Errorf("queue: requeue: %w", err)
	}
	q.wake()
	return nil
}

// Remove deletes job unconditionally without counting it as processed or
// failed; the consumer uses it to drop jobs whose step, execution,
// workflow or node can no longer be found.
func (q *Queue) Remove(jobID string) error {
	err := q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(jobID))
	})
	if err != nil {
		return fmt.Errorf("queue: remove: %w", err)
	}
	return nil
}

// Stats reports current queue depth split by status, plus the
// process-local cumulative lifetime counters.
type Stats struct {
	Pending    int
	Processing int

	TotalEnqueued  int64
	TotalProcessed int64
	TotalFailed    int64
}

func (q *Queue) Stats() (Stats, error) {
	var s Stats
	err := q.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var j WorkerJob
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			switch j.Status {
			case StatusPending:
				s.Pending++
			case StatusProcessing:
				s.Processing++
			}
			return nil
		})
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	s.TotalEnqueued = atomic.LoadInt64(&q.totalEnqueued)
	s.TotalProcessed = atomic.LoadInt64(&q.totalProcessed)
	s.TotalFailed = atomic.LoadInt64(&q.totalFailed)
	return s, nil
}

// HasStepJob reports whether any job in the queue (pending or processing)
// corresponds to stepID, regardless of which status it's currently in.
func (q *Queue) HasStepJob(stepID string) (bool, error) {
	found := false
	err := q.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			if found {
				return nil
			}
			var j WorkerJob
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if j.StepID == stepID {
				found = true
			}
			return nil
		})
	})
	if err != nil {
		return false, fmt.Errorf("queue: hasStepJob: %w", err)
	}
	return found, nil
}

// Reclaim resets every job stuck in StatusProcessing whose ClaimedAt is
// older than olderThan back to pending, available immediately, counting
// the abandoned run as an attempt (Attempts is capped at MaxRetries+1). This
// recovers work abandoned by a worker that crashed or was killed without
// a chance to requeue or mark done.
func (q *Queue) Reclaim(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	reclaimed := 0

	err := q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		var stale []WorkerJob
		err := b.ForEach(func(k, v []byte) error {
			var j WorkerJob
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if j.Status == StatusProcessing && j.ClaimedAt != nil && j.ClaimedAt.Before(cutoff) {
				stale = append(stale, j)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, j := range stale {
			j.Status = StatusPending
			j.WorkerID = ""
			j.ClaimedAt = nil
			j.AvailableAt = time.Now()
			if j.Attempts < j.MaxRetries+1 {
				j.Attempts++
			}
			data, err := json.Marshal(j)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(j.ID), data); err != nil {
				return err
			}
			reclaimed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue: reclaim: %w", err)
	}
	if reclaimed > 0 {
		q.wake()
	}
	return reclaimed, nil
}
