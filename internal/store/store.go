// Package store persists workflows, executions, steps, and triggers over
// bbolt, with current workflow snapshots served from an in-memory cache
// that Open warms from bbolt and every workflow write updates. Workflow writes are
// versioned: overwriting a workflow first archives the prior version, so
// an Execution can keep referring to the exact snapshot it was started
// against even after the workflow is edited.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/SoumadeepCh/FlowSync/internal/dagmodel"
	"github.com/SoumadeepCh/FlowSync/internal/errs"
)

var (
	bucketWorkflows = []byte("workflows")
	bucketVersions  = []byte("workflow_versions")
	bucketExecutions = []byte("executions")
	bucketSteps     = []byte("steps")
	bucketTriggers  = []byte("triggers")
	bucketAudit     = []byte("audit")
)

// Store is the bbolt-backed persistence layer with a hot in-memory cache
// over the latest workflow snapshot per ID.
type Store struct {
	db *bbolt.DB

	mu        sync.RWMutex
	workflows map[string]dagmodel.Workflow
}

// Open opens (creating if absent) every bucket Store uses, then warms its
// in-memory workflow cache.
func Open(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketWorkflows, bucketVersions, bucketExecutions, bucketSteps, bucketTriggers, bucketAudit} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	s := &Store{db: db, workflows: make(map[string]dagmodel.Workflow)}
	if err := s.warmCache(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWorkflows)
		return b.ForEach(func(k, v []byte) error {
			var wf dagmodel.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return err
			}
			s.mu.Lock()
			s.workflows[wf.ID] = wf
			s.mu.Unlock()
			return nil
		})
	})
}

// PutWorkflow stores wf as the current snapshot for its ID, archiving
// whatever was previously current into the versions bucket first so it
// remains retrievable by executions that started against it.
func (s *Store) PutWorkflow(wf dagmodel.Workflow) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		wfBucket := tx.Bucket(bucketWorkflows)
		verBucket := tx.Bucket(bucketVersions)

		if existing := wfBucket.Get([]byte(wf.ID)); existing != nil {
			var prev dagmodel.Workflow
			if err := json.Unmarshal(existing, &prev); err != nil {
				return err
			}
			verKey := versionKey(prev.ID, prev.Version)
			if err := verBucket.Put([]byte(verKey), existing); err != nil {
				return err
			}
		}

		data, err := json.Marshal(wf)
		if err != nil {
			return err
		}
		return wfBucket.Put([]byte(wf.ID), data)
	})
	if err != nil {
		return fmt.Errorf("store: putWorkflow: %w", err)
	}

	s.mu.Lock()
	s.workflows[wf.ID] = wf
	s.mu.Unlock()
	return nil
}

func versionKey(id string, version int) string {
	return fmt.Sprintf("%s:%06d", id, version)
}

// GetWorkflow returns the current snapshot for id from the in-memory
// cache; a cache miss is reported as NotFound without reading bbolt.
func (s *Store) GetWorkflow(id string) (dagmodel.Workflow, error) {
	s.mu.RLock()
	wf, ok := s.workflows[id]
	s.mu.RUnlock()
	if ok {
		return wf, nil
	}
	return dagmodel.Workflow{}, errs.NotFound(fmt.Sprintf("workflow %q not found", id), nil)
}

// GetWorkflowVersion returns a specific archived version, or the current
// snapshot if it matches version.
func (s *Store) GetWorkflowVersion(id string, version int) (dagmodel.Workflow, error) {
	if wf, err := s.GetWorkflow(id); err == nil && wf.Version == version {
		return wf, nil
	}

	var wf dagmodel.Workflow
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketVersions).Get([]byte(versionKey(id, version)))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &wf)
	})
	if err != nil {
		return dagmodel.Workflow{}, fmt.Errorf("store: getWorkflowVersion: %w", err)
	}
	if !found {
		return dagmodel.Workflow{}, errs.NotFound(fmt.Sprintf("workflow %q version %d not found", id, version), nil)
	}
	return wf, nil
}

// ListWorkflows returns every current workflow snapshot.
func (s *Store) ListWorkflows() []dagmodel.Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]dagmodel.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeleteWorkflow archives the current snapshot and removes it from the
// live set; prior executions remain readable via GetWorkflowVersion.
func (s *Store) DeleteWorkflow(id string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		wfBucket := tx.Bucket(bucketWorkflows)
		existing := wfBucket.Get([]byte(id))
		if existing == nil {
			return nil
		}
		var prev dagmodel.Workflow
		if err := json.Unmarshal(existing, &prev); err != nil {
			return err
		}
		if err := tx.Bucket(bucketVersions).Put([]byte(versionKey(prev.ID, prev.Version)), existing); err != nil {
			return err
		}
		return wfBucket.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("store: deleteWorkflow: %w", err)
	}

	s.mu.Lock()
	delete(s.workflows, id)
	s.mu.Unlock()
	return nil
}

// PutExecution persists an Execution row.
func (s *Store) PutExecution(exec dagmodel.Execution) error {
	return putJSON(s.db, bucketExecutions, exec.ID, exec)
}

// GetExecution retrieves an Execution row by ID.
func (s *Store) GetExecution(id string) (dagmodel.Execution, error) {
	var exec dagmodel.Execution
	ok, err := getJSON(s.db, bucketExecutions, id, &exec)
	if err != nil {
		return dagmodel.Execution{}, err
	}
	if !ok {
		return dagmodel.Execution{}, errs.NotFound(fmt.Sprintf("execution %q not found", id), nil)
	}
	return exec, nil
}

// ListExecutionsForWorkflow returns every execution for workflowID.
func (s *Store) ListExecutionsForWorkflow(workflowID string) ([]dagmodel.Execution, error) {
	var out []dagmodel.Execution
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExecutions).ForEach(func(k, v []byte) error {
			var e dagmodel.Execution
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.WorkflowID == workflowID {
				out = append(out, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: listExecutionsForWorkflow: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// PutStep persists a StepExecution row.
func (s *Store) PutStep(step dagmodel.StepExecution) error {
	return putJSON(s.db, bucketSteps, step.ID, step)
}

// GetStep retrieves a StepExecution row by ID.
func (s *Store) GetStep(id string) (dagmodel.StepExecution, error) {
	var step dagmodel.StepExecution
	ok, err := getJSON(s.db, bucketSteps, id, &step)
	if err != nil {
		return dagmodel.StepExecution{}, err
	}
	if !ok {
		return dagmodel.StepExecution{}, errs.NotFound(fmt.Sprintf("step %q not found", id), nil)
	}
	return step, nil
}

// ListStepsForExecution returns every step row belonging to executionID.
func (s *Store) ListStepsForExecution(executionID string) ([]dagmodel.StepExecution, error) {
	var out []dagmodel.StepExecution
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSteps).ForEach(func(k, v []byte) error {
			var step dagmodel.StepExecution
			if err := json.Unmarshal(v, &step); err != nil {
				return err
			}
			if step.ExecutionID == executionID {
				out = append(out, step)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: listStepsForExecution: %w", err)
	}
	return out, nil
}

// ListPendingSteps returns every step row, across every execution, still
// in StepPending status. Used by the publisher's rescan pass (OQ-2) to
// find steps a prior publish dropped under backpressure with no
// corresponding queue job.
func (s *Store) ListPendingSteps() ([]dagmodel.StepExecution, error) {
	var out []dagmodel.StepExecution
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSteps).ForEach(func(k, v []byte) error {
			var step dagmodel.StepExecution
			if err := json.Unmarshal(v, &step); err != nil {
				return err
			}
			if step.Status == dagmodel.StepPending {
				out = append(out, step)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: listPendingSteps: %w", err)
	}
	return out, nil
}

// PutTrigger persists a Trigger row.
func (s *Store) PutTrigger(trg dagmodel.Trigger) error {
	return putJSON(s.db, bucketTriggers, trg.ID, trg)
}

// GetTrigger retrieves a Trigger row by ID.
func (s *Store) GetTrigger(id string) (dagmodel.Trigger, error) {
	var trg dagmodel.Trigger
	ok, err := getJSON(s.db, bucketTriggers, id, &trg)
	if err != nil {
		return dagmodel.Trigger{}, err
	}
	if !ok {
		return dagmodel.Trigger{}, errs.NotFound(fmt.Sprintf("trigger %q not found", id), nil)
	}
	return trg, nil
}

// ListTriggers returns every trigger row, optionally filtered to a single
// workflow when workflowID is non-empty.
func (s *Store) ListTriggers(workflowID string) ([]dagmodel.Trigger, error) {
	var out []dagmodel.Trigger
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTriggers).ForEach(func(k, v []byte) error {
			var trg dagmodel.Trigger
			if err := json.Unmarshal(v, &trg); err != nil {
				return err
			}
			if workflowID == "" || trg.WorkflowID == workflowID {
				out = append(out, trg)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: listTriggers: %w", err)
	}
	return out, nil
}

// AppendAudit persists an audit row. Audit rows are write-only from the
// engine's perspective: nothing downstream reads them back to make a
// control-flow decision.
func (s *Store) AppendAudit(entry dagmodel.AuditLog) error {
	return putJSON(s.db, bucketAudit, entry.ID, entry)
}

// ListAudit returns every recorded audit row.
func (s *Store) ListAudit() ([]dagmodel.AuditLog, error) {
	var out []dagmodel.AuditLog
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAudit).ForEach(func(k, v []byte) error {
			var e dagmodel.AuditLog
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: listAudit: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func putJSON(db *bbolt.DB, bucket []byte, key string, v interface{}) error {
	err := db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("store: put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func getJSON(db *bbolt.DB, bucket []byte, key string, out interface{}) (bool, error) {
	found := false
	err := db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, out)
	})
	if err != nil {
		return false, fmt.Errorf("store: get %s/%s: %w", bucket, key, err)
	}
	return found, nil
}
