package store

import (
	"path/filepath"
	"testing"
	"time"

	"go.etcd.io/bbolt"

	"github.com/SoumadeepCh/FlowSync/internal/dagmodel"
	"github.com/SoumadeepCh/FlowSync/internal/errs"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("open bbolt: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := Open(db)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestPutGetWorkflow(t *testing.T) {
	s := openTestStore(t)
	wf := dagmodel.Workflow{ID: "wf1", Version: 1, Name: "a"}
	if err := s.PutWorkflow(wf); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetWorkflow("wf1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "a" {
		t.Fatalf("got %+v", got)
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetWorkflow("missing")
	if !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("expected NotFound error, got %v", err)
	}
}

func TestWorkflowVersioningArchivesPrior(t *testing.T) {
	s := openTestStore(t)
	s.PutWorkflow(dagmodel.Workflow{ID: "wf1", Version: 1, Name: "v1"})
	s.PutWorkflow(dagmodel.Workflow{ID: "wf1", Version: 2, Name: "v2"})

	current, err := s.GetWorkflow("wf1")
	if err != nil || current.Name != "v2" {
		t.Fatalf("expected current=v2, got %+v err=%v", current, err)
	}

	archived, err := s.GetWorkflowVersion("wf1", 1)
	if err != nil || archived.Name != "v1" {
		t.Fatalf("expected archived v1, got %+v err=%v", archived, err)
	}
}

func TestPutGetExecution(t *testing.T) {
	s := openTestStore(t)
	exec := dagmodel.Execution{ID: "e1", WorkflowID: "wf1", Status: dagmodel.ExecRunning}
	if err := s.PutExecution(exec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetExecution("e1")
	if err != nil || got.Status != dagmodel.ExecRunning {
		t.Fatalf("got %+v err=%v", got, err)
	}
}

func TestListStepsForExecution(t *testing.T) {
	s := openTestStore(t)
	s.PutStep(dagmodel.StepExecution{ID: "s1", ExecutionID: "e1", NodeID: "n1"})
	s.PutStep(dagmodel.StepExecution{ID: "s2", ExecutionID: "e1", NodeID: "n2"})
	s.PutStep(dagmodel.StepExecution{ID: "s3", ExecutionID: "e2", NodeID: "n1"})

	steps, err := s.ListStepsForExecution("e1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
}

func TestDeleteWorkflowKeepsArchive(t *testing.T) {
	s := openTestStore(t)
	s.PutWorkflow(dagmodel.Workflow{ID: "wf1", Version: 1, Name: "v1"})
	if err := s.DeleteWorkflow("wf1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetWorkflow("wf1"); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
	archived, err := s.GetWorkflowVersion("wf1", 1)
	if err != nil || archived.Name != "v1" {
		t.Fatalf("expected archived version still readable, got %+v err=%v", archived, err)
	}
}
