package consumer

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.etcd.io/bbolt"

	"github.com/SoumadeepCh/FlowSync/internal/config"
	"github.com/SoumadeepCh/FlowSync/internal/dagmodel"
	"github.com/SoumadeepCh/FlowSync/internal/dlq"
	"github.com/SoumadeepCh/FlowSync/internal/handler"
	"github.com/SoumadeepCh/FlowSync/internal/heartbeat"
	"github.com/SoumadeepCh/FlowSync/internal/idempotency"
	"github.com/SoumadeepCh/FlowSync/internal/metrics"
	"github.com/SoumadeepCh/FlowSync/internal/queue"
	"github.com/SoumadeepCh/FlowSync/internal/store"
)

type fakeSink struct {
	mu      sync.Mutex
	results []StepResult
}

func (f *fakeSink) Handle(ctx context.Context, res StepResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

func setupExecution(t *testing.T, st *store.Store, nodeType dagmodel.NodeType, config map[string]interface{}) (dagmodel.Execution, dagmodel.Node) {
	t.Helper()
	node := dagmodel.Node{ID: "n1", Type: nodeType, Config: config}
	wf := dagmodel.Workflow{
		ID:      "wf1",
		Version: 1,
		Definition: dagmodel.WorkflowDefinition{
			Nodes: []dagmodel.Node{node},
		},
	}
	if err := st.PutWorkflow(wf); err != nil {
		t.Fatalf("put workflow: %v", err)
	}
	exec := dagmodel.Execution{ID: "exec1", WorkflowID: "wf1", WorkflowVersion: 1, Status: dagmodel.ExecRunning, Input: map[string]interface{}{}}
	if err := st.PutExecution(exec); err != nil {
		t.Fatalf("put execution: %v", err)
	}
	return exec, node
}

func TestConsumerProcessSuccess(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, _ := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	defer db.Close()
	st, _ := store.Open(db)
	q, _ := queue.Open(db)
	d, _ := dlq.Open(db)
	hb := heartbeat.NewMonitor(time.Minute)
	idem := idempotency.NewStore(time.Minute)
	defer idem.Close()
	sink := &fakeSink{}
	cfg := config.Load()

	_, _ = setupExecution(t, st, dagmodel.NodeCondition, map[string]interface{}{"expression": "true"})

	step := dagmodel.StepExecution{ID: "s1", ExecutionID: "exec1", NodeID: "n1", NodeType: dagmodel.NodeCondition}
	st.PutStep(step)

	reg := handler.NewDefaultRegistry(5000)
	c := New(q, st, d, hb, idem, reg, sink, cfg, metrics.Noop(), nil)

	job := queue.WorkerJob{ID: "job1", StepID: "s1", ExecutionID: "exec1", NodeID: "n1", NodeType: string(dagmodel.NodeCondition)}
	q.Enqueue(job)
	claimed, ok, _ := q.Dequeue("worker-test")
	if !ok {
		t.Fatal("expected job available")
	}

	c.process(context.Background(), "worker-test", claimed)

	if sink.count() != 1 {
		t.Fatalf("expected 1 result, got %d", sink.count())
	}
	gotStep, err := st.GetStep("s1")
	if err != nil || gotStep.Status != dagmodel.StepCompleted {
		t.Fatalf("expected step completed, got %+v err=%v", gotStep, err)
	}
}

func TestConsumerRetriesOnFailureUnderMaxRetries(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, _ := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	defer db.Close()
	st, _ := store.Open(db)
	q, _ := queue.Open(db)
	d, _ := dlq.Open(db)
	hb := heartbeat.NewMonitor(time.Minute)
	idem := idempotency.NewStore(time.Minute)
	defer idem.Close()
	sink := &fakeSink{}
	cfg := config.Load()

	// actionType "http" with no url triggers a validation error from the handler.
	setupExecution(t, st, dagmodel.NodeAction, map[string]interface{}{"actionType": "http"})
	st.PutStep(dagmodel.StepExecution{ID: "s1", ExecutionID: "exec1", NodeID: "n1", NodeType: dagmodel.NodeAction})

	reg := handler.NewDefaultRegistry(5000)
	c := New(q, st, d, hb, idem, reg, sink, cfg, metrics.Noop(), nil)

	job := queue.WorkerJob{ID: "job1", StepID: "s1", ExecutionID: "exec1", NodeID: "n1", NodeType: string(dagmodel.NodeAction), MaxRetries: 2, BackoffMs: 1, Multiplier: 2}
	q.Enqueue(job)
	claimed, _, _ := q.Dequeue("worker-test")

	c.process(context.Background(), "worker-test", claimed)

	stats, _ := q.Stats()
	if stats.Pending != 1 {
		t.Fatalf("expected job requeued as pending, got %+v", stats)
	}
	depth, _ := d.Depth()
	if depth != 0 {
		t.Fatalf("expected no dead-letter yet, got depth %d", depth)
	}
}

func TestConsumerDeadLettersAfterExhaustingRetries(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, _ := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	defer db.Close()
	st, _ := store.Open(db)
	q, _ := queue.Open(db)
	d, _ := dlq.Open(db)
	hb := heartbeat.NewMonitor(time.Minute)
	idem := idempotency.NewStore(time.Minute)
	defer idem.Close()
	sink := &fakeSink{}
	cfg := config.Load()

	setupExecution(t, st, dagmodel.NodeAction, map[string]interface{}{"actionType": "http"})
	st.PutStep(dagmodel.StepExecution{ID: "s1", ExecutionID: "exec1", NodeID: "n1", NodeType: dagmodel.NodeAction})

	reg := handler.NewDefaultRegistry(5000)
	c := New(q, st, d, hb, idem, reg, sink, cfg, metrics.Noop(), nil)

	job := queue.WorkerJob{ID: "job1", StepID: "s1", ExecutionID: "exec1", NodeID: "n1", NodeType: string(dagmodel.NodeAction), MaxRetries: 0, BackoffMs: 1, Multiplier: 2}
	q.Enqueue(job)
	claimed, _, _ := q.Dequeue("worker-test")

	c.process(context.Background(), "worker-test", claimed)

	depth, _ := d.Depth()
	if depth != 1 {
		t.Fatalf("expected job dead-lettered, depth=%d", depth)
	}
	if sink.count() != 1 {
		t.Fatalf("expected failure forwarded to result sink, got %d", sink.count())
	}
}
