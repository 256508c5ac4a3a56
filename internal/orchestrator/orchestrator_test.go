package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.etcd.io/bbolt"

	"github.com/SoumadeepCh/FlowSync/internal/backpressure"
	"github.com/SoumadeepCh/FlowSync/internal/config"
	"github.com/SoumadeepCh/FlowSync/internal/consumer"
	"github.com/SoumadeepCh/FlowSync/internal/dagmodel"
	"github.com/SoumadeepCh/FlowSync/internal/dlq"
	"github.com/SoumadeepCh/FlowSync/internal/handler"
	"github.com/SoumadeepCh/FlowSync/internal/heartbeat"
	"github.com/SoumadeepCh/FlowSync/internal/idempotency"
	"github.com/SoumadeepCh/FlowSync/internal/metrics"
	"github.com/SoumadeepCh/FlowSync/internal/publisher"
	"github.com/SoumadeepCh/FlowSync/internal/queue"
	"github.com/SoumadeepCh/FlowSync/internal/resulthandler"
	"github.com/SoumadeepCh/FlowSync/internal/store"
)

// rig wires every runtime component together the way cmd/flowsync does,
// so ExecuteWorkflow can be exercised end to end against a real
// consumer/result-handler pipeline instead of a mock.
type rig struct {
	orch   *Orchestrator
	cancel context.CancelFunc
}

func newRig(t *testing.T) *rig {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("open bbolt: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st, err := store.Open(db)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	q, err := queue.Open(db)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	d, err := dlq.Open(db)
	if err != nil {
		t.Fatalf("open dlq: %v", err)
	}
	idem := idempotency.NewStore(time.Minute)
	t.Cleanup(idem.Close)
	bp := backpressure.New(backpressure.Thresholds{LowWater: 200, HighWater: 800, MaxDepth: 1000})
	cfg := config.Load()
	cfg.MaxConcurrency = 2
	cfg.PollInterval = 10 * time.Millisecond
	cfg.OrchestratorTimeout = 2 * time.Second

	pub := publisher.New(st, q, idem, bp, cfg, metrics.Noop())
	orch := New(st, pub, cfg, metrics.Noop(), nil)
	resHandler := resulthandler.New(st, pub, orch, nil)
	hb := heartbeat.NewMonitor(time.Minute)
	reg := handler.NewDefaultRegistry(5000)
	cons := consumer.New(q, st, d, hb, idem, reg, resHandler, cfg, metrics.Noop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go cons.Run(ctx)

	return &rig{orch: orch, cancel: cancel}
}

func putActiveWorkflow(t *testing.T, orch *Orchestrator, def dagmodel.WorkflowDefinition) string {
	t.Helper()
	wf := dagmodel.Workflow{ID: "wf1", Version: 1, Status: dagmodel.WorkflowActive, Definition: def}
	if err := orch.store.PutWorkflow(wf); err != nil {
		t.Fatalf("put workflow: %v", err)
	}
	return wf.ID
}

func TestExecuteWorkflowLinearCompletes(t *testing.T) {
	r := newRig(t)
	defer r.cancel()

	def := dagmodel.WorkflowDefinition{
		Nodes: []dagmodel.Node{
			{ID: "start", Type: dagmodel.NodeStart},
			{ID: "transform", Type: dagmodel.NodeTransform, Config: map[string]interface{}{
				"mappings": map[string]interface{}{"greeting": "hi {{$input.name}}"},
			}},
			{ID: "end", Type: dagmodel.NodeEnd},
		},
		Edges: []dagmodel.Edge{
			{ID: "e1", Source: "start", Target: "transform"},
			{ID: "e2", Source: "transform", Target: "end"},
		},
	}
	wfID := putActiveWorkflow(t, r.orch, def)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	exec, err := r.orch.ExecuteWorkflow(ctx, wfID, map[string]interface{}{"name": "sam"}, "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != dagmodel.ExecCompleted {
		t.Fatalf("expected completed, got %v (error=%s)", exec.Status, exec.Error)
	}
}

func TestExecuteWorkflowConditionBranch(t *testing.T) {
	r := newRig(t)
	defer r.cancel()

	def := dagmodel.WorkflowDefinition{
		Nodes: []dagmodel.Node{
			{ID: "start", Type: dagmodel.NodeStart},
			{ID: "cond", Type: dagmodel.NodeCondition, Config: map[string]interface{}{"expression": "$input.amount >= 100"}},
			{ID: "big", Type: dagmodel.NodeTransform, Config: map[string]interface{}{"mappings": map[string]interface{}{"tier": "big"}}},
			{ID: "small", Type: dagmodel.NodeTransform, Config: map[string]interface{}{"mappings": map[string]interface{}{"tier": "small"}}},
			{ID: "end", Type: dagmodel.NodeEnd},
		},
		Edges: []dagmodel.Edge{
			{ID: "e1", Source: "start", Target: "cond"},
			{ID: "e2", Source: "cond", Target: "big", ConditionBranch: dagmodel.BranchTrue},
			{ID: "e3", Source: "cond", Target: "small", ConditionBranch: dagmodel.BranchFalse},
			{ID: "e4", Source: "big", Target: "end"},
			{ID: "e5", Source: "small", Target: "end"},
		},
	}
	wfID := putActiveWorkflow(t, r.orch, def)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	exec, err := r.orch.ExecuteWorkflow(ctx, wfID, map[string]interface{}{"amount": 5.0}, "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != dagmodel.ExecCompleted {
		t.Fatalf("expected completed, got %v (error=%s)", exec.Status, exec.Error)
	}
}

func TestExecuteWorkflowForkJoinMergesUpstreamResults(t *testing.T) {
	r := newRig(t)
	defer r.cancel()

	def := dagmodel.WorkflowDefinition{
		Nodes: []dagmodel.Node{
			{ID: "start", Type: dagmodel.NodeStart},
			{ID: "fork", Type: dagmodel.NodeFork},
			{ID: "A", Type: dagmodel.NodeTransform, Config: map[string]interface{}{
				"mappings": map[string]interface{}{"val": "a"},
			}},
			{ID: "B", Type: dagmodel.NodeTransform, Config: map[string]interface{}{
				"mappings": map[string]interface{}{"val": "b"},
			}},
			{ID: "join", Type: dagmodel.NodeJoin},
			{ID: "end", Type: dagmodel.NodeEnd},
		},
		Edges: []dagmodel.Edge{
			{ID: "e1", Source: "start", Target: "fork"},
			{ID: "e2", Source: "fork", Target: "A"},
			{ID: "e3", Source: "fork", Target: "B"},
			{ID: "e4", Source: "A", Target: "join"},
			{ID: "e5", Source: "B", Target: "join"},
			{ID: "e6", Source: "join", Target: "end"},
		},
	}
	wfID := putActiveWorkflow(t, r.orch, def)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	exec, err := r.orch.ExecuteWorkflow(ctx, wfID, nil, "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != dagmodel.ExecCompleted {
		t.Fatalf("expected completed, got %v (error=%s)", exec.Status, exec.Error)
	}

	joinOutput, ok := exec.Output["join"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected a join output in execution output, got %+v", exec.Output)
	}
	merged, ok := joinOutput["mergedResults"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected join result to carry mergedResults, got %+v", joinOutput)
	}
	if _, ok := merged["A"]; !ok {
		t.Fatalf("expected mergedResults to include branch A, got %+v", merged)
	}
	if _, ok := merged["B"]; !ok {
		t.Fatalf("expected mergedResults to include branch B, got %+v", merged)
	}
}

func TestExecuteWorkflowRejectsInactiveWorkflow(t *testing.T) {
	r := newRig(t)
	defer r.cancel()

	wf := dagmodel.Workflow{ID: "wf1", Version: 1, Status: dagmodel.WorkflowDraft, Definition: dagmodel.WorkflowDefinition{
		Nodes: []dagmodel.Node{{ID: "start", Type: dagmodel.NodeStart}},
	}}
	r.orch.store.PutWorkflow(wf)

	_, err := r.orch.ExecuteWorkflow(context.Background(), "wf1", nil, "")
	if err == nil {
		t.Fatal("expected error for inactive workflow")
	}
}
