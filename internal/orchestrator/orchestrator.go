// Package orchestrator drives a single workflow execution from creation
// to terminal state: it publishes the start node, waits for the
// process-local completion signal the result handler raises, and
// supports cancelling an in-flight execution.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SoumadeepCh/FlowSync/internal/config"
	"github.com/SoumadeepCh/FlowSync/internal/dagmodel"
	"github.com/SoumadeepCh/FlowSync/internal/errs"
	"github.com/SoumadeepCh/FlowSync/internal/metrics"
	"github.com/SoumadeepCh/FlowSync/internal/publisher"
	"github.com/SoumadeepCh/FlowSync/internal/store"
)

// Orchestrator drives executions end to end.
type Orchestrator struct {
	store     *store.Store
	publisher *publisher.Publisher
	cfg       config.Config
	inst      *metrics.Instruments
	log       *slog.Logger

	mu       sync.Mutex
	waiters  map[string]chan struct{}
	cancels  map[string]context.CancelFunc
}

// New builds an Orchestrator wired to the given components.
func New(st *store.Store, pub *publisher.Publisher, cfg config.Config, inst *metrics.Instruments, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store:     st,
		publisher: pub,
		cfg:       cfg,
		inst:      inst,
		log:       log,
		waiters:   make(map[string]chan struct{}),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Signal implements resulthandler.CompletionNotifier: it wakes whatever
// ExecuteWorkflow call is blocked on executionID's completion. A signal
// for an execution nobody is waiting on (already timed out, or the
// notifier race landed before registration — which register-before-
// publish below rules out) is silently dropped.
func (o *Orchestrator) Signal(executionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ch, ok := o.waiters[executionID]; ok {
		close(ch)
		delete(o.waiters, executionID)
	}
}

func (o *Orchestrator) register(executionID string) chan struct{} {
	ch := make(chan struct{})
	o.mu.Lock()
	o.waiters[executionID] = ch
	o.mu.Unlock()
	return ch
}

func (o *Orchestrator) unregister(executionID string) {
	o.mu.Lock()
	delete(o.waiters, executionID)
	o.mu.Unlock()
}

// ExecuteWorkflow starts a new execution of workflowID and blocks until
// it reaches a terminal state or the orchestrator timeout elapses.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]interface{}, userID string) (dagmodel.Execution, error) {
	wf, err := o.store.GetWorkflow(workflowID)
	if err != nil {
		return dagmodel.Execution{}, err
	}
	if wf.Status != dagmodel.WorkflowActive {
		return dagmodel.Execution{}, errs.NotActive(fmt.Sprintf("workflow %q is not active", workflowID), nil)
	}

	var startNode *dagmodel.Node
	for i := range wf.Definition.Nodes {
		if wf.Definition.Nodes[i].Type == dagmodel.NodeStart {
			startNode = &wf.Definition.Nodes[i]
			break
		}
	}
	if startNode == nil {
		return dagmodel.Execution{}, errs.Validation("workflow has no start node", nil)
	}

	now := time.Now()
	exec := dagmodel.Execution{
		ID:              uuid.NewString(),
		WorkflowID:      workflowID,
		WorkflowVersion: wf.Version,
		Status:          dagmodel.ExecRunning,
		Input:           input,
		UserID:          userID,
		StartedAt:       now,
		CreatedAt:       now,
	}
	if err := o.store.PutExecution(exec); err != nil {
		return dagmodel.Execution{}, errs.Infrastructure("failed to persist execution", err)
	}
	if o.inst != nil && o.inst.ExecutionsStarted != nil {
		o.inst.ExecutionsStarted.Add(ctx, 1)
	}

	// Register the completion waiter before the first publish, so a
	// result handler that races ahead and signals before we reach the
	// select below cannot be missed.
	done := o.register(exec.ID)

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[exec.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, exec.ID)
		o.mu.Unlock()
		cancel()
	}()

	if err := o.publisher.Publish(runCtx, exec.ID, *startNode, input); err != nil {
		o.unregister(exec.ID)
		return dagmodel.Execution{}, errs.Infrastructure("failed to publish start node", err)
	}

	timeout := time.NewTimer(o.cfg.OrchestratorTimeout)
	defer timeout.Stop()

	select {
	case <-done:
	case <-timeout.C:
		o.unregister(exec.ID)
		return o.timeoutExecution(exec.ID)
	case <-ctx.Done():
		o.unregister(exec.ID)
		return o.cancelExecution(exec.ID)
	}

	final, err := o.store.GetExecution(exec.ID)
	if err != nil {
		return dagmodel.Execution{}, err
	}
	if final.Status == dagmodel.ExecCompleted && o.inst != nil && o.inst.ExecutionsCompleted != nil {
		o.inst.ExecutionsCompleted.Add(ctx, 1)
	} else if final.Status == dagmodel.ExecFailed && o.inst != nil && o.inst.ExecutionsFailed != nil {
		o.inst.ExecutionsFailed.Add(ctx, 1)
	}
	return final, nil
}

func (o *Orchestrator) timeoutExecution(executionID string) (dagmodel.Execution, error) {
	exec, err := o.store.GetExecution(executionID)
	if err != nil {
		return dagmodel.Execution{}, err
	}
	now := time.Now()
	exec.Status = dagmodel.ExecFailed
	exec.Error = "execution timed out"
	exec.CompletedAt = &now
	if err := o.store.PutExecution(exec); err != nil {
		return dagmodel.Execution{}, errs.Infrastructure("failed to persist timed-out execution", err)
	}
	return exec, errs.Timeout(fmt.Sprintf("execution %q timed out", executionID), nil)
}

// Cancel marks executionID cancelled, sweeps its pending and running steps
// to skipped, and cancels the run context its ExecuteWorkflow call
// publishes under. Handlers already dispatched run under the consumer's
// own context and are not interrupted.
func (o *Orchestrator) Cancel(executionID string) error {
	o.mu.Lock()
	cancel, ok := o.cancels[executionID]
	o.mu.Unlock()
	if ok {
		cancel()
	}

	exec, err := o.store.GetExecution(executionID)
	if err != nil {
		return err
	}
	if exec.Status != dagmodel.ExecRunning {
		return nil
	}
	now := time.Now()
	exec.Status = dagmodel.ExecCancelled
	exec.Error = "cancelled"
	exec.CompletedAt = &now
	if err := o.store.PutExecution(exec); err != nil {
		return errs.Infrastructure("failed to persist cancelled execution", err)
	}
	steps, err := o.store.ListStepsForExecution(executionID)
	if err != nil {
		return errs.Infrastructure("failed to list steps of cancelled execution", err)
	}
	for _, s := range steps {
		if s.Status == dagmodel.StepPending || s.Status == dagmodel.StepRunning {
			s.Status = dagmodel.StepSkipped
			s.CompletedAt = &now
			if err := o.store.PutStep(s); err != nil {
				return errs.Infrastructure("failed to persist skipped step", err)
			}
		}
	}
	o.Signal(executionID)
	return nil
}

func (o *Orchestrator) cancelExecution(executionID string) (dagmodel.Execution, error) {
	if err := o.Cancel(executionID); err != nil {
		return dagmodel.Execution{}, err
	}
	exec, err := o.store.GetExecution(executionID)
	if err != nil {
		return dagmodel.Execution{}, err
	}
	return exec, errs.Cancelled(fmt.Sprintf("execution %q was cancelled", executionID), nil)
}
