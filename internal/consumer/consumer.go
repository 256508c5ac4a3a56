// Package consumer runs the worker pool that dequeues jobs, dispatches
// them to the matching node-type handler, and decides whether a failure
// should be retried with backoff or routed to the dead-letter queue.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/SoumadeepCh/FlowSync/internal/config"
	"github.com/SoumadeepCh/FlowSync/internal/dagmodel"
	"github.com/SoumadeepCh/FlowSync/internal/dlq"
	"github.com/SoumadeepCh/FlowSync/internal/errs"
	"github.com/SoumadeepCh/FlowSync/internal/expr"
	"github.com/SoumadeepCh/FlowSync/internal/handler"
	"github.com/SoumadeepCh/FlowSync/internal/heartbeat"
	"github.com/SoumadeepCh/FlowSync/internal/idempotency"
	"github.com/SoumadeepCh/FlowSync/internal/metrics"
	"github.com/SoumadeepCh/FlowSync/internal/queue"
	"github.com/SoumadeepCh/FlowSync/internal/store"
)

// StepResult is what a worker hands off to the result handler once a
// node instance finishes, successfully or not.
type StepResult struct {
	ExecutionID string
	Node        dagmodel.Node
	Step        dagmodel.StepExecution
	Output      handler.Output
	Err         error
	Exhausted   bool // true if Err is set and no retry remains
}

// ResultSink receives every finished StepResult.
type ResultSink interface {
	Handle(ctx context.Context, res StepResult) error
}

// Consumer is the worker pool dequeuing and dispatching jobs.
type Consumer struct {
	queue    *queue.Queue
	store    *store.Store
	dlq      *dlq.DLQ
	hb       *heartbeat.Monitor
	idem     *idempotency.Store
	handlers *handler.Registry
	sink     ResultSink
	cfg      config.Config
	inst     *metrics.Instruments
	log      *slog.Logger
}

// New builds a Consumer wired to the given components.
func New(q *queue.Queue, st *store.Store, d *dlq.DLQ, hb *heartbeat.Monitor, idem *idempotency.Store, handlers *handler.Registry, sink ResultSink, cfg config.Config, inst *metrics.Instruments, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{queue: q, store: st, dlq: d, hb: hb, idem: idem, handlers: handlers, sink: sink, cfg: cfg, inst: inst, log: log}
}

// Run starts cfg.MaxConcurrency worker goroutines and blocks until ctx is
// cancelled, at which point every worker finishes its current job and
// returns.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.MaxConcurrency; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.workerLoop(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (c *Consumer) workerLoop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		job, ok, err := c.queue.Dequeue(workerID)
		if err != nil {
			c.log.Error("dequeue failed", "worker", workerID, "error", err)
		} else if ok {
			c.process(ctx, workerID, job)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-c.queue.Notify():
		case <-ticker.C:
		}
	}
}

// process dispatches one job end to end: heartbeat registration, the
// node-type handler call, and the retry/DLQ/forward decision.
func (c *Consumer) process(ctx context.Context, workerID string, job queue.WorkerJob) {
	c.hb.Register(job.ID, workerID)
	defer c.hb.Deregister(job.ID)

	step, err := c.store.GetStep(job.StepID)
	if err != nil {
		c.log.Error("consumer: step row missing for job", "jobId", job.ID, "stepId", job.StepID, "error", err)
		c.queue.Remove(job.ID)
		return
	}

	exec, err := c.store.GetExecution(job.ExecutionID)
	if err != nil {
		c.log.Error("consumer: execution missing for job", "jobId", job.ID, "error", err)
		c.queue.Remove(job.ID)
		return
	}
	wf, err := c.store.GetWorkflowVersion(exec.WorkflowID, exec.WorkflowVersion)
	if err != nil {
		c.log.Error("consumer: workflow version missing for job", "jobId", job.ID, "error", err)
		c.queue.Remove(job.ID)
		return
	}
	node := findNode(wf.Definition.Nodes, job.NodeID)
	if node == nil {
		c.log.Error("consumer: node not found in workflow definition", "nodeId", job.NodeID)
		c.queue.Remove(job.ID)
		return
	}

	job.Attempts++
	now := time.Now()
	step.Status = dagmodel.StepRunning
	step.Attempts = job.Attempts
	step.StartedAt = &now
	step.Error = ""
	if err := c.store.PutStep(step); err != nil {
		c.log.Error("consumer: failed to persist running step", "error", err)
	}

	h, ok := c.handlers.Get(node.Type)
	if !ok {
		c.finishFailure(ctx, job, step, *node, errs.Validation(fmt.Sprintf("no handler registered for node type %q", node.Type), nil), true)
		return
	}

	exprCtx := c.buildExprContext(exec, job.ExecutionID)
	upstream := upstreamNodeIDs(wf.Definition, node.ID)
	start := time.Now()
	out, err := h.Handle(ctx, handler.Input{Node: *node, ExecutionID: job.ExecutionID, Expr: exprCtx, Upstream: upstream})
	elapsed := time.Since(start)
	if c.inst != nil && c.inst.StepDuration != nil {
		c.inst.StepDuration.Record(ctx, float64(elapsed.Milliseconds()))
	}

	if err != nil {
		exhausted := job.Attempts > job.MaxRetries
		c.finishFailure(ctx, job, step, *node, err, exhausted)
		return
	}

	c.finishSuccess(ctx, job, step, *node, out)
}

func (c *Consumer) buildExprContext(exec dagmodel.Execution, executionID string) expr.Context {
	nodeResults := make(map[string]map[string]interface{})
	steps, err := c.store.ListStepsForExecution(executionID)
	if err != nil {
		return expr.Context{Input: exec.Input, NodeResults: nodeResults}
	}
	for _, s := range steps {
		if s.Status == dagmodel.StepCompleted {
			nodeResults[s.NodeID] = s.Result
		}
	}
	return expr.Context{Input: exec.Input, NodeResults: nodeResults}
}

func (c *Consumer) finishSuccess(ctx context.Context, job queue.WorkerJob, step dagmodel.StepExecution, node dagmodel.Node, out handler.Output) {
	now := time.Now()
	step.Status = dagmodel.StepCompleted
	step.Result = out.Result
	step.CompletedAt = &now
	if err := c.store.PutStep(step); err != nil {
		c.log.Error("consumer: failed to persist completed step", "error", err)
	}
	if err := c.queue.MarkDone(job.ID); err != nil {
		c.log.Error("consumer: failed to mark job done", "error", err)
	}
	if c.inst != nil && c.inst.StepsCompleted != nil {
		c.inst.StepsCompleted.Add(ctx, 1)
	}

	if err := c.sink.Handle(ctx, StepResult{ExecutionID: job.ExecutionID, Node: node, Step: step, Output: out}); err != nil {
		c.log.Error("consumer: result handler failed", "error", err)
	}
}

func (c *Consumer) finishFailure(ctx context.Context, job queue.WorkerJob, step dagmodel.StepExecution, node dagmodel.Node, cause error, exhausted bool) {
	now := time.Now()

	if !exhausted {
		backoff := time.Duration(float64(job.BackoffMs)*math.Pow(job.Multiplier, float64(job.Attempts-1))) * time.Millisecond
		c.idem.Remove(job.ExecutionID, job.NodeID)

		step.Status = dagmodel.StepPending
		step.Error = cause.Error()
		if err := c.store.PutStep(step); err != nil {
			c.log.Error("consumer: failed to persist retry step", "error", err)
		}
		if err := c.queue.Requeue(job, time.Now().Add(backoff)); err != nil {
			c.log.Error("consumer: failed to requeue job", "error", err)
		}
		if c.inst != nil && c.inst.StepsRetried != nil {
			c.inst.StepsRetried.Add(ctx, 1)
		}
		return
	}

	step.Status = dagmodel.StepFailed
	step.Error = cause.Error()
	step.CompletedAt = &now
	if err := c.store.PutStep(step); err != nil {
		c.log.Error("consumer: failed to persist failed step", "error", err)
	}
	if c.dlq != nil {
		if err := c.dlq.Add(job, cause); err != nil {
			c.log.Error("consumer: failed to dead-letter job", "error", err)
		}
	}
	if err := c.queue.MarkFailed(job.ID); err != nil {
		c.log.Error("consumer: failed to remove exhausted job", "error", err)
	}
	if c.inst != nil && c.inst.StepsFailed != nil {
		c.inst.StepsFailed.Add(ctx, 1)
	}

	if err := c.sink.Handle(ctx, StepResult{ExecutionID: job.ExecutionID, Node: node, Step: step, Err: cause, Exhausted: true}); err != nil {
		c.log.Error("consumer: result handler failed on terminal failure", "error", err)
	}
}

// upstreamNodeIDs returns the source node IDs of every edge feeding into
// nodeID, in definition order.
func upstreamNodeIDs(def dagmodel.WorkflowDefinition, nodeID string) []string {
	var ids []string
	for _, e := range def.Edges {
		if e.Target == nodeID {
			ids = append(ids, e.Source)
		}
	}
	return ids
}

func findNode(nodes []dagmodel.Node, id string) *dagmodel.Node {
	for i := range nodes {
		if nodes[i].ID == id {
			return &nodes[i]
		}
	}
	return nil
}
