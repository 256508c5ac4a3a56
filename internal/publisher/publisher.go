// Package publisher turns "this node is now eligible to run" into a
// durable queue entry, applying idempotency and backpressure checks
// before the job ever reaches the queue.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/SoumadeepCh/FlowSync/internal/backpressure"
	"github.com/SoumadeepCh/FlowSync/internal/config"
	"github.com/SoumadeepCh/FlowSync/internal/dagmodel"
	"github.com/SoumadeepCh/FlowSync/internal/errs"
	"github.com/SoumadeepCh/FlowSync/internal/idempotency"
	"github.com/SoumadeepCh/FlowSync/internal/metrics"
	"github.com/SoumadeepCh/FlowSync/internal/queue"
	"github.com/SoumadeepCh/FlowSync/internal/store"
)

// Publisher implements the publish contract: derive the node's retry
// policy, check idempotency, create its StepExecution row, check
// backpressure, and only then enqueue the job.
type Publisher struct {
	store *store.Store
	q     *queue.Queue
	idem  *idempotency.Store
	bp    *backpressure.Controller
	cfg   config.Config
	inst  *metrics.Instruments
}

// New builds a Publisher wired to the given components.
func New(st *store.Store, q *queue.Queue, idem *idempotency.Store, bp *backpressure.Controller, cfg config.Config, inst *metrics.Instruments) *Publisher {
	return &Publisher{store: st, q: q, idem: idem, bp: bp, cfg: cfg, inst: inst}
}

// retryPolicy is a node's resolved retry configuration.
type retryPolicy struct {
	maxRetries int
	backoffMs  int64
	multiplier float64
}

func (p *Publisher) resolveRetryPolicy(node dagmodel.Node) retryPolicy {
	rp := retryPolicy{
		maxRetries: p.cfg.DefaultMaxRetries,
		backoffMs:  p.cfg.DefaultBackoff.Milliseconds(),
		multiplier: p.cfg.DefaultMultiplier,
	}
	raw, ok := node.Config["retry"].(map[string]interface{})
	if !ok {
		return rp
	}
	if v, ok := raw["maxRetries"].(float64); ok {
		rp.maxRetries = int(v)
	}
	if v, ok := raw["backoffMs"].(float64); ok {
		rp.backoffMs = int64(v)
	}
	if v, ok := raw["multiplier"].(float64); ok {
		rp.multiplier = v
	}
	return rp
}

// Publish schedules node for execution under executionID. It is a no-op
// (returns nil without writing a step row or enqueuing) when the node was already claimed for
// this execution by a prior publish — the idempotency guard protects
// against the result handler re-publishing the same ready node twice due
// to a duplicate dependency-satisfied computation.
func (p *Publisher) Publish(ctx context.Context, executionID string, node dagmodel.Node, input map[string]interface{}) error {
	rp := p.resolveRetryPolicy(node)

	if p.idem.CheckAndSet(executionID, node.ID) {
		return nil
	}

	step := dagmodel.StepExecution{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		NodeID:      node.ID,
		NodeLabel:   node.Label,
		NodeType:    node.Type,
		Status:      dagmodel.StepPending,
	}
	if err := p.store.PutStep(step); err != nil {
		p.idem.Remove(executionID, node.ID)
		return errs.Infrastructure("publisher: failed to persist step row", err)
	}

	stats, err := p.q.Stats()
	if err != nil {
		return errs.Infrastructure("publisher: failed to read queue depth", err)
	}
	depth := stats.Pending + stats.Processing
	state := p.bp.Sample(depth)
	if state == backpressure.Rejecting {
		p.idem.Remove(executionID, node.ID)
		if p.inst != nil && p.inst.BackpressureTrips != nil {
			p.inst.BackpressureTrips.Add(ctx, 1)
		}
		return errs.Infrastructure(fmt.Sprintf("publisher: queue depth %d exceeds max, rejecting", depth), nil)
	}

	job := queue.WorkerJob{
		ID:          uuid.NewString(),
		StepID:      step.ID,
		ExecutionID: executionID,
		NodeID:      node.ID,
		NodeType:    string(node.Type),
		Payload:     input,
		MaxRetries:  rp.maxRetries,
		BackoffMs:   rp.backoffMs,
		Multiplier:  rp.multiplier,
		AvailableAt: p.resolveAvailableAt(node),
	}
	if err := p.q.Enqueue(job); err != nil {
		p.idem.Remove(executionID, node.ID)
		return errs.Infrastructure("publisher: failed to enqueue job", err)
	}

	if p.inst != nil && p.inst.StepsScheduled != nil {
		p.inst.StepsScheduled.Add(ctx, 1)
	}
	return nil
}

// resolveAvailableAt computes when a job becomes eligible for dequeue.
// Only delay nodes ever produce a future AvailableAt; every other node
// type runs immediately. A delay node may name either a relative
// config.delayMs or an absolute config.scheduledTime (RFC3339 string or
// epoch milliseconds) — scheduledTime wins if both are present. This is
// the single place delay is applied: DelayHandler itself is a pass-
// through, since the job was never dequeued before this instant anyway.
func (p *Publisher) resolveAvailableAt(node dagmodel.Node) time.Time {
	now := time.Now()
	if node.Type != dagmodel.NodeDelay {
		return now
	}
	maxDelay := p.cfg.MaxDelay

	if raw, ok := node.Config["scheduledTime"]; ok {
		if at, ok := parseScheduledTime(raw); ok {
			if d := time.Until(at); d > 0 {
				if d > maxDelay {
					d = maxDelay
				}
				return now.Add(d)
			}
			return now
		}
	}

	delayMs, _ := node.Config["delayMs"].(float64)
	d := time.Duration(delayMs) * time.Millisecond
	if d > maxDelay {
		d = maxDelay
	}
	if d < 0 {
		d = 0
	}
	return now.Add(d)
}

// parseScheduledTime accepts either an RFC3339 string or a numeric epoch
// timestamp in milliseconds, matching the two shapes a JSON config blob
// can realistically carry an absolute instant in.
func parseScheduledTime(raw interface{}) (time.Time, bool) {
	switch v := raw.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
	case float64:
		return time.UnixMilli(int64(v)), true
	}
	return time.Time{}, false
}

// republish enqueues a job for an already-persisted, still-pending step
// row without minting a new one — the counterpart to Publish used when a
// step row was written but its job never
// reached the queue, typically because backpressure rejected it at the
// time.
func (p *Publisher) republish(ctx context.Context, executionID string, node dagmodel.Node, step dagmodel.StepExecution, input map[string]interface{}) error {
	rp := p.resolveRetryPolicy(node)

	if p.idem.CheckAndSet(executionID, node.ID) {
		return nil
	}

	stats, err := p.q.Stats()
	if err != nil {
		return errs.Infrastructure("publisher: failed to read queue depth", err)
	}
	depth := stats.Pending + stats.Processing
	if p.bp.Sample(depth) == backpressure.Rejecting {
		p.idem.Remove(executionID, node.ID)
		return errs.Infrastructure(fmt.Sprintf("publisher: queue depth %d exceeds max, rejecting", depth), nil)
	}

	job := queue.WorkerJob{
		ID:          uuid.NewString(),
		StepID:      step.ID,
		ExecutionID: executionID,
		NodeID:      node.ID,
		NodeType:    string(node.Type),
		Payload:     input,
		MaxRetries:  rp.maxRetries,
		BackoffMs:   rp.backoffMs,
		Multiplier:  rp.multiplier,
		AvailableAt: p.resolveAvailableAt(node),
	}
	if err := p.q.Enqueue(job); err != nil {
		p.idem.Remove(executionID, node.ID)
		return errs.Infrastructure("publisher: failed to enqueue job", err)
	}

	if p.inst != nil && p.inst.StepsScheduled != nil {
		p.inst.StepsScheduled.Add(ctx, 1)
	}
	return nil
}

// RescanPending implements OQ-2's explicit re-scan: it finds every
// StepExecution still Pending with no matching queue job — the mark left
// behind when Publish's idempotency claim succeeded but the enqueue was
// then rejected by backpressure or failed outright — and republishes
// each one. It returns the count republished. Meant to be driven by the
// same background ticker that runs queue.Reclaim.
func (p *Publisher) RescanPending(ctx context.Context) (int, error) {
	pending, err := p.store.ListPendingSteps()
	if err != nil {
		return 0, errs.Infrastructure("publisher: rescan: failed to list pending steps", err)
	}

	republished := 0
	for _, step := range pending {
		has, err := p.q.HasStepJob(step.ID)
		if err != nil {
			return republished, errs.Infrastructure("publisher: rescan: failed to check queue", err)
		}
		if has {
			continue
		}

		exec, err := p.store.GetExecution(step.ExecutionID)
		if err != nil || exec.Status != dagmodel.ExecRunning {
			continue
		}
		wf, err := p.store.GetWorkflowVersion(exec.WorkflowID, exec.WorkflowVersion)
		if err != nil {
			continue
		}
		var node *dagmodel.Node
		for i := range wf.Definition.Nodes {
			if wf.Definition.Nodes[i].ID == step.NodeID {
				node = &wf.Definition.Nodes[i]
				break
			}
		}
		if node == nil {
			continue
		}

		if err := p.republish(ctx, exec.ID, *node, step, exec.Input); err == nil {
			republished++
		}
	}
	return republished, nil
}

// PublishMany publishes every node in nodes, collecting (not
// short-circuiting on) individual failures so one bad node doesn't block
// siblings also made ready by the same result-handler pass.
func (p *Publisher) PublishMany(ctx context.Context, executionID string, nodes []dagmodel.Node, input map[string]interface{}) []error {
	var errsOut []error
	for _, n := range nodes {
		if err := p.Publish(ctx, executionID, n, input); err != nil {
			errsOut = append(errsOut, err)
		}
	}
	return errsOut
}
