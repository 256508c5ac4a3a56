// Package resulthandler reacts to a finished node instance: it records
// the step outcome, decides which downstream nodes just became eligible
// (respecting condition branches and join barriers), publishes them, and
// detects whole-execution completion or failure.
package resulthandler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/SoumadeepCh/FlowSync/internal/audit"
	"github.com/SoumadeepCh/FlowSync/internal/consumer"
	"github.com/SoumadeepCh/FlowSync/internal/dagmodel"
	"github.com/SoumadeepCh/FlowSync/internal/publisher"
	"github.com/SoumadeepCh/FlowSync/internal/store"
)

// CompletionNotifier is signalled once an execution reaches a terminal
// state, so whatever is blocked waiting on it (the orchestrator's
// ExecuteWorkflow call) can wake up instead of polling.
type CompletionNotifier interface {
	Signal(executionID string)
}

// Handler implements consumer.ResultSink.
type Handler struct {
	store     *store.Store
	publisher *publisher.Publisher
	notifier  CompletionNotifier
	audit     *audit.Logger
	log       *slog.Logger
}

// New builds a Handler wired to the given components.
func New(st *store.Store, pub *publisher.Publisher, notifier CompletionNotifier, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: st, publisher: pub, notifier: notifier, audit: audit.New(st), log: log}
}

// Handle implements consumer.ResultSink.
func (h *Handler) Handle(ctx context.Context, res consumer.StepResult) error {
	exec, err := h.store.GetExecution(res.ExecutionID)
	if err != nil {
		return fmt.Errorf("resulthandler: execution lookup: %w", err)
	}
	wf, err := h.store.GetWorkflowVersion(exec.WorkflowID, exec.WorkflowVersion)
	if err != nil {
		return fmt.Errorf("resulthandler: workflow lookup: %w", err)
	}
	def := wf.Definition

	if res.Err != nil && res.Exhausted {
		return h.failExecution(ctx, exec, def, res)
	}

	if res.Node.Type == dagmodel.NodeEnd {
		return h.checkCompletion(ctx, exec, def)
	}

	taken, skippedBranch := outgoingEdgesForBranch(def, res.Node, res.Step)
	for _, edge := range skippedBranch {
		h.skipDownstream(ctx, exec, def, edge.Target)
	}

	for _, edge := range taken {
		ready, err := h.nodeIsReady(exec.ID, def, edge.Target)
		if err != nil {
			h.log.Error("resulthandler: readiness check failed", "node", edge.Target, "error", err)
			continue
		}
		if !ready {
			continue
		}
		target := findNode(def.Nodes, edge.Target)
		if target == nil {
			continue
		}
		if h.publisher != nil {
			if err := h.publisher.Publish(ctx, exec.ID, *target, exec.Input); err != nil {
				h.log.Error("resulthandler: failed to publish downstream node", "node", target.ID, "error", err)
			}
		}
	}

	return h.checkCompletion(ctx, exec, def)
}

// outgoingEdgesForBranch splits res.Node's outgoing edges into the
// branch actually taken and the branch that must now be skipped. Every
// non-condition node takes all of its outgoing edges.
func outgoingEdgesForBranch(def dagmodel.WorkflowDefinition, node dagmodel.Node, step dagmodel.StepExecution) (taken, skipped []dagmodel.Edge) {
	out := outEdges(def, node.ID)
	if node.Type != dagmodel.NodeCondition {
		return out, nil
	}

	result, _ := step.Result["result"].(bool)
	want := dagmodel.BranchFalse
	if result {
		want = dagmodel.BranchTrue
	}

	for _, e := range out {
		if e.ConditionBranch == dagmodel.BranchUnset || e.ConditionBranch == want {
			taken = append(taken, e)
		} else {
			skipped = append(skipped, e)
		}
	}
	return taken, skipped
}

// skipDownstream recursively marks nodeID (and, transitively, everything
// only reachable through it) as skipped. A join node is never itself
// force-skipped here: skipDownstream defers to markJoinSkippedIfDead, which
// only skips the join once every one of its fan-in branches is confirmed
// dead, since a sibling branch that was actually taken may still complete
// it normally.
func (h *Handler) skipDownstream(ctx context.Context, exec dagmodel.Execution, def dagmodel.WorkflowDefinition, nodeID string) {
	node := findNode(def.Nodes, nodeID)
	if node == nil {
		return
	}

	if node.Type == dagmodel.NodeJoin {
		h.markJoinSkippedIfDead(ctx, exec, def, *node)
		return
	}

	if existing, err := h.findStepForNode(exec.ID, nodeID); err == nil && existing.Status != "" {
		return
	}

	now := time.Now()
	step := dagmodel.StepExecution{
		ID:          uuid.NewString(),
		ExecutionID: exec.ID,
		NodeID:      node.ID,
		NodeLabel:   node.Label,
		NodeType:    node.Type,
		Status:      dagmodel.StepSkipped,
		CompletedAt: &now,
	}
	if err := h.store.PutStep(step); err != nil {
		h.log.Error("resulthandler: failed to persist skipped step", "node", node.ID, "error", err)
	}

	for _, e := range outEdges(def, node.ID) {
		h.skipDownstream(ctx, exec, def, e.Target)
	}
}

// markJoinSkippedIfDead skips a join node once every inbound branch has
// reached a terminal state and none of them actually completed — i.e.
// the whole fan-in feeding this join died, so the join itself can never
// fire and its own downstream must be skipped too.
func (h *Handler) markJoinSkippedIfDead(ctx context.Context, exec dagmodel.Execution, def dagmodel.WorkflowDefinition, join dagmodel.Node) {
	ins := inEdges(def, join.ID)
	anyCompleted := false
	for _, e := range ins {
		step, err := h.findStepForNode(exec.ID, e.Source)
		if err != nil || !isTerminal(step.Status) {
			return // still waiting on a branch; not dead yet
		}
		if step.Status == dagmodel.StepCompleted {
			anyCompleted = true
		}
	}
	if anyCompleted || len(ins) == 0 {
		return
	}
	if existing, err := h.findStepForNode(exec.ID, join.ID); err == nil && existing.Status != "" {
		return
	}
	now := time.Now()
	skipped := dagmodel.StepExecution{ID: uuid.NewString(), ExecutionID: exec.ID, NodeID: join.ID, NodeLabel: join.Label, NodeType: join.Type, Status: dagmodel.StepSkipped, CompletedAt: &now}
	if err := h.store.PutStep(skipped); err != nil {
		h.log.Error("resulthandler: failed to persist skipped step", "node", join.ID, "error", err)
	}
	for _, e := range outEdges(def, join.ID) {
		h.skipDownstream(ctx, exec, def, e.Target)
	}
}

// nodeIsReady reports whether every inbound edge's source step has
// reached a terminal state (completed, failed or skipped), with at least one
// actually completed. A join node's barrier semantics fall directly out
// of this same rule: it is never ready until every fan-in branch, not
// just one, has finished.
func (h *Handler) nodeIsReady(executionID string, def dagmodel.WorkflowDefinition, nodeID string) (bool, error) {
	ins := inEdges(def, nodeID)
	if len(ins) == 0 {
		return true, nil
	}
	anyCompleted := false
	for _, e := range ins {
		step, err := h.findStepForNode(executionID, e.Source)
		if err != nil {
			return false, nil
		}
		if !isTerminal(step.Status) {
			return false, nil
		}
		if step.Status == dagmodel.StepCompleted {
			anyCompleted = true
		}
	}
	return anyCompleted, nil
}

func isTerminal(s dagmodel.StepStatus) bool {
	return s == dagmodel.StepCompleted || s == dagmodel.StepFailed || s == dagmodel.StepSkipped
}

// findStepForNode returns the most recent StepExecution row for
// (executionID, nodeID). Multiple rows can exist across retries; the one
// with the latest CompletedAt (or, if none completed, any row) wins.
func (h *Handler) findStepForNode(executionID, nodeID string) (dagmodel.StepExecution, error) {
	steps, err := h.store.ListStepsForExecution(executionID)
	if err != nil {
		return dagmodel.StepExecution{}, err
	}
	var best dagmodel.StepExecution
	found := false
	for _, s := range steps {
		if s.NodeID != nodeID {
			continue
		}
		if !found {
			best = s
			found = true
			continue
		}
		if s.CompletedAt != nil && (best.CompletedAt == nil || s.CompletedAt.After(*best.CompletedAt)) {
			best = s
		}
	}
	if !found {
		return dagmodel.StepExecution{}, fmt.Errorf("no step found for node %q", nodeID)
	}
	return best, nil
}

// failExecution marks exec as failed, sweeps every still-pending/running
// step to skipped, and signals completion so a blocked ExecuteWorkflow
// call returns.
func (h *Handler) failExecution(ctx context.Context, exec dagmodel.Execution, def dagmodel.WorkflowDefinition, res consumer.StepResult) error {
	now := time.Now()
	exec.Status = dagmodel.ExecFailed
	exec.Error = res.Err.Error()
	exec.CompletedAt = &now
	if err := h.store.PutExecution(exec); err != nil {
		return fmt.Errorf("resulthandler: failed to persist failed execution: %w", err)
	}

	h.sweepRemaining(exec.ID)

	entry := dagmodel.AuditLog{
		ID:         uuid.NewString(),
		Event:      "execution.failed",
		EntityType: "execution",
		EntityID:   exec.ID,
		Metadata:   map[string]interface{}{"nodeId": res.Node.ID, "error": res.Err.Error()},
		CreatedAt:  now,
	}
	if err := h.audit.Append(entry); err != nil {
		h.log.Error("resulthandler: failed to append audit log", "error", err)
	}

	if h.notifier != nil {
		h.notifier.Signal(exec.ID)
	}
	return nil
}

// sweepRemaining marks every non-terminal step of executionID as
// skipped, once the execution itself has reached a terminal state.
func (h *Handler) sweepRemaining(executionID string) {
	steps, err := h.store.ListStepsForExecution(executionID)
	if err != nil {
		h.log.Error("resulthandler: failed to list steps for sweep", "error", err)
		return
	}
	now := time.Now()
	for _, s := range steps {
		if isTerminal(s.Status) {
			continue
		}
		s.Status = dagmodel.StepSkipped
		s.CompletedAt = &now
		if err := h.store.PutStep(s); err != nil {
			h.log.Error("resulthandler: failed to persist swept step", "step", s.ID, "error", err)
		}
	}
}

// checkCompletion marks exec completed, gathering every node's result
// into its Output, once every node in def has a terminal step row.
func (h *Handler) checkCompletion(ctx context.Context, exec dagmodel.Execution, def dagmodel.WorkflowDefinition) error {
	steps, err := h.store.ListStepsForExecution(exec.ID)
	if err != nil {
		return fmt.Errorf("resulthandler: failed to list steps: %w", err)
	}
	byNode := make(map[string]dagmodel.StepExecution, len(steps))
	for _, s := range steps {
		existing, ok := byNode[s.NodeID]
		if !ok || (s.CompletedAt != nil && (existing.CompletedAt == nil || s.CompletedAt.After(*existing.CompletedAt))) {
			byNode[s.NodeID] = s
		}
	}

	for _, n := range def.Nodes {
		s, ok := byNode[n.ID]
		if !ok || !isTerminal(s.Status) {
			return nil // still in flight
		}
	}

	if exec.Status == dagmodel.ExecFailed || exec.Status == dagmodel.ExecCancelled {
		return nil
	}

	output := make(map[string]interface{})
	for _, n := range def.Nodes {
		if s, ok := byNode[n.ID]; ok {
			output[n.ID] = s.Result
		}
	}

	now := time.Now()
	exec.Status = dagmodel.ExecCompleted
	exec.Output = output
	exec.CompletedAt = &now
	if err := h.store.PutExecution(exec); err != nil {
		return fmt.Errorf("resulthandler: failed to persist completed execution: %w", err)
	}

	if h.notifier != nil {
		h.notifier.Signal(exec.ID)
	}
	return nil
}

func findNode(nodes []dagmodel.Node, id string) *dagmodel.Node {
	for i := range nodes {
		if nodes[i].ID == id {
			return &nodes[i]
		}
	}
	return nil
}

func outEdges(def dagmodel.WorkflowDefinition, nodeID string) []dagmodel.Edge {
	var out []dagmodel.Edge
	for _, e := range def.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

func inEdges(def dagmodel.WorkflowDefinition, nodeID string) []dagmodel.Edge {
	var out []dagmodel.Edge
	for _, e := range def.Edges {
		if e.Target == nodeID {
			out = append(out, e)
		}
	}
	return out
}
