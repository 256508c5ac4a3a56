// Package handler implements the per-node-type execution logic: what it
// actually means to "run" a start, action, condition, delay, fork, join,
// transform, or webhook_response node.
package handler

import (
	"context"

	"github.com/SoumadeepCh/FlowSync/internal/dagmodel"
	"github.com/SoumadeepCh/FlowSync/internal/expr"
)

// Input is everything a Handler needs to execute one node instance.
type Input struct {
	Node        dagmodel.Node
	ExecutionID string
	Expr        expr.Context

	// Upstream lists the node IDs feeding this node's incoming edges, in
	// edge order. Join uses it to know which entries of Expr.NodeResults
	// belong to its own fan-in rather than to unrelated completed nodes
	// elsewhere in the execution.
	Upstream []string
}

// Output is a node's produced result, folded into the execution context
// under the node's ID for downstream expression resolution.
type Output struct {
	Result map[string]interface{}
}

// Handler executes a single node instance. Handler implementations never
// return a raw, unclassified error: they build their errors with the errs
// constructors, and the consumer passes them on unchanged.
type Handler interface {
	Handle(ctx context.Context, in Input) (Output, error)
}

// Registry dispatches by NodeType to a registered Handler.
type Registry struct {
	handlers map[dagmodel.NodeType]Handler
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[dagmodel.NodeType]Handler)}
}

// Register associates a NodeType with a Handler, replacing any prior
// registration for that type.
func (r *Registry) Register(nodeType dagmodel.NodeType, h Handler) {
	r.handlers[nodeType] = h
}

// Get returns the Handler registered for nodeType, if any.
func (r *Registry) Get(nodeType dagmodel.NodeType) (Handler, bool) {
	h, ok := r.handlers[nodeType]
	return h, ok
}

// Has reports whether nodeType has a registered Handler.
func (r *Registry) Has(nodeType dagmodel.NodeType) bool {
	_, ok := r.handlers[nodeType]
	return ok
}

// ListTypes returns every NodeType with a registered Handler.
func (r *Registry) ListTypes() []dagmodel.NodeType {
	out := make([]dagmodel.NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// NewDefaultRegistry builds a Registry with every built-in node-type
// handler wired in.
func NewDefaultRegistry(httpClientTimeoutMs int) *Registry {
	r := NewRegistry()
	r.Register(dagmodel.NodeStart, StartHandler{})
	r.Register(dagmodel.NodeEnd, EndHandler{})
	r.Register(dagmodel.NodeAction, NewActionHandler(httpClientTimeoutMs))
	r.Register(dagmodel.NodeCondition, ConditionHandler{})
	r.Register(dagmodel.NodeDelay, DelayHandler{})
	r.Register(dagmodel.NodeFork, ForkHandler{})
	r.Register(dagmodel.NodeJoin, JoinHandler{})
	r.Register(dagmodel.NodeTransform, TransformHandler{})
	r.Register(dagmodel.NodeWebhookResponse, WebhookResponseHandler{})
	return r
}
