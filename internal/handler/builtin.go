package handler

import (
	"context"

	"github.com/SoumadeepCh/FlowSync/internal/expr"
)

// StartHandler marks the entry point; it produces no output of its own.
type StartHandler struct{}

func (StartHandler) Handle(ctx context.Context, in Input) (Output, error) {
	return Output{Result: map[string]interface{}{}}, nil
}

// EndHandler marks a terminal node; it produces no output of its own.
type EndHandler struct{}

func (EndHandler) Handle(ctx context.Context, in Input) (Output, error) {
	return Output{Result: map[string]interface{}{}}, nil
}

// ConditionHandler evaluates config["expression"] against the execution
// context and reports the boolean result, which the result handler uses
// to decide which outgoing branch (conditionBranch true/false) to follow.
type ConditionHandler struct{}

func (ConditionHandler) Handle(ctx context.Context, in Input) (Output, error) {
	expression, _ := in.Node.Config["expression"].(string)
	result := expr.Evaluate(expression, in.Expr)
	return Output{Result: map[string]interface{}{"result": result}}, nil
}

// DelayHandler is a pass-through: the wait for config["delayMs"] (or the
// absolute config["scheduledTime"]) already happened before this job was
// ever dequeued, via the publisher's WorkerJob.AvailableAt gating. Making
// the handler also sleep would apply the delay twice and would bypass
// MAX_DELAY_MS, since only the publisher caps it.
type DelayHandler struct{}

func (DelayHandler) Handle(ctx context.Context, in Input) (Output, error) {
	return Output{Result: map[string]interface{}{}}, nil
}

// ForkHandler marks a fan-out point; the result handler publishes every
// outgoing edge's target once this node completes, so the handler itself
// has nothing to compute.
type ForkHandler struct{}

func (ForkHandler) Handle(ctx context.Context, in Input) (Output, error) {
	return Output{Result: map[string]interface{}{}}, nil
}

// JoinHandler marks a barrier point; the result handler is responsible
// for withholding dispatch until every incoming branch has reached a
// terminal state with at least one of them completed, so
// the handler itself only needs to fold the upstream branches' results
// together into a single merged map, keyed by source node ID.
type JoinHandler struct{}

func (JoinHandler) Handle(ctx context.Context, in Input) (Output, error) {
	merged := make(map[string]interface{}, len(in.Upstream))
	for _, nodeID := range in.Upstream {
		if res, ok := in.Expr.NodeResults[nodeID]; ok {
			merged[nodeID] = res
		}
	}
	return Output{Result: map[string]interface{}{"mergedResults": merged}}, nil
}

// TransformHandler builds a result map by applying, in order:
// config["mappings"] (token → value, each resolved as a template
// against the execution context), config["pick"] (keys lifted verbatim
// from the execution input), config["rename"] (old key → new key, over
// whatever the pipeline has built so far), then config["template"]
// (token → template string, interpolated last against the execution
// context; it does not see the keys the earlier stages built).
type TransformHandler struct{}

func (TransformHandler) Handle(ctx context.Context, in Input) (Output, error) {
	result := make(map[string]interface{})

	if mappings, ok := in.Node.Config["mappings"].(map[string]interface{}); ok {
		for k, v := range mappings {
			if tmpl, ok := v.(string); ok {
				result[k] = expr.Template(tmpl, in.Expr)
			} else {
				result[k] = v
			}
		}
	}

	if pick, ok := in.Node.Config["pick"].([]interface{}); ok {
		for _, raw := range pick {
			key, ok := raw.(string)
			if !ok {
				continue
			}
			if v, ok := in.Expr.Input[key]; ok {
				result[key] = v
			}
		}
	}

	if rename, ok := in.Node.Config["rename"].(map[string]interface{}); ok {
		for from, toRaw := range rename {
			to, ok := toRaw.(string)
			if !ok {
				continue
			}
			if v, exists := result[from]; exists {
				delete(result, from)
				result[to] = v
			}
		}
	}

	if tmpl, ok := in.Node.Config["template"].(map[string]interface{}); ok {
		for k, v := range tmpl {
			if s, ok := v.(string); ok {
				result[k] = expr.Template(s, in.Expr)
			}
		}
	}

	return Output{Result: result}, nil
}

// WebhookResponseHandler captures the payload that should be returned to
// a webhook caller. The engine itself is headless; the HTTP front end
// responds with the execution's Output, which carries this node's result
// under its node ID alongside every other node's.
// The body is built from config["responseFields"] (a list of node IDs to
// include) when present, or falls back to every completed node's result;
// config["_metadata"], if set, is attached under that key verbatim.
type WebhookResponseHandler struct{}

func (WebhookResponseHandler) Handle(ctx context.Context, in Input) (Output, error) {
	status, _ := in.Node.Config["status"].(float64)
	if status == 0 {
		status = 200
	}

	body := make(map[string]interface{})
	if fields, ok := in.Node.Config["responseFields"].([]interface{}); ok {
		for _, raw := range fields {
			key, ok := raw.(string)
			if !ok {
				continue
			}
			if v, ok := in.Expr.NodeResults[key]; ok {
				body[key] = v
			}
		}
	} else {
		for k, v := range in.Expr.NodeResults {
			body[k] = v
		}
	}

	if meta, ok := in.Node.Config["_metadata"]; ok {
		body["_metadata"] = meta
	}

	return Output{Result: map[string]interface{}{
		"status": status,
		"body":   body,
	}}, nil
}
