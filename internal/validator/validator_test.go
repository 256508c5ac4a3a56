package validator

import (
	"testing"

	"github.com/SoumadeepCh/FlowSync/internal/dagmodel"
)

func linear() dagmodel.WorkflowDefinition {
	return dagmodel.WorkflowDefinition{
		Nodes: []dagmodel.Node{
			{ID: "a", Type: dagmodel.NodeStart},
			{ID: "b", Type: dagmodel.NodeAction},
			{ID: "c", Type: dagmodel.NodeEnd},
		},
		Edges: []dagmodel.Edge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "c"},
		},
	}
}

func TestValidateLinearOK(t *testing.T) {
	res := Validate(linear())
	if !res.Ok {
		t.Fatalf("expected ok, got errors: %v", res.Errors)
	}
}

func TestValidateNoStart(t *testing.T) {
	def := linear()
	def.Nodes[0].Type = dagmodel.NodeAction
	res := Validate(def)
	if res.Ok {
		t.Fatal("expected failure for missing start node")
	}
}

func TestValidateMultipleStarts(t *testing.T) {
	def := linear()
	def.Nodes = append(def.Nodes, dagmodel.Node{ID: "d", Type: dagmodel.NodeStart})
	res := Validate(def)
	if res.Ok {
		t.Fatal("expected failure for multiple start nodes")
	}
}

func TestValidateCycle(t *testing.T) {
	def := dagmodel.WorkflowDefinition{
		Nodes: []dagmodel.Node{
			{ID: "a", Type: dagmodel.NodeStart},
			{ID: "b", Type: dagmodel.NodeAction},
			{ID: "c", Type: dagmodel.NodeAction},
			{ID: "end", Type: dagmodel.NodeEnd},
		},
		Edges: []dagmodel.Edge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "c"},
			{ID: "e3", Source: "c", Target: "b"},
			{ID: "e4", Source: "c", Target: "end"},
		},
	}
	res := Validate(def)
	if res.Ok {
		t.Fatal("expected cycle detection failure")
	}
}

func TestValidateUnreachableNode(t *testing.T) {
	def := linear()
	def.Nodes = append(def.Nodes, dagmodel.Node{ID: "orphan", Type: dagmodel.NodeAction})
	res := Validate(def)
	if res.Ok {
		t.Fatal("expected unreachable node failure")
	}
}

func TestValidateDanglingEdge(t *testing.T) {
	def := linear()
	def.Edges = append(def.Edges, dagmodel.Edge{ID: "bad", Source: "a", Target: "nope"})
	res := Validate(def)
	if res.Ok {
		t.Fatal("expected dangling edge failure")
	}
}

func TestValidateDuplicateEdgeID(t *testing.T) {
	def := linear()
	def.Edges = append(def.Edges, dagmodel.Edge{ID: "e1", Source: "b", Target: "c"})
	res := Validate(def)
	if res.Ok {
		t.Fatal("expected duplicate edge id failure")
	}
}

func TestValidateForkRequiresTwoOutEdges(t *testing.T) {
	def := dagmodel.WorkflowDefinition{
		Nodes: []dagmodel.Node{
			{ID: "a", Type: dagmodel.NodeStart},
			{ID: "f", Type: dagmodel.NodeFork},
			{ID: "end", Type: dagmodel.NodeEnd},
		},
		Edges: []dagmodel.Edge{
			{ID: "e1", Source: "a", Target: "f"},
			{ID: "e2", Source: "f", Target: "end"},
		},
	}
	res := Validate(def)
	if res.Ok {
		t.Fatal("expected fork arity failure")
	}
}

func TestValidateJoinRequiresTwoInEdges(t *testing.T) {
	def := dagmodel.WorkflowDefinition{
		Nodes: []dagmodel.Node{
			{ID: "a", Type: dagmodel.NodeStart},
			{ID: "j", Type: dagmodel.NodeJoin},
			{ID: "end", Type: dagmodel.NodeEnd},
		},
		Edges: []dagmodel.Edge{
			{ID: "e1", Source: "a", Target: "j"},
			{ID: "e2", Source: "j", Target: "end"},
		},
	}
	res := Validate(def)
	if res.Ok {
		t.Fatal("expected join arity failure")
	}
}
