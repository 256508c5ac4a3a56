// Package validator checks a WorkflowDefinition for structural soundness
// before it is allowed to go active: exactly one start node, reachability
// of every node from it, no cycles, and fork/join arity.
package validator

import (
	"fmt"

	"github.com/SoumadeepCh/FlowSync/internal/dagmodel"
)

// Result collects every finding from a single validation pass. Ok is true
// only when Errors is empty.
type Result struct {
	Ok     bool
	Errors []string
}

// Validate runs every structural check against def and returns every
// finding, not just the first. Cycle detection and reachability are
// skipped when basic structural checks (duplicate IDs, dangling edges)
// already failed, since their output would be meaningless over a
// malformed graph.
func Validate(def dagmodel.WorkflowDefinition) Result {
	var errs []string

	nodeByID := make(map[string]dagmodel.Node, len(def.Nodes))
	for _, n := range def.Nodes {
		if _, dup := nodeByID[n.ID]; dup {
			errs = append(errs, fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		nodeByID[n.ID] = n
	}

	var starts, ends []string
	for _, n := range def.Nodes {
		switch n.Type {
		case dagmodel.NodeStart:
			starts = append(starts, n.ID)
		case dagmodel.NodeEnd:
			ends = append(ends, n.ID)
		}
	}
	if len(starts) != 1 {
		errs = append(errs, fmt.Sprintf("workflow must have exactly one start node, found %d", len(starts)))
	}
	if len(ends) < 1 {
		errs = append(errs, "workflow must have at least one end node")
	}

	structurallySound := len(errs) == 0

	outEdges := make(map[string][]dagmodel.Edge)
	inEdges := make(map[string][]dagmodel.Edge)
	seenEdgeIDs := make(map[string]bool, len(def.Edges))
	for _, e := range def.Edges {
		if seenEdgeIDs[e.ID] {
			errs = append(errs, fmt.Sprintf("duplicate edge id %q", e.ID))
			structurallySound = false
			continue
		}
		seenEdgeIDs[e.ID] = true
		if _, ok := nodeByID[e.Source]; !ok {
			errs = append(errs, fmt.Sprintf("edge %q references unknown source %q", e.ID, e.Source))
			structurallySound = false
			continue
		}
		if _, ok := nodeByID[e.Target]; !ok {
			errs = append(errs, fmt.Sprintf("edge %q references unknown target %q", e.ID, e.Target))
			structurallySound = false
			continue
		}
		outEdges[e.Source] = append(outEdges[e.Source], e)
		inEdges[e.Target] = append(inEdges[e.Target], e)
	}

	for _, n := range def.Nodes {
		switch n.Type {
		case dagmodel.NodeFork:
			if len(outEdges[n.ID]) < 2 {
				errs = append(errs, fmt.Sprintf("fork node %q must have at least 2 outgoing edges, found %d", n.ID, len(outEdges[n.ID])))
			}
		case dagmodel.NodeJoin:
			if len(inEdges[n.ID]) < 2 {
				errs = append(errs, fmt.Sprintf("join node %q must have at least 2 incoming edges, found %d", n.ID, len(inEdges[n.ID])))
			}
		}
	}

	if !structurallySound {
		return Result{Ok: false, Errors: errs}
	}

	if cyc := detectCycle(def.Nodes, outEdges); cyc != "" {
		errs = append(errs, fmt.Sprintf("cycle detected involving node %q", cyc))
	}

	if len(starts) == 1 {
		unreached := unreachableFrom(starts[0], def.Nodes, outEdges)
		for _, id := range unreached {
			errs = append(errs, fmt.Sprintf("node %q is unreachable from start", id))
		}
	}

	return Result{Ok: len(errs) == 0, Errors: errs}
}

// detectCycle runs Kahn's algorithm: repeatedly remove zero-in-degree
// nodes. Any node left with nonzero in-degree once the queue drains sits
// on a cycle.
func detectCycle(nodes []dagmodel.Node, outEdges map[string][]dagmodel.Edge) string {
	inDegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		inDegree[n.ID] = 0
	}
	for _, edges := range outEdges {
		for _, e := range edges {
			inDegree[e.Target]++
		}
	}

	var queue []string
	for _, n := range nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, e := range outEdges[id] {
			inDegree[e.Target]--
			if inDegree[e.Target] == 0 {
				queue = append(queue, e.Target)
			}
		}
	}

	if visited == len(nodes) {
		return ""
	}
	for _, n := range nodes {
		if inDegree[n.ID] > 0 {
			return n.ID
		}
	}
	return ""
}

// unreachableFrom does a BFS from startID over outEdges and returns every
// node never visited.
func unreachableFrom(startID string, nodes []dagmodel.Node, outEdges map[string][]dagmodel.Edge) []string {
	visited := map[string]bool{startID: true}
	queue := []string{startID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range outEdges[id] {
			if !visited[e.Target] {
				visited[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}

	var unreached []string
	for _, n := range nodes {
		if !visited[n.ID] {
			unreached = append(unreached, n.ID)
		}
	}
	return unreached
}
