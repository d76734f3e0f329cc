// Package graph flattens a parsed workflow's task hierarchy into a flat
// dependency graph, exposes Kahn's-algorithm topological ordering and
// cycle detection, and tracks per-task status for ready-set computation.
package graph

import (
	"fmt"
	"sort"

	"github.com/loomwork/loom/internal/dsl"
)

// Node is one flattened task graph entry.
type Node struct {
	ID           string
	Task         *dsl.Task
	DependsOn    map[string]bool // predecessors, including implicit parent edge
	ParallelWith map[string]bool // symmetric (transitive-closure) peer set
	Status       dsl.TaskStatus
	Attempts     int
	order        int // global dispatch order, derived from dsl.Task.DeclOrder
}

// Graph is the flattened, validated task dependency graph.
type Graph struct {
	Nodes map[string]*Node
	order []string // declaration order of node IDs
}

// ErrCycle is returned by Build/TopoSort when the graph is not acyclic.
type ErrCycle struct {
	Remaining []string
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("cycle detected among tasks: %v", e.Remaining)
}

// Build flattens wf.Tasks into a Graph. Every subtask of parent P becomes
// a node "P.child" with an implicit dependency edge P -> P.child.
// parallel_with is treated as symmetric: declaring it on either side
// populates both nodes' ParallelWith sets (the resolved open question
// in SPEC_FULL.md §4.4).
func Build(wf *dsl.Workflow) (*Graph, error) {
	g := &Graph{Nodes: make(map[string]*Node)}

	var walk func(tasks map[string]*dsl.Task, parentID string)
	walk = func(tasks map[string]*dsl.Task, parentID string) {
		names := make([]string, 0, len(tasks))
		for name := range tasks {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			oi, oj := tasks[names[i]].DeclOrder, tasks[names[j]].DeclOrder
			if oi != oj {
				return oi < oj
			}
			return names[i] < names[j] // stable fallback for ties (e.g. DeclOrder unset)
		})
		for _, name := range names {
			t := tasks[name]
			id := t.ID
			if id == "" {
				id = name
				if parentID != "" {
					id = parentID + "." + name
				}
			}
			n := &Node{
				ID:           id,
				Task:         t,
				DependsOn:    map[string]bool{},
				ParallelWith: map[string]bool{},
				Status:       dsl.StatusPending,
				order:        len(g.order),
			}
			for _, dep := range t.DependsOn {
				n.DependsOn[dep] = true
			}
			if parentID != "" {
				n.DependsOn[parentID] = true
			}
			g.Nodes[id] = n
			g.order = append(g.order, id)
			if len(t.Subtasks) > 0 {
				walk(t.Subtasks, id)
			}
		}
	}
	walk(wf.Tasks, "")

	// parallel_with symmetric closure.
	for id, n := range g.Nodes {
		for _, peer := range n.Task.ParallelWith {
			n.ParallelWith[peer] = true
			if pn, ok := g.Nodes[peer]; ok {
				pn.ParallelWith[id] = true
			}
		}
	}

	if _, err := g.TopoSort(); err != nil {
		return nil, err
	}
	return g, nil
}

// TopoSort runs Kahn's algorithm over the full node set, returning node
// IDs in a valid topological order (order(A) < order(B) for every edge
// A->B). Ties are broken by declaration order. On a non-empty residual
// in-degree set it returns ErrCycle naming the unresolved nodes.
func (g *Graph) TopoSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.Nodes))
	children := make(map[string][]string, len(g.Nodes))
	for id, n := range g.Nodes {
		if _, ok := inDegree[id]; !ok {
			inDegree[id] = 0
		}
		for dep := range n.DependsOn {
			inDegree[id]++
			children[dep] = append(children[dep], id)
		}
	}

	ready := make([]string, 0, len(g.Nodes))
	for _, id := range g.order {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	result := make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return g.Nodes[ready[i]].order < g.Nodes[ready[j]].order })
		id := ready[0]
		ready = ready[1:]
		result = append(result, id)
		for _, child := range children[id] {
			inDegree[child]--
			if inDegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(result) != len(g.Nodes) {
		var remaining []string
		for id, deg := range inDegree {
			if deg > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, &ErrCycle{Remaining: remaining}
	}
	return result, nil
}

// ReadySet returns, in declaration order, every Pending node whose
// predecessors are all Completed or Skipped.
func (g *Graph) ReadySet() []*Node {
	var ready []*Node
	for _, id := range g.order {
		n := g.Nodes[id]
		if n.Status != dsl.StatusPending {
			continue
		}
		if g.predecessorsSatisfied(n) {
			ready = append(ready, n)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].order < ready[j].order })
	return ready
}

func (g *Graph) predecessorsSatisfied(n *Node) bool {
	for dep := range n.DependsOn {
		pn, ok := g.Nodes[dep]
		if !ok {
			continue
		}
		if pn.Status != dsl.StatusCompleted && pn.Status != dsl.StatusSkipped {
			return false
		}
	}
	return true
}

// Batch groups a node with its symmetric parallel_with peers that are
// also currently ready, for bounded-concurrent dispatch.
func (g *Graph) Batch(n *Node) []*Node {
	batch := []*Node{n}
	seen := map[string]bool{n.ID: true}
	for peer := range n.ParallelWith {
		pn, ok := g.Nodes[peer]
		if !ok || seen[peer] || pn.Status != dsl.StatusPending || !g.predecessorsSatisfied(pn) {
			continue
		}
		seen[peer] = true
		batch = append(batch, pn)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].order < batch[j].order })
	return batch
}

// Terminal reports whether every node has reached a terminal status.
func (g *Graph) Terminal() bool {
	for _, n := range g.Nodes {
		switch n.Status {
		case dsl.StatusCompleted, dsl.StatusFailed, dsl.StatusSkipped:
		default:
			return false
		}
	}
	return true
}

// AnyFailed reports whether any node ended Failed (workflow-level status).
func (g *Graph) AnyFailed() bool {
	for _, n := range g.Nodes {
		if n.Status == dsl.StatusFailed {
			return true
		}
	}
	return false
}
