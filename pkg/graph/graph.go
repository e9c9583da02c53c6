// Package graph resolves a declared spec into the execution DAG for one
// root source: a flat, index-addressed node collection with dependency and
// dependent edges, topological ordering, and deps-closure computation.
package graph

import (
	"fmt"

	"github.com/spectreeops/spectree/pkg/spec"
)

// Edge is a dependency reference to another node in the same graph.
type Edge struct {
	// To is the index of the dependency node.
	To int

	// DirectOnly marks an edge whose ancestor is staged only for the edge's
	// own source, never inherited through another ancestor.
	DirectOnly bool
}

// Node is one resolved build node.
type Node struct {
	// Index is the node's position in Graph.Nodes.
	Index int

	Key    spec.SourceKey
	Source *spec.Source

	// Deps are the node's direct edges, in declared order.
	Deps []Edge

	// Dependents are indices of nodes that have a direct edge to this one.
	Dependents []int
}

// Graph is the resolved execution set: the root source and its full
// ancestor closure. Nodes unrelated to the root are not included.
type Graph struct {
	Nodes []*Node

	// Root is the index of the root node.
	Root int

	index map[spec.SourceKey]int
}

// Resolve extracts the execution graph rooted at root from a validated
// tree. The tree is assumed acyclic (spec.Validate rejects cycles); a
// missing root or dangling reference is still reported here.
func Resolve(tree *spec.Tree, root spec.SourceKey) (*Graph, error) {
	g := &Graph{index: map[spec.SourceKey]int{}}

	var add func(key spec.SourceKey) (int, error)
	add = func(key spec.SourceKey) (int, error) {
		if idx, ok := g.index[key]; ok {
			return idx, nil
		}
		src, err := tree.Get(key)
		if err != nil {
			return 0, err
		}
		node := &Node{Index: len(g.Nodes), Key: key, Source: src}
		g.Nodes = append(g.Nodes, node)
		g.index[key] = node.Index
		for _, dep := range src.Dependencies {
			depIdx, err := add(dep.Key)
			if err != nil {
				return 0, err
			}
			node.Deps = append(node.Deps, Edge{To: depIdx, DirectOnly: dep.DirectOnly})
		}
		return node.Index, nil
	}

	rootIdx, err := add(root)
	if err != nil {
		return nil, err
	}
	g.Root = rootIdx

	for _, node := range g.Nodes {
		for _, e := range node.Deps {
			g.Nodes[e.To].Dependents = append(g.Nodes[e.To].Dependents, node.Index)
		}
	}
	return g, nil
}

// Lookup returns the index for a source key in the graph.
func (g *Graph) Lookup(key spec.SourceKey) (int, bool) {
	idx, ok := g.index[key]
	return idx, ok
}

// TopoOrder returns node indices in dependency order: every node appears
// after all of its dependencies.
func (g *Graph) TopoOrder() []int {
	order := make([]int, 0, len(g.Nodes))
	done := make([]bool, len(g.Nodes))
	var visit func(idx int)
	visit = func(idx int) {
		if done[idx] {
			return
		}
		done[idx] = true
		for _, e := range g.Nodes[idx].Deps {
			visit(e.To)
		}
		order = append(order, idx)
	}
	for i := range g.Nodes {
		visit(i)
	}
	return order
}

// DepsClosure returns the indices of all ancestors whose artifacts must be
// visible when building the node at idx, in a deterministic order (breadth
// first from the node, declared edge order within a level).
//
// The node's direct edges are always included. From each included ancestor,
// only its transitive (non direct-only) edges propagate further; a
// direct-only edge stops at its own source.
func (g *Graph) DepsClosure(idx int) []int {
	var closure []int
	seen := map[int]bool{idx: true}

	type item struct {
		idx    int
		direct bool
	}
	queue := []item{{idx: idx, direct: true}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.Nodes[cur.idx].Deps {
			if e.DirectOnly && !cur.direct {
				continue
			}
			if seen[e.To] {
				continue
			}
			seen[e.To] = true
			closure = append(closure, e.To)
			queue = append(queue, item{idx: e.To})
		}
	}
	return closure
}

// Verify checks internal graph invariants; it is used by tests.
func (g *Graph) Verify() error {
	for i, node := range g.Nodes {
		if node.Index != i {
			return fmt.Errorf("node %q has index %d at position %d", node.Key, node.Index, i)
		}
		if got, ok := g.index[node.Key]; !ok || got != i {
			return fmt.Errorf("node %q missing from index", node.Key)
		}
	}
	return nil
}
