package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spectreeops/spectree/pkg/spec"
)

func mustTree(t *testing.T, data string) *spec.Tree {
	t.Helper()
	tree, err := spec.LoadFromBytes([]byte(data))
	require.NoError(t, err)
	return tree
}

func keysOf(g *Graph, indices []int) []spec.SourceKey {
	out := make([]spec.SourceKey, len(indices))
	for i, idx := range indices {
		out[i] = g.Nodes[idx].Key
	}
	return out
}

func TestResolve_LinearChain(t *testing.T) {
	tree := mustTree(t, `
a:
  source: git
  path: /a
b:
  source: git
  path: /b
  dependencies: [a]
c:
  source: git
  path: /c
  dependencies: [b]
unrelated:
  source: git
  path: /u
`)
	g, err := Resolve(tree, "c")
	require.NoError(t, err)
	require.NoError(t, g.Verify())

	// Only the root closure is resolved; unrelated siblings are ignored.
	assert.Len(t, g.Nodes, 3)
	_, ok := g.Lookup("unrelated")
	assert.False(t, ok)

	assert.Equal(t, spec.SourceKey("c"), g.Nodes[g.Root].Key)

	cIdx, _ := g.Lookup("c")
	bIdx, _ := g.Lookup("b")
	aIdx, _ := g.Lookup("a")

	assert.ElementsMatch(t, []spec.SourceKey{"a", "b"}, keysOf(g, g.DepsClosure(cIdx)))
	assert.Equal(t, []spec.SourceKey{"a"}, keysOf(g, g.DepsClosure(bIdx)))
	assert.Empty(t, g.DepsClosure(aIdx))
}

func TestResolve_TopoOrder(t *testing.T) {
	tree := mustTree(t, `
a:
  source: git
  path: /a
b:
  source: git
  path: /b
  dependencies: [a]
c:
  source: git
  path: /c
  dependencies: [a, b]
`)
	g, err := Resolve(tree, "c")
	require.NoError(t, err)

	order := g.TopoOrder()
	require.Len(t, order, 3)

	pos := map[spec.SourceKey]int{}
	for i, idx := range order {
		pos[g.Nodes[idx].Key] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["b"], pos["c"])
}

func TestDepsClosure_DiamondWithDirectOnly(t *testing.T) {
	// d depends on b and c; b depends on ~a; c depends on a.
	tree := mustTree(t, `
a:
  source: git
  path: /a
b:
  source: git
  path: /b
  dependencies: ["~a"]
c:
  source: git
  path: /c
  dependencies: [a]
d:
  source: git
  path: /d
  dependencies: [b, c]
`)
	g, err := Resolve(tree, "d")
	require.NoError(t, err)

	dIdx, _ := g.Lookup("d")
	bIdx, _ := g.Lookup("b")

	// d sees a through c (transitive), not through b (direct-only stops at b).
	got := keysOf(g, g.DepsClosure(dIdx))
	assert.ElementsMatch(t, []spec.SourceKey{"a", "b", "c"}, got)

	// b's own build still stages a: the edge is direct for b itself.
	assert.Equal(t, []spec.SourceKey{"a"}, keysOf(g, g.DepsClosure(bIdx)))
}

func TestDepsClosure_DirectOnlySubtreeRemoved(t *testing.T) {
	// top -> mid -> ~inner -> leaf: inner's whole subtree is invisible above mid.
	tree := mustTree(t, `
leaf:
  source: git
  path: /leaf
inner:
  source: git
  path: /inner
  dependencies: [leaf]
mid:
  source: git
  path: /mid
  dependencies: ["~inner"]
top:
  source: git
  path: /top
  dependencies: [mid]
`)
	g, err := Resolve(tree, "top")
	require.NoError(t, err)

	topIdx, _ := g.Lookup("top")
	midIdx, _ := g.Lookup("mid")

	assert.Equal(t, []spec.SourceKey{"mid"}, keysOf(g, g.DepsClosure(topIdx)))
	assert.ElementsMatch(t, []spec.SourceKey{"inner", "leaf"}, keysOf(g, g.DepsClosure(midIdx)))
}

func TestResolve_SharedNodeOnce(t *testing.T) {
	tree := mustTree(t, `
a:
  source: git
  path: /a
b:
  source: git
  path: /b
  dependencies: [a]
c:
  source: git
  path: /c
  dependencies: [a, b]
`)
	g, err := Resolve(tree, "c")
	require.NoError(t, err)

	// a is referenced twice but resolved once.
	assert.Len(t, g.Nodes, 3)

	aIdx, _ := g.Lookup("a")
	assert.ElementsMatch(t, []spec.SourceKey{"b", "c"}, keysOf(g, g.Nodes[aIdx].Dependents))
}

func TestResolve_MissingRoot(t *testing.T) {
	tree := mustTree(t, "a:\n  source: git\n  path: /a\n")
	_, err := Resolve(tree, "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"nope" not found`)
}
