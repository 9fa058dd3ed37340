// builder.go - Vorwaerts-Graph-Konstruktion via Post-Order DFS
//
// BuildForward traversiert die src-Kanten jedes Ausgabetensors und erzeugt
// eine topologische Ordnung (Kinder vor Eltern). Ein Hash-Set aus
// gods/v2/sets/hashset verhindert doppelte Besuche in Diamant-foermigen
// Teilgraphen (z.B. ein Gewicht, das von mehreren Layern referenziert wird).
package graph

import (
	"github.com/emirpasic/gods/v2/sets/hashset"

	"github.com/ggcore/ggcore/tensor"
)

// BuildForward walks the src edges of each tensor in outputs and returns a
// Graph whose Nodes are in topological order (every tensor appears after
// all of its sources). Leaves (tensor.OpNone) are collected separately.
// Sources are visited left-to-right, the only traversal direction this
// builder implements.
func BuildForward(outputs ...*tensor.Tensor) *Graph {
	g := &Graph{
		nodeIndex: make(map[*tensor.Tensor]int),
		leafSet:   make(map[*tensor.Tensor]bool),
	}
	g.Expand(outputs...)
	return g
}

// Expand appends the (not yet placed) subgraphs rooted at outputs to g in
// topological order. Tensors already placed by an earlier BuildForward or
// Expand call keep their positions; only new nodes are appended, so an
// existing prefix of Nodes is never reordered. Backward expansion uses
// this to layer the gradient subgraph after the forward one.
func (g *Graph) Expand(outputs ...*tensor.Tensor) {
	visited := hashset.New[*tensor.Tensor]()

	var visit func(t *tensor.Tensor)
	visit = func(t *tensor.Tensor) {
		if t == nil || visited.Contains(t) || g.Contains(t) {
			return
		}
		visited.Add(t)

		if t.ViewSrc != nil {
			visit(t.ViewSrc)
		}
		for _, src := range t.Src {
			visit(src)
		}

		if t.Op == tensor.OpNone && t.ViewSrc == nil {
			g.Leaves = append(g.Leaves, t)
			g.leafSet[t] = true
			return
		}
		if len(g.Nodes) >= DefaultMaxNodes {
			panic(&OverflowError{Cap: DefaultMaxNodes})
		}
		g.nodeIndex[t] = len(g.Nodes)
		g.Nodes = append(g.Nodes, t)
	}

	for _, out := range outputs {
		visit(out)
	}
}
