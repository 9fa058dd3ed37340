// checkpoint.go - Gradient-Checkpointing: Rueckwaerts ueber rekonstruierte Klone
//
// BuildBackwardCheckpoint tauscht Speicher gegen Rechenzeit: statt jeden
// Vorwaerts-Zwischenwert fuer den Rueckwaertslauf festzuhalten, wird jeder
// Nicht-Checkpoint-Knoten auf dem Pfad zur Loss durch einen Klon ersetzt,
// dessen Quellen rekursiv ebenso umgeschrieben sind und an Checkpoints
// terminieren. Der Klon-Teilgraph berechnet die Zwischenwerte beim
// Rueckwaertslauf neu.
package graph

import (
	"github.com/ggcore/ggcore/arena"
	"github.com/ggcore/ggcore/tensor"
)

// BuildBackwardCheckpoint expands g with gradient nodes like BuildBackward,
// but rewrites every non-checkpoint intermediate between loss and the
// nearest checkpoints into a recomputed clone first. checkpoints must all
// be members of g; leaves and views are shared, never cloned.
func BuildBackwardCheckpoint(ctx *arena.Context, g *Graph, loss *tensor.Tensor, checkpoints []*tensor.Tensor) error {
	cp := make(map[*tensor.Tensor]bool, len(checkpoints))
	for _, c := range checkpoints {
		cp[c] = true
	}

	memo := make(map[*tensor.Tensor]*tensor.Tensor)
	var recompute func(t *tensor.Tensor) (*tensor.Tensor, error)
	recompute = func(t *tensor.Tensor) (*tensor.Tensor, error) {
		if t == nil {
			return nil, nil
		}
		// Leaves and views alias long-lived storage; checkpoints are the
		// values the caller chose to retain. All three terminate the
		// rewrite and are shared with the forward graph.
		if cp[t] || t.ViewSrc != nil || t.Op == tensor.OpNone {
			return t, nil
		}
		if c, ok := memo[t]; ok {
			return c, nil
		}
		clone, err := tensor.New(ctx, t.DType, sliceNeFromTensor(t)...)
		if err != nil {
			return nil, err
		}
		clone.Op = t.Op
		clone.OpParams = t.OpParams
		clone.IsParam = t.IsParam
		for i, src := range t.Src {
			rs, err := recompute(src)
			if err != nil {
				return nil, err
			}
			clone.Src[i] = rs
		}
		memo[t] = clone
		return clone, nil
	}

	rloss, err := recompute(loss)
	if err != nil {
		return err
	}
	if rloss != loss {
		g.Expand(rloss)
	}
	return BuildBackward(ctx, g, rloss)
}
