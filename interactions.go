// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sfm

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// forward assembles the prediction graph for one batch: per-view element-wise
// products of the modes' embeddings, mixed into scalars by Phi's columns and
// summed, plus the global bias. Returns the [batch, 1] output node.
//
// The shared embedding of each mode is computed once and reused across all
// views that list the mode. When viewRank > 0 the shared part is concatenated
// with the mode's view-specific embedding, so every view operates at the full
// width. The owning view's bias is broadcast-added before the product; a view
// with a single mode degenerates to a product over one term.
func (l *Layout) forward(g *Graph, bindings []modeBinding) *Node {
	phi := l.phi.ValueGraph(g)

	shared := make(map[ModeID]*Node)
	sharedEmbedding := func(m ModeID) *Node {
		if e, ok := shared[m]; ok {
			return e
		}
		e := bindings[m-1].embed(l.modeTables[m].ValueGraph(g))
		shared[m] = e
		return e
	}

	var output *Node
	for i, view := range l.spec {
		parts := make([]*Node, 0, len(view.Modes()))
		for _, m := range view.Modes() {
			e := sharedEmbedding(m)
			if l.viewRank > 0 {
				viewPart := bindings[m-1].embed(l.viewTables[m].ValueGraph(g))
				e = Concatenate([]*Node{e, viewPart}, -1)
			}
			e = Add(e, l.viewBiases[m].ValueGraph(g))
			parts = append(parts, e)
		}
		product := ReduceMultiply(Stack(parts, -1), -1)          // [batch, width]
		column := Slice(phi, AxisRange(), AxisRange(i, i+1))     // [width, 1]
		contribution := MatMul(product, column)                  // [batch, 1]
		if output == nil {
			output = contribution
		} else {
			output = Add(output, contribution)
		}
	}
	return Add(output, l.globalBias.ValueGraph(g))
}
