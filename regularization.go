// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sfm

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Norm tags the norm used by the regularization penalty. NormL1 selects
// sum(|x|); any other value, NormL2 included, selects the halved squared
// l2 norm, 0.5*sum(x²).
type Norm string

const (
	NormL1 Norm = "L1"
	NormL2 Norm = "L2"
)

func normOf(x *Node, norm Norm) *Node {
	if norm == NormL1 {
		return ReduceAllSum(Abs(x))
	}
	return MulScalar(ReduceAllSum(Square(x)), 0.5)
}

// penalty accumulates the regularization terms over every materialized
// parameter, as a scalar node. The accumulation order is fixed: the shared
// table of each mode in ascending order; then, per view in declaration order,
// the bias and view table of each mode the view owns; then each column of
// Phi; then Phi as a whole. A mode whose view parameters belong to an earlier
// view contributes nothing on behalf of the later view, so repeated claims
// never change the number of accumulated terms.
func (l *Layout) penalty(g *Graph, norm Norm) *Node {
	var total *Node
	add := func(x *Node) {
		term := normOf(x, norm)
		if total == nil {
			total = term
		} else {
			total = Add(total, term)
		}
	}

	for m := ModeID(1); m <= ModeID(l.numModes); m++ {
		add(l.modeTables[m].ValueGraph(g))
	}
	for i, view := range l.spec {
		v := ViewID(i + 1)
		for _, m := range view.Modes() {
			if l.owners[m] != v {
				continue
			}
			add(l.viewBiases[m].ValueGraph(g))
			if l.viewRank > 0 {
				add(l.viewTables[m].ValueGraph(g))
			}
		}
	}
	phi := l.phi.ValueGraph(g)
	for j := range l.spec {
		add(Slice(phi, AxisRange(), AxisRange(j, j+1)))
	}
	add(phi)
	return total
}
