// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sfm

import (
	"fmt"
	"math"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"k8s.io/klog/v2"
)

// Layout owns every learnable parameter of the model as explicit
// *context.Variable handles keyed by mode and view. All variables are created
// exactly once, when the Layout is built; graph construction only reads them.
//
// Per-mode scale vectors are allocated as ones and kept non-trainable. They
// are reserved state, not applied anywhere in the interaction graph.
type Layout struct {
	ctx      *context.Context
	spec     ViewSpec
	coRank   int
	viewRank int
	numModes int

	// modeTables are the shared embedding tables, [dim(m), coRank], one per
	// mode. scales are the reserved per-mode scale vectors [width].
	modeTables map[ModeID]*context.Variable
	scales     map[ModeID]*context.Variable

	// viewBiases and viewTables hold the view-specific parameters keyed by
	// mode. A mode's view parameters are created by the first view that lists
	// it; owners records which view that was. viewTables is only populated
	// when viewRank > 0.
	viewBiases map[ModeID]*context.Variable
	viewTables map[ModeID]*context.Variable
	owners     map[ModeID]ViewID

	// phi is the mixing matrix [width, numViews]; globalBias is a scalar.
	phi        *context.Variable
	globalBias *context.Variable
}

// width is the embedding width shared by every (view, mode) pair:
// coRank + viewRank.
func (l *Layout) width() int { return l.coRank + l.viewRank }

// Owner returns the view that created mode m's view-specific parameters, or
// false if no view lists m (which cannot happen for modes in [1, numModes]).
func (l *Layout) Owner(m ModeID) (ViewID, bool) {
	v, ok := l.owners[m]
	return v, ok
}

// Phi returns the mixing matrix variable, shaped [width, numViews].
func (l *Layout) Phi() *context.Variable { return l.phi }

// GlobalBias returns the scalar bias variable.
func (l *Layout) GlobalBias() *context.Variable { return l.globalBias }

// ModeTable returns mode m's shared embedding table, [dim(m), coRank].
func (l *Layout) ModeTable(m ModeID) *context.Variable { return l.modeTables[m] }

// ViewBias returns the bias of mode m's owning view, [1, width].
func (l *Layout) ViewBias(m ModeID) *context.Variable { return l.viewBiases[m] }

// ViewTable returns mode m's view-specific table, [dim(m), viewRank], or nil
// when viewRank == 0.
func (l *Layout) ViewTable(m ModeID) *context.Variable { return l.viewTables[m] }

// tableInitializer builds a variance-scaling normal initializer:
// stddev = sqrt(scaling / fanIn).
func tableInitializer(ctx *context.Context, scaling float64, fanIn int) context.VariableInitializer {
	return initializers.RandomNormalFn(ctx, math.Sqrt(scaling/float64(fanIn)))
}

// newLayout allocates every model parameter under ctx. featureDims gives the
// input dimensionality of each mode, and must cover every mode the spec
// references. fullOrder controls whether the per-view biases are trainable.
//
// Creation order is part of the layout contract (the regularization
// accumulator follows it): Phi and the global bias first, then the shared
// table and scale vector of each mode in ascending order, then for each view
// in declaration order the bias and table of each of its modes.
func newLayout(ctx *context.Context, spec ViewSpec, featureDims map[ModeID]int,
	coRank, viewRank int, initScaling float64, fullOrder bool) *Layout {
	l := &Layout{
		ctx:        ctx,
		spec:       spec,
		coRank:     coRank,
		viewRank:   viewRank,
		numModes:   spec.NumModes(),
		modeTables: make(map[ModeID]*context.Variable),
		scales:     make(map[ModeID]*context.Variable),
		viewBiases: make(map[ModeID]*context.Variable),
		viewTables: make(map[ModeID]*context.Variable),
		owners:     make(map[ModeID]ViewID),
	}
	width := l.width()

	l.phi = ctx.WithInitializer(tableInitializer(ctx, initScaling, width)).
		VariableWithShape("phi", shapes.Make(dtypes.Float32, width, spec.NumViews())).
		SetTrainable(true)
	l.globalBias = ctx.WithInitializer(initializers.Zero).
		VariableWithShape("bias", shapes.Make(dtypes.Float32)).
		SetTrainable(true)

	for m := ModeID(1); m <= ModeID(l.numModes); m++ {
		dim := featureDims[m]
		scope := ctx.In(fmt.Sprintf("co_mode_%d", m))
		l.modeTables[m] = scope.WithInitializer(tableInitializer(ctx, initScaling, dim)).
			VariableWithShape("embedding", shapes.Make(dtypes.Float32, dim, coRank)).
			SetTrainable(true)
		l.scales[m] = scope.WithInitializer(initializers.One).
			VariableWithShape("scale", shapes.Make(dtypes.Float32, width)).
			SetTrainable(false)
	}

	for i, view := range spec {
		v := ViewID(i + 1)
		for _, m := range view.Modes() {
			if created := l.claimViewParams(v, m, featureDims[m], initScaling, fullOrder); !created {
				klog.Warningf("mode %d already bound to view %d; view %d reuses its bias and embedding", m, l.owners[m], v)
			}
		}
	}
	return l
}

// claimViewParams creates the view-specific bias (and table, when
// viewRank > 0) for mode m on behalf of view v and reports whether anything
// was created. A repeated claim returns false and creates nothing: the
// earlier claimant's tensors are shared. The caller decides how to surface
// the conflict.
func (l *Layout) claimViewParams(v ViewID, m ModeID, dim int, initScaling float64, fullOrder bool) (created bool) {
	if _, ok := l.owners[m]; ok {
		return false
	}
	l.owners[m] = v

	scope := l.ctx.In(fmt.Sprintf("view_%d_mode_%d", v, m))
	l.viewBiases[m] = scope.WithInitializer(initializers.Zero).
		VariableWithShape("bias", shapes.Make(dtypes.Float32, 1, l.width())).
		SetTrainable(fullOrder)
	if l.viewRank > 0 {
		l.viewTables[m] = scope.WithInitializer(tableInitializer(l.ctx, initScaling, dim)).
			VariableWithShape("embedding", shapes.Make(dtypes.Float32, dim, l.viewRank)).
			SetTrainable(true)
	}
	return true
}

// NumParameters returns the total number of scalar parameters in the layout,
// trainable or not.
func (l *Layout) NumParameters() int {
	total := l.phi.Shape().Size() + l.globalBias.Shape().Size()
	for _, v := range l.modeTables {
		total += v.Shape().Size()
	}
	for _, v := range l.scales {
		total += v.Shape().Size()
	}
	for _, v := range l.viewBiases {
		total += v.Shape().Size()
	}
	for _, v := range l.viewTables {
		total += v.Shape().Size()
	}
	return total
}
