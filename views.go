// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sfm

import (
	"slices"

	"github.com/pkg/errors"
)

// ModeID identifies one mode: a categorical field group with its own feature
// space and embedding table. Mode ids are 1-based, following the usual
// tensor-mode convention.
type ModeID int

// ViewID identifies one view, 1-based in the order the views are declared in
// the ViewSpec. SharedView (0) addresses parameters shared by all views.
type ViewID int

// SharedView is the reserved ViewID for parameters shared across every view,
// namely the co-rank embedding tables.
const SharedView ViewID = 0

// View is a set of modes whose embeddings are combined by element-wise
// product into one multiplicative interaction term. A view with a single mode
// contributes its embedding directly, with no product.
type View []ModeID

// Modes returns the view's modes deduplicated and in ascending order.
// A mode listed twice in the same view counts once.
func (v View) Modes() []ModeID {
	modes := slices.Clone(v)
	slices.Sort(modes)
	return slices.Compact(modes)
}

// ViewSpec declares the interaction structure of the model, one entry per
// view.
//
// Example: ViewSpec{{1, 2, 3}, {1, 4}} declares a third-order view over modes
// 1, 2 and 3 and a pairwise view over modes 1 and 4. The total number of
// modes is the maximum id referenced anywhere in the spec, here 4.
type ViewSpec []View

// NumViews returns the number of declared views.
func (s ViewSpec) NumViews() int { return len(s) }

// NumModes returns the number of modes, defined as the maximum mode id
// referenced by any view.
func (s ViewSpec) NumModes() int {
	maxMode := 0
	for _, view := range s {
		for _, m := range view {
			maxMode = max(maxMode, int(m))
		}
	}
	return maxMode
}

// Validate checks that the spec declares at least one view, that every view
// lists at least one mode and that every mode id is >= 1.
func (s ViewSpec) Validate() error {
	if len(s) == 0 {
		return errors.New("ViewSpec must declare at least one view")
	}
	for i, view := range s {
		if len(view) == 0 {
			return errors.Errorf("view %d of ViewSpec lists no modes", i+1)
		}
		for _, m := range view {
			if m < 1 {
				return errors.Errorf("view %d of ViewSpec references invalid mode id %d: mode ids are 1-based", i+1, m)
			}
		}
	}
	return nil
}
