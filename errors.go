// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sfm

import "github.com/pkg/errors"

// Sentinel errors returned by the fallible surface of the package. They are
// matched with errors.Is; call sites wrap them with context using pkg/errors.
var (
	// ErrUnknownInputType is returned when an input representation tag is
	// neither "dense" nor "sparse".
	ErrUnknownInputType = errors.New("unknown input representation type")

	// ErrMissingFeatureDimensions is returned by Build when per-mode feature
	// dimensions were never configured via SetNumFeatures.
	ErrMissingFeatureDimensions = errors.New("per-mode feature dimensions not set")

	// ErrAlreadyBuilt is returned when Build is called a second time, or a
	// pre-build setter is called after Build.
	ErrAlreadyBuilt = errors.New("machine already built")

	// ErrNotBuilt is returned by operations that need a built graph
	// (TrainStep, Predict, InitVariables) before Build was called.
	ErrNotBuilt = errors.New("machine not built")

	// ErrNonFiniteObjective is returned by TrainStep when the objective
	// evaluates to NaN or Inf. The machine halts; further steps fail with the
	// same error.
	ErrNonFiniteObjective = errors.New("objective is not finite (NaN or Inf)")
)
