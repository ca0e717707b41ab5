// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sfm

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRequiresFeatureDimensions(t *testing.T) {
	m, err := New(ViewSpec{{1}}).Backend(testBackend(t)).Done()
	require.NoError(t, err)
	err = m.Build()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingFeatureDimensions))
}

func TestBuildIsOneShot(t *testing.T) {
	m, err := New(ViewSpec{{1}}).CoRank(2).Backend(testBackend(t)).Done()
	require.NoError(t, err)
	require.NoError(t, m.SetNumFeatures(map[ModeID]int{1: 3}))
	require.NoError(t, m.Build())

	err = m.Build()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyBuilt))

	err = m.SetNumFeatures(map[ModeID]int{1: 4})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyBuilt))

	err = m.SetRelational(true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyBuilt))
}

func TestSetNumFeaturesValidation(t *testing.T) {
	m, err := New(ViewSpec{{1, 2}}).Backend(testBackend(t)).Done()
	require.NoError(t, err)

	// Mode 2 missing.
	require.Error(t, m.SetNumFeatures(map[ModeID]int{1: 3}))
	// Non-positive dimension.
	require.Error(t, m.SetNumFeatures(map[ModeID]int{1: 3, 2: 0}))
	require.NoError(t, m.SetNumFeatures(map[ModeID]int{1: 3, 2: 5}))
}

func TestOperationsRequireBuild(t *testing.T) {
	m, err := New(ViewSpec{{1}}).Backend(testBackend(t)).Done()
	require.NoError(t, err)

	_, err = m.TrainStep(&Batch{})
	assert.True(t, errors.Is(err, ErrNotBuilt))
	_, err = m.Predict(&Batch{})
	assert.True(t, errors.Is(err, ErrNotBuilt))
	assert.True(t, errors.Is(m.InitVariables(), ErrNotBuilt))
}

func TestTrainStepLearnsLinearTarget(t *testing.T) {
	m, err := New(ViewSpec{{1}}).
		CoRank(1).ViewRank(0).
		Optimizer(optimizers.Adam().LearningRate(0.1).Done()).
		Backend(testBackend(t)).
		Done()
	require.NoError(t, err)
	require.NoError(t, m.SetNumFeatures(map[ModeID]int{1: 1}))
	require.NoError(t, m.Build())
	require.NoError(t, m.InitVariables())

	// y = 2x, learnable exactly by the degenerate linear model.
	batch := &Batch{
		Modes:  []ModeInput{{Dense: tensors.FromValue([][]float32{{1}, {2}, {3}, {-1}})}},
		Labels: tensors.FromValue([]float32{2, 4, 6, -2}),
	}
	first, err := m.TrainStep(batch)
	require.NoError(t, err)
	require.False(t, math.IsNaN(first))

	var last float64
	for range 200 {
		last, err = m.TrainStep(batch)
		require.NoError(t, err)
	}
	assert.Lessf(t, last, first, "objective did not improve: first=%g last=%g", first, last)
	assert.Less(t, last, 0.1)
}

func TestTrainStepWithRegularization(t *testing.T) {
	m, err := New(ViewSpec{{1}}).
		CoRank(1).ViewRank(0).
		RegStrength(0.01).RegNorm(NormL2).
		Optimizer(optimizers.Adam().LearningRate(0.1).Done()).
		Backend(testBackend(t)).
		Done()
	require.NoError(t, err)
	require.NoError(t, m.SetNumFeatures(map[ModeID]int{1: 2}))
	require.NoError(t, m.Build())
	require.NoError(t, m.InitVariables())

	batch := &Batch{
		Modes:  []ModeInput{{Dense: tensors.FromValue([][]float32{{1, 0}, {0, 1}})}},
		Labels: tensors.FromValue([]float32{1, -1}),
	}
	obj, err := m.TrainStep(batch)
	require.NoError(t, err)
	require.False(t, math.IsNaN(obj))

	penalty, err := m.RegularizationPenalty()
	require.NoError(t, err)
	assert.Greater(t, penalty, 0.0)
}

func TestNonFiniteObjectiveHaltsMachine(t *testing.T) {
	m, err := New(ViewSpec{{1}}).
		CoRank(1).ViewRank(0).
		Optimizer(optimizers.Adam().LearningRate(0.1).Done()).
		Backend(testBackend(t)).
		Done()
	require.NoError(t, err)
	require.NoError(t, m.SetNumFeatures(map[ModeID]int{1: 1}))
	require.NoError(t, m.Build())
	require.NoError(t, m.InitVariables())

	// A NaN label makes the squared error NaN deterministically.
	poisoned := &Batch{
		Modes:  []ModeInput{{Dense: tensors.FromValue([][]float32{{1}})}},
		Labels: tensors.FromValue([]float32{float32(math.NaN())}),
	}
	_, err = m.TrainStep(poisoned)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNonFiniteObjective))

	// The machine stays halted, even for a clean batch.
	clean := &Batch{
		Modes:  []ModeInput{{Dense: tensors.FromValue([][]float32{{1}})}},
		Labels: tensors.FromValue([]float32{2}),
	}
	_, err = m.TrainStep(clean)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNonFiniteObjective))

	// Inference is still allowed: the variables hold whatever the halting
	// step left behind, and callers restore a checkpoint if they need better.
	_, err = m.Predict(&Batch{Modes: []ModeInput{
		{Dense: tensors.FromValue([][]float32{{1}})},
	}})
	assert.NoError(t, err)
}

func TestTrainStepRequiresLabels(t *testing.T) {
	m, err := New(ViewSpec{{1}}).CoRank(1).Backend(testBackend(t)).Done()
	require.NoError(t, err)
	require.NoError(t, m.SetNumFeatures(map[ModeID]int{1: 1}))
	require.NoError(t, m.Build())

	_, err = m.TrainStep(&Batch{
		Modes: []ModeInput{{Dense: tensors.FromValue([][]float32{{1}})}},
	})
	require.Error(t, err)
}

func TestVariablesEnumeration(t *testing.T) {
	m, err := New(ViewSpec{{1, 2}}).CoRank(2).ViewRank(1).Backend(testBackend(t)).Done()
	require.NoError(t, err)
	require.NoError(t, m.SetNumFeatures(map[ModeID]int{1: 3, 2: 4}))
	require.NoError(t, m.Build())

	// phi, global bias, 2 shared tables, 2 scales, 2 view biases, 2 view
	// tables.
	assert.GreaterOrEqual(t, len(m.Variables()), 10)
	assert.Greater(t, m.Layout().NumParameters(), 0)
}
