// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sfm

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInputKind(t *testing.T) {
	kind, err := ParseInputKind("dense")
	require.NoError(t, err)
	assert.Equal(t, DenseInput, kind)

	kind, err = ParseInputKind("sparse")
	require.NoError(t, err)
	assert.Equal(t, SparseInput, kind)

	for _, tag := range []string{"", "coo", "Dense", "csr"} {
		_, err = ParseInputKind(tag)
		require.Errorf(t, err, "tag %q", tag)
		assert.True(t, errors.Is(err, ErrUnknownInputType))
	}
}

func TestSchemaSplitDense(t *testing.T) {
	s := newSchema(DenseInput, false, map[ModeID]int{1: 3, 2: 2}, 2)
	batch := &Batch{
		Modes: []ModeInput{
			{Dense: tensors.FromValue([][]float32{{1, 2, 3}})},
			{Dense: tensors.FromValue([][]float32{{4, 5}})},
		},
		Labels: tensors.FromValue([]float32{1}),
	}
	spec, inputs, labels, err := s.split(batch)
	require.NoError(t, err)
	assert.Len(t, inputs, 2)
	assert.Len(t, labels, 1)
	assert.NotNil(t, spec)

	// Splitting again returns the interned spec: pointer-identical, so the
	// trainer does not recompile.
	spec2, _, _, err := s.split(batch)
	require.NoError(t, err)
	assert.Same(t, spec, spec2)
}

func TestSchemaSplitDenseErrors(t *testing.T) {
	s := newSchema(DenseInput, false, map[ModeID]int{1: 3, 2: 2}, 2)

	// Wrong number of modes.
	_, _, _, err := s.split(&Batch{Modes: []ModeInput{{}}})
	require.Error(t, err)

	// Missing dense tensor.
	_, _, _, err = s.split(&Batch{Modes: []ModeInput{{}, {}}})
	require.Error(t, err)

	// Feature dimension mismatch.
	_, _, _, err = s.split(&Batch{Modes: []ModeInput{
		{Dense: tensors.FromValue([][]float32{{1, 2}})},
		{Dense: tensors.FromValue([][]float32{{4, 5}})},
	}})
	require.Error(t, err)
}

func TestSchemaSplitSparse(t *testing.T) {
	s := newSchema(SparseInput, false, map[ModeID]int{1: 3}, 1)
	batch := &Batch{
		Modes: []ModeInput{{
			Indices: tensors.FromValue([][]int32{{0, 0}, {1, 2}}),
			Values:  tensors.FromValue([]float32{1, 2}),
			Shape:   [2]int{2, 3},
		}},
	}
	spec, inputs, labels, err := s.split(batch)
	require.NoError(t, err)
	assert.Len(t, inputs, 2)
	assert.Empty(t, labels)
	assert.Equal(t, []int{2}, spec.rows)

	// Column-count mismatch against the schema.
	batch.Modes[0].Shape = [2]int{2, 4}
	_, _, _, err = s.split(batch)
	require.Error(t, err)
}

func TestSchemaSplitRelational(t *testing.T) {
	s := newSchema(DenseInput, true, map[ModeID]int{1: 2}, 1)
	batch := &Batch{
		Modes: []ModeInput{{
			Dense: tensors.FromValue([][]float32{{1, 2}, {3, 4}}),
		}},
	}
	_, _, _, err := s.split(batch)
	require.Error(t, err) // RowIDs missing

	batch.Modes[0].RowIDs = tensors.FromValue([]int32{1, 0, 1})
	_, inputs, _, err := s.split(batch)
	require.NoError(t, err)
	assert.Len(t, inputs, 2)
}

func TestBatchSpecKeys(t *testing.T) {
	s := newSchema(SparseInput, false, map[ModeID]int{1: 3}, 1)
	a := &batchSpec{schema: s, rows: []int{2}}
	b := &batchSpec{schema: s, rows: []int{4}}
	assert.NotEqual(t, a.String(), b.String())

	r := newSchema(SparseInput, true, map[ModeID]int{1: 3}, 1)
	c := &batchSpec{schema: r, rows: []int{2}}
	assert.NotEqual(t, a.String(), c.String())
}
