// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sfm

import (
	"io"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// BatchDataset adapts a slice of canonical batches to the train.Dataset
// interface, so a Machine's trainer can be driven by train.Loop. Batches are
// split through the machine's schema at yield time.
//
// By default it yields each batch once and then io.EOF; with Infinite it
// cycles forever, for use with train.NewLoop + RunSteps.
type BatchDataset struct {
	name     string
	schema   *Schema
	batches  []*Batch
	next     int
	infinite bool
}

// NewBatchDataset creates a dataset over the given batches, validated lazily
// against the machine's schema. The machine must be built.
func NewBatchDataset(name string, m *Machine, batches []*Batch) (*BatchDataset, error) {
	if m.Schema() == nil {
		return nil, errors.Wrap(ErrNotBuilt, "NewBatchDataset")
	}
	return &BatchDataset{name: name, schema: m.Schema(), batches: batches}, nil
}

// Infinite makes the dataset cycle through its batches forever.
func (ds *BatchDataset) Infinite() *BatchDataset {
	ds.infinite = true
	return ds
}

// Name implements train.Dataset.
func (ds *BatchDataset) Name() string { return ds.name }

// Reset implements train.Dataset, restarting from the first batch.
func (ds *BatchDataset) Reset() { ds.next = 0 }

// Yield implements train.Dataset, returning the next batch in canonical
// split form. The yielded tensors are reused across epochs.
func (ds *BatchDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.next >= len(ds.batches) {
		if !ds.infinite || len(ds.batches) == 0 {
			return nil, nil, nil, io.EOF
		}
		ds.next = 0
	}
	batch := ds.batches[ds.next]
	ds.next++
	return ds.schema.split(batch)
}

// FinalizeYieldsAfterUse implements the optional train.Dataset extension:
// yielded tensors are owned by the dataset and must not be finalized by the
// trainer.
func (ds *BatchDataset) FinalizeYieldsAfterUse() bool { return false }
