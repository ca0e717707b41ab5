// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sfm

import (
	"fmt"
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// InputKind selects the representation of the per-mode input matrices.
type InputKind int

const (
	// DenseInput feeds each mode as a dense [batch, dim(m)] float32 matrix.
	DenseInput InputKind = iota

	// SparseInput feeds each mode in COO form: an int32 [nnz, 2] coordinate
	// matrix sorted row-major, a float32 [nnz] value vector and the dense
	// shape. Coordinates are trusted as-is and never re-sorted.
	SparseInput
)

// ParseInputKind maps the textual representation tags to an InputKind.
// Anything other than "dense" or "sparse" is ErrUnknownInputType.
func ParseInputKind(s string) (InputKind, error) {
	switch s {
	case "dense":
		return DenseInput, nil
	case "sparse":
		return SparseInput, nil
	}
	return 0, errors.Wrapf(ErrUnknownInputType, "input type %q", s)
}

// String implements fmt.Stringer.
func (k InputKind) String() string {
	if k == SparseInput {
		return "sparse"
	}
	return "dense"
}

// Schema fixes the shape contract between data batches and the model graph:
// the representation kind, whether inputs are relational, and each mode's
// feature dimensionality. It defines a canonical flat ordering of the input
// tensors, consumed identically by Batch splitting and graph binding.
//
// Per mode, the canonical order is:
//
//	dense:             x
//	dense relational:  relation, rowIDs
//	sparse:            indices, values
//	sparse relational: indices, values, rowIDs
//
// The COO dense shape is not an input tensor: it is static per compilation
// and rides in the batch spec instead.
type Schema struct {
	kind       InputKind
	relational bool
	dims       map[ModeID]int
	numModes   int

	// specCache interns batch specs so equal specs are pointer-identical:
	// the trainer treats a changed spec as a new graph to compile.
	specCache map[string]*batchSpec
}

func newSchema(kind InputKind, relational bool, dims map[ModeID]int, numModes int) *Schema {
	return &Schema{
		kind:       kind,
		relational: relational,
		dims:       dims,
		numModes:   numModes,
		specCache:  make(map[string]*batchSpec),
	}
}

// NumModes returns the number of modes the schema covers.
func (s *Schema) NumModes() int { return s.numModes }

// FeatureDim returns mode m's input dimensionality.
func (s *Schema) FeatureDim(m ModeID) int { return s.dims[m] }

// tensorsPerMode returns how many input tensors one mode contributes to the
// canonical flat ordering.
func (s *Schema) tensorsPerMode() int {
	n := 1
	if s.kind == SparseInput {
		n = 2
	}
	if s.relational {
		n++
	}
	return n
}

// ModeInput holds one mode's slice of a data batch. Dense is set for
// DenseInput schemas; Indices, Values and Shape for SparseInput schemas.
// RowIDs is set when the schema is relational and maps each example to a row
// of the (dense or sparse) relation matrix.
type ModeInput struct {
	Dense *tensors.Tensor // float32 [rows, dim(m)]

	Indices *tensors.Tensor // int32 [nnz, 2], row-major sorted
	Values  *tensors.Tensor // float32 [nnz]
	Shape   [2]int          // dense shape of the COO matrix

	RowIDs *tensors.Tensor // int32 [batch]
}

// Batch is one training or inference batch in canonical form: Modes[m-1]
// holds mode m's input, Labels is float32 [batch] (nil for inference).
type Batch struct {
	Modes  []ModeInput
	Labels *tensors.Tensor
}

// batchSpec carries the static per-batch information that is part of the
// compiled graph rather than fed as tensors: the schema and, for sparse
// schemas, each mode's dense row count. It is the `spec` of the dataset
// yields, so gomlx JIT-compiles one graph per distinct spec.
type batchSpec struct {
	schema *Schema
	rows   []int // per mode, index m-1; nil for dense schemas
}

// String keys the JIT compilation cache.
func (bs *batchSpec) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "sfm(%s", bs.schema.kind)
	if bs.schema.relational {
		b.WriteString(",relational")
	}
	for _, r := range bs.rows {
		fmt.Fprintf(&b, ",%d", r)
	}
	b.WriteString(")")
	return b.String()
}

// split converts a canonical Batch into the (spec, inputs, labels) triple of
// a gomlx dataset yield, validating shapes against the schema.
func (s *Schema) split(batch *Batch) (spec *batchSpec, inputs, labels []*tensors.Tensor, err error) {
	if len(batch.Modes) != s.numModes {
		return nil, nil, nil, errors.Errorf("batch has %d modes, schema expects %d", len(batch.Modes), s.numModes)
	}
	spec = &batchSpec{schema: s}
	if s.kind == SparseInput {
		spec.rows = make([]int, s.numModes)
	}
	inputs = make([]*tensors.Tensor, 0, s.numModes*s.tensorsPerMode())
	for i, mode := range batch.Modes {
		m := ModeID(i + 1)
		switch s.kind {
		case DenseInput:
			if mode.Dense == nil {
				return nil, nil, nil, errors.Errorf("mode %d: dense schema but Dense tensor is nil", m)
			}
			if got := mode.Dense.Shape().Dimensions[1]; got != s.dims[m] {
				return nil, nil, nil, errors.Errorf("mode %d: dense input has %d features, schema expects %d", m, got, s.dims[m])
			}
			inputs = append(inputs, mode.Dense)
		case SparseInput:
			if mode.Indices == nil || mode.Values == nil {
				return nil, nil, nil, errors.Errorf("mode %d: sparse schema but Indices or Values tensor is nil", m)
			}
			if got := mode.Shape[1]; got != s.dims[m] {
				return nil, nil, nil, errors.Errorf("mode %d: sparse input has %d columns, schema expects %d", m, got, s.dims[m])
			}
			spec.rows[i] = mode.Shape[0]
			inputs = append(inputs, mode.Indices, mode.Values)
		}
		if s.relational {
			if mode.RowIDs == nil {
				return nil, nil, nil, errors.Errorf("mode %d: relational schema but RowIDs tensor is nil", m)
			}
			inputs = append(inputs, mode.RowIDs)
		}
	}
	if batch.Labels != nil {
		labels = []*tensors.Tensor{batch.Labels}
	}
	if cached, ok := s.specCache[spec.String()]; ok {
		spec = cached
	} else {
		s.specCache[spec.String()] = spec
	}
	return spec, inputs, labels, nil
}

// modeBinding turns one mode's bound input nodes into the dense
// [batch, width] product of input and embedding table.
type modeBinding interface {
	// embed computes input × table for an embedding table [dim(m), width].
	embed(table *Node) *Node
}

// denseBinding: a dense [batch, dim] matrix, embedded by plain MatMul.
type denseBinding struct {
	x *Node
}

func (b denseBinding) embed(table *Node) *Node {
	return MatMul(b.x, table)
}

// sparseBinding: a COO matrix. The product gathers table rows by column id,
// scales them by the stored values and scatter-adds into the dense result by
// row id. The sorted hint is passed through; coordinates are never re-sorted.
type sparseBinding struct {
	indices *Node // int32 [nnz, 2]
	values  *Node // float32 [nnz]
	rows    int
}

func (b sparseBinding) embed(table *Node) *Node {
	g := table.Graph()
	width := table.Shape().Dimensions[1]
	rowIdx := Slice(b.indices, AxisRange(), AxisRange(0, 1)) // [nnz, 1]
	colIdx := Slice(b.indices, AxisRange(), AxisRange(1, 2)) // [nnz, 1]
	updates := Mul(Gather(table, colIdx), InsertAxes(b.values, -1))
	zeros := Zeros(g, shapes.Make(dtypes.Float32, b.rows, width))
	return ScatterAdd(zeros, rowIdx, updates, true /* sorted */, false /* unique */)
}

// relationalBinding: the inner binding embeds the relation matrix, then each
// example looks up its relation row.
type relationalBinding struct {
	inner  modeBinding
	rowIDs *Node // int32 [batch]
}

func (b relationalBinding) embed(table *Node) *Node {
	embedded := b.inner.embed(table)
	return Gather(embedded, InsertAxes(b.rowIDs, -1))
}

// bind pairs the flat input nodes with the schema's canonical ordering,
// producing one binding per mode. The node slice must come from a yield that
// was produced by split with the same spec.
func (s *Schema) bind(spec *batchSpec, inputs []*Node) []modeBinding {
	bindings := make([]modeBinding, s.numModes)
	pos := 0
	for i := range bindings {
		var binding modeBinding
		switch s.kind {
		case DenseInput:
			binding = denseBinding{x: inputs[pos]}
			pos++
		case SparseInput:
			binding = sparseBinding{indices: inputs[pos], values: inputs[pos+1], rows: spec.rows[i]}
			pos += 2
		}
		if s.relational {
			binding = relationalBinding{inner: binding, rowIDs: inputs[pos]}
			pos++
		}
		bindings[i] = binding
	}
	return bindings
}
