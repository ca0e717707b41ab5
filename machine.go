// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sfm

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// buildState tracks the machine's one-way build progression. Each stage is
// entered at most once, in order; the public surface only moves forward.
type buildState int

const (
	stateUnbuilt buildState = iota
	stateParamsAllocated
	stateInputsBound
	stateInteractionsAssembled
	stateObjectiveReady
	stateTrainable
)

func (s buildState) String() string {
	switch s {
	case stateUnbuilt:
		return "unbuilt"
	case stateParamsAllocated:
		return "params-allocated"
	case stateInputsBound:
		return "inputs-bound"
	case stateInteractionsAssembled:
		return "interactions-assembled"
	case stateObjectiveReady:
		return "objective-ready"
	}
	return "trainable"
}

// Machine owns a fully wired structure-aware factorization machine: the
// parameter layout, the input schema, the trainer and an optional checkpoint
// handler. Create one with New(...).Done(), configure feature dimensions with
// SetNumFeatures, then Build exactly once.
//
// A Machine is not safe for concurrent use.
type Machine struct {
	cfg     *Config
	backend backends.Backend
	ctx     *context.Context

	state       buildState
	featureDims map[ModeID]int
	relational  bool

	schema     *Schema
	layout     *Layout
	trainer    *train.Trainer
	checkpoint *checkpoints.Handler

	// halted is set when a train step produced a non-finite objective; every
	// further step fails without touching the backend.
	halted bool

	predictExecs map[string]*context.Exec
}

// SetNumFeatures configures the input dimensionality of every mode. It must
// be called before Build, covering each mode in [1, NumModes] with a positive
// dimension.
func (m *Machine) SetNumFeatures(dims map[ModeID]int) error {
	if m.state != stateUnbuilt {
		return errors.Wrap(ErrAlreadyBuilt, "SetNumFeatures")
	}
	numModes := m.cfg.spec.NumModes()
	for mode := ModeID(1); mode <= ModeID(numModes); mode++ {
		if dims[mode] <= 0 {
			return errors.Errorf("SetNumFeatures: mode %d needs a positive feature dimension, got %d", mode, dims[mode])
		}
	}
	m.featureDims = dims
	return nil
}

// SetRelational switches every mode's input to relational form: the fed
// matrix is a relation table, and a per-example row-id vector selects rows
// from its embedded product. Must be called before Build.
func (m *Machine) SetRelational(relational bool) error {
	if m.state != stateUnbuilt {
		return errors.Wrap(ErrAlreadyBuilt, "SetRelational")
	}
	m.relational = relational
	return nil
}

// Build assembles the machine: allocates all parameters, fixes the input
// schema, closes over the interaction and objective graphs and wires the
// trainer. Feature dimensions must have been set; a second Build fails with
// ErrAlreadyBuilt.
//
// If a checkpoint directory is configured, the handler is attached before
// parameters are allocated, so saved values take precedence over fresh
// initialization.
func (m *Machine) Build() (err error) {
	if m.state != stateUnbuilt {
		return errors.Wrapf(ErrAlreadyBuilt, "Build called in state %s", m.state)
	}
	if m.featureDims == nil {
		return errors.Wrap(ErrMissingFeatureDimensions, "Build")
	}

	if m.cfg.checkpointDir != "" {
		m.checkpoint, err = checkpoints.Build(m.ctx).
			Dir(m.cfg.checkpointDir).
			Keep(m.cfg.checkpointsToKeep).
			Done()
		if err != nil {
			return errors.WithMessage(err, "Build: attaching checkpoint handler")
		}
	}

	err = exceptions.TryCatch[error](func() {
		m.layout = newLayout(m.ctx, m.cfg.spec, m.featureDims,
			m.cfg.coRank, m.cfg.viewRank, m.cfg.initScaling, m.cfg.fullOrder)
		m.state = stateParamsAllocated

		m.schema = newSchema(m.cfg.inputKind, m.relational, m.featureDims, m.cfg.spec.NumModes())
		m.state = stateInputsBound

		modelFn := m.modelGraph
		m.state = stateInteractionsAssembled

		lossFn := m.objectiveLoss
		m.state = stateObjectiveReady

		m.trainer = train.NewTrainer(m.backend, m.ctx, modelFn, lossFn,
			m.cfg.optimizer, nil /* trainMetrics */, nil /* evalMetrics */)
		m.state = stateTrainable
	})
	if err != nil {
		return errors.WithMessage(err, "Build")
	}
	return nil
}

// modelGraph is the train.ModelFn: it binds the flat input nodes through the
// schema, assembles the interaction graph and registers the scaled
// regularization penalty as an extra loss term.
func (m *Machine) modelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	bspec := spec.(*batchSpec)
	g := inputs[0].Graph()
	bindings := m.schema.bind(bspec, inputs)
	output := m.layout.forward(g, bindings)
	if m.cfg.regStrength > 0 {
		train.AddLoss(ctx, MulScalar(m.layout.penalty(g, m.cfg.regNorm), m.cfg.regStrength))
	}
	return []*Node{output}
}

// objectiveLoss adapts the configured loss to the model's [batch, 1] output:
// rank-1 label tensors are expanded so both operands align.
func (m *Machine) objectiveLoss(labels, predictions []*Node) *Node {
	if len(labels) > 0 && labels[0].Rank() == 1 {
		labels = []*Node{InsertAxes(labels[0], -1)}
	}
	return m.cfg.lossFn(labels, predictions)
}

// TrainStep runs one optimization step on the batch and returns the objective
// value (training loss plus regularization). A NaN or Inf objective halts the
// machine: every later TrainStep returns ErrNonFiniteObjective. The objective
// is observed after the optimizer update, so the halting step's update has
// already landed in the variables; restore from a checkpoint before reusing
// the parameters.
func (m *Machine) TrainStep(batch *Batch) (objective float64, err error) {
	if m.state != stateTrainable {
		return 0, errors.Wrap(ErrNotBuilt, "TrainStep")
	}
	if m.halted {
		return 0, errors.Wrap(ErrNonFiniteObjective, "machine halted by an earlier step")
	}
	if batch.Labels == nil {
		return 0, errors.New("TrainStep: batch has no labels")
	}
	spec, inputs, labels, err := m.schema.split(batch)
	if err != nil {
		return 0, errors.WithMessage(err, "TrainStep")
	}
	metrics, err := m.trainer.TrainStep(spec, inputs, labels)
	if err != nil {
		return 0, errors.WithMessage(err, "TrainStep")
	}
	objective = shapes.ConvertTo[float64](metrics[0].Value())
	if math.IsNaN(objective) || math.IsInf(objective, 0) {
		m.halted = true
		return objective, errors.Wrapf(ErrNonFiniteObjective, "objective=%f", objective)
	}
	return objective, nil
}

// Predict runs inference on the batch and returns the [batch, 1] float32
// predictions. Labels, if present, are ignored. When an output range is
// configured the predictions are clipped to it.
//
// Predict stays callable after a non-finite objective halts training, but the
// variables then include the halting step's update; restore a checkpoint
// first if the predictions must come from a trusted state.
//
// One executor is compiled per distinct batch spec (sparse dense shapes are
// static per compilation) and cached.
func (m *Machine) Predict(batch *Batch) (*tensors.Tensor, error) {
	if m.state != stateTrainable {
		return nil, errors.Wrap(ErrNotBuilt, "Predict")
	}
	spec, inputs, _, err := m.schema.split(batch)
	if err != nil {
		return nil, errors.WithMessage(err, "Predict")
	}
	exec, ok := m.predictExecs[spec.String()]
	if !ok {
		exec, err = context.NewExec(m.backend, m.ctx.Reuse(),
			func(ctx *context.Context, inputs []*Node) *Node {
				g := inputs[0].Graph()
				output := m.layout.forward(g, m.schema.bind(spec, inputs))
				if m.cfg.outputRange != nil {
					output = ClipScalar(output, m.cfg.outputRange[0], m.cfg.outputRange[1])
				}
				return output
			})
		if err != nil {
			return nil, errors.WithMessage(err, "Predict: compiling inference graph")
		}
		m.predictExecs[spec.String()] = exec
	}
	args := make([]any, len(inputs))
	for i, t := range inputs {
		args[i] = t
	}
	return exec.Exec1(args...)
}

// InitVariables initializes every still-uninitialized variable on the
// backend. Variables restored from a checkpoint keep their loaded values.
func (m *Machine) InitVariables() error {
	if m.state < stateParamsAllocated {
		return errors.Wrap(ErrNotBuilt, "InitVariables")
	}
	return m.ctx.InitializeVariables(m.backend, nil)
}

// RegularizationPenalty evaluates the unscaled penalty over the current
// parameter values, the minimal observability hook over the accumulator.
func (m *Machine) RegularizationPenalty() (float64, error) {
	if m.state < stateParamsAllocated {
		return 0, errors.Wrap(ErrNotBuilt, "RegularizationPenalty")
	}
	t, err := context.ExecOnce(m.backend, m.ctx.Reuse(), func(ctx *context.Context, g *Graph) *Node {
		return m.layout.penalty(g, m.cfg.regNorm)
	})
	if err != nil {
		return 0, err
	}
	return shapes.ConvertTo[float64](t.Value()), nil
}

// Variables returns every variable of the machine's context, layout
// parameters and optimizer state included.
func (m *Machine) Variables() []*context.Variable {
	vars := make([]*context.Variable, 0, m.ctx.NumVariables())
	for v := range m.ctx.IterVariables() {
		vars = append(vars, v)
	}
	return vars
}

// Layout returns the parameter layout. Nil before Build.
func (m *Machine) Layout() *Layout { return m.layout }

// Schema returns the input schema. Nil before Build.
func (m *Machine) Schema() *Schema { return m.schema }

// Trainer returns the underlying gomlx trainer. Nil before Build.
func (m *Machine) Trainer() *train.Trainer { return m.trainer }

// Checkpoint returns the checkpoint handler, or nil when no checkpoint
// directory was configured.
func (m *Machine) Checkpoint() *checkpoints.Handler { return m.checkpoint }

// Context returns the machine's gomlx context.
func (m *Machine) Context() *context.Context { return m.ctx }

// Backend returns the backend the machine executes on.
func (m *Machine) Backend() backends.Backend { return m.backend }
