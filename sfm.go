// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sfm implements structure-aware factorization machines on GoMLX:
// multi-view, multi-mode factorization models over tabular data.
//
// Each mode (a categorical field group) has a shared embedding table of rank
// CoRank plus, per view, a discriminative table of rank ViewRank. A view is a
// subset of modes whose embeddings are combined by element-wise product; a
// learned mixing matrix Phi reduces each view's product to a scalar, and the
// per-view scalars plus a global bias form the prediction.
//
// Typical usage:
//
//	machine, err := sfm.New(sfm.ViewSpec{{1, 2}, {1, 3}}).
//		CoRank(8).ViewRank(2).
//		RegStrength(1e-4).
//		Done()
//	...
//	err = machine.SetNumFeatures(map[sfm.ModeID]int{1: 1000, 2: 50, 3: 120})
//	err = machine.Build()
//	err = machine.InitVariables()
//	objective, err := machine.TrainStep(batch)
//
// The package follows the usual GoMLX division of labor: graph construction
// code panics on structural errors (shape mismatches and the like), while the
// Machine's public surface converts everything to Go errors.
package sfm

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Context hyperparameter keys read by New when the corresponding setter is
// not used, following the gomlx layers convention.
const (
	// ParamRegularization is the context param for the regularization
	// strength. Defaults to 0 (disabled).
	ParamRegularization = "sfm_regularization"

	// ParamRegularizationNorm is the context param for the penalty norm,
	// "L1" or "L2". Defaults to "L2".
	ParamRegularizationNorm = "sfm_regularization_norm"

	// ParamInitScaling is the context param for the variance-scaling factor
	// of the table initializers. Defaults to 2.0.
	ParamInitScaling = "sfm_init_scaling"
)

// Config configures a Machine, built with chained setters:
// sfm.New(spec).CoRank(8).ViewRank(2).Done().
type Config struct {
	spec     ViewSpec
	coRank   int
	viewRank int

	fullOrder   bool
	inputKind   InputKind
	outputRange *[2]float64

	lossFn      train.LossFn
	optimizer   optimizers.Interface
	regNorm     Norm
	regNormSet  bool
	regStrength float64
	regSet      bool
	initScaling float64
	initSet     bool

	backend           backends.Backend
	ctx               *context.Context
	checkpointDir     string
	checkpointsToKeep int

	err error
}

// New creates the configuration of a machine over the given view structure.
// Call Done when finished configuring.
func New(spec ViewSpec) *Config {
	return &Config{
		spec:              spec,
		coRank:            8,
		viewRank:          0,
		fullOrder:         true,
		inputKind:         DenseInput,
		lossFn:            losses.MeanSquaredError,
		regNorm:           NormL2,
		initScaling:       2.0,
		checkpointsToKeep: 3,
	}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// CoRank sets the rank of the shared embedding tables. Default is 8.
func (c *Config) CoRank(rank int) *Config {
	c.coRank = rank
	return c
}

// ViewRank sets the rank of the per-view discriminative tables. A rank of 0
// (the default) disables view-specific tables: views share all embeddings.
func (c *Config) ViewRank(rank int) *Config {
	c.viewRank = rank
	return c
}

// FullOrder controls whether the per-view biases are trainable. When false
// the biases stay at zero and the model keeps only the highest-order
// interaction per view. Default is true.
func (c *Config) FullOrder(enabled bool) *Config {
	c.fullOrder = enabled
	return c
}

// InputType selects the input representation by tag, "dense" or "sparse".
// Any other tag makes Done fail with ErrUnknownInputType.
func (c *Config) InputType(tag string) *Config {
	kind, err := ParseInputKind(tag)
	if err != nil {
		c.setError(err)
		return c
	}
	c.inputKind = kind
	return c
}

// InputKind selects the input representation directly.
func (c *Config) InputKind(kind InputKind) *Config {
	c.inputKind = kind
	return c
}

// OutputRange clips predictions to [low, high] at inference time. Training
// always sees raw outputs.
func (c *Config) OutputRange(low, high float64) *Config {
	if low > high {
		c.setError(errors.Errorf("OutputRange: low (%g) > high (%g)", low, high))
		return c
	}
	c.outputRange = &[2]float64{low, high}
	return c
}

// Loss sets the training loss. Default is losses.MeanSquaredError.
func (c *Config) Loss(lossFn train.LossFn) *Config {
	c.lossFn = lossFn
	return c
}

// Optimizer sets the optimizer. By default it is read from the context
// parameters with optimizers.FromContext.
func (c *Config) Optimizer(opt optimizers.Interface) *Config {
	c.optimizer = opt
	return c
}

// RegNorm selects the penalty norm. Default is NormL2.
func (c *Config) RegNorm(norm Norm) *Config {
	c.regNorm = norm
	c.regNormSet = true
	return c
}

// RegStrength sets the multiplier of the regularization penalty on the
// objective. Zero (the default) disables regularization.
func (c *Config) RegStrength(strength float64) *Config {
	c.regStrength = strength
	c.regSet = true
	return c
}

// InitScaling sets the variance-scaling factor of the random table
// initializers: stddev = sqrt(scaling / fanIn). Default is 2.0.
func (c *Config) InitScaling(scaling float64) *Config {
	c.initScaling = scaling
	c.initSet = true
	return c
}

// Backend sets the backend to execute on. By default backends.MustNew() is
// used, respecting $GOMLX_BACKEND.
func (c *Config) Backend(backend backends.Backend) *Config {
	c.backend = backend
	return c
}

// Context sets the gomlx context holding the machine's variables and
// hyperparameters. A fresh one is created by default.
func (c *Config) Context(ctx *context.Context) *Config {
	c.ctx = ctx
	return c
}

// CheckpointDir enables checkpointing under dir: existing checkpoints are
// loaded at Build, and the Machine's Checkpoint handler saves new ones.
func (c *Config) CheckpointDir(dir string) *Config {
	c.checkpointDir = dir
	return c
}

// CheckpointsToKeep limits how many checkpoints are kept. Default is 3.
func (c *Config) CheckpointsToKeep(n int) *Config {
	c.checkpointsToKeep = n
	return c
}

// Done validates the configuration and returns the unbuilt Machine. Context
// hyperparameters (ParamRegularization and friends) fill in any value whose
// setter was not called.
func (c *Config) Done() (*Machine, error) {
	if c.err != nil {
		return nil, c.err
	}
	if err := c.spec.Validate(); err != nil {
		return nil, err
	}
	if c.coRank < 0 || c.viewRank < 0 {
		return nil, errors.Errorf("ranks must be non-negative, got CoRank=%d ViewRank=%d", c.coRank, c.viewRank)
	}
	if c.coRank+c.viewRank == 0 {
		return nil, errors.New("CoRank+ViewRank must be at least 1")
	}
	if c.ctx == nil {
		c.ctx = context.New()
	}
	if !c.regSet {
		c.regStrength = context.GetParamOr(c.ctx, ParamRegularization, 0.0)
	}
	if !c.regNormSet {
		c.regNorm = Norm(context.GetParamOr(c.ctx, ParamRegularizationNorm, string(NormL2)))
	}
	if !c.initSet {
		c.initScaling = context.GetParamOr(c.ctx, ParamInitScaling, 2.0)
	}
	if c.backend == nil {
		err := exceptions.TryCatch[error](func() { c.backend = backends.MustNew() })
		if err != nil {
			return nil, errors.WithMessage(err, "creating default backend")
		}
	}
	if c.optimizer == nil {
		c.optimizer = optimizers.FromContext(c.ctx)
	}
	return &Machine{
		cfg:          c,
		backend:      c.backend,
		ctx:          c.ctx,
		state:        stateUnbuilt,
		predictExecs: make(map[string]*context.Exec),
	}, nil
}
