// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Demo trainer for the sfm package: learns a structure-aware factorization
// machine either on a synthetic multi-view regression problem or on a CSV
// file (last column, or one named "label", is the target).
//
// Examples:
//
//	go run ./cmd/sfm_demo -steps 2000 -co_rank 4 -view_rank 2
//	go run ./cmd/sfm_demo -csv data.csv -checkpoint ~/tmp/sfm
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/sfm"
	"github.com/janpfeifer/must"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagSteps      = flag.Int("steps", 2000, "Number of training steps.")
	flagBatchSize  = flag.Int("batch", 128, "Batch size.")
	flagCoRank     = flag.Int("co_rank", 4, "Rank of the shared embedding tables.")
	flagViewRank   = flag.Int("view_rank", 2, "Rank of the per-view embedding tables.")
	flagLR         = flag.Float64("lr", 0.01, "Learning rate for Adam.")
	flagReg        = flag.Float64("reg", 1e-4, "Regularization strength (0 disables).")
	flagRegNorm    = flag.String("reg_norm", "L2", "Regularization norm, L1 or L2.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. Empty disables checkpointing.")
	flagCSV        = flag.String("csv", "", "Train on a CSV file instead of synthetic data.")
	flagEval       = flag.Bool("eval", true, "Evaluate on held-out data after training.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	backend := backends.MustNew()
	fmt.Printf("Backend: %s (%s)\n", backend.Name(), backend.Description())

	var viewSpec sfm.ViewSpec
	var dims map[sfm.ModeID]int
	var trainBatches, evalBatches []*sfm.Batch
	if *flagCSV != "" {
		viewSpec, dims, trainBatches, evalBatches = csvData(*flagCSV, *flagBatchSize)
	} else {
		viewSpec, dims, trainBatches, evalBatches = syntheticData(*flagBatchSize)
	}

	machine := must.M1(sfm.New(viewSpec).
		CoRank(*flagCoRank).
		ViewRank(*flagViewRank).
		RegStrength(*flagReg).
		RegNorm(sfm.Norm(*flagRegNorm)).
		Optimizer(optimizers.Adam().LearningRate(*flagLR).Done()).
		CheckpointDir(*flagCheckpoint).
		Backend(backend).
		Done())
	must.M(machine.SetNumFeatures(dims))
	must.M(machine.Build())
	must.M(machine.InitVariables())
	fmt.Printf("Model: %d views, %d modes, %s parameters\n",
		viewSpec.NumViews(), viewSpec.NumModes(),
		humanize.Comma(int64(machine.Layout().NumParameters())))

	ds := must.M1(sfm.NewBatchDataset("train", machine, trainBatches))
	ds.Infinite()

	loop := train.NewLoop(machine.Trainer())
	commandline.AttachProgressBar(loop)
	if checkpoint := machine.Checkpoint(); checkpoint != nil {
		fmt.Printf("Checkpoint: %q\n", checkpoint.Dir())
		train.PeriodicCallback(loop, time.Minute, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	metrics, err := loop.RunSteps(ds, *flagSteps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Training failed: %+v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Final training metrics:\n")
	for i, m := range metrics {
		fmt.Printf("\t%s: %s\n", machine.Trainer().TrainMetrics()[i].Name(), m)
	}
	if checkpoint := machine.Checkpoint(); checkpoint != nil {
		must.M(checkpoint.Save())
	}

	if *flagEval {
		fmt.Printf("Eval MSE: %.4f\n", evalMSE(machine, evalBatches))
	}
}

// evalMSE computes the mean squared error of the machine's predictions over
// the given batches.
func evalMSE(machine *sfm.Machine, batches []*sfm.Batch) float64 {
	var sum float64
	var count int
	for _, batch := range batches {
		preds := must.M1(machine.Predict(batch)).Value().([][]float32)
		labels := batch.Labels.Value().([]float32)
		for i, p := range preds {
			diff := float64(p[0] - labels[i])
			sum += diff * diff
			count++
		}
	}
	if count == 0 {
		return math.NaN()
	}
	return sum / float64(count)
}

// syntheticData builds a three-mode, two-view regression problem: the target
// mixes a mode-1×mode-2 interaction with a mode-1×mode-3 interaction plus
// noise, which is exactly the structure ViewSpec{{1, 2}, {1, 3}} declares.
func syntheticData(batchSize int) (viewSpec sfm.ViewSpec, dims map[sfm.ModeID]int, trainBatches, evalBatches []*sfm.Batch) {
	viewSpec = sfm.ViewSpec{{1, 2}, {1, 3}}
	dims = map[sfm.ModeID]int{1: 8, 2: 4, 3: 6}

	feature := distuv.Normal{Mu: 0, Sigma: 1}
	noise := distuv.Normal{Mu: 0, Sigma: 0.1}
	weights := make(map[sfm.ModeID][]float64)
	for m, dim := range dims {
		w := make([]float64, dim)
		for i := range w {
			w[i] = feature.Rand() / math.Sqrt(float64(dim))
		}
		weights[m] = w
	}

	makeBatch := func() *sfm.Batch {
		xs := make(map[sfm.ModeID][][]float32)
		projections := make(map[sfm.ModeID][]float64)
		for m, dim := range dims {
			x := make([][]float32, batchSize)
			proj := make([]float64, batchSize)
			for i := range x {
				x[i] = make([]float32, dim)
				for j := range x[i] {
					v := feature.Rand()
					x[i][j] = float32(v)
					proj[i] += v * weights[m][j]
				}
			}
			xs[m] = x
			projections[m] = proj
		}
		labels := make([]float32, batchSize)
		for i := range labels {
			labels[i] = float32(projections[1][i]*projections[2][i] +
				projections[1][i]*projections[3][i] + noise.Rand())
		}
		return &sfm.Batch{
			Modes: []sfm.ModeInput{
				{Dense: tensors.FromValue(xs[1])},
				{Dense: tensors.FromValue(xs[2])},
				{Dense: tensors.FromValue(xs[3])},
			},
			Labels: tensors.FromValue(labels),
		}
	}

	for range 32 {
		trainBatches = append(trainBatches, makeBatch())
	}
	for range 4 {
		evalBatches = append(evalBatches, makeBatch())
	}
	return
}

// csvData loads a CSV file as a single-mode, single-view problem: every
// numeric column except the label becomes a feature of mode 1. The label is
// the column named "label", or the last column.
func csvData(path string, batchSize int) (viewSpec sfm.ViewSpec, dims map[sfm.ModeID]int, trainBatches, evalBatches []*sfm.Batch) {
	f := must.M1(os.Open(path))
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f)

	labelCol := df.Names()[len(df.Names())-1]
	for _, name := range df.Names() {
		if name == "label" {
			labelCol = name
		}
	}
	var featureCols []string
	for _, name := range df.Names() {
		if name != labelCol {
			featureCols = append(featureCols, name)
		}
	}
	if len(featureCols) == 0 {
		klog.Fatalf("CSV %q has no feature columns besides the label %q", path, labelCol)
	}

	features := make([][]float64, len(featureCols))
	for i, name := range featureCols {
		features[i] = df.Col(name).Float()
	}
	labels := df.Col(labelCol).Float()

	viewSpec = sfm.ViewSpec{{1}}
	dims = map[sfm.ModeID]int{1: len(featureCols)}

	nRows := df.Nrow()
	for start := 0; start+batchSize <= nRows; start += batchSize {
		x := make([][]float32, batchSize)
		y := make([]float32, batchSize)
		for i := range x {
			row := start + i
			x[i] = make([]float32, len(featureCols))
			for j := range featureCols {
				x[i][j] = float32(features[j][row])
			}
			y[i] = float32(labels[row])
		}
		batch := &sfm.Batch{
			Modes:  []sfm.ModeInput{{Dense: tensors.FromValue(x)}},
			Labels: tensors.FromValue(y),
		}
		trainBatches = append(trainBatches, batch)
	}
	if len(trainBatches) == 0 {
		klog.Fatalf("CSV %q has fewer than %d rows", path, batchSize)
	}
	// Hold out the last batch for evaluation.
	evalBatches = trainBatches[len(trainBatches)-1:]
	trainBatches = trainBatches[:len(trainBatches)-1]
	if len(trainBatches) == 0 {
		trainBatches = evalBatches
	}
	return
}
