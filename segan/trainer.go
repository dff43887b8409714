// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/segan/pkg/ml/data"
	"github.com/gomlx/segan/pkg/ml/train"
	"github.com/pkg/errors"
)

// Backend executes the computation graphs. It is created with backends.MustNew at the first use, if not
// set, and reused afterwards.
var Backend backends.Backend

func getBackend() backends.Backend {
	if Backend == nil {
		Backend = backends.MustNew()
	}
	return Backend
}

// Trainer executes the training steps of the generator and the discriminator. It implements
// train.Stepper, and it's driven by a train.Loop (see Train).
type Trainer struct {
	ctx        *context.Context
	cfg        *Config
	ds         data.Dataset
	schedule   Schedule
	roles      *Roles
	partitions *Partitions
	generator  *Momentum
	disc       *Momentum

	discExec, genExec *context.Exec

	// TrainedStep is the number of steps trained before this run, added to the loop step to get the
	// absolute step.
	TrainedStep int64

	// Metrics are the streaming metrics, updated at every inner iteration.
	Metrics *TrainMetrics

	// Last is the batch of the last generator iteration. LastLosses are its losses, LastDiagnostics its
	// diagnostics (see Diagnostics) and LastPredictions the argmax of its score map.
	Last            data.Batch
	LastLosses      map[string]float64
	LastDiagnostics map[string]float64
	LastPredictions *tensors.Tensor
}

var _ train.Stepper = (*Trainer)(nil)

// Names of the optimizers, used to scope their slot variables.
const (
	GeneratorOptimizerName     = "generator"
	DiscriminatorOptimizerName = "discriminator"
)

// NewTrainer creates all the variables of the model, the optimizer slots, the metrics and the global step,
// so they can be restored afterwards (see Reconcile). ctx must not hold the model variables yet. Set
// TrainedStep before training when resuming.
//
// ds is only used by TrainStep, and can be nil if the trainer is only used to create the variables.
func NewTrainer(ctx *context.Context, cfg *Config, ds data.Dataset) (*Trainer, error) {
	t := &Trainer{
		ctx:      ctx,
		cfg:      cfg,
		ds:       ds,
		schedule: LearningRate(cfg),
		roles:    NewRoles(),
		Metrics:  NewTrainMetrics(cfg.NumClasses),
	}
	if err := exceptions.TryCatch[error](t.buildVariables); err != nil {
		return nil, errors.WithMessage(err, "failed to build the model variables")
	}
	if err := t.partitions.Check(ctx); err != nil {
		return nil, err
	}
	err := exceptions.TryCatch[error](func() {
		t.discExec = context.MustNewExec(getBackend(), ctx.Reuse(), func(ctx *context.Context, inputs []*Node) []*Node {
			return t.stepGraph(ctx, inputs, false)
		})
		t.genExec = context.MustNewExec(getBackend(), ctx.Reuse(), func(ctx *context.Context, inputs []*Node) []*Node {
			return t.stepGraph(ctx, inputs, true)
		})
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create the training step executors")
	}
	return t, nil
}

// buildVariables builds and runs once a graph that creates all the variables, and records their roles.
// Only the metrics are updated by it, and they are reset afterwards.
func (t *Trainer) buildVariables() {
	root := t.ctx.InAbsPath(context.RootScope)
	scoreHeight, scoreWidth := ScoreMapDims(t.ctx, t.cfg.Height, t.cfg.Width)
	images := tensors.FromShape(shapes.Make(dtypes.Float32, 1, t.cfg.Height, t.cfg.Width, 3))
	labels := tensors.FromShape(shapes.Make(dtypes.Int32, 1, scoreHeight, scoreWidth))
	exec := context.MustNewExec(getBackend(), t.ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		root.SetGraphParam(inputs[0].Graph(), GraphParamRoles, t.roles)
		f := BuildForward(ctx, t.cfg, inputs[0], inputs[1])
		t.partitions = NewPartitions(t.roles)
		t.generator = NewMomentum(GeneratorOptimizerName, t.cfg.Momentum, t.partitions.GeneratorTrainable)
		t.disc = NewMomentum(DiscriminatorOptimizerName, t.cfg.Momentum, t.partitions.DiscriminatorTrainable)
		for _, slot := range append(t.generator.CreateSlots(ctx), t.disc.CreateSlots(ctx)...) {
			t.roles.Set(slot, RoleOptimizer)
		}
		t.Metrics.UpdateGraph(ctx, f.Losses, inputs[1], f.ScoreMap)
		_ = optimizers.GetGlobalStepVar(root)
		return []*Node{f.Losses.Generator}
	})
	_ = exec.MustExec(images, labels)
	t.Metrics.Reset(t.ctx)
}

// stepGraph builds one update of the discriminator, or of the generator if generatorStep is set. The inputs
// are the images, the labels resized to the score map and the learning rate.
//
// It outputs the losses, in the order of StepMetricNames. The generator step also outputs the diagnostics
// (see Diagnostics) and the predictions of the score map.
func (t *Trainer) stepGraph(ctx *context.Context, inputs []*Node, generatorStep bool) []*Node {
	images, labels, lr := inputs[0], inputs[1], inputs[2]
	f := BuildForward(ctx, t.cfg, images, labels)
	t.Metrics.UpdateGraph(ctx, f.Losses, labels, f.ScoreMap)
	outputs := []*Node{f.Losses.Generator, f.Losses.Discriminator, f.Losses.Supervised, f.Losses.GeneratorAdversarial}
	if !generatorStep {
		t.disc.UpdateGraph(ctx, f.Losses.Discriminator, lr)
		return outputs
	}
	outputs = append(outputs, Diagnostics(f, t.cfg.Discriminator, t.partitions)...)
	outputs = append(outputs, Predictions(f.ScoreMap))
	t.generator.UpdateGraph(ctx, f.Losses.Generator, lr)
	return outputs
}

// Roles of the variables of the model, recorded when they were created.
func (t *Trainer) Roles() *Roles { return t.roles }

// Partitions of the variables trained.
func (t *Trainer) Partitions() *Partitions { return t.partitions }

// PersistentVariables are the variables saved to and restored from the joint checkpoints: the model, the
// optimizer slots and the global step.
func (t *Trainer) PersistentVariables() []*context.Variable {
	return append(t.roles.All(), optimizers.GetGlobalStepVar(t.ctx.InAbsPath(context.RootScope)))
}

// AbsoluteStep returns the absolute step of the given loop step.
func (t *Trainer) AbsoluteStep(loopStep int) int64 { return t.TrainedStep + int64(loopStep) }

// StepMetricNames are the names of the values returned by TrainStep.
var StepMetricNames = []string{LossGenerator, LossDiscriminator, LossSupervised, LossGeneratorAdversarial}

// TrainStep implements train.Stepper: it runs DiscriminatorSteps(loopStep) updates of the discriminator,
// followed by GeneratorSteps(loopStep) updates of the generator, each on a new batch. Afterwards the global
// step is the absolute step plus one.
//
// It returns the losses of the last generator update, in the order of StepMetricNames: the generator loss
// goes first, it's the one checked by the loop.
func (t *Trainer) TrainStep(loopStep int) ([]float32, error) {
	step := t.AbsoluteStep(loopStep)
	lr := t.schedule(step)
	for range DiscriminatorSteps(loopStep) {
		if _, _, err := t.iteration(t.discExec, lr*DiscriminatorLRFactor); err != nil {
			return nil, errors.WithMessagef(err, "discriminator update at step %d", step)
		}
	}
	var losses []float32
	for range GeneratorSteps(loopStep) {
		batch, outputs, err := t.iteration(t.genExec, lr)
		if err != nil {
			return nil, errors.WithMessagef(err, "generator update at step %d", step)
		}
		t.Last = batch
		losses = scalars(outputs[:len(StepMetricNames)])
		t.LastLosses = namedValues(StepMetricNames, losses)
		diagnostics := outputs[len(StepMetricNames) : len(StepMetricNames)+len(DiagnosticNames)]
		t.LastDiagnostics = namedValues(DiagnosticNames, scalars(diagnostics))
		t.LastPredictions = outputs[len(outputs)-1]
	}
	optimizers.GetGlobalStepVar(t.ctx.InAbsPath(context.RootScope)).MustSetValue(tensors.FromScalar(step + 1))
	return losses, nil
}

// iteration yields a new batch and runs exec on it: one update of the discriminator or the generator.
func (t *Trainer) iteration(exec *context.Exec, lr float64) (batch data.Batch, outputs []*tensors.Tensor, err error) {
	batch, err = t.ds.Yield()
	if err != nil {
		return batch, nil, errors.WithMessagef(err, "reading batch from %s", t.ds.Name())
	}
	labels := ResizeBatchLabels(t.ctx, batch).ToTensor()
	err = exceptions.TryCatch[error](func() {
		outputs = exec.MustExec(batch.Images, labels, tensors.FromScalar(float32(lr)))
	})
	return batch, outputs, err
}

func scalars(outputs []*tensors.Tensor) []float32 {
	values := make([]float32, len(outputs))
	for ii, output := range outputs {
		values[ii] = tensors.ToScalar[float32](output)
	}
	return values
}

func namedValues(names []string, values []float32) map[string]float64 {
	named := make(map[string]float64, len(names))
	for ii, name := range names {
		named[name] = float64(values[ii])
	}
	return named
}
