// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	"math"
	"os"
	"path"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/segan/pkg/ml/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Tests run on the pure Go backend, unless configured otherwise.
	if _, found := os.LookupEnv(backends.ConfigEnvVar); !found {
		_ = os.Setenv(backends.ConfigEnvVar, simplego.BackendName)
	}
}

// newTestContext returns a context configured for a tiny model trained on the synthetic dataset, with
// checkpoints, summaries and pretrained weights stored under dir.
func newTestContext(dir string, seed int64) *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamImageSize:            []int{8, 8},
		ParamBatchSize:            2,
		ParamNumClasses:           3,
		ParamNumSteps:             3,
		ParamSavePredEvery:        2,
		ParamSummaryEvery:         2,
		ParamSynthetic:            true,
		ParamNumWorkers:           2,
		ParamQueueSize:            2,
		ParamGeneratorFilters:     []int{4},
		ParamDiscriminatorFilters: []int{4},
		ParamDiscriminator:        "disc_add_vgg",
		ParamRestoreFrom:          path.Join(dir, "checkpoints"),
		ParamLogDir:               path.Join(dir, "logs"),
		ParamBaseWeightFrom:       path.Join(dir, "pretrained", "generator"),
		ParamFrozenWeightsFrom:    path.Join(dir, "pretrained", "frozen"),
		ParamRandomSeed:           int(seed),
	})
	ctx.SetRNGStateFromSeed(seed)
	return ctx
}

// writePretrained saves freshly initialized pretrained weights where the contexts created by
// newTestContext(dir, ...) bootstrap from.
func writePretrained(t *testing.T, dir string, seed int64) {
	ctx := newTestContext(dir, seed)
	require.NoError(t, InitPretrained(ctx, mustConfig(t, ctx)))
}

func mustConfig(t *testing.T, ctx *context.Context) *Config {
	cfg, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	return cfg
}

func mustDataset(t *testing.T, cfg *Config) data.Dataset {
	ds, err := NewDataset(cfg)
	require.NoError(t, err)
	return ds
}

func mustTrainer(t *testing.T, ctx *context.Context) *Trainer {
	cfg := mustConfig(t, ctx)
	trainer, err := NewTrainer(ctx, cfg, mustDataset(t, cfg))
	require.NoError(t, err)
	return trainer
}

// execGraph builds fn on a new graph with ctx, and runs it once on inputs.
func execGraph(ctx *context.Context, fn func(ctx *context.Context, inputs []*Node) []*Node, inputs ...any) []*tensors.Tensor {
	return context.MustExecOnceN(getBackend(), ctx, fn, inputs...)
}

func flat32(t *tensors.Tensor) []float32 { return tensors.MustCopyFlatData[float32](t) }

// countingDataset counts the batches yielded.
type countingDataset struct {
	data.Dataset
	count atomic.Int64
}

func (ds *countingDataset) Yield() (data.Batch, error) {
	ds.count.Add(1)
	return ds.Dataset.Yield()
}

func cloneValues(vars []*context.Variable) [][]float32 {
	values := make([][]float32, len(vars))
	for ii, v := range vars {
		values[ii] = flat32(v.MustValue())
	}
	return values
}

func anyChanged(vars []*context.Variable, before [][]float32) bool {
	for ii, v := range vars {
		if !slices.Equal(before[ii], flat32(v.MustValue())) {
			return true
		}
	}
	return false
}

func TestPartitions(t *testing.T) {
	ctx := newTestContext(t.TempDir(), 1)
	trainer := mustTrainer(t, ctx)
	p := trainer.Partitions()

	assert.Len(t, p.GeneratorTrainable, 4)
	assert.Len(t, p.DiscriminatorTrainable, 4)
	assert.Len(t, p.FrozenFeature, 2)
	assert.Equal(t, p.GeneratorRestorable, p.GeneratorTrainable)
	require.NoError(t, p.Check(ctx))

	// Union is all the trainable variables, and the intersection is empty.
	var allTrainable []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Trainable {
			allTrainable = append(allTrainable, v)
		}
	}
	union := append(slices.Clone(p.GeneratorTrainable), p.DiscriminatorTrainable...)
	assert.ElementsMatch(t, allTrainable, union)
	for _, v := range p.GeneratorTrainable {
		assert.NotContains(t, p.DiscriminatorTrainable, v)
	}

	// Optimizer slots are recorded, one per trained variable, and are not trainable.
	slots := trainer.Roles().With(RoleOptimizer)
	assert.Len(t, slots, len(union))
	for _, slot := range slots {
		assert.False(t, slot.Trainable)
	}
	assert.Len(t, trainer.PersistentVariables(), trainer.Roles().Len()+1)

	// Roles can be recovered from the scopes, as saved in the checkpoints.
	for _, v := range trainer.Roles().All() {
		want, _ := trainer.Roles().Get(v)
		got, found := ScopeRole(v.Scope())
		require.Truef(t, found, "no role for scope %q", v.Scope())
		assert.Equalf(t, want, got, "role of %q", v.ScopeAndName())
	}
	_, found := ScopeRole(context.RootScope)
	assert.False(t, found)
	_, found = ScopeRole("/generators")
	assert.False(t, found)

	// A trainable variable not owned by any optimizer breaks the invariant.
	ctx.In("extra").VariableWithShape("x", p.GeneratorTrainable[0].Shape())
	require.Error(t, p.Check(ctx))

	// A second trainer can't be created on the same context.
	_, err := NewTrainer(ctx, mustConfig(t, ctx), nil)
	require.Error(t, err)
}

func TestTrainerStep(t *testing.T) {
	ctx := newTestContext(t.TempDir(), 1)
	cfg := mustConfig(t, ctx)
	ds := &countingDataset{Dataset: mustDataset(t, cfg)}
	trainer, err := NewTrainer(ctx, cfg, ds)
	require.NoError(t, err)
	p := trainer.Partitions()
	generatorBefore := cloneValues(p.GeneratorTrainable)
	discriminatorBefore := cloneValues(p.DiscriminatorTrainable)
	frozenBefore := cloneValues(p.FrozenFeature)

	losses, err := trainer.TrainStep(0)
	require.NoError(t, err)
	require.Len(t, losses, len(StepMetricNames))
	for ii, value := range losses {
		assert.Falsef(t, math.IsNaN(float64(value)) || math.IsInf(float64(value), 0), "%s=%g", StepMetricNames[ii], value)
	}
	assert.Equal(t, int64(5+1), ds.count.Load())
	assert.True(t, anyChanged(p.GeneratorTrainable, generatorBefore))
	assert.True(t, anyChanged(p.DiscriminatorTrainable, discriminatorBefore))
	assert.False(t, anyChanged(p.FrozenFeature, frozenBefore))
	assert.Equal(t, int64(1), optimizers.GetGlobalStep(ctx))

	// Momentum accumulators hold the last update direction.
	var accumulated bool
	for _, slot := range trainer.Roles().With(RoleOptimizer) {
		for _, value := range flat32(slot.MustValue()) {
			accumulated = accumulated || value != 0
		}
	}
	assert.True(t, accumulated)

	// Metrics are updated on every inner iteration, and the last generator losses are kept.
	require.NotNil(t, trainer.Last.Images)
	require.NotNil(t, trainer.LastPredictions)
	assert.Equal(t, float64(losses[0]), trainer.LastLosses[LossGenerator])
	streaming := trainer.Metrics.Snapshot(ctx)
	assert.False(t, math.IsNaN(streaming[MetricMeanIoU]))
	assert.False(t, math.IsNaN(streaming[LossDiscriminator]))
	trainer.Metrics.Reset(ctx)
	assert.True(t, math.IsNaN(trainer.Metrics.Snapshot(ctx)[LossGenerator]))

	ds.count.Store(0)
	trainer.TrainedStep = 10
	_, err = trainer.TrainStep(5)
	require.NoError(t, err)
	assert.Equal(t, int64(1+1), ds.count.Load())
	assert.Equal(t, int64(16), optimizers.GetGlobalStep(ctx))
}

func TestTrainerDiagnostics(t *testing.T) {
	for _, variant := range []string{"disc", "disc_add_vgg"} {
		t.Run(variant, func(t *testing.T) {
			ctx := newTestContext(t.TempDir(), 1)
			ctx.SetParam(ParamDiscriminator, variant)
			trainer := mustTrainer(t, ctx)
			_, err := trainer.TrainStep(5)
			require.NoError(t, err)

			diagnostics := trainer.LastDiagnostics
			require.Len(t, diagnostics, len(DiagnosticNames))
			for _, name := range DiagnosticNames {
				value, found := diagnostics[name]
				require.Truef(t, found, "missing diagnostic %q", name)
				assert.Falsef(t, math.IsNaN(value), "%s is NaN", name)
			}
			assert.Greater(t, diagnostics[MetricFakeScore], 0.0)
			assert.Less(t, diagnostics[MetricRealScore], 1.0)
			assert.Greater(t, diagnostics[GradFakeSegmentation], 0.0)
			assert.Greater(t, diagnostics[GradRealSegmentation], 0.0)
			if trainer.cfg.Discriminator.UsesImage() {
				assert.Greater(t, diagnostics[GradFakeImage], 0.0)
				assert.Greater(t, diagnostics[GradRealImage], 0.0)
			} else {
				assert.Equal(t, 0.0, diagnostics[GradFakeImage])
				assert.Equal(t, 0.0, diagnostics[GradRealImage])
			}

			// Gradient magnitudes of each loss over its partition, and statistics of the variable values.
			assert.Greater(t, diagnostics[GradGeneratorVars], 0.0)
			assert.Greater(t, diagnostics[GradDiscriminatorVars], 0.0)
			for _, pair := range [][2]string{
				{GeneratorVarsMeanAbs, GeneratorVarsMaxAbs},
				{DiscriminatorVarsMeanAbs, DiscriminatorVarsMaxAbs},
			} {
				assert.Greater(t, diagnostics[pair[0]], 0.0)
				assert.GreaterOrEqual(t, diagnostics[pair[1]], diagnostics[pair[0]])
			}
		})
	}
}
