// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/segan/pkg/ml/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildForward(t *testing.T) {
	ctx := newTestContext(t.TempDir(), 1)
	cfg := mustConfig(t, ctx)
	batch, err := mustDataset(t, cfg).Yield()
	require.NoError(t, err)
	scoreLabels := ResizeBatchLabels(ctx, batch)
	forward := func(ctx *context.Context, inputs []*Node) []*Node {
		f := BuildForward(ctx, cfg, inputs[0], inputs[1])
		numKept := ReduceAllSum(ConvertDType(LossMask(f.ScoreLabels, cfg.NumClasses), dtypes.Int32))
		return []*Node{f.ScoreMap, f.Fake, f.Real, f.Image, f.FakeScore, f.RealScore,
			f.Losses.Generator, f.Losses.Discriminator, f.Losses.Supervised, f.Losses.GeneratorAdversarial, numKept}
	}
	outputs := execGraph(ctx, forward, batch.Images, scoreLabels.ToTensor())

	assert.Equal(t, []int{2, 4, 4, 3}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 4, 4, 3}, outputs[1].Shape().Dimensions)
	assert.Equal(t, []int{2, 4, 4, 3}, outputs[2].Shape().Dimensions)
	assert.Equal(t, []int{2, 8, 8, 3}, outputs[3].Shape().Dimensions)
	assert.Equal(t, []int{2, 1}, outputs[4].Shape().Dimensions)
	assert.Equal(t, []int{2, 1}, outputs[5].Shape().Dimensions)
	for _, score := range append(flat32(outputs[4]), flat32(outputs[5])...) {
		assert.True(t, score > 0 && score < 1, "discriminator score %g out of (0, 1)", score)
	}
	for _, v := range flat32(outputs[2]) {
		assert.True(t, v >= 0 && v <= 1)
	}
	fake := flat32(outputs[1])
	for pixel := 0; pixel < len(fake); pixel += 3 {
		assert.InDelta(t, 1.0, float64(fake[pixel]+fake[pixel+1]+fake[pixel+2]), 1e-5)
	}
	for ii, name := range []string{LossGenerator, LossDiscriminator, LossSupervised, LossGeneratorAdversarial} {
		value := tensors.ToScalar[float32](outputs[6+ii])
		assert.Falsef(t, math.IsNaN(float64(value)), "loss %s is NaN", name)
	}

	// The in-graph mask keeps the same pixels as PixelIndices.
	assert.Equal(t, int32(len(PixelIndices(scoreLabels, cfg.NumClasses))), tensors.ToScalar[int32](outputs[10]))

	// A second graph must reuse the variables.
	numVars := ctx.NumVariables()
	assert.Panics(t, func() { _ = execGraph(ctx, forward, batch.Images, scoreLabels.ToTensor()) })
	_ = execGraph(ctx.Reuse(), forward, batch.Images, scoreLabels.ToTensor())
	assert.Equal(t, numVars, ctx.NumVariables())
}

func TestDiscriminatorImages(t *testing.T) {
	flat := make([]float32, 6)
	flat[3] = 255 - data.ImageMean[0]
	images := tensors.FromFlatDataAndDimensions(flat, 1, 1, 2, 3)
	outputs := execGraph(context.New(), func(_ *context.Context, inputs []*Node) []*Node {
		return []*Node{DiscriminatorImages(inputs[0])}
	}, images)
	want := []float32{
		data.ImageMean[0] / 255, data.ImageMean[1] / 255, data.ImageMean[2] / 255,
		1, data.ImageMean[1] / 255, data.ImageMean[2] / 255,
	}
	assert.InDeltaSlice(t, want, flat32(outputs[0]), 1e-6)
}

func TestPredictLabels(t *testing.T) {
	scoreMap := tensors.FromFlatDataAndDimensions([]float32{
		0.1, 0.2, 0.7,
		0.9, 0.05, 0.05,
	}, 1, 1, 2, 3)
	outputs := execGraph(context.New(), func(_ *context.Context, inputs []*Node) []*Node {
		return []*Node{Predictions(inputs[0])}
	}, scoreMap)
	assert.Equal(t, []int{1, 1, 2}, outputs[0].Shape().Dimensions)

	predictions := PredictLabels(outputs[0], 2, 4)
	assert.Equal(t, 2, predictions.Height)
	assert.Equal(t, 4, predictions.Width)
	assert.Equal(t, []int32{2, 2, 0, 0, 2, 2, 0, 0}, predictions.Labels)
}
