// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainMetrics(t *testing.T) {
	ctx := context.New()
	tm := NewTrainMetrics(2)
	assert.Equal(t, []string{LossDiscriminator, LossGenerator, LossSupervised, LossGeneratorAdversarial,
		MetricAccuracy, MetricMeanIoU}, tm.Names())
	for _, value := range tm.Snapshot(ctx) {
		assert.True(t, math.IsNaN(value), "metrics never updated must be NaN")
	}

	// Predictions are [0, 1, 0] for labels [0, 1, 1].
	labels := tensors.FromFlatDataAndDimensions([]int32{0, 1, 1}, 1, 1, 3)
	logits := tensors.FromFlatDataAndDimensions([]float32{1, 0, 0, 1, 1, 0}, 1, 1, 3, 2)
	scores := tensors.FromFlatDataAndDimensions([]float32{0.5}, 1, 1)
	update := func(ctx *context.Context, inputs []*Node) []*Node {
		l := AssembleLosses(inputs[0], inputs[1], inputs[2], inputs[2], 2, 0.1)
		tm.UpdateGraph(ctx, l, inputs[0], inputs[1])
		return []*Node{l.Generator}
	}
	exec := context.MustNewExec(getBackend(), ctx, update)
	var generatorLoss float32
	for range 2 {
		generatorLoss = tensors.ToScalar[float32](exec.MustExec(labels, logits, scores)[0])
	}
	require.Len(t, tm.Variables(ctx), 4*2+2+1)

	snapshot := tm.Snapshot(ctx)
	assert.InDelta(t, 2.0/3.0, snapshot[MetricAccuracy], 1e-6)
	// Class 0: intersection 1, union 2. Class 1: intersection 1, union 2.
	assert.InDelta(t, 0.5, snapshot[MetricMeanIoU], 1e-6)
	assert.InDelta(t, float64(generatorLoss), snapshot[LossGenerator], 1e-6)

	tm.Reset(ctx)
	snapshot = tm.Snapshot(ctx)
	assert.True(t, math.IsNaN(snapshot[LossGenerator]))
	assert.True(t, math.IsNaN(snapshot[MetricMeanIoU]))
}

func TestMeanIoUFromConfusion(t *testing.T) {
	// Rows are the labels, columns the predictions. Class 2 never appears.
	confusion := []float64{
		3, 1, 0,
		0, 2, 0,
		0, 0, 0,
	}
	assert.InDelta(t, (3.0/4.0+2.0/3.0)/2, MeanIoUFromConfusion(confusion, 3), 1e-9)
	assert.True(t, math.IsNaN(MeanIoUFromConfusion(make([]float64, 4), 2)))
}
