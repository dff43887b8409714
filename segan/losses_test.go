// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
)

// assembleLosses runs AssembleLosses and returns the values of the losses.
func assembleLosses(labels, logits, fakeScore, realScore *tensors.Tensor, numClasses int, lambda float64) map[string]float64 {
	outputs := execGraph(context.New(), func(_ *context.Context, inputs []*Node) []*Node {
		l := AssembleLosses(inputs[0], inputs[1], inputs[2], inputs[3], numClasses, lambda)
		return []*Node{l.Generator, l.Discriminator, l.Supervised, l.GeneratorAdversarial}
	}, labels, logits, fakeScore, realScore)
	return namedValues(StepMetricNames, scalars(outputs))
}

func TestAssembleLosses(t *testing.T) {
	// The third pixel is ignored.
	labels := tensors.FromFlatDataAndDimensions([]int32{0, 1, 255}, 1, 1, 3)
	logits := tensors.FromFlatDataAndDimensions([]float32{0, 0, 2, 0, 5, -5}, 1, 1, 3, 2)
	fakeScore := tensors.FromFlatDataAndDimensions([]float32{0.5, 0.25}, 2, 1)
	realScore := tensors.FromFlatDataAndDimensions([]float32{0.5, 1}, 2, 1)
	values := assembleLosses(labels, logits, fakeScore, realScore, 2, 0.1)

	// Uniform logits for the first pixel, and label 1 with logits [2, 0] for the second.
	ce0 := math.Log(2)
	ce1 := math.Log(1 + math.Exp(2))
	supervised := (ce0 + ce1) / 2
	adversarial := (math.Log(0.5) + math.Log(0.25)) / 2
	discriminator := (-(math.Log(0.5) + math.Log(0.5)) - (math.Log(1) + math.Log(0.75))) / 2

	assert.InDelta(t, supervised, values[LossSupervised], 1e-5)
	assert.InDelta(t, adversarial, values[LossGeneratorAdversarial], 1e-5)
	assert.InDelta(t, supervised-0.1*adversarial, values[LossGenerator], 1e-5)
	assert.InDelta(t, discriminator, values[LossDiscriminator], 1e-5)

	// The score of a "certain fake" is still finite, thanks to epsilon.
	zero := tensors.FromFlatDataAndDimensions([]float32{0}, 1, 1)
	values = assembleLosses(tensors.FromFlatDataAndDimensions([]int32{0}, 1, 1, 1),
		tensors.FromFlatDataAndDimensions([]float32{1, 0}, 1, 1, 1, 2), zero, zero, 2, 0.1)
	assert.False(t, math.IsInf(values[LossGeneratorAdversarial], 0))
	assert.False(t, math.IsInf(values[LossDiscriminator], 0))
}

func TestAssembleLossesAllIgnored(t *testing.T) {
	// Without any pixel to supervise the loss is 0/0.
	score := tensors.FromFlatDataAndDimensions([]float32{0.5}, 1, 1)
	values := assembleLosses(tensors.FromFlatDataAndDimensions([]int32{255, 255}, 1, 1, 2),
		tensors.FromFlatDataAndDimensions([]float32{1, 0, 0, 1}, 1, 1, 2, 2), score, score, 2, 0.1)
	assert.True(t, math.IsNaN(values[LossSupervised]))
	assert.False(t, math.IsNaN(values[LossDiscriminator]))
}
