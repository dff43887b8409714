// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/segan/pkg/ml/data"
)

// ConvertToScaling converts the hard labels to a soft target shaped like softmax, `[batch, height, width,
// numClasses]`, with the confidence of the generator's current output.
//
// Per pixel, with m the max of softmax over the classes and y = max(m, tau):
//
//   - the ground truth class gets y;
//   - every other class c gets softmax[c] * (1-y) / (1-m);
//   - the result is clipped to [0, 1].
//
// Pixels with labels outside [0, numClasses) (ignored) have no ground truth class, so all their classes
// take the second form.
//
// The division by (1-m) is not guarded: a pixel where the softmax saturates at 1 yields NaN (0/0) or Inf.
//
// labels are int32 shaped `[batch, height, width]`, with the spatial dimensions of softmax, see
// ResizeLabelsNearest.
func ConvertToScaling(softmax, labels *Node, numClasses int, tau float64) *Node {
	softmax.AssertRank(4)
	labels.AssertRank(3)
	dims := softmax.Shape().Dimensions
	if dims[3] != numClasses {
		exceptions.Panicf("ConvertToScaling: softmax shaped %s doesn't have %d classes", softmax.Shape(), numClasses)
	}
	if !slices.Equal(labels.Shape().Dimensions, dims[:3]) {
		exceptions.Panicf("ConvertToScaling: labels shaped %s don't match softmax shaped %s",
			labels.Shape(), softmax.Shape())
	}
	maxProb := ReduceMax(softmax, -1) // [batch, height, width]
	confidence := MaxScalar(maxProb, tau)
	ratio := Div(OneMinus(confidence), OneMinus(maxProb))
	others := Mul(softmax, BroadcastToDims(ExpandAxes(ratio, -1), dims...))
	groundTruth := BroadcastToDims(ExpandAxes(confidence, -1), dims...)
	isGroundTruth := Equal(ClassMask(labels, numClasses, softmax.DType()), OnesLike(softmax))
	return ClipScalar(Where(isGroundTruth, groundTruth, others), 0, 1)
}

// ClassMask returns the one-hot encoding of labels, shaped `[batch, height, width, numClasses]`. Pixels
// with labels outside [0, numClasses) get all zeros.
func ClassMask(labels *Node, numClasses int, dtype dtypes.DType) *Node {
	valid := LossMask(labels, numClasses)
	clamped := Where(valid, labels, ZerosLike(labels))
	oneHot := OneHot(clamped, numClasses, dtype)
	return Mul(oneHot, BroadcastToDims(ExpandAxes(ConvertDType(valid, dtype), -1), oneHot.Shape().Dimensions...))
}

// ResizeLabelsNearest resizes the label map to the given spatial dimensions, using nearest neighbour with
// the mapping `src = floor(dst * in / out)` (no half-pixel offset). It returns a new LabelMap.
func ResizeLabelsNearest(labels *data.LabelMap, height, width int) *data.LabelMap {
	if height <= 0 || width <= 0 {
		exceptions.Panicf("ResizeLabelsNearest: invalid target dimensions %dx%d", height, width)
	}
	if labels.Height == height && labels.Width == width {
		return labels.Clone()
	}
	resized := data.NewLabelMap(labels.BatchSize, height, width)
	for example := range labels.BatchSize {
		for y := range height {
			srcY := y * labels.Height / height
			for x := range width {
				srcX := x * labels.Width / width
				resized.Set(example, y, x, labels.At(example, srcY, srcX))
			}
		}
	}
	return resized
}
