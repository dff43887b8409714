// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/segan/pkg/ml/data"
)

// PixelIndices returns the flat indices (in row-major order) of the pixels whose label is a valid class,
// that is, in [0, numClasses).
func PixelIndices(labels *data.LabelMap, numClasses int) []int {
	indices := make([]int, 0, labels.Size())
	for ii, label := range labels.Labels {
		if label >= 0 && int(label) < numClasses {
			indices = append(indices, ii)
		}
	}
	return indices
}

// MaskIgnored drops the pixels with ignored labels: it returns the labels of the pixels kept, and their
// logits shaped `[len(kept), numClasses]`, both in the original pixel order. logits are shaped
// `[batch, height, width, numClasses]`, with the spatial dimensions of labels.
//
// maskedLogits is nil if all pixels are ignored.
//
// The shape of maskedLogits depends on the labels, so graphs using it are built for each batch. The
// training graphs use LossMask instead, which gives the same mean loss with static shapes.
func MaskIgnored(labels *data.LabelMap, logits *Node, numClasses int) (kept []int32, maskedLogits *Node) {
	logits.AssertRank(4)
	dims := logits.Shape().Dimensions
	if dims[3] != numClasses || dims[0] != labels.BatchSize || dims[1] != labels.Height || dims[2] != labels.Width {
		exceptions.Panicf("MaskIgnored: logits shaped %s don't match labels [%d, %d, %d] with %d classes",
			logits.Shape(), labels.BatchSize, labels.Height, labels.Width, numClasses)
	}
	indices := PixelIndices(labels, numClasses)
	if len(indices) == 0 {
		return nil, nil
	}
	kept = make([]int32, len(indices))
	flatIndices := make([]int32, len(indices))
	for ii, index := range indices {
		kept[ii] = labels.Labels[index]
		flatIndices[ii] = int32(index)
	}
	g := logits.Graph()
	rows := Const(g, tensors.FromFlatDataAndDimensions(flatIndices, len(indices), 1))
	maskedLogits = Gather(Reshape(logits, -1, numClasses), rows, true)
	return kept, maskedLogits
}

// LossMask returns a boolean mask, shaped like labels, set for the pixels with a valid class, that is,
// in [0, numClasses). It's the in-graph version of PixelIndices.
func LossMask(labels *Node, numClasses int) *Node {
	g := labels.Graph()
	return LogicalAnd(
		GreaterOrEqual(labels, ScalarZero(g, labels.DType())),
		LessThan(labels, Scalar(g, labels.DType(), numClasses)))
}
