// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/segan/pkg/ml/data"
)

// Forward holds the nodes of one forward pass of the generator and both discriminator passes, on one
// batch.
type Forward struct {
	// ScoreMap are the generator logits, shaped [batch, scoreHeight, scoreWidth, numClasses].
	ScoreMap *Node

	// Fake is the softmax of ScoreMap, fed to the fake discriminator pass.
	Fake *Node

	// Real is the scaled ground truth (see ConvertToScaling), fed to the real discriminator pass.
	Real *Node

	// Image is the batch of images normalized to [0, 1], fed to the discriminator variants that use it.
	Image *Node

	// ScoreLabels are the labels resized to the score map dimensions, int32 shaped
	// [batch, scoreHeight, scoreWidth].
	ScoreLabels *Node

	// FakeScore and RealScore are the outputs of the discriminator passes, shaped [batch, 1].
	FakeScore, RealScore *Node

	Losses Losses
}

// BuildForward builds the full forward pass on a batch: images as yielded by the datasets, and the labels
// already resized to the score map dimensions (see ScoreMapDims and ResizeLabelsNearest).
//
// The first graph built creates the variables in ctx. Later ones must pass ctx.Reuse().
func BuildForward(ctx *context.Context, cfg *Config, images, scoreLabels *Node) *Forward {
	f := &Forward{ScoreLabels: scoreLabels}
	f.ScoreMap = Generator(ctx, images)
	f.Fake = Softmax(f.ScoreMap, -1)
	f.Real = ConvertToScaling(f.Fake, scoreLabels, cfg.NumClasses, cfg.Tau)
	f.Image = DiscriminatorImages(images)
	f.FakeScore, f.RealScore = BuildDiscriminators(ctx, cfg.Discriminator, f.Fake, f.Real, f.Image)
	f.Losses = AssembleLosses(scoreLabels, f.ScoreMap, f.FakeScore, f.RealScore, cfg.NumClasses, cfg.Lambda)
	return f
}

// DiscriminatorImages converts a batch of images as yielded by the datasets (BGR with the mean
// subtracted) to values in [0, 1], keeping the channel order.
func DiscriminatorImages(images *Node) *Node {
	images.AssertRank(4)
	g := images.Graph()
	mean := Reshape(Const(g, data.ImageMean[:]), 1, 1, 1, 3)
	mean = BroadcastToDims(ConvertDType(mean, images.DType()), images.Shape().Dimensions...)
	return DivScalar(Add(images, mean), 255)
}

// ResizeBatchLabels returns the labels of the batch resized to the score map dimensions of the model
// configured in ctx.
func ResizeBatchLabels(ctx *context.Context, batch data.Batch) *data.LabelMap {
	height, width := ScoreMapDims(ctx, batch.Labels.Height, batch.Labels.Width)
	return ResizeLabelsNearest(batch.Labels, height, width)
}
