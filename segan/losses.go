// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
)

// Names of the scalar losses, as used by the metrics and summaries.
const (
	LossGenerator            = "g_loss"
	LossDiscriminator        = "d_loss"
	LossSupervised           = "mce_loss"
	LossGeneratorAdversarial = "g_bce_loss"
	MetricAccuracy           = "accuracy"
	MetricMeanIoU            = "iou"
	MetricFakeScore          = "fk_score"
	MetricRealScore          = "gt_score"
)

// LossNames in the order they are reported.
var LossNames = []string{LossDiscriminator, LossGenerator, LossSupervised, LossGeneratorAdversarial}

// Losses holds the scalar loss nodes of one forward pass.
type Losses struct {
	// Supervised is the mean cross-entropy over the pixels not ignored.
	Supervised *Node

	// GeneratorAdversarial is mean(log(D(fake) + ε)).
	GeneratorAdversarial *Node

	// Generator is `Supervised - λ·GeneratorAdversarial`.
	Generator *Node

	// Discriminator is mean(-[log(D(real) + ε) + log(1 - D(fake) + ε)]).
	Discriminator *Node
}

// AssembleLosses builds the losses from the generator logits, the labels resized to the score map (int32
// shaped `[batch, height, width]`) and the discriminator scores of the fake and real passes (see
// BuildDiscriminators).
//
// Pixels with ignored labels (see LossMask) don't contribute to the supervised loss. If all pixels are
// ignored it is 0/0.
//
// The generator loss subtracts the adversarial term: minimizing it pushes D(fake) up.
func AssembleLosses(labels, logits, fakeScore, realScore *Node, numClasses int, lambda float64) Losses {
	var l Losses
	l.Supervised = SupervisedLoss(labels, logits, numClasses)
	l.GeneratorAdversarial = ReduceAllMean(logWithEpsilon(fakeScore))
	l.Generator = Sub(l.Supervised, MulScalar(l.GeneratorAdversarial, lambda))
	l.Discriminator = ReduceAllMean(Neg(Add(
		logWithEpsilon(realScore),
		logWithEpsilon(OneMinus(fakeScore)))))
	return l
}

// SupervisedLoss is the sparse softmax cross-entropy of logits, averaged over the pixels whose labels are
// valid classes.
func SupervisedLoss(labels, logits *Node, numClasses int) *Node {
	mask := LossMask(labels, numClasses)
	clamped := ExpandAxes(Where(mask, labels, ZerosLike(labels)), -1)
	perPixel := losses.SparseCategoricalCrossEntropyLogits([]*Node{clamped, mask}, []*Node{logits})
	perPixel = Where(mask, perPixel, ZerosLike(perPixel))
	numKept := ReduceAllSum(ConvertDType(mask, logits.DType()))
	return Div(ReduceAllSum(perPixel), numKept)
}

func logWithEpsilon(x *Node) *Node {
	return Log(AddScalar(x, Epsilon))
}
