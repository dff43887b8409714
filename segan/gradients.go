// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Names of the diagnostics of a forward pass.
const (
	GradFakeSegmentation = "grad_fk_oi"
	GradRealSegmentation = "grad_gt_oi"
	GradFakeImage        = "grad_fk_img_oi"
	GradRealImage        = "grad_gt_img_oi"

	// GradGeneratorVars and GradDiscriminatorVars are the mean absolute gradients of the generator
	// (discriminator) loss with respect to the trainable variables of the generator (discriminator).
	GradGeneratorVars     = "grad_g_vars"
	GradDiscriminatorVars = "grad_d_vars"

	// Statistics of the values of the trainable variables of each partition.
	GeneratorVarsMeanAbs     = "g_vars_mean_abs"
	GeneratorVarsMaxAbs      = "g_vars_max_abs"
	DiscriminatorVarsMeanAbs = "d_vars_mean_abs"
	DiscriminatorVarsMaxAbs  = "d_vars_max_abs"
)

// DiagnosticNames are the names of the values returned by Diagnostics, in order.
var DiagnosticNames = []string{
	MetricFakeScore, MetricRealScore,
	GradFakeSegmentation, GradRealSegmentation, GradFakeImage, GradRealImage,
	GradGeneratorVars, GradDiscriminatorVars,
	GeneratorVarsMeanAbs, GeneratorVarsMaxAbs, DiscriminatorVarsMeanAbs, DiscriminatorVarsMaxAbs,
}

// Diagnostics returns the scalars logged for the forward pass f, in the order of DiagnosticNames:
//
//   - the mean discriminator scores of the fake and real passes;
//   - the mean absolute gradient of the discriminator outputs (summed over the batch) with respect to
//     their inputs: the segmentation maps and the image, for each pass. Variants that don't use the image
//     report 0 for the image gradients;
//   - the mean absolute gradient of each loss over the trainable variables of its partition;
//   - the mean and max absolute values of the trainable variables of each partition.
//
// They are only logged and never used for the updates.
func Diagnostics(f *Forward, variant DiscriminatorVariant, p *Partitions) []*Node {
	g := f.ScoreMap.Graph()
	zero := ScalarZero(g, dtypes.Float32)
	fakeInputs, realInputs := []*Node{f.Fake}, []*Node{f.Real}
	if variant.UsesImage() {
		fakeInputs, realInputs = append(fakeInputs, f.Image), append(realInputs, f.Image)
	}
	fakeGrads := Gradient(ReduceAllSum(f.FakeScore), fakeInputs...)
	realGrads := Gradient(ReduceAllSum(f.RealScore), realInputs...)
	fakeImage, realImage := zero, zero
	if variant.UsesImage() {
		fakeImage, realImage = meanAbs(fakeGrads[1]), meanAbs(realGrads[1])
	}
	genValues := valueNodes(g, p.GeneratorTrainable)
	discValues := valueNodes(g, p.DiscriminatorTrainable)
	return []*Node{
		asFloat32(ReduceAllMean(f.FakeScore)),
		asFloat32(ReduceAllMean(f.RealScore)),
		meanAbs(fakeGrads[0]),
		meanAbs(realGrads[0]),
		fakeImage,
		realImage,
		meanAbsOver(g, partitionGradients(f.Losses.Generator, genValues)),
		meanAbsOver(g, partitionGradients(f.Losses.Discriminator, discValues)),
		meanAbsOver(g, genValues),
		maxAbsOver(g, genValues),
		meanAbsOver(g, discValues),
		maxAbsOver(g, discValues),
	}
}

func valueNodes(g *Graph, vars []*context.Variable) []*Node {
	nodes := make([]*Node, len(vars))
	for ii, v := range vars {
		nodes[ii] = v.ValueGraph(g)
	}
	return nodes
}

func partitionGradients(loss *Node, values []*Node) []*Node {
	if len(values) == 0 {
		return nil
	}
	return Gradient(loss, values...)
}

func asFloat32(x *Node) *Node {
	if x.DType() == dtypes.Float32 {
		return x
	}
	return ConvertDType(x, dtypes.Float32)
}

func meanAbs(x *Node) *Node {
	return asFloat32(ReduceAllMean(Abs(x)))
}

// meanAbsOver is the mean absolute value over all the elements of nodes, 0 if there are none.
func meanAbsOver(g *Graph, nodes []*Node) *Node {
	sum := ScalarZero(g, dtypes.Float32)
	var size int
	for _, x := range nodes {
		sum = Add(sum, asFloat32(ReduceAllSum(Abs(x))))
		size += x.Shape().Size()
	}
	if size == 0 {
		return sum
	}
	return DivScalar(sum, float64(size))
}

// maxAbsOver is the max absolute value over all the elements of nodes, 0 if there are none.
func maxAbsOver(g *Graph, nodes []*Node) *Node {
	result := ScalarZero(g, dtypes.Float32)
	for _, x := range nodes {
		result = Max(result, asFloat32(ReduceAllMax(Abs(x))))
	}
	return result
}
