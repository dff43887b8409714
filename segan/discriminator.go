// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// DiscriminatorVariant selects the inputs of the discriminator.
type DiscriminatorVariant int

const (
	// DiscriminatorPlain only sees the segmentation map.
	DiscriminatorPlain DiscriminatorVariant = iota

	// DiscriminatorPlusImage sees the segmentation map and the image.
	DiscriminatorPlusImage

	// DiscriminatorPlusImageAndFeatures sees the segmentation map, the image and the features of the image
	// extracted by a frozen pretrained network.
	DiscriminatorPlusImageAndFeatures
)

var discriminatorVariantNames = map[DiscriminatorVariant]string{
	DiscriminatorPlain:                "plain",
	DiscriminatorPlusImage:            "plus-image",
	DiscriminatorPlusImageAndFeatures: "plus-image-and-features",
}

// discriminatorVariantAliases accepts the canonical names, and the names of the equivalent networks
// used by the older configurations.
var discriminatorVariantAliases = map[string]DiscriminatorVariant{
	"plain":                   DiscriminatorPlain,
	"plus-image":              DiscriminatorPlusImage,
	"plus-image-and-features": DiscriminatorPlusImageAndFeatures,
	"disc":                    DiscriminatorPlain,
	"disc_addx":               DiscriminatorPlusImage,
	"disc_add_vgg":            DiscriminatorPlusImageAndFeatures,
}

// String implements fmt.Stringer.
func (v DiscriminatorVariant) String() string {
	if name, found := discriminatorVariantNames[v]; found {
		return name
	}
	return fmt.Sprintf("DiscriminatorVariant(%d)", int(v))
}

// UsesImage returns whether the variant is conditioned on the image.
func (v DiscriminatorVariant) UsesImage() bool { return v != DiscriminatorPlain }

// ParseDiscriminatorVariant converts a name (or one of its aliases) to a DiscriminatorVariant.
// It returns an error for unknown names.
func ParseDiscriminatorVariant(name string) (DiscriminatorVariant, error) {
	variant, found := discriminatorVariantAliases[strings.TrimSpace(name)]
	if !found {
		return 0, errors.Errorf("unknown discriminator variant %q, valid values are "+
			"\"plain\" (or \"disc\"), \"plus-image\" (or \"disc_addx\") and "+
			"\"plus-image-and-features\" (or \"disc_add_vgg\")", name)
	}
	return variant, nil
}

// BuildDiscriminators builds the two passes of the discriminator, one on the fake segmentation (the
// generator softmax) and one on the real one (the scaled ground truth), both shaped
// `[batch, height, width, numClasses]`. It returns the probability of each example being real, shaped
// `[batch, 1]`, for each pass.
//
// The fake pass creates the variables (or reuses them, if ctx is set to reuse), and the real pass reuses
// exactly the same ones.
//
// image is only used by the variants that condition on it: it is the image normalized to [0, 1], shaped
// `[batch, imageHeight, imageWidth, 3]`, where the image dimensions are a multiple of the segmentation ones.
func BuildDiscriminators(ctx *context.Context, variant DiscriminatorVariant, fakeSeg, realSeg, image *Node) (fakeScore, realScore *Node) {
	if _, found := discriminatorVariantNames[variant]; !found {
		exceptions.Panicf("BuildDiscriminators: invalid variant %s", variant)
	}
	if !fakeSeg.Shape().Equal(realSeg.Shape()) {
		exceptions.Panicf("BuildDiscriminators: fake %s and real %s inputs must have the same shape", fakeSeg.Shape(), realSeg.Shape())
	}
	ctx = ctx.In(DiscriminatorScope)
	RolesOf(ctx, fakeSeg.Graph()).Track(ctx, RoleDiscriminator, func() {
		fakeScore = discriminator(ctx, variant, fakeSeg, image)
		realScore = discriminator(ctx.Reuse(), variant, realSeg, image)
	})
	return
}

// discriminator builds one pass of the discriminator.
func discriminator(ctx *context.Context, variant DiscriminatorVariant, segmentation, image *Node) *Node {
	segmentation.AssertRank(4)
	height, width := segmentation.Shape().Dim(1), segmentation.Shape().Dim(2)
	inputs := []*Node{segmentation}
	if variant.UsesImage() {
		image.AssertRank(4)
		window := image.Shape().Dim(1) / height
		if window < 1 || image.Shape().Dim(1)/window != height || image.Shape().Dim(2)/window != width {
			exceptions.Panicf("discriminator: image shaped %s doesn't match segmentation shaped %s",
				image.Shape(), segmentation.Shape())
		}
		if variant == DiscriminatorPlusImageAndFeatures {
			features := frozenFeatures(ctx.In(FrozenFeatureScope), image)
			inputs = append(inputs, poolTo(features, window))
		}
		inputs = append(inputs, poolTo(image, window))
	}
	x := Concatenate(inputs, -1)

	filters := context.GetParamOr(ctx, ParamDiscriminatorFilters, []int{16, 32})
	for ii, numFilters := range filters {
		x = layers.Convolution(ctx.Inf("conv_%d", ii), x).Filters(numFilters).KernelSize(3).PadSame().Done()
		x = activation(ctx, x)
		if min(x.Shape().Dim(1), x.Shape().Dim(2)) >= 4 {
			x = MeanPool(x).Window(2).NoPadding().Done()
		}
	}
	x = ReduceMean(x, 1, 2) // Global average pooling: [batch, channels].
	logits := layers.Dense(ctx.In("score"), x, true, 1)
	return Sigmoid(logits)
}

// FrozenFeatureFilters is the number of channels of the frozen feature extractor output.
const FrozenFeatureFilters = 8

// frozenFeatures extracts features from the image with the frozen pretrained extractor. Its variables are
// tagged RoleFrozenFeature and are not trainable.
func frozenFeatures(ctx *context.Context, image *Node) *Node {
	var features *Node
	RolesOf(ctx, image.Graph()).Track(ctx, RoleFrozenFeature, func() {
		features = layers.Convolution(ctx.In("conv_0"), image).
			Filters(FrozenFeatureFilters).KernelSize(3).PadSame().Done()
	})
	for v := range ctx.IterVariablesInScope() {
		v.SetTrainable(false)
	}
	return activations.Relu(features)
}

// poolTo average pools x by window, if window > 1.
func poolTo(x *Node, window int) *Node {
	if window <= 1 {
		return x
	}
	return MeanPool(x).Window(window).NoPadding().Done()
}

// activation applies the activation configured with activations.ParamActivation. The leaky relu uses the
// slope set in ParamLeakyReluAlpha.
func activation(ctx *context.Context, x *Node) *Node {
	name := context.GetParamOr(ctx, activations.ParamActivation, "relu")
	if activations.FromName(name) == activations.TypeLeakyRelu {
		return activations.LeakyReluWithAlpha(x, context.GetParamOr(ctx, ParamLeakyReluAlpha, 0.2))
	}
	return activations.Apply(activations.FromName(name), x)
}
