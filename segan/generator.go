// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/segan/pkg/ml/data"
)

// Generator builds the segmentation network: it takes the images, shaped `[batch, height, width, 3]`, and
// returns the score map (logits), shaped `[batch, height/downsample, width/downsample, numClasses]`.
//
// Its variables are created under GeneratorScope and tagged RoleGenerator. Hyperparameters:
// ParamGeneratorFilters, ParamDownsample, ParamNumClasses and the activations parameters.
func Generator(ctx *context.Context, images *Node) (logits *Node) {
	ctx = ctx.In(GeneratorScope)
	RolesOf(ctx, images.Graph()).Track(ctx, RoleGenerator, func() {
		logits = generator(ctx, images)
	})
	return
}

func generator(ctx *context.Context, images *Node) *Node {
	images.AssertRank(4)
	filters := context.GetParamOr(ctx, ParamGeneratorFilters, []int{16, 32})
	downsample := context.GetParamOr(ctx, ParamDownsample, 2)
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 21)
	if len(filters) == 0 {
		exceptions.Panicf("segan.Generator requires at least one value in %q", ParamGeneratorFilters)
	}

	x := images
	for ii, numFilters := range filters {
		x = layers.Convolution(ctx.Inf("conv_%d", ii), x).Filters(numFilters).KernelSize(3).PadSame().Done()
		x = activation(ctx, x)
		if ii == 0 && downsample > 1 {
			x = MeanPool(x).Window(downsample).NoPadding().Done()
		}
	}
	return layers.Convolution(ctx.In("logits"), x).Filters(numClasses).KernelSize(1).Done()
}

// ScoreMapDims returns the spatial dimensions of the score map generated for images of the given size.
func ScoreMapDims(ctx *context.Context, height, width int) (int, int) {
	downsample := max(context.GetParamOr(ctx, ParamDownsample, 2), 1)
	return height / downsample, width / downsample
}

// Predictions returns the predicted class of each pixel of the score map (the argmax over the classes),
// shaped `[batch, height, width]`.
func Predictions(scoreMap *Node) *Node {
	scoreMap.AssertRank(4)
	return ArgMax(scoreMap, -1, dtypes.Int32)
}

// PredictLabels converts the predictions (see Predictions) to a label map, upsampled with nearest
// neighbour to the given image dimensions.
func PredictLabels(predictions *tensors.Tensor, height, width int) *data.LabelMap {
	return ResizeLabelsNearest(data.LabelMapFromTensor(predictions), height, width)
}
