// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shufflenetv2

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/kerasmodels/internal/kerasops"
	"github.com/gomlx/kerasmodels/pkg/ml/model/kerasweights"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidStride is returned for strides other than 1 and 2.
	ErrInvalidStride = errors.New("inverted residual stride must be 1 or 2")

	// ErrChannelMismatch is returned when the input channels don't match the block configuration.
	ErrChannelMismatch = errors.New("inverted residual channel mismatch")
)

// DepthwiseWeightsName is the name of the kernel variable of depthwise convolutions, shaped
// [kernelSize, kernelSize, channels, 1].
const DepthwiseWeightsName = "depthwise_weights"

// ValidateBlock checks the configuration of an inverted residual block with inp input channels,
// oup output channels and the given stride.
func ValidateBlock(inp, oup, stride int) error {
	if stride != 1 && stride != 2 {
		return errors.Wrapf(ErrInvalidStride, "got stride %d", stride)
	}
	if inp <= 0 || oup <= 0 {
		return errors.Wrapf(ErrChannelMismatch, "channels must be > 0, got inp=%d, oup=%d", inp, oup)
	}
	if stride == 1 && inp != 2*(oup/2) {
		return errors.Wrapf(ErrChannelMismatch, "stride 1 requires inp == 2*(oup/2), got inp=%d, oup=%d", inp, oup)
	}
	return nil
}

// InvertedResidual is the ShuffleNetV2 building block, with variables created under ctx.
//
// With stride 1 the channels of x are split in halves: the first half passes through unchanged
// and the second goes through "branch2". With stride 2 both branches see all of x and halve its
// spatial size: "branch1" is a depthwise and a pointwise convolution, "branch2" a pointwise, a depthwise
// and another pointwise convolution. The branches are concatenated and the channels shuffled in 2 groups.
//
// The output has 2*(oup/2) channels. Batch normalizations use the given epsilon.
func InvertedResidual(ctx *context.Context, x *Node, inp, oup, stride int, epsilon float64) *Node {
	if err := ValidateBlock(inp, oup, stride); err != nil {
		panic(err)
	}
	if x.Rank() != 4 || x.Shape().Dimensions[3] != inp {
		panic(errors.Wrapf(ErrChannelMismatch, "block configured for %d input channels, got x shaped %s", inp, x.Shape()))
	}
	branchFeatures := oup / 2

	var branch1, branch2 *Node
	if stride == 1 {
		branch1 = SliceAxis(x, -1, AxisRange(0, inp/2))
		branch2 = SliceAxis(x, -1, AxisRange(inp/2))
	} else {
		branch1 = depthwiseConv(kerasweights.LayerScope(ctx, "branch1.0"), x, stride)
		branch1 = batchNorm(kerasweights.LayerScope(ctx, "branch1.1"), branch1, epsilon)
		branch1 = pointwiseConv(kerasweights.LayerScope(ctx, "branch1.2"), branch1, branchFeatures)
		branch1 = batchNorm(kerasweights.LayerScope(ctx, "branch1.3"), branch1, epsilon)
		branch1 = activations.Relu(branch1)
		branch2 = x
	}

	branch2 = pointwiseConv(kerasweights.LayerScope(ctx, "branch2.0"), branch2, branchFeatures)
	branch2 = batchNorm(kerasweights.LayerScope(ctx, "branch2.1"), branch2, epsilon)
	branch2 = activations.Relu(branch2)
	branch2 = depthwiseConv(kerasweights.LayerScope(ctx, "branch2.3"), branch2, stride)
	branch2 = batchNorm(kerasweights.LayerScope(ctx, "branch2.4"), branch2, epsilon)
	branch2 = pointwiseConv(kerasweights.LayerScope(ctx, "branch2.5"), branch2, branchFeatures)
	branch2 = batchNorm(kerasweights.LayerScope(ctx, "branch2.6"), branch2, epsilon)
	branch2 = activations.Relu(branch2)

	return ChannelShuffle(Concatenate([]*Node{branch1, branch2}, -1), 2)
}

// pointwiseConv is a 1x1 convolution without bias.
func pointwiseConv(ctx *context.Context, x *Node, channels int) *Node {
	return layers.Convolution(ctx, x).
		CurrentScope().
		Channels(channels).
		KernelSize(1).
		UseBias(false).
		PadSame().
		Done()
}

// depthwiseConv is a 3x3 depthwise convolution without bias, over x padded by 1 pixel on each side.
//
// The kernel variable has the Keras DepthwiseConv2D layout [3, 3, channels, 1], and is reshaped
// to the grouped convolution layout [3, 3, 1, channels].
func depthwiseConv(ctx *context.Context, x *Node, stride int) *Node {
	g := x.Graph()
	channels := x.Shape().Dimensions[3]
	kernelVar := ctx.VariableWithShape(DepthwiseWeightsName, shapes.Make(x.DType(), 3, 3, channels, 1))
	kernel := Reshape(kernelVar.ValueGraph(g), 3, 3, 1, channels)
	x = kerasops.SymmetricZeroPad2D(x, 1)
	return Convolve(x, kernel).
		Strides(stride).
		ChannelGroupCount(channels).
		NoPadding().
		Done()
}

func batchNorm(ctx *context.Context, x *Node, epsilon float64) *Node {
	return batchnorm.New(ctx, x, -1).
		CurrentScope().
		Epsilon(epsilon).
		Done()
}
