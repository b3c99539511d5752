// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package squeezenet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Fire is SqueezeNet's fire module: a 1x1 "squeeze" convolution followed by parallel 1x1 and 3x3
// "expand" convolutions, concatenated on the channels axis. All convolutions use bias, "same" padding
// and are followed by a ReLU.
//
// The variables are created under ctx, in the scopes "squeeze", "expand1x1" and "expand3x3".
// The output has expand1x1Planes+expand3x3Planes channels and the same spatial size as x.
func Fire(ctx *context.Context, x *Node, squeezePlanes, expand1x1Planes, expand3x3Planes int) *Node {
	x = conv2D(ctx.In("squeeze"), x, squeezePlanes, 1, 1, true)
	left := conv2D(ctx.In("expand1x1"), x, expand1x1Planes, 1, 1, true)
	right := conv2D(ctx.In("expand3x3"), x, expand3x3Planes, 3, 1, true)
	return Concatenate([]*Node{left, right}, -1)
}

// conv2D is a convolution with bias followed by a ReLU, with the variables in the current scope of ctx.
func conv2D(ctx *context.Context, x *Node, channels, kernelSize, stride int, padSame bool) *Node {
	conv := layers.Convolution(ctx, x).
		CurrentScope().
		Channels(channels).
		KernelSize(kernelSize).
		Strides(stride).
		UseBias(true)
	if padSame {
		conv = conv.PadSame()
	} else {
		conv = conv.NoPadding()
	}
	return activations.Relu(conv.Done())
}
