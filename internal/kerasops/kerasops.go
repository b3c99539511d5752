// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kerasops implements a few Keras layers that have no single GoMLX counterpart,
// with the exact same output shapes as Keras, for images shaped [batch, height, width, channels].
package kerasops

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// ZeroPad2D pads the spatial axes of x with zeros, like Keras' ZeroPadding2D(((top, bottom), (left, right))).
func ZeroPad2D(x *Node, top, bottom, left, right int) *Node {
	if x.Rank() != 4 {
		exceptions.Panicf("ZeroPad2D requires images shaped [batch, height, width, channels], got %s", x.Shape())
	}
	if top < 0 || bottom < 0 || left < 0 || right < 0 {
		exceptions.Panicf("ZeroPad2D paddings must be non-negative, got ((%d, %d), (%d, %d))", top, bottom, left, right)
	}
	if top == 0 && bottom == 0 && left == 0 && right == 0 {
		return x
	}
	zero := ScalarZero(x.Graph(), x.DType())
	return Pad(x, zero,
		PadAxis{},
		PadAxis{Start: top, End: bottom},
		PadAxis{Start: left, End: right},
		PadAxis{})
}

// SymmetricZeroPad2D pads both spatial axes of x by padding pixels on each side.
func SymmetricZeroPad2D(x *Node, padding int) *Node {
	return ZeroPad2D(x, padding, padding, padding, padding)
}

// GlobalAveragePool2D averages x over its spatial axes, returning a [batch, channels] tensor.
func GlobalAveragePool2D(x *Node) *Node {
	if x.Rank() != 4 {
		exceptions.Panicf("GlobalAveragePool2D requires images shaped [batch, height, width, channels], got %s",
			x.Shape())
	}
	return ReduceMean(x, 1, 2)
}

// MaxPool2D is Keras' MaxPooling2D with a square window, the given stride and "valid" padding.
func MaxPool2D(x *Node, window, stride int) *Node {
	return MaxPool(x).Window(window).Strides(stride).NoPadding().Done()
}

// ValidOutputSize returns the spatial size of a "valid" (unpadded) window of the given size and stride
// sliding over an axis of the given length. It returns 0 if the window doesn't fit.
func ValidOutputSize(length, window, stride int) int {
	if length < window {
		return 0
	}
	return (length-window)/stride + 1
}
