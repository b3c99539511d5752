// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shufflenetv2

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

// ErrIndivisibleGroups is returned when the number of channels is not divisible by the number of groups.
var ErrIndivisibleGroups = errors.New("channels not divisible by the number of groups")

// ValidateShuffle checks that channels can be shuffled in the given number of groups.
func ValidateShuffle(channels, groups int) error {
	if groups <= 0 {
		return errors.Wrapf(ErrIndivisibleGroups, "groups must be > 0, got %d", groups)
	}
	if channels%groups != 0 {
		return errors.Wrapf(ErrIndivisibleGroups, "%d channels %% %d groups = %d", channels, groups, channels%groups)
	}
	return nil
}

// ChannelShuffle interleaves the channels of x, shaped [batch, height, width, channels], across groups:
// the channels are seen as a [groups, channels/groups] matrix, which is transposed.
//
// Shuffling with groups G and then with channels/G restores the original order.
//
// It panics if the channels are not divisible by groups.
func ChannelShuffle(x *Node, groups int) *Node {
	if x.Rank() != 4 {
		exceptions.Panicf("ChannelShuffle requires x shaped [batch, height, width, channels], got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	batch, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	if err := ValidateShuffle(channels, groups); err != nil {
		panic(err)
	}
	x = Reshape(x, batch, height*width, groups, channels/groups)
	x = TransposeAllDims(x, 0, 1, 3, 2)
	return Reshape(x, batch, height, width, channels)
}
