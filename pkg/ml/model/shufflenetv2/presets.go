// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shufflenetv2

import (
	"slices"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidStages is returned for stage configurations without 3 repeats and 5 output channels, all positive.
	ErrInvalidStages = errors.New("invalid ShuffleNetV2 stage configuration")

	// ErrUnsupportedWidth is returned for width multipliers without a preset.
	ErrUnsupportedWidth = errors.New("unsupported ShuffleNetV2 width multiplier")
)

// StageConfig configures the ShuffleNetV2 stages.
type StageConfig struct {
	// Repeats is the number of blocks of stage2, stage3 and stage4.
	Repeats []int

	// OutChannels are the output channels of conv1, stage2, stage3, stage4 and conv5.
	OutChannels []int
}

// Validate checks there are 3 repeats and 5 output channels, all positive.
func (c StageConfig) Validate() error {
	if len(c.Repeats) != 3 {
		return errors.Wrapf(ErrInvalidStages, "expected 3 stage repeats, got %v", c.Repeats)
	}
	if len(c.OutChannels) != 5 {
		return errors.Wrapf(ErrInvalidStages, "expected 5 stage output channels, got %v", c.OutChannels)
	}
	for _, r := range c.Repeats {
		if r <= 0 {
			return errors.Wrapf(ErrInvalidStages, "stage repeats must be positive, got %v", c.Repeats)
		}
	}
	for _, ch := range c.OutChannels {
		if ch <= 0 {
			return errors.Wrapf(ErrInvalidStages, "stage output channels must be positive, got %v", c.OutChannels)
		}
	}
	return nil
}

// Width multipliers with a preset.
const (
	Width0_5 = 0.5
	Width1_0 = 1.0
	Width1_5 = 1.5
	Width2_0 = 2.0
)

var presets = map[float64]StageConfig{
	Width0_5: {Repeats: []int{4, 8, 4}, OutChannels: []int{24, 48, 96, 192, 1024}},
	Width1_0: {Repeats: []int{4, 8, 4}, OutChannels: []int{24, 116, 232, 464, 1024}},
	Width1_5: {Repeats: []int{4, 8, 4}, OutChannels: []int{24, 176, 352, 704, 1024}},
	Width2_0: {Repeats: []int{4, 8, 4}, OutChannels: []int{24, 244, 488, 976, 2048}},
}

// Preset returns (a copy of) the stage configuration for the width multiplier.
func Preset(widthMultiplier float64) (StageConfig, error) {
	c, found := presets[widthMultiplier]
	if !found {
		return StageConfig{}, errors.Wrapf(ErrUnsupportedWidth, "width multiplier %g, valid values are %v",
			widthMultiplier, WidthMultipliers())
	}
	return StageConfig{Repeats: slices.Clone(c.Repeats), OutChannels: slices.Clone(c.OutChannels)}, nil
}

// WidthMultipliers returns the width multipliers with a preset, sorted.
func WidthMultipliers() []float64 {
	widths := make([]float64, 0, len(presets))
	for w := range presets {
		widths = append(widths, w)
	}
	slices.Sort(widths)
	return widths
}
