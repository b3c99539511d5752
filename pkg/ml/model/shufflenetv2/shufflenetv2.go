// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shufflenetv2 implements the ShuffleNetV2 image classifier, from "ShuffleNet V2: Practical
// Guidelines for Efficient CNN Architecture Design", https://arxiv.org/abs/1807.11164.
//
// The layers (and their variable scopes) follow the Keras port of the torchvision model, so converted
// Keras checkpoints can be loaded by name, see WithWeights.
//
// Images are shaped [batch, height, width, channels] and the model outputs [batch, numClasses] logits.
//
// Example:
//
//	model, err := shufflenetv2.ForWidth(shufflenetv2.Width1_0, 1000)
//	if err != nil { ... }
//	logits := model.Graph(ctx, images)
package shufflenetv2

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/kerasmodels/internal/kerasops"
	"github.com/gomlx/kerasmodels/pkg/ml/model/kerasweights"
	"github.com/pkg/errors"
)

// Hyperparameter keys for context configuration.
const (
	ParamWidth      = "shufflenetv2_width"
	ParamNumClasses = "shufflenetv2_num_classes"
	ParamEpsilon    = "shufflenetv2_epsilon"
	ParamWeights    = "shufflenetv2_weights"
)

// DefaultEpsilon of the batch normalizations.
const DefaultEpsilon = 1e-5

// ErrInvalidConfig is returned for invalid number of classes or epsilon.
var ErrInvalidConfig = errors.New("invalid ShuffleNetV2 configuration")

// Model configures a ShuffleNetV2 classifier.
type Model struct {
	Stages     StageConfig
	NumClasses int
	Epsilon    float64 // Batch normalization epsilon.

	// WeightsPath, if set, is a Keras ".h5" checkpoint to load the weights from.
	WeightsPath string
}

// New creates a ShuffleNetV2 model configuration with the given stages.
func New(stages StageConfig, numClasses int) *Model {
	return &Model{
		Stages:     stages,
		NumClasses: numClasses,
		Epsilon:    DefaultEpsilon,
	}
}

// ForWidth creates a ShuffleNetV2 model configuration with the preset stages of the width multiplier
// (one of Width0_5, Width1_0, Width1_5 or Width2_0).
func ForWidth(widthMultiplier float64, numClasses int) (*Model, error) {
	stages, err := Preset(widthMultiplier)
	if err != nil {
		return nil, err
	}
	return New(stages, numClasses), nil
}

// FromContext overrides the configuration with the hyperparameters set in the context:
//   - shufflenetv2_width (float64): replaces the stages with the preset of the width multiplier.
//   - shufflenetv2_num_classes (int)
//   - shufflenetv2_epsilon (float64)
//   - shufflenetv2_weights (string): path to a Keras ".h5" checkpoint.
//
// It panics if the width multiplier has no preset.
func (m *Model) FromContext(ctx *context.Context) *Model {
	if width, found := ctx.GetParam(ParamWidth); found {
		w, ok := width.(float64)
		if !ok {
			panic(errors.Wrapf(ErrUnsupportedWidth, "hyperparameter %s=%v (%T) must be a float64", ParamWidth, width, width))
		}
		stages, err := Preset(w)
		if err != nil {
			panic(err)
		}
		m.Stages = stages
	}
	m.NumClasses = context.GetParamOr(ctx, ParamNumClasses, m.NumClasses)
	m.Epsilon = context.GetParamOr(ctx, ParamEpsilon, m.Epsilon)
	m.WeightsPath = context.GetParamOr(ctx, ParamWeights, m.WeightsPath)
	return m
}

// WithEpsilon sets the batch normalization epsilon.
func (m *Model) WithEpsilon(epsilon float64) *Model {
	m.Epsilon = epsilon
	return m
}

// WithWeights loads the weights from a Keras ".h5" checkpoint, unpacked (once) next to it, see UnpackedDir.
func (m *Model) WithWeights(h5Path string) *Model {
	m.WeightsPath = h5Path
	return m
}

// UnpackedDir is the directory where the checkpoint in WeightsPath is unpacked to.
func (m *Model) UnpackedDir() string {
	if m.WeightsPath == "" {
		return ""
	}
	return strings.TrimSuffix(m.WeightsPath, filepath.Ext(m.WeightsPath)) + "_gomlx_weights"
}

// Validate the configuration, including the channels of every block. Graph panics with the same errors.
func (m *Model) Validate() error {
	if err := m.Stages.Validate(); err != nil {
		return err
	}
	if m.NumClasses <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "number of classes must be > 0, got %d", m.NumClasses)
	}
	if m.Epsilon <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "epsilon must be > 0, got %g", m.Epsilon)
	}
	inp := m.Stages.OutChannels[0]
	for i, repeats := range m.Stages.Repeats {
		oup := m.Stages.OutChannels[i+1]
		if err := ValidateBlock(inp, oup, 2); err != nil {
			return errors.WithMessagef(err, "stage%d.0", i+2)
		}
		if repeats > 1 {
			if err := ValidateBlock(2*(oup/2), oup, 1); err != nil {
				return errors.WithMessagef(err, "stage%d.1", i+2)
			}
		}
		inp = 2 * (oup / 2)
	}
	return nil
}

// Graph builds the model for images shaped [batch, height, width, channels] and returns the
// logits shaped [batch, NumClasses].
//
// It panics (with an error) on an invalid configuration, or if the weights fail to load.
func (m *Model) Graph(ctx *context.Context, images *Node) *Node {
	if err := m.Validate(); err != nil {
		panic(err)
	}
	ctx = m.attachWeights(ctx)
	outputs := m.StageOutputs(ctx, images)
	x := kerasops.GlobalAveragePool2D(outputs[len(outputs)-1])
	return layers.Dense(kerasweights.LayerScope(ctx, "fc"), x, true, m.NumClasses)
}

// StageOutputs builds the convolutional part of the model and returns the output of the stem
// (after "maxpool"), of "stage2", "stage3", "stage4" and of "conv5".
func (m *Model) StageOutputs(ctx *context.Context, images *Node) []*Node {
	if err := m.Validate(); err != nil {
		panic(err)
	}
	if images.Rank() != 4 {
		exceptions.Panicf("shufflenetv2: images must be shaped [batch, height, width, channels], got %s", images.Shape())
	}
	outputs := make([]*Node, 0, 5)

	x := kerasops.SymmetricZeroPad2D(images, 1)
	x = convBNRelu(ctx, "conv1", x, m.Stages.OutChannels[0], 3, 2, m.Epsilon)
	x = kerasops.SymmetricZeroPad2D(x, 1)
	if dims := x.Shape().Dimensions; dims[1] < 3 || dims[2] < 3 {
		exceptions.Panicf("shufflenetv2: input images %s too small", images.Shape())
	}
	x = kerasops.MaxPool2D(x, 3, 2)
	outputs = append(outputs, x)

	inp := m.Stages.OutChannels[0]
	for i, repeats := range m.Stages.Repeats {
		name := fmt.Sprintf("stage%d", i+2)
		oup := m.Stages.OutChannels[i+1]
		x = InvertedResidual(kerasweights.LayerScope(ctx, name+".0"), x, inp, oup, 2, m.Epsilon)
		inp = 2 * (oup / 2)
		for j := 1; j < repeats; j++ {
			x = InvertedResidual(kerasweights.LayerScope(ctx, fmt.Sprintf("%s.%d", name, j)), x, inp, oup, 1, m.Epsilon)
		}
		outputs = append(outputs, x)
	}

	x = convBNRelu(ctx, "conv5", x, m.Stages.OutChannels[4], 1, 1, m.Epsilon)
	outputs = append(outputs, x)
	return outputs
}

// convBNRelu builds the Keras layers "<prefix>.0" (convolution without bias, "valid" padding),
// "<prefix>.1" (batch normalization) and "<prefix>.2" (ReLU).
func convBNRelu(ctx *context.Context, prefix string, x *Node, channels, kernelSize, stride int, epsilon float64) *Node {
	x = layers.Convolution(kerasweights.LayerScope(ctx, prefix+".0"), x).
		CurrentScope().
		Channels(channels).
		KernelSize(kernelSize).
		Strides(stride).
		UseBias(false).
		NoPadding().
		Done()
	x = batchNorm(kerasweights.LayerScope(ctx, prefix+".1"), x, epsilon)
	return activations.Relu(x)
}

// attachWeights unpacks the checkpoint in WeightsPath (if set) and attaches a loader to ctx.
func (m *Model) attachWeights(ctx *context.Context) *context.Context {
	if m.WeightsPath == "" {
		return ctx
	}
	unpackedDir := m.UnpackedDir()
	if err := kerasweights.Unpack(m.WeightsPath, unpackedDir); err != nil {
		panic(err)
	}
	kerasweights.Attach(ctx, unpackedDir)
	return ctx.Checked(false)
}

// ModelFn returns the model as a function that can be used with context.Exec or a trainer.
func (m *Model) ModelFn() func(ctx *context.Context, images *Node) *Node {
	return m.Graph
}
