// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package squeezenet implements the SqueezeNet 1_0 and 1_1 image classifiers, from
// "SqueezeNet: AlexNet-level accuracy with 50x fewer parameters and <0.5MB model size",
// https://arxiv.org/abs/1602.07360.
//
// The layers (and their variable scopes) follow the Keras port of the torchvision model, so the
// pretrained Keras checkpoints can be loaded by name, see WithPreTrained.
//
// Images are shaped [batch, height, width, channels] and the model outputs [batch, numClasses]
// scores: they are the average of ReLU activations, hence non-negative, and not normalized.
//
// Example:
//
//	model := squeezenet.SqueezeNet1_1(1000).WithPreTrained("~/.cache/gomlx/squeezenet")
//	scores := model.Graph(ctx, images)
package squeezenet

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/kerasmodels/internal/kerasops"
	"github.com/gomlx/kerasmodels/pkg/ml/model/kerasweights"
	"github.com/pkg/errors"
)

// Version of the SqueezeNet architecture.
type Version string

const (
	// Version1_0 is the original SqueezeNet.
	Version1_0 Version = "1_0"

	// Version1_1 has a smaller stem and earlier pooling, for 2.4x less computation than 1_0.
	Version1_1 Version = "1_1"
)

// Hyperparameter keys for context configuration.
const (
	ParamVersion    = "squeezenet_version"
	ParamNumClasses = "squeezenet_num_classes"
	ParamDropout    = "squeezenet_dropout"
	ParamWeightsDir = "squeezenet_weights_dir"
)

const (
	// DefaultNumClasses is the number of ImageNet classes, used by the pretrained checkpoints.
	DefaultNumClasses = 1000

	// DefaultDropout rate of the classifier, only applied during training.
	DefaultDropout = 0.5
)

var (
	// ErrUnknownVersion is returned for versions other than Version1_0 and Version1_1.
	ErrUnknownVersion = errors.New("unknown SqueezeNet version")

	// ErrInvalidConfig is returned for invalid number of classes or dropout rates.
	ErrInvalidConfig = errors.New("invalid SqueezeNet configuration")
)

// Model configures a SqueezeNet classifier.
type Model struct {
	Version    Version
	NumClasses int
	Dropout    float64 // Dropout rate before the classifier, 0 to disable.

	// WeightsDir, if set, is where the pretrained weights are downloaded to and loaded from.
	WeightsDir string
}

// New creates a SqueezeNet model configuration for the given version and number of classes.
func New(version Version, numClasses int) *Model {
	return &Model{
		Version:    version,
		NumClasses: numClasses,
		Dropout:    DefaultDropout,
	}
}

// SqueezeNet1_0 creates a SqueezeNet 1_0 model configuration.
func SqueezeNet1_0(numClasses int) *Model {
	return New(Version1_0, numClasses)
}

// SqueezeNet1_1 creates a SqueezeNet 1_1 model configuration.
func SqueezeNet1_1(numClasses int) *Model {
	return New(Version1_1, numClasses)
}

// FromContext overrides the configuration with the hyperparameters set in the context:
//   - squeezenet_version (string, "1_0" or "1_1")
//   - squeezenet_num_classes (int)
//   - squeezenet_dropout (float64)
//   - squeezenet_weights_dir (string): set to load the pretrained weights.
func (m *Model) FromContext(ctx *context.Context) *Model {
	m.Version = Version(context.GetParamOr(ctx, ParamVersion, string(m.Version)))
	m.NumClasses = context.GetParamOr(ctx, ParamNumClasses, m.NumClasses)
	m.Dropout = context.GetParamOr(ctx, ParamDropout, m.Dropout)
	m.WeightsDir = context.GetParamOr(ctx, ParamWeightsDir, m.WeightsDir)
	return m
}

// WithDropout sets the dropout rate applied before the classifier during training.
func (m *Model) WithDropout(rate float64) *Model {
	m.Dropout = rate
	return m
}

// WithPreTrained loads the pretrained ImageNet weights, downloaded (once) to baseDir.
// The number of classes must be DefaultNumClasses.
func (m *Model) WithPreTrained(baseDir string) *Model {
	m.WeightsDir = baseDir
	return m
}

// CheckpointName is the name of the pretrained checkpoint for the model version, e.g. "squeezenet1_1".
func (m *Model) CheckpointName() string {
	return "squeezenet" + string(m.Version)
}

// Validate the configuration. Graph panics with the same errors.
func (m *Model) Validate() error {
	if _, found := topologies[m.Version]; !found {
		return errors.Wrapf(ErrUnknownVersion, "version %q, valid versions are %q and %q", m.Version, Version1_0, Version1_1)
	}
	if m.NumClasses <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "number of classes must be > 0, got %d", m.NumClasses)
	}
	if m.Dropout < 0 || m.Dropout >= 1 {
		return errors.Wrapf(ErrInvalidConfig, "dropout rate must be in [0, 1), got %g", m.Dropout)
	}
	if m.WeightsDir != "" {
		if _, err := LookupCheckpoint(m.CheckpointName()); err != nil {
			return err
		}
		if m.NumClasses != DefaultNumClasses {
			return errors.Wrapf(ErrInvalidConfig, "pretrained weights require %d classes, got %d",
				DefaultNumClasses, m.NumClasses)
		}
	}
	return nil
}

// block is one entry of the "features" sequence after the stem: a fire module, or a max-pooling if
// squeeze is 0.
type block struct {
	index                         int
	squeeze, expand1x1, expand3x3 int

	// ceilPad emulates torch's MaxPool2d(ceil_mode=True) by zero padding the bottom and right by 1 before pooling.
	ceilPad bool
}

func fire(index, squeeze, expand int) block {
	return block{index: index, squeeze: squeeze, expand1x1: expand, expand3x3: expand}
}

func pool(index int) block { return block{index: index} }

// topology of the "features" layers of one version.
type topology struct {
	stemChannels, stemKernel int
	blocks                   []block
}

var topologies = map[Version]topology{
	Version1_0: {
		stemChannels: 96,
		stemKernel:   7,
		blocks: []block{
			pool(2),
			fire(3, 16, 64),
			fire(4, 16, 64),
			fire(5, 32, 128),
			{index: 6, ceilPad: true},
			fire(7, 32, 128),
			fire(8, 48, 192),
			fire(9, 48, 192),
			fire(10, 64, 256),
			pool(11),
			fire(12, 64, 256),
		},
	},
	Version1_1: {
		stemChannels: 64,
		stemKernel:   3,
		blocks: []block{
			pool(2),
			fire(3, 16, 64),
			fire(4, 16, 64),
			pool(5),
			fire(6, 32, 128),
			fire(7, 32, 128),
			pool(8),
			fire(9, 48, 192),
			fire(10, 48, 192),
			fire(11, 64, 256),
			fire(12, 64, 256),
		},
	},
}

// Graph builds the model for images shaped [batch, height, width, channels] and returns the class
// scores shaped [batch, NumClasses].
//
// It panics (with an error) on an invalid configuration, on images too small for the topology, or if
// the pretrained weights fail to download.
func (m *Model) Graph(ctx *context.Context, images *Node) *Node {
	if err := m.Validate(); err != nil {
		panic(err)
	}
	if images.Rank() != 4 {
		exceptions.Panicf("squeezenet: images must be shaped [batch, height, width, channels], got %s", images.Shape())
	}
	if m.WeightsDir != "" {
		unpackedDir, err := DownloadWeights(m.CheckpointName(), m.WeightsDir)
		if err != nil {
			panic(err)
		}
		kerasweights.Attach(ctx, unpackedDir)
		ctx = ctx.Checked(false)
	}

	x := m.Features(ctx, images)
	return m.classifier(ctx, x)
}

// Features builds the convolutional part of the model, up to and including the last fire module.
// The output has 512 channels.
func (m *Model) Features(ctx *context.Context, images *Node) *Node {
	topo, found := topologies[m.Version]
	if !found {
		panic(errors.Wrapf(ErrUnknownVersion, "version %q", m.Version))
	}
	x := images
	x = conv2D(kerasweights.LayerScope(ctx, "features.0"), x, topo.stemChannels, topo.stemKernel, 2, false)
	for _, b := range topo.blocks {
		name := fmt.Sprintf("features.%d", b.index)
		if b.squeeze > 0 {
			x = Fire(kerasweights.LayerScope(ctx, name), x, b.squeeze, b.expand1x1, b.expand3x3)
			continue
		}
		if b.ceilPad {
			x = kerasops.ZeroPad2D(x, 0, 1, 0, 1)
		}
		dims := x.Shape().Dimensions
		if dims[1] < 3 || dims[2] < 3 {
			exceptions.Panicf("squeezenet: input images too small, %s is only %dx%d before max-pooling",
				name, dims[1], dims[2])
		}
		x = kerasops.MaxPool2D(x, 3, 2)
	}
	return x
}

func (m *Model) classifier(ctx *context.Context, x *Node) *Node {
	if m.Dropout > 0 {
		x = layers.Dropout(kerasweights.LayerScope(ctx, "classifier.0"), x, Scalar(x.Graph(), x.DType(), m.Dropout))
	}
	x = conv2D(kerasweights.LayerScope(ctx, "classifier.1"), x, m.NumClasses, 1, 1, true)
	return kerasops.GlobalAveragePool2D(x)
}

// ModelFn returns the model as a function that can be used with context.Exec or a trainer.
func (m *Model) ModelFn() func(ctx *context.Context, images *Node) *Node {
	return m.Graph
}
