// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"strconv"
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/kerasmodels/pkg/ml/model/shufflenetv2"
	"github.com/gomlx/kerasmodels/pkg/ml/model/squeezenet"
	"github.com/pkg/errors"
)

type modelFn = func(ctx *context.Context, images *Node) *Node

const shuffleNetPrefix = "shufflenetv2_x"

// modelConfig selects and configures one of the models.
type modelConfig struct {
	name       string
	numClasses int
	pretrained bool
	weightsDir string
	h5Path     string
}

// modelNames lists the valid values for modelConfig.name.
func modelNames() []string {
	names := []string{"squeezenet1_0", "squeezenet1_1"}
	for _, w := range shufflenetv2.WidthMultipliers() {
		names = append(names, shuffleNetName(w))
	}
	return names
}

func shuffleNetName(width float64) string {
	return shuffleNetPrefix + strconv.FormatFloat(width, 'f', 1, 64)
}

// build validates the configuration and returns the model function.
func (c modelConfig) build() (modelFn, error) {
	if version, found := strings.CutPrefix(c.name, "squeezenet"); found {
		if c.h5Path != "" {
			return nil, errors.Errorf("-h5 is not supported for %s, use -pretrained", c.name)
		}
		m := squeezenet.New(squeezenet.Version(version), c.numClasses)
		if c.pretrained {
			m = m.WithPreTrained(c.weightsDir)
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return m.ModelFn(), nil
	}

	if widthStr, found := strings.CutPrefix(c.name, shuffleNetPrefix); found {
		if c.pretrained {
			return nil, errors.Wrapf(squeezenet.ErrNoCheckpoint, "model %s, convert a Keras checkpoint and use -h5", c.name)
		}
		width, err := strconv.ParseFloat(widthStr, 64)
		if err != nil {
			return nil, errors.Wrapf(shufflenetv2.ErrUnsupportedWidth, "model %q", c.name)
		}
		m, err := shufflenetv2.ForWidth(width, c.numClasses)
		if err != nil {
			return nil, err
		}
		if c.h5Path != "" {
			m = m.WithWeights(c.h5Path)
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return m.ModelFn(), nil
	}

	return nil, errors.Errorf("unknown model %q, valid models are: %s", c.name, strings.Join(modelNames(), ", "))
}
