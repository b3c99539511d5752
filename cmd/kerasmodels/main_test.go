// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"slices"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/kerasmodels/pkg/ml/model/shufflenetv2"
	"github.com/gomlx/kerasmodels/pkg/ml/model/squeezenet"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelNames(t *testing.T) {
	assert.Equal(t, []string{
		"squeezenet1_0", "squeezenet1_1",
		"shufflenetv2_x0.5", "shufflenetv2_x1.0", "shufflenetv2_x1.5", "shufflenetv2_x2.0",
	}, modelNames())
}

func TestBuild(t *testing.T) {
	for _, name := range modelNames() {
		_, err := modelConfig{name: name, numClasses: 10}.build()
		require.NoError(t, err, "model %q", name)
	}

	_, err := modelConfig{name: "squeezenet2_0", numClasses: 10}.build()
	assert.True(t, errors.Is(err, squeezenet.ErrUnknownVersion))
	_, err = modelConfig{name: "shufflenetv2_x0.75", numClasses: 10}.build()
	assert.True(t, errors.Is(err, shufflenetv2.ErrUnsupportedWidth))
	_, err = modelConfig{name: "shufflenetv2_xlarge", numClasses: 10}.build()
	assert.True(t, errors.Is(err, shufflenetv2.ErrUnsupportedWidth))
	_, err = modelConfig{name: "shufflenetv2_x1.0", numClasses: 1000, pretrained: true}.build()
	assert.True(t, errors.Is(err, squeezenet.ErrNoCheckpoint))
	_, err = modelConfig{name: "squeezenet1_1", numClasses: 10, pretrained: true, weightsDir: t.TempDir()}.build()
	assert.True(t, errors.Is(err, squeezenet.ErrInvalidConfig))
	_, err = modelConfig{name: "squeezenet1_1", numClasses: 1000, h5Path: "weights.h5"}.build()
	require.Error(t, err)
	_, err = modelConfig{name: "resnet50", numClasses: 10}.build()
	require.ErrorContains(t, err, "unknown model")
}

func TestCompareLayerNames(t *testing.T) {
	names := []string{"features.10", "classifier.1", "features.9.squeeze", "features.0", "features.9", "fc"}
	slices.SortFunc(names, compareLayerNames)
	assert.Equal(t, []string{"classifier.1", "fc", "features.0", "features.9", "features.9.squeeze", "features.10"}, names)
}

func TestLayerRows(t *testing.T) {
	modelFn, err := modelConfig{name: "squeezenet1_1", numClasses: 10}.build()
	require.NoError(t, err)
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	g := NewGraph(backend, "TestLayerRows")
	modelFn(ctx, Parameter(g, "images", shapes.Make(dtypes.Float32, 1, 224, 224, 3)))

	rows := layerRows(ctx)
	// Stem, 8 fire modules with 3 convolutions each and the classifier.
	require.Len(t, rows, 1+3*8+1)
	assert.Equal(t, "classifier.1", rows[0].name)
	assert.Equal(t, 512*10+10, rows[0].parameters)
	assert.Equal(t, "features.0", rows[1].name)
	assert.Equal(t, []string{"biases", "weights"}, rows[1].variables)
	assert.Equal(t, 3*3*3*64+64, rows[1].parameters)
	assert.Equal(t, "features.3.expand1x1", rows[2].name)
	assert.Equal(t, "features.12.squeeze", rows[len(rows)-1].name)
}
