// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kerasops

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroPad2D(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("Shapes", func(t *testing.T) {
		g := NewGraph(backend, "ZeroPad2D")
		x := Parameter(g, "x", shapes.Make(dtypes.Float32, 2, 54, 54, 96))
		assert.Equal(t, []int{2, 55, 55, 96}, ZeroPad2D(x, 0, 1, 0, 1).Shape().Dimensions)
		assert.Equal(t, []int{2, 56, 56, 96}, SymmetricZeroPad2D(x, 1).Shape().Dimensions)
		assert.Same(t, x, ZeroPad2D(x, 0, 0, 0, 0))
	})

	t.Run("Values", func(t *testing.T) {
		got := context.MustExecOnce(backend, context.New(), func(_ *context.Context, g *Graph) *Node {
			x := Ones(g, shapes.Make(dtypes.Float32, 1, 2, 2, 1))
			return ZeroPad2D(x, 0, 1, 0, 1)
		})
		want := [][][][]float32{{
			{{1}, {1}, {0}},
			{{1}, {1}, {0}},
			{{0}, {0}, {0}},
		}}
		assert.Equal(t, want, got.Value())
	})

	t.Run("Invalid", func(t *testing.T) {
		g := NewGraph(backend, "ZeroPad2D")
		x := Parameter(g, "x", shapes.Make(dtypes.Float32, 2, 3))
		require.Panics(t, func() { ZeroPad2D(x, 1, 1, 1, 1) })
		x = Parameter(g, "y", shapes.Make(dtypes.Float32, 1, 3, 3, 1))
		require.Panics(t, func() { ZeroPad2D(x, -1, 0, 0, 0) })
	})
}

func TestGlobalAveragePool2D(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	got := context.MustExecOnce(backend, context.New(), func(_ *context.Context, g *Graph) *Node {
		// Values 0..7 for one image of 2x2 pixels with 2 channels.
		x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 2, 2, 2))
		return GlobalAveragePool2D(x)
	})
	assert.Equal(t, [][]float32{{3, 4}}, got.Value())
}

func TestMaxPool2D(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "MaxPool2D")
	x := Parameter(g, "x", shapes.Make(dtypes.Float32, 1, 109, 109, 96))
	assert.Equal(t, []int{1, 54, 54, 96}, MaxPool2D(x, 3, 2).Shape().Dimensions)
	assert.Equal(t, 54, ValidOutputSize(109, 3, 2))
	assert.Equal(t, 27, ValidOutputSize(55, 3, 2))
	assert.Equal(t, 0, ValidOutputSize(2, 3, 2))
}
