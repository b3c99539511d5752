// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shufflenetv2

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/kerasmodels/pkg/ml/model/kerasweights"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresets(t *testing.T) {
	assert.Equal(t, []float64{0.5, 1.0, 1.5, 2.0}, WidthMultipliers())
	stages, err := Preset(Width0_5)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 8, 4}, stages.Repeats)
	assert.Equal(t, []int{24, 48, 96, 192, 1024}, stages.OutChannels)
	stages, err = Preset(Width2_0)
	require.NoError(t, err)
	assert.Equal(t, []int{24, 244, 488, 976, 2048}, stages.OutChannels)

	// Presets are copies.
	stages.OutChannels[1] = 1
	stages, err = Preset(Width2_0)
	require.NoError(t, err)
	assert.Equal(t, 244, stages.OutChannels[1])

	_, err = Preset(0.75)
	assert.True(t, errors.Is(err, ErrUnsupportedWidth))
	_, err = ForWidth(3.0, 10)
	assert.True(t, errors.Is(err, ErrUnsupportedWidth))
}

func TestStageConfigValidate(t *testing.T) {
	require.NoError(t, StageConfig{Repeats: []int{1, 1, 1}, OutChannels: []int{8, 16, 32, 64, 128}}.Validate())
	for _, c := range []StageConfig{
		{Repeats: []int{4, 8}, OutChannels: []int{24, 48, 96, 192, 1024}},
		{Repeats: []int{4, 8, 4}, OutChannels: []int{24, 48, 96, 192}},
		{Repeats: []int{4, 0, 4}, OutChannels: []int{24, 48, 96, 192, 1024}},
		{Repeats: []int{4, 8, 4}, OutChannels: []int{24, 48, -96, 192, 1024}},
	} {
		assert.True(t, errors.Is(c.Validate(), ErrInvalidStages), "%+v", c)
	}
}

func TestModel(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		m, err := ForWidth(Width1_0, 10)
		require.NoError(t, err)
		assert.Equal(t, 10, m.NumClasses)
		assert.Equal(t, DefaultEpsilon, m.Epsilon)
		assert.Empty(t, m.WeightsPath)
		assert.Empty(t, m.UnpackedDir())
		require.NoError(t, m.Validate())
	})

	t.Run("Builders", func(t *testing.T) {
		m, err := ForWidth(Width1_0, 10)
		require.NoError(t, err)
		m = m.WithEpsilon(1e-3).WithWeights("/weights/shufflenetv2_x1.0.h5")
		assert.Equal(t, 1e-3, m.Epsilon)
		assert.Equal(t, "/weights/shufflenetv2_x1.0_gomlx_weights", m.UnpackedDir())
	})

	t.Run("FromContext", func(t *testing.T) {
		ctx := context.New()
		ctx.SetParams(map[string]any{
			ParamWidth:      1.5,
			ParamNumClasses: 7,
			ParamEpsilon:    1e-3,
		})
		m, err := ForWidth(Width0_5, 10)
		require.NoError(t, err)
		m = m.FromContext(ctx)
		assert.Equal(t, []int{24, 176, 352, 704, 1024}, m.Stages.OutChannels)
		assert.Equal(t, 7, m.NumClasses)
		assert.Equal(t, 1e-3, m.Epsilon)

		ctx.SetParam(ParamWidth, 0.75)
		require.Panics(t, func() { m.FromContext(ctx) })

		ctx.SetParam(ParamWidth, 1)
		err = exceptions.TryCatch[error](func() { m.FromContext(ctx) })
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnsupportedWidth), "got %v", err)
	})

	t.Run("Validate", func(t *testing.T) {
		stages, err := Preset(Width1_0)
		require.NoError(t, err)
		assert.True(t, errors.Is(New(stages, 0).Validate(), ErrInvalidConfig))
		assert.True(t, errors.Is(New(stages, 10).WithEpsilon(0).Validate(), ErrInvalidConfig))
		assert.True(t, errors.Is(New(StageConfig{}, 10).Validate(), ErrInvalidStages))
	})
}

func buildGraph(t *testing.T, m *Model, batchSize, imageSize int) (*Node, *context.Context) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	g := NewGraph(backend, t.Name())
	images := Parameter(g, "images", shapes.Make(dtypes.Float32, batchSize, imageSize, imageSize, 3))
	return m.Graph(ctx, images), ctx
}

func TestGraph(t *testing.T) {
	for _, width := range WidthMultipliers() {
		t.Run(fmt.Sprintf("x%g", width), func(t *testing.T) {
			m, err := ForWidth(width, 10)
			require.NoError(t, err)
			logits, _ := buildGraph(t, m, 2, 224)
			assert.Equal(t, []int{2, 10}, logits.Shape().Dimensions)
		})
	}

	// Custom stages and smaller images.
	m := New(StageConfig{Repeats: []int{1, 2, 1}, OutChannels: []int{8, 16, 32, 64, 128}}, 3)
	logits, _ := buildGraph(t, m, 1, 64)
	assert.Equal(t, []int{1, 3}, logits.Shape().Dimensions)
}

func TestStageOutputs(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "TestStageOutputs")
	images := Parameter(g, "images", shapes.Make(dtypes.Float32, 1, 224, 224, 3))
	m, err := ForWidth(Width0_5, 1000)
	require.NoError(t, err)
	outputs := m.StageOutputs(context.New(), images)
	require.Len(t, outputs, 5)
	want := [][]int{
		{1, 56, 56, 24},
		{1, 28, 28, 48},
		{1, 14, 14, 96},
		{1, 7, 7, 192},
		{1, 7, 7, 1024},
	}
	for i, output := range outputs {
		assert.Equal(t, want[i], output.Shape().Dimensions, "output #%d", i)
	}
}

// trainableParameters counts the trainable parameters: batch normalization running averages are excluded.
func trainableParameters(ctx *context.Context) int {
	total := 0
	for v := range ctx.IterVariables() {
		if v.Trainable {
			total += v.Shape().Size()
		}
	}
	return total
}

func TestNumParameters(t *testing.T) {
	// Same counts as torchvision's shufflenet_v2_x0_5 and shufflenet_v2_x1_0.
	for width, want := range map[float64]int{
		Width0_5: 1_366_792,
		Width1_0: 2_278_604,
	} {
		m, err := ForWidth(width, 1000)
		require.NoError(t, err)
		_, ctx := buildGraph(t, m, 1, 224)
		assert.Equal(t, want, trainableParameters(ctx), "width %g", width)
	}
}

func TestLayerNames(t *testing.T) {
	m, err := ForWidth(Width0_5, 10)
	require.NoError(t, err)
	_, ctx := buildGraph(t, m, 1, 224)
	names := make(map[string]bool)
	for v := range ctx.IterVariables() {
		if name, ok := kerasweights.LayerName(context.RootScope, v.Scope()); ok {
			names[name] = true
		}
	}
	for _, name := range []string{
		"conv1.0", "conv1.1",
		"stage2.0.branch1.0", "stage2.0.branch1.1", "stage2.0.branch1.2", "stage2.0.branch1.3",
		"stage2.0.branch2.0", "stage2.0.branch2.3", "stage2.0.branch2.6",
		"stage3.7.branch2.5", "stage4.3.branch2.6",
		"conv5.0", "conv5.1",
		"fc",
	} {
		assert.True(t, names[name], "missing layer %q", name)
	}
	assert.False(t, names["stage2.1.branch1.0"], "stride 1 blocks have no branch1 layers")
	assert.False(t, names["stage2.4.branch2.0"], "stage2 has only 4 blocks")
	assert.False(t, names["stage2.0.branch2.2"], "ReLUs have no weights")
}

func TestWithWeights(t *testing.T) {
	// Pretend the checkpoint was already unpacked with only a few of the weights: the "fc" bias
	// (save_weights layout), and a depthwise kernel and a batch norm mean (save layout).
	dir := t.TempDir()
	h5Path := filepath.Join(dir, "tiny.h5")
	m := New(StageConfig{Repeats: []int{1, 1, 1}, OutChannels: []int{8, 16, 32, 64, 128}}, 3).WithWeights(h5Path)
	saveDataset := func(key string, value *tensors.Tensor) {
		p := filepath.Join(m.UnpackedDir(), filepath.FromSlash(key))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, value.Save(p))
	}
	saveDataset("/fc/fc/bias:0", tensors.FromValue([]float32{1, 2, 3}))
	depthwise := tensors.FromShape(shapes.Make(dtypes.Float32, 3, 3, 8, 1))
	tensors.MustMutableFlatData(depthwise, func(flat []float32) {
		for i := range flat {
			flat[i] = float32(i)
		}
	})
	saveDataset("/model_weights/stage2.0.branch1.0/stage2.0.branch1.0/depthwise_kernel:0", depthwise)
	saveDataset("/model_weights/stage2.0.branch1.1/stage2.0.branch1.1/moving_mean:0",
		tensors.FromValue([]float32{1, 2, 3, 4, 5, 6, 7, 8}))

	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	for _, batchSize := range []int{1, 2} {
		g := NewGraph(backend, fmt.Sprintf("%s_%d", t.Name(), batchSize))
		logits := m.Graph(ctx, Parameter(g, "images", shapes.Make(dtypes.Float32, batchSize, 64, 64, 3)))
		require.NoError(t, logits.Shape().Check(dtypes.Float32, batchSize, 3))
	}

	bias := ctx.GetVariableByScopeAndName("/fc/dense", "biases")
	require.NotNil(t, bias)
	assert.Equal(t, []float32{1, 2, 3}, bias.MustValue().Value())

	kernel := ctx.GetVariableByScopeAndName("/stage2/0/branch1/0", DepthwiseWeightsName)
	require.NotNil(t, kernel)
	require.NoError(t, kernel.MustValue().Shape().Check(dtypes.Float32, 3, 3, 8, 1))
	tensors.MustConstFlatData(kernel.MustValue(), func(flat []float32) {
		for i, v := range flat {
			require.Equal(t, float32(i), v, "depthwise kernel element %d", i)
		}
	})

	mean := ctx.GetVariableByScopeAndName("/stage2/0/branch1/1", "mean")
	require.NotNil(t, mean)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, mean.MustValue().Value())

	// Rebuilding the model reuses the same loader.
	loader, ok := ctx.Loader().(*kerasweights.Loader)
	require.True(t, ok)
	assert.Equal(t, 3, loader.NumLoaded())
}
