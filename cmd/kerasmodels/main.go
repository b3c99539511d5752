// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// kerasmodels builds one of the SqueezeNet or ShuffleNetV2 models, optionally with its pretrained
// Keras weights, and reports its layers and variables. The variables can be saved as a GoMLX checkpoint.
//
// Example:
//
//	kerasmodels -model=squeezenet1_1 -pretrained -layers -save=~/work/squeezenet1_1
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/kerasmodels/pkg/ml/model/kerasweights"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagModel = flag.String("model", "squeezenet1_1",
		fmt.Sprintf("Model to build, one of: %s.", strings.Join(modelNames(), ", ")))
	flagClasses    = flag.Int("classes", 1000, "Number of classes of the classifier.")
	flagImageSize  = flag.Int("size", 224, "Height and width of the input images.")
	flagBatchSize  = flag.Int("batch", 1, "Batch size of the input images.")
	flagPretrained = flag.Bool("pretrained", false,
		"Load the pretrained ImageNet weights (SqueezeNet only, downloaded to -weights_dir). Requires -classes=1000.")
	flagWeightsDir = flag.String("weights_dir", "~/.cache/gomlx/kerasmodels",
		"Directory where pretrained weights are downloaded to and unpacked.")
	flagH5     = flag.String("h5", "", "Keras \".h5\" checkpoint to load the weights from (ShuffleNetV2 only).")
	flagLayers = flag.Bool("layers", false, "Lists the Keras layers with weights.")
	flagVars   = flag.Bool("vars", false, "Lists the variables.")
	flagSave   = flag.String("save", "", "If set, initializes the variables not loaded and saves them as a "+
		"checkpoint in this directory.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("Unexpected arguments %q. See 'kerasmodels -help'.", flag.Args())
		os.Exit(1)
	}

	cfg := modelConfig{
		name:       *flagModel,
		numClasses: *flagClasses,
		pretrained: *flagPretrained,
		weightsDir: *flagWeightsDir,
		h5Path:     *flagH5,
	}
	modelFn, err := cfg.build()
	if err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}

	backend := backends.MustNew()
	defer backend.Finalize()
	ctx := context.New()
	var logits *Node
	err = exceptions.TryCatch[error](func() {
		g := NewGraph(backend, cfg.name)
		images := Parameter(g, "images", shapes.Make(dtypes.Float32, *flagBatchSize, *flagImageSize, *flagImageSize, 3))
		logits = modelFn(ctx, images)
	})
	if err != nil {
		klog.Fatalf("Failed to build %s: %+v", cfg.name, err)
	}

	numLoaded := 0
	if loader, ok := ctx.Loader().(*kerasweights.Loader); ok {
		numLoaded = loader.NumLoaded()
	}
	printSummary(cfg.name, logits.Graph(), logits.Shape(), ctx, numLoaded)
	if *flagLayers {
		printLayers(ctx)
	}
	if *flagVars {
		printVariables(ctx)
	}
	if *flagSave != "" {
		save(backend, ctx, *flagSave)
	}
}

// save initializes the variables without a value (the ones not loaded) and saves the context as a
// checkpoint in dir.
func save(backend backends.Backend, ctx *context.Context, dir string) {
	dir = fsutil.MustReplaceTildeInDir(dir)
	must.M(ctx.InitializeVariables(backend, nil))
	checkpoint := must.M1(checkpoints.Build(ctx).Dir(dir).Done())
	must.M(checkpoint.Save())
	klog.Infof("Saved %s parameters to %q", humanize.Comma(int64(ctx.NumParameters())), dir)
}
