// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kerasweights loads Keras checkpoints (".h5" files) into a GoMLX context by layer name.
//
// Models place the weights of the Keras layer "features.3.squeeze" under the context scope
// "<root>/features/3/squeeze" (see LayerScope). The Loader maps the GoMLX variable names used by
// the standard layers (layers.Convolution, layers.Dense, batchnorm.New) to the Keras ones, and reads
// the values from the HDF5 datasets previously unpacked with Unpack.
//
// Example:
//
//	if err := kerasweights.Unpack("squeezenet1_1.h5", unpackedDir); err != nil { ... }
//	kerasweights.Attach(ctx, unpackedDir)
//	logits := model.Graph(ctx.Checked(false), images)
package kerasweights

import (
	"path/filepath"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/kerasmodels/pkg/support/hdf5"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// VariableNames maps the GoMLX variable names to the Keras weight names.
var VariableNames = map[string]string{
	"weights":           "kernel",
	"biases":            "bias",
	"depthwise_weights": "depthwise_kernel",
	"scale":             "gamma",
	"offset":            "beta",
	"mean":              "moving_mean",
	"variance":          "moving_variance",
}

// SublayerScopes are scope elements GoMLX layers add on their own: layers.Dense always works in a
// "dense" sub-scope. They are dropped when they are the last element of a scope.
var SublayerScopes = []string{"dense"}

// ModelWeightsGroup is the HDF5 group holding the weights in files written by Keras' model.save(),
// as opposed to model.save_weights().
const ModelWeightsGroup = "model_weights"

// LayerScope returns ctx in the scope of the Keras layer with the given dotted name: "features.3.squeeze"
// becomes ctx.In("features").In("3").In("squeeze").
func LayerScope(ctx *context.Context, layerName string) *context.Context {
	for _, part := range strings.Split(layerName, ".") {
		ctx = ctx.In(part)
	}
	return ctx
}

// LayerName returns the dotted Keras layer name of the given scope, relative to rootScope.
// It returns false if scope is not under rootScope.
func LayerName(rootScope, scope string) (string, bool) {
	var rel string
	if rootScope == context.RootScope {
		rel = strings.TrimPrefix(scope, context.ScopeSeparator)
	} else {
		rootScope = strings.TrimSuffix(rootScope, context.ScopeSeparator)
		if !strings.HasPrefix(scope, rootScope+context.ScopeSeparator) {
			return "", false
		}
		rel = scope[len(rootScope)+1:]
	}
	if rel == "" {
		return "", false
	}
	parts := strings.Split(rel, context.ScopeSeparator)
	for len(parts) > 1 && isSublayerScope(parts[len(parts)-1]) {
		parts = parts[:len(parts)-1]
	}
	return strings.Join(parts, "."), true
}

func isSublayerScope(part string) bool {
	for _, s := range SublayerScopes {
		if part == s {
			return true
		}
	}
	return false
}

// DatasetKeys returns the candidate HDF5 dataset keys of a Keras weight, for files written with
// save_weights() and with save().
func DatasetKeys(layerName, weightName string) []string {
	key := "/" + layerName + "/" + layerName + "/" + weightName + ":0"
	return []string{key, "/" + ModelWeightsGroup + key}
}

// Loader implements context.Loader reading the tensors unpacked from a Keras ".h5" file.
//
// Variables not found (e.g. batch normalization's "avg_weight") are initialized as usual.
type Loader struct {
	dir, rootScope string
	previous       context.Loader
	deleted        map[string]bool
	numLoaded      int
}

var _ context.Loader = (*Loader)(nil)

// NewLoader creates a Loader for the tensors unpacked in dir, for a model built under rootScope.
func NewLoader(dir, rootScope string) *Loader {
	return &Loader{
		dir:       dir,
		rootScope: rootScope,
		deleted:   make(map[string]bool),
	}
}

// WithPrevious chains a previously configured loader, which takes priority: e.g. a checkpoints.Handler
// restoring a fine-tuned model.
func (l *Loader) WithPrevious(previous context.Loader) *Loader {
	l.previous = previous
	return l
}

// Attach creates a Loader for the tensors unpacked in dir, rooted at the current scope of ctx, and sets
// it as the loader of the context, chained after any loader already set.
// If the context loader already is a Loader for the same dir and scope, it is returned unchanged, so
// models can be rebuilt (e.g. for a different batch size) without growing the chain.
//
// Variables are loaded when created, so the model must be built with ctx.Checked(false).
func Attach(ctx *context.Context, dir string) *Loader {
	if l, ok := ctx.Loader().(*Loader); ok && l.dir == dir && l.rootScope == ctx.Scope() {
		return l
	}
	l := NewLoader(dir, ctx.Scope()).WithPrevious(ctx.Loader())
	ctx.SetLoader(l)
	return l
}

// NumLoaded returns the number of variables loaded so far.
func (l *Loader) NumLoaded() int {
	return l.numLoaded
}

// DatasetPath returns the path of the unpacked tensor for variable name in scope, and whether it exists.
func (l *Loader) DatasetPath(scope, name string) (string, bool) {
	weightName, found := VariableNames[name]
	if !found {
		return "", false
	}
	layerName, ok := LayerName(l.rootScope, scope)
	if !ok {
		return "", false
	}
	for _, key := range DatasetKeys(layerName, weightName) {
		p := filepath.Join(l.dir, filepath.FromSlash(key))
		if fsutil.MustFileExists(p) {
			return p, true
		}
	}
	return "", false
}

// LoadVariable implements context.Loader.
func (l *Loader) LoadVariable(ctx *context.Context, scope, name string) (value *tensors.Tensor, found bool) {
	if l.previous != nil {
		value, found = l.previous.LoadVariable(ctx, scope, name)
		if found {
			return
		}
	}
	if l.deleted[context.JoinScope(scope, name)] {
		return nil, false
	}
	p, found := l.DatasetPath(scope, name)
	if !found {
		klog.V(2).Infof("kerasweights: no weights for %s/%s", scope, name)
		return nil, false
	}
	value, err := tensors.Load(p)
	if err != nil {
		exceptions.Panicf("kerasweights: failed to load %s/%s from %q: %+v", scope, name, p, err)
	}
	l.numLoaded++
	klog.V(1).Infof("kerasweights: loaded %s/%s (%s) from %q", scope, name, value.Shape(), p)
	return value, true
}

// DeleteVariable implements context.Loader.
func (l *Loader) DeleteVariable(ctx *context.Context, scope, name string) error {
	if l.previous != nil {
		if err := l.previous.DeleteVariable(ctx, scope, name); err != nil {
			return err
		}
	}
	l.deleted[context.JoinScope(scope, name)] = true
	return nil
}

// Unpack extracts the datasets of the Keras ".h5" file into dir, unless dir already exists.
func Unpack(h5Path, dir string) error {
	exists, err := fsutil.FileExists(dir)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	klog.Infof("unpacking %q into %q", h5Path, dir)
	if err = hdf5.Unpack(h5Path, dir).ProgressBar(true).Done(); err != nil {
		return errors.WithMessagef(err, "failed to unpack Keras weights %q", h5Path)
	}
	return nil
}
