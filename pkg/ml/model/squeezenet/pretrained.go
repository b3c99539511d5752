// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package squeezenet

import (
	"path/filepath"
	"slices"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/kerasmodels/pkg/ml/model/kerasweights"
	"github.com/gomlx/kerasmodels/pkg/support/fetch"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CheckpointRef points to a pretrained Keras checkpoint.
type CheckpointRef struct {
	Name string
	URL  string
	Hash string // md5 or sha256, in hex.
}

// ErrNoCheckpoint is returned for models without a pretrained checkpoint.
var ErrNoCheckpoint = errors.New("no pretrained checkpoint available")

// UnpackedSuffix is appended to the checkpoint name for the directory with the unpacked weights.
const UnpackedSuffix = "_gomlx_weights"

const checkpointsURL = "https://github.com/kevin970401/keras-pretrainedmodels/releases/download/download/"

var checkpoints = map[string]CheckpointRef{
	"squeezenet1_0": {
		Name: "squeezenet1_0",
		URL:  checkpointsURL + "squeezenet1_0.h5",
		Hash: "02cf552933596c1379207c257dacb8e8",
	},
	"squeezenet1_1": {
		Name: "squeezenet1_1",
		URL:  checkpointsURL + "squeezenet1_1.h5",
		Hash: "8b67f4e6eb5d77a00b28215455be7104",
	},
}

// LookupCheckpoint returns the pretrained checkpoint for the model name, e.g. "squeezenet1_1".
func LookupCheckpoint(name string) (CheckpointRef, error) {
	ref, found := checkpoints[name]
	if !found {
		return CheckpointRef{}, errors.Wrapf(ErrNoCheckpoint, "model %q, checkpoints exist for %q", name, CheckpointNames())
	}
	return ref, nil
}

// CheckpointNames returns the names of the models with a pretrained checkpoint, sorted.
func CheckpointNames() []string {
	names := make([]string, 0, len(checkpoints))
	for name := range checkpoints {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DownloadWeights downloads the pretrained checkpoint of the model name into baseDir (if not there yet),
// verifies its hash and unpacks it. It returns the directory with the unpacked weights, to be used with
// kerasweights.Attach.
//
// Unknown names fail with ErrNoCheckpoint before any file or network access.
func DownloadWeights(name, baseDir string) (unpackedDir string, err error) {
	ref, err := LookupCheckpoint(name)
	if err != nil {
		return "", err
	}
	return downloadWeights(ref, baseDir, true)
}

func downloadWeights(ref CheckpointRef, baseDir string, progressBar bool) (string, error) {
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return "", err
	}
	unpackedDir := filepath.Join(baseDir, ref.Name+UnpackedSuffix)
	exists, err := fsutil.FileExists(unpackedDir)
	if err != nil {
		return "", err
	}
	if exists {
		klog.V(1).Infof("squeezenet: using weights unpacked in %q", unpackedDir)
		return unpackedDir, nil
	}

	h5Path, err := fetch.New(ref.URL, filepath.Join(baseDir, ref.Name+".h5")).
		Hash(ref.Hash).
		ProgressBar(progressBar).
		Done()
	if err != nil {
		return "", errors.WithMessagef(err, "failed to fetch checkpoint %q", ref.Name)
	}
	if err = kerasweights.Unpack(h5Path, unpackedDir); err != nil {
		return "", err
	}
	return unpackedDir, nil
}
