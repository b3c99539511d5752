// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hdf5

import (
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// UnpackConfig is created by Unpack and configures the unpacking of an HDF5 file into a directory
// with one GoMLX tensor file per dataset.
type UnpackConfig struct {
	h5Path, targetDir string
	progressBar       bool
	permissions       os.FileMode
	keepTemporary     bool
}

// Unpack extracts each dataset of the HDF5 file in h5Path into targetDir/<dataset key>,
// saved with tensors.Tensor.Save (and readable with tensors.Load).
// Datasets that have no tensor equivalent are skipped.
//
// The targetDir must not exist. Call Done to do the unpacking, e.g.:
//
//	err := hdf5.Unpack("weights.h5", "/my/weights").ProgressBar(true).Done()
func Unpack(h5Path, targetDir string) *UnpackConfig {
	return &UnpackConfig{
		h5Path:      h5Path,
		targetDir:   targetDir,
		permissions: 0755,
	}
}

// ProgressBar displays a progress bar (on stderr) while unpacking.
func (c *UnpackConfig) ProgressBar(show bool) *UnpackConfig {
	c.progressBar = show
	return c
}

// Permissions used to create the directories. Default is 0755.
func (c *UnpackConfig) Permissions(perm os.FileMode) *UnpackConfig {
	c.permissions = perm
	return c
}

// KeepTemporary keeps the temporary directory with the partially unpacked files if unpacking fails.
func (c *UnpackConfig) KeepTemporary() *UnpackConfig {
	c.keepTemporary = true
	return c
}

// Done unpacks into a temporary sibling of the target directory and renames it to the target at the end,
// so the target directory only exists once it's complete.
func (c *UnpackConfig) Done() (err error) {
	exists, err := fsutil.FileExists(c.targetDir)
	if err != nil {
		return errors.WithMessagef(err, "unpacking %q", c.h5Path)
	}
	if exists {
		return errors.Errorf("target directory %q already exists, remove it or move it away first", c.targetDir)
	}

	contents, err := Open(c.h5Path)
	if err != nil {
		return err
	}

	baseDir := filepath.Dir(c.targetDir)
	if err = os.MkdirAll(baseDir, c.permissions); err != nil {
		return errors.Wrapf(err, "can't create directory %q to unpack %q", baseDir, c.h5Path)
	}
	tmpDir, err := os.MkdirTemp(baseDir, filepath.Base(c.targetDir)+".")
	if err != nil {
		return errors.Wrapf(err, "can't create temporary directory under %q to unpack %q", baseDir, c.h5Path)
	}
	defer func() {
		if tmpDir == "" || c.keepTemporary {
			return
		}
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			klog.Warningf("hdf5: failed to remove temporary directory %q: %v", tmpDir, rmErr)
		}
	}()

	var bar *progressbar.ProgressBar
	if c.progressBar {
		bar = progressbar.DefaultBytes(int64(contents.Memory()), "unpacking "+filepath.Base(c.h5Path))
		defer func() { _ = bar.Finish() }()
	}

	for _, key := range contents.Keys() {
		ds := contents[key]
		if !ds.Shape.Ok() {
			klog.V(1).Infof("hdf5: skipping dataset %q of %q", key, c.h5Path)
			continue
		}
		tensor, err := ds.ToTensor()
		if err != nil {
			return err
		}
		dsPath := filepath.Join(tmpDir, key)
		if err = os.MkdirAll(filepath.Dir(dsPath), c.permissions); err != nil {
			tensor.FinalizeAll()
			return errors.Wrapf(err, "can't create directory for dataset %q", key)
		}
		err = tensor.Save(dsPath)
		tensor.FinalizeAll()
		if err != nil {
			return errors.WithMessagef(err, "unpacking dataset %q of %q", key, c.h5Path)
		}
		if bar != nil {
			_ = bar.Add64(int64(ds.Shape.Memory()))
		}
	}

	if err = os.Rename(tmpDir, c.targetDir); err != nil {
		return errors.Wrapf(err, "failed to move unpacked tensors from %q to %q", tmpDir, c.targetDir)
	}
	tmpDir = ""
	klog.Infof("unpacked %d datasets of %q into %q", len(contents), c.h5Path, c.targetDir)
	return nil
}
