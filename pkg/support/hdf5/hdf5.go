// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hdf5 reads the datasets of HDF5 files (Keras ".h5" checkpoints) as GoMLX tensors.
//
// It shells out to the `h5dump` binary (Debian/Ubuntu package `hdf5-tools`): there is no pure Go
// reader of the format that handles Keras files.
package hdf5

import (
	"bytes"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// H5DumpBinary is the name of the program used to read HDF5 files. It must be in the PATH.
const H5DumpBinary = "h5dump"

// Contents of an HDF5 file, indexed by the dataset key: the group path (HDF5 "directories") joined
// with the dataset name, e.g. "/conv1.0/conv1.0/kernel:0".
type Contents map[string]*Dataset

// Dataset is the metadata of one HDF5 dataset, with its DATATYPE and DATASPACE converted to a shapes.Shape.
//
// Shape is invalid if the dataset type or space is not supported, and such datasets can't be read as tensors.
type Dataset struct {
	FilePath, Key, RawHeader string
	Shape                    shapes.Shape
}

// ErrUnsupportedDataset is returned when reading a dataset whose type or dataspace has no tensor equivalent.
var ErrUnsupportedDataset = errors.New("HDF5 dataset can't be converted to a tensor")

// Available returns whether the `h5dump` binary can be found.
func Available() bool {
	_, err := exec.LookPath(H5DumpBinary)
	return err == nil
}

// Open lists the datasets of the HDF5 file in filePath and parses their headers.
func Open(filePath string) (Contents, error) {
	if _, err := os.Stat(filePath); err != nil {
		return nil, errors.Wrapf(err, "cannot access HDF5 file %q", filePath)
	}
	listing, err := h5dump("--contents", filePath)
	if err != nil {
		return nil, err
	}
	contents, err := parseListing(filePath, listing)
	if err != nil {
		return nil, err
	}
	if len(contents) == 0 {
		return contents, nil
	}

	args := make([]string, 0, len(contents)+2)
	args = append(args, "--header")
	for _, key := range contents.Keys() {
		args = append(args, "--dataset="+key)
	}
	args = append(args, filePath)
	headers, err := h5dump(args...)
	if err != nil {
		return nil, err
	}
	if err = parseHeaders(filePath, contents, headers); err != nil {
		return nil, err
	}
	return contents, nil
}

var (
	reListedDataset   = regexp.MustCompile(`\s+dataset\s+(/.*)\n`)
	reHeaderName      = regexp.MustCompile(`\s+"(.*?)" \{\n`)
	reHeaderDataType  = regexp.MustCompile(`\s+DATATYPE\s+(\w.*?)\n`)
	reHeaderDataSpace = regexp.MustCompile(`\s+DATASPACE\s+(\w+)(\s+\{\s+\((.*?)\).*?)?\n`)
)

// parseListing parses the output of `h5dump --contents`.
func parseListing(filePath string, listing []byte) (Contents, error) {
	matches := reListedDataset.FindAllStringSubmatch(string(listing), -1)
	contents := make(Contents, len(matches))
	for _, match := range matches {
		key := strings.TrimSpace(match[1])
		// Keys become command line arguments of h5dump.
		if strings.HasPrefix(key, "-") {
			return nil, errors.Errorf("invalid dataset name %q in %q", key, filePath)
		}
		contents[key] = &Dataset{FilePath: filePath, Key: key}
	}
	return contents, nil
}

// parseHeaders parses the output of `h5dump --header --dataset=...` for all datasets in contents.
func parseHeaders(filePath string, contents Contents, headers []byte) error {
	parts := strings.Split(string(headers), "DATASET")
	if len(parts)-1 != len(contents) {
		return errors.Errorf("failed to parse dataset headers of %q: expected %d DATASET entries, got %d",
			filePath, len(contents), len(parts)-1)
	}
	for _, part := range parts[1:] {
		matches := reHeaderName.FindStringSubmatch(part)
		if len(matches) != 2 {
			return errors.Errorf("failed to parse dataset header of %q: %q", filePath, part)
		}
		ds, found := contents[matches[1]]
		if !found {
			return errors.Errorf("header for unknown dataset %q in %q", matches[1], filePath)
		}
		ds.RawHeader = "DATASET" + part
		ds.Shape = parseShape(part)
		if !ds.Shape.Ok() {
			klog.V(1).Infof("hdf5: dataset %q of %q has no tensor equivalent", ds.Key, filePath)
		}
	}
	return nil
}

// parseShape converts the DATATYPE and DATASPACE of a raw header. It returns an invalid shape if either
// is not supported.
func parseShape(header string) shapes.Shape {
	matches := reHeaderDataType.FindStringSubmatch(header)
	if len(matches) != 2 {
		return shapes.Shape{}
	}
	dtype := DTypeFor(matches[1])
	if dtype == dtypes.InvalidDType {
		return shapes.Shape{}
	}
	matches = reHeaderDataSpace.FindStringSubmatch(header)
	if len(matches) != 4 {
		return shapes.Shape{}
	}
	switch matches[1] {
	case "SCALAR":
		return shapes.Make(dtype)
	case "SIMPLE":
		fields := strings.Split(matches[3], ",")
		dims := make([]int, 0, len(fields))
		for _, field := range fields {
			dim, err := strconv.Atoi(strings.TrimSpace(field))
			if err != nil {
				return shapes.Shape{}
			}
			dims = append(dims, dim)
		}
		return shapes.Make(dtype, dims...)
	}
	return shapes.Shape{}
}

// DTypeFor returns the dtype of a known HDF5 type, or dtypes.InvalidDType.
func DTypeFor(h5type string) dtypes.DType {
	switch h5type {
	case "H5T_IEEE_F32LE", "H5T_IEEE_F32BE":
		return dtypes.Float32
	case "H5T_IEEE_F64LE", "H5T_IEEE_F64BE":
		return dtypes.Float64
	case "H5T_STD_I32LE", "H5T_STD_I32BE":
		return dtypes.Int32
	case "H5T_STD_I64LE", "H5T_STD_I64BE":
		return dtypes.Int64
	}
	return dtypes.InvalidDType
}

// Keys returns the dataset keys in sorted order.
func (c Contents) Keys() []string {
	keys := make([]string, 0, len(c))
	for key := range c {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Memory is the number of bytes used by all datasets that can be read as tensors.
func (c Contents) Memory() uintptr {
	var total uintptr
	for _, ds := range c {
		if ds.Shape.Ok() {
			total += ds.Shape.Memory()
		}
	}
	return total
}

// ReadBytes extracts the raw data of the dataset, in the machine's native byte order.
func (ds *Dataset) ReadBytes() ([]byte, error) {
	tmpFile, err := os.CreateTemp("", "hdf5_dataset")
	if err == nil {
		err = tmpFile.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create temporary file to extract HDF5 dataset")
	}
	defer func() {
		if err := os.Remove(tmpFile.Name()); err != nil {
			klog.Warningf("failed to remove temporary file %q: %v", tmpFile.Name(), err)
		}
	}()
	if _, err = h5dump("--dataset="+ds.Key, "--binary=NATIVE", "--output="+tmpFile.Name(), ds.FilePath); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(tmpFile.Name())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read dataset %q extracted to %q", ds.Key, tmpFile.Name())
	}
	return data, nil
}

// ToTensor reads the dataset into a new tensor.
func (ds *Dataset) ToTensor() (*tensors.Tensor, error) {
	if !ds.Shape.Ok() {
		return nil, errors.Wrapf(ErrUnsupportedDataset, "dataset %q of %q", ds.Key, ds.FilePath)
	}
	data, err := ds.ReadBytes()
	if err != nil {
		return nil, err
	}
	return tensorFromBytes(ds.Shape, data)
}

func tensorFromBytes(shape shapes.Shape, data []byte) (*tensors.Tensor, error) {
	tensor := tensors.FromShape(shape)
	var sizeErr error
	err := tensor.MutableBytes(func(buf []byte) {
		if len(buf) != len(data) {
			sizeErr = errors.Errorf("dataset shaped %s has %d bytes, but got %d bytes", shape, len(buf), len(data))
			return
		}
		copy(buf, data)
	})
	if err == nil {
		err = sizeErr
	}
	if err != nil {
		tensor.FinalizeAll()
		return nil, err
	}
	return tensor, nil
}

func h5dump(args ...string) ([]byte, error) {
	binPath, err := exec.LookPath(H5DumpBinary)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot find %q in PATH, needed to read HDF5 (\".h5\") files: "+
			"please install the package hdf5-tools", H5DumpBinary)
	}
	klog.V(2).Infof("hdf5: running %s %s", binPath, strings.Join(args, " "))
	cmd := exec.Command(binPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err = cmd.Run(); err != nil {
		err = errors.Wrapf(err, "failed executing %q", cmd)
		return nil, errors.WithMessagef(err, "stderr:\n%s", stderr.String())
	}
	return stdout.Bytes(), nil
}
