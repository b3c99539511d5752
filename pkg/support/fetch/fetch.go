// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fetch downloads files into a local cache, verifying their md5 or sha256 hash.
//
// A cached file whose hash matches is reused without any network access. Files that fail the
// hash verification are deleted.
package fetch

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	// ErrHashMismatch is returned when a downloaded file doesn't have the expected hash.
	ErrHashMismatch = errors.New("file hash mismatch")

	// ErrUnknownHashFormat is returned when the hash is neither an md5 (32 hex digits) nor a sha256 (64 hex digits).
	ErrUnknownHashFormat = errors.New("unknown hash format")
)

// Config is created by New and configures a fetch. Call Done to actually fetch the file.
type Config struct {
	url, filePath, hash string
	progressBar         bool
	client              *http.Client
}

// New configures the fetch of url into filePath. The filePath directory is created if needed,
// and a "~" prefix is replaced by the user's home directory.
func New(url, filePath string) *Config {
	return &Config{url: url, filePath: filePath, client: http.DefaultClient}
}

// File fetches url into filePath and verifies its hash (if not empty), with a progress bar.
// It returns the local path of the file.
func File(url, filePath, fileHash string) (string, error) {
	return New(url, filePath).Hash(fileHash).ProgressBar(true).Done()
}

// Hash sets the expected md5 or sha256 hash, in hex. If empty (the default), the file isn't verified.
func (c *Config) Hash(fileHash string) *Config {
	c.hash = strings.ToLower(strings.TrimSpace(fileHash))
	return c
}

// ProgressBar displays a progress bar on stderr while downloading.
func (c *Config) ProgressBar(show bool) *Config {
	c.progressBar = show
	return c
}

// HTTPClient to use for the download. Default is http.DefaultClient.
func (c *Config) HTTPClient(client *http.Client) *Config {
	c.client = client
	return c
}

// Done fetches the file if it is not already cached with the expected hash, and returns its local path.
func (c *Config) Done() (string, error) {
	filePath, err := fsutil.ReplaceTildeInDir(c.filePath)
	if err != nil {
		return "", err
	}
	if c.hash != "" {
		if _, err = HashAlgorithm(c.hash); err != nil {
			return "", err
		}
	}

	exists, err := fsutil.FileExists(filePath)
	if err != nil {
		return "", err
	}
	if exists {
		if c.hash == "" {
			return filePath, nil
		}
		err = ValidateHash(filePath, c.hash)
		if err == nil {
			klog.V(1).Infof("fetch: using cached %q", filePath)
			return filePath, nil
		}
		if !errors.Is(err, ErrHashMismatch) {
			return "", err
		}
		klog.Warningf("fetch: cached %q doesn't match hash %s, downloading it again", filePath, c.hash)
	}

	if err = c.download(filePath); err != nil {
		return "", err
	}
	if c.hash != "" {
		if err = ValidateHash(filePath, c.hash); err != nil {
			return "", err
		}
	}
	return filePath, nil
}

// download url into a temporary file in the same directory as filePath and renames it at the end.
func (c *Config) download(filePath string) (err error) {
	dir := filepath.Dir(filePath)
	if err = os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dir)
	}
	klog.Infof("downloading %s", c.url)
	resp, err := c.client.Get(c.url)
	if err != nil {
		return errors.Wrapf(err, "failed downloading %q", c.url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("failed downloading %q: %s", c.url, resp.Status)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file in %q", dir)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if err != nil {
			_ = tmpFile.Close()
			if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
				klog.Warningf("fetch: failed to remove temporary file %q: %v", tmpPath, rmErr)
			}
		}
	}()

	var w io.Writer = tmpFile
	var bar *progressbar.ProgressBar
	if c.progressBar {
		bar = newBar(resp.ContentLength, filepath.Base(filePath))
		w = io.MultiWriter(tmpFile, bar)
	}
	n, err := io.Copy(w, resp.Body)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return errors.Wrapf(err, "failed downloading %q to %q", c.url, tmpPath)
	}
	if err = tmpFile.Close(); err != nil {
		return errors.Wrapf(err, "failed closing %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "failed to move download %q to %q", tmpPath, filePath)
	}
	klog.Infof("downloaded %s to %q", humanize.IBytes(uint64(n)), filePath)
	return nil
}

func newBar(contentLength int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(contentLength,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionOnCompletion(func() { _, _ = os.Stderr.WriteString("\n") }),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: ".",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// HashAlgorithm returns "md5" or "sha256" according to the length of the hex encoded hash.
func HashAlgorithm(fileHash string) (string, error) {
	if _, err := hex.DecodeString(fileHash); err != nil {
		return "", errors.Wrapf(ErrUnknownHashFormat, "hash %q is not hex encoded", fileHash)
	}
	switch len(fileHash) {
	case 2 * md5.Size:
		return "md5", nil
	case 2 * sha256.Size:
		return "sha256", nil
	}
	return "", errors.Wrapf(ErrUnknownHashFormat, "hash %q has %d hex digits", fileHash, len(fileHash))
}

// ValidateHash checks that the file in filePath has the given md5 or sha256 hash.
// If it doesn't, the file is deleted and the returned error wraps ErrHashMismatch.
func ValidateHash(filePath, fileHash string) error {
	fileHash = strings.ToLower(fileHash)
	algorithm, err := HashAlgorithm(fileHash)
	if err != nil {
		return err
	}
	var hasher hash.Hash
	if algorithm == "md5" {
		hasher = md5.New()
	} else {
		hasher = sha256.New()
	}

	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q to verify its hash", filePath)
	}
	_, err = io.Copy(hasher, f)
	_ = f.Close()
	if err != nil {
		return errors.Wrapf(err, "failed to read %q to verify its hash", filePath)
	}

	got := hex.EncodeToString(hasher.Sum(nil))
	if got == fileHash {
		return nil
	}
	if rmErr := os.Remove(filePath); rmErr != nil {
		klog.Warningf("fetch: failed to remove %q, which failed the hash check, please remove it: %v", filePath, rmErr)
	}
	return errors.Wrapf(ErrHashMismatch, "file %q has %s %s, expected %s, file deleted", filePath, algorithm, got, fileHash)
}
