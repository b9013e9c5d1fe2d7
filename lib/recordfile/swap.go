// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package recordfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/syncengine/lib/codec"
)

// TempSuffix is appended to a record path to name its swap file.
const TempSuffix = ".tmp"

// TempPath returns the swap file path for path.
func TempPath(path string) string {
	return path + TempSuffix
}

// Write seals payload and replaces path using the rename swap. The
// parent directory must exist. Write does not serialize concurrent
// writers to the same path; callers hold their own file lock.
func (c *Codec) Write(path, kind string, payload []byte) error {
	envelope, err := c.Seal(kind, payload)
	if err != nil {
		return err
	}
	return swapWrite(path, envelope)
}

// Read returns the payload stored at path, preferring the swap file
// when one exists. A missing record returns an error satisfying
// errors.Is(err, fs.ErrNotExist).
func (c *Codec) Read(path, kind string) ([]byte, error) {
	data, err := os.ReadFile(TempPath(path))
	if errors.Is(err, fs.ErrNotExist) {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	payload, err := c.Open(kind, data)
	if err != nil {
		return nil, fmt.Errorf("recordfile: reading %s: %w", path, err)
	}
	return payload, nil
}

// WriteValue CBOR-encodes value and writes it with Write.
func (c *Codec) WriteValue(path, kind string, value any) error {
	payload, err := codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("recordfile: encoding %s record: %w", kind, err)
	}
	return c.Write(path, kind, payload)
}

// ReadValue reads a record with Read and CBOR-decodes it into value.
func (c *Codec) ReadValue(path, kind string, value any) error {
	payload, err := c.Read(path, kind)
	if err != nil {
		return err
	}
	if err := codec.Unmarshal(payload, value); err != nil {
		return fmt.Errorf("recordfile: decoding %s record %s: %w", kind, path, err)
	}
	return nil
}

// Exists reports whether a record (or its swap file) is present.
func Exists(path string) bool {
	if _, err := os.Stat(TempPath(path)); err == nil {
		return true
	}
	_, err := os.Stat(path)
	return err == nil
}

// Remove deletes a record and its swap file. Missing files are not an
// error.
func Remove(path string) error {
	var firstErr error
	for _, candidate := range []string{TempPath(path), path} {
		if err := os.Remove(candidate); err != nil && !errors.Is(err, fs.ErrNotExist) && firstErr == nil {
			firstErr = fmt.Errorf("recordfile: removing %s: %w", candidate, err)
		}
	}
	return firstErr
}

func swapWrite(path string, data []byte) error {
	temporaryPath := TempPath(path)

	if err := os.Remove(temporaryPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("recordfile: removing stale %s: %w", temporaryPath, err)
	}

	hadPrevious := true
	if err := os.Rename(path, temporaryPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("recordfile: moving %s aside: %w", path, err)
		}
		hadPrevious = false
	}

	if err := writeSynced(path, data); err != nil {
		// Put the previous copy back so the main path stays readable.
		if hadPrevious {
			os.Rename(temporaryPath, path)
		}
		return err
	}

	if hadPrevious {
		if err := os.Remove(temporaryPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("recordfile: removing %s: %w", temporaryPath, err)
		}
	}

	parentDirectory, err := os.Open(filepath.Dir(path))
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("recordfile: creating %s: %w", path, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("recordfile: writing %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("recordfile: syncing %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("recordfile: closing %s: %w", path, err)
	}
	return nil
}
