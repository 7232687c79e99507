// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package store

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// Medium is a named place holding one serialized snapshot. Anything
// implementing this interface can be used as a durable medium.
type Medium interface {
	// Returns the stored bytes. When nothing was stored yet, the error
	// satisfies errors.Is(err, os.ErrNotExist).
	Load() ([]byte, error)

	// Atomically replaces the stored bytes. A crash in the middle leaves
	// either the old or the new content, never a mix.
	Replace(data []byte) error

	// Identification for logs.
	Name() string
}

// FileMedium stores the snapshot in a regular file. Replacement writes a
// temporary file in the same directory and renames it over the old one.
type FileMedium struct {
	Path string
}

func (f *FileMedium) Name() string {
	return f.Path
}

func (f *FileMedium) Load() ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", f.Path)
	}

	return data, nil
}

func (f *FileMedium) Replace(data []byte) (err error) {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temporary file")
	}

	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return errors.Wrapf(err, "write %s", tmp.Name())
	}

	if err = tmp.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", tmp.Name())
	}

	if err = tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp.Name())
	}

	if err = os.Rename(tmp.Name(), f.Path); err != nil {
		return errors.Wrapf(err, "rename to %s", f.Path)
	}

	// Make the rename itself durable.
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "open %s", dir)
	}
	defer d.Close()

	return d.Sync()
}
