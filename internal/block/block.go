// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package block defines the block backend, a fixed capacity addressable
// array of bytes. It is the minimal surface the filesystem projection and
// the device medium need. Implementations exist over a plain file (or raw
// device node), over memory, over a synchronized mapping (package mapblock)
// and a null one (package null).
//
// All implementations refuse an access crossing the capacity as a whole,
// there are never partial reads or writes at the end of the device.
package block

import (
	"github.com/cockroachdb/errors"

	"github.com/asch/syncobj/internal/errs"
)

// Backend is the block backend capability. ReadAt and WriteAt follow
// io.ReaderAt and io.WriterAt but fail with errs.ErrOutOfRange instead of
// io.EOF.
type Backend interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)

	// Capacity in bytes, i.e. blocks multiplied by block size. It never
	// changes during the lifetime of the backend.
	Capacity() int64

	Close() error
}

// Geometry of the device.
type Geometry struct {
	BlockSize   int64
	TotalBlocks int64
}

func (g Geometry) Capacity() int64 {
	return g.BlockSize * g.TotalBlocks
}

// Block size has to be a power of two and there has to be at least one
// block.
func (g Geometry) Validate() error {
	if g.BlockSize <= 0 || g.BlockSize&(g.BlockSize-1) != 0 {
		return errors.Newf("block size %d is not a power of two", g.BlockSize)
	}

	if g.TotalBlocks <= 0 {
		return errors.Newf("invalid number of blocks %d", g.TotalBlocks)
	}

	return nil
}

// Check returns errs.ErrOutOfRange when the range [off, off+n) does not fit
// into capacity.
func Check(off, n, capacity int64) error {
	if off < 0 || n < 0 || off+n > capacity || off+n < off {
		return errors.Wrapf(errs.ErrOutOfRange, "range %d+%d exceeds capacity %d", off, n, capacity)
	}

	return nil
}

// Read returns length bytes starting at off.
func Read(b Backend, off, length int64) ([]byte, error) {
	if err := Check(off, length, b.Capacity()); err != nil {
		return nil, err
	}

	buf := make([]byte, length)
	if _, err := b.ReadAt(buf, off); err != nil {
		return nil, err
	}

	return buf, nil
}

// Write stores data at off.
func Write(b Backend, off int64, data []byte) error {
	if err := Check(off, int64(len(data)), b.Capacity()); err != nil {
		return err
	}

	_, err := b.WriteAt(data, off)

	return err
}
