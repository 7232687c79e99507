// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package mapblock implements block.Backend stored inside a synchronized
// mapping. Block numbers are the keys and block contents the values, so a
// device built on top of it is persisted and replicated block by block.
// Blocks never written are absent from the mapping and read as zeros.
package mapblock

import (
	"github.com/asch/syncobj/internal/block"
	"github.com/asch/syncobj/internal/mapping"
)

type Backend struct {
	mapping   *mapping.Map[int64, []byte]
	blockSize int64
	capacity  int64
}

// Returns backend of geometry geom on top of m. The mapping stays owned by
// the caller, Close does not close it.
func New(m *mapping.Map[int64, []byte], geom block.Geometry) (*Backend, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}

	return &Backend{mapping: m, blockSize: geom.BlockSize, capacity: geom.Capacity()}, nil
}

// Calls fn for every block touched by the range [off, off+n) with the block
// number, the offset inside the block and the range of p it corresponds to.
func (b *Backend) split(off int64, n int, fn func(blk, inner int64, from, to int) error) error {
	done := 0

	for done < n {
		pos := off + int64(done)
		blk := pos / b.blockSize
		inner := pos % b.blockSize

		chunk := int(b.blockSize - inner)
		if chunk > n-done {
			chunk = n - done
		}

		if err := fn(blk, inner, done, done+chunk); err != nil {
			return err
		}

		done += chunk
	}

	return nil
}

func (b *Backend) ReadAt(p []byte, off int64) (int, error) {
	if err := block.Check(off, int64(len(p)), b.capacity); err != nil {
		return 0, err
	}

	err := b.split(off, len(p), func(blk, inner int64, from, to int) error {
		data, err := b.mapping.Get(blk)
		if err != nil || int64(len(data)) < inner {
			clear(p[from:to])
			return nil
		}

		n := copy(p[from:to], data[inner:])
		clear(p[from+n : to])

		return nil
	})

	return len(p), err
}

// WriteAt does a read-modify-write of every touched block under the
// mapping lock, so concurrent writers of the same block, local or remote,
// never tear it. The range is not atomic as a whole.
func (b *Backend) WriteAt(p []byte, off int64) (int, error) {
	if err := block.Check(off, int64(len(p)), b.capacity); err != nil {
		return 0, err
	}

	err := b.split(off, len(p), func(blk, inner int64, from, to int) error {
		return b.mapping.Update(blk, func(old []byte, _ bool) ([]byte, bool, error) {
			// Stored blocks are shared with snapshots and peers, never
			// modify them in place.
			data := make([]byte, b.blockSize)
			copy(data, old)
			copy(data[inner:], p[from:to])

			return data, zero(data), nil
		})
	})
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

func zero(data []byte) bool {
	for _, c := range data {
		if c != 0 {
			return false
		}
	}

	return true
}

func (b *Backend) Capacity() int64 {
	return b.capacity
}

func (b *Backend) Close() error {
	return nil
}
