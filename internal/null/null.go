// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

import (
	"github.com/asch/syncobj/internal/block"
)

// Null implementation of block.Backend. Reads return zeros and writes are
// acknowledged and forgotten. Usefull for measuring performance of the
// filesystem projection and the FUSE bridge without any storage below.
// Otherwise useless. It still enforces the capacity bounds, so it behaves
// like an empty, always zeroed device of the given geometry.
type null struct {
	capacity int64
}

func New(geom block.Geometry) (*null, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}

	return &null{capacity: geom.Capacity()}, nil
}

func (n *null) ReadAt(p []byte, off int64) (int, error) {
	if err := block.Check(off, int64(len(p)), n.capacity); err != nil {
		return 0, err
	}

	for i := range p {
		p[i] = 0
	}

	return len(p), nil
}

func (n *null) WriteAt(p []byte, off int64) (int, error) {
	if err := block.Check(off, int64(len(p)), n.capacity); err != nil {
		return 0, err
	}

	return len(p), nil
}

func (n *null) Capacity() int64 {
	return n.capacity
}

func (n *null) Close() error {
	return nil
}
