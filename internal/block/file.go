// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package block

import (
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ncw/directio"
)

// FileOptions for OpenFile.
type FileOptions struct {
	// Bypass the page cache. Every access is then done by whole aligned
	// blocks and unaligned accesses are read-modify-write cycles. Block
	// size has to be a multiple of directio.BlockSize.
	Direct bool
}

// File is a backend stored in a regular file or a device node. Regular
// files are extended to the device capacity on open.
type File struct {
	file   *os.File
	geom   Geometry
	direct bool

	// Serializes read-modify-write cycles in direct mode.
	mutex sync.Mutex
}

func OpenFile(path string, geom Geometry, o FileOptions) (*File, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}

	if o.Direct && geom.BlockSize%directio.BlockSize != 0 {
		return nil, errors.Newf("direct io needs block size multiple of %d", directio.BlockSize)
	}

	open := os.OpenFile
	if o.Direct {
		open = directio.OpenFile
	}

	f, err := open(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}

	if info.Mode().IsRegular() && info.Size() < geom.Capacity() {
		if err := f.Truncate(geom.Capacity()); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "extend %s", path)
		}
	}

	return &File{file: f, geom: geom, direct: o.Direct}, nil
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if err := Check(off, int64(len(p)), f.Capacity()); err != nil {
		return 0, err
	}

	if f.direct {
		return f.directAccess(p, off, false)
	}

	return f.file.ReadAt(p, off)
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if err := Check(off, int64(len(p)), f.Capacity()); err != nil {
		return 0, err
	}

	if f.direct {
		return f.directAccess(p, off, true)
	}

	return f.file.WriteAt(p, off)
}

// Walks all blocks touched by the range and copies data between p and an
// aligned block buffer. For writes the block is read first, modified and
// written back.
func (f *File) directAccess(p []byte, off int64, write bool) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	bs := f.geom.BlockSize
	buf := directio.AlignedBlock(int(bs))
	done := 0

	for done < len(p) {
		pos := off + int64(done)
		blockStart := pos / bs * bs
		inBlock := pos - blockStart

		if _, err := f.file.ReadAt(buf, blockStart); err != nil {
			return done, errors.Wrapf(err, "read block at %d", blockStart)
		}

		var n int
		if write {
			n = copy(buf[inBlock:], p[done:])
			if _, err := f.file.WriteAt(buf, blockStart); err != nil {
				return done, errors.Wrapf(err, "write block at %d", blockStart)
			}
		} else {
			n = copy(p[done:], buf[inBlock:])
		}

		done += n
	}

	return done, nil
}

func (f *File) Capacity() int64 {
	return f.geom.Capacity()
}

// Sync flushes written data to stable storage.
func (f *File) Sync() error {
	return f.file.Sync()
}

func (f *File) Close() error {
	return f.file.Close()
}
