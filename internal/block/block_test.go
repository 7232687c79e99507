// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package block

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/asch/syncobj/internal/errs"
)

var testGeometry = Geometry{BlockSize: 512, TotalBlocks: 8}

func backends(t *testing.T) map[string]Backend {
	mem, err := NewMemory(testGeometry)
	require.NoError(t, err)

	file, err := OpenFile(filepath.Join(t.TempDir(), "disk.img"), testGeometry, FileOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { file.Close() })

	return map[string]Backend{"memory": mem, "file": file}
}

func TestBounds(t *testing.T) {
	for name, b := range backends(t) {
		capacity := b.Capacity()
		require.Equal(t, int64(4096), capacity, name)

		_, err := Read(b, capacity-10, 11)
		require.True(t, errors.Is(err, errs.ErrOutOfRange), name)

		err = Write(b, capacity, []byte{1})
		require.True(t, errors.Is(err, errs.ErrOutOfRange), name)

		_, err = b.ReadAt(make([]byte, 1), -1)
		require.True(t, errors.Is(err, errs.ErrOutOfRange), name)

		_, err = b.WriteAt(make([]byte, capacity+1), 0)
		require.True(t, errors.Is(err, errs.ErrOutOfRange), name)
	}
}

func TestFullRangeRoundTrip(t *testing.T) {
	for name, b := range backends(t) {
		data := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, int(b.Capacity()/4))
		require.NoError(t, Write(b, 0, data), name)

		out, err := Read(b, 0, b.Capacity())
		require.NoError(t, err, name)
		require.Equal(t, data, out, name)

		require.NoError(t, Write(b, 700, []byte("hello")), name)
		out, err = Read(b, 698, 9)
		require.NoError(t, err, name)
		require.Equal(t, []byte{0xbe, 0xef, 'h', 'e', 'l', 'l', 'o', 0xbe, 0xef}, out, name)
	}
}

func TestFilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	f, err := OpenFile(path, testGeometry, FileOptions{})
	require.NoError(t, err)
	require.NoError(t, Write(f, 1000, []byte("persisted")))
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	f, err = OpenFile(path, testGeometry, FileOptions{})
	require.NoError(t, err)
	defer f.Close()

	out, err := Read(f, 1000, 9)
	require.NoError(t, err)
	require.Equal(t, "persisted", string(out))
}

func TestGeometry(t *testing.T) {
	require.Error(t, Geometry{BlockSize: 1000, TotalBlocks: 1}.Validate())
	require.Error(t, Geometry{BlockSize: 512, TotalBlocks: 0}.Validate())
	require.NoError(t, testGeometry.Validate())

	_, err := OpenFile(filepath.Join(t.TempDir(), "x"), testGeometry, FileOptions{Direct: true})
	require.Error(t, err)
}

func TestDeviceLifecycle(t *testing.T) {
	mem, err := NewMemory(testGeometry)
	require.NoError(t, err)

	d, err := NewDevice("mem0", testGeometry, mem)
	require.NoError(t, err)
	require.False(t, d.Mounted())

	require.True(t, errors.Is(d.Unmount(), errs.ErrNotMounted))
	require.NoError(t, d.Mount())
	require.True(t, errors.Is(d.Mount(), errs.ErrMounted))
	require.True(t, d.Mounted())

	require.NoError(t, Write(d, 0, []byte("abc")))
	require.NoError(t, d.Unmount())
	require.NoError(t, d.Mount())
	require.NoError(t, d.Unmount())

	// Unmounted handles stay usable for the device medium.
	require.NoError(t, Write(d, 3, []byte("def")))
	data, err := Read(d, 0, 6)
	require.NoError(t, err)
	require.Equal(t, []byte("abcdef"), data)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, err = Read(d, 0, 3)
	require.True(t, errors.Is(err, errs.ErrClosed))
	require.True(t, errors.Is(d.Mount(), errs.ErrClosed))

	_, err = NewDevice("bad", Geometry{BlockSize: 512, TotalBlocks: 4}, mem)
	require.Error(t, err)
}
