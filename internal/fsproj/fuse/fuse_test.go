// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package fuse

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/require"

	"github.com/asch/syncobj/internal/fsproj"
	"github.com/asch/syncobj/internal/mapping"
)

func newTree(t *testing.T) *fsproj.Projection {
	m, err := mapping.Open(mapping.Options[string, fsproj.Node]{})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	tree, err := fsproj.NewTree(m, fsproj.TreeOptions{MaxFileSize: 1 << 10})
	require.NoError(t, err)

	return fsproj.New(tree)
}

func TestNodeOperations(t *testing.T) {
	ctx := context.Background()
	p := newTree(t)
	require.NoError(t, p.Mount())
	require.NoError(t, p.Create("/f", 0o640))

	root := newNode(p, fsproj.Root)
	f := newNode(p, "/f")

	written, errno := f.Write(ctx, nil, []byte("hello"), 0)
	require.Equal(t, syscall.Errno(0), errno)
	require.Equal(t, uint32(5), written)

	var attr fuse.AttrOut
	require.Equal(t, syscall.Errno(0), f.Getattr(ctx, nil, &attr))
	require.Equal(t, uint64(5), attr.Size)
	require.Equal(t, uint32(syscall.S_IFREG|0o640), attr.Mode)

	require.Equal(t, syscall.Errno(0), root.Getattr(ctx, nil, &attr))
	require.Equal(t, uint32(syscall.S_IFDIR), attr.Mode&syscall.S_IFMT)

	res, errno := f.Read(ctx, nil, make([]byte, 16), 1)
	require.Equal(t, syscall.Errno(0), errno)
	data, status := res.Bytes(make([]byte, 16))
	require.True(t, status.Ok())
	require.Equal(t, []byte("ello"), data)

	var in fuse.SetAttrIn
	in.Valid = fuse.FATTR_SIZE
	in.Size = 2
	require.Equal(t, syscall.Errno(0), f.Setattr(ctx, nil, &in, &attr))
	require.Equal(t, uint64(2), attr.Size)

	_, errno = f.Write(ctx, nil, make([]byte, 2048), 0)
	require.Equal(t, syscall.ENOSPC, errno)

	_, errno = root.Read(ctx, nil, make([]byte, 1), 0)
	require.Equal(t, syscall.EISDIR, errno)

	require.Equal(t, syscall.ENOENT, root.Unlink(ctx, "missing"))
	require.Equal(t, syscall.Errno(0), root.Unlink(ctx, "f"))
	require.Equal(t, syscall.ENOENT, f.Getattr(ctx, nil, &attr))

	require.NoError(t, p.Unmount())
	require.Equal(t, syscall.ENOTCONN, root.Getattr(ctx, nil, &attr))
}

func TestReaddir(t *testing.T) {
	ctx := context.Background()
	p := newTree(t)
	require.NoError(t, p.Mount())
	require.NoError(t, p.Mkdir("/d", 0))
	require.NoError(t, p.Create("/d/x", 0))

	stream, errno := newNode(p, "/").Readdir(ctx)
	require.Equal(t, syscall.Errno(0), errno)

	var entries []fuse.DirEntry
	for stream.HasNext() {
		e, errno := stream.Next()
		require.Equal(t, syscall.Errno(0), errno)
		entries = append(entries, e)
	}
	stream.Close()

	require.Len(t, entries, 1)
	require.Equal(t, "d", entries[0].Name)
	require.Equal(t, uint32(syscall.S_IFDIR), entries[0].Mode&syscall.S_IFMT)

	require.Equal(t, syscall.ENOTEMPTY, newNode(p, "/").Rmdir(ctx, "d"))
}

func fuseAvailable(t *testing.T) {
	t.Helper()

	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("/dev/fuse not available")
	}
}

func TestMount(t *testing.T) {
	fuseAvailable(t)

	p := newTree(t)
	mountpoint := filepath.Join(t.TempDir(), "mnt")

	server, err := Mount(Options{Mountpoint: mountpoint, Projection: p})
	if err != nil {
		t.Skipf("mount not permitted: %v", err)
	}
	defer Unmount(server, p)

	require.NoError(t, os.WriteFile(filepath.Join(mountpoint, "hello"), []byte("world"), 0o644))

	data, err := os.ReadFile(filepath.Join(mountpoint, "hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("world"), data)

	require.NoError(t, os.Mkdir(filepath.Join(mountpoint, "dir"), 0o755))

	entries, err := os.ReadDir(mountpoint)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}
