// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package fuse mounts a filesystem projection through go-fuse. Every inode
// is just a path into the projection, all state lives below it.
package fuse

import (
	"context"
	"os"
	"path"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"

	"github.com/asch/syncobj/internal/errs"
	"github.com/asch/syncobj/internal/fsproj"
)

// Options to use in Mount().
type Options struct {
	Mountpoint string
	Projection *fsproj.Projection

	// Permit other users to access the mount. Requires user_allow_other
	// in /etc/fuse.conf.
	AllowOther bool
}

// Mount mounts projection at the mountpoint, which is created when
// missing. The projection is mounted first and unmounted again when the
// kernel mount fails. Callers unmount through Unmount().
func Mount(o Options) (*fuse.Server, error) {
	if o.Mountpoint == "" {
		return nil, errors.New("mountpoint is required")
	}

	if o.Projection == nil {
		return nil, errors.New("projection is required")
	}

	if err := os.MkdirAll(o.Mountpoint, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create mountpoint %s", o.Mountpoint)
	}

	if err := o.Projection.Mount(); err != nil {
		return nil, err
	}

	// Content changes underneath through replication, keep kernel caching
	// short.
	entryTimeout := 100 * time.Millisecond
	attrTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(o.Mountpoint, newNode(o.Projection, fsproj.Root), &gofuse.Options{
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "syncobj",
			Name:       "syncobj",
			AllowOther: o.AllowOther,
		},
	})
	if err != nil {
		o.Projection.Unmount()
		return nil, errors.Wrapf(err, "mount %s", o.Mountpoint)
	}

	log.Info().Str("mountpoint", o.Mountpoint).Msg("Filesystem mounted.")

	return server, nil
}

// Unmount detaches server and moves projection to unmounted state.
func Unmount(server *fuse.Server, p *fsproj.Projection) error {
	if err := server.Unmount(); err != nil {
		return errors.Wrap(err, "unmount")
	}

	return p.Unmount()
}

type node struct {
	gofuse.Inode

	projection *fsproj.Projection
	path       string
}

var (
	_ gofuse.InodeEmbedder = (*node)(nil)
	_ gofuse.NodeLookuper  = (*node)(nil)
	_ gofuse.NodeGetattrer = (*node)(nil)
	_ gofuse.NodeSetattrer = (*node)(nil)
	_ gofuse.NodeOpener    = (*node)(nil)
	_ gofuse.NodeReader    = (*node)(nil)
	_ gofuse.NodeWriter    = (*node)(nil)
	_ gofuse.NodeReaddirer = (*node)(nil)
	_ gofuse.NodeCreater   = (*node)(nil)
	_ gofuse.NodeMkdirer   = (*node)(nil)
	_ gofuse.NodeUnlinker  = (*node)(nil)
	_ gofuse.NodeRmdirer   = (*node)(nil)
)

func newNode(p *fsproj.Projection, name string) *node {
	return &node{projection: p, path: name}
}

func (n *node) child(name string) string {
	return path.Join(n.path, name)
}

// Translates error into errno and logs the unexpected ones.
func errno(op, name string, err error) syscall.Errno {
	e := errs.Errno(err)
	if e == syscall.EIO {
		log.Warn().Err(err).Str("op", op).Str("path", name).Msg("Filesystem operation failed.")
	}

	return e
}

func unixMode(a fsproj.Attr) uint32 {
	mode := uint32(a.Mode.Perm())
	if a.Dir {
		return mode | syscall.S_IFDIR
	}

	return mode | syscall.S_IFREG
}

func fill(out *fuse.Attr, a fsproj.Attr) {
	out.Mode = unixMode(a)
	out.Size = uint64(a.Size)
	out.Blocks = (out.Size + 511) / 512
	out.SetTimes(nil, &a.Mtime, &a.Mtime)
}

func (n *node) newChild(ctx context.Context, name string, a fsproj.Attr, out *fuse.EntryOut) *gofuse.Inode {
	fill(&out.Attr, a)
	mode := uint32(syscall.S_IFREG)
	if a.Dir {
		mode = syscall.S_IFDIR
	}

	return n.NewInode(ctx, newNode(n.projection, name), gofuse.StableAttr{Mode: mode})
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	p := n.child(name)

	a, err := n.projection.Lookup(p)
	if err != nil {
		return nil, errno("lookup", p, err)
	}

	return n.newChild(ctx, p, a, out), 0
}

func (n *node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	a, err := n.projection.Getattr(n.path)
	if err != nil {
		return errno("getattr", n.path, err)
	}

	fill(&out.Attr, a)

	return 0
}

// Setattr supports size changes only, everything else is accepted and
// ignored.
func (n *node) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if err := n.projection.Truncate(n.path, int64(size)); err != nil {
			return errno("truncate", n.path, err)
		}
	}

	return n.Getattr(ctx, f, out)
}

// Files are read and written through the node directly. Direct I/O keeps
// the kernel from serving content replaced by a peer meanwhile.
func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&syscall.O_TRUNC != 0 {
		if err := n.projection.Truncate(n.path, 0); err != nil {
			return nil, 0, errno("truncate", n.path, err)
		}
	}

	return nil, fuse.FOPEN_DIRECT_IO, 0
}

func (n *node) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := n.projection.Read(n.path, off, int64(len(dest)))
	if err != nil {
		return nil, errno("read", n.path, err)
	}

	return fuse.ReadResultData(data), 0
}

func (n *node) Write(ctx context.Context, f gofuse.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	written, err := n.projection.Write(n.path, off, data)
	if err != nil {
		return 0, errno("write", n.path, err)
	}

	return uint32(written), 0
}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	names, err := n.projection.Readdir(n.path)
	if err != nil {
		return nil, errno("readdir", n.path, err)
	}

	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		a, err := n.projection.Lookup(n.child(name))
		if err != nil {
			// Removed by a peer since the listing.
			continue
		}

		entries = append(entries, fuse.DirEntry{Name: name, Mode: unixMode(a)})
	}

	return gofuse.NewListDirStream(entries), 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	p := n.child(name)

	if err := n.projection.Create(p, os.FileMode(mode).Perm()); err != nil {
		return nil, nil, 0, errno("create", p, err)
	}

	a, err := n.projection.Lookup(p)
	if err != nil {
		return nil, nil, 0, errno("create", p, err)
	}

	return n.newChild(ctx, p, a, out), nil, fuse.FOPEN_DIRECT_IO, 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	p := n.child(name)

	if err := n.projection.Mkdir(p, os.FileMode(mode).Perm()); err != nil {
		return nil, errno("mkdir", p, err)
	}

	a, err := n.projection.Lookup(p)
	if err != nil {
		return nil, errno("mkdir", p, err)
	}

	return n.newChild(ctx, p, a, out), 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	p := n.child(name)

	return errno("unlink", p, n.projection.Unlink(p))
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	p := n.child(name)

	return errno("rmdir", p, n.projection.Rmdir(p))
}
