// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package fsproj

import (
	"math"
	"os"
	"path"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/asch/syncobj/internal/errs"
	"github.com/asch/syncobj/internal/mapping"
)

const (
	Root = "/"

	DefaultFileMode os.FileMode = 0o644
	DefaultDirMode  os.FileMode = 0o755

	// Growth limit of a file when none is configured. Content lives in
	// memory, so there is always one.
	DefaultMaxFileSize = 1 << 30
)

// Node is the value stored under every path of a tree.
type Node struct {
	Dir  bool
	Data []byte
	Mode uint32

	// Unix time in nanoseconds.
	Mtime int64
}

// RootNode is the node the root directory starts with.
func RootNode() Node {
	return Node{Dir: true, Mode: uint32(DefaultDirMode), Mtime: time.Now().UnixNano()}
}

// TreeOptions to use in NewTree().
type TreeOptions struct {
	// Files can not grow beyond this size. Defaults to DefaultMaxFileSize.
	MaxFileSize int64
}

// Tree projects a synchronized mapping as a directory tree. Keys are clean
// absolute paths. Directory content is not stored, it is derived from the
// keys whose parent is the directory.
type Tree struct {
	mapping     *mapping.Map[string, Node]
	maxFileSize int64
}

// Returns tree over m and creates its root directory when missing.
func NewTree(m *mapping.Map[string, Node], o TreeOptions) (*Tree, error) {
	err := m.Update(Root, func(old Node, ok bool) (Node, bool, error) {
		if ok {
			return old, false, nil
		}

		return RootNode(), false, nil
	})
	if err != nil && !m.Contains(Root) {
		return nil, errors.Wrap(err, "create root")
	}

	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}

	return &Tree{mapping: m, maxFileSize: o.MaxFileSize}, nil
}

func (n Node) attr() Attr {
	a := Attr{
		Size:  int64(len(n.Data)),
		Mode:  os.FileMode(n.Mode),
		Mtime: time.Unix(0, n.Mtime),
		Dir:   n.Dir,
	}

	if n.Dir {
		a.Size = 0
		a.Mode |= os.ModeDir
	}

	return a
}

func (t *Tree) node(p string) (Node, error) {
	n, err := t.mapping.Get(p)
	if err != nil {
		return Node{}, errs.ErrNotFound
	}

	return n, nil
}

func (t *Tree) Lookup(p string) (Attr, error) {
	n, err := t.node(p)
	if err != nil {
		return Attr{}, err
	}

	return n.attr(), nil
}

func (t *Tree) Readdir(p string) ([]string, error) {
	n, err := t.node(p)
	if err != nil {
		return nil, err
	}

	if !n.Dir {
		return nil, errs.ErrNotDir
	}

	names := t.children(p)
	sort.Strings(names)

	return names, nil
}

func (t *Tree) children(p string) []string {
	var names []string

	for _, k := range t.mapping.Keys() {
		if k != Root && path.Dir(k) == p {
			names = append(names, path.Base(k))
		}
	}

	return names
}

func (t *Tree) Read(p string, off, length int64) ([]byte, error) {
	n, err := t.node(p)
	if err != nil {
		return nil, err
	}

	if n.Dir {
		return nil, errs.ErrIsDir
	}

	if off < 0 || length < 0 {
		return nil, errors.Wrapf(errs.ErrOutOfRange, "offset %d length %d", off, length)
	}

	size := int64(len(n.Data))
	if off >= size {
		return []byte{}, nil
	}

	end := off + min(length, size-off)
	data := make([]byte, end-off)
	copy(data, n.Data[off:end])

	return data, nil
}

// Changes the content of an existing file by fn under the mapping lock.
func (t *Tree) modify(p string, size int64, fn func(data []byte)) error {
	if err := t.fits(size); err != nil {
		return err
	}

	return t.mapping.Update(p, func(old Node, ok bool) (Node, bool, error) {
		if !ok {
			return old, false, errs.ErrNotFound
		}

		if old.Dir {
			return old, false, errs.ErrIsDir
		}

		// Values are shared with snapshots, the old data is never
		// modified in place.
		data := make([]byte, max(size, int64(len(old.Data))))
		copy(data, old.Data)
		fn(data)

		return Node{Data: data, Mode: old.Mode, Mtime: time.Now().UnixNano()}, false, nil
	})
}

func (t *Tree) fits(size int64) error {
	if size > t.maxFileSize {
		return errors.Wrapf(errs.ErrNoSpace, "size %d exceeds limit %d", size, t.maxFileSize)
	}

	return nil
}

func (t *Tree) Write(p string, off int64, data []byte) (int, error) {
	if off < 0 {
		return 0, errors.Wrapf(errs.ErrOutOfRange, "offset %d", off)
	}

	if off > math.MaxInt64-int64(len(data)) {
		return 0, errors.Wrapf(errs.ErrNoSpace, "write of %d bytes at offset %d", len(data), off)
	}

	err := t.modify(p, off+int64(len(data)), func(buf []byte) {
		copy(buf[off:], data)
	})
	if err != nil {
		return 0, err
	}

	return len(data), nil
}

func (t *Tree) Truncate(p string, size int64) error {
	if size < 0 {
		return errors.Wrapf(errs.ErrOutOfRange, "size %d", size)
	}

	if err := t.fits(size); err != nil {
		return err
	}

	return t.mapping.Update(p, func(old Node, ok bool) (Node, bool, error) {
		if !ok {
			return old, false, errs.ErrNotFound
		}

		if old.Dir {
			return old, false, errs.ErrIsDir
		}

		data := make([]byte, size)
		copy(data, old.Data)

		return Node{Data: data, Mode: old.Mode, Mtime: time.Now().UnixNano()}, false, nil
	})
}

func (t *Tree) Unlink(p string) error {
	return t.mapping.Update(p, func(old Node, ok bool) (Node, bool, error) {
		if !ok {
			return old, false, errs.ErrNotFound
		}

		if old.Dir {
			return old, false, errs.ErrIsDir
		}

		return old, true, nil
	})
}

// Creates node under p. The parent has to be an existing directory.
func (t *Tree) add(p string, n Node) error {
	if p == Root {
		return errs.ErrExists
	}

	parent, err := t.node(path.Dir(p))
	if err != nil {
		return err
	}

	if !parent.Dir {
		return errs.ErrNotDir
	}

	return t.mapping.Update(p, func(old Node, ok bool) (Node, bool, error) {
		if ok {
			return old, false, errs.ErrExists
		}

		return n, false, nil
	})
}

func (t *Tree) Create(p string, mode os.FileMode) error {
	if mode.Perm() == 0 {
		mode = DefaultFileMode
	}

	return t.add(p, Node{Data: []byte{}, Mode: uint32(mode.Perm()), Mtime: time.Now().UnixNano()})
}

func (t *Tree) Mkdir(p string, mode os.FileMode) error {
	if mode.Perm() == 0 {
		mode = DefaultDirMode
	}

	return t.add(p, Node{Dir: true, Mode: uint32(mode.Perm()), Mtime: time.Now().UnixNano()})
}

func (t *Tree) Rmdir(p string) error {
	if p == Root {
		return errs.ErrNotPermitted
	}

	if len(t.children(p)) > 0 {
		return errs.ErrNotEmpty
	}

	return t.mapping.Update(p, func(old Node, ok bool) (Node, bool, error) {
		if !ok {
			return old, false, errs.ErrNotFound
		}

		if !old.Dir {
			return old, false, errs.ErrNotDir
		}

		return old, true, nil
	})
}
