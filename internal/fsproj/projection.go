// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package fsproj implements the filesystem projection. It answers the
// operation set a host filesystem bridge needs (lookup, getattr, read,
// write, readdir, truncate, unlink and a few more) on top of a Namespace.
// There are two namespaces. Tree shows a synchronized mapping as a
// directory tree with one key per path. DeviceFile shows a block device as
// a single file.
//
// The projection is a state machine Unmounted -> Mounted -> Unmounted and
// refuses all operations while not mounted.
package fsproj

import (
	"os"
	"path"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/syncobj/internal/errs"
)

// Attr is the metadata of one path.
type Attr struct {
	Size  int64
	Mode  os.FileMode
	Mtime time.Time
	Dir   bool
}

// Namespace is what a projection projects. Paths are clean and absolute.
type Namespace interface {
	Lookup(p string) (Attr, error)
	Readdir(p string) ([]string, error)
	Read(p string, off, length int64) ([]byte, error)
	Write(p string, off int64, data []byte) (int, error)
	Truncate(p string, size int64) error
	Unlink(p string) error
	Create(p string, mode os.FileMode) error
	Mkdir(p string, mode os.FileMode) error
	Rmdir(p string) error
}

// Namespaces with a lifecycle of their own get notified about mount and
// unmount.
type mounter interface {
	Mount() error
	Unmount() error
}

type Projection struct {
	ns Namespace

	mutex   sync.RWMutex
	mounted bool
}

func New(ns Namespace) *Projection {
	return &Projection{ns: ns}
}

func (p *Projection) Mount() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.mounted {
		return errs.ErrMounted
	}

	if m, ok := p.ns.(mounter); ok {
		if err := m.Mount(); err != nil {
			return err
		}
	}

	p.mounted = true
	log.Info().Msg("Projection mounted.")

	return nil
}

// Unmount waits for operations in flight.
func (p *Projection) Unmount() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.mounted {
		return errs.ErrNotMounted
	}

	if m, ok := p.ns.(mounter); ok {
		if err := m.Unmount(); err != nil {
			return err
		}
	}

	p.mounted = false
	log.Info().Msg("Projection unmounted.")

	return nil
}

func (p *Projection) Mounted() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return p.mounted
}

// Runs op with the projection held mounted. The path is cleaned and
// rooted.
func (p *Projection) do(op, name string, fn func(name string) error) error {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	name = path.Clean("/" + name)

	if !p.mounted {
		return errors.Wrapf(errs.ErrNotMounted, "%s %s", op, name)
	}

	if err := fn(name); err != nil {
		log.Trace().Err(err).Str("op", op).Str("path", name).Msg("Operation failed.")
		return errors.Wrapf(err, "%s %s", op, name)
	}

	return nil
}

func (p *Projection) Lookup(name string) (Attr, error) {
	var a Attr
	err := p.do("lookup", name, func(name string) (err error) {
		a, err = p.ns.Lookup(name)
		return err
	})

	return a, err
}

// Getattr is Lookup of an already known path.
func (p *Projection) Getattr(name string) (Attr, error) {
	var a Attr
	err := p.do("getattr", name, func(name string) (err error) {
		a, err = p.ns.Lookup(name)
		return err
	})

	return a, err
}

func (p *Projection) Read(name string, off, length int64) ([]byte, error) {
	var data []byte
	err := p.do("read", name, func(name string) (err error) {
		if off < 0 || length < 0 {
			return errors.Wrapf(errs.ErrOutOfRange, "offset %d length %d", off, length)
		}

		data, err = p.ns.Read(name, off, length)
		return err
	})

	return data, err
}

func (p *Projection) Write(name string, off int64, data []byte) (int, error) {
	var n int
	err := p.do("write", name, func(name string) (err error) {
		if off < 0 {
			return errors.Wrapf(errs.ErrOutOfRange, "offset %d", off)
		}

		n, err = p.ns.Write(name, off, data)
		return err
	})

	return n, err
}

func (p *Projection) Readdir(name string) ([]string, error) {
	var names []string
	err := p.do("readdir", name, func(name string) (err error) {
		names, err = p.ns.Readdir(name)
		return err
	})

	return names, err
}

func (p *Projection) Truncate(name string, size int64) error {
	return p.do("truncate", name, func(name string) error {
		if size < 0 {
			return errors.Wrapf(errs.ErrOutOfRange, "size %d", size)
		}

		return p.ns.Truncate(name, size)
	})
}

func (p *Projection) Unlink(name string) error {
	return p.do("unlink", name, p.ns.Unlink)
}

func (p *Projection) Create(name string, mode os.FileMode) error {
	return p.do("create", name, func(name string) error {
		return p.ns.Create(name, mode)
	})
}

func (p *Projection) Mkdir(name string, mode os.FileMode) error {
	return p.do("mkdir", name, func(name string) error {
		return p.ns.Mkdir(name, mode)
	})
}

func (p *Projection) Rmdir(name string) error {
	return p.do("rmdir", name, p.ns.Rmdir)
}
