// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package block

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/asch/syncobj/internal/errs"
)

type deviceState int

const (
	stateOpen deviceState = iota
	stateMounted
	stateClosed
)

// Device is a handle of an opened backend. It is created on open, mutable
// while mounted, and invalid after Close. There is at most one active mount
// per handle. Mounting only guards the filesystem projection, an open but
// unmounted handle stays readable and writable so the device medium of the
// store can use it without a mount. Device is a Backend itself so it can be
// passed anywhere a backend is expected.
type Device struct {
	Path     string
	Geometry Geometry

	backend Backend

	mutex sync.RWMutex
	state deviceState
}

// Wraps an opened backend into a handle. Path is informational only, it
// identifies the handle in logs.
func NewDevice(path string, geom Geometry, b Backend) (*Device, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}

	if b.Capacity() != geom.Capacity() {
		return nil, errors.Newf("backend capacity %d does not match geometry %d", b.Capacity(), geom.Capacity())
	}

	return &Device{Path: path, Geometry: geom, backend: b}, nil
}

// Marks the handle as mounted.
func (d *Device) Mount() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	switch d.state {
	case stateMounted:
		return errors.Wrapf(errs.ErrMounted, "device %s", d.Path)
	case stateClosed:
		return errors.Wrapf(errs.ErrClosed, "device %s", d.Path)
	}

	d.state = stateMounted

	return nil
}

func (d *Device) Unmount() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.state != stateMounted {
		return errors.Wrapf(errs.ErrNotMounted, "device %s", d.Path)
	}

	d.state = stateOpen

	return nil
}

func (d *Device) Mounted() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	return d.state == stateMounted
}

func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	if d.state == stateClosed {
		return 0, errors.Wrapf(errs.ErrClosed, "device %s", d.Path)
	}

	return d.backend.ReadAt(p, off)
}

func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	if d.state == stateClosed {
		return 0, errors.Wrapf(errs.ErrClosed, "device %s", d.Path)
	}

	return d.backend.WriteAt(p, off)
}

// Sync flushes the backend when it buffers writes, otherwise it does
// nothing.
func (d *Device) Sync() error {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	if d.state == stateClosed {
		return errors.Wrapf(errs.ErrClosed, "device %s", d.Path)
	}

	if s, ok := d.backend.(interface{ Sync() error }); ok {
		return s.Sync()
	}

	return nil
}

func (d *Device) Capacity() int64 {
	return d.Geometry.Capacity()
}

// Closes the underlying backend. Closing twice is a no-op.
func (d *Device) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.state == stateClosed {
		return nil
	}

	d.state = stateClosed

	return d.backend.Close()
}
