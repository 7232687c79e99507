// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package fsproj

import (
	"os"
	"path"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/asch/syncobj/internal/block"
	"github.com/asch/syncobj/internal/errs"
)

// DefaultDeviceFile is the name of the file showing the device.
const DefaultDeviceFile = "device"

// DeviceFile projects a block device as a root directory with one file of
// the device capacity. The file can not grow, shrink or disappear.
type DeviceFile struct {
	device *block.Device
	file   string
	since  time.Time
}

func NewDeviceFile(d *block.Device, name string) *DeviceFile {
	if name == "" {
		name = DefaultDeviceFile
	}

	return &DeviceFile{device: d, file: path.Join(Root, name), since: time.Now()}
}

// Mount marks the device handle as mounted, so it can not be mounted twice.
func (d *DeviceFile) Mount() error {
	return d.device.Mount()
}

func (d *DeviceFile) Unmount() error {
	if err := d.device.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", d.device.Path)
	}

	return d.device.Unmount()
}

func (d *DeviceFile) Lookup(p string) (Attr, error) {
	switch p {
	case Root:
		return Attr{Mode: DefaultDirMode | os.ModeDir, Mtime: d.since, Dir: true}, nil
	case d.file:
		return Attr{Size: d.device.Capacity(), Mode: DefaultFileMode, Mtime: d.since}, nil
	}

	return Attr{}, errs.ErrNotFound
}

func (d *DeviceFile) Readdir(p string) ([]string, error) {
	switch p {
	case Root:
		return []string{path.Base(d.file)}, nil
	case d.file:
		return nil, errs.ErrNotDir
	}

	return nil, errs.ErrNotFound
}

func (d *DeviceFile) check(p string) error {
	switch p {
	case Root:
		return errs.ErrIsDir
	case d.file:
		return nil
	}

	return errs.ErrNotFound
}

// Reads past the end of the device are short like at the end of a file.
func (d *DeviceFile) Read(p string, off, length int64) ([]byte, error) {
	if err := d.check(p); err != nil {
		return nil, err
	}

	capacity := d.device.Capacity()
	if off >= capacity {
		return []byte{}, nil
	}

	return block.Read(d.device, off, min(length, capacity-off))
}

func (d *DeviceFile) Write(p string, off int64, data []byte) (int, error) {
	if err := d.check(p); err != nil {
		return 0, err
	}

	if off > d.device.Capacity()-int64(len(data)) {
		return 0, errors.Wrapf(errs.ErrNoSpace, "device %s has %d bytes", d.device.Path, d.device.Capacity())
	}

	if err := block.Write(d.device, off, data); err != nil {
		return 0, err
	}

	return len(data), nil
}

// Truncate accepts any size within the capacity and changes nothing.
func (d *DeviceFile) Truncate(p string, size int64) error {
	if err := d.check(p); err != nil {
		return err
	}

	if size > d.device.Capacity() {
		return errors.Wrapf(errs.ErrNoSpace, "device %s has %d bytes", d.device.Path, d.device.Capacity())
	}

	return nil
}

func (d *DeviceFile) Unlink(p string) error {
	if err := d.check(p); err != nil {
		return err
	}

	return errs.ErrNotPermitted
}

func (d *DeviceFile) Create(string, os.FileMode) error {
	return errs.ErrNotPermitted
}

func (d *DeviceFile) Mkdir(string, os.FileMode) error {
	return errs.ErrNotPermitted
}

func (d *DeviceFile) Rmdir(string) error {
	return errs.ErrNotPermitted
}
