// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package store

import (
	"bytes"
	"encoding/binary"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/zeebo/blake3"

	"github.com/asch/syncobj/internal/block"
	"github.com/asch/syncobj/internal/errs"
)

const (
	// magic | generation | length | blake3 checksum of slot data
	slotHeaderSize = 4 + 8 + 8 + 32
)

var slotMagic = []byte("SOSL")

// DeviceMedium stores the snapshot directly on a block backend. The
// backend is split into two slots and each replacement goes to the slot not
// holding the newest generation. A torn write can therefore only destroy
// the older copy and loading picks the newest slot with a valid checksum.
type DeviceMedium struct {
	Backend block.Backend

	mutex      sync.Mutex
	generation uint64
	scanned    bool

	// Slot holding the newest valid snapshot, -1 when there is none.
	live int64
}

type slot struct {
	generation uint64
	data       []byte
	present    bool
	valid      bool
}

func (d *DeviceMedium) Name() string {
	if dev, ok := d.Backend.(*block.Device); ok {
		return dev.Path
	}

	return "device"
}

// Closes the backend.
func (d *DeviceMedium) Close() error {
	return d.Backend.Close()
}

func (d *DeviceMedium) slotSize() int64 {
	return d.Backend.Capacity() / 2
}

func (d *DeviceMedium) readSlot(i int64) (slot, error) {
	var s slot

	header, err := block.Read(d.Backend, i*d.slotSize(), slotHeaderSize)
	if err != nil {
		return s, err
	}

	if !bytes.Equal(header[:4], slotMagic) {
		return s, nil
	}

	s.present = true
	s.generation = binary.LittleEndian.Uint64(header[4:12])
	length := binary.LittleEndian.Uint64(header[12:20])

	if length > uint64(d.slotSize()-slotHeaderSize) {
		return s, nil
	}

	data, err := block.Read(d.Backend, i*d.slotSize()+slotHeaderSize, int64(length))
	if err != nil {
		return s, err
	}

	if sum := blake3.Sum256(data); bytes.Equal(sum[:], header[20:slotHeaderSize]) {
		s.valid = true
		s.data = data
	}

	return s, nil
}

// Returns the newest valid slot and remembers the highest generation seen
// so the next Replace continues after it. Must be called with mutex held.
func (d *DeviceMedium) newest() (slot, bool, error) {
	var (
		best    slot
		found   bool
		present bool
	)

	for i := int64(0); i < 2; i++ {
		s, err := d.readSlot(i)
		if err != nil {
			return best, present, err
		}

		present = present || s.present
		if s.present && s.generation > d.generation {
			d.generation = s.generation
		}

		if s.valid && (!found || s.generation > best.generation) {
			best = s
			found = true
			d.live = i
		}
	}

	if !found {
		d.live = -1
	}

	d.scanned = true

	return best, present, nil
}

func (d *DeviceMedium) Load() ([]byte, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	s, present, err := d.newest()
	if err != nil {
		return nil, err
	}

	if s.valid {
		return s.data, nil
	}

	if present {
		return nil, errs.Corruption("no slot of %s has a valid checksum", d.Name())
	}

	return nil, errors.Wrapf(os.ErrNotExist, "no snapshot on %s", d.Name())
}

func (d *DeviceMedium) Replace(data []byte) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if int64(len(data)) > d.slotSize()-slotHeaderSize {
		return errors.Wrapf(errs.ErrNoSpace, "snapshot of %d bytes does not fit into slot of %d bytes",
			len(data), d.slotSize()-slotHeaderSize)
	}

	if !d.scanned {
		if _, _, err := d.newest(); err != nil {
			return err
		}
	}

	// Never overwrite the newest valid snapshot, a torn write falls back
	// to it.
	target := int64(0)
	if d.live == 0 {
		target = 1
	}

	generation := d.generation + 1
	offset := target * d.slotSize()

	sum := blake3.Sum256(data)
	header := make([]byte, slotHeaderSize)
	copy(header, slotMagic)
	binary.LittleEndian.PutUint64(header[4:12], generation)
	binary.LittleEndian.PutUint64(header[12:20], uint64(len(data)))
	copy(header[20:], sum[:])

	if err := block.Write(d.Backend, offset+slotHeaderSize, data); err != nil {
		return err
	}

	if err := block.Write(d.Backend, offset, header); err != nil {
		return err
	}

	if s, ok := d.Backend.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			return errors.Wrap(err, "sync device")
		}
	}

	d.generation = generation
	d.live = target

	return nil
}
