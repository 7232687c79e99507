// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package block

import (
	"sync"
)

// Memory is a backend kept in one allocated array.
type Memory struct {
	mutex sync.RWMutex
	data  []byte
}

func NewMemory(geom Geometry) (*Memory, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}

	return &Memory{data: make([]byte, geom.Capacity())}, nil
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if err := Check(off, int64(len(p)), m.Capacity()); err != nil {
		return 0, err
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return copy(p, m.data[off:]), nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if err := Check(off, int64(len(p)), m.Capacity()); err != nil {
		return 0, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	return copy(m.data[off:], p), nil
}

func (m *Memory) Capacity() int64 {
	return int64(len(m.data))
}

func (m *Memory) Close() error {
	return nil
}
