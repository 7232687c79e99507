// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package store provides the durable store. It keeps a mapping snapshot on
// a named medium (file, block device, S3 object) encoded by a codec chain
// and owns load-on-open and flush-on-mutation semantics.
//
// The store is usable on its own as a simple persistent map which flushes
// after every mutation. When attached to a synchronized mapping, the
// mapping becomes the owner of the state and the store only keeps the last
// persisted snapshot, written through WriteSnapshot in generation order.
package store

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/syncobj/internal/codec"
	"github.com/asch/syncobj/internal/errs"
	"github.com/asch/syncobj/internal/record"
)

// Options to use in Open().
type Options struct {
	// Defaults to CBOR.
	Serializer codec.Serializer

	// Defaults to no compression.
	Compressor codec.Compressor

	// Flush after every mutation done through the store API.
	AutoFlush bool
}

type Store[K comparable, V any] struct {
	medium    Medium
	format    Format
	autoFlush bool

	mutex   sync.Mutex
	entries map[K]record.Entry[K, V]
	seen    map[string]uint64
	dirty   bool

	// Highest generation written by WriteSnapshot.
	persisted uint64

	// Set when a synchronized mapping became the owner of the state.
	attached bool
	closed   bool
}

// Open loads the snapshot stored on medium. When the medium holds nothing
// yet, the store is initialized with defaults. A medium which exists but
// cannot be decoded is an error, it is never silently replaced.
func Open[K comparable, V any](medium Medium, defaults map[K]V, o Options) (*Store[K, V], error) {
	if o.Serializer == nil {
		o.Serializer = codec.CBOR()
	}

	if o.Compressor == nil {
		o.Compressor = codec.None()
	}

	s := &Store[K, V]{
		medium:    medium,
		format:    Format{Serializer: o.Serializer, Compressor: o.Compressor},
		autoFlush: o.AutoFlush,
		entries:   make(map[K]record.Entry[K, V]),
		seen:      make(map[string]uint64),
	}

	data, err := medium.Load()
	if errors.Is(err, os.ErrNotExist) {
		for k, v := range defaults {
			s.entries[k] = record.Entry[K, V]{Key: k, Value: v}
		}

		log.Info().Str("medium", medium.Name()).Int("defaults", len(defaults)).Msg("Initialized empty store.")

		return s, nil
	}

	if err != nil {
		return nil, errors.Wrapf(err, "load %s", medium.Name())
	}

	var snap record.Snapshot[K, V]
	if err := Decode(data, &snap); err != nil {
		return nil, errors.Wrapf(err, "open %s", medium.Name())
	}

	s.load(snap)

	log.Info().Str("medium", medium.Name()).Int("entries", len(s.entries)).Msg("Store restored.")

	return s, nil
}

func (s *Store[K, V]) load(snap record.Snapshot[K, V]) {
	s.entries = make(map[K]record.Entry[K, V], len(snap.Entries))
	for _, e := range snap.Entries {
		s.entries[e.Key] = e
	}

	s.seen = make(map[string]uint64, len(snap.Seen))
	for o, n := range snap.Seen {
		s.seen[o] = n
	}
}

func (s *Store[K, V]) snapshot() record.Snapshot[K, V] {
	snap := record.Snapshot[K, V]{
		Entries: make([]record.Entry[K, V], 0, len(s.entries)),
		Seen:    make(map[string]uint64, len(s.seen)),
	}

	for _, e := range s.entries {
		snap.Entries = append(snap.Entries, e)
	}

	for o, n := range s.seen {
		snap.Seen[o] = n
	}

	return snap
}

func (s *Store[K, V]) usable() error {
	if s.closed {
		return errors.Wrapf(errs.ErrClosed, "store %s", s.medium.Name())
	}

	if s.attached {
		return errors.Wrapf(errs.ErrNotPermitted, "store %s is owned by a mapping", s.medium.Name())
	}

	return nil
}

func (s *Store[K, V]) Get(key K) (V, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, ok := s.entries[key]
	if !ok || e.Tombstone {
		var zero V
		return zero, errors.Wrapf(errs.ErrNotFound, "key %v", key)
	}

	return e.Value, nil
}

func (s *Store[K, V]) Contains(key K) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, ok := s.entries[key]

	return ok && !e.Tombstone
}

func (s *Store[K, V]) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	n := 0
	for _, e := range s.entries {
		if !e.Tombstone {
			n++
		}
	}

	return n
}

func (s *Store[K, V]) Keys() []K {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	keys := make([]K, 0, len(s.entries))
	for k, e := range s.entries {
		if !e.Tombstone {
			keys = append(keys, k)
		}
	}

	return keys
}

// Set stores value under key and marks the store dirty. With AutoFlush the
// store is flushed and a failure is returned as errs.ErrPersistence, the
// in-memory value stays set anyway.
func (s *Store[K, V]) Set(key K, value V) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.usable(); err != nil {
		return err
	}

	s.entries[key] = record.Entry[K, V]{
		Key:     key,
		Value:   value,
		Version: record.Version{Timestamp: time.Now().UnixNano()},
	}

	return s.mutated()
}

// Delete removes key. The deletion is kept as a tombstone so it survives
// reopening next to replicated state.
func (s *Store[K, V]) Delete(key K) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.usable(); err != nil {
		return err
	}

	e, ok := s.entries[key]
	if !ok || e.Tombstone {
		return errors.Wrapf(errs.ErrNotFound, "key %v", key)
	}

	s.entries[key] = record.Entry[K, V]{
		Key:       key,
		Tombstone: true,
		Version:   record.Version{Timestamp: time.Now().UnixNano()},
	}

	return s.mutated()
}

func (s *Store[K, V]) mutated() error {
	s.dirty = true

	if s.autoFlush {
		return s.flush()
	}

	return nil
}

// Flush writes the snapshot to the medium if anything changed since the
// last successful flush.
func (s *Store[K, V]) Flush() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.flush()
}

func (s *Store[K, V]) flush() error {
	if !s.dirty {
		return nil
	}

	if err := s.write(s.snapshot()); err != nil {
		return err
	}

	s.dirty = false

	return nil
}

func (s *Store[K, V]) write(snap record.Snapshot[K, V]) error {
	data, err := s.format.Encode(&snap)
	if err != nil {
		return errs.Persistence(errors.Wrap(err, "encode"))
	}

	if err := s.medium.Replace(data); err != nil {
		return errs.Persistence(err)
	}

	log.Trace().Str("medium", s.medium.Name()).Int("bytes", len(data)).Msg("Snapshot flushed.")

	return nil
}

// Snapshot returns a copy of the current state.
func (s *Store[K, V]) Snapshot() record.Snapshot[K, V] {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.snapshot()
}

// Attach hands the state over to a synchronized mapping. The returned
// snapshot is the initial state for the mapping and from now on the store
// API refuses mutations, only WriteSnapshot changes the store.
func (s *Store[K, V]) Attach() (record.Snapshot[K, V], error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.usable(); err != nil {
		return record.Snapshot[K, V]{}, err
	}

	s.attached = true

	return s.snapshot(), nil
}

// WriteSnapshot persists snap taken at generation. Generations not newer
// than the last persisted one are ignored, so a slow flush of an old state
// can never overwrite a newer one. The store is serialized by its mutex,
// hence the newest snapshot always lands last.
func (s *Store[K, V]) WriteSnapshot(snap record.Snapshot[K, V], generation uint64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return errors.Wrapf(errs.ErrClosed, "store %s", s.medium.Name())
	}

	if generation <= s.persisted {
		return nil
	}

	if err := s.write(snap); err != nil {
		return err
	}

	s.load(snap)
	s.persisted = generation
	s.dirty = false

	return nil
}

// Persisted returns the last generation written by WriteSnapshot.
func (s *Store[K, V]) Persisted() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.persisted
}

// Close flushes pending changes of a standalone store and closes the medium
// when it holds resources. Closing twice is a no-op.
func (s *Store[K, V]) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil
	}

	err := s.flush()
	s.closed = true

	if c, ok := s.medium.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}

	return err
}

// Name of the medium.
func (s *Store[K, V]) Name() string {
	return s.medium.Name()
}
