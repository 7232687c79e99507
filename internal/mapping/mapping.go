// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package mapping implements the synchronized mapping. It composes an
// optional durable store and an optional replication channel behind one
// map interface. The in-memory state is the source of truth, the store only
// keeps a persisted copy for recovery and the channel only transports
// records.
//
// Every mutation, regardless whether it comes from the local API, the
// filesystem projection or a peer, is applied under one write lock. Under
// the same lock the flush generation is bumped and the change is handed to
// the peers, so all three sources see the mutations in the same order.
package mapping

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/asch/syncobj/internal/errs"
	"github.com/asch/syncobj/internal/metrics"
	"github.com/asch/syncobj/internal/record"
	"github.com/asch/syncobj/internal/replica"
	"github.com/asch/syncobj/internal/seq"
	"github.com/asch/syncobj/internal/store"
)

// Role of the replica when joining the rendezvous address.
type Role string

const (
	// Connect as a client, serve when nobody listens.
	RoleAuto Role = "auto"

	RoleServer Role = "server"
	RoleClient Role = "client"
)

// ReplicaOptions enable replication.
type ReplicaOptions struct {
	// Rendezvous address host:port.
	Addr string

	// Defaults to RoleAuto.
	Role Role

	Outbox      int
	MaxFrame    uint32
	DialTimeout time.Duration
}

// Options to use in Open(). Nil Store and nil Replica mean the respective
// capability is absent.
type Options[K comparable, V any] struct {
	Store   *store.Store[K, V]
	Replica *ReplicaOptions

	// Returned by Get() for absent keys instead of errs.ErrNotFound.
	Default *V

	// Persist inside the mutation call instead of the background flusher.
	SyncFlush bool

	// Identifier of this replica. Generated when empty.
	Origin string
}

type Map[K comparable, V any] struct {
	origin string
	def    *V

	mutex   sync.RWMutex
	entries map[K]record.Entry[K, V]
	seen    map[string]uint64
	clock   int64
	closed  bool

	sequence seq.Counter

	store      *store.Store[K, V]
	syncFlush  bool
	generation seq.Counter
	kick       chan struct{}
	flusherEnd chan struct{}

	// Failure of the background flusher not yet reported to a caller.
	errMutex sync.Mutex
	asyncErr error

	channel *replica.Channel[K, V]

	closeOnce sync.Once
	closeErr  error
}

// Open creates the mapping. With a store, the state persisted there becomes
// the initial state and the store is owned by the mapping from now on.
// With replica options, the mapping joins the rendezvous address before
// returning.
func Open[K comparable, V any](o Options[K, V]) (*Map[K, V], error) {
	if o.Origin == "" {
		o.Origin = uuid.NewString()
	}

	m := &Map[K, V]{
		origin:    o.Origin,
		def:       o.Default,
		entries:   make(map[K]record.Entry[K, V]),
		seen:      make(map[string]uint64),
		store:     o.Store,
		syncFlush: o.SyncFlush,
	}

	if m.store != nil {
		snap, err := m.store.Attach()
		if err != nil {
			return nil, errors.Wrapf(err, "attach store %s", m.store.Name())
		}

		m.load(snap)

		if !m.syncFlush {
			m.kick = make(chan struct{}, 1)
			m.flusherEnd = make(chan struct{})
			go m.flusher()
		}
	}

	if o.Replica != nil {
		if err := m.join(o.Replica); err != nil {
			m.stopFlusher()
			return nil, err
		}
	}

	log.Info().Str("origin", m.origin).Bool("durable", m.store != nil).Bool("replicated", m.channel != nil).Msg("Mapping opened.")

	return m, nil
}

func (m *Map[K, V]) load(snap record.Snapshot[K, V]) {
	for _, e := range snap.Entries {
		m.entries[e.Key] = e
		m.observe(e.Version.Timestamp)
	}

	for o, n := range snap.Seen {
		m.seen[o] = n
	}

	m.sequence.Raise(m.seen[m.origin])
}

func (m *Map[K, V]) join(o *ReplicaOptions) error {
	ch := replica.New[K, V](m, replica.Options{
		Origin:      m.origin,
		Outbox:      o.Outbox,
		MaxFrame:    o.MaxFrame,
		DialTimeout: o.DialTimeout,
	})

	// Peers may call the handler as soon as the channel runs.
	m.channel = ch

	var err error
	switch o.Role {
	case RoleServer:
		err = ch.Listen(o.Addr)
	case RoleClient:
		err = ch.Dial(context.Background(), o.Addr)
	case RoleAuto, "":
		var role replica.Role
		role, err = ch.Join(context.Background(), o.Addr)
		log.Info().Str("addr", o.Addr).Stringer("role", role).Msg("Joined replication.")
	default:
		err = errors.Newf("unknown replica role %q", o.Role)
	}

	if err != nil {
		ch.Close()
		m.channel = nil
		return errors.Wrapf(err, "join %s", o.Addr)
	}

	return nil
}

// Origin identifier used for the mutations of this replica.
func (m *Map[K, V]) Origin() string {
	return m.origin
}

// Channel returns the replication channel, nil when not replicated.
func (m *Map[K, V]) Channel() *replica.Channel[K, V] {
	return m.channel
}

// Moves the Lamport clock past ts.
func (m *Map[K, V]) observe(ts int64) {
	if ts > m.clock {
		m.clock = ts
	}
}

// Returns timestamp newer than anything applied so far.
func (m *Map[K, V]) tick() int64 {
	ts := time.Now().UnixNano()
	if ts <= m.clock {
		ts = m.clock + 1
	}

	m.clock = ts

	return ts
}

func (m *Map[K, V]) Get(key K) (V, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	e, ok := m.entries[key]
	if ok && !e.Tombstone {
		return e.Value, nil
	}

	if m.def != nil {
		return *m.def, nil
	}

	var zero V
	return zero, errors.Wrapf(errs.ErrNotFound, "key %v", key)
}

// GetOr returns the value of key, or def when the key is absent.
func (m *Map[K, V]) GetOr(key K, def V) V {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if e, ok := m.entries[key]; ok && !e.Tombstone {
		return e.Value
	}

	return def
}

func (m *Map[K, V]) Contains(key K) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	e, ok := m.entries[key]

	return ok && !e.Tombstone
}

func (m *Map[K, V]) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	n := 0
	for _, e := range m.entries {
		if !e.Tombstone {
			n++
		}
	}

	return n
}

func (m *Map[K, V]) Keys() []K {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	keys := make([]K, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.Tombstone {
			keys = append(keys, k)
		}
	}

	return keys
}

// Snapshot returns a copy of all live key value pairs.
func (m *Map[K, V]) Snapshot() map[K]V {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	live := make(map[K]V, len(m.entries))
	for k, e := range m.entries {
		if !e.Tombstone {
			live[k] = e.Value
		}
	}

	return live
}

// All iterates over a copy taken when the iteration starts. Mutations done
// during the iteration are not visible. The sequence can be ranged over
// repeatedly, each time with a fresh copy.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for k, v := range m.Snapshot() {
			if !yield(k, v) {
				return
			}
		}
	}
}

// Set stores value under key. The mutation is applied even when persisting
// or replicating it fails, the failures are returned joined. With the
// background flusher a persistence failure is reported by the next Flush()
// or Close() instead, Options.SyncFlush reports it here.
func (m *Map[K, V]) Set(key K, value V) error {
	return m.mutate(func(b *batch[K, V]) error {
		b.put(key, value, false)
		return nil
	})
}

// SetMany stores all pairs of kv as one change, persisted once.
func (m *Map[K, V]) SetMany(kv map[K]V) error {
	return m.mutate(func(b *batch[K, V]) error {
		for k, v := range kv {
			b.put(k, v, false)
		}
		return nil
	})
}

// Delete removes key. Absent keys are reported as errs.ErrNotFound.
func (m *Map[K, V]) Delete(key K) error {
	_, err := m.Pop(key)
	return err
}

// Pop removes key and returns the value it held. Absent keys are reported
// as errs.ErrNotFound.
func (m *Map[K, V]) Pop(key K) (V, error) {
	var old V

	err := m.mutate(func(b *batch[K, V]) error {
		e, ok := m.entries[key]
		if !ok || e.Tombstone {
			return errors.Wrapf(errs.ErrNotFound, "key %v", key)
		}

		old = e.Value

		var zero V
		b.put(key, zero, true)

		return nil
	})

	return old, err
}

// Clear removes every key as one change, persisted once.
func (m *Map[K, V]) Clear() error {
	return m.mutate(func(b *batch[K, V]) error {
		var zero V
		for k, e := range m.entries {
			if !e.Tombstone {
				b.put(k, zero, true)
			}
		}
		return nil
	})
}

// Update runs a read-modify-write of key under the mutation lock. fn gets
// the current value and whether it exists, and returns the new value, or
// remove set to delete the key. An error from fn aborts the update. fn must
// not call methods of the mapping.
func (m *Map[K, V]) Update(key K, fn func(old V, ok bool) (value V, remove bool, err error)) error {
	return m.mutate(func(b *batch[K, V]) error {
		e, ok := m.entries[key]
		ok = ok && !e.Tombstone

		value, remove, err := fn(e.Value, ok)
		if err != nil {
			return err
		}

		if remove && !ok {
			return nil
		}

		b.put(key, value, remove)

		return nil
	})
}

// Local mutations stamped under one hold of the write lock.
type batch[K comparable, V any] struct {
	m      *Map[K, V]
	n      int
	failed []error
}

// Stamps, applies and broadcasts one local mutation.
func (b *batch[K, V]) put(key K, value V, tombstone bool) {
	m := b.m

	mut := record.Mutation[K, V]{
		Origin:    m.origin,
		Seq:       m.sequence.Next(),
		Key:       key,
		Value:     value,
		Tombstone: tombstone,
		Timestamp: m.tick(),
	}

	m.entries[key] = mut.Entry()
	m.seen[m.origin] = mut.Seq
	metrics.Mutations.WithLabelValues("local").Inc()
	b.n++

	if m.channel != nil {
		if err := m.channel.BroadcastMutation(mut, nil); err != nil {
			b.failed = append(b.failed, err)
		}
	}
}

// Runs fn under the write lock and persists its changes after the lock is
// released.
func (m *Map[K, V]) mutate(fn func(b *batch[K, V]) error) error {
	return m.mutateLocked(fn)()
}

// Returns the function to call once the lock is released. The lock is
// released even when fn panics.
func (m *Map[K, V]) mutateLocked(fn func(b *batch[K, V]) error) func() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return func() error { return errs.ErrClosed }
	}

	b := batch[K, V]{m: m}
	err := fn(&b)
	if b.n == 0 {
		return func() error { return err }
	}

	persist := m.schedule()
	replErr := errors.Join(b.failed...)

	return func() error { return errors.Join(err, persist(), replErr) }
}

// Bumps the flush generation. Returns the function to call once the lock
// is released, it persists for synchronous flushing and does nothing
// otherwise. Called with the write lock held.
func (m *Map[K, V]) schedule() func() error {
	if m.store == nil {
		return func() error { return nil }
	}

	gen := m.generation.Next()

	if m.syncFlush {
		snap := m.snapshot()
		return func() error { return m.write(snap, gen) }
	}

	select {
	case m.kick <- struct{}{}:
	default:
	}

	return func() error { return nil }
}

// Full state including tombstones. Called with the lock held.
func (m *Map[K, V]) snapshot() record.Snapshot[K, V] {
	snap := record.Snapshot[K, V]{
		Entries: make([]record.Entry[K, V], 0, len(m.entries)),
		Seen:    make(map[string]uint64, len(m.seen)),
	}

	for _, e := range m.entries {
		snap.Entries = append(snap.Entries, e)
	}

	for o, n := range m.seen {
		snap.Seen[o] = n
	}

	return snap
}

func (m *Map[K, V]) write(snap record.Snapshot[K, V], gen uint64) error {
	if err := m.store.WriteSnapshot(snap, gen); err != nil {
		metrics.FlushFailures.Inc()
		return err
	}

	metrics.Flushes.Inc()

	return nil
}

// Persists the current state if it is newer than the persisted one.
func (m *Map[K, V]) flushCurrent() error {
	m.mutex.RLock()
	gen := m.generation.Current()
	if gen <= m.store.Persisted() {
		m.mutex.RUnlock()
		return nil
	}
	snap := m.snapshot()
	m.mutex.RUnlock()

	return m.write(snap, gen)
}

// Background flusher. Kicks coalesce, so under load it persists the newest
// generation only.
func (m *Map[K, V]) flusher() {
	defer close(m.flusherEnd)

	for range m.kick {
		if err := m.flushCurrent(); err != nil {
			log.Warn().Err(err).Str("medium", m.store.Name()).Msg("Background flush failed.")

			m.errMutex.Lock()
			m.asyncErr = err
			m.errMutex.Unlock()
		}
	}
}

func (m *Map[K, V]) takeAsyncErr() error {
	m.errMutex.Lock()
	defer m.errMutex.Unlock()

	err := m.asyncErr
	m.asyncErr = nil

	return err
}

// Flush persists the current state and returns after it is on the medium.
// A failure of an earlier background flush is returned as well.
func (m *Map[K, V]) Flush() error {
	if m.store == nil {
		return nil
	}

	err := m.flushCurrent()
	async := m.takeAsyncErr()

	// A successful flush supersedes older failures.
	if err == nil {
		return nil
	}

	return errors.Join(err, async)
}

// Stops the flusher and waits until it finishes the kick in progress.
func (m *Map[K, V]) stopFlusher() {
	if m.kick == nil {
		return
	}

	close(m.kick)
	<-m.flusherEnd
	m.kick = nil
}

// Close drains pending flushes, disconnects all peers and closes the
// store. Closing twice is a no-op returning the first result.
func (m *Map[K, V]) Close() error {
	m.closeOnce.Do(func() {
		m.mutex.Lock()
		m.closed = true
		m.mutex.Unlock()

		var failed []error

		// The channel waits for its readers, which may be blocked on the
		// mutation lock, so it is closed without holding it.
		if m.channel != nil {
			if err := m.channel.Close(); err != nil {
				failed = append(failed, errs.Replication(err, "listener"))
			}
		}

		if m.store != nil {
			m.stopFlusher()

			if err := m.Flush(); err != nil {
				failed = append(failed, err)
			}

			if err := m.store.Close(); err != nil {
				failed = append(failed, err)
			}
		}

		m.closeErr = errors.Join(failed...)

		log.Info().Str("origin", m.origin).Err(m.closeErr).Msg("Mapping closed.")
	})

	return m.closeErr
}
