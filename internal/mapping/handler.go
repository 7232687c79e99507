// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package mapping

import (
	"github.com/rs/zerolog/log"

	"github.com/asch/syncobj/internal/metrics"
	"github.com/asch/syncobj/internal/record"
	"github.com/asch/syncobj/internal/replica"
)

// Attach implements replica.Handler. Mutations are excluded while fn runs,
// so the snapshot and the peer registration done in fn are atomic.
func (m *Map[K, V]) Attach(fn func(record.Snapshot[K, V])) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	fn(m.snapshot())
}

// Apply implements replica.Handler. Mutations already seen are dropped,
// others are applied when they win over the local entry and forwarded to
// the remaining peers either way.
func (m *Map[K, V]) Apply(from *replica.Peer, mut record.Mutation[K, V]) {
	m.mutex.Lock()

	if m.closed {
		m.mutex.Unlock()
		return
	}

	if mut.Seq <= m.seen[mut.Origin] {
		m.mutex.Unlock()
		metrics.Duplicates.Inc()
		log.Trace().Str("origin", mut.Origin).Uint64("seq", mut.Seq).Msg("Duplicate mutation dropped.")
		return
	}

	m.seen[mut.Origin] = mut.Seq
	m.observe(mut.Timestamp)

	if m.newer(mut.Key, mut.Version()) {
		m.entries[mut.Key] = mut.Entry()
	}

	metrics.Mutations.WithLabelValues("remote").Inc()

	persist := m.schedule()

	var fwdErr error
	if m.channel != nil {
		fwdErr = m.channel.BroadcastMutation(mut, from)
	}

	m.mutex.Unlock()

	if err := persist(); err != nil {
		log.Warn().Err(err).Str("origin", mut.Origin).Msg("Persisting replicated mutation failed.")
	}

	if fwdErr != nil {
		log.Warn().Err(fwdErr).Msg("Forwarding mutation failed.")
	}
}

// Merge implements replica.Handler. Every entry is merged by last write
// wins. The entries which changed the local state are forwarded to the
// other peers as a snapshot of their own.
func (m *Map[K, V]) Merge(from *replica.Peer, snap record.Snapshot[K, V]) {
	m.mutex.Lock()

	if m.closed {
		m.mutex.Unlock()
		return
	}

	delta := record.Snapshot[K, V]{Seen: make(map[string]uint64)}

	for _, e := range snap.Entries {
		m.observe(e.Version.Timestamp)

		if m.newer(e.Key, e.Version) {
			m.entries[e.Key] = e
			delta.Entries = append(delta.Entries, e)
		}
	}

	for o, n := range snap.Seen {
		if n > m.seen[o] {
			m.seen[o] = n
			delta.Seen[o] = n
		}
	}

	if len(delta.Entries) == 0 && len(delta.Seen) == 0 {
		m.mutex.Unlock()
		return
	}

	m.sequence.Raise(m.seen[m.origin])

	persist := m.schedule()

	var fwdErr error
	if m.channel != nil {
		fwdErr = m.channel.BroadcastSnapshot(delta, from)
	}

	m.mutex.Unlock()

	log.Debug().Int("entries", len(delta.Entries)).Msg("Snapshot merged.")

	if err := persist(); err != nil {
		log.Warn().Err(err).Msg("Persisting merged snapshot failed.")
	}

	if fwdErr != nil {
		log.Warn().Err(fwdErr).Msg("Forwarding snapshot failed.")
	}
}

// Reports whether a write with version v wins over the entry of key.
// Called with the lock held.
func (m *Map[K, V]) newer(key K, v record.Version) bool {
	e, ok := m.entries[key]

	return !ok || e.Version.Less(v)
}
