// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package record holds the data model shared by the durable store, the
// replication channel and the synchronized mapping. Structures here are
// serialized by the codec package, hence all of them and their attributes
// are exported.
package record

// Version orders writes to the same key. Last write wins by timestamp and
// ties are broken by origin, so all peers pick the same winner without an
// arbiter.
type Version struct {
	Timestamp int64
	Origin    string
}

// Reports whether v is older than o.
func (v Version) Less(o Version) bool {
	if v.Timestamp != o.Timestamp {
		return v.Timestamp < o.Timestamp
	}

	return v.Origin < o.Origin
}

// Entry is the materialized state of one key. Deleted keys stay as
// tombstones so that a deletion can win over an older concurrent write.
type Entry[K comparable, V any] struct {
	Key       K
	Value     V
	Tombstone bool
	Version   Version
}

// Mutation is a single change tagged with its origin and a sequence number
// strictly increasing per origin.
type Mutation[K comparable, V any] struct {
	Origin    string
	Seq       uint64
	Key       K
	Value     V
	Tombstone bool
	Timestamp int64
}

func (m *Mutation[K, V]) Version() Version {
	return Version{Timestamp: m.Timestamp, Origin: m.Origin}
}

func (m *Mutation[K, V]) Entry() Entry[K, V] {
	return Entry[K, V]{
		Key:       m.Key,
		Value:     m.Value,
		Tombstone: m.Tombstone,
		Version:   m.Version(),
	}
}

// Snapshot is the full materialized state including tombstones. Seen
// carries the highest applied sequence number per origin, so a receiver
// knows which mutations the entries already reflect.
type Snapshot[K comparable, V any] struct {
	Entries []Entry[K, V]
	Seen    map[string]uint64
}

// Returns key value pairs of all entries which are not tombstones.
func (s *Snapshot[K, V]) Live() map[K]V {
	live := make(map[K]V, len(s.Entries))

	for _, e := range s.Entries {
		if !e.Tombstone {
			live[e.Key] = e.Value
		}
	}

	return live
}
