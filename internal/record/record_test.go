// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package record

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionOrdering(t *testing.T) {
	a := Version{Timestamp: 10, Origin: "a"}
	b := Version{Timestamp: 10, Origin: "b"}
	c := Version{Timestamp: 11, Origin: "a"}

	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.True(t, b.Less(c))
	require.False(t, a.Less(a))
}

func TestSnapshotLive(t *testing.T) {
	m := Mutation[string, int]{Origin: "o", Seq: 1, Key: "gone", Tombstone: true, Timestamp: 5}

	s := Snapshot[string, int]{Entries: []Entry[string, int]{
		{Key: "k", Value: 1, Version: Version{Timestamp: 1, Origin: "o"}},
		m.Entry(),
	}}

	require.Equal(t, map[string]int{"k": 1}, s.Live())
	require.Equal(t, Version{Timestamp: 5, Origin: "o"}, m.Version())
}
