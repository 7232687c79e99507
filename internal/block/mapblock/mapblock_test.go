// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package mapblock

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/asch/syncobj/internal/block"
	"github.com/asch/syncobj/internal/errs"
	"github.com/asch/syncobj/internal/mapping"
)

var geom = block.Geometry{BlockSize: 512, TotalBlocks: 8}

func newBackend(t *testing.T) (*Backend, *mapping.Map[int64, []byte]) {
	m, err := mapping.Open(mapping.Options[int64, []byte]{})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	b, err := New(m, geom)
	require.NoError(t, err)

	return b, m
}

func TestUnwrittenReadsZeros(t *testing.T) {
	b, m := newBackend(t)

	data, err := block.Read(b, 100, 1000)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 1000), data)
	require.Equal(t, 0, m.Len())
}

func TestFullRangeRoundTrip(t *testing.T) {
	b, m := newBackend(t)

	want := make([]byte, b.Capacity())
	rand.New(rand.NewSource(1)).Read(want)

	require.NoError(t, block.Write(b, 0, want))
	require.Equal(t, int(geom.TotalBlocks), m.Len())

	got, err := block.Read(b, 0, b.Capacity())
	require.NoError(t, err)
	require.True(t, bytes.Equal(want, got))
}

func TestUnalignedWriteKeepsNeighbours(t *testing.T) {
	b, m := newBackend(t)

	require.NoError(t, block.Write(b, 0, bytes.Repeat([]byte{1}, 1024)))
	require.NoError(t, block.Write(b, 500, []byte("crossing")))

	got, err := block.Read(b, 496, 16)
	require.NoError(t, err)
	require.Equal(t, append(append([]byte{1, 1, 1, 1}, "crossing"...), 1, 1, 1, 1), got)

	// Zeroed block leaves the mapping.
	require.NoError(t, block.Write(b, 1024, []byte{7}))
	require.Equal(t, 3, m.Len())
	require.NoError(t, block.Write(b, 1024, []byte{0}))
	require.Equal(t, 2, m.Len())
	require.False(t, m.Contains(2))
}

func TestBounds(t *testing.T) {
	b, _ := newBackend(t)

	_, err := block.Read(b, b.Capacity()-1, 2)
	require.True(t, errors.Is(err, errs.ErrOutOfRange))

	err = block.Write(b, -1, []byte{1})
	require.True(t, errors.Is(err, errs.ErrOutOfRange))

	_, err = b.WriteAt(make([]byte, b.Capacity()+1), 0)
	require.True(t, errors.Is(err, errs.ErrOutOfRange))
}
