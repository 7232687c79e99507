// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package null

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/asch/syncobj/internal/block"
	"github.com/asch/syncobj/internal/errs"
)

func TestNull(t *testing.T) {
	n, err := New(block.Geometry{BlockSize: 4096, TotalBlocks: 2})
	require.NoError(t, err)
	require.Equal(t, int64(8192), n.Capacity())

	require.NoError(t, block.Write(n, 0, []byte("discarded")))

	out, err := block.Read(n, 0, 9)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 9), out)

	_, err = block.Read(n, 8190, 3)
	require.True(t, errors.Is(err, errs.ErrOutOfRange))
	require.NoError(t, n.Close())
}
