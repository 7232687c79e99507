// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package main

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/asch/syncobj/internal/block"
	"github.com/asch/syncobj/internal/config"
	"github.com/asch/syncobj/internal/errs"
	"github.com/asch/syncobj/internal/store"
)

func TestOpenStoreClosesMediumOnFailure(t *testing.T) {
	config.Cfg.Store.Compression = "none"
	t.Cleanup(func() { config.Cfg = config.Config{} })

	geom := block.Geometry{BlockSize: 512, TotalBlocks: 4}
	mem, err := block.NewMemory(geom)
	require.NoError(t, err)

	dev, err := block.NewDevice("mem", geom, mem)
	require.NoError(t, err)

	// A slot header without a valid checksum.
	require.NoError(t, block.Write(dev, 0, []byte("SOSL\x01\x00\x00\x00\x00\x00\x00\x00\x04")))

	_, err = openStore[string, string](&store.DeviceMedium{Backend: dev}, nil)
	require.True(t, errors.Is(err, errs.ErrCorruption))

	_, err = block.Read(dev, 0, 1)
	require.True(t, errors.Is(err, errs.ErrClosed))
}

func TestOpenStoreUnknownCompression(t *testing.T) {
	config.Cfg.Store.Compression = "brotli"
	t.Cleanup(func() { config.Cfg = config.Config{} })

	geom := block.Geometry{BlockSize: 512, TotalBlocks: 4}
	mem, err := block.NewMemory(geom)
	require.NoError(t, err)

	dev, err := block.NewDevice("mem", geom, mem)
	require.NoError(t, err)

	_, err = openStore[string, string](&store.DeviceMedium{Backend: dev}, nil)
	require.Error(t, err)

	_, err = block.Read(dev, 0, 1)
	require.True(t, errors.Is(err, errs.ErrClosed))
}
