// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package codec provides the pluggable transforms used by the durable store
// and the replication wire protocol. A Serializer turns structured values
// into bytes and back, a Compressor shrinks byte streams. Both are pure and
// safe for concurrent use. Identifiers returned by ID() and Tag() are written
// into the durable medium header and therefore must never change.
package codec

import (
	"strings"

	"github.com/asch/syncobj/internal/errs"
)

// Serializer encodes arbitrary structured values.
type Serializer interface {
	// Identifier stored in the medium header.
	ID() byte

	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Compressor compresses byte streams. The level is fixed at construction
// and only affects size and speed.
type Compressor interface {
	// Identifier stored in the medium header.
	Tag() byte

	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

const (
	TagNone byte = 0
	TagZstd byte = 1
	TagLZ4  byte = 2
)

// Returns serializer registered under id.
func SerializerByID(id byte) (Serializer, error) {
	if id == cborID {
		return CBOR(), nil
	}

	return nil, errs.Unsupported("unknown serializer id %d", id)
}

// Returns compressor for the tag found in a medium header. The level is
// irrelevant for decompression, hence the default level is used.
func CompressorByTag(tag byte) (Compressor, error) {
	switch tag {
	case TagNone:
		return None(), nil
	case TagZstd:
		return Zstd(DefaultZstdLevel)
	case TagLZ4:
		return LZ4(DefaultLZ4Level)
	default:
		return nil, errs.Unsupported("unknown compression tag %d", tag)
	}
}

// Returns compressor by its configuration name. Empty name means no
// compression.
func CompressorByName(name string, level int) (Compressor, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return None(), nil
	case "zstd":
		return Zstd(level)
	case "lz4":
		return LZ4(level)
	default:
		return nil, errs.Unsupported("unknown compressor %q", name)
	}
}

type none struct{}

// Returns identity compressor.
func None() Compressor {
	return none{}
}

func (none) Tag() byte                              { return TagNone }
func (none) Name() string                           { return "none" }
func (none) Compress(data []byte) ([]byte, error)   { return data, nil }
func (none) Decompress(data []byte) ([]byte, error) { return data, nil }
