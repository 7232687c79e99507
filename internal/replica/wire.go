// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package replica

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/asch/syncobj/internal/codec"
	"github.com/asch/syncobj/internal/record"
)

// Kind of the message in a frame.
type Kind uint8

const (
	// First message in both directions, identifies the origin of the
	// sender.
	KindHello Kind = iota + 1

	// Full state for reconciliation, or the changed part of a state after
	// a merge when forwarded.
	KindSnapshot

	// One live change.
	KindMutation
)

const frameHeaderSize = 4

// Hello identifies the sending peer.
type Hello struct {
	Origin string `cbor:"origin"`
}

// Message is the unit carried in one frame. Exactly one of the pointers
// matching Kind is set.
type Message[K comparable, V any] struct {
	Kind     Kind                   `cbor:"kind"`
	Hello    *Hello                 `cbor:"hello,omitempty"`
	Snapshot *record.Snapshot[K, V] `cbor:"snapshot,omitempty"`
	Mutation *record.Mutation[K, V] `cbor:"mutation,omitempty"`
}

var serializer = codec.CBOR()

// Returns message serialized into a frame. The frame is a big endian 32
// bit length followed by the CBOR encoded message.
func encodeFrame[K comparable, V any](m *Message[K, V]) ([]byte, error) {
	body, err := serializer.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode message")
	}

	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))

	return append(frame, body...), nil
}

// Reads one frame and decodes the message in it. Frames longer than max
// are refused before anything is allocated for them.
func readMessage[K comparable, V any](r io.Reader, max uint32) (*Message[K, V], error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > max {
		return nil, errors.Newf("frame of %d bytes exceeds limit %d", length, max)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	m := new(Message[K, V])
	if err := serializer.Unmarshal(body, m); err != nil {
		return nil, errors.Wrap(err, "decode message")
	}

	return m, nil
}
