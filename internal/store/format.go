// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package store

import (
	"bytes"
	"encoding/binary"

	"github.com/zeebo/blake3"

	"github.com/asch/syncobj/internal/codec"
	"github.com/asch/syncobj/internal/errs"
)

const (
	// Version of the frame layout below. Readers refuse anything else.
	formatVersion = 1

	// magic | version | compression tag | codec id | reserved | payload
	// length | blake3 checksum of payload
	headerSize = 4 + 1 + 1 + 1 + 1 + 8 + 32
)

var magic = []byte("SOBJ")

// Format describes how a snapshot is turned into the bytes stored on the
// medium. Serialize first, then optionally compress, then prepend the
// versioned header.
type Format struct {
	Serializer codec.Serializer
	Compressor codec.Compressor
}

func (f Format) Encode(v any) ([]byte, error) {
	raw, err := f.Serializer.Marshal(v)
	if err != nil {
		return nil, err
	}

	payload, err := f.Compressor.Compress(raw)
	if err != nil {
		return nil, err
	}

	sum := blake3.Sum256(payload)

	frame := make([]byte, headerSize, headerSize+len(payload))
	copy(frame, magic)
	frame[4] = formatVersion
	frame[5] = f.Compressor.Tag()
	frame[6] = f.Serializer.ID()
	binary.LittleEndian.PutUint64(frame[8:16], uint64(len(payload)))
	copy(frame[16:headerSize], sum[:])

	return append(frame, payload...), nil
}

// Decode parses a frame produced by Encode with any serializer and
// compressor known to this build. The header decides which ones are used,
// not the Format of the reader.
func Decode(frame []byte, v any) error {
	if len(frame) < headerSize {
		return errs.Corruption("frame of %d bytes is shorter than header", len(frame))
	}

	if !bytes.Equal(frame[:4], magic) {
		return errs.Corruption("bad magic %q", frame[:4])
	}

	if frame[4] != formatVersion {
		return errs.Unsupported("format version %d", frame[4])
	}

	compressor, err := codec.CompressorByTag(frame[5])
	if err != nil {
		return err
	}

	serializer, err := codec.SerializerByID(frame[6])
	if err != nil {
		return err
	}

	length := binary.LittleEndian.Uint64(frame[8:16])
	payload := frame[headerSize:]
	if uint64(len(payload)) != length {
		return errs.Corruption("payload has %d bytes, header says %d", len(payload), length)
	}

	if sum := blake3.Sum256(payload); !bytes.Equal(sum[:], frame[16:headerSize]) {
		return errs.Corruption("payload checksum mismatch")
	}

	raw, err := compressor.Decompress(payload)
	if err != nil {
		return errs.Corruption("decompress: %v", err)
	}

	if err := serializer.Unmarshal(raw, v); err != nil {
		return errs.Corruption("decode: %v", err)
	}

	return nil
}
