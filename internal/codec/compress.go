// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package codec

import (
	"bytes"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const (
	DefaultZstdLevel = 5
	DefaultLZ4Level  = 0

	MinZstdLevel = 1
	MaxZstdLevel = 22
)

// Decoder is shared, zstd.Decoder is safe for concurrent DecodeAll.
var zstdDecoder *zstd.Decoder

func init() {
	var err error

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder: " + err.Error())
	}
}

type zstdCompressor struct {
	level   int
	encoder *zstd.Encoder
}

// Returns zstd compressor. Level uses the zstd command line scale 1..22
// which is mapped to the closest level supported by the encoder.
func Zstd(level int) (Compressor, error) {
	if level < MinZstdLevel || level > MaxZstdLevel {
		return nil, errors.Newf("zstd level %d out of range %d..%d", level, MinZstdLevel, MaxZstdLevel)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, errors.Wrap(err, "zstd encoder")
	}

	return &zstdCompressor{level: level, encoder: encoder}, nil
}

func (z *zstdCompressor) Tag() byte    { return TagZstd }
func (z *zstdCompressor) Name() string { return "zstd" }

func (z *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return z.encoder.EncodeAll(data, nil), nil
}

func (z *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.Wrap(err, "zstd decompress")
	}

	return out, nil
}

var lz4Levels = []lz4.CompressionLevel{
	lz4.Fast, lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
	lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

type lz4Compressor struct {
	level lz4.CompressionLevel
}

// Returns lz4 frame compressor. Level 0 is the fast mode, 1..9 select the
// high compression modes.
func LZ4(level int) (Compressor, error) {
	if level < 0 || level >= len(lz4Levels) {
		return nil, errors.Newf("lz4 level %d out of range 0..%d", level, len(lz4Levels)-1)
	}

	return &lz4Compressor{level: lz4Levels[level]}, nil
}

func (l *lz4Compressor) Tag() byte    { return TagLZ4 }
func (l *lz4Compressor) Name() string { return "lz4" }

func (l *lz4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(l.level)); err != nil {
		return nil, errors.Wrap(err, "lz4 options")
	}

	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}

	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}

	return buf.Bytes(), nil
}

func (l *lz4Compressor) Decompress(data []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, errors.Wrap(err, "lz4 decompress")
	}

	return out, nil
}
