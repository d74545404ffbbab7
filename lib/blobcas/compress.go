// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package blobcas

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Codec identifies the storage compression of a pack record. Codecs are
// stored in pack record headers and index entries (2 bytes each). These
// values are protocol constants — changing them breaks packfile
// compatibility.
type Codec uint16

const (
	// CodecNone indicates uncompressed data. Used when compression
	// does not reduce the stored size, and for payloads below the
	// compression threshold.
	CodecNone Codec = 0

	// CodecZstd indicates zstd compression at the default level.
	CodecZstd Codec = 1
)

// String returns the human-readable name of a codec.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(c))
	}
}

// compressThreshold is the minimum payload size considered for
// compression. Below this, zstd framing overhead usually exceeds any
// savings.
const compressThreshold = 64

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization overhead. zstd.Encoder and zstd.Decoder are
// safe for concurrent use via EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("blobcas: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("blobcas: zstd decoder initialization failed: " + err.Error())
	}
}

// compress applies the storage compression policy to raw and returns
// the stored bytes with their codec. The result aliases raw when no
// compression is applied.
func compress(raw []byte) ([]byte, Codec) {
	if len(raw) < compressThreshold {
		return raw, CodecNone
	}
	compressed := zstdEncoder.EncodeAll(raw, nil)
	if len(compressed) >= len(raw) {
		return raw, CodecNone
	}
	return compressed, CodecZstd
}

// decompress reverses the storage compression of stored bytes. rawLen
// is the expected uncompressed length recorded in the pack header; a
// mismatch is a decode error.
func decompress(stored []byte, codec Codec, rawLen int) ([]byte, error) {
	switch codec {
	case CodecNone:
		if len(stored) != rawLen {
			return nil, fmt.Errorf("raw record is %d bytes, header says %d", len(stored), rawLen)
		}
		return stored, nil
	case CodecZstd:
		raw, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(raw) != rawLen {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(raw), rawLen)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown storage codec %d", uint16(codec))
	}
}
