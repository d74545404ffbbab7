// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Wire payload decompression. Clients may ship APPEND_TURN payloads
// zstd- or lz4-compressed; the server decompresses before hashing and
// storage (the storage codec is chosen independently by the CAS).

var wireZstdDecoder *zstd.Decoder

func init() {
	var err error
	wireZstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

// DecompressPayload reverses the wire compression of an APPEND_TURN
// payload. uncompressedLen is the client-declared length; a mismatch
// is an error so the caller can reject before hashing.
func DecompressPayload(data []byte, compression uint32, uncompressedLen int) ([]byte, error) {
	switch compression {
	case CompressionNone:
		if len(data) != uncompressedLen {
			return nil, fmt.Errorf("payload is %d bytes, declared uncompressed_len %d", len(data), uncompressedLen)
		}
		return data, nil
	case CompressionZstd:
		raw, err := wireZstdDecoder.DecodeAll(data, make([]byte, 0, uncompressedLen))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(raw) != uncompressedLen {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, declared %d", len(raw), uncompressedLen)
		}
		return raw, nil
	case CompressionLZ4:
		raw := make([]byte, uncompressedLen)
		n, err := lz4.UncompressBlock(data, raw)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != uncompressedLen {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, declared %d", n, uncompressedLen)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown wire compression %d", compression)
	}
}
