// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package blobcas

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3-256 digest of a blob's uncompressed bytes.
// All blob identities — turn payloads, fs tree objects, file contents —
// are this size.
type Hash [32]byte

// HashBytes computes the blob hash of data. Hashes are always computed
// on uncompressed bytes so deduplication is independent of the storage
// codec.
func HashBytes(data []byte) Hash {
	return blake3.Sum256(data)
}

// FormatHash returns the hex-encoded string representation of a hash.
// This is the canonical format used in the HTTP surface, logs, and CLI
// output.
func FormatHash(hash Hash) string {
	return hex.EncodeToString(hash[:])
}

// ParseHash parses a 64-character hex string into a Hash.
func ParseHash(hexString string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return hash, fmt.Errorf("parsing blob hash: %w", err)
	}
	if len(decoded) != 32 {
		return hash, fmt.Errorf("blob hash is %d bytes, want 32", len(decoded))
	}
	copy(hash[:], decoded)
	return hash, nil
}
