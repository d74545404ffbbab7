// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package blobcas

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Packfile format constants. The packfile is an append-only sequence of
// records; each record is self-describing and CRC-protected so a torn
// tail can be detected and truncated on startup.
const (
	// packMagic is the 4-byte record prefix, ASCII "BLSB" read as a
	// little-endian u32 (0x42534C42).
	packMagic = 0x42534C42

	// packVersion is the record format version.
	packVersion = 1

	// packHeaderSize is the fixed record header: magic u32 + version
	// u16 + codec u16 + raw_len u32 + stored_len u32 + hash[32].
	packHeaderSize = 4 + 2 + 2 + 4 + 4 + 32

	// packTrailerSize is the CRC-32 suffix.
	packTrailerSize = 4
)

// maxRecordLen bounds stored_len when scanning, so a corrupt length
// field cannot make recovery allocate gigabytes.
const maxRecordLen = 256 * 1024 * 1024

// packRecord is the parsed header of a single packfile record.
type packRecord struct {
	codec     Codec
	rawLen    uint32
	storedLen uint32
	hash      Hash
}

// encodePackRecord serializes a full record (header, stored bytes,
// CRC) into a single buffer ready for an appending write.
func encodePackRecord(hash Hash, stored []byte, codec Codec, rawLen uint32) []byte {
	buf := make([]byte, packHeaderSize+len(stored)+packTrailerSize)
	binary.LittleEndian.PutUint32(buf[0:4], packMagic)
	binary.LittleEndian.PutUint16(buf[4:6], packVersion)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(codec))
	binary.LittleEndian.PutUint32(buf[8:12], rawLen)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(stored)))
	copy(buf[16:48], hash[:])
	copy(buf[packHeaderSize:], stored)

	crc := crc32.ChecksumIEEE(buf[:packHeaderSize+len(stored)])
	binary.LittleEndian.PutUint32(buf[packHeaderSize+len(stored):], crc)
	return buf
}

// readPackRecord reads and validates one record starting at the
// current position of r. Returns the parsed header and the stored
// bytes. io.EOF is returned cleanly at a record boundary; any header,
// length, or CRC violation returns a non-EOF error so the caller can
// truncate.
func readPackRecord(r io.Reader) (packRecord, []byte, error) {
	var header [packHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return packRecord{}, nil, io.EOF
		}
		return packRecord{}, nil, fmt.Errorf("read pack header: %w", err)
	}

	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != packMagic {
		return packRecord{}, nil, fmt.Errorf("bad pack magic 0x%08x", magic)
	}
	if version := binary.LittleEndian.Uint16(header[4:6]); version != packVersion {
		return packRecord{}, nil, fmt.Errorf("unsupported pack record version %d", version)
	}

	rec := packRecord{
		codec:     Codec(binary.LittleEndian.Uint16(header[6:8])),
		rawLen:    binary.LittleEndian.Uint32(header[8:12]),
		storedLen: binary.LittleEndian.Uint32(header[12:16]),
	}
	copy(rec.hash[:], header[16:48])

	if rec.storedLen > maxRecordLen || rec.rawLen > maxRecordLen {
		return packRecord{}, nil, fmt.Errorf("pack record length %d/%d exceeds maximum", rec.rawLen, rec.storedLen)
	}

	body := make([]byte, rec.storedLen+packTrailerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return packRecord{}, nil, fmt.Errorf("read pack body: %w", err)
	}
	stored := body[:rec.storedLen]

	want := binary.LittleEndian.Uint32(body[rec.storedLen:])
	crc := crc32.New(crc32.IEEETable)
	crc.Write(header[:])
	crc.Write(stored)
	if got := crc.Sum32(); got != want {
		return packRecord{}, nil, fmt.Errorf("pack record crc mismatch: got 0x%08x, want 0x%08x", got, want)
	}

	return rec, stored, nil
}

// packRecordSize returns the total on-disk size of a record holding
// storedLen payload bytes.
func packRecordSize(storedLen uint32) int64 {
	return int64(packHeaderSize) + int64(storedLen) + packTrailerSize
}
