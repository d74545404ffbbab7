// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package projection

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cxdb-foundation/cxdb/lib/cxstore"
)

// DecodePayload parses payload bytes as a msgpack map keyed by field
// tags. Integer keys are the canonical form; digit-string keys (some
// client encoders stringify tags) are normalized. Any other key type
// is a decode error.
func DecodePayload(data []byte) (map[uint64]any, error) {
	decoder := msgpack.NewDecoder(bytes.NewReader(data))
	// Keep integer-keyed maps as-is instead of forcing string keys.
	decoder.SetMapDecoder(func(d *msgpack.Decoder) (any, error) {
		return d.DecodeUntypedMap()
	})

	value, err := decoder.DecodeInterface()
	if err != nil {
		return nil, cxstore.Errf(cxstore.CodeDecodeError, "malformed msgpack payload: %v", err)
	}

	tagged, err := normalizeTagMap(value)
	if err != nil {
		return nil, err
	}
	if tagged == nil {
		return nil, cxstore.Errf(cxstore.CodeDecodeError, "payload is not a map")
	}
	return tagged, nil
}

// normalizeTagMap converts a decoded msgpack map into tag → value
// form, or returns nil if value is not a map at all.
func normalizeTagMap(value any) (map[uint64]any, error) {
	var entries map[any]any
	switch m := value.(type) {
	case map[any]any:
		entries = m
	case map[string]any:
		entries = make(map[any]any, len(m))
		for key, entryValue := range m {
			entries[key] = entryValue
		}
	default:
		return nil, nil
	}

	tagged := make(map[uint64]any, len(entries))
	for key, entryValue := range entries {
		tag, err := normalizeTag(key)
		if err != nil {
			return nil, err
		}
		tagged[tag] = entryValue
	}
	return tagged, nil
}

// normalizeTag converts a msgpack map key to a numeric field tag.
func normalizeTag(key any) (uint64, error) {
	switch k := key.(type) {
	case uint64:
		return k, nil
	case uint32:
		return uint64(k), nil
	case uint16:
		return uint64(k), nil
	case uint8:
		return uint64(k), nil
	case uint:
		return uint64(k), nil
	case int64:
		if k < 0 {
			return 0, cxstore.Errf(cxstore.CodeDecodeError, "negative field tag %d", k)
		}
		return uint64(k), nil
	case int32:
		return normalizeTag(int64(k))
	case int16:
		return normalizeTag(int64(k))
	case int8:
		return normalizeTag(int64(k))
	case int:
		return normalizeTag(int64(k))
	case string:
		tag, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return 0, cxstore.Errf(cxstore.CodeDecodeError, "map key %q is not a field tag", k)
		}
		return tag, nil
	default:
		return 0, cxstore.Errf(cxstore.CodeDecodeError, "map key of type %T is not a field tag", key)
	}
}

// asInt64 extracts a signed integer from any msgpack integer width.
func asInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int16:
		return int64(v), true
	case int8:
		return int64(v), true
	case int:
		return int64(v), true
	case uint64:
		if v > uint64(1)<<63-1 {
			return 0, false
		}
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint:
		return int64(v), true
	default:
		return 0, false
	}
}

// asUint64 extracts an unsigned integer from any msgpack integer
// width; negative values do not convert.
func asUint64(value any) (uint64, bool) {
	switch v := value.(type) {
	case uint64:
		return v, true
	case uint32:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint8:
		return uint64(v), true
	case uint:
		return uint64(v), true
	default:
		signed, ok := asInt64(value)
		if !ok || signed < 0 {
			return 0, false
		}
		return uint64(signed), true
	}
}

// typeName is used in decode error details.
func typeName(value any) string {
	return fmt.Sprintf("%T", value)
}
