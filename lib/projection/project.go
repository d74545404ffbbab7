// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

// Package projection turns opaque turn payloads into typed JSON. The
// store never interprets payload bytes on the write path; this package
// does all shaping at read time using a registry descriptor and a set
// of closed rendering options.
//
// Projection is deterministic: the same bytes, descriptor, and options
// always produce the same JSON (maps marshal with sorted keys).
package projection

import (
	"encoding/base64"
	"encoding/hex"
	"math"
	"strconv"
	"time"

	"github.com/cxdb-foundation/cxdb/lib/cxstore"
	"github.com/cxdb-foundation/cxdb/lib/registry"
)

// maxSafeInteger is the largest integer JavaScript can represent
// exactly (2^53 - 1). 64-bit values beyond it are rendered as strings
// under the default u64 format.
const maxSafeInteger = 1<<53 - 1

// Result is the projected view of one payload.
type Result struct {
	// Data maps field names to rendered values.
	Data map[string]any

	// Unknown maps decimal tag strings of fields absent from the
	// descriptor to generically rendered values. Nil unless the
	// options requested unknown fields and some were present.
	Unknown map[string]any
}

// Project decodes payload and shapes it according to desc. Nested
// "ref" fields resolve against reg using the referenced type's latest
// version.
func Project(payload []byte, desc *registry.Descriptor, reg *registry.Registry, opts Options) (Result, error) {
	tagged, err := DecodePayload(payload)
	if err != nil {
		return Result{}, err
	}

	data, unknown, err := projectMap(tagged, desc, reg, opts)
	if err != nil {
		return Result{}, err
	}
	return Result{Data: data, Unknown: unknown}, nil
}

func projectMap(tagged map[uint64]any, desc *registry.Descriptor, reg *registry.Registry, opts Options) (map[string]any, map[string]any, error) {
	data := make(map[string]any, len(tagged))
	var unknown map[string]any

	for tag, value := range tagged {
		var field registry.Field
		known := false
		if tag <= math.MaxUint32 {
			field, known = desc.Fields[uint32(tag)]
		}
		if !known {
			if opts.IncludeUnknown {
				if unknown == nil {
					unknown = make(map[string]any)
				}
				rendered, err := renderGeneric(value, opts)
				if err != nil {
					return nil, nil, err
				}
				unknown[strconv.FormatUint(tag, 10)] = rendered
			}
			continue
		}

		rendered, err := renderField(value, field, reg, opts)
		if err != nil {
			return nil, nil, err
		}
		data[field.Name] = rendered
	}
	return data, unknown, nil
}

func renderField(value any, field registry.Field, reg *registry.Registry, opts Options) (any, error) {
	if value == nil {
		return nil, nil
	}

	if field.EnumRef != "" {
		return renderEnum(value, field.EnumRef, reg, opts)
	}

	switch field.Type {
	case "ref":
		return renderRef(value, field.TypeRef, reg, opts)
	case "array":
		return renderArray(value, field.Items, reg, opts)
	case "u64", "int64":
		return renderInt64(value, opts.U64)
	case "timestamp_ms":
		return renderTimestamp(value, opts)
	case "bytes":
		return renderBytes(value, opts)
	default:
		// Small scalars (bool, u8..u32, int32, f64, string) pass
		// through; anything surprising falls back to the generic
		// rules so a descriptor/payload mismatch degrades instead of
		// failing the turn.
		return renderGeneric(value, opts)
	}
}

func renderEnum(value any, enumID string, reg *registry.Registry, opts Options) (any, error) {
	ordinal, ok := asUint64(value)
	if !ok {
		return nil, cxstore.Errf(cxstore.CodeDecodeError,
			"enum field holds %s, want integer ordinal", typeName(value))
	}
	label, found := "", false
	if ordinal <= math.MaxUint32 {
		label, found = reg.EnumLabel(enumID, uint32(ordinal))
	}

	switch opts.Enum {
	case EnumNumber:
		return ordinal, nil
	case EnumBoth:
		both := map[string]any{"num": ordinal}
		if found {
			both["label"] = label
		}
		return both, nil
	default:
		// Unknown ordinals fall back to the number even under label
		// rendering.
		if !found {
			return ordinal, nil
		}
		return label, nil
	}
}

func renderRef(value any, typeRef string, reg *registry.Registry, opts Options) (any, error) {
	tagged, err := normalizeTagMap(value)
	if err != nil {
		return nil, err
	}
	if tagged == nil {
		return nil, cxstore.Errf(cxstore.CodeDecodeError,
			"ref field holds %s, want map", typeName(value))
	}

	version, ok := reg.LatestVersion(typeRef)
	if !ok {
		// The referenced type is unpublished; degrade to generic
		// rendering rather than failing the whole projection.
		return renderGeneric(value, opts)
	}
	desc, _ := reg.GetType(typeRef, version)

	data, unknown, err := projectMap(tagged, desc, reg, opts)
	if err != nil {
		return nil, err
	}
	// Nested unknown tags are folded into the nested object.
	for tag, rendered := range unknown {
		data[tag] = rendered
	}
	return data, nil
}

func renderArray(value any, items *registry.Items, reg *registry.Registry, opts Options) (any, error) {
	slice, ok := value.([]any)
	if !ok {
		return nil, cxstore.Errf(cxstore.CodeDecodeError,
			"array field holds %s, want array", typeName(value))
	}

	rendered := make([]any, 0, len(slice))
	for _, item := range slice {
		var element any
		var err error
		switch {
		case items == nil:
			element, err = renderGeneric(item, opts)
		case items.Type == "ref":
			element, err = renderRef(item, items.Ref, reg, opts)
		default:
			element, err = renderField(item, registry.Field{Type: items.Type}, reg, opts)
		}
		if err != nil {
			return nil, err
		}
		rendered = append(rendered, element)
	}
	return rendered, nil
}

func renderInt64(value any, format U64Format) (any, error) {
	if unsigned, ok := asUint64(value); ok {
		if format == U64Number {
			return unsigned, nil
		}
		return strconv.FormatUint(unsigned, 10), nil
	}
	signed, ok := asInt64(value)
	if !ok {
		return nil, cxstore.Errf(cxstore.CodeDecodeError,
			"integer field holds %s", typeName(value))
	}
	if format == U64Number {
		return signed, nil
	}
	return strconv.FormatInt(signed, 10), nil
}

func renderTimestamp(value any, opts Options) (any, error) {
	ms, ok := asInt64(value)
	if !ok {
		return nil, cxstore.Errf(cxstore.CodeDecodeError,
			"timestamp field holds %s, want unix milliseconds", typeName(value))
	}
	if opts.Time == TimeUnixMs {
		return ms, nil
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z"), nil
}

func renderBytes(value any, opts Options) (any, error) {
	raw, ok := value.([]byte)
	if !ok {
		if s, isString := value.(string); isString {
			raw = []byte(s)
		} else {
			return nil, cxstore.Errf(cxstore.CodeDecodeError,
				"bytes field holds %s", typeName(value))
		}
	}
	switch opts.Bytes {
	case BytesHex:
		return hex.EncodeToString(raw), nil
	case BytesLenOnly:
		return map[string]any{"len": len(raw)}, nil
	default:
		return base64.StdEncoding.EncodeToString(raw), nil
	}
}

// renderGeneric shapes a value with no descriptor guidance: the rules
// applied to unknown tags and unpublished nested types.
func renderGeneric(value any, opts Options) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool, string, float32, float64:
		return v, nil
	case []byte:
		return renderBytes(v, opts)
	case []any:
		rendered := make([]any, 0, len(v))
		for _, item := range v {
			element, err := renderGeneric(item, opts)
			if err != nil {
				return nil, err
			}
			rendered = append(rendered, element)
		}
		return rendered, nil
	case map[string]any:
		rendered := make(map[string]any, len(v))
		for key, item := range v {
			element, err := renderGeneric(item, opts)
			if err != nil {
				return nil, err
			}
			rendered[key] = element
		}
		return rendered, nil
	case map[any]any:
		// Nested maps keep string keys as-is; integer keys become
		// their decimal strings. Only the top-level payload map is
		// restricted to integer tags.
		rendered := make(map[string]any, len(v))
		for key, item := range v {
			var name string
			switch k := key.(type) {
			case string:
				name = k
			default:
				tag, err := normalizeTag(key)
				if err != nil {
					return nil, err
				}
				name = strconv.FormatUint(tag, 10)
			}
			element, err := renderGeneric(item, opts)
			if err != nil {
				return nil, err
			}
			rendered[name] = element
		}
		return rendered, nil
	default:
		if unsigned, ok := asUint64(v); ok {
			if opts.U64 == U64String && unsigned > maxSafeInteger {
				return strconv.FormatUint(unsigned, 10), nil
			}
			return unsigned, nil
		}
		if signed, ok := asInt64(v); ok {
			if opts.U64 == U64String && (signed > maxSafeInteger || signed < -maxSafeInteger) {
				return strconv.FormatInt(signed, 10), nil
			}
			return signed, nil
		}
		return nil, cxstore.Errf(cxstore.CodeDecodeError,
			"cannot render value of type %s", typeName(value))
	}
}
