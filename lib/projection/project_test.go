// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package projection

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cxdb-foundation/cxdb/lib/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	if _, err := reg.PutBundle("test", []byte(`
	{
	  "registry_version": 1,
	  "bundle_id": "test",
	  "types": {
	    "com.example.Message": { "versions": { "1": { "fields": {
	      "1": { "name": "role", "type": "u8", "enum": "com.example.Role" },
	      "2": { "name": "text", "type": "string" },
	      "3": { "name": "token_count", "type": "u64" },
	      "4": { "name": "raw", "type": "bytes" },
	      "5": { "name": "sent_at", "type": "timestamp_ms" },
	      "6": { "name": "nested", "type": "ref", "ref": "com.example.Nested" },
	      "7": { "name": "items", "type": "array", "items": { "type": "ref", "ref": "com.example.Nested" } },
	      "8": { "name": "tags", "type": "array", "items": "string" }
	    } } } },
	    "com.example.Nested": { "versions": { "1": { "fields": {
	      "1": { "name": "name", "type": "string" },
	      "2": { "name": "value", "type": "int64" }
	    } } } }
	  },
	  "enums": {
	    "com.example.Role": { "1": "system", "2": "user" }
	  }
	}`)); err != nil {
		t.Fatalf("PutBundle: %v", err)
	}
	return reg
}

func descriptorFor(t *testing.T, reg *registry.Registry) *registry.Descriptor {
	t.Helper()
	desc, ok := reg.GetType("com.example.Message", 1)
	if !ok {
		t.Fatal("descriptor missing")
	}
	return desc
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	data, err := msgpack.Marshal(v)
	if err != nil {
		t.Fatalf("msgpack.Marshal: %v", err)
	}
	return data
}

func defaultOptions() Options {
	return Options{IncludeUnknown: true}
}

func TestProjectSwapsTagsForNames(t *testing.T) {
	reg := testRegistry(t)
	desc := descriptorFor(t, reg)

	payload := encode(t, map[uint64]any{
		1: 2,       // role = user
		2: "hello", // text
		9: 42,      // unknown tag
	})

	result, err := Project(payload, desc, reg, defaultOptions())
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if result.Data["role"] != "user" {
		t.Errorf("role = %v, want %q", result.Data["role"], "user")
	}
	if result.Data["text"] != "hello" {
		t.Errorf("text = %v", result.Data["text"])
	}
	if _, numeric := result.Data["1"]; numeric {
		t.Error("numeric-string key leaked into data")
	}
	if result.Unknown == nil {
		t.Fatal("unknown map missing")
	}
	if _, ok := result.Unknown["9"]; !ok {
		t.Errorf("unknown = %v, want key 9", result.Unknown)
	}
}

func TestUnknownSuppressedByDefault(t *testing.T) {
	reg := testRegistry(t)
	desc := descriptorFor(t, reg)
	payload := encode(t, map[uint64]any{2: "hi", 9: 1})

	result, err := Project(payload, desc, reg, Options{})
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if result.Unknown != nil {
		t.Errorf("unknown emitted without include_unknown: %v", result.Unknown)
	}
}

func TestDigitStringKeysNormalized(t *testing.T) {
	reg := testRegistry(t)
	desc := descriptorFor(t, reg)
	payload := encode(t, map[string]any{"2": "stringly"})

	result, err := Project(payload, desc, reg, defaultOptions())
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if result.Data["text"] != "stringly" {
		t.Errorf("text = %v", result.Data["text"])
	}
}

func TestNonIntegerKeyIsDecodeError(t *testing.T) {
	reg := testRegistry(t)
	desc := descriptorFor(t, reg)
	payload := encode(t, map[string]any{"role": "user"})

	if _, err := Project(payload, desc, reg, defaultOptions()); err == nil {
		t.Error("non-integer key accepted")
	}
}

func TestNonMapPayloadIsDecodeError(t *testing.T) {
	reg := testRegistry(t)
	desc := descriptorFor(t, reg)
	if _, err := Project(encode(t, []any{1, 2}), desc, reg, defaultOptions()); err == nil {
		t.Error("array payload accepted")
	}
	if _, err := Project([]byte{0xc1}, desc, reg, defaultOptions()); err == nil {
		t.Error("malformed msgpack accepted")
	}
}

func TestU64Rendering(t *testing.T) {
	reg := testRegistry(t)
	desc := descriptorFor(t, reg)
	payload := encode(t, map[uint64]any{3: uint64(18446744073709551615)})

	result, err := Project(payload, desc, reg, defaultOptions())
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if result.Data["token_count"] != "18446744073709551615" {
		t.Errorf("default u64 = %v (%T), want decimal string", result.Data["token_count"], result.Data["token_count"])
	}

	opts := defaultOptions()
	opts.U64 = U64Number
	result, err = Project(payload, desc, reg, opts)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if result.Data["token_count"] != uint64(18446744073709551615) {
		t.Errorf("numeric u64 = %v (%T)", result.Data["token_count"], result.Data["token_count"])
	}
}

func TestBytesRendering(t *testing.T) {
	reg := testRegistry(t)
	desc := descriptorFor(t, reg)
	payload := encode(t, map[uint64]any{4: []byte{0xDE, 0xAD}})

	cases := []struct {
		render BytesRender
		want   any
	}{
		{BytesBase64, "3q0="},
		{BytesHex, "dead"},
	}
	for _, testCase := range cases {
		opts := defaultOptions()
		opts.Bytes = testCase.render
		result, err := Project(payload, desc, reg, opts)
		if err != nil {
			t.Fatalf("Project: %v", err)
		}
		if result.Data["raw"] != testCase.want {
			t.Errorf("bytes render %v = %v, want %v", testCase.render, result.Data["raw"], testCase.want)
		}
	}

	opts := defaultOptions()
	opts.Bytes = BytesLenOnly
	result, err := Project(payload, desc, reg, opts)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	lenObj, ok := result.Data["raw"].(map[string]any)
	if !ok || lenObj["len"] != 2 {
		t.Errorf("len_only = %v", result.Data["raw"])
	}
}

func TestTimestampRendering(t *testing.T) {
	reg := testRegistry(t)
	desc := descriptorFor(t, reg)
	// 2026-01-01T00:00:00.500Z
	payload := encode(t, map[uint64]any{5: int64(1767225600500)})

	result, err := Project(payload, desc, reg, defaultOptions())
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if result.Data["sent_at"] != "2026-01-01T00:00:00.500Z" {
		t.Errorf("iso timestamp = %v", result.Data["sent_at"])
	}

	opts := defaultOptions()
	opts.Time = TimeUnixMs
	result, err = Project(payload, desc, reg, opts)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if result.Data["sent_at"] != int64(1767225600500) {
		t.Errorf("unix_ms timestamp = %v (%T)", result.Data["sent_at"], result.Data["sent_at"])
	}
}

func TestEnumRendering(t *testing.T) {
	reg := testRegistry(t)
	desc := descriptorFor(t, reg)
	payload := encode(t, map[uint64]any{1: 2})

	opts := defaultOptions()
	opts.Enum = EnumNumber
	result, err := Project(payload, desc, reg, opts)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if result.Data["role"] != uint64(2) {
		t.Errorf("enum number = %v (%T)", result.Data["role"], result.Data["role"])
	}

	opts.Enum = EnumBoth
	result, err = Project(payload, desc, reg, opts)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	both, ok := result.Data["role"].(map[string]any)
	if !ok || both["num"] != uint64(2) || both["label"] != "user" {
		t.Errorf("enum both = %v", result.Data["role"])
	}

	// An ordinal without a label falls back to the number even under
	// label rendering.
	payload = encode(t, map[uint64]any{1: 99})
	result, err = Project(payload, desc, reg, defaultOptions())
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if result.Data["role"] != uint64(99) {
		t.Errorf("unknown ordinal = %v (%T)", result.Data["role"], result.Data["role"])
	}
}

func TestNestedRefsProject(t *testing.T) {
	reg := testRegistry(t)
	desc := descriptorFor(t, reg)

	payload := encode(t, map[uint64]any{
		2: "foo",
		6: map[uint64]any{1: "bar", 2: int64(42)},
		7: []any{map[uint64]any{1: "x", 2: int64(1)}},
		8: []any{"a", "b"},
	})

	result, err := Project(payload, desc, reg, defaultOptions())
	if err != nil {
		t.Fatalf("Project: %v", err)
	}

	nested, ok := result.Data["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested = %T", result.Data["nested"])
	}
	if nested["name"] != "bar" {
		t.Errorf("nested.name = %v", nested["name"])
	}
	// int64 fields render as strings under the default format.
	if nested["value"] != "42" {
		t.Errorf("nested.value = %v (%T)", nested["value"], nested["value"])
	}

	items, ok := result.Data["items"].([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("items = %v", result.Data["items"])
	}
	first, ok := items[0].(map[string]any)
	if !ok || first["name"] != "x" {
		t.Errorf("items[0] = %v", items[0])
	}

	tags, ok := result.Data["tags"].([]any)
	if !ok || len(tags) != 2 || tags[0] != "a" {
		t.Errorf("tags = %v", result.Data["tags"])
	}
}

func TestProjectionIsDeterministic(t *testing.T) {
	reg := testRegistry(t)
	desc := descriptorFor(t, reg)
	payload := encode(t, map[uint64]any{
		1: 1,
		2: "hello",
		3: uint64(7),
		9: "unknown",
	})

	first, err := Project(payload, desc, reg, defaultOptions())
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	second, err := Project(payload, desc, reg, defaultOptions())
	if err != nil {
		t.Fatalf("Project again: %v", err)
	}

	firstJSON, err := json.Marshal(first.Data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	secondJSON, err := json.Marshal(second.Data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(firstJSON, secondJSON) {
		t.Error("projection output differs across runs")
	}
}
