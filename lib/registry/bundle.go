// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/jsonc"
)

// Bundle is the JSON document producers publish to the registry. Field
// tags and enum ordinals arrive as digit-string keys (JSON has no
// integer keys) and are normalized on parse.
type Bundle struct {
	RegistryVersion int                 `json:"registry_version"`
	BundleID        string              `json:"bundle_id"`
	Types           map[string]TypeSpec `json:"types"`
	Enums           map[string]EnumSpec `json:"enums"`
}

// TypeSpec holds the versions of one type.
type TypeSpec struct {
	Versions map[string]VersionSpec `json:"versions"`
}

// VersionSpec is one (type_id, version) descriptor as published.
type VersionSpec struct {
	Fields   map[string]Field `json:"fields"`
	Renderer *RendererSpec    `json:"renderer,omitempty"`
}

// EnumSpec maps ordinal digit-strings to labels.
type EnumSpec map[string]string

// Field describes one tagged field of a type version.
type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Optional bool   `json:"optional,omitempty"`

	// EnumRef names an enum whose labels render this field.
	EnumRef string `json:"enum,omitempty"`

	// TypeRef names a type projected recursively when Type is "ref".
	TypeRef string `json:"ref,omitempty"`

	// Items describes array elements when Type is "array".
	Items *Items `json:"items,omitempty"`
}

// Items describes the element type of an array field. On the wire it
// is either a bare string ("string", "int64", ...) or an object
// {"type": "ref", "ref": "<type_id>"}.
type Items struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
}

// UnmarshalJSON accepts both the bare-string and object forms.
func (i *Items) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var simple string
		if err := json.Unmarshal(data, &simple); err != nil {
			return err
		}
		i.Type = simple
		i.Ref = ""
		return nil
	}
	type plain Items
	return json.Unmarshal(data, (*plain)(i))
}

// RendererSpec points the browser UI at an ESM module that renders
// this type. Stored and served verbatim.
type RendererSpec struct {
	EsmURL    string `json:"esm_url"`
	Component string `json:"component,omitempty"`
	Integrity string `json:"integrity,omitempty"`
}

// ParseBundle decodes a bundle document. JSONC (comments, trailing
// commas) is accepted so seed bundle files can be annotated.
func ParseBundle(raw []byte) (*Bundle, error) {
	var bundle Bundle
	if err := json.Unmarshal(jsonc.ToJSON(raw), &bundle); err != nil {
		return nil, fmt.Errorf("parsing bundle: %w", err)
	}
	if bundle.BundleID == "" {
		return nil, fmt.Errorf("bundle has no bundle_id")
	}
	return &bundle, nil
}

// parseTag converts a digit-string map key to a numeric field tag or
// enum ordinal.
func parseTag(key string) (uint32, error) {
	tag, err := strconv.ParseUint(key, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("key %q is not a numeric tag", key)
	}
	return uint32(tag), nil
}

// parseVersion converts a digit-string version key.
func parseVersion(key string) (uint32, error) {
	version, err := strconv.ParseUint(key, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("version key %q is not numeric", key)
	}
	return uint32(version), nil
}

// compatible reports whether two declarations of the same field tag
// may coexist across versions: same wire type, same optionality, and
// the same enum/ref/items bindings.
func compatible(a, b Field) bool {
	if a.Type != b.Type || a.Optional != b.Optional {
		return false
	}
	if a.EnumRef != b.EnumRef || a.TypeRef != b.TypeRef {
		return false
	}
	switch {
	case a.Items == nil && b.Items == nil:
		return true
	case a.Items == nil || b.Items == nil:
		return false
	default:
		return *a.Items == *b.Items
	}
}
