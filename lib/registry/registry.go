// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry stores type descriptor bundles and serves the
// compiled descriptor table to the projection engine.
//
// Bundles are validated on ingest: per-type versions are monotonic,
// field tags are never reused with an incompatible shape, and every
// enum reference must resolve. Accepted bundles are persisted in a
// bbolt database together with a CBOR snapshot of the compiled state;
// reads are lock-free against an immutable in-memory snapshot swapped
// on each accepted write.
package registry

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"

	"github.com/cxdb-foundation/cxdb/lib/codec"
	"github.com/cxdb-foundation/cxdb/lib/cxstore"
)

// bbolt bucket names.
var (
	bucketBundles = []byte("bundles") // bundle_id → raw JSON
	bucketLog     = []byte("log")     // big-endian seq → bundle_id
	bucketState   = []byte("state")   // "current" → CBOR snapshot
)

var stateKey = []byte("current")

// Outcome classifies an accepted PutBundle.
type Outcome int

const (
	// Created — the bundle was new (or differed from the stored one
	// under the same id and passed validation).
	Created Outcome = iota

	// Unchanged — a byte-identical bundle already exists under this
	// bundle_id.
	Unchanged
)

// Descriptor is the compiled view of one (type_id, version).
type Descriptor struct {
	TypeID   string           `json:"type_id"`
	Version  uint32           `json:"version"`
	Fields   map[uint32]Field `json:"fields"`
	Renderer *RendererSpec    `json:"renderer,omitempty"`
}

// state is an immutable compiled snapshot. A new state is built for
// each accepted bundle and swapped in atomically.
type state struct {
	Types        map[string]map[uint32]*Descriptor `json:"types"`
	Enums        map[string]map[uint32]string      `json:"enums"`
	LastBundleID string                            `json:"last_bundle_id"`
}

func newState() *state {
	return &state{
		Types: make(map[string]map[uint32]*Descriptor),
		Enums: make(map[string]map[uint32]string),
	}
}

// clone deep-copies the mutable containers; descriptors themselves are
// immutable once published and can be shared.
func (s *state) clone() *state {
	next := &state{
		Types:        make(map[string]map[uint32]*Descriptor, len(s.Types)),
		Enums:        make(map[string]map[uint32]string, len(s.Enums)),
		LastBundleID: s.LastBundleID,
	}
	for typeID, versions := range s.Types {
		copied := make(map[uint32]*Descriptor, len(versions))
		for version, desc := range versions {
			copied[version] = desc
		}
		next.Types[typeID] = copied
	}
	for enumID, labels := range s.Enums {
		copied := make(map[uint32]string, len(labels))
		for ordinal, label := range labels {
			copied[ordinal] = label
		}
		next.Enums[enumID] = copied
	}
	return next
}

// Registry is the descriptor store.
type Registry struct {
	db *bolt.DB

	// writeMu serializes ingest; readers never take it.
	writeMu sync.Mutex

	current atomic.Pointer[state]
}

// Open opens (or creates) the registry database at path and loads the
// compiled state: from the CBOR snapshot when present, otherwise by
// replaying the stored bundles in acceptance order.
func Open(path string) (*Registry, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("opening registry database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBundles, bucketLog, bucketState} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing registry buckets: %w", err)
	}

	registry := &Registry{db: db}
	if err := registry.load(); err != nil {
		db.Close()
		return nil, err
	}
	return registry, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) load() error {
	loaded := newState()
	var haveSnapshot bool

	err := r.db.View(func(tx *bolt.Tx) error {
		if snapshot := tx.Bucket(bucketState).Get(stateKey); snapshot != nil {
			if err := codec.Unmarshal(snapshot, loaded); err == nil {
				haveSnapshot = true
				return nil
			}
			// A damaged snapshot falls back to bundle replay.
			loaded = newState()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading registry state: %w", err)
	}

	if !haveSnapshot {
		if err := r.db.View(func(tx *bolt.Tx) error {
			bundles := tx.Bucket(bucketBundles)
			return tx.Bucket(bucketLog).ForEach(func(_, bundleID []byte) error {
				raw := bundles.Get(bundleID)
				if raw == nil {
					return fmt.Errorf("bundle %q in log but not stored", bundleID)
				}
				bundle, err := ParseBundle(raw)
				if err != nil {
					return fmt.Errorf("replaying bundle %q: %w", bundleID, err)
				}
				next, err := apply(loaded, bundle)
				if err != nil {
					return fmt.Errorf("replaying bundle %q: %w", bundleID, err)
				}
				loaded = next
				return nil
			})
		}); err != nil {
			return err
		}
	}

	r.current.Store(loaded)
	return nil
}

// PutBundle validates and stores a bundle. A bundle byte-identical to
// the one already stored under the same bundle_id is Unchanged.
// Validation failures return a 409-class error naming the offending
// type and tag.
func (r *Registry) PutBundle(bundleID string, raw []byte) (Outcome, error) {
	bundle, err := ParseBundle(raw)
	if err != nil {
		return 0, cxstore.Errf(cxstore.CodeMalformedRequest, "%v", err)
	}
	if bundle.BundleID != bundleID {
		return 0, cxstore.Errf(cxstore.CodeMalformedRequest,
			"bundle_id %q in body does not match %q", bundle.BundleID, bundleID)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var existing []byte
	if err := r.db.View(func(tx *bolt.Tx) error {
		existing = tx.Bucket(bucketBundles).Get([]byte(bundleID))
		return nil
	}); err != nil {
		return 0, fmt.Errorf("reading stored bundle: %w", err)
	}
	if existing != nil && bytes.Equal(existing, raw) {
		return Unchanged, nil
	}

	next, err := apply(r.current.Load(), bundle)
	if err != nil {
		return 0, err
	}

	snapshot, err := codec.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("encoding registry snapshot: %w", err)
	}

	if err := r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBundles).Put([]byte(bundleID), raw); err != nil {
			return err
		}
		log := tx.Bucket(bucketLog)
		seq, err := log.NextSequence()
		if err != nil {
			return err
		}
		var seqKey [8]byte
		binary.BigEndian.PutUint64(seqKey[:], seq)
		if err := log.Put(seqKey[:], []byte(bundleID)); err != nil {
			return err
		}
		return tx.Bucket(bucketState).Put(stateKey, snapshot)
	}); err != nil {
		return 0, fmt.Errorf("storing bundle: %w", err)
	}

	r.current.Store(next)
	return Created, nil
}

// apply validates bundle against base and returns the resulting state.
func apply(base *state, bundle *Bundle) (*state, error) {
	next := base.clone()
	next.LastBundleID = bundle.BundleID

	// Enums first so same-bundle references resolve regardless of map
	// iteration order.
	for enumID, spec := range bundle.Enums {
		labels := next.Enums[enumID]
		if labels == nil {
			labels = make(map[uint32]string)
			next.Enums[enumID] = labels
		}
		for key, label := range spec {
			ordinal, err := parseTag(key)
			if err != nil {
				return nil, cxstore.Errf(cxstore.CodeMalformedRequest,
					"enum %s: %v", enumID, err)
			}
			labels[ordinal] = label
		}
	}

	for typeID, typeSpec := range bundle.Types {
		versions := next.Types[typeID]
		if versions == nil {
			versions = make(map[uint32]*Descriptor)
			next.Types[typeID] = versions
		}

		var storedMax uint32
		for version := range versions {
			if version > storedMax {
				storedMax = version
			}
		}

		// Validate versions in ascending order for deterministic
		// error reporting.
		ordered := make([]uint32, 0, len(typeSpec.Versions))
		parsed := make(map[uint32]VersionSpec, len(typeSpec.Versions))
		for key, versionSpec := range typeSpec.Versions {
			version, err := parseVersion(key)
			if err != nil {
				return nil, cxstore.Errf(cxstore.CodeMalformedRequest,
					"type %s: %v", typeID, err)
			}
			ordered = append(ordered, version)
			parsed[version] = versionSpec
		}
		sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

		for _, version := range ordered {
			versionSpec := parsed[version]
			if version < storedMax {
				if _, exists := versions[version]; !exists {
					return nil, cxstore.Errf(cxstore.CodeConflict,
						"type %s: version %d regresses below stored maximum %d",
						typeID, version, storedMax)
				}
			}

			desc := &Descriptor{
				TypeID:   typeID,
				Version:  version,
				Fields:   make(map[uint32]Field, len(versionSpec.Fields)),
				Renderer: versionSpec.Renderer,
			}
			for key, field := range versionSpec.Fields {
				tag, err := parseTag(key)
				if err != nil {
					return nil, cxstore.Errf(cxstore.CodeMalformedRequest,
						"type %s version %d: %v", typeID, version, err)
				}
				if field.EnumRef != "" {
					if _, ok := next.Enums[field.EnumRef]; !ok {
						return nil, cxstore.Errf(cxstore.CodeConflict,
							"type %s version %d tag %d: enum %q does not resolve",
							typeID, version, tag, field.EnumRef)
					}
				}
				desc.Fields[tag] = field
			}

			// Tag reuse across versions of this type must stay
			// shape-compatible.
			for otherVersion, other := range versions {
				if otherVersion == version {
					continue
				}
				for tag, field := range desc.Fields {
					prior, ok := other.Fields[tag]
					if !ok {
						continue
					}
					if !compatible(prior, field) {
						return nil, cxstore.Errf(cxstore.CodeConflict,
							"type %s: tag %d redeclared in version %d with incompatible shape (first declared in version %d as %s)",
							typeID, tag, version, otherVersion, prior.Type)
					}
				}
			}

			// Redeclaring an existing version must be compatible
			// field-by-field in both directions.
			if existing, ok := versions[version]; ok {
				for tag, field := range desc.Fields {
					if prior, ok := existing.Fields[tag]; ok && !compatible(prior, field) {
						return nil, cxstore.Errf(cxstore.CodeConflict,
							"type %s version %d: tag %d redeclared with incompatible shape",
							typeID, version, tag)
					}
				}
			}

			versions[version] = desc
		}
	}

	return next, nil
}

// GetType returns the descriptor for (typeID, version).
func (r *Registry) GetType(typeID string, version uint32) (*Descriptor, bool) {
	versions, ok := r.current.Load().Types[typeID]
	if !ok {
		return nil, false
	}
	desc, ok := versions[version]
	return desc, ok
}

// LatestVersion returns the highest stored version of typeID.
func (r *Registry) LatestVersion(typeID string) (uint32, bool) {
	versions, ok := r.current.Load().Types[typeID]
	if !ok || len(versions) == 0 {
		return 0, false
	}
	var max uint32
	for version := range versions {
		if version > max {
			max = version
		}
	}
	return max, true
}

// EnumLabel resolves an enum ordinal to its label.
func (r *Registry) EnumLabel(enumID string, ordinal uint32) (string, bool) {
	labels, ok := r.current.Load().Enums[enumID]
	if !ok {
		return "", false
	}
	label, ok := labels[ordinal]
	return label, ok
}

// GetBundle returns the raw stored JSON for bundleID.
func (r *Registry) GetBundle(bundleID string) ([]byte, bool) {
	var raw []byte
	r.db.View(func(tx *bolt.Tx) error {
		if stored := tx.Bucket(bucketBundles).Get([]byte(bundleID)); stored != nil {
			raw = append([]byte(nil), stored...)
		}
		return nil
	})
	return raw, raw != nil
}

// LastBundleID returns the id of the most recently accepted bundle.
func (r *Registry) LastBundleID() string {
	return r.current.Load().LastBundleID
}

// Renderers returns the renderer spec per type, taking the newest
// version that declares one.
func (r *Registry) Renderers() map[string]RendererSpec {
	renderers := make(map[string]RendererSpec)
	for typeID, versions := range r.current.Load().Types {
		ordered := make([]uint32, 0, len(versions))
		for version := range versions {
			ordered = append(ordered, version)
		}
		sort.Slice(ordered, func(i, j int) bool { return ordered[i] > ordered[j] })
		for _, version := range ordered {
			if renderer := versions[version].Renderer; renderer != nil {
				renderers[typeID] = *renderer
				break
			}
		}
	}
	return renderers
}

// TypeCount returns the number of distinct type ids (for the metrics
// snapshot).
func (r *Registry) TypeCount() int {
	return len(r.current.Load().Types)
}
