// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

// Package fstree reads filesystem snapshot trees out of the blob CAS.
//
// Snapshots follow a Git-like model built by clients: files are
// content-addressed blobs, directories are msgpack-encoded arrays of
// entries sorted by name, and the snapshot is identified by the root
// tree hash attached to a turn. The server stores tree and file blobs
// like any other blob and walks them on demand for the HTTP fs view —
// nothing is materialized at attach time.
package fstree

import (
	"errors"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cxdb-foundation/cxdb/lib/blobcas"
	"github.com/cxdb-foundation/cxdb/lib/cxstore"
)

// EntryKind indicates the type of a tree entry.
type EntryKind uint8

const (
	KindFile      EntryKind = 0
	KindDirectory EntryKind = 1
	KindSymlink   EntryKind = 2
)

// String returns the JSON name of a kind.
func (k EntryKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Entry is a single directory entry. The msgpack tags are the snapshot
// wire format shared with client SDKs; entries are sorted by name so
// tree hashing is deterministic regardless of enumeration order.
type Entry struct {
	// Name is the filename, without path separators.
	Name string `msgpack:"1" json:"name"`

	// Kind is file, directory, or symlink.
	Kind EntryKind `msgpack:"2" json:"kind"`

	// Mode holds POSIX permission bits; only the lower 12 bits are
	// used (no uid/gid, for portability).
	Mode uint32 `msgpack:"3" json:"mode"`

	// Size is the uncompressed size in bytes (files only).
	Size uint64 `msgpack:"4" json:"size"`

	// Hash addresses file content, a serialized subtree, or symlink
	// target bytes, depending on Kind.
	Hash [32]byte `msgpack:"5" json:"hash"`
}

// ErrIsDirectory is returned by ReadFile when the path names a
// directory; callers typically fall back to a listing.
var ErrIsDirectory = errors.New("path is a directory")

// DecodeTree parses a serialized tree object.
func DecodeTree(raw []byte) ([]Entry, error) {
	var entries []Entry
	if err := msgpack.Unmarshal(raw, &entries); err != nil {
		return nil, cxstore.Errf(cxstore.CodeDecodeError, "malformed tree object: %v", err)
	}
	return entries, nil
}

// EncodeTree serializes entries as a tree object, sorting by name.
// Used by fixtures and tests; production trees are built client-side.
func EncodeTree(entries []Entry) ([]byte, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return msgpack.Marshal(sorted)
}

// Walker resolves snapshot paths against the blob store.
type Walker struct {
	blobs *blobcas.Store
}

// NewWalker creates a Walker over blobs.
func NewWalker(blobs *blobcas.Store) *Walker {
	return &Walker{blobs: blobs}
}

// List returns the entries of the directory at path under root. An
// empty path lists the root tree. A missing tree blob resolves to a
// 404 for that path only.
func (w *Walker) List(root blobcas.Hash, path string) ([]Entry, error) {
	treeHash := root
	if path != "" {
		entry, err := w.resolve(root, path)
		if err != nil {
			return nil, err
		}
		if entry.Kind != KindDirectory {
			return nil, cxstore.Errf(cxstore.CodeMalformedRequest, "path %q is not a directory", path)
		}
		treeHash = entry.Hash
	}
	return w.loadTree(treeHash)
}

// ReadFile returns the content and entry for the file at path under
// root. Returns ErrIsDirectory when path names a directory.
func (w *Walker) ReadFile(root blobcas.Hash, path string) ([]byte, Entry, error) {
	entry, err := w.resolve(root, path)
	if err != nil {
		return nil, Entry{}, err
	}
	if entry.Kind == KindDirectory {
		return nil, entry, ErrIsDirectory
	}
	content, err := w.blobs.GetRaw(entry.Hash)
	if err != nil {
		if errors.Is(err, blobcas.ErrNotFound) {
			return nil, Entry{}, cxstore.Errf(cxstore.CodeNotFound, "content for %q not uploaded", path)
		}
		return nil, Entry{}, cxstore.Errf(cxstore.CodeDecodeError, "reading content for %q: %v", path, err)
	}
	return content, entry, nil
}

// resolve walks path components from root and returns the final entry.
func (w *Walker) resolve(root blobcas.Hash, path string) (Entry, error) {
	components := strings.Split(strings.Trim(path, "/"), "/")
	current := root
	var entry Entry
	for i, component := range components {
		if component == "" {
			return Entry{}, cxstore.Errf(cxstore.CodeMalformedRequest, "empty path component in %q", path)
		}
		entries, err := w.loadTree(current)
		if err != nil {
			return Entry{}, err
		}
		found := false
		for _, candidate := range entries {
			if candidate.Name == component {
				entry = candidate
				found = true
				break
			}
		}
		if !found {
			return Entry{}, cxstore.Errf(cxstore.CodeNotFound, "path %q not found", path)
		}
		if i < len(components)-1 {
			if entry.Kind != KindDirectory {
				return Entry{}, cxstore.Errf(cxstore.CodeNotFound, "path %q crosses a non-directory", path)
			}
			current = entry.Hash
		}
	}
	return entry, nil
}

func (w *Walker) loadTree(hash blobcas.Hash) ([]Entry, error) {
	raw, err := w.blobs.GetRaw(hash)
	if err != nil {
		if errors.Is(err, blobcas.ErrNotFound) {
			return nil, cxstore.Errf(cxstore.CodeNotFound, "tree object %s not uploaded", blobcas.FormatHash(hash))
		}
		return nil, cxstore.Errf(cxstore.CodeDecodeError, "reading tree object: %v", err)
	}
	return DecodeTree(raw)
}
