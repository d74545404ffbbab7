// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/cxdb-foundation/cxdb/lib/blobcas"
	"github.com/cxdb-foundation/cxdb/lib/cxstore"
	"github.com/cxdb-foundation/cxdb/lib/fstree"
)

// handleFsList lists directory entries of a turn's fs snapshot:
// GET /v1/turns/{id}/fs?path=...
func (g *Gateway) handleFsList(w http.ResponseWriter, r *http.Request) {
	turnID, root, ok := g.fsRootFor(w, r)
	if !ok {
		return
	}
	path := strings.Trim(r.URL.Query().Get("path"), "/")

	entries, err := g.walker.List(root, path)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, fsListing(turnID, path, root, entries))
}

// handleFsPath serves file content (or a directory listing) at a
// snapshot path: GET /v1/turns/{id}/fs/{path...}
func (g *Gateway) handleFsPath(w http.ResponseWriter, r *http.Request) {
	turnID, root, ok := g.fsRootFor(w, r)
	if !ok {
		return
	}
	path := strings.Trim(r.PathValue("path"), "/")
	if path == "" {
		g.writeError(w, cxstore.Errf(cxstore.CodeMalformedRequest, "empty file path"))
		return
	}

	content, entry, err := g.walker.ReadFile(root, path)
	if errors.Is(err, fstree.ErrIsDirectory) {
		entries, listErr := g.walker.List(root, path)
		if listErr != nil {
			g.writeError(w, listErr)
			return
		}
		g.writeJSON(w, http.StatusOK, fsListing(turnID, path, root, entries))
		return
	}
	if err != nil {
		g.writeError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "json" {
		g.writeJSON(w, http.StatusOK, map[string]any{
			"turn_id":        strconv.FormatUint(turnID, 10),
			"path":           path,
			"name":           entry.Name,
			"kind":           entry.Kind.String(),
			"mode":           fmt.Sprintf("%o", entry.Mode),
			"size":           entry.Size,
			"hash":           hex.EncodeToString(entry.Hash[:]),
			"content_base64": base64.StdEncoding.EncodeToString(content),
		})
		return
	}

	g.metrics.RecordHTTP(http.StatusOK)
	w.Header().Set("Content-Type", guessContentType(path))
	w.Header().Set("X-Fs-Hash", hex.EncodeToString(entry.Hash[:]))
	w.Header().Set("X-Fs-Mode", fmt.Sprintf("%o", entry.Mode))
	w.Write(content)
}

// fsRootFor resolves the turn id path segment and its attached fs
// root, writing the error response on failure.
func (g *Gateway) fsRootFor(w http.ResponseWriter, r *http.Request) (uint64, blobcas.Hash, bool) {
	turnID, err := strconv.ParseUint(r.PathValue("turnID"), 10, 64)
	if err != nil {
		g.writeError(w, cxstore.Errf(cxstore.CodeMalformedRequest, "invalid turn_id"))
		return 0, blobcas.Hash{}, false
	}
	root, ok := g.store.Turns.FsRoot(turnID)
	if !ok {
		g.writeError(w, cxstore.Errf(cxstore.CodeNotFound, "no fs snapshot for turn %d", turnID))
		return 0, blobcas.Hash{}, false
	}
	return turnID, root, true
}

func fsListing(turnID uint64, path string, root blobcas.Hash, entries []fstree.Entry) map[string]any {
	listing := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		listing = append(listing, map[string]any{
			"name": entry.Name,
			"kind": entry.Kind.String(),
			"mode": fmt.Sprintf("%o", entry.Mode),
			"size": entry.Size,
			"hash": hex.EncodeToString(entry.Hash[:]),
		})
	}
	return map[string]any{
		"turn_id":      strconv.FormatUint(turnID, 10),
		"path":         path,
		"fs_root_hash": hex.EncodeToString(root[:]),
		"entries":      listing,
	}
}

// guessContentType maps a file extension to a Content-Type for the
// raw fs view.
func guessContentType(path string) string {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return "application/octet-stream"
	}
	switch strings.ToLower(path[idx+1:]) {
	case "html", "htm":
		return "text/html"
	case "css":
		return "text/css"
	case "js":
		return "application/javascript"
	case "json":
		return "application/json"
	case "xml":
		return "application/xml"
	case "txt":
		return "text/plain"
	case "md":
		return "text/markdown"
	case "go":
		return "text/x-go"
	case "rs":
		return "text/x-rust"
	case "py":
		return "text/x-python"
	case "c", "h":
		return "text/x-c"
	case "cpp", "cc", "cxx", "hpp":
		return "text/x-c++"
	case "ts":
		return "text/typescript"
	case "tsx":
		return "text/typescript-jsx"
	case "jsx":
		return "text/javascript-jsx"
	case "yaml", "yml":
		return "text/yaml"
	case "toml":
		return "text/toml"
	case "sh", "bash":
		return "text/x-shellscript"
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "svg":
		return "image/svg+xml"
	case "webp":
		return "image/webp"
	case "pdf":
		return "application/pdf"
	case "zip":
		return "application/zip"
	case "tar":
		return "application/x-tar"
	case "gz":
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}
