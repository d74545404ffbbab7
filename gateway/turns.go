// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"

	"github.com/cxdb-foundation/cxdb/lib/cxstore"
	"github.com/cxdb-foundation/cxdb/lib/projection"
)

// handleTurns is the main read view: GET /v1/contexts/{id}/turns with
// paging cursors, the typed/raw/both views, and the full set of
// rendering options.
func (g *Gateway) handleTurns(w http.ResponseWriter, r *http.Request) {
	contextID, err := strconv.ParseUint(r.PathValue("contextID"), 10, 64)
	if err != nil {
		g.writeError(w, cxstore.Errf(cxstore.CodeMalformedRequest, "invalid context_id"))
		return
	}

	query := r.URL.Query()
	limit := queryInt(r, "limit", 64)
	beforeTurnID := queryUint64(r, "before_turn_id")
	view := query.Get("view")
	if view == "" {
		view = "typed"
	}
	switch view {
	case "typed", "raw", "both":
	default:
		g.writeError(w, cxstore.Errf(cxstore.CodeMalformedRequest, "invalid view %q", view))
		return
	}
	hintMode := query.Get("type_hint_mode")
	if hintMode == "" {
		hintMode = "inherit"
	}
	switch hintMode {
	case "inherit", "latest", "explicit":
	default:
		g.writeError(w, cxstore.Errf(cxstore.CodeMalformedRequest, "invalid type_hint_mode %q", hintMode))
		return
	}

	options := projection.Options{
		Bytes:          projection.ParseBytesRender(query.Get("bytes_render")),
		U64:            projection.ParseU64Format(query.Get("u64_format")),
		Enum:           projection.ParseEnumRender(query.Get("enum_render")),
		Time:           projection.ParseTimeRender(query.Get("time_render")),
		IncludeUnknown: query.Get("include_unknown") == "1",
	}

	head, err := g.store.GetHead(contextID)
	if err != nil {
		g.writeError(w, err)
		return
	}

	var views []cxstore.TurnView
	if beforeTurnID == 0 {
		views, err = g.store.GetLast(contextID, limit, true)
	} else {
		views, err = g.store.GetBefore(contextID, beforeTurnID, limit, true)
	}
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.metrics.RecordRead()

	turns := make([]map[string]any, 0, len(views))
	for _, turn := range views {
		entry := map[string]any{
			"turn_id":        strconv.FormatUint(turn.Record.TurnID, 10),
			"parent_turn_id": strconv.FormatUint(turn.Record.ParentTurnID, 10),
			"depth":          turn.Record.Depth,
			"declared_type": map[string]any{
				"type_id":      turn.Meta.DeclaredTypeID,
				"type_version": turn.Meta.DeclaredTypeVersion,
			},
		}

		if view == "typed" || view == "both" {
			if err := g.projectInto(entry, turn, hintMode, query.Get("as_type_id"), query.Get("as_type_version"), options); err != nil {
				g.writeError(w, err)
				return
			}
		}
		if view == "raw" || view == "both" {
			rawInto(entry, turn, options)
		}
		turns = append(turns, entry)
	}

	var nextBefore any
	if len(views) > 0 {
		nextBefore = strconv.FormatUint(views[0].Record.TurnID, 10)
	}

	g.writeJSON(w, http.StatusOK, map[string]any{
		"meta": map[string]any{
			"context_id":         strconv.FormatUint(contextID, 10),
			"head_turn_id":       strconv.FormatUint(head.HeadTurnID, 10),
			"head_depth":         head.HeadDepth,
			"registry_bundle_id": g.registry.LastBundleID(),
		},
		"turns":               turns,
		"next_before_turn_id": nextBefore,
	})
}

// projectInto resolves the descriptor per the hint mode and adds the
// decoded_as / data / unknown keys.
func (g *Gateway) projectInto(entry map[string]any, turn cxstore.TurnView,
	hintMode, asTypeID, asTypeVersion string, options projection.Options) error {

	typeID := turn.Meta.DeclaredTypeID
	version := turn.Meta.DeclaredTypeVersion

	switch hintMode {
	case "explicit":
		if asTypeID == "" || asTypeVersion == "" {
			return cxstore.Errf(cxstore.CodeMalformedRequest,
				"as_type_id and as_type_version required for explicit hint mode")
		}
		if asTypeID != typeID {
			return cxstore.Errf(cxstore.CodeMalformedRequest,
				"as_type_id %q does not match declared type %q", asTypeID, typeID)
		}
		parsed, err := strconv.ParseUint(asTypeVersion, 10, 32)
		if err != nil {
			return cxstore.Errf(cxstore.CodeMalformedRequest, "invalid as_type_version")
		}
		version = uint32(parsed)
	case "latest":
		latest, ok := g.registry.LatestVersion(typeID)
		if !ok {
			return cxstore.Errf(cxstore.CodeFailedDependency,
				"no descriptor for type %s", typeID)
		}
		version = latest
	default:
		if typeID == "" {
			return cxstore.Errf(cxstore.CodeMalformedRequest,
				"turn %d has no declared type; use view=raw", turn.Record.TurnID)
		}
	}

	desc, ok := g.registry.GetType(typeID, version)
	if !ok {
		return cxstore.Errf(cxstore.CodeFailedDependency,
			"descriptor %s version %d unavailable", typeID, version)
	}

	result, err := projection.Project(turn.Payload, desc, g.registry, options)
	if err != nil {
		return err
	}

	entry["decoded_as"] = map[string]any{
		"type_id":      typeID,
		"type_version": version,
	}
	entry["data"] = result.Data
	if result.Unknown != nil {
		entry["unknown"] = result.Unknown
	}
	return nil
}

// rawInto adds the raw-view keys: hash, wire parameters, and the
// payload bytes rendered per bytes_render.
func rawInto(entry map[string]any, turn cxstore.TurnView, options projection.Options) {
	entry["content_hash_b3"] = hex.EncodeToString(turn.Record.PayloadHash[:])
	entry["encoding"] = turn.Meta.Encoding
	entry["compression"] = 0
	entry["uncompressed_len"] = len(turn.Payload)

	switch options.Bytes {
	case projection.BytesHex:
		entry["bytes_hex"] = hex.EncodeToString(turn.Payload)
	case projection.BytesLenOnly:
		entry["bytes_len"] = len(turn.Payload)
	default:
		entry["bytes_b64"] = base64.StdEncoding.EncodeToString(turn.Payload)
	}
}

