package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"zeitgate.org/internal/auth"
	"zeitgate.org/internal/obs"
)

// timeEntryType is the payload type of the one business document the
// tracker replicates.
const timeEntryType = "time_entry"

// previewCap bounds the id preview stored for bulk writes so a large batch
// cannot inflate the event.
const previewCap = 10

// Filter turns raw write traffic on the tenant collection into audit
// events. Protocol bookkeeping paths never qualify; they carry no business
// payload and would only add noise.
type Filter struct {
	rec        Recorder
	collection string
	now        func() time.Time
}

// NewFilter builds a filter recording through rec for the given collection.
func NewFilter(rec Recorder, collection string) *Filter {
	return &Filter{rec: rec, collection: collection, now: time.Now}
}

// writeShape is the tagged classification of an observed write body. An
// unrecognized shape is a safe no-op, never an error.
type writeShape struct {
	kind  shapeKind
	docID string
	docs  []map[string]any
	doc   map[string]any
}

type shapeKind int

const (
	shapeUnrecognized shapeKind = iota
	shapeBulk
	shapeSinglePut
	shapeSingleDelete
	shapeInsert
)

// MaybeRecord records at most one event for the observed call. It is
// invoked after the upstream call completed, with the resulting status, and
// records qualifying attempts regardless of that status. A recording
// failure is logged and dropped; it never surfaces to the caller.
func (f *Filter) MaybeRecord(ctx context.Context, method string, segments []string, status int, actor auth.Subject, body []byte) {
	shape := f.classify(method, segments, body)
	if shape.kind == shapeUnrecognized {
		return
	}

	ev := &Event{
		Timestamp:  f.now().UTC(),
		ActorID:    actor.ID,
		ActorEmail: actor.Email,
	}

	switch shape.kind {
	case shapeBulk:
		entries := make([]map[string]any, 0, len(shape.docs))
		for _, doc := range shape.docs {
			if doc["type"] == timeEntryType {
				entries = append(entries, doc)
			}
		}
		if len(entries) == 0 {
			return
		}
		ids := make([]string, 0, previewCap)
		for _, doc := range entries {
			if len(ids) == previewCap {
				break
			}
			if id, ok := doc["_id"].(string); ok && id != "" {
				ids = append(ids, id)
			}
		}
		ev.Type = EventTimesWrite
		ev.Meta = map[string]any{
			"method": method,
			"path":   "/" + f.collection + "/_bulk_docs",
			"status": status,
			"count":  len(entries),
			"ids":    ids,
		}

	case shapeSinglePut:
		ev.Type = EventTimesWrite
		ev.Meta = map[string]any{
			"method": method,
			"path":   "/" + f.collection + "/" + shape.docID,
			"status": status,
			"id":     shape.docID,
		}

	case shapeSingleDelete:
		ev.Type = EventTimesDelete
		ev.Meta = map[string]any{
			"method": method,
			"path":   "/" + f.collection + "/" + shape.docID,
			"status": status,
			"id":     shape.docID,
		}

	case shapeInsert:
		ev.Type = EventTimesWrite
		ev.Meta = map[string]any{
			"method": method,
			"path":   "/" + f.collection,
			"status": status,
		}
	}

	if err := f.rec.Record(ctx, ev); err != nil {
		obs.Warn("audit event dropped", map[string]any{
			"event": ev.Type,
			"actor": actor.ID,
			"error": err.Error(),
		})
	}
}

func (f *Filter) classify(method string, segments []string, body []byte) writeShape {
	if method != "POST" && method != "PUT" && method != "DELETE" {
		return writeShape{}
	}
	if len(segments) == 0 || segments[0] != f.collection {
		return writeShape{}
	}
	var sub string
	if len(segments) > 1 {
		sub = segments[1]
	}
	if isBookkeeping(sub) {
		return writeShape{}
	}

	if sub == "_bulk_docs" {
		var parsed struct {
			Docs []map[string]any `json:"docs"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Docs) == 0 {
			return writeShape{}
		}
		return writeShape{kind: shapeBulk, docs: parsed.Docs}
	}

	if method == "PUT" && sub != "" && !strings.HasPrefix(sub, "_") {
		doc := parseDoc(body)
		if doc == nil || doc["type"] != timeEntryType {
			return writeShape{}
		}
		return writeShape{kind: shapeSinglePut, docID: sub, doc: doc}
	}

	if method == "DELETE" && sub != "" && !strings.HasPrefix(sub, "_") {
		return writeShape{kind: shapeSingleDelete, docID: sub}
	}

	// Direct insert without an explicit id; rare with a replicating client
	// but business-relevant when it happens.
	if method == "POST" && len(segments) == 1 {
		doc := parseDoc(body)
		if doc == nil || doc["type"] != timeEntryType {
			return writeShape{}
		}
		return writeShape{kind: shapeInsert, doc: doc}
	}

	return writeShape{}
}

// isBookkeeping marks the replication/checkpoint helper endpoints.
func isBookkeeping(sub string) bool {
	switch sub {
	case "_revs_diff", "_changes", "_bulk_get", "_design", "_local",
		"_ensure_full_commit", "_missing_revs", "_all_docs", "_find", "_index":
		return true
	}
	return false
}

func parseDoc(body []byte) map[string]any {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil
	}
	return doc
}
