package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"zeitgate.org/internal/auth"
)

// ownershipField is the document body field binding a time entry to its
// subject.
const ownershipField = "employeeId"

// deniedError is an authorization rejection, distinct from malformed input.
type deniedError struct {
	reason string
}

func (e *deniedError) Error() string { return e.reason }

func deny(reason string) error { return &deniedError{reason: reason} }

// plan is the request as it will be forwarded: method, query and body after
// any policy rewriting.
type plan struct {
	method    string
	segments  []string
	query     url.Values
	body      []byte
	rewritten bool
}

// authorize applies the per-operation ownership policy. Privileged roles
// pass through unmodified; the restricted role gets each operation shape
// either denied, rewritten to its own ownership scope, or checked against
// the ownership segment of the addressed document. The decision is made
// entirely from the verified subject and the request's own content, before
// any upstream call.
func authorize(sub auth.Subject, method string, segments []string, query url.Values, body []byte) (*plan, error) {
	pl := &plan{method: method, segments: segments, query: query, body: body}
	if sub.Role.Privileged() {
		return pl, nil
	}

	var sub1 string
	if len(segments) > 1 {
		sub1 = segments[1]
	}

	switch {
	case sub1 == "_all_docs":
		// A return-everything listing has no per-document filter and would
		// leak other subjects' documents.
		return nil, deny("bulk listing is not permitted")

	case sub1 == "_changes":
		return rewriteChanges(pl, sub)

	case sub1 == "_find":
		return rewriteFind(pl, sub)

	case sub1 == "_bulk_docs":
		return checkBulkDocs(pl, sub)

	case isPassthrough(sub1):
		// Checkpoints, revision diffs, bulk-get and design/local documents
		// carry no tenant-scoped business payload.
		return pl, nil

	case sub1 == "":
		if method == http.MethodGet || method == http.MethodHead {
			// Database metadata (update_seq etc.), needed by the
			// replication client.
			return pl, nil
		}
		return checkInsert(pl, sub)

	default:
		return checkSingleDoc(pl, sub, sub1)
	}
}

func isPassthrough(sub1 string) bool {
	switch sub1 {
	case "_revs_diff", "_bulk_get", "_ensure_full_commit", "_missing_revs",
		"_local", "_design", "_index":
		return true
	}
	return false
}

// rewriteChanges forces the change feed through a store-native selector so
// the caller's long-lived subscription only ever observes its own
// documents. Whatever filter the caller asked for is discarded; the feed is
// always forwarded as a POST selector filter.
func rewriteChanges(pl *plan, sub auth.Subject) (*plan, error) {
	doc := map[string]any{}
	if len(pl.body) > 0 {
		if err := json.Unmarshal(pl.body, &doc); err != nil {
			doc = map[string]any{}
		}
	}
	doc["selector"] = map[string]any{ownershipField: sub.ID}
	delete(doc, "doc_ids")

	body, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.New("cannot encode selector")
	}

	query := cloneValues(pl.query)
	query.Set("filter", "_selector")
	query.Del("doc_ids")
	query.Del("view")

	pl.method = http.MethodPost
	pl.query = query
	pl.body = body
	pl.rewritten = true
	return pl, nil
}

// rewriteFind merges an ownership clause into the caller's selector.
// Caller-supplied values for the ownership field are overridden, not
// honored, and re-applying the merge to an already-correct selector is a
// no-op.
func rewriteFind(pl *plan, sub auth.Subject) (*plan, error) {
	var query map[string]any
	if err := json.Unmarshal(pl.body, &query); err != nil || query == nil {
		return nil, errors.New("invalid find body")
	}
	selector, _ := query["selector"].(map[string]any)
	if selector == nil {
		selector = map[string]any{}
	}
	selector[ownershipField] = sub.ID
	query["selector"] = selector

	body, err := json.Marshal(query)
	if err != nil {
		return nil, errors.New("cannot encode selector")
	}
	pl.body = body
	pl.rewritten = true
	return pl, nil
}

// checkBulkDocs validates every element of the batch independently; one
// violating element voids the whole request so a partially valid batch is
// never forwarded.
func checkBulkDocs(pl *plan, sub auth.Subject) (*plan, error) {
	var parsed struct {
		Docs []map[string]any `json:"docs"`
	}
	if err := json.Unmarshal(pl.body, &parsed); err != nil || parsed.Docs == nil {
		return nil, errors.New("invalid bulk body")
	}
	for _, doc := range parsed.Docs {
		if err := checkDocOwnership(doc, sub); err != nil {
			return nil, err
		}
	}
	return pl, nil
}

// checkSingleDoc enforces the ownership segment of a per-id operation, and
// for writes also the ownership field of the payload.
func checkSingleDoc(pl *plan, sub auth.Subject, docID string) (*plan, error) {
	if OwnerOfDocID(docID) != sub.ID {
		return nil, deny("document not owned by caller")
	}
	if pl.method == http.MethodPut {
		var doc map[string]any
		if err := json.Unmarshal(pl.body, &doc); err != nil || doc == nil {
			return nil, deny("document body is not inspectable")
		}
		if owner, _ := doc[ownershipField].(string); owner != sub.ID {
			return nil, deny("document not owned by caller")
		}
	}
	return pl, nil
}

// checkInsert covers POST /<collection>: a direct insert must declare the
// caller's own ownership field, and any explicit id must carry the caller's
// ownership segment.
func checkInsert(pl *plan, sub auth.Subject) (*plan, error) {
	var doc map[string]any
	if err := json.Unmarshal(pl.body, &doc); err != nil || doc == nil {
		return nil, deny("document body is not inspectable")
	}
	if owner, _ := doc[ownershipField].(string); owner != sub.ID {
		return nil, deny("document not owned by caller")
	}
	if id, ok := doc["_id"].(string); ok && OwnerOfDocID(id) != sub.ID {
		return nil, deny("document not owned by caller")
	}
	return pl, nil
}

// checkDocOwnership validates one batch element: the id's ownership segment
// and the body's ownership field must both name the caller. A deletion
// tombstone may omit the body field; its id still has to match.
func checkDocOwnership(doc map[string]any, sub auth.Subject) error {
	id, _ := doc["_id"].(string)
	if id == "" || OwnerOfDocID(id) != sub.ID {
		return deny("batch contains a document not owned by caller")
	}
	owner, present := doc[ownershipField].(string)
	if present {
		if owner != sub.ID {
			return deny("batch contains a document not owned by caller")
		}
		return nil
	}
	if deleted, _ := doc["_deleted"].(bool); deleted {
		return nil
	}
	return deny("batch contains a document not owned by caller")
}

// OwnerOfDocID extracts the ownership segment from a document id of the
// form <kind>:<subjectID>:<suffix>. Ids without such a segment own nothing.
func OwnerOfDocID(id string) string {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) < 2 || parts[1] == "" {
		return ""
	}
	return parts[1]
}

func cloneValues(in url.Values) url.Values {
	out := make(url.Values, len(in))
	for k, vs := range in {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
