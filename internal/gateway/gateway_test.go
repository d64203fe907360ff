package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"zeitgate.org/internal/audit"
	"zeitgate.org/internal/auth"
)

type staticVerifier struct {
	subjects map[string]auth.Subject
}

func (v *staticVerifier) VerifyAccess(token string) (auth.Subject, error) {
	sub, ok := v.subjects[token]
	if !ok {
		return auth.Subject{}, auth.ErrInvalidToken
	}
	return sub, nil
}

// upstreamCapture is a fake document store that records every request it
// receives.
type upstreamCapture struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	respBody string
}

type capturedRequest struct {
	method string
	path   string
	query  url.Values
	header http.Header
	body   []byte
}

func (u *upstreamCapture) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.requests = append(u.requests, capturedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.Query(),
			header: r.Header.Clone(),
			body:   body,
		})
		u.mu.Unlock()
		status := u.status
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("X-Couch-Request-Id", "req-1")
		w.WriteHeader(status)
		if u.respBody != "" {
			_, _ = w.Write([]byte(u.respBody))
		}
	})
}

func (u *upstreamCapture) calls() []capturedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]capturedRequest, len(u.requests))
	copy(out, u.requests)
	return out
}

type memRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *memRecorder) Record(_ context.Context, ev *audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *ev)
	return nil
}

func (r *memRecorder) list() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Event, len(r.events))
	copy(out, r.events)
	return out
}

var (
	employee = auth.Subject{ID: "u1", Email: "worker@example.com", Role: auth.RoleEmployee}
	reviewer = auth.Subject{ID: "r1", Email: "reviewer@example.com", Role: auth.RoleReviewer}
)

func newTestGateway(t *testing.T, upstream *upstreamCapture) (*Gateway, *memRecorder, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(upstream.handler())
	t.Cleanup(server.Close)

	storeURL, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse store url: %v", err)
	}
	rec := &memRecorder{}
	gw, err := New(Config{
		Verifier: &staticVerifier{subjects: map[string]auth.Subject{
			"employee-token": employee,
			"reviewer-token": reviewer,
		}},
		StoreURL:        storeURL,
		StoreCredential: "Basic c2VydmljZTpzZWNyZXQ=",
		Collection:      "times",
		Audit:           audit.NewFilter(rec, "times"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return gw, rec, server
}

func doRequest(gw *Gateway, method, target, token, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)
	return rr
}

func TestMissingBearerShortCircuits(t *testing.T) {
	upstream := &upstreamCapture{}
	gw, rec, _ := newTestGateway(t, upstream)

	for _, token := range []string{"", "garbage"} {
		rr := doRequest(gw, http.MethodGet, "/times/entry:u1:d:x", token, "")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: status %d, want 401", token, rr.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("error body not JSON: %v", err)
		}
		if body["error"] != "unauthorized" || body["reason"] == "" {
			t.Fatalf("unexpected error body: %v", body)
		}
	}
	if calls := upstream.calls(); len(calls) != 0 {
		t.Fatalf("upstream was reached %d times on rejected requests", len(calls))
	}
	if evs := rec.list(); len(evs) != 0 {
		t.Fatalf("audit recorded %d events for rejected requests", len(evs))
	}
}

func TestOptionsIsPreflightNoOp(t *testing.T) {
	upstream := &upstreamCapture{}
	gw, _, _ := newTestGateway(t, upstream)

	rr := doRequest(gw, http.MethodOptions, "/times/_changes", "", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status %d, want 204", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("OPTIONS responded with a body: %q", rr.Body.String())
	}
	if len(upstream.calls()) != 0 {
		t.Fatal("OPTIONS reached the upstream")
	}
}

func TestForeignCollectionIsForbiddenForEveryRole(t *testing.T) {
	upstream := &upstreamCapture{}
	gw, _, _ := newTestGateway(t, upstream)

	for _, token := range []string{"employee-token", "reviewer-token"} {
		rr := doRequest(gw, http.MethodGet, "/users/someone", token, "")
		if rr.Code != http.StatusForbidden {
			t.Fatalf("token %q: status %d, want 403", token, rr.Code)
		}
	}
	if len(upstream.calls()) != 0 {
		t.Fatal("disallowed collection reached the upstream")
	}
}

func TestBulkListingForbiddenForRestrictedRole(t *testing.T) {
	upstream := &upstreamCapture{}
	gw, _, _ := newTestGateway(t, upstream)

	rr := doRequest(gw, http.MethodGet, "/times/_all_docs?include_docs=true", "employee-token", "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", rr.Code)
	}
	if len(upstream.calls()) != 0 {
		t.Fatal("_all_docs reached the upstream")
	}

	// Privileged roles keep the unfiltered listing.
	rr = doRequest(gw, http.MethodGet, "/times/_all_docs", "reviewer-token", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("reviewer listing status %d, want 200", rr.Code)
	}
}

func TestChangesFeedIsRewrittenToOwnSelector(t *testing.T) {
	upstream := &upstreamCapture{}
	gw, _, _ := newTestGateway(t, upstream)

	rr := doRequest(gw, http.MethodGet, "/times/_changes?feed=longpoll&since=0&filter=_doc_ids&doc_ids=%5B%22entry:other:d:x%22%5D", "employee-token", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rr.Code)
	}

	calls := upstream.calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 upstream call, got %d", len(calls))
	}
	call := calls[0]
	if call.method != http.MethodPost {
		t.Fatalf("feed forwarded as %s, want POST", call.method)
	}
	if got := call.query.Get("filter"); got != "_selector" {
		t.Fatalf("filter %q, want _selector", got)
	}
	if call.query.Get("doc_ids") != "" {
		t.Fatal("caller-supplied doc_ids survived the rewrite")
	}
	if got := call.query.Get("feed"); got != "longpoll" {
		t.Fatalf("feed parameter lost: %q", got)
	}
	var body map[string]any
	if err := json.Unmarshal(call.body, &body); err != nil {
		t.Fatalf("rewritten body not JSON: %v", err)
	}
	selector, _ := body["selector"].(map[string]any)
	if selector["employeeId"] != "u1" {
		t.Fatalf("selector %v does not scope to caller", body["selector"])
	}
}

func TestFindSelectorMergeOverridesCaller(t *testing.T) {
	upstream := &upstreamCapture{}
	gw, _, _ := newTestGateway(t, upstream)

	// The caller tries to query someone else's documents.
	reqBody := `{"selector":{"employeeId":"victim","date":{"$gte":"2024-01-01"}},"limit":50}`
	rr := doRequest(gw, http.MethodPost, "/times/_find", "employee-token", reqBody)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rr.Code)
	}

	call := upstream.calls()[0]
	var body map[string]any
	if err := json.Unmarshal(call.body, &body); err != nil {
		t.Fatalf("forwarded body not JSON: %v", err)
	}
	selector := body["selector"].(map[string]any)
	if selector["employeeId"] != "u1" {
		t.Fatalf("ownership clause not overridden: %v", selector)
	}
	if _, ok := selector["date"]; !ok {
		t.Fatal("caller's other clauses were dropped")
	}
	if body["limit"] != float64(50) {
		t.Fatalf("limit not preserved: %v", body["limit"])
	}
}

func TestFindMergeIsIdempotent(t *testing.T) {
	body := []byte(`{"selector":{"employeeId":"u1","date":"2024-01-02"}}`)
	pl, err := authorize(employee, http.MethodPost, []string{"times", "_find"}, url.Values{}, body)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	again, err := authorize(employee, http.MethodPost, []string{"times", "_find"}, url.Values{}, pl.body)
	if err != nil {
		t.Fatalf("authorize twice: %v", err)
	}

	var first, second map[string]any
	if err := json.Unmarshal(pl.body, &first); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(again.body, &second); err != nil {
		t.Fatal(err)
	}
	if first["selector"].(map[string]any)["employeeId"] != "u1" {
		t.Fatalf("merge result wrong: %v", first)
	}
	firstJSON, _ := json.Marshal(first)
	secondJSON, _ := json.Marshal(second)
	if string(firstJSON) != string(secondJSON) {
		t.Fatalf("re-merge changed the query: %s vs %s", firstJSON, secondJSON)
	}
}

func TestPoisonedBulkWriteIsRejectedInFull(t *testing.T) {
	upstream := &upstreamCapture{}
	gw, rec, _ := newTestGateway(t, upstream)

	body := `{"docs":[
		{"_id":"entry:u1:2024-01-01:a","type":"time_entry","employeeId":"u1"},
		{"_id":"entry:u1:2024-01-02:b","type":"time_entry","employeeId":"u1"},
		{"_id":"entry:other:2024-01-03:c","type":"time_entry","employeeId":"other"}
	]}`
	rr := doRequest(gw, http.MethodPost, "/times/_bulk_docs", "employee-token", body)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", rr.Code)
	}
	if len(upstream.calls()) != 0 {
		t.Fatal("upstream received elements from a voided batch")
	}
	if len(rec.list()) != 0 {
		t.Fatal("audit recorded an event for a rejected batch")
	}
}

func TestBulkWriteSpoofedOwnershipFieldIsRejected(t *testing.T) {
	upstream := &upstreamCapture{}
	gw, _, _ := newTestGateway(t, upstream)

	// Id segment matches the caller but the payload claims another owner.
	body := `{"docs":[{"_id":"entry:u1:2024-01-01:a","type":"time_entry","employeeId":"other"}]}`
	rr := doRequest(gw, http.MethodPost, "/times/_bulk_docs", "employee-token", body)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", rr.Code)
	}
}

func TestOwnedBulkWriteForwardsAndAudits(t *testing.T) {
	upstream := &upstreamCapture{status: http.StatusCreated}
	gw, rec, _ := newTestGateway(t, upstream)

	body := `{"docs":[
		{"_id":"entry:u1:2024-01-01:a","type":"time_entry","employeeId":"u1"},
		{"_id":"entry:u1:2024-01-02:b","_rev":"3-abc","_deleted":true}
	]}`
	rr := doRequest(gw, http.MethodPost, "/times/_bulk_docs", "employee-token", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status %d, want 201", rr.Code)
	}
	if len(upstream.calls()) != 1 {
		t.Fatalf("expected 1 upstream call, got %d", len(upstream.calls()))
	}
	evs := rec.list()
	if len(evs) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(evs))
	}
	if evs[0].Meta["count"] != 1 {
		t.Fatalf("audited count %v, want 1 (tombstone has no payload type)", evs[0].Meta["count"])
	}
	if evs[0].Meta["status"] != 201 {
		t.Fatalf("audited status %v, want 201", evs[0].Meta["status"])
	}
}

func TestSingleDocOwnership(t *testing.T) {
	upstream := &upstreamCapture{status: http.StatusCreated}
	gw, rec, _ := newTestGateway(t, upstream)

	owned := `{"_id":"entry:u1:2024-01-02:x","type":"time_entry","employeeId":"u1","date":"2024-01-02"}`
	rr := doRequest(gw, http.MethodPut, "/times/entry:u1:2024-01-02:x", "employee-token", owned)
	if rr.Code != http.StatusCreated {
		t.Fatalf("owned put: status %d, want 201", rr.Code)
	}
	if len(rec.list()) != 1 {
		t.Fatalf("owned put: expected 1 audit event, got %d", len(rec.list()))
	}

	// Foreign id segment.
	rr = doRequest(gw, http.MethodPut, "/times/entry:other:2024-01-02:x", "employee-token", owned)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("foreign id: status %d, want 403", rr.Code)
	}

	// Own id, foreign payload.
	spoofed := `{"_id":"entry:u1:2024-01-02:x","type":"time_entry","employeeId":"other"}`
	rr = doRequest(gw, http.MethodPut, "/times/entry:u1:2024-01-02:x", "employee-token", spoofed)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("spoofed payload: status %d, want 403", rr.Code)
	}

	// Reads are checked on the id alone.
	rr = doRequest(gw, http.MethodGet, "/times/entry:other:2024-01-02:x", "employee-token", "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("foreign get: status %d, want 403", rr.Code)
	}

	if got := len(upstream.calls()); got != 1 {
		t.Fatalf("upstream calls %d, want 1 (only the owned put)", got)
	}
	if got := len(rec.list()); got != 1 {
		t.Fatalf("audit events %d, want 1 (rejections are not audited)", got)
	}
}

func TestBookkeepingPathsPassThrough(t *testing.T) {
	upstream := &upstreamCapture{}
	gw, rec, _ := newTestGateway(t, upstream)

	paths := []struct {
		method string
		target string
	}{
		{http.MethodGet, "/times"},
		{http.MethodPost, "/times/_revs_diff"},
		{http.MethodPost, "/times/_bulk_get"},
		{http.MethodPut, "/times/_local/checkpoint-1"},
		{http.MethodGet, "/times/_design/sync"},
	}
	for _, p := range paths {
		rr := doRequest(gw, p.method, p.target, "employee-token", `{"x":1}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s %s: status %d, want 200", p.method, p.target, rr.Code)
		}
	}
	if got := len(upstream.calls()); got != len(paths) {
		t.Fatalf("upstream calls %d, want %d", got, len(paths))
	}
	if len(rec.list()) != 0 {
		t.Fatalf("bookkeeping writes were audited: %d events", len(rec.list()))
	}
}

func TestHeaderSanitation(t *testing.T) {
	upstream := &upstreamCapture{}
	gw, _, _ := newTestGateway(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/times/entry:u1:d:x", nil)
	req.Header.Set("Authorization", "Bearer employee-token")
	req.Header.Set("Proxy-Authorization", "Basic leak")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("X-Requested-With", "sync-client")
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}

	call := upstream.calls()[0]
	if got := call.header.Get("Authorization"); got != "Basic c2VydmljZTpzZWNyZXQ=" {
		t.Fatalf("caller credential reached the store: %q", got)
	}
	if call.header.Get("Proxy-Authorization") != "" {
		t.Fatal("Proxy-Authorization reached the store")
	}
	if call.header.Get("X-Requested-With") != "sync-client" {
		t.Fatal("end-to-end header was dropped")
	}

	// Upstream response headers reach the caller.
	if rr.Header().Get("X-Couch-Request-Id") != "req-1" {
		t.Fatal("upstream header was not relayed")
	}
}

func TestUpstreamStatusPassesThrough(t *testing.T) {
	upstream := &upstreamCapture{status: http.StatusConflict, respBody: `{"error":"conflict","reason":"Document update conflict."}`}
	gw, rec, _ := newTestGateway(t, upstream)

	body := `{"_id":"entry:u1:2024-01-02:x","type":"time_entry","employeeId":"u1"}`
	rr := doRequest(gw, http.MethodPut, "/times/entry:u1:2024-01-02:x", "employee-token", body)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409 passed through", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Document update conflict.") {
		t.Fatalf("conflict body mangled: %q", rr.Body.String())
	}
	evs := rec.list()
	if len(evs) != 1 || evs[0].Meta["status"] != 409 {
		t.Fatalf("write attempt not audited with upstream status: %+v", evs)
	}
}

func TestOwnerOfDocID(t *testing.T) {
	cases := map[string]string{
		"entry:u1:2024-01-02:abc": "u1",
		"entry:u1":                "u1",
		"entry":                   "",
		"":                        "",
		"entry::x":                "",
	}
	for id, want := range cases {
		if got := OwnerOfDocID(id); got != want {
			t.Fatalf("OwnerOfDocID(%q)=%q, want %q", id, got, want)
		}
	}
}

func TestVerifierErrorsMapTo401(t *testing.T) {
	gw, _, _ := newTestGateway(t, &upstreamCapture{})
	rr := doRequest(gw, http.MethodGet, "/times/x:u1:y", "expired-token", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body["reason"] != "invalid token" {
		t.Fatalf("reason %q, want %q", body["reason"], "invalid token")
	}
}

func TestWriteErrorEncodesReasonSafely(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, http.StatusForbidden, "forbidden", `collection "ti\mes" not allowed`)
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not valid JSON: %v (%s)", err, rr.Body.String())
	}
	if body["error"] != "forbidden" || body["reason"] != `collection "ti\mes" not allowed` {
		t.Fatalf("body = %v", body)
	}
}
