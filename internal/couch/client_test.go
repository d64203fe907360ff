package couch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"zeitgate.org/internal/obs"
)

func TestNewClientRejectsBadURLs(t *testing.T) {
	for _, raw := range []string{"", "not a url", "localhost:5984"} {
		if _, err := NewClient(raw, "svc", "secret"); err == nil {
			t.Errorf("NewClient(%q) accepted an invalid base url", raw)
		}
	}
}

func TestClientSendsServiceCredential(t *testing.T) {
	var gotAuth, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "svc", "secret")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	// base64("svc:secret")
	if gotAuth != "Basic c3ZjOnNlY3JldA==" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotAccept != "application/json" {
		t.Fatalf("Accept = %q", gotAccept)
	}
	if c.Credential() != gotAuth {
		t.Fatal("Credential() should match the header the client sends")
	}
}

func TestPutReturnsRevAndMapsConflicts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/fresh":
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{"ok": true, "id": "fresh", "rev": "1-abc"})
		case "/users/stale":
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]any{"error": "conflict", "reason": "Document update conflict."})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "svc", "secret")
	ctx := context.Background()

	rev, err := c.Put(ctx, "users", "fresh", map[string]any{"email": "a@b.c"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if rev != "1-abc" {
		t.Fatalf("rev = %q", rev)
	}

	_, err = c.Put(ctx, "users", "stale", map[string]any{"email": "a@b.c"})
	if !IsStatus(err, http.StatusConflict) {
		t.Fatalf("err = %v, want 409 StatusError", err)
	}
	if got := err.Error(); got != "couch: status 409: Document update conflict." {
		t.Fatalf("message = %q", got)
	}
}

func TestFindDecodesDocs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/times/_find" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var q FindQuery
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			t.Errorf("decode query: %v", err)
		}
		if q.Selector["employeeId"] != "u1" || q.Limit != 5 {
			t.Errorf("query = %+v", q)
		}
		w.Write([]byte(`{"docs":[{"date":"2026-08-27"},{"date":"2026-08-28"}]}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "svc", "secret")
	var docs []struct {
		Date string `json:"date"`
	}
	query := FindQuery{Selector: map[string]any{"employeeId": "u1"}, Limit: 5}
	if err := c.Find(context.Background(), "times", query, &docs); err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(docs) != 2 || docs[1].Date != "2026-08-28" {
		t.Fatalf("docs = %+v", docs)
	}
}

func TestEnsureCreatesMissingDatabasesOnly(t *testing.T) {
	var created []string
	var indexed []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/_all_dbs":
			w.Write([]byte(`["users","_replicator"]`))
		case r.Method == http.MethodPut:
			created = append(created, r.URL.Path)
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"ok":true}`))
		case r.Method == http.MethodPost:
			indexed = append(indexed, r.URL.Path)
			w.Write([]byte(`{"result":"created"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "svc", "secret")
	dbs := Databases{Times: "times", Users: "users", Audit: "audit"}
	if err := c.Ensure(context.Background(), dbs); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(created) != 2 || created[0] != "/times" || created[1] != "/audit" {
		t.Fatalf("created = %v, want times and audit only", created)
	}
	if len(indexed) != 4 {
		t.Fatalf("indexes = %v", indexed)
	}
}

func TestEnsureLogsFailedIndexes(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/_all_dbs":
			w.Write([]byte(`["times","users","audit"]`))
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]any{"error": "error", "reason": "indexer crashed"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "svc", "secret")
	dbs := Databases{Times: "times", Users: "users", Audit: "audit"}
	if err := c.Ensure(context.Background(), dbs); err != nil {
		t.Fatalf("index failures must stay non-fatal, got %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("warn lines = %d, want one per index: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected a JSON warn line, got %q", lines[0])
	}
	if entry["msg"] != "index creation failed" || entry["db"] != "users" {
		t.Fatalf("unexpected log line: %v", entry)
	}
}
