// Package gateway implements the authenticated replication proxy between
// untrusted browser-side replication clients and the shared document store.
//
// Every request runs the same gate sequence: authenticate, check the
// collection allow-list, apply the per-operation ownership policy, forward
// with the store's own service credential, audit, respond. Each gate fails
// closed: once a gate rejects, no upstream call is made.
package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"zeitgate.org/internal/audit"
	"zeitgate.org/internal/auth"
	"zeitgate.org/internal/obs"
)

// TokenVerifier validates a bearer credential and returns the subject it
// names.
type TokenVerifier interface {
	VerifyAccess(token string) (auth.Subject, error)
}

// Config wires a Gateway.
type Config struct {
	Verifier TokenVerifier
	// StoreURL is the document store base URL.
	StoreURL *url.URL
	// StoreCredential is the Authorization header value of the store's
	// service account. Caller credentials never reach the store.
	StoreCredential string
	// Collection is the single collection reachable through the gateway.
	Collection string
	// Audit receives the observed write traffic after forwarding.
	Audit *audit.Filter
	// Client overrides the upstream HTTP client (tests).
	Client *http.Client
}

// Gateway is an http.Handler serving /<collection>/...
type Gateway struct {
	verifier   TokenVerifier
	storeURL   *url.URL
	credential string
	collection string
	audit      *audit.Filter
	client     *http.Client
}

// New validates the configuration and builds the gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("gateway: verifier is required")
	}
	if cfg.StoreURL == nil {
		return nil, errors.New("gateway: store URL is required")
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, errors.New("gateway: collection name is required")
	}
	client := cfg.Client
	if client == nil {
		// No client timeout: change feeds are long-held streams. Lifetime
		// is bounded by the inbound request context instead.
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &Gateway{
		verifier:   cfg.Verifier,
		storeURL:   cfg.StoreURL,
		credential: cfg.StoreCredential,
		collection: cfg.Collection,
		audit:      cfg.Audit,
		client:     client,
	}, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	sub, err := g.authenticate(r)
	if err != nil {
		writeUnauthorized(w, err.Error())
		return
	}

	segments := splitPath(r.URL.Path)
	if len(segments) == 0 || segments[0] != g.collection {
		writeForbidden(w, "collection not allowed")
		return
	}

	// The body is read exactly once; policy inspection, forwarding and the
	// audit filter all work from this copy.
	var body []byte
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
			return
		}
	}

	pl, err := authorize(sub, r.Method, segments, r.URL.Query(), body)
	if err != nil {
		var denied *deniedError
		if errors.As(err, &denied) {
			writeForbidden(w, denied.reason)
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	resp, err := g.forward(r, pl)
	if err != nil {
		obs.Warn("upstream call failed", map[string]any{
			"method": pl.method,
			"path":   r.URL.Path,
			"error":  err.Error(),
		})
		writeError(w, http.StatusBadGateway, "bad_gateway", "document store unreachable")
		return
	}
	defer resp.Body.Close()

	// Audit sees the original traffic shape, not the rewritten plan, and is
	// annotated with the upstream status whatever it was.
	if g.audit != nil {
		g.audit.MaybeRecord(r.Context(), r.Method, segments, resp.StatusCode, sub, body)
	}

	relay(w, resp)
}

func (g *Gateway) authenticate(r *http.Request) (auth.Subject, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return auth.Subject{}, errors.New("missing bearer")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return auth.Subject{}, errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return auth.Subject{}, errors.New("missing bearer")
	}
	sub, err := g.verifier.VerifyAccess(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpired) {
			return auth.Subject{}, errors.New("token expired")
		}
		return auth.Subject{}, errors.New("invalid token")
	}
	return sub, nil
}

// forward relays the authorized plan to the store. The upstream request
// shares the inbound context, so a client disconnect cancels the upstream
// call, including long-held change feeds.
func (g *Gateway) forward(r *http.Request, pl *plan) (*http.Response, error) {
	target := *g.storeURL
	target.Path = strings.TrimRight(target.Path, "/") + "/" + strings.Join(pl.segments, "/")
	target.RawQuery = pl.query.Encode()

	var reader io.Reader
	if pl.body != nil {
		reader = bytes.NewReader(pl.body)
	}
	req, err := http.NewRequestWithContext(r.Context(), pl.method, target.String(), reader)
	if err != nil {
		return nil, err
	}
	req.Header = sanitizeHeaders(r.Header)
	req.Header.Set("Authorization", g.credential)
	if pl.rewritten {
		req.Header.Set("Content-Type", "application/json")
	}
	return g.client.Do(req)
}

// hopByHop headers are connection-scoped and must not cross the proxy, in
// either direction.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func sanitizeHeaders(in http.Header) http.Header {
	out := in.Clone()
	for _, h := range hopByHop {
		out.Del(h)
	}
	out.Del("Host")
	out.Del("Content-Length")
	return out
}

// relay streams the upstream response through unmodified except for
// hop-by-hop header removal. Revision tokens and conflict bodies reach the
// caller intact so its optimistic-concurrency handling keeps working.
func relay(w http.ResponseWriter, resp *http.Response) {
	header := w.Header()
	for key, values := range resp.Header {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			header.Add(key, v)
		}
	}
	header.Set("Access-Control-Expose-Headers", "*")
	w.WriteHeader(resp.StatusCode)

	// Flush per chunk: continuous change feeds must not sit in a buffer.
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func isHopByHop(key string) bool {
	for _, h := range hopByHop {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func writeUnauthorized(w http.ResponseWriter, reason string) {
	writeError(w, http.StatusUnauthorized, "unauthorized", reason)
}

func writeForbidden(w http.ResponseWriter, reason string) {
	writeError(w, http.StatusForbidden, "forbidden", reason)
}

func writeError(w http.ResponseWriter, code int, kind, reason string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": kind, "reason": reason})
}
