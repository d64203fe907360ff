// Package httpapi wires the HTTP surface: the thin auth endpoints around
// the token authority, the reviewer-facing audit listing, and the mounted
// replication gateway.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"zeitgate.org/internal/audit"
	"zeitgate.org/internal/auth"
	"zeitgate.org/internal/couch"
	"zeitgate.org/internal/obs"
	"zeitgate.org/internal/ratelimit"
)

// AuditLog is the audit surface the API needs: append events and read them
// back for reviewers.
type AuditLog interface {
	Record(ctx context.Context, ev *audit.Event) error
	List(ctx context.Context, limit int) ([]audit.Event, error)
}

// ReadyProbe checks the document store for the readiness endpoint.
type ReadyProbe struct {
	Store *couch.Client
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// Config wires an API.
type Config struct {
	Authority    *auth.Authority
	Accounts     auth.AccountStore
	Audit        AuditLog
	LoginLimiter *ratelimit.Limiter
	Gateway      http.Handler
	Collection   string
	Probe        ReadyProbe
	Version      string
}

// API is the HTTP layer.
type API struct {
	mux       *http.ServeMux
	authority *auth.Authority
	accounts  auth.AccountStore
	audit     AuditLog
	limiter   *ratelimit.Limiter
	probe     ReadyProbe
	version   string
}

// New builds the API and its routes.
func New(cfg Config) *API {
	a := &API{
		mux:       http.NewServeMux(),
		authority: cfg.Authority,
		accounts:  cfg.Accounts,
		audit:     cfg.Audit,
		limiter:   cfg.LoginLimiter,
		probe:     cfg.Probe,
		version:   cfg.Version,
	}

	a.mux.HandleFunc("/healthz", a.handleHealthz)
	a.mux.HandleFunc("/readyz", a.handleReady)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/access", a.handleAccess)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/me", a.handleMe)
	a.mux.HandleFunc("/v1/auth/change-password", a.handleChangePassword)

	a.mux.HandleFunc("/v1/audit", a.handleAuditList)

	if cfg.Gateway != nil && cfg.Collection != "" {
		a.mux.Handle("/"+cfg.Collection, cfg.Gateway)
		a.mux.Handle("/"+cfg.Collection+"/", cfg.Gateway)
	}

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = RateLimit(h, 50, 100)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- health handlers ---

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "zeitgate",
		"version": a.version,
	})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := a.probe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parseLimit(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min {
		val = min
	}
	if val > max {
		val = max
	}
	return val, nil
}
