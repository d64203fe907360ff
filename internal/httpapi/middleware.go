package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"zeitgate.org/internal/obs"
)

// Logging emits one JSON line per request.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		obs.LogRequest(map[string]any{
			"ts":          start.UTC().Format(time.RFC3339Nano),
			"level":       "info",
			"msg":         "http_request",
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote":      clientIP(r),
		})
	})
}

type recordingWriter struct {
	http.ResponseWriter
	status int
}

func (rw *recordingWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recordingWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// SecurityHeaders sets the baseline response headers.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// CORS answers preflights and tags responses for the browser client.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type clientBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// clientLimiters is a per-key token-bucket map with idle eviction. The key
// space is attacker-controlled (spoofed X-Forwarded-For values), so buckets
// idle past the TTL are swept to keep the map bounded.
type clientLimiters struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
	buckets map[string]*clientBucket
}

func newClientLimiters(rps rate.Limit, burst int) *clientLimiters {
	return &clientLimiters{
		rps:     rps,
		burst:   burst,
		ttl:     5 * time.Minute,
		now:     time.Now,
		buckets: make(map[string]*clientBucket),
	}
}

func (c *clientLimiters) get(key string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[key]
	if !ok {
		b = &clientBucket{lim: rate.NewLimiter(c.rps, c.burst)}
		c.buckets[key] = b
	}
	b.seen = c.now()
	return b.lim
}

func (c *clientLimiters) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, b := range c.buckets {
		if now.Sub(b.seen) > c.ttl {
			delete(c.buckets, k)
		}
	}
}

func (c *clientLimiters) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}

// RateLimit applies a per-client token bucket to every request. The login
// endpoint carries its own stricter fixed-window limiter on top of this.
func RateLimit(next http.Handler, rps rate.Limit, burst int) http.Handler {
	limiters := newClientLimiters(rps, burst)
	ticker := time.NewTicker(1 * time.Minute)
	go func() {
		for range ticker.C {
			limiters.sweep()
		}
	}()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiters.get(clientIP(r)).Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
