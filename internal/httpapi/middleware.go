package httpapi

import (
	"bufio"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"
)

// statusRecorder captures status and size for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpapi: hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Unwrap lets http.ResponseController and the websocket upgrade reach the
// connection underneath.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

var gzipPool = sync.Pool{New: func() any { return gzip.NewWriter(io.Discard) }}

type gzipWriter struct {
	http.ResponseWriter
	gz *gzip.Writer
}

func (g *gzipWriter) Write(b []byte) (int, error) {
	g.Header().Del("Content-Length")
	return g.gz.Write(b)
}

func (g *gzipWriter) Flush() {
	_ = g.gz.Flush()
	if f, ok := g.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (g *gzipWriter) close() {
	_ = g.gz.Close()
	gzipPool.Put(g.gz)
}

// wantsGzip skips upgrades and event streams, which must not be buffered.
func wantsGzip(r *http.Request) bool {
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		return false
	}
	if r.Header.Get("Upgrade") != "" {
		return false
	}
	return !strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter keeps one token bucket per client address.
type ipRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
	idle     time.Duration
}

func newIPRateLimiter(rps, burst int) *ipRateLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &ipRateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate.Limit(rps),
		burst:    burst,
		idle:     5 * time.Minute,
	}
}

func (l *ipRateLimiter) Allow(ip string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	if len(l.visitors) > 1024 {
		for addr, other := range l.visitors {
			if other.lastSeen.Before(now.Add(-l.idle)) {
				delete(l.visitors, addr)
			}
		}
	}
	return v.limiter.Allow()
}

func remoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if p := strings.TrimSpace(part); p != "" {
				return p
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type corsPolicy struct {
	allowAll bool
	origins  map[string]struct{}
}

func newCORSPolicy(origins []string) *corsPolicy {
	var p *corsPolicy
	for _, origin := range origins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		if p == nil {
			p = &corsPolicy{origins: make(map[string]struct{})}
		}
		if o == "*" {
			p.allowAll = true
			continue
		}
		p.origins[o] = struct{}{}
	}
	return p
}

func (c *corsPolicy) allowed(origin string) bool {
	if c == nil {
		return false
	}
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		return false
	}
	if c.allowAll {
		return true
	}
	_, ok := c.origins[origin]
	return ok
}

// patterns returns the origin hosts for the websocket origin check.
func (c *corsPolicy) patterns() []string {
	if c == nil {
		return nil
	}
	if c.allowAll {
		return []string{"*"}
	}
	out := make([]string, 0, len(c.origins))
	for o := range c.origins {
		out = append(out, strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://"))
	}
	return out
}

// wrap applies CORS, rate limiting, compression, metrics and the access
// log around h. route is the metrics label.
func (s *Server) wrap(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		defer func() {
			dur := time.Since(start)
			s.metrics.ObserveRequest(route, r.Method, rec.code(), dur)
			if s.opts.EnableAccessLog {
				log.Printf("httpapi: %s %s %d %dB %s ip=%s", r.Method, r.URL.RequestURI(), rec.code(), rec.bytes, dur.Truncate(time.Microsecond), remoteIP(r))
			}
		}()

		if origin := r.Header.Get("Origin"); origin != "" && s.cors != nil {
			if !s.cors.allowed(origin) {
				http.Error(rec, "origin not allowed", http.StatusForbidden)
				return
			}
			rec.Header().Set("Access-Control-Allow-Origin", origin)
			rec.Header().Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				rec.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
				if hdrs := r.Header.Get("Access-Control-Request-Headers"); hdrs != "" {
					rec.Header().Set("Access-Control-Allow-Headers", hdrs)
				}
				rec.Header().Set("Access-Control-Max-Age", "300")
				rec.WriteHeader(http.StatusNoContent)
				return
			}
		}

		if !s.limiter.Allow(remoteIP(r)) {
			s.metrics.Throttled()
			http.Error(rec, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		if wantsGzip(r) {
			gz := gzipPool.Get().(*gzip.Writer)
			gz.Reset(rec)
			gw := &gzipWriter{ResponseWriter: rec, gz: gz}
			defer gw.close()
			rec.Header().Set("Content-Encoding", "gzip")
			rec.Header().Add("Vary", "Accept-Encoding")
			h(gw, r)
			return
		}
		h(rec, r)
	})
}
