package waf

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/pathutil"
)

// Filter approximates a web ACL in front of the local edge: a per-client
// token bucket standing in for the rate-based rule and a blocklist standing
// in for the common rule set. In-memory and single instance only.
type Filter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	perSecond rate.Limit
	burst     int
	ttl       time.Duration

	maxQueryBytes int

	onFirstDenied func(ip string)
	onDenied      func(ip string)
	onBlocked     func(ip, reason string)
}

// visitor tracks one client's limiter and last activity
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged resets when the entry is evicted and re-created
	logged bool
}

type FilterOption func(*Filter)

// WithRate sets the refill rate and bucket size directly.
func WithRate(perSecond float64, burst int) FilterOption {
	return func(f *Filter) {
		f.perSecond = rate.Limit(perSecond)
		f.burst = burst
	}
}

// WithTTL controls how long an idle client stays tracked.
func WithTTL(d time.Duration) FilterOption {
	return func(f *Filter) { f.ttl = d }
}

func WithMaxQueryBytes(n int) FilterOption {
	return func(f *Filter) { f.maxQueryBytes = n }
}

// WithOnFirstDenied is called once per visitor when it first gets limited.
func WithOnFirstDenied(fn func(ip string)) FilterOption {
	return func(f *Filter) { f.onFirstDenied = fn }
}

// WithOnDenied is called on every rate-limited request.
func WithOnDenied(fn func(ip string)) FilterOption {
	return func(f *Filter) { f.onDenied = fn }
}

// WithOnBlocked is called when a request matches the blocklist.
func WithOnBlocked(fn func(ip, reason string)) FilterOption {
	return func(f *Filter) { f.onBlocked = fn }
}

// NewFilter derives limits from cfg and starts eviction, which stops when
// ctx is done. A zero RateLimit leaves rate limiting off unless WithRate is
// given.
func NewFilter(ctx context.Context, cfg Config, opts ...FilterOption) *Filter {
	f := &Filter{
		visitors:      make(map[string]*visitor),
		perSecond:     rate.Inf,
		ttl:           5 * time.Minute,
		maxQueryBytes: 2048,
	}
	if cfg.RateLimit > 0 {
		f.perSecond = rate.Limit(float64(cfg.RateLimit) / RateWindowSeconds)
		f.burst = int(cfg.RateLimit)
	}
	for _, o := range opts {
		o(f)
	}
	go f.cleanup(ctx)
	return f
}

func (f *Filter) allow(ip string) bool {
	if f.perSecond == rate.Inf {
		return true
	}
	f.mu.Lock()
	v, ok := f.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(f.perSecond, f.burst)}
		f.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	allowed := v.limiter.Allow()
	first := !allowed && !v.logged
	if first {
		v.logged = true
	}
	// hooks run unlocked
	f.mu.Unlock()

	if allowed {
		return true
	}
	if first && f.onFirstDenied != nil {
		f.onFirstDenied(ip)
	}
	if f.onDenied != nil {
		f.onDenied(ip)
	}
	return false
}

// cleanup evicts idle visitors every ttl/2.
func (f *Filter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(f.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			f.mu.Lock()
			for ip, v := range f.visitors {
				if now.Sub(v.lastSeen) > f.ttl {
					delete(f.visitors, ip)
				}
			}
			f.mu.Unlock()
		}
	}
}

// blocked returns the matching blocklist rule, or "".
func (f *Filter) blocked(r *http.Request) string {
	raw := r.URL.EscapedPath()
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "%2e%2e"), strings.Contains(lower, "%2f"), strings.Contains(lower, "%5c"):
		return "encoded traversal"
	case strings.Contains(lower, "%00"), strings.ContainsRune(r.URL.Path, 0):
		return "null byte"
	}
	if p, err := url.PathUnescape(raw); err != nil || pathutil.HasDotSegments(p) || strings.Contains(p, `\`) {
		return "path traversal"
	}
	if f.maxQueryBytes > 0 && len(r.URL.RawQuery) > f.maxQueryBytes {
		return "oversized query"
	}
	return ""
}

func clientIP(r *http.Request) string {
	if ip := httpmw.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Middleware answers 403 for blocklisted requests and 429 for clients over
// their rate.
func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		if reason := f.blocked(r); reason != "" {
			if f.onBlocked != nil {
				f.onBlocked(ip, reason)
			}
			w.Header().Set("Cache-Control", "no-store")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		if !f.allow(ip) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			// no detail about limits or refill
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
