package httpmw

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestChain_OrderAndNil(t *testing.T) {
	var got []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = append(got, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { got = append(got, "handler") }),
		mark("a"), nil, mark("b"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if strings.Join(got, ",") != "a,b,handler" {
		t.Fatalf("order = %v", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		xff     string
		hops    int
		want    string
		keepXFF bool
	}{
		{"no proxies", "203.0.113.9:4000", "198.51.100.1", 0, "203.0.113.9", false},
		{"public peer ignores xff", "203.0.113.9:4000", "198.51.100.1", 1, "203.0.113.9", false},
		{"one trusted hop", "10.0.0.5:4000", "198.51.100.1, 198.51.100.2", 1, "198.51.100.2", true},
		{"two trusted hops", "10.0.0.5:4000", "198.51.100.1, 198.51.100.2", 2, "198.51.100.1", true},
		{"too few entries", "10.0.0.5:4000", "198.51.100.1", 3, "10.0.0.5", false},
		{"garbage entry", "10.0.0.5:4000", "not-an-ip", 1, "10.0.0.5", true},
		{"no port", "203.0.113.9", "", 0, "203.0.113.9", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got, xff string
			h := ClientIPWithOptions(ClientIPOptions{TrustedHops: tt.hops})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = ClientIPFromContext(r.Context())
				xff = r.Header.Get("X-Forwarded-For")
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)

			if got != tt.want {
				t.Fatalf("client ip = %q, want %q", got, tt.want)
			}
			if (xff != "") != tt.keepXFF {
				t.Fatalf("X-Forwarded-For after middleware = %q", xff)
			}
		})
	}
}

func TestClientIP_StripsSpoofedProto(t *testing.T) {
	var proto string
	h := ClientIP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proto = r.Header.Get("X-Forwarded-Proto")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	req.Header.Set("X-Forwarded-Proto", "https")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if proto != "" {
		t.Fatalf("X-Forwarded-Proto = %q, want stripped", proto)
	}
}

func TestAssumeHTTPS(t *testing.T) {
	var scheme string
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme = schemeFromRequest(r)
	}), ClientIP, AssumeHTTPS)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if scheme != "https" {
		t.Fatalf("scheme = %q", scheme)
	}
}

func TestSchemeFromRequest(t *testing.T) {
	for header, want := range map[string]string{
		"":            "http",
		"https":       "https",
		"HTTPS, http": "https",
		"javascript":  "http",
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("X-Forwarded-Proto", header)
		}
		if got := schemeFromRequest(req); got != want {
			t.Errorf("scheme(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
		keep    bool
	}{
		{"minted", "", false},
		{"propagated", "abc-123.X_y", true},
		{"rejected", "bad id\nwith newline", false},
		{"too long", strings.Repeat("a", 129), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctxID string
			h := RequestID("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxID = RequestIDFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.inbound != "" {
				req.Header.Set("X-Request-Id", tt.inbound)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			echoed := rec.Header().Get("X-Request-Id")
			if ctxID == "" || echoed != ctxID {
				t.Fatalf("context id %q, header %q", ctxID, echoed)
			}
			if (ctxID == tt.inbound) != tt.keep {
				t.Fatalf("id = %q, inbound %q, keep %v", ctxID, tt.inbound, tt.keep)
			}
			if !tt.keep && len(ctxID) != 32 {
				t.Fatalf("minted id %q should be 32 hex chars", ctxID)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	for _, h := range []string{"Strict-Transport-Security", "X-Content-Type-Options", "X-Frame-Options", "Referrer-Policy"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("%s missing", h)
		}
	}
	if rec.Header().Get("Content-Security-Policy") != "" {
		t.Error("site content must not get a CSP")
	}
}

func TestTraceResponseHeaders(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02},
		SpanID:     trace.SpanID{0x03},
		TraceFlags: trace.FlagsSampled,
	})
	h := TraceResponseHeaders("", "")(http.NotFoundHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(rec, req.WithContext(trace.ContextWithSpanContext(req.Context(), sc)))
	if rec.Header().Get("X-Trace-Id") != sc.TraceID().String() || rec.Header().Get("X-Span-Id") != sc.SpanID().String() {
		t.Fatalf("headers = %v", rec.Header())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Trace-Id") != "" {
		t.Fatal("no span, no header")
	}
}

func TestMaxBody(t *testing.T) {
	h := MaxBody(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	for body, want := range map[string]int{"abc": http.StatusNoContent, "abcdefgh": http.StatusRequestEntityTooLarge} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
		if rec.Code != want {
			t.Errorf("body %q: status = %d, want %d", body, rec.Code, want)
		}
	}
}
