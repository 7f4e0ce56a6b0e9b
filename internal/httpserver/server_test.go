package httpserver_test

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/health"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/metrics"
)

// stubEdge answers like a distribution: https only, X-Cache on every response.
func stubEdge() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Cache", "Miss from edge")
		if r.Header.Get("X-Forwarded-Proto") != "https" {
			http.Redirect(w, r, "https://"+r.Host+r.URL.RequestURI(), http.StatusMovedPermanently)
			return
		}
		if r.URL.Path == "/boom" {
			panic("edge blew up")
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, strings.Repeat("<p>hello</p>", 200))
	})
}

func serve(h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewHandler_ServesEdge(t *testing.T) {
	h := httpserver.NewHandler(&httpserver.Options{Logger: log.Nop(), Edge: stubEdge(), AssumeHTTPS: true})

	rec := serve(h, http.MethodGet, "/docs/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	for _, hdr := range []string{"X-Request-Id", "X-Content-Type-Options", "Strict-Transport-Security", "X-Cache"} {
		if rec.Header().Get(hdr) == "" {
			t.Errorf("%s missing", hdr)
		}
	}
}

func TestNewHandler_PlainHTTPRedirects(t *testing.T) {
	h := httpserver.NewHandler(&httpserver.Options{Logger: log.Nop(), Edge: stubEdge()})
	// a spoofed proto from a public peer is stripped before the edge sees it
	rec := serve(h, http.MethodGet, "/", map[string]string{"X-Forwarded-Proto": "https"})
	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d, want 301", rec.Code)
	}
}

func TestNewHandler_Compress(t *testing.T) {
	h := httpserver.NewHandler(&httpserver.Options{Edge: stubEdge(), AssumeHTTPS: true, Compress: true})
	rec := serve(h, http.MethodGet, "/", map[string]string{"Accept-Encoding": "gzip"})
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	body, _ := io.ReadAll(zr)
	if !strings.HasPrefix(string(body), "<p>hello</p>") {
		t.Fatalf("body = %.40q", body)
	}
}

func TestNewHandler_HealthAndReadiness(t *testing.T) {
	var gate health.ShutdownGate
	h := httpserver.NewHandler(&httpserver.Options{
		Edge:      stubEdge(),
		Health:    health.Fixed(true, ""),
		Readiness: gate.Probe(),
	})
	if rec := serve(h, http.MethodGet, "/-/healthy", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthy = %d", rec.Code)
	}
	gate.Set("draining")
	if rec := serve(h, http.MethodGet, "/-/ready", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready while draining = %d", rec.Code)
	}
}

func TestNewHandler_NoEdge(t *testing.T) {
	h := httpserver.NewHandler(&httpserver.Options{})
	if rec := serve(h, http.MethodGet, "/index.html", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestNewHandler_RecoverCountsPanics(t *testing.T) {
	m := metrics.New()
	h := httpserver.NewHandler(&httpserver.Options{
		Edge:         stubEdge(),
		AssumeHTTPS:  true,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
	})
	if rec := serve(h, http.MethodGet, "/boom", nil); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}

	rec := serve(m.Handler(), http.MethodGet, "/metrics", nil)
	if !strings.Contains(rec.Body.String(), "http_panic_total 1") {
		t.Fatalf("panic counter missing:\n%s", rec.Body.String())
	}
}

func TestNewHandler_EdgeRouteLabel(t *testing.T) {
	m := metrics.New()
	h := httpserver.NewHandler(&httpserver.Options{Edge: stubEdge(), AssumeHTTPS: true, MetricsMW: m.Middleware})
	for _, p := range []string{"/a.html", "/b/c/", "/img/logo.png"} {
		serve(h, http.MethodGet, p, nil)
	}
	body := serve(m.Handler(), http.MethodGet, "/metrics", nil).Body.String()
	if !strings.Contains(body, `route="/*"`) {
		t.Fatalf("edge requests should share the /* route label:\n%s", body)
	}
	if strings.Contains(body, `route="/a.html"`) {
		t.Fatal("raw path leaked into a label")
	}
}

func TestStart(t *testing.T) {
	ctx := context.Background()
	addr, stop, err := httpserver.Start(ctx, &httpserver.Options{Logger: log.Nop(), Addr: "127.0.0.1:0", Edge: stubEdge(), AssumeHTTPS: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + addr + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := stop(sctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
