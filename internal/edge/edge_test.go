package edge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/access"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/delivery"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/origin"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	net    *Network
	origin *origin.Memory
	dist   delivery.Distribution
	h      http.Handler
	clock  *clock
}

func newFixture(t *testing.T, opts delivery.Options, bind bool) *fixture {
	t.Helper()
	ck := &clock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	n, err := NewNetwork(Options{AccountID: "123456789012", Now: ck.Now, Logger: log.Nop()})
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	o, err := origin.NewMemory(origin.Config{Name: "site-origin", RemovalPolicy: origin.RemovalDestroy}, log.Nop())
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	ctx := context.Background()
	for k, v := range map[string]string{
		"index.html":      "<h1>home</h1>",
		"error.html":      "<h1>oops</h1>",
		"style.css":       "body{}",
		"docs/index.html": "<h1>docs</h1>",
		"img/logo.svg":    "<svg/>",
	} {
		if _, err := o.Put(ctx, k, []byte(v), ""); err != nil {
			t.Fatal(err)
		}
	}

	if opts.Name == "" {
		opts.Name = "site"
	}
	cfg, err := delivery.NewConfig(opts)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	d, err := n.Configure(ctx, o, cfg)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if bind {
		id, err := d.Identity()
		if err != nil {
			t.Fatal(err)
		}
		st, err := access.Bind(access.Bucket{Name: o.Name()}, id)
		if err != nil {
			t.Fatal(err)
		}
		if err := o.AttachPolicy(ctx, access.NewDocument(st)); err != nil {
			t.Fatal(err)
		}
	}
	h, err := n.Handler(d.Ref)
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	return &fixture{net: n, origin: o, dist: d, h: h, clock: ck}
}

func (f *fixture) do(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "https://"+f.dist.Ref.DomainName()+target, nil)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) invalidate(t *testing.T, paths ...string) {
	t.Helper()
	ctx := context.Background()
	inv, err := f.net.CreateInvalidation(ctx, f.dist.Ref, paths)
	if err != nil {
		t.Fatalf("CreateInvalidation: %v", err)
	}
	done, err := f.net.WaitInvalidation(ctx, f.dist.Ref, inv.ID)
	if err != nil || done.Status != delivery.InvalidationCompleted {
		t.Fatalf("WaitInvalidation = %+v, %v", done, err)
	}
}

func TestConfigure_AssignsIdentity(t *testing.T) {
	f := newFixture(t, delivery.Options{}, false)
	id := f.dist.Ref.ID()
	if !regexp.MustCompile(`^E[A-Z0-9]{13}$`).MatchString(id) {
		t.Fatalf("id = %q", id)
	}
	if f.dist.Ref.DomainName() != strings.ToLower(id)+".edge.local" {
		t.Fatalf("domain = %q", f.dist.Ref.DomainName())
	}
	if f.dist.ARN != "arn:aws:cloudfront::123456789012:distribution/"+id {
		t.Fatalf("arn = %q", f.dist.ARN)
	}

	cfg, _ := delivery.NewConfig(delivery.Options{Name: "site", ViewerProtocol: delivery.HTTPSOnly})
	again, err := f.net.Configure(context.Background(), f.origin, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if again.Ref != f.dist.Ref || again.Config.ViewerProtocol() != delivery.HTTPSOnly {
		t.Fatalf("reconfigure = %+v", again)
	}
	got, ok := f.net.Find("site")
	if !ok || got.Ref != f.dist.Ref {
		t.Fatalf("Find = %+v %v", got, ok)
	}
}

type endpointOnly struct{}

func (endpointOnly) Name() string       { return "x" }
func (endpointOnly) DomainName() string { return "x.local" }

func TestConfigure_RequiresReadableOrigin(t *testing.T) {
	n, _ := NewNetwork(Options{})
	cfg, _ := delivery.NewConfig(delivery.Options{Name: "site"})
	if _, err := n.Configure(context.Background(), endpointOnly{}, cfg); !errors.Is(err, xerrors.ErrConfig) {
		t.Fatalf("err = %v", err)
	}
	if _, err := NewNetwork(Options{AccountID: "12"}); !errors.Is(err, xerrors.ErrConfig) {
		t.Fatalf("account err = %v", err)
	}
	if _, err := n.Handler(delivery.DistributionRef{}); !errors.Is(err, xerrors.ErrOrdering) {
		t.Fatalf("handler before provision err = %v", err)
	}
}

func TestHandler_WriteMethodsAre405(t *testing.T) {
	f := newFixture(t, delivery.Options{}, true)
	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodOptions} {
		rec := f.do(m, "/index.html")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s status = %d", m, rec.Code)
		}
		if rec.Header().Get("Allow") != "GET, HEAD" {
			t.Fatalf("%s Allow = %q", m, rec.Header().Get("Allow"))
		}
	}
}

func TestHandler_ViewerProtocol(t *testing.T) {
	f := newFixture(t, delivery.Options{}, true)
	req := httptest.NewRequest(http.MethodGet, "http://example.test/style.css?v=1", nil)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMovedPermanently || rec.Header().Get("Location") != "https://example.test/style.css?v=1" {
		t.Fatalf("redirect = %d %q", rec.Code, rec.Header().Get("Location"))
	}

	req = httptest.NewRequest(http.MethodGet, "http://example.test/style.css", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec = httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("forwarded https status = %d", rec.Code)
	}

	strict := newFixture(t, delivery.Options{ViewerProtocol: delivery.HTTPSOnly}, true)
	rec = httptest.NewRecorder()
	strict.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("https-only status = %d", rec.Code)
	}
}

func TestHandler_ServesAndRemapsErrors(t *testing.T) {
	f := newFixture(t, delivery.Options{}, true)

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{"/", 200, "<h1>home</h1>"},
		{"/index.html", 200, "<h1>home</h1>"},
		{"/docs/", 200, "<h1>docs</h1>"},
		{"/style.css", 200, "body{}"},
		{"/missing.html", 404, "<h1>oops</h1>"},
		{"/../etc/passwd", 404, "<h1>oops</h1>"},
	}
	for _, tt := range tests {
		rec := f.do(http.MethodGet, tt.path)
		if rec.Code != tt.status || rec.Body.String() != tt.body {
			t.Fatalf("GET %s = %d %q, want %d %q", tt.path, rec.Code, rec.Body.String(), tt.status, tt.body)
		}
	}

	rec := f.do(http.MethodGet, "/style.css")
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/css") {
		t.Fatalf("content type = %q", ct)
	}
	if rec.Header().Get("Cache-Control") != "public, max-age=86400" {
		t.Fatalf("asset cache-control = %q", rec.Header().Get("Cache-Control"))
	}
	if f.do(http.MethodGet, "/").Header().Get("Cache-Control") != "no-cache" {
		t.Fatal("html must be no-cache")
	}

	head := f.do(http.MethodHead, "/index.html")
	if head.Code != 200 || head.Body.Len() != 0 {
		t.Fatalf("HEAD = %d body %d", head.Code, head.Body.Len())
	}
}

func TestHandler_ConditionalGet(t *testing.T) {
	f := newFixture(t, delivery.Options{}, true)
	etag := f.do(http.MethodGet, "/style.css").Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}
	req := httptest.NewRequest(http.MethodGet, "https://x/style.css", nil)
	req.Header.Set("If-None-Match", etag)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandler_UnboundOriginIsDenied(t *testing.T) {
	f := newFixture(t, delivery.Options{}, false)
	rec := f.do(http.MethodGet, "/index.html")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "home") {
		t.Fatal("content leaked without an access binding")
	}
}

func TestHandler_CachesUntilInvalidated(t *testing.T) {
	f := newFixture(t, delivery.Options{}, true)
	ctx := context.Background()

	if rec := f.do(http.MethodGet, "/style.css"); rec.Header().Get("X-Cache") != cacheMiss {
		t.Fatalf("first X-Cache = %q", rec.Header().Get("X-Cache"))
	}
	_, _ = f.origin.Put(ctx, "style.css", []byte("body{color:red}"), "")

	rec := f.do(http.MethodGet, "/style.css")
	if rec.Body.String() != "body{}" || rec.Header().Get("X-Cache") != cacheHit {
		t.Fatalf("cached = %q %q", rec.Body.String(), rec.Header().Get("X-Cache"))
	}

	f.invalidate(t, "/img/*")
	if f.do(http.MethodGet, "/style.css").Body.String() != "body{}" {
		t.Fatal("unrelated invalidation purged style.css")
	}

	f.invalidate(t, "/style.css")
	if got := f.do(http.MethodGet, "/style.css").Body.String(); got != "body{color:red}" {
		t.Fatalf("after invalidation = %q", got)
	}
}

func TestHandler_StaleAfterTTL(t *testing.T) {
	f := newFixture(t, delivery.Options{}, true)
	_ = f.do(http.MethodGet, "/style.css")
	_, _ = f.origin.Put(context.Background(), "style.css", []byte("v2"), "")

	f.clock.Advance(23 * time.Hour)
	if f.do(http.MethodGet, "/style.css").Body.String() != "body{}" {
		t.Fatal("entry expired before its ttl")
	}
	f.clock.Advance(2 * time.Hour)
	if f.do(http.MethodGet, "/style.css").Body.String() != "v2" {
		t.Fatal("entry served past its ttl")
	}
}

func TestHandler_CachingDisabled(t *testing.T) {
	f := newFixture(t, delivery.Options{CachePolicyID: delivery.CachingDisabledID}, true)
	_ = f.do(http.MethodGet, "/style.css")
	_, _ = f.origin.Put(context.Background(), "style.css", []byte("v2"), "")
	rec := f.do(http.MethodGet, "/style.css")
	if rec.Body.String() != "v2" || rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("uncached = %q %q", rec.Body.String(), rec.Header().Get("Cache-Control"))
	}
}

func TestWaitInvalidation_ContextDone(t *testing.T) {
	f := newFixture(t, delivery.Options{}, true)
	f.net.opts.InvalidationDelay = time.Hour
	inv, err := f.net.CreateInvalidation(context.Background(), f.dist.Ref, []string{"/*"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	got, err := f.net.WaitInvalidation(ctx, f.dist.Ref, inv.ID)
	if !errors.Is(err, context.DeadlineExceeded) || got.Status != delivery.InvalidationInProgress {
		t.Fatalf("Wait = %+v, %v", got, err)
	}
	if _, err := f.net.WaitInvalidation(ctx, f.dist.Ref, "INOPE"); !errors.Is(err, xerrors.ErrConfig) {
		t.Fatalf("unknown id err = %v", err)
	}
	if _, err := f.net.CreateInvalidation(context.Background(), f.dist.Ref, []string{"nope"}); !errors.Is(err, xerrors.ErrConfig) {
		t.Fatalf("bad path err = %v", err)
	}
}

func TestHandler_AppliesAttachedFilter(t *testing.T) {
	const acl = "arn:aws:wafv2:us-east-1:123456789012:global/webacl/site/6f1c9a7e-2b3d-4c5e-8f9a-0b1c2d3e4f50"
	f := newFixture(t, delivery.Options{WebACLARN: acl}, true)
	f.net.AttachFilter(acl, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})
	})
	h, err := f.net.Handler(f.dist.Ref)
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "https://x/", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
}

// slowOrigin reads key from the origin, then holds the response until
// release is closed. Only the first read of key is held.
type slowOrigin struct {
	*origin.Memory
	key     string
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (s *slowOrigin) Fetch(ctx context.Context, c origin.Caller, key string) ([]byte, origin.Object, error) {
	body, obj, err := s.Memory.Fetch(ctx, c, key)
	if key == s.key {
		s.once.Do(func() {
			close(s.started)
			<-s.release
		})
	}
	return body, obj, err
}

func TestHandler_InvalidationDuringFetchIsNotUndone(t *testing.T) {
	f := newFixture(t, delivery.Options{}, true)
	ctx := context.Background()
	slow := &slowOrigin{Memory: f.origin, key: "style.css", started: make(chan struct{}), release: make(chan struct{})}
	cfg, _ := delivery.NewConfig(delivery.Options{Name: "site"})
	if _, err := f.net.Configure(ctx, slow, cfg); err != nil {
		t.Fatal(err)
	}

	done := make(chan string)
	go func() { done <- f.do(http.MethodGet, "/style.css").Body.String() }()
	<-slow.started

	_, _ = f.origin.Put(ctx, "style.css", []byte("body{color:red}"), "")
	f.invalidate(t, "/*")
	close(slow.release)
	if got := <-done; got != "body{}" {
		t.Fatalf("in-flight GET = %q", got)
	}

	rec := f.do(http.MethodGet, "/style.css")
	if rec.Body.String() != "body{color:red}" || rec.Header().Get("X-Cache") != cacheMiss {
		t.Fatalf("after invalidation = %q %q", rec.Body.String(), rec.Header().Get("X-Cache"))
	}
}
