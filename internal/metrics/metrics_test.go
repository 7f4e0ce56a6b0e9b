package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/version"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/waf"
)

func gatherMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

// counterValue sums every series of a counter family.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil || len(f.GetMetric()) == 0 {
		t.Fatalf("metric %q has no samples", name)
	}
	var sum float64
	for _, m := range f.GetMetric() {
		sum += m.GetCounter().GetValue()
	}
	return sum
}

func histogramCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil || len(f.GetMetric()) == 0 {
		t.Fatalf("metric %q has no samples", name)
	}
	return f.GetMetric()[0].GetHistogram().GetSampleCount()
}

// byLabel maps one label's value to each series' counter value.
func byLabel(t *testing.T, reg *prometheus.Registry, name, label string) map[string]float64 {
	t.Helper()
	out := map[string]float64{}
	f := gatherMetric(t, reg, name)
	if f == nil {
		return out
	}
	for _, m := range f.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label {
				out[lp.GetValue()] += m.GetCounter().GetValue()
			}
		}
	}
	return out
}

func TestHandler_Scrape(t *testing.T) {
	m := New()
	m.Uploaded(10)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"go_goroutines",
		"http_inflight_requests",
		"edge_filter_rate_limited_total",
		"profiling_active",
		"deploy_uploads_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("%s missing from scrape", name)
		}
	}
}

func TestNew_IsolatedRegistries(t *testing.T) {
	a, b := New(), New()
	a.IncFilterDenied()
	if v := counterValue(t, b.reg, "edge_filter_rate_limited_total"); v != 0 {
		t.Fatalf("second registry saw %f denials", v)
	}
}

// Filter hooks and the HTTP middleware wired the way `serve` wires them.
func TestPreviewChain(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := waf.NewFilter(ctx, waf.DefaultConfig("site-acl"),
		waf.WithRate(0.001, 2),
		waf.WithOnDenied(func(string) { m.IncFilterDenied() }),
		waf.WithOnBlocked(func(_, reason string) { m.IncFilterBlocked(reason) }),
	)
	seen := map[string]bool{}
	edge := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		xc := "Miss from edge"
		if seen[r.URL.Path] {
			xc = "Hit from edge"
		}
		seen[r.URL.Path] = true
		w.Header().Set(CacheHeader, xc)
		_, _ = w.Write([]byte("ok"))
	})
	h := m.Middleware(f.Middleware(edge))

	for _, tt := range []struct {
		target string
		want   int
	}{
		{"/style.css", http.StatusOK},
		{"/style.css?q=" + strings.Repeat("x", 4096), http.StatusForbidden},
		{"/style.css", http.StatusOK},
		{"/style.css", http.StatusTooManyRequests},
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
		if rec.Code != tt.want {
			t.Fatalf("GET %.20s = %d, want %d", tt.target, rec.Code, tt.want)
		}
	}

	if diff := cmp.Diff(map[string]float64{"hit": 1, "miss": 1}, byLabel(t, m.reg, "edge_cache_results_total", "result")); diff != "" {
		t.Errorf("cache results (-want +got):\n%s", diff)
	}
	if v := counterValue(t, m.reg, "edge_filter_rate_limited_total"); v != 1 {
		t.Errorf("rate limited = %f", v)
	}
	if diff := cmp.Diff(map[string]float64{"oversized query": 1}, byLabel(t, m.reg, "edge_filter_blocked_total", "reason")); diff != "" {
		t.Errorf("blocked (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]float64{"200": 2, "403": 1, "429": 1}, byLabel(t, m.reg, "http_requests_total", "status")); diff != "" {
		t.Errorf("requests by status (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]float64{"unmatched": 4}, byLabel(t, m.reg, "http_requests_total", "route")); diff != "" {
		t.Errorf("requests by route (-want +got):\n%s", diff)
	}
	if gatherMetric(t, m.reg, "http_errors_total") != nil {
		t.Error("filter rejections counted as server errors")
	}
}

func TestMiddleware_ErrorsOnlyFor5xx(t *testing.T) {
	tests := []struct {
		status int
		want   float64
	}{
		{http.StatusOK, 0},
		{http.StatusNotFound, 0},
		{http.StatusBadGateway, 1},
	}
	for _, tt := range tests {
		m := New()
		h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set(CacheHeader, "Error from edge")
			w.WriteHeader(tt.status)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		got := byLabel(t, m.reg, "http_errors_total", "route")["unmatched"]
		if got != tt.want {
			t.Errorf("status %d: errors = %f, want %f", tt.status, got, tt.want)
		}
	}
}

func TestSetBuildInfoFromVersion(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name  string
		dirty *bool
		want  string
	}{
		{"dirty", &yes, "true"},
		{"clean", &no, "false"},
		{"unknown", nil, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			m.SetBuildInfoFromVersion("sitedeploy", "deploy", version.Info{
				Version:   "v1.4.0",
				Commit:    "0123456789abcdef",
				BuildId:   "b-7",
				GoVersion: "go1.24.11",
				VCSDirty:  tt.dirty,
			})
			f := gatherMetric(t, m.reg, "build_info")
			if f == nil || f.GetMetric()[0].GetGauge().GetValue() != 1 {
				t.Fatalf("build_info = %v", f)
			}
			got := labelsOf(t, m, "build_info")
			want := map[string]string{
				"app": "sitedeploy", "component": "deploy", "version": "v1.4.0",
				"commit": "0123456789abcdef", "commit_date": "", "build_id": "b-7",
				"build_date": "", "go_version": "go1.24.11", "vcs_dirty": tt.want,
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("labels (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSetProfilingActive(t *testing.T) {
	m := New()
	gauge := func() float64 {
		return gatherMetric(t, m.reg, "profiling_active").GetMetric()[0].GetGauge().GetValue()
	}
	m.SetProfilingActive(true)
	if gauge() != 1 {
		t.Fatal("active profiler not reported")
	}
	m.SetProfilingActive(false)
	if gauge() != 0 {
		t.Fatal("stopped profiler still reported")
	}
}

func TestIncHttpPanic(t *testing.T) {
	m := New()
	m.IncHttpPanic()
	m.IncHttpPanic()
	if v := counterValue(t, m.reg, "http_panic_total"); v != 2 {
		t.Fatalf("panics = %f", v)
	}
}

func TestPush(t *testing.T) {
	var method, path string
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer gw.Close()

	m := New()
	m.Uploaded(42)
	if err := m.Push(context.Background(), gw.URL, "sitedeploy_deploy", "site-prod"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if method != http.MethodPut || path != "/metrics/job/sitedeploy_deploy/stack/site-prod" {
		t.Fatalf("push = %s %s", method, path)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()
	if err := m.Push(context.Background(), down.URL, "sitedeploy_deploy", ""); err == nil {
		t.Fatal("push to a failing gateway succeeded")
	}
}
