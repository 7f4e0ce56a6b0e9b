// Package httpserver is the viewer listener of `sitedeploy serve`. It puts
// the middleware stack in front of an edge distribution.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/health"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

const DefaultAddr = ":8080"

// maxBody is generous for a GET/HEAD edge.
const maxBody = 1024

// NewHandler builds the viewer handler. The caller owns the *http.Server.
func NewHandler(opts *Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	r := chi.NewRouter()
	if opts.Compress {
		r.Use(middleware.Compress(5,
			"text/html",
			"text/css",
			"text/plain",
			"application/javascript",
			"text/javascript",
			"application/json",
			"image/svg+xml",
		))
	}
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxBody))

	if opts.Health != nil {
		r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	}

	// the edge decides method handling itself, so mount it for every method
	edge := opts.Edge
	if edge == nil {
		edge = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no distribution", http.StatusServiceUnavailable)
		})
	}
	r.Handle("/*", edge)

	var assumeHTTPS func(http.Handler) http.Handler
	if opts.AssumeHTTPS {
		assumeHTTPS = httpmw.AssumeHTTPS
	}
	var recoverMW func(http.Handler) http.Handler
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(opts.Logger, opts.OnPanic)
	}

	// outermost first
	return httpmw.Chain(r,
		httpmw.SecurityHeaders,
		recoverMW,
		httpmw.RequestID("X-Request-Id"),
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		assumeHTTPS,
		tracing,
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
		opts.MetricsMW,
		httpmw.WithLogger(opts.Logger),
	)
}

// shouldTrace skips health probes and static asset requests.
func shouldTrace(p string) bool {
	if p == "/-/healthy" || p == "/-/ready" || p == "/favicon.ico" || p == "/robots.txt" {
		return false
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".css", ".js", ".png", ".jpg", ".jpeg", ".webp", ".svg", ".ico", ".woff", ".woff2", ".map":
		return false
	}
	return true
}

func tracing(h http.Handler) http.Handler {
	return otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return shouldTrace(r.URL.Path) }),
		// AnnotateHTTPRoute renames the span to the route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string { return r.Method + " " + r.URL.Path }),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
}

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start serves the viewer handler and returns the bound address and
// stop(ctx) for graceful shutdown.
func Start(ctx context.Context, opts *Options) (string, func(context.Context) error, error) {
	addr := opts.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	srv := NewServer(addr, NewHandler(opts))
	L := opts.Logger

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return "", nil, xerrors.Wrapf(err, "could not listen on addr=%v", addr)
	}
	bound := ln.Addr().String()

	go func() {
		L.Info(ctx, "http server listening", "addr", bound)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return bound, stop, nil
}
