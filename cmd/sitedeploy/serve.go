package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/health"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/prof"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/stack"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/version"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/waf"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/webassets"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

const serveShutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var (
		sc    cfg.Serve
		f     deployFlags
		drain time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve [DIR]",
		Short: "Deploy DIR to an in-process stack and serve it through the local edge",
		Long: `Serve provisions the stack on the memory backend, deploys DIR to it and
serves the distribution on --http-port, with metrics, health and pprof on
--admin-port. Plain http viewers are treated as https. Without DIR the
built-in placeholder site is served.`,
		Args: maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return a.serve(cmd.Context(), dir, sc, &f, drain)
		},
	}
	cfg.RegisterServe(cmd.Flags(), &sc)
	f.register(cmd, true)
	cmd.Flags().DurationVar(&drain, "drain", 5*time.Second, "time between failing readiness and closing listeners")
	return cmd
}

func (a *app) serve(ctx context.Context, dir string, sc cfg.Serve, f *deployFlags, drain time.Duration) error {
	if err := cfg.ValidateServe(sc); err != nil {
		return xerrors.Classify(xerrors.KindConfig, err)
	}
	tree, label := webassets.Placeholder(), "placeholder site"
	if dir != "" {
		var err error
		if tree, err = openTree(dir); err != nil {
			return err
		}
		label = dir
	}
	L := a.L
	vi := version.Get()

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       sc.EnablePyroscope,
		AppName:       version.AppName,
		ServerAddress: sc.PyroServer,
		TenantID:      sc.PyroTenantID,
		Tags:          lo.Assign(vi.Tags(), map[string]string{"component": "serve"}),
		OnActive:      a.m.SetProfilingActive,
	})
	if err != nil {
		// the preview runs without profiles
		L.Warn(ctx, "profiling unavailable", "err", err)
	}
	defer stopProf()

	filterOpts := []waf.FilterOption{
		waf.WithOnDenied(func(string) { a.m.IncFilterDenied() }),
		waf.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "edge rate limit triggered", "client.address", ip)
		}),
		waf.WithOnBlocked(func(ip, reason string) {
			a.m.IncFilterBlocked(reason)
			L.Warn(ctx, "edge request blocked", "client.address", ip, "reason", reason)
		}),
	}
	if sc.RateLimit > 0 {
		filterOpts = append(filterOpts, waf.WithRate(sc.RateLimit, sc.RateBurst))
	}

	// the edge handler only exists in-process
	a.conf.Backend = cfg.BackendMemory
	s, err := a.open(ctx, stack.LocalOptions{FilterOptions: filterOpts})
	if err != nil {
		return err
	}
	res, err := a.deploy(ctx, s, tree, f)
	if err != nil {
		return err
	}
	t, err := s.stack.Locate(ctx)
	if err != nil {
		return err
	}
	edgeHandler, err := s.local.Network.Handler(t.Distribution)
	if err != nil {
		return err
	}

	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())

	bound, stopHTTP, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Addr:         fmt.Sprintf(":%d", sc.HTTPPort),
		UseRecoverMW: true,
		OnPanic:      a.m.IncHttpPanic,
		MetricsMW:    a.m.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Edge:         edgeHandler,
		Compress:     !s.stack.Config().Delivery.DisableCompression,
		AssumeHTTPS:  true,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: sc.TrustedHops},
	})
	if err != nil {
		return err
	}
	defer func() { _ = stopHTTP(context.Background()) }()

	stopOps, err := opshttp.Start(ctx, L, opshttp.Options{
		Addr:         fmt.Sprintf("127.0.0.1:%d", sc.AdminPort),
		Metrics:      a.m.Handler(),
		EnablePprof:  sc.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      a.m.IncHttpPanic,
	})
	if err != nil {
		return err
	}
	defer func() { _ = stopOps(context.Background()) }()

	_, port, _ := net.SplitHostPort(bound)
	L.Info(ctx, "preview ready",
		"addr", bound,
		"distribution", t.Distribution.ID(),
		"manifest", res.ManifestDigest,
		"assets", len(res.Uploaded)+len(res.Skipped),
	)
	fmt.Fprintf(a.stdout, "serving %s at http://localhost:%s/\n", label, port)

	<-ctx.Done()
	return a.drain(&gate, drain, stopHTTP, stopOps)
}

// drain fails readiness, waits for in-flight requests and probes to notice,
// then stops both listeners. A second signal skips the wait.
func (a *app) drain(gate *health.ShutdownGate, d time.Duration, stops ...func(context.Context) error) error {
	L := a.L
	bg := context.Background()
	L.Info(bg, "shutdown signal received")
	gate.Set("draining")

	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(d):
		L.Info(bg, "drain period complete")
	case <-force:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(force)

	ctx, cancel := context.WithTimeout(bg, serveShutdownTimeout)
	defer cancel()
	var errs []error
	for _, stop := range stops {
		if err := stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return xerrors.Wrap(err, "shutdown")
	}
	L.Info(bg, "shutdown complete")
	return nil
}
