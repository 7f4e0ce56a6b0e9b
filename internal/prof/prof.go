// Package prof runs the pyroscope continuous profiler for long-lived commands.
package prof

import (
	"context"
	"net/url"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	// AuthToken is sent as a bearer token when set.
	AuthToken string
	TenantID  string
	Tags      map[string]string

	// Zero leaves the runtime default and omits the matching profile types.
	ProfileMutexFraction int
	BlockProfileRate     int

	// OnActive reports profiler state, e.g. to a gauge.
	OnActive func(active bool)
}

var baseProfiles = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
}

// Start returns a stop func that is always non-nil and idempotent, even
// alongside an error.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx).With("component", "prof")
	noop := func() {}

	if !opts.Enabled {
		L.Debug(ctx, "profiling disabled")
		return noop, nil
	}
	if err := validateAddress(opts.ServerAddress); err != nil {
		L.Error(ctx, err, "profiling options rejected")
		return noop, err
	}

	profiler, err := pyroscope.Start(buildConfig(opts))
	if err != nil {
		err = xerrors.Wrap(err, "start pyroscope")
		L.Error(ctx, err, "profiling start failed", "server_address", opts.ServerAddress)
		return noop, err
	}
	setActive(opts.OnActive, true)
	L.Info(ctx, "profiling started", "server_address", opts.ServerAddress, "app_name", opts.AppName)

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := profiler.Stop(); err != nil {
				L.Warn(context.Background(), "profiler flush failed", "err", err)
			}
			setActive(opts.OnActive, false)
			L.Info(context.Background(), "profiling stopped")
		})
	}, nil
}

func validateAddress(addr string) error {
	if addr == "" {
		return xerrors.Config("invalid server address (%q)", addr)
	}
	u, err := url.Parse(addr)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return xerrors.Config("invalid server address (%q): want http(s)://host[:port]", addr)
	}
	return nil
}

func buildConfig(opts Options) pyroscope.Config {
	c := pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		ProfileTypes:    append([]pyroscope.ProfileType(nil), baseProfiles...),
	}
	if opts.AuthToken != "" {
		c.HTTPHeaders = map[string]string{"Authorization": "Bearer " + opts.AuthToken}
	}
	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
		c.ProfileTypes = append(c.ProfileTypes, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
		c.ProfileTypes = append(c.ProfileTypes, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}
	return c
}

func setActive(fn func(bool), v bool) {
	if fn != nil {
		fn(v)
	}
}
