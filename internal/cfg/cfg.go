// Package cfg holds process configuration: CLI flags filled from the
// environment, stack parameters parsed from environment variables, and the
// optional TOML stack file.
package cfg

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
)

const EnvPrefix = "SITEDEPLOY_"

// App is the set of global flags shared by every command.
type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	EnableTracing     bool
	OTLPEndpoint      string
	TraceSample       float64
	MetricsPushURL    string
	Region            string
	Backend           string
	StackFile         string
}

// Serve holds flags for the local preview server.
type Serve struct {
	HTTPPort        int
	AdminPort       int
	EnablePprof     bool
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
	TrustedHops     int
	RateLimit       float64
	RateBurst       int
}

const (
	BackendAWS    = "aws"
	BackendMemory = "memory"
)

// Register binds the global fields to fs with defaults inline
func Register(fs *pflag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", false, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 1.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.MetricsPushURL, "metrics-push-url", "", "prometheus pushgateway url to push run metrics to")
	fs.StringVar(&c.Region, "region", "", "AWS region for the storage origin (defaults to the SDK chain)")
	fs.StringVar(&c.Backend, "backend", BackendAWS, "aws|memory")
	fs.StringVar(&c.StackFile, "stack-file", "", "optional TOML stack file")
}

// RegisterServe binds the preview server fields to fs
func RegisterServe(fs *pflag.FlagSet, c *Serve) {
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in --pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "number of trusted proxies in front of the preview server")
	fs.Float64Var(&c.RateLimit, "rate-limit", 20, "per-client requests per second at the edge filter (0 disables)")
	fs.IntVar(&c.RateBurst, "rate-burst", 40, "per-client burst at the edge filter")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *pflag.FlagSet, prefix string, logf func(string, ...any)) {
	fs.VisitAll(func(f *pflag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if f.Changed {
			if logf != nil {
				logf("flag --%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := f.Value.Set(envVal); err != nil {
			_ = f.Value.Set(prev)
			if logf != nil {
				logf("flag --%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.MetricsPushURL != "" && !isURL(c.MetricsPushURL) {
		errs = append(errs, fmt.Errorf("METRICS_PUSH_URL must be a URL (got %q)", c.MetricsPushURL))
	}

	switch c.Backend {
	case BackendAWS, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid BACKEND %q (must be aws|memory)", c.Backend))
	}

	return errors.Join(errs...)
}

// ValidateServe checks the preview server flags.
func ValidateServe(c Serve) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if !isURL(c.PyroServer) {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	if c.TrustedHops < 0 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be >= 0 (got %d)", c.TrustedHops))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT must be >= 0 (got %v)", c.RateLimit))
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_BURST must be >= 1 when RATE_LIMIT is set (got %d)", c.RateBurst))
	}

	return errors.Join(errs...)
}

func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}
