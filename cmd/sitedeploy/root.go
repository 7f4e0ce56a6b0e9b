package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/version"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// finishTimeout bounds the metrics push and trace flush after a command.
const finishTimeout = 10 * time.Second

// app is the state shared by every command of one invocation.
type app struct {
	conf   cfg.App
	stdout io.Writer
	stderr io.Writer

	lg log.Logger
	L  log.Logger
	m  *metrics.Metrics

	shutdownOTEL otelx.ShutdownFunc
	job          string
	stackName    string
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr, L: log.Nop(), m: metrics.New()}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           version.AppName,
		Short:         "Provision a static site behind a CDN and deploy assets to it",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup(cmd)
		},
	}
	cfg.Register(root.PersistentFlags(), &a.conf)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return xerrors.Classify(xerrors.KindConfig, err)
	})

	root.AddCommand(
		newProvisionCmd(a),
		newPlanCmd(a),
		newDeployCmd(a),
		newInvalidateCmd(a),
		newServeCmd(a),
		newTeardownCmd(a),
		newVersionCmd(a),
	)
	return root
}

// setup fills flags from the environment, validates them and starts
// logging, tracing and metrics for cmd.
func (a *app) setup(cmd *cobra.Command) error {
	cfg.FillFromEnv(cmd.Flags(), cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(a.stderr, format+"\n", args...)
	})
	if err := cfg.Validate(a.conf); err != nil {
		return xerrors.Classify(xerrors.KindConfig, err)
	}

	lvl, _ := log.ParseLevel(a.conf.LogLevel)
	stLvl := slog.LevelError
	if a.conf.StacktraceLevel != "" {
		stLvl, _ = log.ParseLevel(a.conf.StacktraceLevel)
	}
	vi := version.Get()
	lg, err := log.New(log.Options{
		App:               version.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		StacktraceLevel:   stLvl,
		JsonFormat:        a.conf.LogJSON,
		MaxErrorLinks:     a.conf.MaxErrorLinks,
		IncludeErrorLinks: a.conf.IncludeErrorLinks,
		Writer:            a.stderr,
	})
	if err != nil {
		return xerrors.Classify(xerrors.KindConfig, xerrors.Wrap(err, "logger init"))
	}
	a.lg = lg
	a.L = lg.With("component", cmd.Name())
	ctx := log.WithContext(cmd.Context(), a.L)

	// the collector runs on localhost
	a.shutdownOTEL, err = otelx.Init(ctx, otelx.Options{
		Enabled:   a.conf.EnableTracing,
		Endpoint:  a.conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    a.conf.TraceSample,
		Service:   version.AppName,
		Component: cmd.Name(),
		Version:   vi.Version,
	})
	if err != nil {
		return err
	}

	a.m.SetBuildInfoFromVersion(version.AppName, cmd.Name(), vi)
	a.job = version.AppName + "_" + cmd.Name()

	a.L.Debug(ctx, "command starting",
		"version", vi.Version,
		"commit", vi.ShortCommit(),
		"backend", a.conf.Backend,
		"region", a.conf.Region,
		"stack_file", a.conf.StackFile,
		"enable_tracing", a.conf.EnableTracing,
	)
	cmd.SetContext(ctx)
	return nil
}

// finish pushes run metrics, flushes traces and reports err.
func (a *app) finish(err error) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	if a.job != "" && a.conf.MetricsPushURL != "" {
		if perr := a.m.Push(ctx, a.conf.MetricsPushURL, a.job, a.stackName); perr != nil {
			a.L.Warn(ctx, "metrics push failed", "err", perr)
		}
	}
	if a.shutdownOTEL != nil {
		if serr := a.shutdownOTEL(ctx); serr != nil {
			a.L.Warn(ctx, "trace flush failed", "err", serr)
		}
	}

	if err != nil {
		kind := xerrors.KindOf(err)
		if a.lg != nil {
			a.L.Error(ctx, err, "command failed", "kind", kind.String(), "exit_code", kind.ExitCode())
		} else {
			fmt.Fprintf(a.stderr, "%s: %v\n", version.AppName, err)
		}
	}
	if a.lg != nil {
		_ = a.lg.Sync()
	}
}

// exactArgs is cobra.ExactArgs with a config classification.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return xerrors.Classify(xerrors.KindConfig, err)
		}
		return nil
	}
}

func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MinimumNArgs(n)(cmd, args); err != nil {
			return xerrors.Classify(xerrors.KindConfig, err)
		}
		return nil
	}
}

func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MaximumNArgs(n)(cmd, args); err != nil {
			return xerrors.Classify(xerrors.KindConfig, err)
		}
		return nil
	}
}
