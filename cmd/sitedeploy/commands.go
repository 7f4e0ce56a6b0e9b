package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/delivery"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/deploy"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/stack"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/version"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

func newProvisionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create or converge the bucket, distribution, web ACL and domain",
		Long: `Provision converges every stack resource and prints the hostname the
site is reachable at: the bound domain, or the distribution domain when no
domain is configured.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := a.open(ctx, stack.LocalOptions{})
			if err != nil {
				return err
			}
			out, err := s.provision(ctx)
			if err != nil {
				return err
			}
			a.L.Info(ctx, "stack ready",
				"distribution", out.DistributionID,
				"bucket", out.BucketName,
				"web_acl", out.WebACLARN,
				"domain_state", string(out.DomainState),
			)
			fmt.Fprintln(a.stdout, out.Hostname)
			return nil
		},
	}
}

// deployFlags are shared by deploy, plan and serve.
type deployFlags struct {
	excludes    []string
	concurrency int
	noProgress  bool
}

func (f *deployFlags) register(cmd *cobra.Command, progress bool) {
	cmd.Flags().StringArrayVar(&f.excludes, "exclude", nil, "glob of asset paths to skip (repeatable)")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "parallel uploads; 0 uses the stack file or the default")
	if progress {
		cmd.Flags().BoolVar(&f.noProgress, "no-progress", false, "disable the progress bar")
	}
}

func (f *deployFlags) merged(s *session) []string {
	return append(append([]string(nil), s.stack.Config().Excludes...), f.excludes...)
}

// openTree roots dir as the asset tree.
func openTree(dir string) (fs.FS, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, xerrors.Classify(xerrors.KindConfig, xerrors.Wrapf(err, "asset tree %s", dir))
	}
	if !st.IsDir() {
		return nil, xerrors.Config("asset tree %s is not a directory", dir)
	}
	return os.DirFS(dir), nil
}

func newDeployCmd(a *app) *cobra.Command {
	var f deployFlags
	cmd := &cobra.Command{
		Use:   "deploy DIR",
		Short: "Upload changed assets, delete stale ones and invalidate the edge",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tree, err := openTree(args[0])
			if err != nil {
				return err
			}
			s, err := a.open(ctx, stack.LocalOptions{})
			if err != nil {
				return err
			}
			res, err := a.deploy(ctx, s, tree, &f)
			if res.ManifestDigest == "" {
				return err
			}
			if rerr := renderResult(a.stdout, res); rerr != nil && err == nil {
				err = rerr
			}
			return err
		},
	}
	f.register(cmd, true)
	return cmd
}

// deploy runs one deploy of tree against the session's stack.
func (a *app) deploy(ctx context.Context, s *session, tree fs.FS, f *deployFlags) (deploy.Result, error) {
	t, err := s.target(ctx)
	if err != nil {
		return deploy.Result{}, err
	}
	base := deploy.Options{
		Concurrency: f.concurrency,
		Recorder:    a.m,
		Logger:      a.L,
	}
	var bar *progressBar
	if !f.noProgress {
		bar = newProgressBar(a.stderr)
		base.OnProgress = bar.update
	}
	orch, err := s.stack.Orchestrator(base)
	if err != nil {
		return deploy.Result{}, err
	}
	res, err := orch.Deploy(ctx, tree, t.Origin, t.Distribution, f.merged(s))
	bar.finish()
	return res, err
}

func newPlanCmd(a *app) *cobra.Command {
	var f deployFlags
	cmd := &cobra.Command{
		Use:   "plan DIR",
		Short: "Show what deploy would upload, skip, delete and invalidate",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tree, err := openTree(args[0])
			if err != nil {
				return err
			}
			s, err := a.open(ctx, stack.LocalOptions{})
			if err != nil {
				return err
			}
			t, err := s.target(ctx)
			if err != nil {
				return err
			}
			orch, err := s.stack.Orchestrator(deploy.Options{Logger: a.L})
			if err != nil {
				return err
			}
			p, err := orch.Plan(ctx, tree, t.Origin, f.merged(s))
			if err != nil {
				return err
			}
			return renderPlan(a.stdout, p)
		},
	}
	f.register(cmd, false)
	return cmd
}

func newInvalidateCmd(a *app) *cobra.Command {
	var noWait bool
	cmd := &cobra.Command{
		Use:   "invalidate PATH...",
		Short: "Purge paths from the edge caches",
		Example: `  sitedeploy invalidate /index.html /assets/*
  sitedeploy invalidate --no-wait /*`,
		Args: minArgs(1),
		RunE: func(cmd *cobra.Command, paths []string) error {
			if err := delivery.ValidateInvalidationPaths(paths); err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := a.open(ctx, stack.LocalOptions{})
			if err != nil {
				return err
			}
			t, err := s.target(ctx)
			if err != nil {
				return err
			}
			edge := s.stack.Invalidator()
			inv, err := edge.CreateInvalidation(ctx, t.Distribution, paths)
			if err != nil {
				return err
			}
			if !noWait && !inv.Terminal() {
				if inv, err = edge.WaitInvalidation(ctx, t.Distribution, inv.ID); err != nil {
					return err
				}
			}
			a.m.Invalidated(inv.Status)
			if inv.Status == delivery.InvalidationFailed {
				err = xerrors.Wrapf(deploy.ErrInvalidationFailed, "invalidation %s", inv.ID)
			}
			if rerr := renderInvalidation(a.stdout, inv); rerr != nil && err == nil {
				err = rerr
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return once the invalidation is accepted")
	return cmd
}

func newTeardownCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "teardown",
		Short: "Apply the origin removal policy",
		Long: `Teardown empties and deletes the bucket when the removal policy is
destroy, and leaves it untouched when it is retain. The distribution, web
ACL and DNS records are left in place.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := a.open(ctx, stack.LocalOptions{})
			if err != nil {
				return err
			}
			if err := s.ensureLocal(ctx); err != nil {
				return err
			}
			if err := s.stack.Teardown(ctx); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s: %s\n", s.stack.Config().Origin.Name, s.stack.Config().Origin.RemovalPolicy)
			return nil
		},
	}
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  exactArgs(0),
		RunE: func(*cobra.Command, []string) error {
			_, err := fmt.Fprintln(a.stdout, version.Get().String())
			return err
		},
	}
}
