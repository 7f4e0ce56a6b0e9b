package main

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/stack"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// localRegion labels memory origins when --region is unset.
const localRegion = "us-east-1"

// session is one command's stack and, for the memory backend, the
// in-process services behind it.
type session struct {
	stack *stack.Stack
	local *stack.Local

	provisioned bool
}

// open loads parameters and the stack file and binds the stack to the
// selected backend.
func (a *app) open(ctx context.Context, lo stack.LocalOptions) (*session, error) {
	params, err := cfg.LoadParams(nil)
	if err != nil {
		return nil, err
	}
	var sf cfg.StackFile
	if a.conf.StackFile != "" {
		if sf, err = cfg.LoadStackFile(a.conf.StackFile); err != nil {
			return nil, err
		}
	}

	s := &session{}
	var be stack.Backends
	region := a.conf.Region

	switch a.conf.Backend {
	case cfg.BackendAWS:
		var loadOpts []func(*config.LoadOptions) error
		if region != "" {
			loadOpts = append(loadOpts, config.WithRegion(region))
		}
		ac, err := config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, xerrors.Classify(xerrors.KindConfig, xerrors.Wrap(err, "load aws config"))
		}
		if ac.Region == "" {
			return nil, xerrors.Config("no aws region: pass --region or set AWS_REGION")
		}
		region = ac.Region
		be = stack.AWS(ac, stack.AWSOptions{}, a.L)

	case cfg.BackendMemory:
		if region == "" {
			region = localRegion
		}
		if params.EnableDomain && params.HostedZoneID == "" && !params.CreateHostedZone {
			lo.Zones = append(lo.Zones, params.RootDomain)
		}
		if s.local, err = stack.NewLocal(lo, a.L); err != nil {
			return nil, err
		}
		be = s.local.Backends()

	default:
		return nil, xerrors.Config("unknown backend %q", a.conf.Backend)
	}

	sc, err := stack.NewConfig(params, sf, region)
	if err != nil {
		return nil, err
	}
	if s.stack, err = stack.New(sc, be, a.L); err != nil {
		return nil, err
	}
	a.stackName = sc.Name
	return s, nil
}

// provision converges the stack once per session.
func (s *session) provision(ctx context.Context) (stack.Outputs, error) {
	out, err := s.stack.Provision(ctx)
	if err == nil {
		s.provisioned = true
	}
	return out, err
}

// ensureLocal provisions memory backends, whose state does not outlive
// the process. Real backends are left to an explicit provision.
func (s *session) ensureLocal(ctx context.Context) error {
	if s.local == nil || s.provisioned {
		return nil
	}
	_, err := s.provision(ctx)
	return err
}

// target locates the deploy target.
func (s *session) target(ctx context.Context) (stack.Target, error) {
	if err := s.ensureLocal(ctx); err != nil {
		return stack.Target{}, err
	}
	return s.stack.Locate(ctx)
}
