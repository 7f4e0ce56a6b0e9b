// Package stack provisions one site: private origin, optional web ACL,
// certificate, distribution, access binding and alias records, in that
// order, and tears it down again.
package stack

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/access"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/delivery"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/deploy"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/domainbind"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/origin"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/release"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// Outputs describe a provisioned stack.
type Outputs struct {
	// Hostname is the bound FQDN, or the distribution domain without a
	// domain binding.
	Hostname           string
	DistributionID     string
	DistributionDomain string
	BucketName         string
	CertificateARN     string
	WebACLARN          string
	// DomainState is empty without a domain binding.
	DomainState domainbind.State
}

type Stack struct {
	cfg    Config
	be     Backends
	logger log.Logger
	tracer trace.Tracer
}

func New(c Config, be Backends, logger log.Logger) (*Stack, error) {
	if c.Name == "" {
		return nil, xerrors.Config("stack config was not built with NewConfig")
	}
	if err := be.validate(); err != nil {
		return nil, err
	}
	if c.Domain != nil && be.Binder == nil {
		return nil, xerrors.Config("stack %s: domain binding enabled without a DNS backend", c.Name)
	}
	if c.WAF != nil && be.WAF == nil {
		return nil, xerrors.Config("stack %s: web ACL enabled without a WAF backend", c.Name)
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Stack{
		cfg:    c,
		be:     be,
		logger: logger.With("component", "stack", "stack", c.Name),
		tracer: otel.Tracer("sitedeploy/stack"),
	}, nil
}

func (s *Stack) Config() Config { return s.cfg }

func (s *Stack) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "stack."+name)
	defer span.End()
	start := time.Now()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		return xerrors.Wrapf(err, "provision %s", name)
	}
	s.logger.Info(ctx, "stack step done", "step", name, "duration", time.Since(start).Seconds())
	return nil
}

// Provision creates or converges every resource. Each step needs the one
// before it and the first failure stops the run; rerunning converges.
func (s *Stack) Provision(ctx context.Context) (Outputs, error) {
	ctx, span := s.tracer.Start(ctx, "stack.provision", trace.WithAttributes(attribute.String("stack", s.cfg.Name)))
	defer span.End()

	var (
		out     = Outputs{BucketName: s.cfg.Origin.Name}
		org     origin.Origin
		binding domainbind.Binding
		dist    delivery.Distribution
	)

	err := s.step(ctx, "origin", func(ctx context.Context) (err error) {
		org, err = s.be.Origins.Provision(ctx, s.cfg.Origin)
		return err
	})
	if err != nil {
		return out, err
	}

	if s.cfg.WAF != nil {
		err = s.step(ctx, "waf", func(ctx context.Context) error {
			ref, err := s.be.WAF.Ensure(ctx, *s.cfg.WAF)
			if err != nil {
				return err
			}
			out.WebACLARN = ref.ARN
			if e, ok := s.be.Network.(ACLEnforcer); ok {
				e.EnforceWebACL(ctx, ref, *s.cfg.WAF)
			}
			return nil
		})
		if err != nil {
			return out, err
		}
	}

	if d := s.cfg.Domain; d != nil {
		err = s.step(ctx, "certificate", func(ctx context.Context) error {
			zone, err := s.be.Binder.ResolveZone(ctx, d.RootDomain, d.ZoneID, d.CreateZone)
			if err != nil {
				return err
			}
			binding, err = s.be.Binder.Certify(ctx, zone, d.Names)
			out.CertificateARN = binding.Certificate.ARN
			out.DomainState = binding.State
			return err
		})
		if err != nil {
			return out, err
		}
	}

	err = s.step(ctx, "distribution", func(ctx context.Context) error {
		opts := s.cfg.Delivery
		opts.WebACLARN = out.WebACLARN
		if s.cfg.Domain != nil {
			opts.Aliases = binding.Names
			opts.CertificateARN = binding.Certificate.ARN
		}
		dc, err := delivery.NewConfig(opts)
		if err != nil {
			return err
		}
		dist, err = s.be.Network.Configure(ctx, org, dc)
		if err != nil {
			return err
		}
		out.DistributionID = dist.Ref.ID()
		out.DistributionDomain = dist.Ref.DomainName()
		out.Hostname = dist.Ref.DomainName()
		return nil
	})
	if err != nil {
		return out, err
	}

	err = s.step(ctx, "access", func(ctx context.Context) error {
		id, err := dist.Identity()
		if err != nil {
			return err
		}
		st, err := access.Bind(access.Bucket{Name: org.Name()}, id)
		if err != nil {
			return err
		}
		return org.AttachPolicy(ctx, access.NewDocument(st))
	})
	if err != nil {
		return out, err
	}

	if s.cfg.Domain != nil {
		err = s.step(ctx, "aliases", func(ctx context.Context) error {
			set, err := s.be.Binder.Bind(ctx, binding, dist.Ref)
			if err != nil {
				return err
			}
			binding.Records = set
			binding.State = domainbind.Bound
			out.DomainState = binding.State
			out.Hostname = s.cfg.Hostname
			return nil
		})
		if err != nil {
			return out, err
		}
	}

	s.logger.Info(ctx, "stack provisioned",
		"hostname", out.Hostname,
		"distribution", out.DistributionID,
		"bucket", out.BucketName,
	)
	return out, nil
}

// Target is what a deploy runs against.
type Target struct {
	Origin       origin.Origin
	Distribution delivery.DistributionRef
}

// Locate finds the provisioned origin and distribution without changing
// them. A stack that was never provisioned is an ordering error.
func (s *Stack) Locate(ctx context.Context) (Target, error) {
	ref, ok, err := s.be.Network.Locate(ctx, s.cfg.Name)
	if err != nil {
		return Target{}, xerrors.Wrapf(err, "locate distribution %s", s.cfg.Name)
	}
	if !ok {
		return Target{}, xerrors.Ordering("stack %s has no distribution; run provision first", s.cfg.Name)
	}
	org, err := s.be.Origins.Open(ctx, s.cfg.Origin)
	if err != nil {
		return Target{}, err
	}
	return Target{Origin: org, Distribution: ref}, nil
}

// DeployOptions merges the stack's deploy settings into base. Explicit
// values in base win.
func (s *Stack) DeployOptions(base deploy.Options) (deploy.Options, error) {
	d := s.cfg.Deploy
	if base.Concurrency == 0 {
		base.Concurrency = d.Concurrency
	}
	if base.MaxTries == 0 {
		base.MaxTries = d.MaxTries
	}
	if base.UploadsPerSecond == 0 {
		base.UploadsPerSecond = d.UploadsPerSecond
	}
	if base.Invalidation.Mode == "" {
		base.Invalidation.Mode = d.Invalidation.Mode
	}
	if base.Invalidation.MaxPaths == 0 {
		base.Invalidation.MaxPaths = d.Invalidation.MaxPaths
	}
	if base.RootObject == "" {
		base.RootObject = s.cfg.Delivery.DefaultRootObject
	}
	if base.Publisher == nil {
		p, err := s.Publisher()
		if err != nil {
			return base, err
		}
		base.Publisher = p
	}
	return base, nil
}

// Orchestrator returns a deploy orchestrator bound to the stack's edge.
func (s *Stack) Orchestrator(base deploy.Options) (*deploy.Orchestrator, error) {
	opts, err := s.DeployOptions(base)
	if err != nil {
		return nil, err
	}
	return deploy.New(s.be.Network, opts), nil
}

// Invalidator is the stack's edge, for manual invalidations.
func (s *Stack) Invalidator() delivery.Invalidator { return s.be.Network }

// Publisher returns the manifest publisher, or nil when none is configured.
func (s *Stack) Publisher() (release.Publisher, error) {
	if s.cfg.Deploy.ReleaseParam == "" || s.be.Release == nil {
		return nil, nil
	}
	return s.be.Release(s.cfg.Deploy.ReleaseParam)
}

// Teardown applies the origin's removal policy. The distribution, ACL and
// DNS records are left for the operator.
func (s *Stack) Teardown(ctx context.Context) error {
	org, err := s.be.Origins.Open(ctx, s.cfg.Origin)
	if err != nil {
		return err
	}
	if err := org.Teardown(ctx); err != nil {
		return xerrors.Wrapf(err, "teardown origin %s", org.Name())
	}
	s.logger.Info(ctx, "stack torn down", "bucket", org.Name(), "removal_policy", string(s.cfg.Origin.RemovalPolicy))
	return nil
}
