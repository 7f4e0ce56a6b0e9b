package stack

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/wafv2"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/delivery"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/domainbind"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/edge"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/origin"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/release"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/waf"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// Origins creates or opens the storage origin.
type Origins interface {
	// Provision creates the bucket if needed and converges its settings.
	Provision(ctx context.Context, c origin.Config) (origin.Origin, error)
	// Open returns a handle on a bucket that must already exist.
	Open(ctx context.Context, c origin.Config) (origin.Origin, error)
}

// Network is the delivery layer plus lookup of a distribution by name.
type Network interface {
	delivery.Provisioner
	delivery.Invalidator
	Locate(ctx context.Context, name string) (delivery.DistributionRef, bool, error)
}

// ACLEnforcer is implemented by networks that evaluate web ACLs themselves.
type ACLEnforcer interface {
	EnforceWebACL(ctx context.Context, ref waf.Ref, c waf.Config)
}

// Backends are the services a stack provisions against.
type Backends struct {
	Origins Origins
	Network Network
	WAF     waf.Provisioner
	Binder  *domainbind.Binder
	// Release builds the manifest publisher for a parameter path. Nil
	// disables publishing.
	Release func(param string) (release.Publisher, error)
}

func (b Backends) validate() error {
	switch {
	case b.Origins == nil:
		return xerrors.Config("stack: no origin backend")
	case b.Network == nil:
		return xerrors.Config("stack: no delivery backend")
	}
	return nil
}

// global services run their control planes in us-east-1
const globalRegion = "us-east-1"

type AWSOptions struct {
	// DeployTimeout bounds the wait for a distribution to deploy.
	DeployTimeout time.Duration
	// DNSSyncTimeout bounds the wait for record changes to reach INSYNC.
	DNSSyncTimeout time.Duration
	Binder         domainbind.Options
}

// AWS builds every backend from one SDK config. Certificates and web ACLs
// used by CloudFront are always created in us-east-1.
func AWS(ac aws.Config, opts AWSOptions, logger log.Logger) Backends {
	if logger == nil {
		logger = log.Nop()
	}
	global := func(o *acm.Options) { o.Region = globalRegion }
	s3c := s3.NewFromConfig(ac)
	ssmc := ssm.NewFromConfig(ac)
	cf := delivery.NewCloudFront(cloudfront.NewFromConfig(ac), delivery.CloudFrontOptions{DeployTimeout: opts.DeployTimeout}, logger)
	acmc := acm.NewFromConfig(ac, global)
	r53 := route53.NewFromConfig(ac)
	wafc := wafv2.NewFromConfig(ac, func(o *wafv2.Options) { o.Region = globalRegion })

	return Backends{
		Origins: s3Origins{api: s3c, logger: logger},
		Network: cloudFrontNetwork{cf},
		WAF:     waf.NewWAFv2(wafc, logger),
		Binder:  domainbind.NewBinder(domainbind.NewACM(acmc), domainbind.NewRoute53(r53, opts.DNSSyncTimeout), opts.Binder, logger),
		Release: func(param string) (release.Publisher, error) {
			return release.NewSSM(ssmc, param)
		},
	}
}

type s3Origins struct {
	api    origin.S3API
	logger log.Logger
}

func (s s3Origins) Provision(ctx context.Context, c origin.Config) (origin.Origin, error) {
	return origin.ProvisionS3(ctx, s.api, c, s.logger)
}

func (s s3Origins) Open(_ context.Context, c origin.Config) (origin.Origin, error) {
	return origin.NewS3(s.api, c, s.logger)
}

type cloudFrontNetwork struct{ *delivery.CloudFront }

func (c cloudFrontNetwork) Locate(ctx context.Context, name string) (delivery.DistributionRef, bool, error) {
	ref, _, ok, err := c.Find(ctx, name)
	return ref, ok, err
}

type LocalOptions struct {
	AccountID string
	// Zones pre-creates public hosted zones.
	Zones             []string
	InvalidationDelay time.Duration
	Binder            domainbind.Options
	// FilterOptions tune the request filter built for each web ACL.
	FilterOptions []waf.FilterOption
}

// Local is the in-process backend set behind `sitedeploy serve`, the
// memory backend and tests. Its state lives as long as the value.
type Local struct {
	Network *edge.Network
	WAF     *waf.Memory
	Zones   *domainbind.MemoryZones
	Issuer  *domainbind.MemoryIssuer
	Release *release.Memory

	opts   LocalOptions
	logger log.Logger

	mu      sync.Mutex
	origins map[string]*origin.Memory
}

func NewLocal(opts LocalOptions, logger log.Logger) (*Local, error) {
	if opts.AccountID == "" {
		opts.AccountID = edge.LocalAccountID
	}
	if logger == nil {
		logger = log.Nop()
	}
	n, err := edge.NewNetwork(edge.Options{AccountID: opts.AccountID, Logger: logger, InvalidationDelay: opts.InvalidationDelay})
	if err != nil {
		return nil, err
	}
	zones := domainbind.NewMemoryZones(opts.Zones...)
	return &Local{
		Network: n,
		WAF:     waf.NewMemory(opts.AccountID),
		Zones:   zones,
		Issuer:  domainbind.NewMemoryIssuer(opts.AccountID, zones),
		Release: &release.Memory{},
		opts:    opts,
		logger:  logger,
		origins: make(map[string]*origin.Memory),
	}, nil
}

// Backends wires the local services together.
func (l *Local) Backends() Backends {
	return Backends{
		Origins: localOrigins{l},
		Network: localNetwork{l},
		WAF:     l.WAF,
		Binder:  domainbind.NewBinder(l.Issuer, l.Zones, l.opts.Binder, l.logger),
		Release: func(string) (release.Publisher, error) { return l.Release, nil },
	}
}

// Origin returns the memory origin provisioned under name.
func (l *Local) Origin(name string) (*origin.Memory, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.origins[name]
	return m, ok
}

type localOrigins struct{ l *Local }

func (o localOrigins) Provision(ctx context.Context, c origin.Config) (origin.Origin, error) {
	o.l.mu.Lock()
	defer o.l.mu.Unlock()
	if m, ok := o.l.origins[c.Name]; ok {
		if _, err := m.List(ctx); !errors.Is(err, origin.ErrTornDown) {
			return m, nil
		}
	}
	m, err := origin.NewMemory(c, o.l.logger)
	if err != nil {
		return nil, err
	}
	o.l.origins[c.Name] = m
	return m, nil
}

func (o localOrigins) Open(_ context.Context, c origin.Config) (origin.Origin, error) {
	m, ok := o.l.Origin(c.Name)
	if !ok {
		return nil, xerrors.Ordering("origin %s has not been provisioned", c.Name)
	}
	return m, nil
}

type localNetwork struct{ l *Local }

func (n localNetwork) Configure(ctx context.Context, o delivery.OriginEndpoint, c delivery.Config) (delivery.Distribution, error) {
	return n.l.Network.Configure(ctx, o, c)
}

func (n localNetwork) CreateInvalidation(ctx context.Context, ref delivery.DistributionRef, paths []string) (delivery.Invalidation, error) {
	return n.l.Network.CreateInvalidation(ctx, ref, paths)
}

func (n localNetwork) WaitInvalidation(ctx context.Context, ref delivery.DistributionRef, id string) (delivery.Invalidation, error) {
	return n.l.Network.WaitInvalidation(ctx, ref, id)
}

func (n localNetwork) Locate(_ context.Context, name string) (delivery.DistributionRef, bool, error) {
	d, ok := n.l.Network.Find(name)
	return d.Ref, ok, nil
}

// EnforceWebACL puts a request filter derived from c in front of every
// distribution naming the ACL. The filter's eviction stops with ctx.
func (n localNetwork) EnforceWebACL(ctx context.Context, ref waf.Ref, c waf.Config) {
	f := waf.NewFilter(ctx, c, n.l.opts.FilterOptions...)
	n.l.Network.AttachFilter(ref.ARN, f.Middleware)
}
