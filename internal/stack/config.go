package stack

import (
	"maps"
	"strings"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/delivery"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/origin"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/waf"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// ManagedBy is the value of the ManagedBy tag on every resource.
const ManagedBy = "sitedeploy"

// Tags are applied to every resource a stack creates. They are passed to
// each backend explicitly.
type Tags struct {
	Environment string
	ProjectURL  string
	Extra       map[string]string
}

// Map renders the tags. project_url is omitted when unset; Extra never
// overrides the fixed keys.
func (t Tags) Map() map[string]string {
	m := maps.Clone(t.Extra)
	if m == nil {
		m = make(map[string]string, 3)
	}
	m["Environment"] = t.Environment
	m["ManagedBy"] = ManagedBy
	if t.ProjectURL != "" {
		m["project_url"] = t.ProjectURL
	} else {
		delete(m, "project_url")
	}
	return m
}

// Domain configures the optional domain binding.
type Domain struct {
	RootDomain string
	// Names are the certificate and alias names, subdomain first.
	Names      []string
	ZoneID     string
	CreateZone bool
}

// Deploy carries the stack file's deploy settings.
type Deploy struct {
	Concurrency      int
	MaxTries         uint
	UploadsPerSecond float64
	Invalidation     delivery.InvalidationPolicy
	ReleaseParam     string
}

// Config is the explicit description of one stack. Build it with
// NewConfig; nothing is read from globals afterwards.
type Config struct {
	// Name identifies the distribution and seeds resource names.
	Name     string
	Hostname string
	Region   string

	Origin   origin.Config
	Delivery delivery.Options
	// WAF is nil when the web ACL is disabled.
	WAF *waf.Config
	// Domain is nil when no domain binding is configured.
	Domain *Domain

	Tags     Tags
	Excludes []string
	Deploy   Deploy
}

// maxNameLen keeps derived names valid for both distributions and buckets.
const maxNameLen = 55

// NameFor derives the stack name from a hostname: www.example.com becomes
// www-example-com.
func NameFor(hostname string) string {
	n := strings.ReplaceAll(strings.ToLower(hostname), ".", "-")
	if len(n) > maxNameLen {
		n = n[:maxNameLen]
	}
	return strings.Trim(n, "-")
}

// cachePolicyID accepts a managed policy alias or a raw id.
func cachePolicyID(s string) (string, error) {
	switch strings.ToLower(s) {
	case "", "optimized", "caching-optimized":
		return delivery.CachingOptimizedID, nil
	case "disabled", "caching-disabled":
		return delivery.CachingDisabledID, nil
	case "uncompressed":
		return delivery.CachingOptimizedForUncompressedObjectsID, nil
	}
	if _, ok := delivery.ManagedCachePolicies[s]; ok {
		return s, nil
	}
	return "", xerrors.Config("unknown cache policy %q", s)
}

// NewConfig combines environment parameters with the stack file. The
// removal policy has no default and must come from one of them.
func NewConfig(p cfg.Params, sf cfg.StackFile, region string) (Config, error) {
	p = sf.Merge(p)
	if err := cfg.ValidateStruct(p); err != nil {
		return Config{}, err
	}
	removal, err := origin.ParseRemovalPolicy(p.RemovalPolicy)
	if err != nil {
		return Config{}, err
	}

	tags := Tags{Environment: p.Environment, ProjectURL: p.ProjectURL, Extra: sf.Tags}
	name := NameFor(p.FQDN())
	c := Config{
		Name:     name,
		Hostname: p.FQDN(),
		Region:   region,
		Tags:     tags,
		Excludes: sf.Excludes,
	}

	bucket := p.BucketName
	if bucket == "" {
		bucket = name + "-site"
	}
	c.Origin = origin.Config{Name: bucket, Region: region, RemovalPolicy: removal, Tags: tags.Map()}

	policyID, err := cachePolicyID(sf.Delivery.CachePolicy)
	if err != nil {
		return Config{}, err
	}
	c.Delivery = delivery.Options{
		Name:              name,
		CachePolicyID:     policyID,
		ViewerProtocol:    delivery.ViewerProtocolPolicy(sf.Delivery.ViewerProtocol),
		DefaultRootObject: sf.Delivery.DefaultRootObject,
		ErrorPage:         sf.Delivery.ErrorPage,
		ErrorStatus:       sf.Delivery.ErrorStatus,
		PriceClass:        sf.Delivery.PriceClass,
		Tags:              tags.Map(),
	}

	if p.EnableWAF {
		aclName := sf.WAF.Name
		if aclName == "" {
			aclName = name + "-acl"
		}
		w := waf.DefaultConfig(aclName)
		w.RateLimit = sf.WAF.RateLimit
		w.Tags = tags.Map()
		if err := w.Validate(); err != nil {
			return Config{}, err
		}
		c.WAF = &w
	}

	if p.EnableDomain {
		c.Domain = &Domain{
			RootDomain: p.RootDomain,
			Names:      p.DomainNames(),
			ZoneID:     p.HostedZoneID,
			CreateZone: p.CreateHostedZone,
		}
	}

	mode, err := delivery.ParseInvalidationMode(sf.Deploy.Invalidation)
	if err != nil {
		return Config{}, err
	}
	if sf.Deploy.Concurrency < 0 || sf.Deploy.MaxAttempts < 0 || sf.Deploy.UploadRate < 0 || sf.Deploy.MaxInvalidationPaths < 0 {
		return Config{}, xerrors.Config("stack file deploy settings must not be negative")
	}
	c.Deploy = Deploy{
		Concurrency:      sf.Deploy.Concurrency,
		MaxTries:         uint(sf.Deploy.MaxAttempts),
		UploadsPerSecond: sf.Deploy.UploadRate,
		Invalidation:     delivery.InvalidationPolicy{Mode: mode, MaxPaths: sf.Deploy.MaxInvalidationPaths},
		ReleaseParam:     p.ReleaseParam,
	}
	if c.Deploy.Invalidation.MaxPaths == 0 {
		c.Deploy.Invalidation.MaxPaths = delivery.DefaultMaxInvalidationPaths
	}

	// validate the distribution shape now rather than after the origin exists
	if _, err := delivery.NewConfig(c.Delivery); err != nil {
		return Config{}, err
	}
	return c, nil
}
