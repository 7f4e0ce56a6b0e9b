// Package waf attaches an optional web ACL to the distribution.
//
// WAFv2 provisions the real ACL in CLOUDFRONT scope. Memory hands out local
// ACL references, and Filter enforces a comparable policy in front of the
// in-process edge.
package waf

import (
	"context"
	"regexp"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

const (
	// ScopeCloudFront is the only scope a distribution can use.
	ScopeCloudFront = "CLOUDFRONT"
	// Region hosts every CLOUDFRONT-scoped web ACL.
	Region = "us-east-1"

	CommonRuleSet = "AWSManagedRulesCommonRuleSet"
	// RateWindowSeconds is the window WAF evaluates rate-based rules over.
	RateWindowSeconds = 300
	// MinRateLimit is the smallest limit a rate-based rule accepts.
	MinRateLimit = 10
)

var aclName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ManagedRule references an AWS managed rule group evaluated with no
// override.
type ManagedRule struct {
	Vendor   string
	Name     string
	Priority int32
}

type Config struct {
	Name         string
	Scope        string
	ManagedRules []ManagedRule
	// RateLimit is requests per client per five minutes. Zero disables it.
	RateLimit int64
	Tags      map[string]string
}

// DefaultConfig is a CLOUDFRONT-scoped ACL running the common rule set at
// priority 1.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		Scope:        ScopeCloudFront,
		ManagedRules: []ManagedRule{{Vendor: "AWS", Name: CommonRuleSet, Priority: 1}},
	}
}

func (c Config) Validate() error {
	if !aclName.MatchString(c.Name) {
		return xerrors.Config("web ACL name %q must be 1-128 letters, digits, dashes or underscores", c.Name)
	}
	if c.Scope != ScopeCloudFront {
		return xerrors.Config("web ACL scope %q: distributions need %s", c.Scope, ScopeCloudFront)
	}
	seen := map[int32]bool{}
	for _, r := range c.ManagedRules {
		if r.Vendor == "" || r.Name == "" {
			return xerrors.Config("managed rule %+v needs a vendor and a name", r)
		}
		if seen[r.Priority] {
			return xerrors.Config("duplicate rule priority %d", r.Priority)
		}
		seen[r.Priority] = true
	}
	if c.RateLimit != 0 && c.RateLimit < MinRateLimit {
		return xerrors.Config("rate limit %d is below the minimum of %d", c.RateLimit, MinRateLimit)
	}
	return nil
}

// ratePriority places the rate rule after every managed rule.
func (c Config) ratePriority() int32 {
	var p int32
	for _, r := range c.ManagedRules {
		p = max(p, r.Priority)
	}
	return p + 1
}

// Ref is a provisioned web ACL.
type Ref struct {
	Name string
	ID   string
	ARN  string
}

type Provisioner interface {
	Ensure(ctx context.Context, cfg Config) (Ref, error)
}
