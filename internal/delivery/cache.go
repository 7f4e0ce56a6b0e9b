package delivery

import (
	"time"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// Managed cache policy ids published by CloudFront.
const (
	CachingOptimizedID                       = "658327ea-f89d-4fab-a63d-7e88639e58f6"
	CachingDisabledID                        = "4135ea2d-6df8-44a3-9df3-4b5a84be39ad"
	CachingOptimizedForUncompressedObjectsID = "b2884449-e4de-46a7-ac36-70bc7f1ddd6d"
)

// CachePolicy is the subset of a cache policy the engine reasons about.
type CachePolicy struct {
	ID         string
	Name       string
	MinTTL     time.Duration
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

// Cacheable reports whether responses are stored at all.
func (p CachePolicy) Cacheable() bool { return p.MaxTTL > 0 }

func (p CachePolicy) validate() error {
	switch {
	case p.ID == "":
		return xerrors.Config("cache policy %q has no id", p.Name)
	case p.MinTTL < 0 || p.DefaultTTL < p.MinTTL || p.MaxTTL < p.DefaultTTL:
		return xerrors.Config("cache policy %s: want 0 <= min <= default <= max ttl, got %s/%s/%s",
			p.ID, p.MinTTL, p.DefaultTTL, p.MaxTTL)
	}
	return nil
}

const (
	day  = 24 * time.Hour
	year = 365 * day
)

// ManagedCachePolicies is the catalog of AWS managed policies that may be
// named without registering them first.
var ManagedCachePolicies = map[string]CachePolicy{
	CachingOptimizedID: {
		ID: CachingOptimizedID, Name: "Managed-CachingOptimized",
		MinTTL: time.Second, DefaultTTL: day, MaxTTL: year,
	},
	CachingOptimizedForUncompressedObjectsID: {
		ID: CachingOptimizedForUncompressedObjectsID, Name: "Managed-CachingOptimizedForUncompressedObjects",
		MinTTL: time.Second, DefaultTTL: day, MaxTTL: year,
	},
	CachingDisabledID: {
		ID: CachingDisabledID, Name: "Managed-CachingDisabled",
	},
}

// lookupCachePolicy resolves id against the managed catalog and any
// explicitly registered account policies.
func lookupCachePolicy(id string, custom []CachePolicy) (CachePolicy, error) {
	if p, ok := ManagedCachePolicies[id]; ok {
		return p, nil
	}
	for _, p := range custom {
		if p.ID == id {
			if err := p.validate(); err != nil {
				return CachePolicy{}, err
			}
			return p, nil
		}
	}
	return CachePolicy{}, xerrors.Config("unknown cache policy id %q: not a managed policy and not registered", id)
}
