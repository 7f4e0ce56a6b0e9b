package delivery

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// Provisioner creates or converges a distribution in front of an origin.
type Provisioner interface {
	Configure(ctx context.Context, origin OriginEndpoint, cfg Config) (Distribution, error)
}

// Invalidator purges cached paths at the edge.
type Invalidator interface {
	CreateInvalidation(ctx context.Context, ref DistributionRef, paths []string) (Invalidation, error)
	// WaitInvalidation blocks until the invalidation is terminal or ctx is done.
	WaitInvalidation(ctx context.Context, ref DistributionRef, id string) (Invalidation, error)
}

type callerRefKey struct{}

// WithCallerReference pins the caller reference CreateInvalidation sends, so
// a retried request is deduplicated by the edge instead of creating a second
// invalidation.
func WithCallerReference(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, callerRefKey{}, ref)
}

// CallerReferenceFrom returns the reference pinned on ctx, or "".
func CallerReferenceFrom(ctx context.Context) string {
	ref, _ := ctx.Value(callerRefKey{}).(string)
	return ref
}

// NewCallerReference returns a fresh, unique caller reference.
func NewCallerReference() string { return callerReference() }

type InvalidationStatus string

const (
	InvalidationInProgress InvalidationStatus = "InProgress"
	InvalidationCompleted  InvalidationStatus = "Completed"
	InvalidationFailed     InvalidationStatus = "Failed"
	// InvalidationSkipped means nothing changed, so nothing was sent.
	InvalidationSkipped InvalidationStatus = "Skipped"
)

type Invalidation struct {
	ID             string
	DistributionID string
	Paths          []string
	Status         InvalidationStatus
	CreatedAt      time.Time
	CompletedAt    time.Time
}

func (i Invalidation) Terminal() bool {
	switch i.Status {
	case InvalidationCompleted, InvalidationFailed, InvalidationSkipped:
		return true
	}
	return false
}

// AllPaths invalidates every object on the distribution.
const AllPaths = "/*"

// ValidateInvalidationPaths checks paths are absolute and use at most a
// single trailing wildcard.
func ValidateInvalidationPaths(paths []string) error {
	if len(paths) == 0 {
		return xerrors.Config("invalidation needs at least one path")
	}
	for _, p := range paths {
		if !strings.HasPrefix(p, "/") {
			return xerrors.Config("invalidation path %q must start with /", p)
		}
		if i := strings.IndexByte(p, '*'); i >= 0 && i != len(p)-1 {
			return xerrors.Config("invalidation path %q: wildcard must be the last character", p)
		}
		if pathutil.HasDotSegments(p) {
			return xerrors.Config("invalidation path %q has a dot segment", p)
		}
	}
	return nil
}

type InvalidationMode string

const (
	// InvalidateAll sends a single /* whenever anything changed.
	InvalidateAll InvalidationMode = "all"
	// InvalidateChanged sends the exact changed paths.
	InvalidateChanged InvalidationMode = "changed"
)

const DefaultMaxInvalidationPaths = 15

func ParseInvalidationMode(s string) (InvalidationMode, error) {
	switch InvalidationMode(s) {
	case "", InvalidateAll:
		return InvalidateAll, nil
	case InvalidateChanged:
		return InvalidateChanged, nil
	}
	return "", xerrors.Config("invalidation mode %q must be %q or %q", s, InvalidateAll, InvalidateChanged)
}

// InvalidationPolicy turns the set of changed object keys into edge paths.
type InvalidationPolicy struct {
	Mode InvalidationMode
	// MaxPaths collapses a changed-mode list to /* once exceeded.
	MaxPaths int
}

// Paths returns nil when nothing changed. rootObject is the distribution's
// default root object; changing it also invalidates the directory URL that
// serves it.
func (p InvalidationPolicy) Paths(changedKeys []string, rootObject string) []string {
	if len(changedKeys) == 0 {
		return nil
	}
	if p.Mode != InvalidateChanged {
		return []string{AllPaths}
	}
	limit := p.MaxPaths
	if limit <= 0 {
		limit = DefaultMaxInvalidationPaths
	}

	var paths []string
	for _, k := range changedKeys {
		u := pathutil.URLPath(k)
		paths = append(paths, u)
		if rootObject != "" && (k == rootObject || strings.HasSuffix(k, "/"+rootObject)) {
			paths = append(paths, strings.TrimSuffix(u, rootObject))
		}
	}
	paths = lo.Uniq(paths)
	if len(paths) > limit {
		return []string{AllPaths}
	}
	slices.Sort(paths)
	return paths
}

// Covers reports whether an invalidation path purges urlPath.
func Covers(pattern, urlPath string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(urlPath, prefix)
	}
	return pattern == urlPath
}
