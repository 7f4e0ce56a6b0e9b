// Package edge is an in-process delivery network. It implements the same
// Provisioner and Invalidator contracts as CloudFront and serves viewers
// through an http.Handler, reading from the origin with the distribution's
// signed identity. It backs `sitedeploy serve` and the end-to-end tests.
package edge

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/delivery"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/origin"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// DomainSuffix is appended to the lowercased distribution id.
const DomainSuffix = ".edge.local"

// LocalAccountID is the account used when none is configured.
const LocalAccountID = "000000000000"

var accountID = regexp.MustCompile(`^\d{12}$`)

type Options struct {
	AccountID string
	Logger    log.Logger
	// InvalidationDelay is how long an invalidation stays InProgress.
	InvalidationDelay time.Duration
	// Now is the cache clock.
	Now func() time.Time
}

// Network holds every distribution configured on it.
type Network struct {
	opts   Options
	logger log.Logger

	mu      sync.Mutex
	dists   map[string]*distribution // by id
	byName  map[string]string
	filters map[string]func(http.Handler) http.Handler // by web ACL ARN
}

var (
	_ delivery.Provisioner = (*Network)(nil)
	_ delivery.Invalidator = (*Network)(nil)
)

func NewNetwork(opts Options) (*Network, error) {
	if opts.AccountID == "" {
		opts.AccountID = LocalAccountID
	}
	if !accountID.MatchString(opts.AccountID) {
		return nil, xerrors.Config("edge: account id %q must be 12 digits", opts.AccountID)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Network{
		opts:    opts,
		logger:  opts.Logger.With("component", "edge"),
		dists:   make(map[string]*distribution),
		byName:  make(map[string]string),
		filters: make(map[string]func(http.Handler) http.Handler),
	}, nil
}

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newID returns prefix followed by 13 upper-case alphanumerics.
func newID(prefix string) string {
	u := uuid.New()
	var b strings.Builder
	b.WriteString(prefix)
	for _, c := range u[:13] {
		b.WriteByte(idAlphabet[int(c)%len(idAlphabet)])
	}
	return b.String()
}

// Configure registers a distribution in front of o, which must also be an
// origin.Reader. Reconfiguring a known name keeps its id and drops its cache.
func (n *Network) Configure(ctx context.Context, o delivery.OriginEndpoint, cfg delivery.Config) (delivery.Distribution, error) {
	if cfg.Name() == "" {
		return delivery.Distribution{}, xerrors.Config("delivery config was not built with NewConfig")
	}
	reader, ok := o.(origin.Reader)
	if !ok {
		return delivery.Distribution{}, xerrors.Config("edge: origin %s cannot be read by the edge", o.Name())
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if id, ok := n.byName[cfg.Name()]; ok {
		d := n.dists[id]
		d.reconfigure(cfg, reader)
		n.logger.Info(ctx, "distribution updated", "id", id)
		return d.snapshot(), nil
	}

	var id string
	for {
		id = newID("E")
		if _, taken := n.dists[id]; !taken {
			break
		}
	}
	ref, err := delivery.NewDistributionRef(id, strings.ToLower(id)+DomainSuffix)
	if err != nil {
		return delivery.Distribution{}, err
	}
	d := newDistribution(n, ref, "arn:aws:cloudfront::"+n.opts.AccountID+":distribution/"+id, cfg, reader)
	n.dists[id] = d
	n.byName[cfg.Name()] = id
	n.logger.Info(ctx, "distribution created", "id", id, "domain", ref.DomainName(), "origin", o.Name())
	return d.snapshot(), nil
}

// Find returns the distribution configured under name.
func (n *Network) Find(name string) (delivery.Distribution, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id, ok := n.byName[name]
	if !ok {
		return delivery.Distribution{}, false
	}
	return n.dists[id].snapshot(), true
}

// AttachFilter installs request filtering for every distribution that
// names webACLARN.
func (n *Network) AttachFilter(webACLARN string, mw func(http.Handler) http.Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filters[webACLARN] = mw
}

func (n *Network) lookup(ref delivery.DistributionRef) (*distribution, error) {
	if !ref.Valid() {
		return nil, xerrors.Ordering("edge: distribution has not been provisioned")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	d, ok := n.dists[ref.ID()]
	if !ok {
		return nil, xerrors.Config("edge: unknown distribution %s", ref.ID())
	}
	return d, nil
}

// Handler serves viewer requests for ref.
func (n *Network) Handler(ref delivery.DistributionRef) (http.Handler, error) {
	d, err := n.lookup(ref)
	if err != nil {
		return nil, err
	}
	var h http.Handler = d
	n.mu.Lock()
	mw := n.filters[d.config().WebACLARN()]
	n.mu.Unlock()
	if mw != nil {
		h = mw(h)
	}
	return h, nil
}
