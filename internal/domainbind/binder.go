package domainbind

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/delivery"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

const validationTTL = 300

type Options struct {
	// ValidationTimeout bounds the wait for ISSUED. Default 30m.
	ValidationTimeout time.Duration
	// PollInterval is the first backoff interval. Default 5s.
	PollInterval time.Duration
	// MaxPollInterval caps the backoff. Default 1m.
	MaxPollInterval time.Duration
	Tags            map[string]string
}

type Binder struct {
	issuer Issuer
	dns    DNS
	opts   Options
	logger log.Logger
}

func NewBinder(issuer Issuer, dns DNS, opts Options, logger log.Logger) *Binder {
	if opts.ValidationTimeout <= 0 {
		opts.ValidationTimeout = 30 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxPollInterval <= 0 {
		opts.MaxPollInterval = time.Minute
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Binder{issuer: issuer, dns: dns, opts: opts, logger: logger.With("component", "domainbind")}
}

// ResolveZone returns the hosted zone for rootDomain. A known zone id skips
// the lookup; create makes the zone when none exists.
func (b *Binder) ResolveZone(ctx context.Context, rootDomain, zoneID string, create bool) (Zone, error) {
	rootDomain = canonical(rootDomain)
	if err := cfg.ValidateVar(rootDomain, "fqdn"); err != nil {
		return Zone{}, xerrors.Wrapf(err, "root domain")
	}
	if zoneID != "" {
		return Zone{ID: zoneID, Name: rootDomain}, nil
	}
	z, ok, err := b.dns.FindZone(ctx, rootDomain)
	if err != nil {
		return Zone{}, xerrors.Wrapf(err, "find hosted zone %s", rootDomain)
	}
	if ok {
		return z, nil
	}
	if !create {
		return Zone{}, xerrors.Classify(xerrors.KindConfig, fmt.Errorf("%w for %s", ErrNoZone, rootDomain))
	}
	z, err = b.dns.CreateZone(ctx, rootDomain)
	if err != nil {
		return Zone{}, xerrors.Wrapf(err, "create hosted zone %s", rootDomain)
	}
	b.logger.Info(ctx, "hosted zone created", "zone", z.Name, "id", z.ID)
	return z, nil
}

func validateNames(zone Zone, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, xerrors.Config("no domain names to bind")
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = canonical(n)
		if err := cfg.ValidateVar(n, "fqdn"); err != nil {
			return nil, xerrors.Config("%q is not a valid domain name", n)
		}
		if !zone.Contains(n) {
			return nil, xerrors.Config("%s is outside hosted zone %s", n, zone.Name)
		}
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out, nil
}

var errPending = errors.New("certificate still pending")

func (b *Binder) backoff() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.opts.PollInterval
	eb.MaxInterval = b.opts.MaxPollInterval
	return eb
}

// Certify finds or requests a DNS-validated certificate for names, writes
// the validation records into zone and waits for a terminal issuer state.
// On FAILED the returned binding carries the failed certificate.
func (b *Binder) Certify(ctx context.Context, zone Zone, names []string) (Binding, error) {
	names, err := validateNames(zone, names)
	if err != nil {
		return Binding{}, err
	}
	bind := Binding{Zone: zone, Names: names, State: PendingValidation}

	cert, ok, err := b.issuer.Find(ctx, names)
	if err != nil {
		return bind, xerrors.Wrapf(err, "find certificate for %v", names)
	}
	if !ok {
		cert, err = b.issuer.Request(ctx, names, b.opts.Tags)
		if err != nil {
			return bind, xerrors.Wrapf(err, "request certificate for %v", names)
		}
		b.logger.Info(ctx, "certificate requested", "arn", cert.ARN, "names", names)
	}
	bind.Certificate = cert
	if cert.Status == Issued {
		bind.State = Issued
		return bind, nil
	}

	// validation records can lag the request
	cert, err = b.poll(ctx, cert.ARN, func(c Certificate) bool { return c.validationReady() || c.Status != PendingValidation })
	bind.Certificate = cert
	if err != nil {
		return bind, err
	}
	if cert.Status == PendingValidation {
		if err := b.dns.UpsertRecords(ctx, zone, validationRecords(cert)); err != nil {
			return bind, xerrors.Wrapf(err, "write validation records for %s", cert.ARN)
		}
		b.logger.Info(ctx, "validation records written", "arn", cert.ARN, "records", len(cert.Validation))
		cert, err = b.poll(ctx, cert.ARN, func(c Certificate) bool { return c.Status != PendingValidation })
		bind.Certificate = cert
		if err != nil {
			return bind, err
		}
	}

	switch cert.Status {
	case Issued:
		bind.State = Issued
		b.logger.Info(ctx, "certificate issued", "arn", cert.ARN)
		return bind, nil
	default:
		bind.State = Failed
		return bind, xerrors.Classify(xerrors.KindConfig, fmt.Errorf("%w: %s %s", ErrCertificateFailed, cert.ARN, cert.Reason))
	}
}

// poll describes arn with backoff until done reports true.
func (b *Binder) poll(ctx context.Context, arn string, done func(Certificate) bool) (Certificate, error) {
	var last Certificate
	op := func() (Certificate, error) {
		c, err := b.issuer.Describe(ctx, arn)
		if err != nil {
			if xerrors.IsTransient(err) {
				return c, err
			}
			return c, backoff.Permanent(err)
		}
		last = c
		if done(c) {
			return c, nil
		}
		return c, errPending
	}
	c, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b.backoff()),
		backoff.WithMaxElapsedTime(b.opts.ValidationTimeout),
	)
	switch {
	case err == nil:
		return c, nil
	case errors.Is(err, errPending):
		return last, xerrors.Classify(xerrors.KindTransient,
			fmt.Errorf("certificate %s still %s after %s: %w", arn, last.Status, b.opts.ValidationTimeout, ErrCertificateNotIssued))
	default:
		return last, xerrors.Wrapf(err, "describe certificate %s", arn)
	}
}

func validationRecords(c Certificate) []Record {
	var out []Record
	seen := map[string]bool{}
	for _, v := range c.Validation {
		// apex and www share a record when ACM dedupes them
		if seen[v.Name] {
			continue
		}
		seen[v.Name] = true
		out = append(out, Record{Name: v.Name, Type: v.Type, TTL: validationTTL, Values: []string{v.Value}})
	}
	return out
}

// Bind writes A and AAAA alias records for every name in the binding,
// targeting the distribution. The certificate is re-read first: anything
// but ISSUED returns ErrCertificateNotIssued and writes nothing.
func (b *Binder) Bind(ctx context.Context, binding Binding, ref delivery.DistributionRef) (AliasRecordSet, error) {
	if !ref.Valid() {
		return AliasRecordSet{}, xerrors.Ordering("alias records requested before the distribution exists")
	}
	names, err := validateNames(binding.Zone, binding.Names)
	if err != nil {
		return AliasRecordSet{}, err
	}
	if binding.Certificate.ARN == "" {
		return AliasRecordSet{}, xerrors.Classify(xerrors.KindOrdering,
			fmt.Errorf("%w: no certificate requested for %v", ErrCertificateNotIssued, names))
	}
	cert, err := b.issuer.Describe(ctx, binding.Certificate.ARN)
	if err != nil {
		return AliasRecordSet{}, xerrors.Wrapf(err, "describe certificate %s", binding.Certificate.ARN)
	}
	if cert.Status != Issued {
		return AliasRecordSet{}, xerrors.Classify(xerrors.KindOrdering,
			fmt.Errorf("%w: %s is %s", ErrCertificateNotIssued, cert.ARN, cert.Status))
	}
	if !cert.Covers(names) {
		return AliasRecordSet{}, xerrors.Config("certificate %s does not cover %v", cert.ARN, names)
	}

	set := AliasRecordSet{Zone: binding.Zone}
	target := &AliasTarget{DNSName: ref.DomainName(), HostedZoneID: CloudFrontHostedZoneID}
	for _, n := range names {
		for _, typ := range []string{"A", "AAAA"} {
			set.Records = append(set.Records, Record{Name: n, Type: typ, Alias: target})
		}
	}
	if err := b.dns.UpsertRecords(ctx, binding.Zone, set.Records); err != nil {
		return AliasRecordSet{}, xerrors.Wrapf(err, "write alias records in %s", binding.Zone.Name)
	}
	b.logger.Info(ctx, "alias records bound", "names", names, "target", ref.DomainName())
	return set, nil
}
