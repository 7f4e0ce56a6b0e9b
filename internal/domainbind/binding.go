// Package domainbind maps human-facing names onto a distribution.
//
// A Binding moves PENDING_VALIDATION -> ISSUED -> BOUND, or from
// PENDING_VALIDATION to FAILED, which is terminal. Alias records are only
// ever written for an ISSUED certificate.
package domainbind

import (
	"context"
	"errors"
	"strings"
)

type State string

const (
	PendingValidation State = "PENDING_VALIDATION"
	Issued            State = "ISSUED"
	Bound             State = "BOUND"
	Failed            State = "FAILED"
)

func (s State) Terminal() bool { return s == Bound || s == Failed }

var (
	ErrCertificateNotIssued = errors.New("domainbind: certificate is not issued")
	ErrCertificateFailed    = errors.New("domainbind: certificate validation failed")
	ErrNoZone               = errors.New("domainbind: hosted zone not found")
)

// CloudFrontHostedZoneID is the fixed zone every CloudFront alias targets.
const CloudFrontHostedZoneID = "Z2FDTNDATAQYW2"

type Zone struct {
	ID   string
	Name string
}

// Contains reports whether name lies inside the zone.
func (z Zone) Contains(name string) bool {
	name = canonical(name)
	zn := canonical(z.Name)
	return name == zn || strings.HasSuffix(name, "."+zn)
}

type ValidationRecord struct {
	Domain string
	Name   string
	Type   string
	Value  string
}

type Certificate struct {
	ARN        string
	Domain     string
	SANs       []string
	Status     State
	Validation []ValidationRecord
	// Reason explains a FAILED status when the issuer gives one.
	Reason string
}

// Covers reports whether the certificate names every one of names.
func (c Certificate) Covers(names []string) bool {
	have := map[string]bool{canonical(c.Domain): true}
	for _, s := range c.SANs {
		have[canonical(s)] = true
	}
	for _, n := range names {
		if !have[canonical(n)] {
			return false
		}
	}
	return true
}

// validationReady reports whether the issuer has published a record for
// every domain awaiting validation.
func (c Certificate) validationReady() bool {
	if len(c.Validation) == 0 {
		return false
	}
	for _, v := range c.Validation {
		if v.Name == "" || v.Value == "" {
			return false
		}
	}
	return true
}

type AliasTarget struct {
	DNSName      string
	HostedZoneID string
}

type Record struct {
	Name   string
	Type   string
	TTL    int64
	Values []string
	Alias  *AliasTarget
}

// AliasRecordSet is what Bind wrote into the zone.
type AliasRecordSet struct {
	Zone    Zone
	Records []Record
}

type Binding struct {
	Zone        Zone
	Names       []string
	Certificate Certificate
	Records     AliasRecordSet
	State       State
}

// Issuer requests and tracks DNS-validated certificates.
type Issuer interface {
	// Find returns a pending or issued certificate covering names.
	Find(ctx context.Context, names []string) (Certificate, bool, error)
	// Request asks for a certificate on names[0] with the rest as SANs.
	Request(ctx context.Context, names []string, tags map[string]string) (Certificate, error)
	Describe(ctx context.Context, arn string) (Certificate, error)
}

// DNS manages hosted zones and their records.
type DNS interface {
	FindZone(ctx context.Context, name string) (Zone, bool, error)
	CreateZone(ctx context.Context, name string) (Zone, error)
	UpsertRecords(ctx context.Context, zone Zone, records []Record) error
}

func canonical(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}
