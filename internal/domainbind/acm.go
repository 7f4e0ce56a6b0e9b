package domainbind

import (
	"context"
	"maps"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/acm/types"
	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// ACMAPI is the subset of the ACM client used here. CloudFront only reads
// certificates from us-east-1, so the client must be configured there.
type ACMAPI interface {
	ListCertificates(ctx context.Context, in *acm.ListCertificatesInput, optFns ...func(*acm.Options)) (*acm.ListCertificatesOutput, error)
	RequestCertificate(ctx context.Context, in *acm.RequestCertificateInput, optFns ...func(*acm.Options)) (*acm.RequestCertificateOutput, error)
	DescribeCertificate(ctx context.Context, in *acm.DescribeCertificateInput, optFns ...func(*acm.Options)) (*acm.DescribeCertificateOutput, error)
}

type ACM struct {
	api ACMAPI
}

var _ Issuer = (*ACM)(nil)

func NewACM(api ACMAPI) *ACM { return &ACM{api: api} }

func (a *ACM) Find(ctx context.Context, names []string) (Certificate, bool, error) {
	p := acm.NewListCertificatesPaginator(a.api, &acm.ListCertificatesInput{
		CertificateStatuses: []types.CertificateStatus{types.CertificateStatusPendingValidation, types.CertificateStatusIssued},
	})
	primary := canonical(names[0])
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return Certificate{}, false, xerrors.Wrap(err, "list certificates")
		}
		for _, s := range page.CertificateSummaryList {
			if canonical(aws.ToString(s.DomainName)) != primary {
				continue
			}
			c, err := a.Describe(ctx, aws.ToString(s.CertificateArn))
			if err != nil {
				return Certificate{}, false, err
			}
			if c.Covers(names) && c.Status != Failed {
				return c, true, nil
			}
		}
	}
	return Certificate{}, false, nil
}

func (a *ACM) Request(ctx context.Context, names []string, tags map[string]string) (Certificate, error) {
	in := &acm.RequestCertificateInput{
		DomainName:       aws.String(names[0]),
		ValidationMethod: types.ValidationMethodDns,
		// deduplicates retried requests for up to an hour
		IdempotencyToken: aws.String(strings.ReplaceAll(uuid.NewString(), "-", "")[:32]),
	}
	if len(names) > 1 {
		in.SubjectAlternativeNames = slices.Clone(names[1:])
	}
	for _, k := range slices.Sorted(maps.Keys(tags)) {
		in.Tags = append(in.Tags, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	out, err := a.api.RequestCertificate(ctx, in)
	if err != nil {
		return Certificate{}, xerrors.Wrapf(err, "request certificate for %s", names[0])
	}
	return Certificate{
		ARN:    aws.ToString(out.CertificateArn),
		Domain: names[0],
		SANs:   slices.Clone(names[1:]),
		Status: PendingValidation,
	}, nil
}

func (a *ACM) Describe(ctx context.Context, arn string) (Certificate, error) {
	out, err := a.api.DescribeCertificate(ctx, &acm.DescribeCertificateInput{CertificateArn: aws.String(arn)})
	if err != nil {
		return Certificate{}, xerrors.Wrapf(err, "describe certificate %s", arn)
	}
	d := out.Certificate
	if d == nil {
		return Certificate{}, xerrors.Newf("describe certificate %s: empty response", arn)
	}
	c := Certificate{
		ARN:    aws.ToString(d.CertificateArn),
		Domain: aws.ToString(d.DomainName),
		SANs:   slices.Clone(d.SubjectAlternativeNames),
		Status: stateFromACM(d.Status),
		Reason: string(d.FailureReason),
	}
	for _, v := range d.DomainValidationOptions {
		rec := ValidationRecord{Domain: aws.ToString(v.DomainName)}
		if rr := v.ResourceRecord; rr != nil {
			rec.Name, rec.Type, rec.Value = aws.ToString(rr.Name), string(rr.Type), aws.ToString(rr.Value)
		}
		c.Validation = append(c.Validation, rec)
	}
	return c, nil
}

func stateFromACM(s types.CertificateStatus) State {
	switch s {
	case types.CertificateStatusIssued:
		return Issued
	case types.CertificateStatusPendingValidation:
		return PendingValidation
	default:
		// FAILED, VALIDATION_TIMED_OUT, REVOKED, EXPIRED, INACTIVE
		return Failed
	}
}
