package domainbind

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// Route53API is the subset of the Route 53 client used here.
type Route53API interface {
	ListHostedZonesByName(ctx context.Context, in *route53.ListHostedZonesByNameInput, optFns ...func(*route53.Options)) (*route53.ListHostedZonesByNameOutput, error)
	CreateHostedZone(ctx context.Context, in *route53.CreateHostedZoneInput, optFns ...func(*route53.Options)) (*route53.CreateHostedZoneOutput, error)
	ChangeResourceRecordSets(ctx context.Context, in *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
	GetChange(ctx context.Context, in *route53.GetChangeInput, optFns ...func(*route53.Options)) (*route53.GetChangeOutput, error)
}

type Route53 struct {
	api Route53API
	// SyncTimeout bounds the wait for INSYNC after a change. Zero skips it.
	SyncTimeout time.Duration
}

var _ DNS = (*Route53)(nil)

func NewRoute53(api Route53API, syncTimeout time.Duration) *Route53 {
	return &Route53{api: api, SyncTimeout: syncTimeout}
}

func zoneID(id string) string { return strings.TrimPrefix(id, "/hostedzone/") }

func (r *Route53) FindZone(ctx context.Context, name string) (Zone, bool, error) {
	name = canonical(name)
	out, err := r.api.ListHostedZonesByName(ctx, &route53.ListHostedZonesByNameInput{
		DNSName:  aws.String(name),
		MaxItems: aws.Int32(10),
	})
	if err != nil {
		return Zone{}, false, xerrors.Wrapf(err, "list hosted zones for %s", name)
	}
	for _, z := range out.HostedZones {
		if canonical(aws.ToString(z.Name)) != name {
			continue
		}
		if z.Config != nil && z.Config.PrivateZone {
			continue
		}
		return Zone{ID: zoneID(aws.ToString(z.Id)), Name: name}, true, nil
	}
	return Zone{}, false, nil
}

func (r *Route53) CreateZone(ctx context.Context, name string) (Zone, error) {
	name = canonical(name)
	out, err := r.api.CreateHostedZone(ctx, &route53.CreateHostedZoneInput{
		Name:            aws.String(name),
		CallerReference: aws.String("sitedeploy-" + uuid.NewString()),
		HostedZoneConfig: &types.HostedZoneConfig{
			Comment: aws.String("managed by sitedeploy"),
		},
	})
	if err != nil {
		return Zone{}, xerrors.Wrapf(err, "create hosted zone %s", name)
	}
	return Zone{ID: zoneID(aws.ToString(out.HostedZone.Id)), Name: name}, nil
}

func (r *Route53) UpsertRecords(ctx context.Context, zone Zone, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	changes := make([]types.Change, 0, len(records))
	for _, rec := range records {
		rrs := &types.ResourceRecordSet{
			Name: aws.String(rec.Name),
			Type: types.RRType(rec.Type),
		}
		if rec.Alias != nil {
			rrs.AliasTarget = &types.AliasTarget{
				DNSName:              aws.String(rec.Alias.DNSName),
				HostedZoneId:         aws.String(rec.Alias.HostedZoneID),
				EvaluateTargetHealth: false,
			}
		} else {
			rrs.TTL = aws.Int64(rec.TTL)
			for _, v := range rec.Values {
				rrs.ResourceRecords = append(rrs.ResourceRecords, types.ResourceRecord{Value: aws.String(v)})
			}
		}
		changes = append(changes, types.Change{Action: types.ChangeActionUpsert, ResourceRecordSet: rrs})
	}

	out, err := r.api.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zone.ID),
		ChangeBatch: &types.ChangeBatch{
			Comment: aws.String("sitedeploy"),
			Changes: changes,
		},
	})
	if err != nil {
		return xerrors.Wrapf(err, "change records in %s", zone.Name)
	}
	if r.SyncTimeout <= 0 || out.ChangeInfo == nil {
		return nil
	}
	w := route53.NewResourceRecordSetsChangedWaiter(r.api)
	if err := w.Wait(ctx, &route53.GetChangeInput{Id: out.ChangeInfo.Id}, r.SyncTimeout); err != nil {
		return xerrors.Wrapf(err, "wait for change %s in %s", aws.ToString(out.ChangeInfo.Id), zone.Name)
	}
	return nil
}
