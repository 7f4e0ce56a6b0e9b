package delivery

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// CloudFrontAPI is the subset of the CloudFront client used here.
// *cloudfront.Client satisfies it.
type CloudFrontAPI interface {
	CreateOriginAccessControl(ctx context.Context, in *cloudfront.CreateOriginAccessControlInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateOriginAccessControlOutput, error)
	ListOriginAccessControls(ctx context.Context, in *cloudfront.ListOriginAccessControlsInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListOriginAccessControlsOutput, error)
	ListDistributions(ctx context.Context, in *cloudfront.ListDistributionsInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListDistributionsOutput, error)
	CreateDistributionWithTags(ctx context.Context, in *cloudfront.CreateDistributionWithTagsInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateDistributionWithTagsOutput, error)
	GetDistribution(ctx context.Context, in *cloudfront.GetDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionOutput, error)
	GetDistributionConfig(ctx context.Context, in *cloudfront.GetDistributionConfigInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionConfigOutput, error)
	UpdateDistribution(ctx context.Context, in *cloudfront.UpdateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateDistributionOutput, error)
	CreateInvalidation(ctx context.Context, in *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
	GetInvalidation(ctx context.Context, in *cloudfront.GetInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetInvalidationOutput, error)
}

// CallerReferencePrefix marks requests issued by this tool.
const CallerReferencePrefix = "sitedeploy-"

type CloudFrontOptions struct {
	// DeployTimeout bounds the wait for a distribution to reach Deployed.
	// Zero skips the wait.
	DeployTimeout time.Duration
	// InvalidationTimeout bounds WaitInvalidation. Default 15m.
	InvalidationTimeout time.Duration
	// PollMinDelay overrides the waiter's minimum poll interval.
	PollMinDelay time.Duration
}

// CloudFront is the Provisioner and Invalidator backed by Amazon CloudFront.
type CloudFront struct {
	api    CloudFrontAPI
	opts   CloudFrontOptions
	logger log.Logger
}

var (
	_ Provisioner = (*CloudFront)(nil)
	_ Invalidator = (*CloudFront)(nil)
)

func NewCloudFront(api CloudFrontAPI, opts CloudFrontOptions, logger log.Logger) *CloudFront {
	if opts.InvalidationTimeout <= 0 {
		opts.InvalidationTimeout = 15 * time.Minute
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &CloudFront{api: api, opts: opts, logger: logger.With("component", "delivery", "backend", "cloudfront")}
}

func callerReference() string { return CallerReferencePrefix + uuid.NewString() }

// Configure creates the distribution, or updates the one already carrying
// cfg's comment, so repeated provisioning converges on one distribution.
func (c *CloudFront) Configure(ctx context.Context, o OriginEndpoint, cfg Config) (Distribution, error) {
	if cfg.name == "" {
		return Distribution{}, xerrors.Config("delivery config was not built with NewConfig")
	}
	oacID, err := c.ensureOAC(ctx, cfg.Name())
	if err != nil {
		return Distribution{}, err
	}

	summary, found, err := c.find(ctx, cfg.Comment())
	if err != nil {
		return Distribution{}, err
	}

	var d *types.Distribution
	if !found {
		in := &cloudfront.CreateDistributionWithTagsInput{
			DistributionConfigWithTags: &types.DistributionConfigWithTags{
				DistributionConfig: buildDistributionConfig(callerReference(), o, oacID, cfg),
				Tags:               &types.Tags{Items: cfTags(cfg.tags)},
			},
		}
		out, err := c.api.CreateDistributionWithTags(ctx, in)
		if err != nil {
			return Distribution{}, xerrors.Wrapf(err, "create distribution %s", cfg.Name())
		}
		d = out.Distribution
		c.logger.Info(ctx, "distribution created", "id", aws.ToString(d.Id))
	} else {
		id := aws.ToString(summary.Id)
		cur, err := c.api.GetDistributionConfig(ctx, &cloudfront.GetDistributionConfigInput{Id: aws.String(id)})
		if err != nil {
			return Distribution{}, xerrors.Wrapf(err, "get distribution config %s", id)
		}
		ref := aws.ToString(cur.DistributionConfig.CallerReference)
		out, err := c.api.UpdateDistribution(ctx, &cloudfront.UpdateDistributionInput{
			Id:                 aws.String(id),
			IfMatch:            cur.ETag,
			DistributionConfig: buildDistributionConfig(ref, o, oacID, cfg),
		})
		if err != nil {
			return Distribution{}, xerrors.Wrapf(err, "update distribution %s", id)
		}
		d = out.Distribution
		c.logger.Info(ctx, "distribution updated", "id", id)
	}

	if c.opts.DeployTimeout > 0 {
		w := cloudfront.NewDistributionDeployedWaiter(c.api, func(wo *cloudfront.DistributionDeployedWaiterOptions) {
			if c.opts.PollMinDelay > 0 {
				wo.MinDelay = c.opts.PollMinDelay
			}
		})
		if err := w.Wait(ctx, &cloudfront.GetDistributionInput{Id: d.Id}, c.opts.DeployTimeout); err != nil {
			return Distribution{}, xerrors.Wrapf(err, "wait for distribution %s to deploy", aws.ToString(d.Id))
		}
	}

	ref, err := NewDistributionRef(aws.ToString(d.Id), aws.ToString(d.DomainName))
	if err != nil {
		return Distribution{}, err
	}
	return Distribution{Ref: ref, ARN: aws.ToString(d.ARN), Config: cfg}, nil
}

// Find returns the distribution provisioned for name, if any.
func (c *CloudFront) Find(ctx context.Context, name string) (DistributionRef, string, bool, error) {
	s, ok, err := c.find(ctx, "sitedeploy:"+name)
	if err != nil || !ok {
		return DistributionRef{}, "", ok, err
	}
	ref, err := NewDistributionRef(aws.ToString(s.Id), aws.ToString(s.DomainName))
	if err != nil {
		return DistributionRef{}, "", false, err
	}
	return ref, aws.ToString(s.ARN), true, nil
}

func (c *CloudFront) find(ctx context.Context, comment string) (types.DistributionSummary, bool, error) {
	var marker *string
	for {
		out, err := c.api.ListDistributions(ctx, &cloudfront.ListDistributionsInput{Marker: marker})
		if err != nil {
			return types.DistributionSummary{}, false, xerrors.Wrap(err, "list distributions")
		}
		l := out.DistributionList
		if l == nil {
			return types.DistributionSummary{}, false, nil
		}
		for _, s := range l.Items {
			if aws.ToString(s.Comment) == comment {
				return s, true, nil
			}
		}
		if !aws.ToBool(l.IsTruncated) {
			return types.DistributionSummary{}, false, nil
		}
		marker = l.NextMarker
	}
}

// ensureOAC returns the origin access control named after the distribution,
// creating it when absent. Requests through it are always SigV4 signed.
func (c *CloudFront) ensureOAC(ctx context.Context, name string) (string, error) {
	oacName := "sitedeploy-" + name
	var marker *string
	for {
		out, err := c.api.ListOriginAccessControls(ctx, &cloudfront.ListOriginAccessControlsInput{Marker: marker})
		if err != nil {
			return "", xerrors.Wrap(err, "list origin access controls")
		}
		l := out.OriginAccessControlList
		if l == nil {
			break
		}
		for _, s := range l.Items {
			if aws.ToString(s.Name) == oacName {
				return aws.ToString(s.Id), nil
			}
		}
		if !aws.ToBool(l.IsTruncated) {
			break
		}
		marker = l.NextMarker
	}

	out, err := c.api.CreateOriginAccessControl(ctx, &cloudfront.CreateOriginAccessControlInput{
		OriginAccessControlConfig: &types.OriginAccessControlConfig{
			Name:                          aws.String(oacName),
			Description:                   aws.String("origin access for " + name),
			OriginAccessControlOriginType: types.OriginAccessControlOriginTypesS3,
			SigningBehavior:               types.OriginAccessControlSigningBehaviorsAlways,
			SigningProtocol:               types.OriginAccessControlSigningProtocolsSigv4,
		},
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "create origin access control %s", oacName)
	}
	c.logger.Info(ctx, "origin access control created", "name", oacName)
	return aws.ToString(out.OriginAccessControl.Id), nil
}

func buildDistributionConfig(ref string, o OriginEndpoint, oacID string, cfg Config) *types.DistributionConfig {
	originID := "origin-" + o.Name()

	// CloudFront only accepts {GET, HEAD} as its narrowest method set.
	methods := []types.Method{types.MethodGet, types.MethodHead}

	var errs []types.CustomErrorResponse
	for _, e := range cfg.ErrorResponses() {
		errs = append(errs, types.CustomErrorResponse{
			ErrorCode:          aws.Int32(int32(e.OriginStatus)),
			ResponseCode:       aws.String(strconv.Itoa(e.Status)),
			ResponsePagePath:   aws.String(e.PagePath),
			ErrorCachingMinTTL: aws.Int64(int64(e.CachingTTL / time.Second)),
		})
	}

	dc := &types.DistributionConfig{
		CallerReference:   aws.String(ref),
		Comment:           aws.String(cfg.Comment()),
		Enabled:           aws.Bool(true),
		DefaultRootObject: aws.String(cfg.DefaultRootObject()),
		PriceClass:        types.PriceClass(cfg.PriceClass()),
		HttpVersion:       types.HttpVersionHttp2and3,
		IsIPV6Enabled:     aws.Bool(true),
		WebACLId:          aws.String(cfg.WebACLARN()),
		Origins: &types.Origins{
			Quantity: aws.Int32(1),
			Items: []types.Origin{{
				Id:                    aws.String(originID),
				DomainName:            aws.String(o.DomainName()),
				OriginAccessControlId: aws.String(oacID),
				S3OriginConfig:        &types.S3OriginConfig{OriginAccessIdentity: aws.String("")},
			}},
		},
		DefaultCacheBehavior: &types.DefaultCacheBehavior{
			TargetOriginId:       aws.String(originID),
			ViewerProtocolPolicy: types.ViewerProtocolPolicy(cfg.ViewerProtocol()),
			CachePolicyId:        aws.String(cfg.CachePolicy().ID),
			Compress:             aws.Bool(cfg.Compress()),
			AllowedMethods: &types.AllowedMethods{
				Quantity: aws.Int32(int32(len(methods))),
				Items:    methods,
				CachedMethods: &types.CachedMethods{
					Quantity: aws.Int32(int32(len(methods))),
					Items:    methods,
				},
			},
		},
		CustomErrorResponses: &types.CustomErrorResponses{
			Quantity: aws.Int32(int32(len(errs))),
			Items:    errs,
		},
		Aliases: &types.Aliases{
			Quantity: aws.Int32(int32(len(cfg.aliases))),
			Items:    cfg.Aliases(),
		},
	}
	if cfg.CertificateARN() != "" {
		dc.ViewerCertificate = &types.ViewerCertificate{
			ACMCertificateArn:            aws.String(cfg.CertificateARN()),
			SSLSupportMethod:             types.SSLSupportMethod(SSLSupportMethod),
			MinimumProtocolVersion:       types.MinimumProtocolVersion(MinimumProtocolVersion),
			CloudFrontDefaultCertificate: aws.Bool(false),
		}
	} else {
		dc.ViewerCertificate = &types.ViewerCertificate{CloudFrontDefaultCertificate: aws.Bool(true)}
	}
	return dc
}

func cfTags(tags map[string]string) []types.Tag {
	out := make([]types.Tag, 0, len(tags))
	for _, k := range slices.Sorted(maps.Keys(tags)) {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func (c *CloudFront) CreateInvalidation(ctx context.Context, ref DistributionRef, paths []string) (Invalidation, error) {
	if !ref.Valid() {
		return Invalidation{}, xerrors.Ordering("invalidation requested before the distribution exists")
	}
	if err := ValidateInvalidationPaths(paths); err != nil {
		return Invalidation{}, err
	}
	callerRef := CallerReferenceFrom(ctx)
	if callerRef == "" {
		callerRef = callerReference()
	}
	out, err := c.api.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(ref.ID()),
		InvalidationBatch: &types.InvalidationBatch{
			CallerReference: aws.String(callerRef),
			Paths: &types.Paths{
				Quantity: aws.Int32(int32(len(paths))),
				Items:    slices.Clone(paths),
			},
		},
	})
	if err != nil {
		return Invalidation{}, xerrors.Wrapf(err, "create invalidation on %s", ref.ID())
	}
	inv := fromCloudFront(ref, out.Invalidation)
	c.logger.Info(ctx, "invalidation created", "distribution", ref.ID(), "id", inv.ID, "paths", len(paths))
	return inv, nil
}

func (c *CloudFront) WaitInvalidation(ctx context.Context, ref DistributionRef, id string) (Invalidation, error) {
	w := cloudfront.NewInvalidationCompletedWaiter(c.api, func(wo *cloudfront.InvalidationCompletedWaiterOptions) {
		if c.opts.PollMinDelay > 0 {
			wo.MinDelay = c.opts.PollMinDelay
		}
	})
	out, err := w.WaitForOutput(ctx, &cloudfront.GetInvalidationInput{
		DistributionId: aws.String(ref.ID()),
		Id:             aws.String(id),
	}, c.opts.InvalidationTimeout)
	if err != nil {
		return Invalidation{ID: id, DistributionID: ref.ID(), Status: InvalidationFailed},
			xerrors.Wrapf(err, "wait for invalidation %s on %s", id, ref.ID())
	}
	inv := fromCloudFront(ref, out.Invalidation)
	inv.CompletedAt = time.Now()
	return inv, nil
}

func fromCloudFront(ref DistributionRef, in *types.Invalidation) Invalidation {
	if in == nil {
		return Invalidation{DistributionID: ref.ID(), Status: InvalidationInProgress}
	}
	inv := Invalidation{
		ID:             aws.ToString(in.Id),
		DistributionID: ref.ID(),
		Status:         InvalidationStatus(aws.ToString(in.Status)),
		CreatedAt:      aws.ToTime(in.CreateTime),
	}
	if in.InvalidationBatch != nil && in.InvalidationBatch.Paths != nil {
		inv.Paths = slices.Clone(in.InvalidationBatch.Paths.Items)
	}
	return inv
}
