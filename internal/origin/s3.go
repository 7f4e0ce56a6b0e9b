package origin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/access"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// S3API is the subset of the S3 client the origin uses. *s3.Client satisfies it.
type S3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	DeleteBucket(ctx context.Context, in *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	PutPublicAccessBlock(ctx context.Context, in *s3.PutPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error)
	GetPublicAccessBlock(ctx context.Context, in *s3.GetPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error)
	PutBucketOwnershipControls(ctx context.Context, in *s3.PutBucketOwnershipControlsInput, optFns ...func(*s3.Options)) (*s3.PutBucketOwnershipControlsOutput, error)
	PutBucketTagging(ctx context.Context, in *s3.PutBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error)
	PutBucketPolicy(ctx context.Context, in *s3.PutBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error)
	GetBucketPolicy(ctx context.Context, in *s3.GetBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	ListObjectVersions(ctx context.Context, in *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
}

const (
	headConcurrency = 16
	deleteBatchSize = 1000
)

// S3 is an origin backed by a private S3 bucket.
type S3 struct {
	api    S3API
	cfg    Config
	logger log.Logger

	mu     sync.RWMutex
	policy *access.Document
}

var (
	_ Origin = (*S3)(nil)
	_ Reader = (*S3)(nil)
)

// NewS3 wraps an existing bucket.
func NewS3(api S3API, cfg Config, logger log.Logger) (*S3, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if api == nil {
		return nil, xerrors.Config("origin %s: nil S3 client", cfg.Name)
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &S3{api: api, cfg: cfg, logger: logger.With("component", "origin", "bucket", cfg.Name)}, nil
}

// ProvisionS3 creates the bucket when absent, locks it down and tags it.
// Running it against an existing bucket converges the same settings.
func ProvisionS3(ctx context.Context, api S3API, cfg Config, logger log.Logger) (*S3, error) {
	o, err := NewS3(api, cfg, logger)
	if err != nil {
		return nil, err
	}

	_, err = api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Name)})
	switch {
	case err == nil:
		o.logger.Info(ctx, "bucket exists")
	case isNotFound(err):
		in := &s3.CreateBucketInput{Bucket: aws.String(cfg.Name)}
		if cfg.Region != "" && cfg.Region != "us-east-1" {
			in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(cfg.Region),
			}
		}
		if _, err := api.CreateBucket(ctx, in); err != nil {
			return nil, xerrors.Wrapf(err, "create bucket %s", cfg.Name)
		}
		o.logger.Info(ctx, "bucket created", "region", cfg.Region)
	default:
		return nil, xerrors.Wrapf(err, "head bucket %s", cfg.Name)
	}

	if err := o.EnsurePrivate(ctx); err != nil {
		return nil, err
	}
	_, err = api.PutBucketOwnershipControls(ctx, &s3.PutBucketOwnershipControlsInput{
		Bucket: aws.String(cfg.Name),
		OwnershipControls: &types.OwnershipControls{
			Rules: []types.OwnershipControlsRule{{ObjectOwnership: types.ObjectOwnershipBucketOwnerEnforced}},
		},
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "set ownership controls on %s", cfg.Name)
	}
	if len(cfg.Tags) > 0 {
		if _, err := api.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
			Bucket:  aws.String(cfg.Name),
			Tagging: &types.Tagging{TagSet: tagSet(cfg.Tags)},
		}); err != nil {
			return nil, xerrors.Wrapf(err, "tag bucket %s", cfg.Name)
		}
	}
	return o, nil
}

func tagSet(tags map[string]string) []types.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func (o *S3) Name() string { return o.cfg.Name }

// DomainName is the regional endpoint CloudFront uses for an S3 origin.
func (o *S3) DomainName() string {
	region := o.cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	return o.cfg.Name + ".s3." + region + ".amazonaws.com"
}

// EnsurePrivate blocks every form of public access and reads the setting
// back to confirm it took.
func (o *S3) EnsurePrivate(ctx context.Context) error {
	_, err := o.api.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: aws.String(o.cfg.Name),
		PublicAccessBlockConfiguration: &types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(true),
			RestrictPublicBuckets: aws.Bool(true),
		},
	})
	if err != nil {
		return xerrors.Wrapf(err, "block public access on %s", o.cfg.Name)
	}
	return o.CheckPrivate(ctx)
}

// CheckPrivate fails with a security error unless all four public access
// blocks are on.
func (o *S3) CheckPrivate(ctx context.Context) error {
	out, err := o.api.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{Bucket: aws.String(o.cfg.Name)})
	if err != nil {
		return xerrors.Wrapf(err, "read public access block on %s", o.cfg.Name)
	}
	c := out.PublicAccessBlockConfiguration
	if c == nil || !aws.ToBool(c.BlockPublicAcls) || !aws.ToBool(c.IgnorePublicAcls) ||
		!aws.ToBool(c.BlockPublicPolicy) || !aws.ToBool(c.RestrictPublicBuckets) {
		return xerrors.Security("bucket %s allows some form of public access", o.cfg.Name)
	}
	return nil
}

func (o *S3) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	k, err := pathutil.ObjectKey(key)
	if err != nil {
		return "", err
	}
	hash := cryptoutil.SHA256Hex(body)
	in := &s3.PutObjectInput{
		Bucket:            aws.String(o.cfg.Name),
		Key:               aws.String(k),
		Body:              bytes.NewReader(body),
		ContentLength:     aws.Int64(int64(len(body))),
		Metadata:          map[string]string{MetadataHashKey: hash},
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(cryptoutil.HexToBase64(hash)),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := o.api.PutObject(ctx, in); err != nil {
		return "", xerrors.Wrapf(err, "put s3://%s/%s", o.cfg.Name, k)
	}
	return hash, nil
}

func (o *S3) Delete(ctx context.Context, key string) error {
	_, err := o.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(o.cfg.Name), Key: aws.String(key)})
	if err != nil && !isNotFound(err) {
		return xerrors.Wrapf(err, "delete s3://%s/%s", o.cfg.Name, key)
	}
	return nil
}

// List pages through the bucket and reads each object's recorded hash.
// Objects written by something other than Put carry no hash and therefore
// always look changed.
func (o *S3) List(ctx context.Context) (map[string]Object, error) {
	var keys []Object
	p := s3.NewListObjectsV2Paginator(o.api, &s3.ListObjectsV2Input{Bucket: aws.String(o.cfg.Name)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, xerrors.Wrapf(err, "list s3://%s", o.cfg.Name)
		}
		for _, c := range page.Contents {
			keys = append(keys, Object{Key: aws.ToString(c.Key), Size: aws.ToInt64(c.Size)})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(headConcurrency)
	for i := range keys {
		g.Go(func() error {
			out, err := o.api.HeadObject(gctx, &s3.HeadObjectInput{Bucket: aws.String(o.cfg.Name), Key: aws.String(keys[i].Key)})
			if err != nil {
				if isNotFound(err) {
					// deleted between list and head
					keys[i].Key = ""
					return nil
				}
				return xerrors.Wrapf(err, "head s3://%s/%s", o.cfg.Name, keys[i].Key)
			}
			keys[i].Hash = out.Metadata[MetadataHashKey]
			keys[i].ContentType = aws.ToString(out.ContentType)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := make(map[string]Object, len(keys))
	for _, k := range keys {
		if k.Key != "" {
			res[k.Key] = k
		}
	}
	return res, nil
}

func (o *S3) AttachPolicy(ctx context.Context, doc access.Document) error {
	if err := doc.Validate(o.cfg.Bucket()); err != nil {
		return xerrors.Wrapf(err, "attach policy to %s", o.cfg.Name)
	}
	js, err := doc.JSON()
	if err != nil {
		return err
	}
	if _, err := o.api.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{Bucket: aws.String(o.cfg.Name), Policy: aws.String(js)}); err != nil {
		return xerrors.Wrapf(err, "put bucket policy on %s", o.cfg.Name)
	}
	o.mu.Lock()
	o.policy = &doc
	o.mu.Unlock()
	o.logger.Info(ctx, "bucket policy attached", "source_arns", doc.SourceARNs())
	return nil
}

func (o *S3) currentPolicy(ctx context.Context) (*access.Document, error) {
	o.mu.RLock()
	p := o.policy
	o.mu.RUnlock()
	if p != nil {
		return p, nil
	}
	out, err := o.api.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{Bucket: aws.String(o.cfg.Name)})
	if err != nil {
		if apiCode(err) == "NoSuchBucketPolicy" {
			return nil, nil
		}
		return nil, xerrors.Wrapf(err, "get bucket policy on %s", o.cfg.Name)
	}
	doc, err := access.ParseJSON(aws.ToString(out.Policy))
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.policy = &doc
	o.mu.Unlock()
	return &doc, nil
}

// Fetch reads an object after checking the caller against the bucket policy,
// so the local edge sees the same denials CloudFront would.
func (o *S3) Fetch(ctx context.Context, caller Caller, key string) ([]byte, Object, error) {
	pol, err := o.currentPolicy(ctx)
	if err != nil {
		return nil, Object{}, err
	}
	if pol == nil || !access.Evaluate(*pol, o.cfg.Bucket(), readRequest(o.cfg.Bucket(), caller, key)) {
		return nil, Object{}, ErrAccessDenied
	}
	out, err := o.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(o.cfg.Name), Key: aws.String(key)})
	if err != nil {
		switch {
		case isNotFound(err):
			return nil, Object{}, ErrNotFound
		case isAccessDenied(err):
			return nil, Object{}, xerrors.WithStack(fmt.Errorf("%w: get s3://%s/%s: %w", ErrAccessDenied, o.cfg.Name, key, err))
		}
		return nil, Object{}, xerrors.Wrapf(err, "get s3://%s/%s", o.cfg.Name, key)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, Object{}, xerrors.Wrapf(err, "read s3://%s/%s", o.cfg.Name, key)
	}
	return body, Object{
		Key:         key,
		Hash:        out.Metadata[MetadataHashKey],
		Size:        int64(len(body)),
		ContentType: aws.ToString(out.ContentType),
	}, nil
}

// Teardown leaves a retained bucket alone. A destroyed bucket has every
// object version and delete marker removed before the bucket itself.
func (o *S3) Teardown(ctx context.Context) error {
	if o.cfg.RemovalPolicy == RemovalRetain {
		o.logger.Info(ctx, "removal policy is retain, leaving bucket and objects")
		return nil
	}
	n, err := o.empty(ctx)
	if err != nil {
		return err
	}
	if _, err := o.api.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(o.cfg.Name)}); err != nil && !isNotFound(err) {
		return xerrors.Wrapf(err, "delete bucket %s", o.cfg.Name)
	}
	o.logger.Info(ctx, "bucket destroyed", "versions_deleted", n)
	return nil
}

func (o *S3) empty(ctx context.Context) (int, error) {
	var keyMarker, versionMarker *string
	deleted := 0
	for {
		out, err := o.api.ListObjectVersions(ctx, &s3.ListObjectVersionsInput{
			Bucket:          aws.String(o.cfg.Name),
			KeyMarker:       keyMarker,
			VersionIdMarker: versionMarker,
		})
		if err != nil {
			if isNotFound(err) {
				return deleted, nil
			}
			return deleted, xerrors.Wrapf(err, "list object versions in %s", o.cfg.Name)
		}

		ids := make([]types.ObjectIdentifier, 0, len(out.Versions)+len(out.DeleteMarkers))
		for _, v := range out.Versions {
			ids = append(ids, types.ObjectIdentifier{Key: v.Key, VersionId: v.VersionId})
		}
		for _, m := range out.DeleteMarkers {
			ids = append(ids, types.ObjectIdentifier{Key: m.Key, VersionId: m.VersionId})
		}

		for start := 0; start < len(ids); start += deleteBatchSize {
			end := min(start+deleteBatchSize, len(ids))
			res, err := o.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(o.cfg.Name),
				Delete: &types.Delete{Objects: ids[start:end], Quiet: aws.Bool(true)},
			})
			if err != nil {
				return deleted, xerrors.Wrapf(err, "delete objects in %s", o.cfg.Name)
			}
			if len(res.Errors) > 0 {
				e := res.Errors[0]
				return deleted, xerrors.Newf("delete objects in %s: %d failed, first %s: %s",
					o.cfg.Name, len(res.Errors), aws.ToString(e.Key), aws.ToString(e.Message))
			}
			deleted += end - start
		}

		if !aws.ToBool(out.IsTruncated) {
			return deleted, nil
		}
		keyMarker, versionMarker = out.NextKeyMarker, out.NextVersionIdMarker
	}
}

func apiCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

func isAccessDenied(err error) bool {
	switch apiCode(err) {
	case "AccessDenied", "AllAccessDisabled", "Forbidden":
		return true
	}
	return false
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nf) || errors.As(err, &nsb) {
		return true
	}
	switch apiCode(err) {
	case "NotFound", "NoSuchKey", "NoSuchBucket":
		return true
	}
	return false
}
