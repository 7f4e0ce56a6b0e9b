package deploy

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/asset"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/delivery"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/origin"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

const tracerName = "github.com/keithlinneman/linnemanlabs-sitedeploy/internal/deploy"

// Orchestrator runs deploys. It holds no per-deploy state and may be reused.
type Orchestrator struct {
	edge    delivery.Invalidator
	opts    Options
	limiter *rate.Limiter
	logger  log.Logger
	tracer  trace.Tracer
}

func New(edge delivery.Invalidator, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.UploadsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.UploadsPerSecond), max(1, opts.Concurrency))
	}
	return &Orchestrator{
		edge:    edge,
		opts:    opts,
		limiter: limiter,
		logger:  opts.Logger.With("component", "deploy"),
		tracer:  otel.Tracer(tracerName),
	}
}

// Deploy mirrors tree onto org and invalidates ref for what changed.
//
// Uploads finish before any delete starts, and deletes only run when every
// upload succeeded. An invalidation failure leaves the origin updated and
// is reported through Result.Invalidation and ErrInvalidationFailed.
func (o *Orchestrator) Deploy(ctx context.Context, tree fs.FS, org origin.Origin, ref delivery.DistributionRef, excludes []string) (res Result, err error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "deploy", trace.WithAttributes(
		attribute.String("origin", org.Name()),
		attribute.String("distribution", ref.ID()),
	))
	defer func() {
		res.Duration = time.Since(start)
		o.opts.Recorder.Finished(res.Duration, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if !ref.Valid() {
		return res, xerrors.Ordering("deploy to %s requested before its distribution exists", org.Name())
	}

	plan, err := o.Plan(ctx, tree, org, excludes)
	if err != nil {
		return res, err
	}
	res.ManifestDigest = plan.ManifestDigest
	res.Skipped = plan.Skip
	o.opts.Recorder.Skipped(len(plan.Skip))
	o.logger.Info(ctx, "deploy planned",
		"assets", len(plan.Assets),
		"upload", len(plan.Upload),
		"skip", len(plan.Skip),
		"delete", len(plan.Delete),
		"manifest", plan.ManifestDigest,
	)

	t := &tally{res: &res, total: len(plan.Upload) + len(plan.Delete), onProgress: o.opts.OnProgress}

	o.upload(ctx, org, plan.Upload, t)
	if len(res.Failed) > 0 {
		return res, o.partial(ErrPartialUpload, res.Failed, len(plan.Upload))
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	o.delete(ctx, org, plan.Delete, t)
	if len(res.Failed) > 0 {
		return res, o.partial(ErrPartialDelete, res.Failed, len(plan.Delete))
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	res.Invalidation, err = o.invalidate(ctx, ref, plan.Invalidate)
	o.opts.Recorder.Invalidated(res.Invalidation.Status)
	if err != nil {
		return res, err
	}

	if o.opts.Publisher != nil {
		if err := o.opts.Publisher.Publish(ctx, res.ManifestDigest); err != nil {
			return res, xerrors.Wrap(err, "publish manifest digest")
		}
	}
	o.logger.Info(ctx, "deploy complete",
		"uploaded", len(res.Uploaded),
		"deleted", len(res.Deleted),
		"bytes", res.BytesUploaded,
		"invalidation", res.Invalidation.Status,
	)
	return res, nil
}

// tally collects per-asset outcomes from concurrent workers.
type tally struct {
	mu         sync.Mutex
	res        *Result
	done       int
	total      int
	onProgress func(Progress)
}

func (t *tally) record(op Op, path string, bytes int64, retries int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done++
	t.res.Retries += retries
	switch {
	case err != nil:
		t.res.Failed = append(t.res.Failed, AssetFailure{Path: path, Op: op, Err: err})
	case op == OpUpload:
		t.res.Uploaded = append(t.res.Uploaded, path)
		t.res.BytesUploaded += bytes
	case op == OpDelete:
		t.res.Deleted = append(t.res.Deleted, path)
	}
	if t.onProgress != nil {
		t.onProgress(Progress{Op: op, Path: path, Bytes: bytes, Err: err, Done: t.done, Total: t.total})
	}
}

// sorted orders the concurrently collected lists so results are stable.
func (t *tally) sorted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	slices.Sort(t.res.Uploaded)
	slices.Sort(t.res.Deleted)
	slices.SortFunc(t.res.Failed, func(a, b AssetFailure) int { return strings.Compare(a.Path, b.Path) })
}

func (o *Orchestrator) upload(ctx context.Context, org origin.Origin, assets []asset.Asset, t *tally) {
	if len(assets) == 0 {
		return
	}
	ctx, span := o.tracer.Start(ctx, "deploy.upload", trace.WithAttributes(attribute.Int("assets", len(assets))))
	defer span.End()

	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for _, a := range assets {
		g.Go(func() error {
			retries, err := o.retry(ctx, OpUpload, func() error {
				if err := o.limiter.Wait(ctx); err != nil {
					return backoff.Permanent(err)
				}
				got, err := org.Put(ctx, a.Path, a.Body, a.ContentType)
				if err != nil {
					return err
				}
				if !cryptoutil.HashEqual(got, a.Hash) {
					return backoff.Permanent(xerrors.Newf("origin stored %s with hash %s, want %s", a.Path, got, a.Hash))
				}
				return nil
			})
			if err != nil {
				o.opts.Recorder.Failed(OpUpload)
				o.logger.Warn(ctx, "upload failed", "path", a.Path, "err", err)
			} else {
				o.opts.Recorder.Uploaded(a.Size)
			}
			t.record(OpUpload, a.Path, a.Size, retries, err)
			return nil
		})
	}
	_ = g.Wait()
	t.sorted()
}

func (o *Orchestrator) delete(ctx context.Context, org origin.Origin, keys []string, t *tally) {
	if len(keys) == 0 {
		return
	}
	ctx, span := o.tracer.Start(ctx, "deploy.delete", trace.WithAttributes(attribute.Int("keys", len(keys))))
	defer span.End()

	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for _, k := range keys {
		g.Go(func() error {
			retries, err := o.retry(ctx, OpDelete, func() error { return org.Delete(ctx, k) })
			if err != nil {
				o.opts.Recorder.Failed(OpDelete)
				o.logger.Warn(ctx, "delete failed", "path", k, "err", err)
			}
			t.record(OpDelete, k, 0, retries, err)
			return nil
		})
	}
	_ = g.Wait()
	o.opts.Recorder.Deleted(len(t.res.Deleted))
	t.sorted()
}

// retry runs op with exponential backoff while its error is transient and
// returns how many extra attempts were made.
func (o *Orchestrator) retry(ctx context.Context, kind Op, op func() error) (int, error) {
	attempts := 0
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.opts.InitialBackoff
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		if attempts > 1 {
			o.opts.Recorder.Retried(kind)
		}
		err := op()
		if err != nil && !xerrors.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(o.opts.MaxTries),
		backoff.WithMaxElapsedTime(o.opts.MaxElapsed),
	)
	return attempts - 1, err
}

func (o *Orchestrator) partial(sentinel error, failed []AssetFailure, attempted int) error {
	transient := true
	for _, f := range failed {
		transient = transient && xerrors.IsTransient(f.Err)
	}
	err := fmt.Errorf("%w: %d of %d failed, first %s: %v", sentinel, len(failed), attempted, failed[0].Path, failed[0].Err)
	if transient {
		return xerrors.Classify(xerrors.KindTransient, err)
	}
	return xerrors.WithStack(err)
}

func (o *Orchestrator) invalidate(ctx context.Context, ref delivery.DistributionRef, paths []string) (delivery.Invalidation, error) {
	if len(paths) == 0 {
		return delivery.Invalidation{DistributionID: ref.ID(), Status: delivery.InvalidationSkipped}, nil
	}
	ctx, span := o.tracer.Start(ctx, "deploy.invalidate", trace.WithAttributes(attribute.StringSlice("paths", paths)))
	defer span.End()

	// one reference for every attempt, so a retry after a lost response
	// returns the invalidation already created
	cctx := delivery.WithCallerReference(ctx, delivery.NewCallerReference())
	var inv delivery.Invalidation
	_, err := o.retry(ctx, OpInvalidate, func() error {
		var err error
		inv, err = o.edge.CreateInvalidation(cctx, ref, paths)
		return err
	})
	if err != nil {
		return delivery.Invalidation{DistributionID: ref.ID(), Paths: paths, Status: delivery.InvalidationFailed},
			fmt.Errorf("%w: create on %s: %w", ErrInvalidationFailed, ref.ID(), err)
	}
	o.logger.Info(ctx, "invalidation created", "id", inv.ID, "paths", paths)

	wctx, cancel := context.WithTimeout(ctx, o.opts.InvalidationWait)
	defer cancel()
	done, err := o.edge.WaitInvalidation(wctx, ref, inv.ID)
	if err != nil || done.Status != delivery.InvalidationCompleted {
		cause := err
		if cause == nil {
			cause = xerrors.Newf("invalidation %s ended %s", inv.ID, done.Status)
		}
		if done.ID == "" {
			done = inv
		}
		done.Status = delivery.InvalidationFailed
		span.SetStatus(codes.Error, cause.Error())
		return done, xerrors.Classify(xerrors.KindTransient, fmt.Errorf("%w: %s on %s: %w", ErrInvalidationFailed, inv.ID, ref.ID(), cause))
	}
	return done, nil
}
