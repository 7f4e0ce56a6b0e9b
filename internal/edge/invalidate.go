package edge

import (
	"context"
	"slices"
	"time"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/delivery"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

type invalidation struct {
	done chan struct{}
	// guarded by distribution.invMu
	inv delivery.Invalidation
}

// CreateInvalidation records the request and completes it after the
// configured delay, purging every cached path it covers. A caller reference
// already seen returns the invalidation it created.
func (n *Network) CreateInvalidation(ctx context.Context, ref delivery.DistributionRef, paths []string) (delivery.Invalidation, error) {
	d, err := n.lookup(ref)
	if err != nil {
		return delivery.Invalidation{}, err
	}
	if err := delivery.ValidateInvalidationPaths(paths); err != nil {
		return delivery.Invalidation{}, err
	}

	callerRef := delivery.CallerReferenceFrom(ctx)
	d.invMu.Lock()
	if id, ok := d.byCallerRef[callerRef]; ok && callerRef != "" {
		out := d.invalidations[id].inv
		d.invMu.Unlock()
		return out, nil
	}
	st := &invalidation{
		done: make(chan struct{}),
		inv: delivery.Invalidation{
			ID:             newID("I"),
			DistributionID: ref.ID(),
			Paths:          slices.Clone(paths),
			Status:         delivery.InvalidationInProgress,
			CreatedAt:      n.opts.Now(),
		},
	}
	d.invalidations[st.inv.ID] = st
	if callerRef != "" {
		d.byCallerRef[callerRef] = st.inv.ID
	}
	out := st.inv
	d.invMu.Unlock()

	complete := func() {
		purged := d.purge(st.inv.Paths)
		d.invMu.Lock()
		st.inv.Status = delivery.InvalidationCompleted
		st.inv.CompletedAt = n.opts.Now()
		d.invMu.Unlock()
		close(st.done)
		n.logger.Debug(context.Background(), "invalidation completed", "id", st.inv.ID, "purged", purged)
	}
	if n.opts.InvalidationDelay > 0 {
		time.AfterFunc(n.opts.InvalidationDelay, complete)
	} else {
		go complete()
	}

	n.logger.Info(ctx, "invalidation created", "distribution", ref.ID(), "id", out.ID, "paths", len(paths))
	return out, nil
}

func (n *Network) WaitInvalidation(ctx context.Context, ref delivery.DistributionRef, id string) (delivery.Invalidation, error) {
	d, err := n.lookup(ref)
	if err != nil {
		return delivery.Invalidation{}, err
	}
	d.invMu.Lock()
	st, ok := d.invalidations[id]
	d.invMu.Unlock()
	if !ok {
		return delivery.Invalidation{}, xerrors.Config("edge: unknown invalidation %s on %s", id, ref.ID())
	}

	select {
	case <-st.done:
	case <-ctx.Done():
		d.invMu.Lock()
		inv := st.inv
		d.invMu.Unlock()
		return inv, xerrors.Wrapf(ctx.Err(), "wait for invalidation %s", id)
	}
	d.invMu.Lock()
	defer d.invMu.Unlock()
	return st.inv, nil
}
