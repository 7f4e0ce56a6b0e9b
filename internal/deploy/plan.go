package deploy

import (
	"context"
	"io/fs"
	"maps"
	"slices"

	"github.com/samber/lo"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/asset"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/origin"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// Plan is the difference between a local tree and an origin.
type Plan struct {
	Assets []asset.Asset
	// Upload holds assets absent from the origin or stored with another hash.
	Upload []asset.Asset
	// Skip holds paths already stored with the same hash.
	Skip []string
	// Delete holds origin keys with no local asset.
	Delete []string
	// Invalidate is what the edge will be asked to purge.
	Invalidate     []string
	ManifestDigest string
}

// Changed returns every path the plan writes or removes, sorted.
func (p Plan) Changed() []string {
	out := lo.Map(p.Upload, func(a asset.Asset, _ int) string { return a.Path })
	out = append(out, p.Delete...)
	slices.Sort(out)
	return out
}

func (p Plan) UploadBytes() int64 {
	return lo.SumBy(p.Upload, func(a asset.Asset) int64 { return a.Size })
}

// Excludes merges the always-on excludes with extra.
func Excludes(extra []string) (*asset.Excluder, error) {
	return asset.NewExcluder(lo.Uniq(append(slices.Clone(asset.DefaultExcludes), extra...)))
}

// Plan computes what Deploy would do without writing anything.
func (o *Orchestrator) Plan(ctx context.Context, tree fs.FS, org origin.Origin, excludes []string) (Plan, error) {
	ex, err := Excludes(excludes)
	if err != nil {
		return Plan{}, err
	}
	assets, err := asset.Scan(ctx, tree, ex)
	if err != nil {
		return Plan{}, xerrors.Wrap(err, "scan tree")
	}
	remote, err := org.List(ctx)
	if err != nil {
		return Plan{}, xerrors.Wrapf(err, "list origin %s", org.Name())
	}
	p := diff(assets, remote)
	p.Invalidate = o.opts.Invalidation.Paths(p.Changed(), o.opts.RootObject)
	return p, nil
}

func diff(assets []asset.Asset, remote map[string]origin.Object) Plan {
	p := Plan{
		Assets:         assets,
		ManifestDigest: cryptoutil.ManifestDigest(asset.Hashes(assets)),
	}
	for _, a := range assets {
		if obj, ok := remote[a.Path]; ok && cryptoutil.HashEqual(obj.Hash, a.Hash) {
			p.Skip = append(p.Skip, a.Path)
			continue
		}
		p.Upload = append(p.Upload, a)
	}
	local := lo.Map(assets, func(a asset.Asset, _ int) string { return a.Path })
	_, p.Delete = lo.Difference(local, slices.Collect(maps.Keys(remote)))
	slices.Sort(p.Delete)
	return p
}
