package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/access"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/delivery"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/edge"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/origin"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/release"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

func site() fstest.MapFS {
	return fstest.MapFS{
		"index.html": {Data: []byte("<h1>home</h1>")},
		"error.html": {Data: []byte("<h1>not here</h1>")},
		"style.css":  {Data: []byte("body{margin:0}")},
	}
}

// flaky wraps an origin and injects failures per path.
type flaky struct {
	origin.Origin
	mu         sync.Mutex
	transient  map[string]int // remaining transient Put failures
	permanent  map[string]bool
	failDelete map[string]bool
	puts       int
}

func newFlaky(o origin.Origin) *flaky {
	return &flaky{Origin: o, transient: map[string]int{}, permanent: map[string]bool{}, failDelete: map[string]bool{}}
}

func (f *flaky) Put(ctx context.Context, key string, body []byte, ct string) (string, error) {
	f.mu.Lock()
	f.puts++
	if f.permanent[key] {
		f.mu.Unlock()
		return "", xerrors.Newf("access denied writing %s", key)
	}
	if f.transient[key] > 0 {
		f.transient[key]--
		f.mu.Unlock()
		return "", xerrors.Transient("slow down writing %s", key)
	}
	f.mu.Unlock()
	return f.Origin.Put(ctx, key, body, ct)
}

func (f *flaky) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	fail := f.failDelete[key]
	f.mu.Unlock()
	if fail {
		return xerrors.Newf("delete %s refused", key)
	}
	return f.Origin.Delete(ctx, key)
}

type countingRecorder struct {
	mu            sync.Mutex
	uploadedBytes int64
	skipped       int
	deleted       int
	failed        map[Op]int
	retried       map[Op]int
	invalidations []delivery.InvalidationStatus
	finished      int
}

func newRecorder() *countingRecorder {
	return &countingRecorder{failed: map[Op]int{}, retried: map[Op]int{}}
}

func (r *countingRecorder) Uploaded(b int64) { r.mu.Lock(); r.uploadedBytes += b; r.mu.Unlock() }
func (r *countingRecorder) Skipped(n int)     { r.mu.Lock(); r.skipped += n; r.mu.Unlock() }
func (r *countingRecorder) Deleted(n int)     { r.mu.Lock(); r.deleted += n; r.mu.Unlock() }
func (r *countingRecorder) Failed(op Op)      { r.mu.Lock(); r.failed[op]++; r.mu.Unlock() }
func (r *countingRecorder) Retried(op Op)     { r.mu.Lock(); r.retried[op]++; r.mu.Unlock() }
func (r *countingRecorder) Invalidated(s delivery.InvalidationStatus) {
	r.mu.Lock()
	r.invalidations = append(r.invalidations, s)
	r.mu.Unlock()
}
func (r *countingRecorder) Finished(time.Duration, error) { r.mu.Lock(); r.finished++; r.mu.Unlock() }

type fixture struct {
	mem     *origin.Memory
	origin  *flaky
	network *edge.Network
	dist    delivery.Distribution
	rec     *countingRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem, err := origin.NewMemory(origin.Config{Name: "site-origin", RemovalPolicy: origin.RemovalDestroy}, nil)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	n, err := edge.NewNetwork(edge.Options{AccountID: "123456789012"})
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	cfg, err := delivery.NewConfig(delivery.Options{Name: "site"})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	d, err := n.Configure(ctx, mem, cfg)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	id, err := d.Identity()
	if err != nil {
		t.Fatal(err)
	}
	st, err := access.Bind(access.Bucket{Name: mem.Name()}, id)
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.AttachPolicy(ctx, access.NewDocument(st)); err != nil {
		t.Fatalf("AttachPolicy: %v", err)
	}
	return &fixture{mem: mem, origin: newFlaky(mem), network: n, dist: d, rec: newRecorder()}
}

func (f *fixture) orchestrator(opts Options) *Orchestrator {
	opts.InitialBackoff = time.Millisecond
	if opts.MaxElapsed == 0 {
		opts.MaxElapsed = time.Second
	}
	opts.InvalidationWait = 5 * time.Second
	opts.Recorder = f.rec
	return New(f.network, opts)
}

func (f *fixture) get(t *testing.T, path string) (int, string) {
	t.Helper()
	h, err := f.network.Handler(f.dist.Ref)
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "https://"+f.dist.Ref.DomainName()+path, nil))
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func TestDeploy_EndToEnd(t *testing.T) {
	f := newFixture(t)
	tree := site()
	res, err := f.orchestrator(Options{}).Deploy(context.Background(), tree, f.origin, f.dist.Ref, nil)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	objs, err := f.mem.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]string{}
	for k, o := range objs {
		got[k] = o.Hash
	}
	want := map[string]string{}
	for k, file := range tree {
		want[k] = cryptoutil.SHA256Hex(file.Data)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("origin contents (-want +got):\n%s", diff)
	}

	if res.Invalidation.Status != delivery.InvalidationCompleted {
		t.Fatalf("invalidation status = %s", res.Invalidation.Status)
	}
	if diff := cmp.Diff([]string{delivery.AllPaths}, res.Invalidation.Paths); diff != "" {
		t.Fatalf("invalidation paths (-want +got):\n%s", diff)
	}
	if res.ManifestDigest != cryptoutil.ManifestDigest(want) {
		t.Fatalf("manifest digest = %s", res.ManifestDigest)
	}

	if code, body := f.get(t, "/index.html"); code != http.StatusOK || body != "<h1>home</h1>" {
		t.Fatalf("GET /index.html = %d %q", code, body)
	}
	if code, body := f.get(t, "/missing.html"); code != http.StatusNotFound || body != "<h1>not here</h1>" {
		t.Fatalf("GET /missing.html = %d %q", code, body)
	}
}

func TestDeploy_SecondRunIsNoop(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(Options{})
	ctx := context.Background()

	first, err := o.Deploy(ctx, site(), f.origin, f.dist.Ref, nil)
	if err != nil {
		t.Fatalf("first Deploy: %v", err)
	}
	before := f.mem.Stats()

	second, err := o.Deploy(ctx, site(), f.origin, f.dist.Ref, nil)
	if err != nil {
		t.Fatalf("second Deploy: %v", err)
	}
	if second.BytesUploaded != 0 || len(second.Uploaded) != 0 || len(second.Deleted) != 0 {
		t.Fatalf("second deploy changed things: %+v", second)
	}
	if second.Invalidation.Status != delivery.InvalidationSkipped {
		t.Fatalf("invalidation = %s, want Skipped", second.Invalidation.Status)
	}
	if len(second.Skipped) != 3 {
		t.Fatalf("skipped = %v", second.Skipped)
	}
	if first.ManifestDigest != second.ManifestDigest {
		t.Fatal("manifest digest changed for an identical tree")
	}
	if after := f.mem.Stats(); after != before {
		t.Fatalf("origin written on no-op deploy: %+v -> %+v", before, after)
	}
}

func TestDeploy_MirrorsRemovals(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(Options{Invalidation: delivery.InvalidationPolicy{Mode: delivery.InvalidateChanged}})
	ctx := context.Background()
	if _, err := o.Deploy(ctx, site(), f.origin, f.dist.Ref, nil); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	tree := site()
	delete(tree, "style.css")
	tree["index.html"] = &fstest.MapFile{Data: []byte("<h1>home v2</h1>")}
	res, err := o.Deploy(ctx, tree, f.origin, f.dist.Ref, nil)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if diff := cmp.Diff([]string{"style.css"}, res.Deleted); diff != "" {
		t.Fatalf("deleted (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"index.html"}, res.Uploaded); diff != "" {
		t.Fatalf("uploaded (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"/", "/index.html", "/style.css"}, res.Invalidation.Paths); diff != "" {
		t.Fatalf("invalidation paths (-want +got):\n%s", diff)
	}
	objs, _ := f.mem.List(ctx)
	if _, ok := objs["style.css"]; ok {
		t.Fatal("style.css still in origin")
	}
	if code, body := f.get(t, "/"); code != http.StatusOK || body != "<h1>home v2</h1>" {
		t.Fatalf("GET / = %d %q", code, body)
	}
}

func TestDeploy_PartialUploadKeepsStaleObjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.mem.Put(ctx, "old.html", []byte("old"), "text/html"); err != nil {
		t.Fatal(err)
	}
	f.origin.permanent["style.css"] = true

	res, err := f.orchestrator(Options{}).Deploy(ctx, site(), f.origin, f.dist.Ref, nil)
	if !errors.Is(err, ErrPartialUpload) {
		t.Fatalf("err = %v, want ErrPartialUpload", err)
	}
	if errors.Is(err, xerrors.ErrTransient) {
		t.Fatalf("permanent failure classified transient: %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0].Path != "style.css" || res.Failed[0].Op != OpUpload {
		t.Fatalf("failed = %+v", res.Failed)
	}
	if f.origin.puts != 3 {
		t.Fatalf("puts = %d, permanent errors must not retry", f.origin.puts)
	}
	if len(res.Deleted) != 0 {
		t.Fatalf("deleted after a failed upload: %v", res.Deleted)
	}
	objs, _ := f.mem.List(ctx)
	if _, ok := objs["old.html"]; !ok {
		t.Fatal("stale object deleted despite upload failure")
	}
	if res.Invalidation.Status != "" {
		t.Fatalf("invalidation attempted after failed upload: %+v", res.Invalidation)
	}
	if f.rec.failed[OpUpload] != 1 {
		t.Fatalf("recorded failures = %v", f.rec.failed)
	}
}

func TestDeploy_RetriesTransientErrors(t *testing.T) {
	f := newFixture(t)
	f.origin.transient["index.html"] = 2

	res, err := f.orchestrator(Options{}).Deploy(context.Background(), site(), f.origin, f.dist.Ref, nil)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if res.Retries != 2 || f.rec.retried[OpUpload] != 2 {
		t.Fatalf("retries = %d recorded %v, want 2", res.Retries, f.rec.retried)
	}
	if len(res.Uploaded) != 3 {
		t.Fatalf("uploaded = %v", res.Uploaded)
	}
}

func TestDeploy_TransientExhaustionIsTransient(t *testing.T) {
	f := newFixture(t)
	f.origin.transient["index.html"] = 100

	_, err := f.orchestrator(Options{MaxTries: 3}).Deploy(context.Background(), site(), f.origin, f.dist.Ref, nil)
	if !errors.Is(err, ErrPartialUpload) || !errors.Is(err, xerrors.ErrTransient) {
		t.Fatalf("err = %v, want transient ErrPartialUpload", err)
	}
	if got := 100 - f.origin.transient["index.html"]; got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestDeploy_DeleteFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.mem.Put(ctx, "old.html", []byte("old"), "text/html"); err != nil {
		t.Fatal(err)
	}
	f.origin.failDelete["old.html"] = true

	res, err := f.orchestrator(Options{}).Deploy(ctx, site(), f.origin, f.dist.Ref, nil)
	if !errors.Is(err, ErrPartialDelete) {
		t.Fatalf("err = %v, want ErrPartialDelete", err)
	}
	if len(res.Uploaded) != 3 || len(res.Failed) != 1 || res.Failed[0].Op != OpDelete {
		t.Fatalf("result = %+v", res)
	}
}

type failingEdge struct {
	delivery.Invalidator
	createErr error
	status    delivery.InvalidationStatus
}

func (e *failingEdge) CreateInvalidation(_ context.Context, ref delivery.DistributionRef, paths []string) (delivery.Invalidation, error) {
	if e.createErr != nil {
		return delivery.Invalidation{}, e.createErr
	}
	return delivery.Invalidation{ID: "I1", DistributionID: ref.ID(), Paths: paths, Status: delivery.InvalidationInProgress}, nil
}

func (e *failingEdge) WaitInvalidation(_ context.Context, ref delivery.DistributionRef, id string) (delivery.Invalidation, error) {
	return delivery.Invalidation{ID: id, DistributionID: ref.ID(), Status: e.status}, nil
}

func TestDeploy_InvalidationFailureKeepsUploads(t *testing.T) {
	tests := []struct {
		name string
		edge *failingEdge
	}{
		{"create rejected", &failingEdge{createErr: xerrors.New("access denied")}},
		{"wait failed", &failingEdge{status: delivery.InvalidationFailed}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			pub := &release.Memory{}
			o := New(tt.edge, Options{InitialBackoff: time.Millisecond, Publisher: pub})

			res, err := o.Deploy(context.Background(), site(), f.origin, f.dist.Ref, nil)
			if !errors.Is(err, ErrInvalidationFailed) {
				t.Fatalf("err = %v, want ErrInvalidationFailed", err)
			}
			if res.Invalidation.Status != delivery.InvalidationFailed {
				t.Fatalf("invalidation status = %s", res.Invalidation.Status)
			}
			if len(res.Uploaded) != 3 || f.mem.Stats().Puts != 3 {
				t.Fatalf("uploads rolled back or missing: %v", res.Uploaded)
			}
			if len(pub.History()) != 0 {
				t.Fatal("manifest published for a failed deploy")
			}
		})
	}
}

// lostResponseEdge creates the first invalidation, then reports a timeout,
// as if the response never arrived.
type lostResponseEdge struct {
	delivery.Invalidator
	mu      sync.Mutex
	refs    []string
	created []string
}

func (e *lostResponseEdge) CreateInvalidation(ctx context.Context, ref delivery.DistributionRef, paths []string) (delivery.Invalidation, error) {
	inv, err := e.Invalidator.CreateInvalidation(ctx, ref, paths)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refs = append(e.refs, delivery.CallerReferenceFrom(ctx))
	e.created = append(e.created, inv.ID)
	if len(e.refs) == 1 {
		return delivery.Invalidation{}, xerrors.Transient("create invalidation: request timed out")
	}
	return inv, err
}

func TestDeploy_InvalidationRetryReusesCallerReference(t *testing.T) {
	f := newFixture(t)
	e := &lostResponseEdge{Invalidator: f.network}
	o := New(e, Options{InitialBackoff: time.Millisecond, InvalidationWait: 5 * time.Second})

	res, err := o.Deploy(context.Background(), site(), f.origin, f.dist.Ref, nil)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if len(e.refs) != 2 || e.refs[0] == "" || e.refs[0] != e.refs[1] {
		t.Fatalf("caller references = %q, want one reference reused", e.refs)
	}
	if e.created[0] != e.created[1] || res.Invalidation.ID != e.created[0] {
		t.Fatalf("invalidations = %v, result %s; retry created a duplicate", e.created, res.Invalidation.ID)
	}
	if res.Invalidation.Status != delivery.InvalidationCompleted {
		t.Fatalf("status = %s", res.Invalidation.Status)
	}
}

// gauged records how many Puts overlap and whether any Delete starts
// before every expected upload has returned.
type gauged struct {
	origin.Origin
	mu           sync.Mutex
	wantPuts     int
	finished     int
	inflight     int
	peak         int
	earlyDeletes int
}

func (g *gauged) Put(ctx context.Context, key string, body []byte, ct string) (string, error) {
	g.mu.Lock()
	g.inflight++
	g.peak = max(g.peak, g.inflight)
	g.mu.Unlock()

	time.Sleep(2 * time.Millisecond)
	sum, err := g.Origin.Put(ctx, key, body, ct)

	g.mu.Lock()
	g.inflight--
	g.finished++
	g.mu.Unlock()
	return sum, err
}

func (g *gauged) Delete(ctx context.Context, key string) error {
	g.mu.Lock()
	if g.inflight > 0 || g.finished < g.wantPuts {
		g.earlyDeletes++
	}
	g.mu.Unlock()
	return g.Origin.Delete(ctx, key)
}

func TestDeploy_BoundedUploadsThenDeletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tree := fstest.MapFS{}
	for i := range 40 {
		tree[fmt.Sprintf("page/%02d.html", i)] = &fstest.MapFile{Data: []byte(fmt.Sprintf("<p>%d</p>", i))}
		if _, err := f.mem.Put(ctx, fmt.Sprintf("stale/%02d.html", i), []byte("old"), "text/html"); err != nil {
			t.Fatal(err)
		}
	}
	g := &gauged{Origin: f.mem, wantPuts: 40}
	o := f.orchestrator(Options{Concurrency: 3})

	res, err := o.Deploy(ctx, tree, g, f.dist.Ref, nil)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if g.peak > 3 || g.peak < 2 {
		t.Fatalf("peak concurrent uploads = %d, want 2..3", g.peak)
	}
	if g.earlyDeletes != 0 {
		t.Fatalf("%d deletes started while uploads were pending", g.earlyDeletes)
	}
	if len(res.Uploaded) != 40 || len(res.Deleted) != 40 || res.Invalidation.Status != delivery.InvalidationCompleted {
		t.Fatalf("uploaded %d deleted %d invalidation %s", len(res.Uploaded), len(res.Deleted), res.Invalidation.Status)
	}

	again, err := o.Deploy(ctx, tree, g, f.dist.Ref, nil)
	if err != nil {
		t.Fatalf("second Deploy: %v", err)
	}
	if len(again.Uploaded) != 0 || len(again.Deleted) != 0 || again.Invalidation.Status != delivery.InvalidationSkipped {
		t.Fatalf("second run = uploaded %d deleted %d invalidation %s", len(again.Uploaded), len(again.Deleted), again.Invalidation.Status)
	}
}

func TestDeploy_RequiresDistribution(t *testing.T) {
	f := newFixture(t)
	_, err := f.orchestrator(Options{}).Deploy(context.Background(), site(), f.origin, delivery.DistributionRef{}, nil)
	if !errors.Is(err, xerrors.ErrOrdering) {
		t.Fatalf("err = %v, want ordering error", err)
	}
	if f.origin.puts != 0 {
		t.Fatalf("puts = %d before distribution exists", f.origin.puts)
	}
}

func TestDeploy_ExcludesAndProgress(t *testing.T) {
	f := newFixture(t)
	tree := site()
	tree[".git/config"] = &fstest.MapFile{Data: []byte("[core]")}
	tree["README.md"] = &fstest.MapFile{Data: []byte("# site")}
	tree["drafts/post.html"] = &fstest.MapFile{Data: []byte("wip")}

	var mu sync.Mutex
	var events []Progress
	o := f.orchestrator(Options{OnProgress: func(p Progress) {
		mu.Lock()
		events = append(events, p)
		mu.Unlock()
	}})
	res, err := o.Deploy(context.Background(), tree, f.origin, f.dist.Ref, []string{"drafts"})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if diff := cmp.Diff([]string{"error.html", "index.html", "style.css"}, res.Uploaded); diff != "" {
		t.Fatalf("uploaded (-want +got):\n%s", diff)
	}
	if len(events) != 3 || events[len(events)-1].Done != 3 || events[0].Total != 3 {
		t.Fatalf("progress events = %+v", events)
	}
}

func TestDeploy_PublishesManifest(t *testing.T) {
	f := newFixture(t)
	pub := &release.Memory{}
	res, err := f.orchestrator(Options{Publisher: pub}).Deploy(context.Background(), site(), f.origin, f.dist.Ref, nil)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if cur, _ := pub.Current(context.Background()); cur != res.ManifestDigest {
		t.Fatalf("published %q, want %q", cur, res.ManifestDigest)
	}
}

func TestPlan_HasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.mem.Put(ctx, "style.css", []byte("body{margin:0}"), "text/css"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.mem.Put(ctx, "gone.html", []byte("x"), "text/html"); err != nil {
		t.Fatal(err)
	}
	before := f.mem.Stats()

	p, err := f.orchestrator(Options{}).Plan(ctx, site(), f.origin, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if f.mem.Stats() != before {
		t.Fatal("Plan wrote to the origin")
	}
	if diff := cmp.Diff([]string{"error.html", "gone.html", "index.html"}, p.Changed()); diff != "" {
		t.Fatalf("changed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"style.css"}, p.Skip); diff != "" {
		t.Fatalf("skip (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"gone.html"}, p.Delete); diff != "" {
		t.Fatalf("delete (-want +got):\n%s", diff)
	}
	if p.UploadBytes() != int64(len("<h1>home</h1>")+len("<h1>not here</h1>")) {
		t.Fatalf("upload bytes = %d", p.UploadBytes())
	}
}
