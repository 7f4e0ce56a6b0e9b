package edge

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/access"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/delivery"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/origin"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/pathutil"
)

// Cache status reported in X-Cache, as CloudFront words it.
const (
	cacheHit   = "Hit from edge"
	cacheMiss  = "Miss from edge"
	cacheError = "Error from edge"
)

type cacheEntry struct {
	status      int
	body        []byte
	contentType string
	etag        string
	key         string
	expires     time.Time
}

type distribution struct {
	net *Network
	ref delivery.DistributionRef
	arn string

	mu     sync.RWMutex
	cfg    delivery.Config
	origin origin.Reader
	cache  map[string]cacheEntry // by request path
	// gen advances on every purge; fills that started before it are dropped.
	gen uint64

	invMu         sync.Mutex
	invalidations map[string]*invalidation
	byCallerRef   map[string]string // caller reference to invalidation id
}

func newDistribution(n *Network, ref delivery.DistributionRef, arn string, cfg delivery.Config, r origin.Reader) *distribution {
	return &distribution{
		net:           n,
		ref:           ref,
		arn:           arn,
		cfg:           cfg,
		origin:        r,
		cache:         make(map[string]cacheEntry),
		invalidations: make(map[string]*invalidation),
		byCallerRef:   make(map[string]string),
	}
}

func (d *distribution) reconfigure(cfg delivery.Config, r origin.Reader) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.origin = r
	clear(d.cache)
	d.gen++
}

func (d *distribution) config() delivery.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

func (d *distribution) snapshot() delivery.Distribution {
	return delivery.Distribution{Ref: d.ref, ARN: d.arn, Config: d.config()}
}

func (d *distribution) caller() origin.Caller {
	return origin.Caller{Service: access.DeliveryService, SourceArn: d.arn}
}

func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func (d *distribution) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := d.config()

	if !cfg.AllowsMethod(r.Method) {
		w.Header().Set("Allow", strings.Join(cfg.Methods(), ", "))
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if !isHTTPS(r) {
		if cfg.ViewerProtocol() == delivery.HTTPSOnly {
			w.Header().Set("Cache-Control", "no-store")
			http.Error(w, "https required", http.StatusForbidden)
			return
		}
		http.Redirect(w, r, "https://"+r.Host+r.URL.RequestURI(), http.StatusMovedPermanently)
		return
	}

	reqPath := r.URL.Path
	if reqPath == "" {
		reqPath = "/"
	}
	e, hit, err := d.resolve(r.Context(), cfg, reqPath)
	if err != nil {
		d.net.logger.Error(r.Context(), err, "origin fetch failed", "distribution", d.ref.ID(), "path", reqPath)
		w.Header().Set("X-Cache", cacheError)
		w.Header().Set("Cache-Control", "no-store")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	d.write(w, r, cfg, e, hit)
}

// resolve answers from cache while fresh, otherwise from the origin.
func (d *distribution) resolve(ctx context.Context, cfg delivery.Config, reqPath string) (cacheEntry, bool, error) {
	now := d.net.opts.Now()
	d.mu.RLock()
	e, ok := d.cache[reqPath]
	gen := d.gen
	d.mu.RUnlock()
	if ok && now.Before(e.expires) {
		return e, true, nil
	}

	e, err := d.fetch(ctx, cfg, reqPath)
	if err != nil {
		return cacheEntry{}, false, err
	}
	if e.expires.After(now) {
		d.mu.Lock()
		if d.gen == gen {
			d.cache[reqPath] = e
		}
		d.mu.Unlock()
	}
	return e, false, nil
}

func (d *distribution) fetch(ctx context.Context, cfg delivery.Config, reqPath string) (cacheEntry, error) {
	now := d.net.opts.Now()
	ttl := cfg.CachePolicy().DefaultTTL

	key, ok := pathutil.RequestKey(reqPath, cfg.DefaultRootObject())
	if !ok {
		return d.errorEntry(ctx, cfg, http.StatusForbidden, now)
	}
	body, obj, err := d.origin.Fetch(ctx, d.caller(), key)
	switch {
	case err == nil:
		return cacheEntry{
			status:      http.StatusOK,
			body:        body,
			contentType: obj.ContentType,
			etag:        obj.Hash,
			key:         key,
			expires:     now.Add(ttl),
		}, nil
	case errors.Is(err, origin.ErrAccessDenied):
		return d.errorEntry(ctx, cfg, http.StatusForbidden, now)
	case errors.Is(err, origin.ErrNotFound):
		return d.errorEntry(ctx, cfg, http.StatusNotFound, now)
	default:
		return cacheEntry{}, err
	}
}

// errorEntry maps an origin status onto the configured error page.
func (d *distribution) errorEntry(ctx context.Context, cfg delivery.Config, originStatus int, now time.Time) (cacheEntry, error) {
	for _, er := range cfg.ErrorResponses() {
		if er.OriginStatus != originStatus {
			continue
		}
		e := cacheEntry{status: er.Status, expires: now.Add(er.CachingTTL)}
		key := strings.TrimPrefix(er.PagePath, "/")
		body, obj, err := d.origin.Fetch(ctx, d.caller(), key)
		switch {
		case err == nil:
			e.body, e.contentType, e.key = body, obj.ContentType, key
		case errors.Is(err, origin.ErrNotFound), errors.Is(err, origin.ErrAccessDenied):
			e.body = []byte(http.StatusText(er.Status) + "\n")
			e.contentType = "text/plain; charset=utf-8"
		default:
			return cacheEntry{}, err
		}
		return e, nil
	}
	return cacheEntry{
		status:      originStatus,
		body:        []byte(http.StatusText(originStatus) + "\n"),
		contentType: "text/plain; charset=utf-8",
		expires:     now.Add(delivery.ErrorCachingTTL),
	}, nil
}

func (d *distribution) write(w http.ResponseWriter, r *http.Request, cfg delivery.Config, e cacheEntry, hit bool) {
	h := w.Header()
	if hit {
		h.Set("X-Cache", cacheHit)
	} else {
		h.Set("X-Cache", cacheMiss)
	}
	if e.contentType != "" {
		h.Set("Content-Type", e.contentType)
	}

	if e.status != http.StatusOK {
		h.Set("Cache-Control", "no-store")
		h.Set("Content-Length", strconv.Itoa(len(e.body)))
		w.WriteHeader(e.status)
		if r.Method != http.MethodHead {
			_, _ = w.Write(e.body)
		}
		return
	}

	h.Set("Cache-Control", cacheControl(e.key, cfg.CachePolicy()))
	if e.etag != "" {
		h.Set("ETag", `"`+e.etag+`"`)
	}
	// ServeContent handles HEAD, ranges and conditional requests
	http.ServeContent(w, r, path.Base(e.key), time.Time{}, bytes.NewReader(e.body))
}

// cacheControl is no-cache for HTML (and extensionless pages), else the
// policy's default TTL.
func cacheControl(key string, p delivery.CachePolicy) string {
	if !p.Cacheable() {
		return "no-store"
	}
	switch strings.ToLower(path.Ext(key)) {
	case ".html", ".htm", "":
		return "no-cache"
	}
	return "public, max-age=" + strconv.FormatInt(int64(p.DefaultTTL/time.Second), 10)
}

func (d *distribution) purge(patterns []string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	n := 0
	for p := range d.cache {
		for _, pat := range patterns {
			if delivery.Covers(pat, p) {
				delete(d.cache, p)
				n++
				break
			}
		}
	}
	return n
}
