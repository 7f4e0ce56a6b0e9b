package delivery

import (
	"errors"
	"maps"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/access"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// ViewerProtocolPolicy controls what the edge does with plain HTTP requests.
type ViewerProtocolPolicy string

const (
	RedirectToHTTPS ViewerProtocolPolicy = "redirect-to-https"
	HTTPSOnly       ViewerProtocolPolicy = "https-only"
)

// TLS settings for distributions with a custom certificate.
const (
	MinimumProtocolVersion = "TLSv1.2_2021"
	SSLSupportMethod       = "sni-only"
)

const (
	DefaultRootObject  = "index.html"
	DefaultErrorPage   = "/error.html"
	DefaultErrorStatus = http.StatusNotFound
	DefaultPriceClass  = "PriceClass_100"
	// ErrorCachingTTL is how long the edge keeps a remapped error response.
	ErrorCachingTTL = 10 * time.Second
)

var priceClasses = []string{"PriceClass_100", "PriceClass_200", "PriceClass_All"}

var (
	acmARN    = regexp.MustCompile(`^arn:aws:acm:us-east-1:\d{12}:certificate/[0-9a-f-]{36}$`)
	webACLARN = regexp.MustCompile(`^arn:aws:wafv2:us-east-1:\d{12}:global/webacl/[A-Za-z0-9_-]{1,128}/[0-9a-f-]{36}$`)
	stackName = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)
)

// Options are the caller-facing knobs. Zero values take the defaults.
type Options struct {
	// Name identifies the distribution within the account. Required.
	Name string

	CachePolicyID       string
	CustomCachePolicies []CachePolicy

	Methods        []string
	ViewerProtocol ViewerProtocolPolicy
	WebACLARN      string

	DefaultRootObject string
	ErrorPage         string
	ErrorStatus       int

	Aliases        []string
	CertificateARN string

	PriceClass string
	// Compress defaults to true; set DisableCompression to turn it off.
	DisableCompression bool

	Tags map[string]string
}

// ErrorPage is what the edge serves, and with which status, when the origin
// refuses or lacks an object.
type ErrorPage struct {
	Path   string
	Status int
}

// ErrorResponse maps one origin status onto the error page.
type ErrorResponse struct {
	OriginStatus int
	PagePath     string
	Status       int
	CachingTTL   time.Duration
}

// Config is an immutable, validated distribution description.
type Config struct {
	name           string
	cachePolicy    CachePolicy
	methods        []string
	viewerProtocol ViewerProtocolPolicy
	webACLARN      string
	rootObject     string
	errorPage      ErrorPage
	aliases        []string
	certificateARN string
	priceClass     string
	compress       bool
	tags           map[string]string
}

// NewConfig applies defaults and validates every field. All problems are
// reported together as one configuration error.
func NewConfig(o Options) (Config, error) {
	c := Config{
		name:           o.Name,
		viewerProtocol: o.ViewerProtocol,
		webACLARN:      o.WebACLARN,
		rootObject:     o.DefaultRootObject,
		errorPage:      ErrorPage{Path: o.ErrorPage, Status: o.ErrorStatus},
		certificateARN: o.CertificateARN,
		priceClass:     o.PriceClass,
		compress:       !o.DisableCompression,
		tags:           maps.Clone(o.Tags),
	}
	if c.viewerProtocol == "" {
		c.viewerProtocol = RedirectToHTTPS
	}
	if c.rootObject == "" {
		c.rootObject = DefaultRootObject
	}
	if c.errorPage.Path == "" {
		c.errorPage.Path = DefaultErrorPage
	}
	if c.errorPage.Status == 0 {
		c.errorPage.Status = DefaultErrorStatus
	}
	if c.priceClass == "" {
		c.priceClass = DefaultPriceClass
	}

	var errs []error
	if !stackName.MatchString(c.name) {
		errs = append(errs, xerrors.Config("distribution name %q must be 1-63 lowercase letters, digits or dashes", c.name))
	}

	policyID := o.CachePolicyID
	if policyID == "" {
		policyID = CachingOptimizedID
	}
	cp, err := lookupCachePolicy(policyID, o.CustomCachePolicies)
	if err != nil {
		errs = append(errs, err)
	}
	c.cachePolicy = cp

	methods, err := normalizeMethods(o.Methods)
	if err != nil {
		errs = append(errs, err)
	}
	c.methods = methods

	switch c.viewerProtocol {
	case RedirectToHTTPS, HTTPSOnly:
	default:
		errs = append(errs, xerrors.Config("viewer protocol policy %q must be %q or %q", c.viewerProtocol, RedirectToHTTPS, HTTPSOnly))
	}

	if c.webACLARN != "" && !webACLARN.MatchString(c.webACLARN) {
		errs = append(errs, xerrors.Config("web ACL %q is not a global wafv2 web ACL ARN", c.webACLARN))
	}

	if strings.Contains(c.rootObject, "/") || strings.HasPrefix(c.rootObject, ".") {
		errs = append(errs, xerrors.Config("default root object %q must be a plain file name", c.rootObject))
	}
	if !strings.HasPrefix(c.errorPage.Path, "/") || strings.ContainsAny(c.errorPage.Path, "*?#") {
		errs = append(errs, xerrors.Config("error page %q must be an absolute path", c.errorPage.Path))
	}
	if c.errorPage.Status < 200 || c.errorPage.Status > 599 {
		errs = append(errs, xerrors.Config("error status %d is not an HTTP status", c.errorPage.Status))
	}

	for _, a := range o.Aliases {
		a = strings.ToLower(strings.TrimSuffix(a, "."))
		if err := cfg.ValidateVar(a, "fqdn"); err != nil {
			errs = append(errs, xerrors.Config("alias %q is not a valid domain name", a))
			continue
		}
		if !slices.Contains(c.aliases, a) {
			c.aliases = append(c.aliases, a)
		}
	}
	if len(c.aliases) > 0 && c.certificateARN == "" {
		errs = append(errs, xerrors.Config("aliases %v need a certificate", c.aliases))
	}
	if c.certificateARN != "" && !acmARN.MatchString(c.certificateARN) {
		errs = append(errs, xerrors.Config("certificate %q is not an ACM certificate ARN in us-east-1", c.certificateARN))
	}
	if !slices.Contains(priceClasses, c.priceClass) {
		errs = append(errs, xerrors.Config("price class %q must be one of %v", c.priceClass, priceClasses))
	}

	if len(errs) > 0 {
		return Config{}, xerrors.Classify(xerrors.KindConfig, errors.Join(errs...))
	}
	return c, nil
}

// normalizeMethods accepts {GET} or {GET, HEAD}. Anything that could write
// through to the origin is refused.
func normalizeMethods(in []string) ([]string, error) {
	if len(in) == 0 {
		return []string{http.MethodGet, http.MethodHead}, nil
	}
	var out []string
	for _, m := range in {
		m = strings.ToUpper(strings.TrimSpace(m))
		switch m {
		case http.MethodGet, http.MethodHead:
			if !slices.Contains(out, m) {
				out = append(out, m)
			}
		default:
			return nil, xerrors.Config("method %q not allowed: distributions serve GET and HEAD only", m)
		}
	}
	if !slices.Contains(out, http.MethodGet) {
		return nil, xerrors.Config("allowed methods %v must include GET", out)
	}
	slices.Sort(out)
	return out, nil
}

func (c Config) Name() string                         { return c.name }
func (c Config) CachePolicy() CachePolicy             { return c.cachePolicy }
func (c Config) Methods() []string                    { return slices.Clone(c.methods) }
func (c Config) ViewerProtocol() ViewerProtocolPolicy { return c.viewerProtocol }
func (c Config) WebACLARN() string                    { return c.webACLARN }
func (c Config) DefaultRootObject() string            { return c.rootObject }
func (c Config) ErrorPage() ErrorPage                 { return c.errorPage }
func (c Config) Aliases() []string                    { return slices.Clone(c.aliases) }
func (c Config) CertificateARN() string               { return c.certificateARN }
func (c Config) PriceClass() string                   { return c.priceClass }
func (c Config) Compress() bool                       { return c.compress }
func (c Config) Tags() map[string]string              { return maps.Clone(c.tags) }

// Comment is the distribution comment; backends use it to find an existing
// distribution for the same name.
func (c Config) Comment() string { return "sitedeploy:" + c.name }

// AllowsMethod reports whether m is served.
func (c Config) AllowsMethod(m string) bool { return slices.Contains(c.methods, m) }

// ErrorResponses maps origin 403 and 404 to the error page. A private bucket
// answers 403 for absent keys, so both must land on the same page.
func (c Config) ErrorResponses() []ErrorResponse {
	out := make([]ErrorResponse, 0, 2)
	for _, s := range []int{http.StatusForbidden, http.StatusNotFound} {
		out = append(out, ErrorResponse{
			OriginStatus: s,
			PagePath:     c.errorPage.Path,
			Status:       c.errorPage.Status,
			CachingTTL:   ErrorCachingTTL,
		})
	}
	return out
}

// OriginEndpoint is what a distribution needs to know about its origin.
// origin.Origin satisfies it.
type OriginEndpoint interface {
	Name() string
	DomainName() string
}

// Distribution is a provisioned distribution.
type Distribution struct {
	Ref    DistributionRef
	ARN    string
	Config Config
}

// Identity is the principal the access binding grants reads to.
func (d Distribution) Identity() (access.DeliveryIdentity, error) {
	return access.ParseDistributionARN(d.ARN)
}
