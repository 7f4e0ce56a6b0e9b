package delivery

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

const (
	testCertARN = "arn:aws:acm:us-east-1:123456789012:certificate/0d4b7f5e-1c2a-4e7b-9f3d-6a8c2e1b5d90"
	testACLARN  = "arn:aws:wafv2:us-east-1:123456789012:global/webacl/site-acl/6f1c9a7e-2b3d-4c5e-8f9a-0b1c2d3e4f50"
)

func TestNewConfig_Defaults(t *testing.T) {
	c, err := NewConfig(Options{Name: "site"})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if c.CachePolicy().ID != CachingOptimizedID {
		t.Fatalf("cache policy = %s", c.CachePolicy().ID)
	}
	if diff := cmp.Diff([]string{http.MethodGet, http.MethodHead}, c.Methods()); diff != "" {
		t.Fatalf("methods (-want +got):\n%s", diff)
	}
	if c.ViewerProtocol() != RedirectToHTTPS {
		t.Fatalf("viewer protocol = %s", c.ViewerProtocol())
	}
	if c.DefaultRootObject() != "index.html" {
		t.Fatalf("root object = %s", c.DefaultRootObject())
	}
	if c.ErrorPage() != (ErrorPage{Path: "/error.html", Status: 404}) {
		t.Fatalf("error page = %+v", c.ErrorPage())
	}
	if !c.Compress() || c.PriceClass() != "PriceClass_100" {
		t.Fatalf("compress=%v price=%s", c.Compress(), c.PriceClass())
	}
	if c.Comment() != "sitedeploy:site" {
		t.Fatalf("comment = %q", c.Comment())
	}
}

func TestNewConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want string
	}{
		{"no name", Options{}, "distribution name"},
		{"unknown cache policy", Options{Name: "s", CachePolicyID: "nope"}, "unknown cache policy"},
		{"write method", Options{Name: "s", Methods: []string{"GET", "PUT"}}, `"PUT" not allowed`},
		{"post", Options{Name: "s", Methods: []string{"POST"}}, "not allowed"},
		{"head only", Options{Name: "s", Methods: []string{"HEAD"}}, "must include GET"},
		{"allow-all protocol", Options{Name: "s", ViewerProtocol: "allow-all"}, "viewer protocol"},
		{"bad alias", Options{Name: "s", Aliases: []string{"not a host"}, CertificateARN: testCertARN}, "alias"},
		{"alias without cert", Options{Name: "s", Aliases: []string{"www.example.com"}}, "need a certificate"},
		{"regional cert", Options{Name: "s", CertificateARN: "arn:aws:acm:eu-west-1:123456789012:certificate/0d4b7f5e-1c2a-4e7b-9f3d-6a8c2e1b5d90"}, "us-east-1"},
		{"regional acl", Options{Name: "s", WebACLARN: "arn:aws:wafv2:us-east-2:123456789012:regional/webacl/a/6f1c9a7e-2b3d-4c5e-8f9a-0b1c2d3e4f50"}, "web ACL"},
		{"relative error page", Options{Name: "s", ErrorPage: "error.html"}, "absolute"},
		{"root object path", Options{Name: "s", DefaultRootObject: "docs/index.html"}, "plain file name"},
		{"price class", Options{Name: "s", PriceClass: "PriceClass_1"}, "price class"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.opts)
			if !errors.Is(err, xerrors.ErrConfig) {
				t.Fatalf("err = %v, want config error", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestNewConfig_ReportsEveryProblem(t *testing.T) {
	_, err := NewConfig(Options{Name: "s", Methods: []string{"DELETE"}, ErrorPage: "x"})
	if err == nil || !strings.Contains(err.Error(), "DELETE") || !strings.Contains(err.Error(), "absolute") {
		t.Fatalf("err = %v", err)
	}
}

func TestNewConfig_AliasesAndCopies(t *testing.T) {
	tags := map[string]string{"Environment": "prod"}
	c, err := NewConfig(Options{
		Name:           "site",
		Aliases:        []string{"WWW.Example.com.", "example.com", "www.example.com"},
		CertificateARN: testCertARN,
		WebACLARN:      testACLARN,
		Methods:        []string{"get"},
		Tags:           tags,
	})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if diff := cmp.Diff([]string{"www.example.com", "example.com"}, c.Aliases()); diff != "" {
		t.Fatalf("aliases (-want +got):\n%s", diff)
	}
	if c.AllowsMethod(http.MethodHead) || !c.AllowsMethod(http.MethodGet) {
		t.Fatalf("methods = %v", c.Methods())
	}

	tags["Environment"] = "dev"
	c.Aliases()[0] = "evil.example.com"
	if c.Tags()["Environment"] != "prod" || c.Aliases()[0] != "www.example.com" {
		t.Fatal("config must not share state with callers")
	}
}

func TestCustomCachePolicy(t *testing.T) {
	custom := CachePolicy{ID: "acct-policy", Name: "short", MinTTL: 0, DefaultTTL: time.Minute, MaxTTL: time.Hour}
	c, err := NewConfig(Options{Name: "s", CachePolicyID: "acct-policy", CustomCachePolicies: []CachePolicy{custom}})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if c.CachePolicy() != custom {
		t.Fatalf("policy = %+v", c.CachePolicy())
	}

	bad := CachePolicy{ID: "acct-policy", DefaultTTL: time.Hour, MaxTTL: time.Minute}
	if _, err := NewConfig(Options{Name: "s", CachePolicyID: "acct-policy", CustomCachePolicies: []CachePolicy{bad}}); !errors.Is(err, xerrors.ErrConfig) {
		t.Fatalf("inverted ttl err = %v", err)
	}
}

func TestErrorResponses(t *testing.T) {
	c, _ := NewConfig(Options{Name: "s"})
	got := c.ErrorResponses()
	want := []ErrorResponse{
		{OriginStatus: 403, PagePath: "/error.html", Status: 404, CachingTTL: ErrorCachingTTL},
		{OriginStatus: 404, PagePath: "/error.html", Status: 404, CachingTTL: ErrorCachingTTL},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestNewDistributionRef(t *testing.T) {
	r, err := NewDistributionRef("E2QWRUHAPOMQZL", "D111111ABCDEF8.cloudfront.net.")
	if err != nil {
		t.Fatalf("NewDistributionRef: %v", err)
	}
	if r.ID() != "E2QWRUHAPOMQZL" || r.DomainName() != "d111111abcdef8.cloudfront.net" || !r.Valid() {
		t.Fatalf("ref = %v", r)
	}
	for _, tc := range []struct{ id, domain string }{
		{"", "d1.cloudfront.net"},
		{"e2qwruhapomqzl", "d1.cloudfront.net"},
		{"E2QW", "d1.cloudfront.net"},
		{"E2QWRUHAPOMQZL", ""},
		{"E2QWRUHAPOMQZL", "not a domain"},
	} {
		if _, err := NewDistributionRef(tc.id, tc.domain); !errors.Is(err, xerrors.ErrConfig) {
			t.Fatalf("NewDistributionRef(%q, %q) err = %v", tc.id, tc.domain, err)
		}
	}
	if (DistributionRef{}).Valid() {
		t.Fatal("zero ref must be invalid")
	}
}
