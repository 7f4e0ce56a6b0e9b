package cfg

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// Params are the stack parameters taken from the environment. Every field
// is optional except where the stack that consumes it says otherwise.
type Params struct {
	RootDomain       string `env:"ROOT_DOMAIN" envDefault:"example.com" validate:"required,fqdn"`
	Subdomain        string `env:"SUBDOMAIN" envDefault:"www" validate:"required,dnslabel"`
	Environment      string `env:"ENVIRONMENT" envDefault:"dev" validate:"required,max=64,tagvalue"`
	ProjectURL       string `env:"PROJECT_URL" validate:"omitempty,url"`
	BucketName       string `env:"BUCKET_NAME" validate:"omitempty,bucketname"`
	RemovalPolicy    string `env:"REMOVAL_POLICY" validate:"omitempty,oneof=retain destroy"`
	EnableDomain     bool   `env:"ENABLE_DOMAIN" envDefault:"false"`
	EnableWAF        bool   `env:"ENABLE_WAF" envDefault:"true"`
	HostedZoneID     string `env:"HOSTED_ZONE_ID" validate:"omitempty,alphanum"`
	CreateHostedZone bool   `env:"CREATE_HOSTED_ZONE" envDefault:"false"`
	ReleaseParam     string `env:"RELEASE_PARAM" validate:"omitempty,startswith=/"`
}

// FQDN is the subdomain under the root domain.
func (p Params) FQDN() string { return p.Subdomain + "." + p.RootDomain }

// DomainNames lists the certificate and alias names: subdomain first, apex second.
func (p Params) DomainNames() []string { return []string{p.FQDN(), p.RootDomain} }

// LoadParams parses Params from environ; nil environ reads the process environment.
func LoadParams(environ map[string]string) (Params, error) {
	var p Params
	if err := env.ParseWithOptions(&p, env.Options{Environment: environ}); err != nil {
		return Params{}, xerrors.Classify(xerrors.KindConfig, xerrors.Wrap(err, "parse stack parameters"))
	}
	p.RootDomain = strings.TrimSuffix(strings.ToLower(p.RootDomain), ".")
	p.Subdomain = strings.ToLower(p.Subdomain)
	if err := ValidateStruct(p); err != nil {
		return Params{}, err
	}
	return p, nil
}

var (
	dnsLabelRe   = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	bucketNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)
	tagValueRe   = regexp.MustCompile(`^[\p{L}\p{Z}\p{N}_.:/=+\-@]*$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("dnslabel", func(fl validator.FieldLevel) bool {
		return dnsLabelRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("bucketname", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return bucketNameRe.MatchString(s) && !strings.Contains(s, "..")
	})
	_ = v.RegisterValidation("tagvalue", func(fl validator.FieldLevel) bool {
		return tagValueRe.MatchString(fl.Field().String())
	})
	return v
}

// ValidateStruct runs struct tag validation and reports every failing field
// as one configuration error.
func ValidateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return xerrors.Classify(xerrors.KindConfig, err)
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, fmt.Errorf("%s: value %q fails %q", fe.Namespace(), fmt.Sprint(fe.Value()), fe.Tag()))
	}
	return xerrors.Classify(xerrors.KindConfig, errors.Join(errs...))
}

// ValidateVar validates a single value against a validator tag such as "fqdn".
func ValidateVar(v any, tag string) error {
	if err := validate.Var(v, tag); err != nil {
		return xerrors.Config("value %q fails %q", fmt.Sprint(v), tag)
	}
	return nil
}
