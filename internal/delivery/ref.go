package delivery

import (
	"regexp"
	"strings"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

var distributionID = regexp.MustCompile(`^E[A-Z0-9]{7,19}$`)

// DistributionRef names a distribution. The zero value is not a valid
// reference; NewDistributionRef is the only way to build one.
type DistributionRef struct {
	id         string
	domainName string
}

func NewDistributionRef(id, domainName string) (DistributionRef, error) {
	if !distributionID.MatchString(id) {
		return DistributionRef{}, xerrors.Config("malformed distribution id %q", id)
	}
	domainName = strings.ToLower(strings.TrimSuffix(domainName, "."))
	if err := cfg.ValidateVar(domainName, "fqdn"); err != nil {
		return DistributionRef{}, xerrors.Config("distribution %s: malformed domain name %q", id, domainName)
	}
	return DistributionRef{id: id, domainName: domainName}, nil
}

func (r DistributionRef) ID() string         { return r.id }
func (r DistributionRef) DomainName() string { return r.domainName }
func (r DistributionRef) Valid() bool        { return r.id != "" }
func (r DistributionRef) String() string     { return r.id + " (" + r.domainName + ")" }
