package access

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

const (
	PolicyVersion = "2012-10-17"

	// DeliveryService is the service principal CloudFront signs origin requests as.
	DeliveryService = "cloudfront.amazonaws.com"

	ActionGetObject = "s3:GetObject"
	ConditionKey    = "AWS:SourceArn"
	OpStringEquals  = "StringEquals"
	EffectAllow     = "Allow"
)

var (
	accountRe = regexp.MustCompile(`^[0-9]{12}$`)
	distIDRe  = regexp.MustCompile(`^[A-Z0-9]{8,20}$`)
	distARNRe = regexp.MustCompile(`^arn:aws:cloudfront::([0-9]{12}):distribution/([A-Z0-9]{8,20})$`)
)

// Bucket names the storage origin a statement grants read on.
type Bucket struct {
	Name string
}

func (b Bucket) ARN() string { return "arn:aws:s3:::" + b.Name }

// ObjectsARN is the resource covering every object in the bucket.
func (b Bucket) ObjectsARN() string { return b.ARN() + "/*" }

// DeliveryIdentity identifies one provisioned distribution.
type DeliveryIdentity struct {
	AccountID      string
	DistributionID string
}

// Provisioned reports whether both halves of the identity exist.
func (d DeliveryIdentity) Provisioned() bool {
	return d.AccountID != "" && d.DistributionID != ""
}

func (d DeliveryIdentity) ARN() string {
	return fmt.Sprintf("arn:aws:cloudfront::%s:distribution/%s", d.AccountID, d.DistributionID)
}

// ParseDistributionARN splits a distribution ARN into its identity.
func ParseDistributionARN(arn string) (DeliveryIdentity, error) {
	m := distARNRe.FindStringSubmatch(arn)
	if m == nil {
		return DeliveryIdentity{}, xerrors.Config("malformed distribution ARN %q", arn)
	}
	return DeliveryIdentity{AccountID: m[1], DistributionID: m[2]}, nil
}

// Principal is who a statement grants to. Exactly one of Service or AWS is
// set; only Service principals pass validation.
type Principal struct {
	Service string
	AWS     string
}

type Condition struct {
	Operator string
	Key      string
	Values   []string
}

type Statement struct {
	Sid        string
	Effect     string
	Principal  Principal
	Actions    []string
	Resources  []string
	Conditions []Condition
}

type Document struct {
	Version    string
	Statements []Statement
}

// Bind returns the single statement that lets id read objects in b. It
// fails with an ordering error until the distribution exists.
func Bind(b Bucket, id DeliveryIdentity) (Statement, error) {
	if b.Name == "" {
		return Statement{}, xerrors.Config("bind: bucket name is empty")
	}
	if !id.Provisioned() {
		return Statement{}, xerrors.Ordering("bind %s: delivery identity is not provisioned yet", b.Name)
	}
	if !accountRe.MatchString(id.AccountID) {
		return Statement{}, xerrors.Config("bind %s: malformed account id %q", b.Name, id.AccountID)
	}
	if !distIDRe.MatchString(id.DistributionID) {
		return Statement{}, xerrors.Config("bind %s: malformed distribution id %q", b.Name, id.DistributionID)
	}

	st := Statement{
		Sid:       "AllowDeliveryRead" + id.DistributionID,
		Effect:    EffectAllow,
		Principal: Principal{Service: DeliveryService},
		Actions:   []string{ActionGetObject},
		Resources: []string{b.ObjectsARN()},
		Conditions: []Condition{{
			Operator: OpStringEquals,
			Key:      ConditionKey,
			Values:   []string{id.ARN()},
		}},
	}
	if err := st.Validate(b); err != nil {
		return Statement{}, err
	}
	return st, nil
}

// NewDocument wraps statements in a policy document.
func NewDocument(sts ...Statement) Document {
	return Document{Version: PolicyVersion, Statements: sts}
}

// Validate rejects any statement that widens read access beyond one
// distribution.
func (s Statement) Validate(b Bucket) error {
	if s.Effect != EffectAllow {
		return xerrors.Security("statement %q: only Allow statements are managed, got %q", s.Sid, s.Effect)
	}
	switch {
	case s.Principal.AWS != "":
		return xerrors.Security("statement %q: AWS principal %q grants read outside the delivery service", s.Sid, s.Principal.AWS)
	case s.Principal.Service == "*" || s.Principal.Service == "":
		return xerrors.Security("statement %q: wildcard or empty principal", s.Sid)
	case s.Principal.Service != DeliveryService:
		return xerrors.Security("statement %q: unexpected service principal %q", s.Sid, s.Principal.Service)
	}

	if len(s.Actions) == 0 {
		return xerrors.Security("statement %q: no actions", s.Sid)
	}
	for _, a := range s.Actions {
		if a != ActionGetObject {
			return xerrors.Security("statement %q: action %q is not read-only object access", s.Sid, a)
		}
	}

	if len(s.Resources) == 0 {
		return xerrors.Security("statement %q: no resources", s.Sid)
	}
	for _, r := range s.Resources {
		if r != b.ObjectsARN() && !strings.HasPrefix(r, b.ARN()+"/") {
			return xerrors.Security("statement %q: resource %q is outside bucket %s", s.Sid, r, b.Name)
		}
	}

	scoped := 0
	for _, c := range s.Conditions {
		if !strings.EqualFold(c.Key, ConditionKey) {
			continue
		}
		if c.Operator != OpStringEquals {
			return xerrors.Security("statement %q: %s must use %s, got %q", s.Sid, ConditionKey, OpStringEquals, c.Operator)
		}
		if len(c.Values) != 1 {
			return xerrors.Security("statement %q: %s must name exactly one distribution, got %d", s.Sid, ConditionKey, len(c.Values))
		}
		if strings.ContainsAny(c.Values[0], "*?") || !distARNRe.MatchString(c.Values[0]) {
			return xerrors.Security("statement %q: %s %q is not a single distribution ARN", s.Sid, ConditionKey, c.Values[0])
		}
		scoped++
	}
	if scoped != 1 {
		return xerrors.Security("statement %q: grant is not scoped by exactly one %s condition", s.Sid, ConditionKey)
	}
	return nil
}

// Validate checks every statement against b.
func (d Document) Validate(b Bucket) error {
	if d.Version != PolicyVersion {
		return xerrors.Config("policy version %q, want %q", d.Version, PolicyVersion)
	}
	if len(d.Statements) == 0 {
		return xerrors.Config("policy for %s has no statements", b.Name)
	}
	for _, s := range d.Statements {
		if err := s.Validate(b); err != nil {
			return err
		}
	}
	return nil
}

// SourceARNs lists the distribution ARNs the document grants to.
func (d Document) SourceARNs() []string {
	var out []string
	for _, s := range d.Statements {
		for _, c := range s.Conditions {
			if c.Key == ConditionKey {
				out = append(out, c.Values...)
			}
		}
	}
	return out
}

// ---- IAM JSON

type jsonPrincipal struct {
	Service string `json:"Service,omitempty"`
	AWS     string `json:"AWS,omitempty"`
}

type jsonStatement struct {
	Sid       string                       `json:"Sid,omitempty"`
	Effect    string                       `json:"Effect"`
	Principal jsonPrincipal                `json:"Principal"`
	Action    []string                     `json:"Action"`
	Resource  []string                     `json:"Resource"`
	Condition map[string]map[string]string `json:"Condition,omitempty"`
}

type jsonDocument struct {
	Version   string          `json:"Version"`
	Statement []jsonStatement `json:"Statement"`
}

// JSON renders the document in IAM policy syntax.
func (d Document) JSON() (string, error) {
	jd := jsonDocument{Version: d.Version}
	for _, s := range d.Statements {
		js := jsonStatement{
			Sid:       s.Sid,
			Effect:    s.Effect,
			Principal: jsonPrincipal{Service: s.Principal.Service, AWS: s.Principal.AWS},
			Action:    s.Actions,
			Resource:  s.Resources,
		}
		for _, c := range s.Conditions {
			if len(c.Values) != 1 {
				return "", xerrors.Config("condition %s %s: rendering supports exactly one value", c.Operator, c.Key)
			}
			if js.Condition == nil {
				js.Condition = map[string]map[string]string{}
			}
			if js.Condition[c.Operator] == nil {
				js.Condition[c.Operator] = map[string]string{}
			}
			js.Condition[c.Operator][c.Key] = c.Values[0]
		}
		jd.Statement = append(jd.Statement, js)
	}
	b, err := json.Marshal(jd)
	if err != nil {
		return "", xerrors.Wrap(err, "marshal bucket policy")
	}
	return string(b), nil
}

// ParseJSON reads an IAM policy document as returned by GetBucketPolicy.
// Principals and conditions given as lists or wildcards are preserved so that
// Validate can reject them.
func ParseJSON(s string) (Document, error) {
	var raw struct {
		Version   string `json:"Version"`
		Statement []struct {
			Sid       string                                `json:"Sid"`
			Effect    string                                `json:"Effect"`
			Principal json.RawMessage                       `json:"Principal"`
			Action    stringOrList                          `json:"Action"`
			Resource  stringOrList                          `json:"Resource"`
			Condition map[string]map[string]json.RawMessage `json:"Condition"`
		} `json:"Statement"`
	}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return Document{}, xerrors.Classify(xerrors.KindConfig, xerrors.Wrap(err, "parse bucket policy"))
	}
	d := Document{Version: raw.Version}
	for _, rs := range raw.Statement {
		st := Statement{Sid: rs.Sid, Effect: rs.Effect, Actions: rs.Action, Resources: rs.Resource}
		p, err := parsePrincipal(rs.Principal)
		if err != nil {
			return Document{}, err
		}
		st.Principal = p
		for op, kv := range rs.Condition {
			for k, v := range kv {
				var vals stringOrList
				if err := json.Unmarshal(v, &vals); err != nil {
					return Document{}, xerrors.Classify(xerrors.KindConfig, xerrors.Wrapf(err, "condition %s %s", op, k))
				}
				st.Conditions = append(st.Conditions, Condition{Operator: op, Key: k, Values: vals})
			}
		}
		d.Statements = append(d.Statements, st)
	}
	return d, nil
}

func parsePrincipal(raw json.RawMessage) (Principal, error) {
	var star string
	if err := json.Unmarshal(raw, &star); err == nil {
		return Principal{Service: star}, nil
	}
	var obj map[string]stringOrList
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Principal{}, xerrors.Classify(xerrors.KindConfig, xerrors.Wrap(err, "principal"))
	}
	var p Principal
	if aws := obj["AWS"]; len(aws) > 0 {
		p.AWS = strings.Join(aws, ",")
	}
	if svc := obj["Service"]; len(svc) == 1 {
		p.Service = svc[0]
	} else if len(svc) > 1 {
		p.Service = "*"
	}
	return p, nil
}

type stringOrList []string

func (s *stringOrList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*s = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}
