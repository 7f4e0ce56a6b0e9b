package access

import (
	"strings"

	"github.com/samber/lo"
)

// Request describes one read attempt against the origin, as the caller
// presents it.
type Request struct {
	Service   string
	SourceArn string
	Action    string
	Resource  string
}

// Evaluate reports whether doc allows r. Anything not explicitly allowed is
// denied; a document that fails validation allows nothing.
func Evaluate(doc Document, b Bucket, r Request) bool {
	if doc.Validate(b) != nil {
		return false
	}
	for _, s := range doc.Statements {
		if allows(s, r) {
			return true
		}
	}
	return false
}

func allows(s Statement, r Request) bool {
	if s.Effect != EffectAllow || s.Principal.Service != r.Service {
		return false
	}
	if !lo.Contains(s.Actions, r.Action) {
		return false
	}
	matched := false
	for _, res := range s.Resources {
		if res == r.Resource || (strings.HasSuffix(res, "/*") && strings.HasPrefix(r.Resource, strings.TrimSuffix(res, "*"))) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, c := range s.Conditions {
		if strings.EqualFold(c.Key, ConditionKey) && !lo.Contains(c.Values, r.SourceArn) {
			return false
		}
	}
	return true
}
