package asset

import (
	"strings"

	"github.com/gobwas/glob"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// DefaultExcludes never ship: version control metadata and the repository readme.
var DefaultExcludes = []string{".git", "README.md"}

type pattern struct {
	raw      string
	g        glob.Glob
	anyDepth bool
}

// Excluder matches tree paths against exclude globs. A pattern without a
// slash matches any single path segment ("README.md" also drops
// docs/README.md); a pattern with a slash matches the path from the root.
// A matching directory excludes everything below it.
type Excluder struct {
	patterns []pattern
}

func NewExcluder(patterns []string) (*Excluder, error) {
	ex := &Excluder{}
	for _, raw := range patterns {
		trimmed := strings.TrimSpace(raw)
		p := strings.Trim(trimmed, "/")
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, xerrors.Classify(xerrors.KindConfig, xerrors.Wrapf(err, "exclude pattern %q", raw))
		}
		ex.patterns = append(ex.patterns, pattern{raw: raw, g: g, anyDepth: !strings.Contains(trimmed, "/")})
	}
	return ex, nil
}

// Patterns returns the patterns as given.
func (e *Excluder) Patterns() []string {
	if e == nil {
		return nil
	}
	out := make([]string, len(e.patterns))
	for i, p := range e.patterns {
		out[i] = p.raw
	}
	return out
}

// Excluded reports whether p, or any directory containing it, matches.
func (e *Excluder) Excluded(p string) bool {
	if e == nil || len(e.patterns) == 0 {
		return false
	}
	segs := strings.Split(strings.Trim(p, "/"), "/")
	for _, pat := range e.patterns {
		if pat.anyDepth {
			for _, s := range segs {
				if pat.g.Match(s) {
					return true
				}
			}
			continue
		}
		for i := range segs {
			if pat.g.Match(strings.Join(segs[:i+1], "/")) {
				return true
			}
		}
	}
	return false
}
