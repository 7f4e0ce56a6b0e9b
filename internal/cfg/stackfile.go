package cfg

import (
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// StackFile is the optional TOML description of a stack. Values set here
// apply where the environment leaves a parameter unset.
type StackFile struct {
	RemovalPolicy string            `toml:"removal_policy"`
	Excludes      []string          `toml:"excludes"`
	Tags          map[string]string `toml:"tags"`

	Delivery struct {
		CachePolicy       string `toml:"cache_policy"`
		ViewerProtocol    string `toml:"viewer_protocol"`
		PriceClass        string `toml:"price_class"`
		DefaultRootObject string `toml:"default_root_object"`
		ErrorPage         string `toml:"error_page"`
		ErrorStatus       int    `toml:"error_status"`
	} `toml:"delivery"`

	Deploy struct {
		Concurrency          int     `toml:"concurrency"`
		MaxAttempts          int     `toml:"max_attempts"`
		UploadRate           float64 `toml:"upload_rate"`
		Invalidation         string  `toml:"invalidation"`
		MaxInvalidationPaths int     `toml:"max_invalidation_paths"`
		ReleaseParam         string  `toml:"release_param"`
	} `toml:"deploy"`

	WAF struct {
		Name      string `toml:"name"`
		RateLimit int64  `toml:"rate_limit"`
	} `toml:"waf"`
}

// LoadStackFile decodes path. An empty path yields the zero StackFile.
// Unknown keys are rejected so typos never silently fall back to defaults.
func LoadStackFile(path string) (StackFile, error) {
	var sf StackFile
	if path == "" {
		return sf, nil
	}
	md, err := toml.DecodeFile(path, &sf)
	if err != nil {
		return StackFile{}, xerrors.Classify(xerrors.KindConfig, xerrors.Wrapf(err, "decode stack file %s", path))
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return StackFile{}, xerrors.Config("stack file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return sf, nil
}

// Merge returns p with unset values filled from the stack file.
func (sf StackFile) Merge(p Params) Params {
	if p.RemovalPolicy == "" {
		p.RemovalPolicy = sf.RemovalPolicy
	}
	if p.ReleaseParam == "" {
		p.ReleaseParam = sf.Deploy.ReleaseParam
	}
	return p
}
