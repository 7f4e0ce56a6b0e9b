// Package pathutil converts between asset paths, object keys and request
// paths without ever letting a traversal segment through.
package pathutil

import (
	"strings"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// ObjectKey normalizes a slash-separated asset path into a storage key:
// no leading slash, no empty, dot or backslash segments.
func ObjectKey(p string) (string, error) {
	key := strings.TrimPrefix(p, "/")
	switch {
	case key == "":
		return "", xerrors.Config("empty object key")
	case strings.Contains(key, `\`):
		return "", xerrors.Config("object key %q contains a backslash", p)
	case strings.Contains(key, "//"), strings.HasSuffix(key, "/"):
		return "", xerrors.Config("object key %q has an empty segment", p)
	case HasDotSegments(key):
		return "", xerrors.Config("object key %q has a dot segment", p)
	}
	return key, nil
}

// RequestKey maps a URL path onto the object key that serves it. Directory
// paths, including "/", resolve to rootObject inside that directory.
// ok is false for paths that can never name an object.
func RequestKey(urlPath, rootObject string) (key string, ok bool) {
	if urlPath == "" {
		urlPath = "/"
	}
	if !strings.HasPrefix(urlPath, "/") || strings.Contains(urlPath, `\`) || HasDotSegments(urlPath) {
		return "", false
	}
	if strings.HasSuffix(urlPath, "/") {
		urlPath += rootObject
	}
	key, err := ObjectKey(urlPath)
	if err != nil {
		return "", false
	}
	return key, true
}

// URLPath is the inverse of ObjectKey: the request path an object is served at.
func URLPath(key string) string { return "/" + strings.TrimPrefix(key, "/") }
