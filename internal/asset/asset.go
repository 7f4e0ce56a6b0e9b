// Package asset enumerates a local website tree into content-addressed
// assets ready for sync.
package asset

import (
	"context"
	"io/fs"
	"mime"
	"path"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// Asset is one file of the site. Path is slash separated, relative to the
// tree root and identical to the storage key.
type Asset struct {
	Path        string
	Body        []byte
	Hash        string
	Size        int64
	ContentType string
}

// New fingerprints body and detects its content type.
func New(p string, body []byte) (Asset, error) {
	key, err := pathutil.ObjectKey(p)
	if err != nil {
		return Asset{}, err
	}
	return Asset{
		Path:        key,
		Body:        body,
		Hash:        cryptoutil.SHA256Hex(body),
		Size:        int64(len(body)),
		ContentType: ContentType(key, body),
	}, nil
}

// ContentType prefers the registered type for the extension and falls back
// to sniffing the body.
func ContentType(p string, body []byte) string {
	if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
		return ct
	}
	return mimetype.Detect(body).String()
}

// IsHTML reports whether the asset is served as an HTML document.
func (a Asset) IsHTML() bool {
	return strings.HasPrefix(a.ContentType, "text/html")
}

// Scan walks fsys and returns every regular file not excluded by ex,
// sorted by path. A nil ex excludes nothing.
func Scan(ctx context.Context, fsys fs.FS, ex *Excluder) ([]Asset, error) {
	var out []Asset
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return xerrors.Wrapf(err, "walk %s", p)
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if p == "." {
			return nil
		}
		if ex.Excluded(p) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		body, err := fs.ReadFile(fsys, p)
		if err != nil {
			return xerrors.Wrapf(err, "read %s", p)
		}
		a, err := New(p, body)
		if err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Index keys assets by path.
func Index(assets []Asset) map[string]Asset {
	m := make(map[string]Asset, len(assets))
	for _, a := range assets {
		m[a.Path] = a
	}
	return m
}

// Hashes maps each asset path to its hash, the input of cryptoutil.ManifestDigest.
func Hashes(assets []Asset) map[string]string {
	m := make(map[string]string, len(assets))
	for _, a := range assets {
		m[a.Path] = a.Hash
	}
	return m
}
