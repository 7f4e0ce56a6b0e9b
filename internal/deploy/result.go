package deploy

import (
	"errors"
	"time"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/delivery"
)

var (
	// ErrPartialUpload means at least one upload failed; nothing was deleted
	// and the edge was not invalidated.
	ErrPartialUpload = errors.New("deploy: some assets failed to upload")
	// ErrPartialDelete means every upload landed but some stale keys remain.
	ErrPartialDelete = errors.New("deploy: some stale assets failed to delete")
	// ErrInvalidationFailed means the origin is current but the edge may
	// still serve old content.
	ErrInvalidationFailed = errors.New("deploy: edge invalidation failed")
)

type AssetFailure struct {
	Path string
	Op   Op
	Err  error
}

type Result struct {
	Uploaded       []string
	Skipped        []string
	Deleted        []string
	Failed         []AssetFailure
	Invalidation   delivery.Invalidation
	ManifestDigest string
	BytesUploaded  int64
	Retries        int
	Duration       time.Duration
}
