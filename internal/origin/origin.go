// Package origin is the private object store behind the delivery layer.
//
// Objects are written by the deploy orchestrator and read only by the
// delivery principal named in the attached access policy. Two backends
// exist: S3 for real stacks and Memory for local preview and tests.
package origin

import (
	"context"
	"errors"
	"fmt"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/access"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

var (
	ErrNotFound     = errors.New("origin: object not found")
	ErrAccessDenied = errors.New("origin: access denied")
	ErrTornDown     = errors.New("origin: bucket has been torn down")
)

// MetadataHashKey is the object metadata entry holding the content SHA-256.
const MetadataHashKey = "sha256"

// Object describes one stored asset.
type Object struct {
	Key         string
	Hash        string
	Size        int64
	ContentType string
}

// Origin is the write and enumeration side used by deploys.
type Origin interface {
	Name() string
	// DomainName is the host the delivery layer fetches objects from.
	DomainName() string
	// Put stores body under key and returns its content hash.
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns every stored object keyed by path.
	List(ctx context.Context) (map[string]Object, error)
	// AttachPolicy replaces the bucket policy after validating it.
	AttachPolicy(ctx context.Context, doc access.Document) error
	// Teardown applies the removal policy.
	Teardown(ctx context.Context) error
}

// Caller identifies who is reading, as the delivery layer signs it.
type Caller struct {
	Service   string
	SourceArn string
}

// Reader is the read side used by the delivery layer.
type Reader interface {
	Fetch(ctx context.Context, caller Caller, key string) ([]byte, Object, error)
}

// RemovalPolicy decides what teardown does to the bucket and its objects.
// There is no default: both choices are irreversible in opposite directions.
type RemovalPolicy string

const (
	RemovalRetain  RemovalPolicy = "retain"
	RemovalDestroy RemovalPolicy = "destroy"
)

func ParseRemovalPolicy(s string) (RemovalPolicy, error) {
	switch RemovalPolicy(s) {
	case RemovalRetain, RemovalDestroy:
		return RemovalPolicy(s), nil
	case "":
		return "", xerrors.Config("removal policy must be set explicitly to %q or %q", RemovalRetain, RemovalDestroy)
	default:
		return "", xerrors.Config("unknown removal policy %q (want %q or %q)", s, RemovalRetain, RemovalDestroy)
	}
}

// Config describes a storage origin.
type Config struct {
	Name          string
	Region        string
	RemovalPolicy RemovalPolicy
	// PublicRead exists so a request for it can be refused; it must be false.
	PublicRead bool
	Tags       map[string]string
}

func (c Config) Validate() error {
	if c.Name == "" {
		return xerrors.Config("origin: bucket name is empty")
	}
	if c.PublicRead {
		return xerrors.Security("origin %s: public read would bypass the delivery access binding", c.Name)
	}
	if _, err := ParseRemovalPolicy(string(c.RemovalPolicy)); err != nil {
		return xerrors.Wrapf(err, "origin %s", c.Name)
	}
	return nil
}

func (c Config) Bucket() access.Bucket { return access.Bucket{Name: c.Name} }

func readRequest(b access.Bucket, caller Caller, key string) access.Request {
	return access.Request{
		Service:   caller.Service,
		SourceArn: caller.SourceArn,
		Action:    access.ActionGetObject,
		Resource:  fmt.Sprintf("%s/%s", b.ARN(), key),
	}
}
