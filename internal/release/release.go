// Package release records which manifest a site currently serves.
//
// After a successful deploy the orchestrator publishes the manifest digest
// to a parameter so other tooling can tell which tree is live without
// listing the bucket.
package release

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

var digestRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Publisher stores and reads back the live manifest digest.
type Publisher interface {
	Publish(ctx context.Context, digest string) error
	Current(ctx context.Context) (string, error)
}

// SSMAPI is the subset of the SSM client used here.
type SSMAPI interface {
	PutParameter(ctx context.Context, in *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type SSM struct {
	api   SSMAPI
	param string
}

var _ Publisher = (*SSM)(nil)

// NewSSM publishes to the parameter name, which must be an absolute path.
func NewSSM(api SSMAPI, param string) (*SSM, error) {
	if !strings.HasPrefix(param, "/") || strings.HasSuffix(param, "/") {
		return nil, xerrors.Config("release parameter %q must be an absolute path like /site/prod/manifest", param)
	}
	return &SSM{api: api, param: param}, nil
}

func (s *SSM) Publish(ctx context.Context, digest string) error {
	if !digestRe.MatchString(digest) {
		return xerrors.Config("manifest digest %q is not a sha256 hex string", digest)
	}
	_, err := s.api.PutParameter(ctx, &ssm.PutParameterInput{
		Name:        aws.String(s.param),
		Value:       aws.String(digest),
		Type:        ssmtypes.ParameterTypeString,
		Overwrite:   aws.Bool(true),
		Description: aws.String("sitedeploy manifest digest"),
	})
	if err != nil {
		return xerrors.Wrapf(err, "put SSM parameter %s", s.param)
	}
	return nil
}

func (s *SSM) Current(ctx context.Context) (string, error) {
	out, err := s.api.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(s.param)})
	if err != nil {
		var nf *ssmtypes.ParameterNotFound
		if errors.As(err, &nf) {
			return "", nil
		}
		return "", xerrors.Wrapf(err, "get SSM parameter %s", s.param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", s.param)
	}
	return strings.TrimSpace(*out.Parameter.Value), nil
}

// Memory is an in-process Publisher.
type Memory struct {
	mu      sync.Mutex
	digest  string
	history []string
}

var _ Publisher = (*Memory)(nil)

func (m *Memory) Publish(_ context.Context, digest string) error {
	if !digestRe.MatchString(digest) {
		return xerrors.Config("manifest digest %q is not a sha256 hex string", digest)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.digest = digest
	m.history = append(m.history, digest)
	return nil
}

func (m *Memory) Current(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.digest, nil
}

// History returns every published digest, oldest first.
func (m *Memory) History() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.history...)
}
