package origin

import (
	"context"
	"sync"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/access"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

type memObject struct {
	body []byte
	obj  Object
}

// Stats counts writes against a Memory origin.
type Stats struct {
	Puts         int
	Deletes      int
	BytesWritten int64
}

// Memory is an in-process origin enforcing the same access rules as S3.
type Memory struct {
	cfg    Config
	logger log.Logger

	mu      sync.RWMutex
	objects map[string]memObject
	policy  *access.Document
	gone    bool
	stats   Stats
}

var (
	_ Origin = (*Memory)(nil)
	_ Reader = (*Memory)(nil)
)

func NewMemory(cfg Config, logger log.Logger) (*Memory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Memory{
		cfg:     cfg,
		logger:  logger.With("component", "origin", "bucket", cfg.Name),
		objects: make(map[string]memObject),
	}, nil
}

func (m *Memory) Name() string { return m.cfg.Name }

func (m *Memory) DomainName() string { return m.cfg.Name + ".s3.memory.local" }

func (m *Memory) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	k, err := pathutil.ObjectKey(key)
	if err != nil {
		return "", err
	}
	hash := cryptoutil.SHA256Hex(body)
	cp := append([]byte(nil), body...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gone {
		return "", ErrTornDown
	}
	m.objects[k] = memObject{
		body: cp,
		obj:  Object{Key: k, Hash: hash, Size: int64(len(cp)), ContentType: contentType},
	}
	m.stats.Puts++
	m.stats.BytesWritten += int64(len(cp))
	return hash, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gone {
		return ErrTornDown
	}
	if _, ok := m.objects[key]; ok {
		delete(m.objects, key)
		m.stats.Deletes++
	}
	return nil
}

func (m *Memory) List(ctx context.Context) (map[string]Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.gone {
		return nil, ErrTornDown
	}
	out := make(map[string]Object, len(m.objects))
	for k, o := range m.objects {
		out[k] = o.obj
	}
	return out, nil
}

func (m *Memory) AttachPolicy(ctx context.Context, doc access.Document) error {
	if err := doc.Validate(m.cfg.Bucket()); err != nil {
		return xerrors.Wrapf(err, "attach policy to %s", m.cfg.Name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gone {
		return ErrTornDown
	}
	m.policy = &doc
	m.logger.Info(ctx, "bucket policy attached", "source_arns", doc.SourceARNs())
	return nil
}

// Fetch reads key on behalf of caller. Without an attached policy nobody
// can read.
func (m *Memory) Fetch(ctx context.Context, caller Caller, key string) ([]byte, Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, Object{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.gone {
		return nil, Object{}, ErrTornDown
	}
	if m.policy == nil || !access.Evaluate(*m.policy, m.cfg.Bucket(), readRequest(m.cfg.Bucket(), caller, key)) {
		return nil, Object{}, ErrAccessDenied
	}
	o, ok := m.objects[key]
	if !ok {
		return nil, Object{}, ErrNotFound
	}
	return append([]byte(nil), o.body...), o.obj, nil
}

// Policy returns the attached policy, if any.
func (m *Memory) Policy() (access.Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.policy == nil {
		return access.Document{}, false
	}
	return *m.policy, true
}

func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Memory) Teardown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.RemovalPolicy == RemovalRetain {
		m.logger.Info(ctx, "removal policy is retain, leaving bucket and objects", "objects", len(m.objects))
		return nil
	}
	m.logger.Info(ctx, "removal policy is destroy, purging bucket", "objects", len(m.objects))
	m.objects = map[string]memObject{}
	m.policy = nil
	m.gone = true
	return nil
}
