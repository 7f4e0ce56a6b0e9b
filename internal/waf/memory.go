package waf

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Memory hands out web ACL references without calling AWS. The same name
// always yields the same reference.
type Memory struct {
	account string

	mu   sync.Mutex
	acls map[string]Ref
	cfgs map[string]Config
}

var _ Provisioner = (*Memory)(nil)

func NewMemory(accountID string) *Memory {
	return &Memory{account: accountID, acls: map[string]Ref{}, cfgs: map[string]Config{}}
}

func (m *Memory) Ensure(ctx context.Context, cfg Config) (Ref, error) {
	if err := cfg.Validate(); err != nil {
		return Ref{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.acls[cfg.Name]; ok {
		return r, nil
	}
	id := uuid.NewString()
	r := Ref{
		Name: cfg.Name,
		ID:   id,
		ARN:  "arn:aws:wafv2:" + Region + ":" + m.account + ":global/webacl/" + cfg.Name + "/" + id,
	}
	m.acls[cfg.Name] = r
	m.cfgs[cfg.Name] = cfg
	return r, nil
}

// Config returns the configuration a reference was created with.
func (m *Memory) Config(name string) (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cfgs[name]
	return c, ok
}
