package domainbind

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// MemoryZones is an in-process DNS. It is safe for concurrent use.
type MemoryZones struct {
	mu      sync.Mutex
	zones   map[string]Zone             // by canonical name
	records map[string]map[string]Record // zone id -> name/type -> record
	writes  int
}

var _ DNS = (*MemoryZones)(nil)

func NewMemoryZones(names ...string) *MemoryZones {
	m := &MemoryZones{zones: map[string]Zone{}, records: map[string]map[string]Record{}}
	for _, n := range names {
		m.add(n)
	}
	return m
}

func (m *MemoryZones) add(name string) Zone {
	name = canonical(name)
	z := Zone{ID: "Z" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:13]), Name: name}
	m.zones[name] = z
	m.records[z.ID] = map[string]Record{}
	return z
}

func (m *MemoryZones) FindZone(_ context.Context, name string) (Zone, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zones[canonical(name)]
	return z, ok, nil
}

func (m *MemoryZones) CreateZone(_ context.Context, name string) (Zone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if z, ok := m.zones[canonical(name)]; ok {
		return z, nil
	}
	return m.add(name), nil
}

func (m *MemoryZones) UpsertRecords(_ context.Context, zone Zone, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.records[zone.ID]
	if !ok {
		return xerrors.Config("hosted zone %s does not exist", zone.ID)
	}
	for _, r := range records {
		r.Name = canonical(r.Name)
		r.Values = slices.Clone(r.Values)
		rs[r.Name+"/"+r.Type] = r
	}
	m.writes++
	return nil
}

// Records returns the zone's records sorted by name then type.
func (m *MemoryZones) Records(zoneID string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.records[zoneID]
	out := make([]Record, 0, len(rs))
	for _, k := range slices.Sorted(maps.Keys(rs)) {
		out = append(out, rs[k])
	}
	return out
}

// Writes counts UpsertRecords calls that reached an existing zone.
func (m *MemoryZones) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MemoryZones) lookup(name, typ string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = canonical(name)
	for zn, z := range m.zones {
		if name == zn || strings.HasSuffix(name, "."+zn) {
			if r, ok := m.records[z.ID][name+"/"+typ]; ok {
				return r, true
			}
		}
	}
	return Record{}, false
}

// MemoryIssuer issues a certificate once every validation CNAME it asked
// for resolves in the linked zones.
type MemoryIssuer struct {
	mu        sync.Mutex
	accountID string
	dns       *MemoryZones
	certs     map[string]*Certificate
	order     []string
	held      bool
	fail      string
	describes int
}

var _ Issuer = (*MemoryIssuer)(nil)

func NewMemoryIssuer(accountID string, dns *MemoryZones) *MemoryIssuer {
	return &MemoryIssuer{accountID: accountID, dns: dns, certs: map[string]*Certificate{}}
}

// Hold keeps every certificate in PENDING_VALIDATION regardless of DNS.
func (i *MemoryIssuer) Hold(held bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.held = held
}

// Fail makes pending certificates fail validation with reason.
func (i *MemoryIssuer) Fail(reason string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.fail = reason
}

func (i *MemoryIssuer) Describes() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.describes
}

func (i *MemoryIssuer) Find(_ context.Context, names []string) (Certificate, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, arn := range i.order {
		c := i.certs[arn]
		if c.Status != Failed && canonical(c.Domain) == canonical(names[0]) && c.Covers(names) {
			return clone(*c), true, nil
		}
	}
	return Certificate{}, false, nil
}

func (i *MemoryIssuer) Request(_ context.Context, names []string, _ map[string]string) (Certificate, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	arn := fmt.Sprintf("arn:aws:acm:us-east-1:%s:certificate/%s", i.accountID, uuid.NewString())
	c := &Certificate{
		ARN:    arn,
		Domain: canonical(names[0]),
		Status: PendingValidation,
	}
	for _, n := range names[1:] {
		c.SANs = append(c.SANs, canonical(n))
	}
	for _, n := range names {
		tok := strings.ReplaceAll(uuid.NewString(), "-", "")
		c.Validation = append(c.Validation, ValidationRecord{
			Domain: canonical(n),
			Name:   "_" + tok[:16] + "." + canonical(n),
			Type:   "CNAME",
			Value:  "_" + tok[16:] + ".acm-validations.aws",
		})
	}
	i.certs[arn] = c
	i.order = append(i.order, arn)
	return clone(*c), nil
}

func (i *MemoryIssuer) Describe(_ context.Context, arn string) (Certificate, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.describes++
	c, ok := i.certs[arn]
	if !ok {
		return Certificate{}, xerrors.Config("certificate %s does not exist", arn)
	}
	if c.Status == PendingValidation && !i.held {
		switch {
		case i.fail != "":
			c.Status, c.Reason = Failed, i.fail
		case i.validated(c):
			c.Status = Issued
		}
	}
	return clone(*c), nil
}

func (i *MemoryIssuer) validated(c *Certificate) bool {
	if i.dns == nil {
		return false
	}
	for _, v := range c.Validation {
		r, ok := i.dns.lookup(v.Name, v.Type)
		if !ok || !slices.Contains(r.Values, v.Value) {
			return false
		}
	}
	return true
}

func clone(c Certificate) Certificate {
	c.SANs = slices.Clone(c.SANs)
	c.Validation = slices.Clone(c.Validation)
	return c
}
