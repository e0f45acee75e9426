package tenant

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"haccare.org/internal/ids"
)

// InMemory implements Directory and GrantStore with in-process locking.
// It backs tests and the no-database development mode.
type InMemory struct {
	mu      sync.RWMutex
	tenants map[string]Tenant
	grants  map[string]AccessGrant // key: principal|tenant
}

// NewInMemory creates an empty directory and grant store.
func NewInMemory() *InMemory {
	return &InMemory{
		tenants: make(map[string]Tenant),
		grants:  make(map[string]AccessGrant),
	}
}

var _ Directory = (*InMemory)(nil)
var _ GrantStore = (*InMemory)(nil)

func (m *InMemory) Create(ctx context.Context, t *Tenant) error {
	if t == nil || strings.TrimSpace(t.Name) == "" {
		return ErrInvalidInput
	}
	if t.ID == "" {
		t.ID = ids.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[t.ID]; ok {
		return ErrConflict
	}
	if t.ParentID != "" {
		if _, ok := m.tenants[t.ParentID]; !ok {
			return ErrNotFound
		}
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	m.tenants[t.ID] = *t
	return nil
}

func (m *InMemory) Get(ctx context.Context, id string) (Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func (m *InMemory) ListChildren(ctx context.Context, parentID string) ([]Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Tenant
	for _, t := range m.tenants {
		if t.ParentID == parentID {
			out = append(out, t)
		}
	}
	sortTenants(out)
	return out, nil
}

func (m *InMemory) ListByKind(ctx context.Context, kind Kind) ([]Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Tenant
	for _, t := range m.tenants {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	sortTenants(out)
	return out, nil
}

func (m *InMemory) Retire(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return ErrNotFound
	}
	t.Kind = KindArchivedSession
	t.Status = StatusInactive
	m.tenants[id] = t
	return nil
}

func (m *InMemory) Upsert(ctx context.Context, g AccessGrant) error {
	if g.PrincipalID == "" || g.TenantID == "" || !ValidRole(g.Role) {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := grantKey(g.PrincipalID, g.TenantID)
	now := time.Now().UTC()
	if prev, ok := m.grants[key]; ok {
		prev.Role = g.Role
		prev.Active = g.Active
		prev.UpdatedAt = now
		m.grants[key] = prev
		return nil
	}
	g.GrantedAt = now
	g.UpdatedAt = now
	m.grants[key] = g
	return nil
}

func (m *InMemory) Deactivate(ctx context.Context, principalID, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := grantKey(principalID, tenantID)
	g, ok := m.grants[key]
	if !ok {
		return ErrNotFound
	}
	g.Active = false
	g.UpdatedAt = time.Now().UTC()
	m.grants[key] = g
	return nil
}

func (m *InMemory) ActiveGrant(ctx context.Context, principalID, tenantID string) (AccessGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[grantKey(principalID, tenantID)]
	if !ok || !g.Active {
		return AccessGrant{}, ErrNotFound
	}
	return g, nil
}

func (m *InMemory) ListByPrincipal(ctx context.Context, principalID string) ([]AccessGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AccessGrant
	for _, g := range m.grants {
		if g.PrincipalID == principalID && g.Active {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (m *InMemory) ListByTenant(ctx context.Context, tenantID string) ([]AccessGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AccessGrant
	for _, g := range m.grants {
		if g.TenantID == tenantID && g.Active {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PrincipalID < out[j].PrincipalID })
	return out, nil
}

func grantKey(principalID, tenantID string) string {
	return principalID + "|" + tenantID
}

func sortTenants(list []Tenant) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}
