package tenant

import (
	"context"
	"errors"
)

var (
	ErrNotFound     = errors.New("tenant: not found")
	ErrConflict     = errors.New("tenant: already exists")
	ErrInvalidInput = errors.New("tenant: invalid input")
)

// Directory is the canonical registry of tenants.
type Directory interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (Tenant, error)
	ListChildren(ctx context.Context, parentID string) ([]Tenant, error)
	ListByKind(ctx context.Context, kind Kind) ([]Tenant, error)
	// Retire flips a session tenant to archived_session/inactive. The row is
	// never physically deleted while history references it by id.
	Retire(ctx context.Context, id string) error
}

// GrantStore is the single source of truth row-level authorization consults.
// It is deliberately flat: no tenant hierarchy is visible through it.
type GrantStore interface {
	Upsert(ctx context.Context, g AccessGrant) error
	Deactivate(ctx context.Context, principalID, tenantID string) error
	ActiveGrant(ctx context.Context, principalID, tenantID string) (AccessGrant, error)
	ListByPrincipal(ctx context.Context, principalID string) ([]AccessGrant, error)
	ListByTenant(ctx context.Context, tenantID string) ([]AccessGrant, error)
}

// OrganizationRoot walks parent links up to the organization tenant.
// This traversal runs only at write time (tenant creation, subtree grants);
// authorization predicates never call it.
func OrganizationRoot(ctx context.Context, dir Directory, id string) (Tenant, error) {
	const maxDepth = 16
	cur, err := dir.Get(ctx, id)
	if err != nil {
		return Tenant{}, err
	}
	for depth := 0; depth < maxDepth; depth++ {
		if cur.Kind == KindOrganization {
			return cur, nil
		}
		if cur.ParentID == "" {
			return Tenant{}, ErrNotFound
		}
		cur, err = dir.Get(ctx, cur.ParentID)
		if err != nil {
			return Tenant{}, err
		}
	}
	return Tenant{}, errors.New("tenant: parent chain too deep")
}

// GrantSubtree materializes hierarchy-derived visibility into flat grants:
// the principal receives an explicit grant on root and every descendant.
// Precomputing at write time is what keeps directory policies free of
// recursive tenant traversal.
func GrantSubtree(ctx context.Context, dir Directory, grants GrantStore, principalID, rootID, role string) error {
	if !ValidRole(role) {
		return ErrInvalidInput
	}
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if err := grants.Upsert(ctx, AccessGrant{
			PrincipalID: principalID,
			TenantID:    id,
			Role:        role,
			Active:      true,
		}); err != nil {
			return err
		}
		children, err := dir.ListChildren(ctx, id)
		if err != nil {
			return err
		}
		for _, c := range children {
			queue = append(queue, c.ID)
		}
	}
	return nil
}
