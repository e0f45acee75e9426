package auth

import (
	"context"
	"errors"

	"haccare.org/internal/tenant"
)

// Authorizer evaluates row-level access for tenant-scoped data.
//
// Predicates consult ONLY the flat grant store and the principal's global
// role. They never traverse the tenant directory: a directory-visibility
// predicate that reads the directory re-triggers its own policy and loops
// until the database kills the query. Hierarchy-derived visibility is
// precomputed into grants at write time (tenant.GrantSubtree) instead.
type Authorizer struct {
	grants tenant.GrantStore
}

// NewAuthorizer builds an Authorizer over the grant store.
func NewAuthorizer(grants tenant.GrantStore) (*Authorizer, error) {
	if grants == nil {
		return nil, errors.New("auth: grant store is required")
	}
	return &Authorizer{grants: grants}, nil
}

// writeRoles may mutate tenant-scoped rows; every granted role may read.
var writeRoles = map[string]bool{
	tenant.RoleAdministrator: true,
	tenant.RoleInstructor:    true,
	tenant.RoleStudent:       true,
}

var mutateLifecycleRoles = map[string]bool{
	tenant.RoleAdministrator: true,
	tenant.RoleInstructor:    true,
}

// CanRead reports whether the principal may see rows scoped to tenantID.
// A denied read yields zero rows, never an enumeration of other tenants.
func (a *Authorizer) CanRead(ctx context.Context, p Principal, tenantID string) bool {
	if p.IsAdministrator() {
		return true
	}
	_, err := a.grants.ActiveGrant(ctx, p.ID, tenantID)
	return err == nil
}

// CanWrite reports whether the principal may author rows scoped to tenantID.
func (a *Authorizer) CanWrite(ctx context.Context, p Principal, tenantID string) bool {
	if p.IsAdministrator() {
		return true
	}
	g, err := a.grants.ActiveGrant(ctx, p.ID, tenantID)
	if err != nil {
		return false
	}
	return writeRoles[g.Role]
}

// CanOperate reports whether the principal may drive the session lifecycle
// (launch, reset, complete) for tenantID.
func (a *Authorizer) CanOperate(ctx context.Context, p Principal, tenantID string) bool {
	if p.IsAdministrator() {
		return true
	}
	g, err := a.grants.ActiveGrant(ctx, p.ID, tenantID)
	if err != nil {
		return false
	}
	return mutateLifecycleRoles[g.Role]
}

// AccessibleTenants resolves the principal to the set of tenant ids with an
// active grant. This is the authorization boundary every other component
// consumes.
func (a *Authorizer) AccessibleTenants(ctx context.Context, p Principal) ([]tenant.AccessGrant, error) {
	return a.grants.ListByPrincipal(ctx, p.ID)
}
