package tenant

import "time"

// Kind classifies a tenant within the directory.
type Kind string

const (
	KindOrganization    Kind = "organization"
	KindInstitution     Kind = "institution"
	KindProgram         Kind = "program"
	KindTemplate        Kind = "template"
	KindActiveSession   Kind = "active_session"
	KindArchivedSession Kind = "archived_session"
)

// Lifecycle status of a tenant row.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Roles carried by access grants. RoleAdministrator is also valid as a
// principal's global role, which bypasses per-tenant grants.
const (
	RoleAdministrator = "administrator"
	RoleInstructor    = "instructor"
	RoleStudent       = "student"
)

// Tenant is a logical partition of all clinical data. Every session and
// template tenant resolves, via parent links, to exactly one organization.
type Tenant struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Subdomain    string    `json:"subdomain,omitempty"`
	Kind         Kind      `json:"kind"`
	ParentID     string    `json:"parent_id,omitempty"`
	ProgramID    string    `json:"program_id,omitempty"`
	IsSimulation bool      `json:"is_simulation"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// AccessGrant ties a principal to a tenant with a role. Grants are
// deactivated rather than deleted so the audit trail survives removal.
// Composite-unique on (principal_id, tenant_id).
type AccessGrant struct {
	PrincipalID string    `json:"principal_id"`
	TenantID    string    `json:"tenant_id"`
	Role        string    `json:"role"`
	Active      bool      `json:"active"`
	GrantedAt   time.Time `json:"granted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ValidRole reports whether role is one of the known grant roles.
func ValidRole(role string) bool {
	switch role {
	case RoleAdministrator, RoleInstructor, RoleStudent:
		return true
	}
	return false
}
