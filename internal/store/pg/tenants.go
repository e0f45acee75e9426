package pg

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"haccare.org/internal/ids"
	"haccare.org/internal/tenant"
)

const pgErrUniqueViolation = "23505"

// The Store doubles as the durable tenant directory and grant store.
var (
	_ tenant.Directory  = (*Store)(nil)
	_ tenant.GrantStore = (*Store)(nil)
)

const tenantColumns = `id, name, coalesce(subdomain,''), kind, coalesce(parent_id,''), coalesce(program_id,''), is_simulation, status, created_at`

func scanTenant(row interface{ Scan(...any) error }) (tenant.Tenant, error) {
	var t tenant.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Subdomain, &t.Kind, &t.ParentID,
		&t.ProgramID, &t.IsSimulation, &t.Status, &t.CreatedAt)
	return t, err
}

func (s *Store) Create(ctx context.Context, t *tenant.Tenant) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: name is required", tenant.ErrInvalidInput)
	}
	if t.ID == "" {
		t.ID = ids.New()
	}
	if t.Status == "" {
		t.Status = tenant.StatusActive
	}
	row := s.db.QueryRowContext(ctx, `
		insert into tenants (id, name, subdomain, kind, parent_id, program_id, is_simulation, status)
		values ($1, $2, nullif($3,''), $4, nullif($5,''), nullif($6,''), $7, $8)
		returning `+tenantColumns,
		t.ID, t.Name, t.Subdomain, t.Kind, t.ParentID, t.ProgramID, t.IsSimulation, t.Status)
	created, err := scanTenant(row)
	if err != nil {
		if isUniqueViolation(err) {
			return tenant.ErrConflict
		}
		return err
	}
	*t = created
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (tenant.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `select `+tenantColumns+` from tenants where id = $1`, id)
	t, err := scanTenant(row)
	if err != nil {
		return tenant.Tenant{}, mapNotFound(err, tenant.ErrNotFound)
	}
	return t, nil
}

func (s *Store) ListChildren(ctx context.Context, parentID string) ([]tenant.Tenant, error) {
	return s.listTenants(ctx, `select `+tenantColumns+` from tenants where parent_id = $1 order by id`, parentID)
}

func (s *Store) ListByKind(ctx context.Context, kind tenant.Kind) ([]tenant.Tenant, error) {
	return s.listTenants(ctx, `select `+tenantColumns+` from tenants where kind = $1 order by id`, kind)
}

func (s *Store) listTenants(ctx context.Context, query string, args ...any) ([]tenant.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tenant.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Retire(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update tenants set kind = $2, status = $3 where id = $1
	`, id, tenant.KindArchivedSession, tenant.StatusInactive)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return tenant.ErrNotFound
	}
	return nil
}

const grantColumns = `principal_id, tenant_id, role, active, granted_at, updated_at`

func scanGrant(row interface{ Scan(...any) error }) (tenant.AccessGrant, error) {
	var g tenant.AccessGrant
	err := row.Scan(&g.PrincipalID, &g.TenantID, &g.Role, &g.Active, &g.GrantedAt, &g.UpdatedAt)
	return g, err
}

func (s *Store) Upsert(ctx context.Context, g tenant.AccessGrant) error {
	if g.PrincipalID == "" || g.TenantID == "" {
		return fmt.Errorf("%w: principal and tenant are required", tenant.ErrInvalidInput)
	}
	if !tenant.ValidRole(g.Role) {
		return fmt.Errorf("%w: unknown role %s", tenant.ErrInvalidInput, g.Role)
	}
	_, err := s.db.ExecContext(ctx, `
		insert into access_grants (principal_id, tenant_id, role, active)
		values ($1, $2, $3, $4)
		on conflict (principal_id, tenant_id) do update
		set role = excluded.role, active = excluded.active, updated_at = now()
	`, g.PrincipalID, g.TenantID, g.Role, g.Active)
	return err
}

// Deactivate flips active off but keeps the row; removal history stays
// queryable and a later re-grant reuses the same composite key.
func (s *Store) Deactivate(ctx context.Context, principalID, tenantID string) error {
	res, err := s.db.ExecContext(ctx, `
		update access_grants set active = false, updated_at = now()
		where principal_id = $1 and tenant_id = $2
	`, principalID, tenantID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return tenant.ErrNotFound
	}
	return nil
}

func (s *Store) ActiveGrant(ctx context.Context, principalID, tenantID string) (tenant.AccessGrant, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+grantColumns+` from access_grants
		where principal_id = $1 and tenant_id = $2 and active
	`, principalID, tenantID)
	g, err := scanGrant(row)
	if err != nil {
		return tenant.AccessGrant{}, mapNotFound(err, tenant.ErrNotFound)
	}
	return g, nil
}

func (s *Store) ListByPrincipal(ctx context.Context, principalID string) ([]tenant.AccessGrant, error) {
	return s.listGrants(ctx, `select `+grantColumns+` from access_grants where principal_id = $1 order by tenant_id`, principalID)
}

func (s *Store) ListByTenant(ctx context.Context, tenantID string) ([]tenant.AccessGrant, error) {
	return s.listGrants(ctx, `select `+grantColumns+` from access_grants where tenant_id = $1 order by principal_id`, tenantID)
}

func (s *Store) listGrants(ctx context.Context, query string, args ...any) ([]tenant.AccessGrant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tenant.AccessGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}
