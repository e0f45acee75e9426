package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"haccare.org/internal/ids"
	"haccare.org/internal/sim"
	"haccare.org/internal/tenant"
)

type createTenantRequest struct {
	Name      string `json:"name"`
	Subdomain string `json:"subdomain"`
	Kind      string `json:"kind"`
	ParentID  string `json:"parent_id"`
	ProgramID string `json:"program_id"`
}

type upsertGrantRequest struct {
	PrincipalID string `json:"principal_id"`
	TenantID    string `json:"tenant_id"`
	Role        string `json:"role"`
	// Subtree grants the role on the tenant and every descendant, which is
	// how hierarchy visibility reaches the flat grant store.
	Subtree bool `json:"subtree"`
}

type seedRowsRequest struct {
	Rows []sim.Row `json:"rows"`
}

func (a *API) handleTenantsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listMyTenants(w, r)
	case http.MethodPost:
		a.createTenant(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) listMyTenants(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	grants, err := a.authz.AccessibleTenants(r.Context(), p)
	if err != nil {
		handleSimError(w, r, err)
		return
	}
	out := make([]tenant.Tenant, 0, len(grants))
	for _, g := range grants {
		if !g.Active {
			continue
		}
		t, err := a.dir.Get(r.Context(), g.TenantID)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	writeJSON(w, http.StatusOK, items(out))
}

func (a *API) createTenant(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	if !p.IsAdministrator() {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	var req createTenantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	kind := tenant.Kind(strings.TrimSpace(req.Kind))
	switch kind {
	case tenant.KindOrganization, tenant.KindInstitution, tenant.KindProgram:
	default:
		writeError(w, r, http.StatusBadRequest, "kind must be organization, institution or program")
		return
	}
	if kind != tenant.KindOrganization && strings.TrimSpace(req.ParentID) == "" {
		writeError(w, r, http.StatusBadRequest, "parent_id is required below organization level")
		return
	}

	t := tenant.Tenant{
		ID:        ids.New(),
		Name:      strings.TrimSpace(req.Name),
		Subdomain: strings.TrimSpace(req.Subdomain),
		Kind:      kind,
		ParentID:  strings.TrimSpace(req.ParentID),
		ProgramID: strings.TrimSpace(req.ProgramID),
	}
	if err := a.dir.Create(r.Context(), &t); err != nil {
		handleSimError(w, r, err)
		return
	}

	a.audit(r.Context(), "tenant.create", "tenant", t.ID, map[string]string{
		"kind": string(t.Kind),
	})
	w.Header().Set("Location", "/v1/tenants/"+t.ID)
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) handleTenantResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/tenants/")
	parts := strings.Split(strings.TrimSuffix(path, "/"), "/")
	if len(parts) == 0 || !ids.IsValid(parts[0]) {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getTenant(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "records":
		a.handleTenantRecords(w, r, parts[0], parts[2])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getTenant(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	if !a.authz.CanRead(r.Context(), p, id) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	t, err := a.dir.Get(r.Context(), id)
	if err != nil {
		handleSimError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleTenantRecords(w http.ResponseWriter, r *http.Request, tenantID, table string) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		// A denied read yields an empty collection. Returning 403 here would
		// let a caller probe which tenant ids exist.
		if !a.authz.CanRead(r.Context(), p, tenantID) {
			writeJSON(w, http.StatusOK, items([]sim.Row{}))
			return
		}
		rows, err := a.svc.ListRows(r.Context(), tenantID, table)
		if err != nil {
			handleSimError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, items(rows))
	case http.MethodPost:
		if !a.authz.CanWrite(r.Context(), p, tenantID) {
			writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		var req seedRowsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.svc.SeedRows(r.Context(), tenantID, table, req.Rows); err != nil {
			handleSimError(w, r, err)
			return
		}
		a.audit(r.Context(), "sim.records.seed", "tenant", tenantID, map[string]string{
			"table": table,
			"rows":  strconv.Itoa(len(req.Rows)),
		})
		writeJSON(w, http.StatusCreated, map[string]any{"inserted": len(req.Rows)})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleGrants(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	if !p.IsAdministrator() {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req upsertGrantRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		var err error
		if req.Subtree {
			err = tenant.GrantSubtree(r.Context(), a.dir, a.grants, req.PrincipalID, req.TenantID, req.Role)
		} else {
			err = a.grants.Upsert(r.Context(), tenant.AccessGrant{
				PrincipalID: req.PrincipalID,
				TenantID:    req.TenantID,
				Role:        req.Role,
				Active:      true,
			})
		}
		if err != nil {
			handleSimError(w, r, err)
			return
		}
		a.audit(r.Context(), "tenant.grant.upsert", "grant", req.PrincipalID+":"+req.TenantID, map[string]string{
			"role":    req.Role,
			"subtree": strconv.FormatBool(req.Subtree),
		})
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		principalID := strings.TrimSpace(r.URL.Query().Get("principal_id"))
		tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
		if principalID == "" || tenantID == "" {
			writeError(w, r, http.StatusBadRequest, "principal_id and tenant_id are required")
			return
		}
		if err := a.grants.Deactivate(r.Context(), principalID, tenantID); err != nil {
			handleSimError(w, r, err)
			return
		}
		a.audit(r.Context(), "tenant.grant.deactivate", "grant", principalID+":"+tenantID, nil)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
	}
}
