package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"haccare.org/internal/auth"
	"haccare.org/internal/sim"
	"haccare.org/internal/stream"
	"haccare.org/internal/tenant"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	orgID   string
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("HACCARE_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	dir := tenant.NewInMemory()
	org := tenant.Tenant{Name: "Valley College", Kind: tenant.KindOrganization}
	if err := dir.Create(context.Background(), &org); err != nil {
		t.Fatalf("create organization: %v", err)
	}

	authz, err := auth.NewAuthorizer(dir)
	if err != nil {
		t.Fatalf("NewAuthorizer: %v", err)
	}
	svc := sim.NewInMemory(dir, dir)
	api := New(svc, authz, dir, dir, stream.New(), ReadyProbe{}, "test")

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		orgID:   org.ID,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(principalID, name, globalRole string) map[string]string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"principal_id": principalID,
		"name":         name,
		"global_role":  globalRole,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return map[string]string{"Authorization": "Bearer " + payload.Token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestAPISimulationLifecycleFlow(t *testing.T) {
	api := newTestAPI(t)
	admin := api.obtainToken("admin-1", "Site Admin", "administrator")

	// Create a template under the organization.
	resp := api.post("/v1/templates", map[string]any{
		"organization_id":  api.orgID,
		"name":             "Post-Op Ward",
		"duration_minutes": 120,
	}, admin)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create template: %d", resp.StatusCode)
	}
	tpl := decode[map[string]any](t, resp)
	tplID := tpl["id"].(string)
	tplTenant := tpl["tenant_id"].(string)

	// Seed baseline rows into the template tenant.
	resp = api.post("/v1/tenants/"+tplTenant+"/records/patients", map[string]any{
		"rows": []map[string]any{
			{"id": "pat-1", "name": "R. Alvarez", "room": "204"},
		},
	}, admin)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("seed rows: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Launching before capture must conflict.
	resp = api.post("/v1/sessions", map[string]any{
		"template_id": tplID,
		"name":        "Section A",
	}, admin)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 before capture, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/templates/"+tplID+"/capture", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("capture: %d", resp.StatusCode)
	}
	doc := decode[map[string]any](t, resp)
	if doc["tables"] == nil {
		t.Fatalf("expected captured tables")
	}

	resp = api.post("/v1/sessions", map[string]any{
		"template_id": tplID,
		"name":        "Section A",
		"participants": []map[string]any{
			{"principal_id": "student-1", "role": "student"},
		},
	}, admin)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("launch: %d", resp.StatusCode)
	}
	sess := decode[map[string]any](t, resp)
	sessID := sess["id"].(string)
	sessTenant := sess["tenant_id"].(string)

	// The enrolled student sees the session tenant's rows.
	student := api.obtainToken("student-1", "J. Doe", "")
	resp = api.get("/v1/tenants/"+sessTenant+"/records/patients", nil, student)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("student read: %d", resp.StatusCode)
	}
	rows := decode[listResponse[map[string]any]](t, resp)
	if len(rows.Items) != 1 || rows.Items[0]["id"] != "pat-1" {
		t.Fatalf("expected materialized patient row, got %+v", rows.Items)
	}

	// An unenrolled student gets an empty collection, not an error.
	outsider := api.obtainToken("student-2", "K. Smith", "")
	resp = api.get("/v1/tenants/"+sessTenant+"/records/patients", nil, outsider)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("outsider read: %d", resp.StatusCode)
	}
	rows = decode[listResponse[map[string]any]](t, resp)
	if len(rows.Items) != 0 {
		t.Fatalf("expected zero rows for unenrolled student, got %d", len(rows.Items))
	}

	// Student charts a vital, then the session completes.
	resp = api.post("/v1/tenants/"+sessTenant+"/records/patient_vitals", map[string]any{
		"rows": []map[string]any{
			{"author_name": "J. Doe", "pulse": 72},
		},
	}, student)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("student chart: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/sessions/"+sessID+"/complete", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d", resp.StatusCode)
	}
	rec := decode[map[string]any](t, resp)
	if rec["outcome"] != "completed" {
		t.Fatalf("unexpected outcome: %v", rec["outcome"])
	}
	historyID := rec["id"].(string)

	// Second completion conflicts.
	resp = api.post("/v1/sessions/"+sessID+"/complete", nil, admin)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate completion, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Debrief notes stay editable on the archived record.
	resp = api.do(http.MethodPut, "/v1/history/"+historyID+"/debrief", map[string]any{
		"notes": "good communication",
	}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("debrief: %d", resp.StatusCode)
	}
	rec = decode[map[string]any](t, resp)
	if rec["debrief_notes"] != "good communication" {
		t.Fatalf("debrief not persisted: %v", rec["debrief_notes"])
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/templates", map[string]any{
		"organization_id": api.orgID,
		"name":            "x",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}
}

func TestAPIStudentCannotDriveLifecycle(t *testing.T) {
	api := newTestAPI(t)
	admin := api.obtainToken("admin-1", "Site Admin", "administrator")

	resp := api.post("/v1/templates", map[string]any{
		"organization_id":  api.orgID,
		"name":             "Cardiac Arrest",
		"duration_minutes": 60,
	}, admin)
	tpl := decode[map[string]any](t, resp)
	tplID := tpl["id"].(string)

	resp = api.post("/v1/templates/"+tplID+"/capture", nil, admin)
	resp.Body.Close()

	resp = api.post("/v1/sessions", map[string]any{
		"template_id": tplID,
		"name":        "Section B",
		"participants": []map[string]any{
			{"principal_id": "student-1", "role": "student"},
		},
	}, admin)
	sess := decode[map[string]any](t, resp)
	sessID := sess["id"].(string)

	student := api.obtainToken("student-1", "J. Doe", "")
	resp = api.post("/v1/sessions/"+sessID+"/reset", nil, student)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for student reset, got %d", resp.StatusCode)
	}
}

func TestTokenEndpointValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/token", map[string]any{"principal_id": ""}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAPIRejectsMalformedResourceIDs(t *testing.T) {
	api := newTestAPI(t)
	admin := api.obtainToken("admin-1", "A. Admin", "administrator")

	for _, path := range []string{
		"/v1/sessions/not-an-id",
		"/v1/templates/zzzz",
		"/v1/history/42",
		"/v1/tenants/drop-table/records/patients",
	} {
		resp := api.get(path, nil, admin)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("GET %s: expected 404 for malformed id, got %d", path, resp.StatusCode)
		}
	}
}
