package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                   "/",
		"/metrics":                           "/metrics",
		"/v1/templates/01ABC":                "/v1/templates/:id",
		"/v1/templates/01ABC/capture":        "/v1/templates/:id/capture",
		"/v1/sessions/01DEF":                 "/v1/sessions/:id",
		"/v1/sessions/01DEF/reset":           "/v1/sessions/:id/reset",
		"/v1/sessions/01DEF/activity":        "/v1/sessions/:id/activity",
		"/v1/history/01GHI":                  "/v1/history/:id",
		"/v1/sessions":                       "/v1/sessions",
		"/v1/sessions?status=running":        "/v1/sessions",
		"/v1/tenants/01JKL/records/patients": "/v1/tenants/:id/records/patients",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
