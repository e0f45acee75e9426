package httpapi

import (
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{"plain", "Bearer abc.def.ghi", "abc.def.ghi", true},
		{"lowercase scheme", "bearer abc.def.ghi", "abc.def.ghi", true},
		{"padded", "  Bearer abc.def.ghi  ", "abc.def.ghi", true},
		{"empty", "", "", false},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "", false},
		{"scheme only", "Bearer   ", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := extractBearerToken(tc.header)
			if tc.ok && (err != nil || got != tc.want) {
				t.Fatalf("extractBearerToken(%q) = %q, %v", tc.header, got, err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("extractBearerToken(%q) should fail", tc.header)
			}
		})
	}
}

func TestPublicPathsBypassAuth(t *testing.T) {
	for _, p := range []string{"/healthz", "/readyz", "/metrics", "/v1/auth/token", "/"} {
		if !isPublicPath(p) {
			t.Fatalf("%s should be public", p)
		}
	}
	for _, p := range []string{"/v1/sessions", "/v1/templates/abc", "/healthz/extra"} {
		if isPublicPath(p) {
			t.Fatalf("%s should require a token", p)
		}
	}
}
