package auth

import (
	"context"
	"testing"
	"time"

	"haccare.org/internal/tenant"
)

func TestGenerateAndParseToken(t *testing.T) {
	t.Setenv("HACCARE_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	token, err := GenerateToken("principal-1", "J. Doe", tenant.RoleAdministrator, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	p, err := ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if p.ID != "principal-1" || p.Name != "J. Doe" {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if !p.IsAdministrator() {
		t.Fatal("global role lost in transit")
	}

	if _, err := ParseToken(token + "x"); err == nil {
		t.Fatal("tampered token accepted")
	}
}

func TestGenerateTokenRequiresSecret(t *testing.T) {
	t.Setenv("HACCARE_AUTH_SECRET", "")
	ResetSecretForTests()
	defer ResetSecretForTests()

	if _, err := GenerateToken("principal-1", "", "", time.Minute); err == nil {
		t.Fatal("expected error without configured secret")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := PrincipalFromContext(ctx); ok {
		t.Fatal("principal on empty context")
	}
	ctx = ContextWithPrincipal(ctx, Principal{ID: "p1", Name: "J. Doe"})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.ID != "p1" {
		t.Fatalf("principal round-trip failed: %+v ok=%v", p, ok)
	}

	ctx = ContextWithToken(ctx, "raw-token")
	tok, ok := TokenFromContext(ctx)
	if !ok || tok != "raw-token" {
		t.Fatalf("token round-trip failed: %q ok=%v", tok, ok)
	}
}

func TestAuthorizerIsolation(t *testing.T) {
	store := tenant.NewInMemory()
	ctx := context.Background()
	_ = store.Create(ctx, &tenant.Tenant{ID: "tenant-a", Name: "A", Kind: tenant.KindActiveSession})
	_ = store.Create(ctx, &tenant.Tenant{ID: "tenant-b", Name: "B", Kind: tenant.KindActiveSession})
	_ = store.Upsert(ctx, tenant.AccessGrant{PrincipalID: "student-1", TenantID: "tenant-a", Role: tenant.RoleStudent, Active: true})

	az, err := NewAuthorizer(store)
	if err != nil {
		t.Fatalf("NewAuthorizer: %v", err)
	}

	student := Principal{ID: "student-1"}
	if !az.CanRead(ctx, student, "tenant-a") || !az.CanWrite(ctx, student, "tenant-a") {
		t.Fatal("granted tenant not accessible")
	}
	if az.CanRead(ctx, student, "tenant-b") || az.CanWrite(ctx, student, "tenant-b") {
		t.Fatal("access leaked across tenants")
	}
	if az.CanOperate(ctx, student, "tenant-a") {
		t.Fatal("student may not drive the session lifecycle")
	}

	admin := Principal{ID: "root", GlobalRole: tenant.RoleAdministrator}
	if !az.CanRead(ctx, admin, "tenant-b") || !az.CanOperate(ctx, admin, "tenant-b") {
		t.Fatal("global override not honored")
	}

	_ = store.Upsert(ctx, tenant.AccessGrant{PrincipalID: "instructor-1", TenantID: "tenant-a", Role: tenant.RoleInstructor, Active: true})
	instructor := Principal{ID: "instructor-1"}
	if !az.CanOperate(ctx, instructor, "tenant-a") {
		t.Fatal("instructor may drive the lifecycle of a granted session")
	}
}

func TestAuthorizerIgnoresInactiveGrants(t *testing.T) {
	store := tenant.NewInMemory()
	ctx := context.Background()
	_ = store.Create(ctx, &tenant.Tenant{ID: "tenant-a", Name: "A", Kind: tenant.KindActiveSession})
	_ = store.Upsert(ctx, tenant.AccessGrant{PrincipalID: "p1", TenantID: "tenant-a", Role: tenant.RoleStudent, Active: true})
	_ = store.Deactivate(ctx, "p1", "tenant-a")

	az, _ := NewAuthorizer(store)
	if az.CanRead(ctx, Principal{ID: "p1"}, "tenant-a") {
		t.Fatal("deactivated grant still authorizes")
	}
}
