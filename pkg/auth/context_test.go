package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/auth"
)

func TestActorFrom_Missing(t *testing.T) {
	_, err := auth.ActorFrom(context.Background())
	if err == nil {
		t.Fatal("expected error for missing actor")
	}
	if !errors.Is(err, api.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestRequireInternal(t *testing.T) {
	internal := &auth.Actor{UserID: "u1", TenantID: "t1", Internal: true}
	supplier := &auth.Actor{UserID: "u2", TenantID: "t1", VendorID: "v1"}

	ctx := auth.WithActor(context.Background(), internal)
	if _, err := auth.RequireInternal(ctx); err != nil {
		t.Errorf("internal actor should pass: %v", err)
	}

	ctx = auth.WithActor(context.Background(), supplier)
	_, err := auth.RequireInternal(ctx)
	if err == nil {
		t.Fatal("supplier actor should be rejected")
	}
	if !errors.Is(err, api.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestActor_Role(t *testing.T) {
	if got := (&auth.Actor{Internal: true}).Role(); got != auth.RoleInternal {
		t.Errorf("expected %q, got %q", auth.RoleInternal, got)
	}
	if got := (&auth.Actor{VendorID: "v1"}).Role(); got != auth.RoleSupplier {
		t.Errorf("expected %q, got %q", auth.RoleSupplier, got)
	}
}

func TestActor_CanSeeVendor(t *testing.T) {
	internal := &auth.Actor{Internal: true}
	supplier := &auth.Actor{VendorID: "v1"}
	orphan := &auth.Actor{}

	if !internal.CanSeeVendor("v2") {
		t.Error("internal staff should see any vendor")
	}
	if !supplier.CanSeeVendor("v1") {
		t.Error("supplier should see its own vendor")
	}
	if supplier.CanSeeVendor("v2") {
		t.Error("supplier should not see other vendors")
	}
	if orphan.CanSeeVendor("") {
		t.Error("vendor-less supplier should see nothing")
	}
}
