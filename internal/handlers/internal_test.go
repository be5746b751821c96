package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/aurix-studio/api/internal/repositories"
)

func TestResetEndpointDeletesRecord(t *testing.T) {
	var gotIdentity string
	entitlements := &stubEntitlementService{
		resetFn: func(ctx context.Context, identity string) error {
			gotIdentity = identity
			return nil
		},
	}
	h := NewInternalHandlers(entitlements, true)

	rr := postJSON(t, h.resetEntitlement, "/api/v1/internal/entitlements/reset", map[string]any{"identity": " user-1 "})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	payload := decodeEnvelope(t, rr)
	if payload["reset"] != true {
		t.Fatalf("body = %v", payload)
	}
	if gotIdentity != "user-1" {
		t.Fatalf("identity = %q, want trimmed user-1", gotIdentity)
	}
}

func TestResetEndpointDisabledOutsideDevelopment(t *testing.T) {
	called := false
	entitlements := &stubEntitlementService{
		resetFn: func(ctx context.Context, identity string) error {
			called = true
			return nil
		},
	}
	h := NewInternalHandlers(entitlements, false)

	rr := postJSON(t, h.resetEntitlement, "/api/v1/internal/entitlements/reset", map[string]any{"identity": "user-1"})
	assertErrorCode(t, rr, http.StatusForbidden, "reset_disabled")
	if called {
		t.Fatal("reset invoked while disabled")
	}
}

func TestResetEndpointRequiresIdentity(t *testing.T) {
	h := NewInternalHandlers(&stubEntitlementService{}, true)

	rr := postJSON(t, h.resetEntitlement, "/api/v1/internal/entitlements/reset", map[string]any{"identity": "  "})
	assertErrorCode(t, rr, http.StatusBadRequest, "invalid_request")
}

func TestResetEndpointReportsMissingRecord(t *testing.T) {
	entitlements := &stubEntitlementService{
		resetFn: func(ctx context.Context, identity string) error {
			return repositories.ErrEntitlementNotFound
		},
	}
	h := NewInternalHandlers(entitlements, true)

	rr := postJSON(t, h.resetEntitlement, "/api/v1/internal/entitlements/reset", map[string]any{"identity": "ghost"})
	assertErrorCode(t, rr, http.StatusNotFound, "not_found")
}
