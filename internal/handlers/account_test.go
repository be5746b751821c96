package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aurix-studio/api/internal/domain"
	"github.com/aurix-studio/api/internal/repositories"
	"github.com/aurix-studio/api/internal/services"
)

type stubEntitlementService struct {
	registerFn func(ctx context.Context, identity, email string) (services.EntitlementRecord, error)
	profileFn  func(ctx context.Context, identity string) (services.EntitlementRecord, error)
	statsFn    func(ctx context.Context, identity string) (services.UsageStats, error)
	resetFn    func(ctx context.Context, identity string) error
}

func (s *stubEntitlementService) CheckAndReserve(ctx context.Context, identity string) (services.EntitlementRecord, error) {
	return services.EntitlementRecord{}, errors.New("check not implemented")
}

func (s *stubEntitlementService) CommitUsage(ctx context.Context, identity string) (int64, error) {
	return 0, errors.New("commit not implemented")
}

func (s *stubEntitlementService) RegisterEmail(ctx context.Context, identity, email string) (services.EntitlementRecord, error) {
	if s.registerFn != nil {
		return s.registerFn(ctx, identity, email)
	}
	return services.EntitlementRecord{}, errors.New("register not implemented")
}

func (s *stubEntitlementService) Profile(ctx context.Context, identity string) (services.EntitlementRecord, error) {
	if s.profileFn != nil {
		return s.profileFn(ctx, identity)
	}
	return services.EntitlementRecord{}, errors.New("profile not implemented")
}

func (s *stubEntitlementService) Stats(ctx context.Context, identity string) (services.UsageStats, error) {
	if s.statsFn != nil {
		return s.statsFn(ctx, identity)
	}
	return services.UsageStats{}, errors.New("stats not implemented")
}

func (s *stubEntitlementService) Reset(ctx context.Context, identity string) error {
	if s.resetFn != nil {
		return s.resetFn(ctx, identity)
	}
	return errors.New("reset not implemented")
}

func TestRegisterEndpointReturnsProfile(t *testing.T) {
	entitlements := &stubEntitlementService{
		registerFn: func(ctx context.Context, identity, email string) (services.EntitlementRecord, error) {
			return services.EntitlementRecord{
				Identity: identity,
				Email:    email,
				Tier:     domain.TierFree,
				TierName: "Free",
				Quota:    3,
			}, nil
		},
	}
	h := NewAccountHandlers(entitlements)

	rr := postJSON(t, h.register, "/api/v1/me/register", map[string]any{"email": "user@example.com"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	payload := decodeEnvelope(t, rr)
	if payload["email"] != "user@example.com" {
		t.Fatalf("email = %v", payload["email"])
	}
	if payload["tier"] != "free" {
		t.Fatalf("tier = %v", payload["tier"])
	}
	if payload["quota"] != float64(3) {
		t.Fatalf("quota = %v", payload["quota"])
	}
}

func TestRegisterEndpointRequiresEmail(t *testing.T) {
	h := NewAccountHandlers(&stubEntitlementService{})

	rr := postJSON(t, h.register, "/api/v1/me/register", map[string]any{"email": "  "})
	assertErrorCode(t, rr, http.StatusBadRequest, "invalid_request")
}

func TestRegisterEndpointMapsValidationFailure(t *testing.T) {
	entitlements := &stubEntitlementService{
		registerFn: func(ctx context.Context, identity, email string) (services.EntitlementRecord, error) {
			return services.EntitlementRecord{}, services.ErrEntitlementInvalidInput
		},
	}
	h := NewAccountHandlers(entitlements)

	rr := postJSON(t, h.register, "/api/v1/me/register", map[string]any{"email": "not-an-email"})
	assertErrorCode(t, rr, http.StatusBadRequest, "invalid_request")
}

func TestProfileEndpointMapsRecord(t *testing.T) {
	endDate := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	entitlements := &stubEntitlementService{
		profileFn: func(ctx context.Context, identity string) (services.EntitlementRecord, error) {
			return services.EntitlementRecord{
				Identity:            identity,
				Email:               "user@example.com",
				Tier:                domain.TierPro,
				TierName:            "Pro",
				UsageCount:          12,
				Pro:                 true,
				PayPerImageEnabled:  true,
				SubscriptionStatus:  domain.SubscriptionActive,
				SubscriptionEndDate: &endDate,
			}, nil
		},
	}
	h := NewAccountHandlers(entitlements)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	rr := httptest.NewRecorder()
	h.profile(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	payload := decodeEnvelope(t, rr)
	if payload["pro"] != true || payload["payPerImage"] != true {
		t.Fatalf("flags = %v/%v", payload["pro"], payload["payPerImage"])
	}
	if payload["subscriptionStatus"] != "active" {
		t.Fatalf("subscriptionStatus = %v", payload["subscriptionStatus"])
	}
	if payload["subscriptionEnd"] != "2025-07-01T00:00:00Z" {
		t.Fatalf("subscriptionEnd = %v", payload["subscriptionEnd"])
	}
	if payload["usageCount"] != float64(12) {
		t.Fatalf("usageCount = %v", payload["usageCount"])
	}
}

func TestProfileEndpointReportsUnregisteredIdentity(t *testing.T) {
	entitlements := &stubEntitlementService{
		profileFn: func(ctx context.Context, identity string) (services.EntitlementRecord, error) {
			return services.EntitlementRecord{}, repositories.ErrEntitlementNotFound
		},
	}
	h := NewAccountHandlers(entitlements)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	rr := httptest.NewRecorder()
	h.profile(rr, req)
	assertErrorCode(t, rr, http.StatusNotFound, "not_registered")
}

func TestStatsEndpointMapsUsage(t *testing.T) {
	entitlements := &stubEntitlementService{
		statsFn: func(ctx context.Context, identity string) (services.UsageStats, error) {
			return services.UsageStats{
				Identity:       identity,
				ImagesUsed:     7,
				ImagesQuota:    50,
				ImagesEnhanced: 4,
				ImagesRemoved:  3,
			}, nil
		},
	}
	h := NewAccountHandlers(entitlements)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me/stats", nil)
	rr := httptest.NewRecorder()
	h.stats(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	payload := decodeEnvelope(t, rr)
	if payload["imagesUsed"] != float64(7) || payload["imagesQuota"] != float64(50) {
		t.Fatalf("usage = %v/%v", payload["imagesUsed"], payload["imagesQuota"])
	}
	if payload["imagesEnhanced"] != float64(4) || payload["imagesRemoved"] != float64(3) {
		t.Fatalf("split = %v/%v", payload["imagesEnhanced"], payload["imagesRemoved"])
	}
}

func TestStatsEndpointReportsUnregisteredIdentity(t *testing.T) {
	entitlements := &stubEntitlementService{
		statsFn: func(ctx context.Context, identity string) (services.UsageStats, error) {
			return services.UsageStats{}, repositories.ErrEntitlementNotFound
		},
	}
	h := NewAccountHandlers(entitlements)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me/stats", nil)
	rr := httptest.NewRecorder()
	h.stats(rr, req)
	assertErrorCode(t, rr, http.StatusNotFound, "not_registered")
}
