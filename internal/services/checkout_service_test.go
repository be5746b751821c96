package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aurix-studio/api/internal/billing"
	"github.com/aurix-studio/api/internal/domain"
)

func newTestCheckoutService(t *testing.T, deps CheckoutServiceDeps) CheckoutService {
	t.Helper()
	if deps.Billing == nil {
		deps.Billing = &stubBillingProvider{}
	}
	if deps.Plans.plans == nil {
		deps.Plans = testPlans
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time {
			return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		}
	}
	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}
	return svc
}

func TestCreateSubscriptionCheckoutStampsIdentityMetadata(t *testing.T) {
	repo := newFakeEntitlementRepo()
	var captured billing.CheckoutSessionRequest
	provider := &stubBillingProvider{
		createSessionFn: func(_ context.Context, req billing.CheckoutSessionRequest) (billing.CheckoutSession, error) {
			captured = req
			return billing.CheckoutSession{ID: "cs_1", URL: "https://checkout.example.com/cs_1"}, nil
		},
	}
	svc := newTestCheckoutService(t, CheckoutServiceDeps{Repository: repo, Billing: provider})

	result, err := svc.CreateSubscriptionCheckout(context.Background(), SubscriptionCheckoutCommand{
		Identity:   "user-1",
		Tier:       domain.TierStarter,
		SuccessURL: "https://app.example.com/success",
		CancelURL:  "https://app.example.com/cancel",
	})
	if err != nil {
		t.Fatalf("create checkout: %v", err)
	}
	if result.SessionID != "cs_1" || result.URL == "" {
		t.Fatalf("unexpected result %+v", result)
	}
	if captured.PriceID != "price_starter" {
		t.Fatalf("unexpected price %q", captured.PriceID)
	}
	if captured.Metadata[billing.MetadataKeyUserID] != "user-1" || captured.Metadata["tier"] != "starter" {
		t.Fatalf("unexpected session metadata %v", captured.Metadata)
	}
	if captured.SubscriptionMetadata[billing.MetadataKeyUserID] != "user-1" {
		t.Fatalf("unexpected subscription metadata %v", captured.SubscriptionMetadata)
	}
}

func TestCreateSubscriptionCheckoutReusesKnownCustomer(t *testing.T) {
	repo := newFakeEntitlementRepo(domain.EntitlementRecord{
		Identity:         "user-1",
		Email:            "a@example.com",
		StripeCustomerID: "cus_1",
	})
	var captured billing.CheckoutSessionRequest
	provider := &stubBillingProvider{
		createSessionFn: func(_ context.Context, req billing.CheckoutSessionRequest) (billing.CheckoutSession, error) {
			captured = req
			return billing.CheckoutSession{ID: "cs_1"}, nil
		},
	}
	svc := newTestCheckoutService(t, CheckoutServiceDeps{Repository: repo, Billing: provider})

	if _, err := svc.CreateSubscriptionCheckout(context.Background(), SubscriptionCheckoutCommand{
		Identity: "user-1",
		Tier:     domain.TierPro,
	}); err != nil {
		t.Fatalf("create checkout: %v", err)
	}
	if captured.CustomerID != "cus_1" {
		t.Fatalf("expected existing customer attached, got %q", captured.CustomerID)
	}
}

func TestCreateSubscriptionCheckoutRejectsUnknownTier(t *testing.T) {
	svc := newTestCheckoutService(t, CheckoutServiceDeps{Repository: newFakeEntitlementRepo()})

	_, err := svc.CreateSubscriptionCheckout(context.Background(), SubscriptionCheckoutCommand{
		Identity: "user-1",
		Tier:     domain.Tier("enterprise"),
	})
	if !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected ErrUnknownTier, got %v", err)
	}
}

func TestEnablePayPerImageCreatesSubscriptionForKnownCustomer(t *testing.T) {
	repo := newFakeEntitlementRepo(domain.EntitlementRecord{
		Identity:         "user-1",
		Email:            "a@example.com",
		StripeCustomerID: "cus_1",
	})
	var captured billing.MeteredSubscriptionRequest
	provider := &stubBillingProvider{
		createMeteredFn: func(_ context.Context, req billing.MeteredSubscriptionRequest) (billing.Subscription, error) {
			captured = req
			return billing.Subscription{ID: "sub_metered", FirstItemID: "si_1"}, nil
		},
	}
	svc := newTestCheckoutService(t, CheckoutServiceDeps{Repository: repo, Billing: provider})

	result, err := svc.EnablePayPerImage(context.Background(), PayPerImageCommand{Identity: "user-1"})
	if err != nil {
		t.Fatalf("enable pay-per-image: %v", err)
	}
	if !result.Enabled || result.URL != "" {
		t.Fatalf("expected direct enablement, got %+v", result)
	}
	if captured.CustomerID != "cus_1" || captured.PriceID != "price_metered" {
		t.Fatalf("unexpected request %+v", captured)
	}
	if captured.Metadata[billing.MetadataKeyType] != billing.MetadataTypeMetered {
		t.Fatalf("expected metered metadata, got %v", captured.Metadata)
	}

	record := repo.records["user-1"]
	if !record.PayPerImageEnabled || record.PayPerImageSubscriptionID != "sub_metered" || record.PayPerImageItemID != "si_1" {
		t.Fatalf("expected record updated, got %+v", record)
	}
}

func TestEnablePayPerImageFallsBackToHostedSession(t *testing.T) {
	repo := newFakeEntitlementRepo(domain.EntitlementRecord{Identity: "user-1", Email: "a@example.com"})
	var captured billing.CheckoutSessionRequest
	provider := &stubBillingProvider{
		createSessionFn: func(_ context.Context, req billing.CheckoutSessionRequest) (billing.CheckoutSession, error) {
			captured = req
			return billing.CheckoutSession{ID: "cs_1", URL: "https://checkout.example.com/cs_1"}, nil
		},
	}
	svc := newTestCheckoutService(t, CheckoutServiceDeps{Repository: repo, Billing: provider})

	result, err := svc.EnablePayPerImage(context.Background(), PayPerImageCommand{Identity: "user-1"})
	if err != nil {
		t.Fatalf("enable pay-per-image: %v", err)
	}
	if result.Enabled {
		t.Fatal("expected hosted session, not direct enablement")
	}
	if result.SessionID != "cs_1" || result.URL == "" {
		t.Fatalf("unexpected result %+v", result)
	}
	if !captured.Metered {
		t.Fatal("expected metered session request")
	}
	if captured.SubscriptionMetadata[billing.MetadataKeyType] != billing.MetadataTypeMetered {
		t.Fatalf("expected metered subscription metadata, got %v", captured.SubscriptionMetadata)
	}
}

func TestEnablePayPerImageRejectsDuplicateEnable(t *testing.T) {
	repo := newFakeEntitlementRepo(domain.EntitlementRecord{
		Identity:           "user-1",
		Email:              "a@example.com",
		PayPerImageEnabled: true,
	})
	svc := newTestCheckoutService(t, CheckoutServiceDeps{Repository: repo})

	if _, err := svc.EnablePayPerImage(context.Background(), PayPerImageCommand{Identity: "user-1"}); !errors.Is(err, ErrPayPerImageAlreadyEnabled) {
		t.Fatalf("expected ErrPayPerImageAlreadyEnabled, got %v", err)
	}
}

func TestEnablePayPerImageRequiresConfiguredPrice(t *testing.T) {
	deps := CheckoutServiceDeps{
		Repository: newFakeEntitlementRepo(),
		Billing:    &stubBillingProvider{},
		Plans:      NewPlanCatalog([]Plan{{Tier: domain.TierStarter, PriceID: "price_starter"}}, "", 3),
	}
	svc := newTestCheckoutService(t, deps)

	if _, err := svc.EnablePayPerImage(context.Background(), PayPerImageCommand{Identity: "user-1"}); !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected ErrCheckoutInvalidInput, got %v", err)
	}
}
