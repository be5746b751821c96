package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aurix-studio/api/internal/billing"
	"github.com/aurix-studio/api/internal/services"
)

type stubProvider struct {
	verifyFn func(payload []byte, signature string) (billing.Event, error)
}

func (s *stubProvider) CreateCheckoutSession(ctx context.Context, req billing.CheckoutSessionRequest) (billing.CheckoutSession, error) {
	return billing.CheckoutSession{}, errors.New("not implemented")
}

func (s *stubProvider) CreateMeteredSubscription(ctx context.Context, req billing.MeteredSubscriptionRequest) (billing.Subscription, error) {
	return billing.Subscription{}, errors.New("not implemented")
}

func (s *stubProvider) GetSubscription(ctx context.Context, id string) (billing.Subscription, error) {
	return billing.Subscription{}, errors.New("not implemented")
}

func (s *stubProvider) GetCustomer(ctx context.Context, id string) (billing.Customer, error) {
	return billing.Customer{}, errors.New("not implemented")
}

func (s *stubProvider) ReportUsage(ctx context.Context, subscriptionItemID string, quantity int64) error {
	return errors.New("not implemented")
}

func (s *stubProvider) VerifyWebhook(payload []byte, signature string) (billing.Event, error) {
	if s.verifyFn != nil {
		return s.verifyFn(payload, signature)
	}
	return billing.Event{}, errors.New("verify not implemented")
}

type stubSubscriptionService struct {
	processFn func(ctx context.Context, event services.ProcessorEvent) error
	events    []services.ProcessorEvent
}

func (s *stubSubscriptionService) ProcessEvent(ctx context.Context, event services.ProcessorEvent) error {
	s.events = append(s.events, event)
	if s.processFn != nil {
		return s.processFn(ctx, event)
	}
	return nil
}

type stubCheckoutService struct {
	createFn func(ctx context.Context, cmd services.SubscriptionCheckoutCommand) (services.CheckoutResult, error)
	enableFn func(ctx context.Context, cmd services.PayPerImageCommand) (services.PayPerImageResult, error)
}

func (s *stubCheckoutService) CreateSubscriptionCheckout(ctx context.Context, cmd services.SubscriptionCheckoutCommand) (services.CheckoutResult, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.CheckoutResult{}, errors.New("checkout not implemented")
}

func (s *stubCheckoutService) EnablePayPerImage(ctx context.Context, cmd services.PayPerImageCommand) (services.PayPerImageResult, error) {
	if s.enableFn != nil {
		return s.enableFn(ctx, cmd)
	}
	return services.PayPerImageResult{}, errors.New("pay-per-image not implemented")
}

func newBillingTestHandlers(provider billing.Provider, subscriptions services.SubscriptionService, checkout services.CheckoutService) *BillingHandlers {
	return NewBillingHandlers(provider, subscriptions, checkout, nil)
}

func postWebhook(t *testing.T, h *BillingHandlers, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhook", bytes.NewReader(payload))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rr := httptest.NewRecorder()
	h.webhook(rr, req)
	return rr
}

func TestWebhookEndpointAppliesVerifiedEvent(t *testing.T) {
	wantEvent := billing.NewInvoiceEvent("evt_1", billing.EventInvoicePaid, billing.InvoiceEvent{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
	})
	provider := &stubProvider{
		verifyFn: func(payload []byte, signature string) (billing.Event, error) {
			if signature != "t=1,v1=abc" {
				return billing.Event{}, errors.New("unexpected signature")
			}
			return wantEvent, nil
		},
	}
	subscriptions := &stubSubscriptionService{}
	h := newBillingTestHandlers(provider, subscriptions, nil)

	rr := postWebhook(t, h, []byte(`{"id":"evt_1"}`), "t=1,v1=abc")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	payload := decodeEnvelope(t, rr)
	if payload["received"] != true {
		t.Fatalf("body = %v", payload)
	}
	if len(subscriptions.events) != 1 || subscriptions.events[0].ID != "evt_1" {
		t.Fatalf("applied events = %+v", subscriptions.events)
	}
}

func TestWebhookEndpointRejectsBadSignature(t *testing.T) {
	provider := &stubProvider{
		verifyFn: func(payload []byte, signature string) (billing.Event, error) {
			return billing.Event{}, billing.ErrWebhookVerification
		},
	}
	subscriptions := &stubSubscriptionService{}
	h := newBillingTestHandlers(provider, subscriptions, nil)

	rr := postWebhook(t, h, []byte(`{"id":"evt_1"}`), "t=1,v1=bogus")
	assertErrorCode(t, rr, http.StatusBadRequest, "webhook_verification_failed")
	if len(subscriptions.events) != 0 {
		t.Fatalf("events applied despite rejected signature: %+v", subscriptions.events)
	}
}

func TestWebhookEndpointSurfacesProcessingFailure(t *testing.T) {
	provider := &stubProvider{
		verifyFn: func(payload []byte, signature string) (billing.Event, error) {
			return billing.NewInvoiceEvent("evt_1", billing.EventInvoicePaid, billing.InvoiceEvent{}), nil
		},
	}
	subscriptions := &stubSubscriptionService{
		processFn: func(ctx context.Context, event services.ProcessorEvent) error {
			return errors.New("store unavailable")
		},
	}
	h := newBillingTestHandlers(provider, subscriptions, nil)

	rr := postWebhook(t, h, []byte(`{"id":"evt_1"}`), "t=1,v1=abc")
	assertErrorCode(t, rr, http.StatusInternalServerError, "webhook_processing_failed")
}

func TestWebhookEndpointBoundsPayloadSize(t *testing.T) {
	provider := &stubProvider{}
	h := newBillingTestHandlers(provider, &stubSubscriptionService{}, nil)

	rr := postWebhook(t, h, bytes.Repeat([]byte("a"), maxWebhookBody+1), "t=1,v1=abc")
	assertErrorCode(t, rr, http.StatusRequestEntityTooLarge, "invalid_request")
}

func TestWebhookEndpointRequiresBillingService(t *testing.T) {
	h := newBillingTestHandlers(nil, nil, nil)

	rr := postWebhook(t, h, []byte(`{"id":"evt_1"}`), "t=1,v1=abc")
	assertErrorCode(t, rr, http.StatusServiceUnavailable, "billing_unavailable")
}

func TestCheckoutEndpointCreatesSession(t *testing.T) {
	var gotCmd services.SubscriptionCheckoutCommand
	checkout := &stubCheckoutService{
		createFn: func(ctx context.Context, cmd services.SubscriptionCheckoutCommand) (services.CheckoutResult, error) {
			gotCmd = cmd
			return services.CheckoutResult{SessionID: "cs_1", URL: "https://checkout.stripe.com/cs_1"}, nil
		},
	}
	h := newBillingTestHandlers(&stubProvider{}, &stubSubscriptionService{}, checkout)

	rr := postJSON(t, h.createCheckout, "/api/v1/billing/checkout", map[string]any{
		"tier":       " Starter ",
		"successUrl": "https://app.example.com/success",
		"cancelUrl":  "https://app.example.com/cancel",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	payload := decodeEnvelope(t, rr)
	if payload["sessionId"] != "cs_1" || payload["url"] != "https://checkout.stripe.com/cs_1" {
		t.Fatalf("body = %v", payload)
	}
	if string(gotCmd.Tier) != "starter" {
		t.Fatalf("tier = %q, want lowercased starter", gotCmd.Tier)
	}
	if gotCmd.SuccessURL != "https://app.example.com/success" {
		t.Fatalf("success url = %q", gotCmd.SuccessURL)
	}
}

func TestCheckoutEndpointRequiresTier(t *testing.T) {
	h := newBillingTestHandlers(&stubProvider{}, &stubSubscriptionService{}, &stubCheckoutService{})

	rr := postJSON(t, h.createCheckout, "/api/v1/billing/checkout", map[string]any{"successUrl": "https://a"})
	assertErrorCode(t, rr, http.StatusBadRequest, "invalid_request")
}

func TestCheckoutEndpointMapsUnknownTier(t *testing.T) {
	checkout := &stubCheckoutService{
		createFn: func(ctx context.Context, cmd services.SubscriptionCheckoutCommand) (services.CheckoutResult, error) {
			return services.CheckoutResult{}, services.ErrUnknownTier
		},
	}
	h := newBillingTestHandlers(&stubProvider{}, &stubSubscriptionService{}, checkout)

	rr := postJSON(t, h.createCheckout, "/api/v1/billing/checkout", map[string]any{"tier": "enterprise"})
	assertErrorCode(t, rr, http.StatusBadRequest, "invalid_request")
}

func TestCheckoutEndpointMapsProcessorFailure(t *testing.T) {
	checkout := &stubCheckoutService{
		createFn: func(ctx context.Context, cmd services.SubscriptionCheckoutCommand) (services.CheckoutResult, error) {
			return services.CheckoutResult{}, errors.New("processor down")
		},
	}
	h := newBillingTestHandlers(&stubProvider{}, &stubSubscriptionService{}, checkout)

	rr := postJSON(t, h.createCheckout, "/api/v1/billing/checkout", map[string]any{"tier": "starter"})
	assertErrorCode(t, rr, http.StatusInternalServerError, "checkout_failed")
}

func TestPayPerImageEndpointReportsDirectEnable(t *testing.T) {
	checkout := &stubCheckoutService{
		enableFn: func(ctx context.Context, cmd services.PayPerImageCommand) (services.PayPerImageResult, error) {
			return services.PayPerImageResult{Enabled: true}, nil
		},
	}
	h := newBillingTestHandlers(&stubProvider{}, &stubSubscriptionService{}, checkout)

	rr := postJSON(t, h.enablePayPerImage, "/api/v1/billing/pay-per-image", map[string]any{})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	payload := decodeEnvelope(t, rr)
	if payload["enabled"] != true {
		t.Fatalf("body = %v", payload)
	}
	if _, ok := payload["sessionId"]; ok {
		t.Fatalf("direct enable should omit session fields: %v", payload)
	}
}

func TestPayPerImageEndpointAcceptsEmptyBody(t *testing.T) {
	checkout := &stubCheckoutService{
		enableFn: func(ctx context.Context, cmd services.PayPerImageCommand) (services.PayPerImageResult, error) {
			return services.PayPerImageResult{Enabled: false, SessionID: "cs_1", URL: "https://checkout.stripe.com/cs_1"}, nil
		},
	}
	h := newBillingTestHandlers(&stubProvider{}, &stubSubscriptionService{}, checkout)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/pay-per-image", nil)
	rr := httptest.NewRecorder()
	h.enablePayPerImage(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	payload := decodeEnvelope(t, rr)
	if payload["enabled"] != false || payload["sessionId"] != "cs_1" {
		t.Fatalf("body = %v", payload)
	}
}

func TestPayPerImageEndpointRejectsDuplicateEnable(t *testing.T) {
	checkout := &stubCheckoutService{
		enableFn: func(ctx context.Context, cmd services.PayPerImageCommand) (services.PayPerImageResult, error) {
			return services.PayPerImageResult{}, services.ErrPayPerImageAlreadyEnabled
		},
	}
	h := newBillingTestHandlers(&stubProvider{}, &stubSubscriptionService{}, checkout)

	rr := postJSON(t, h.enablePayPerImage, "/api/v1/billing/pay-per-image", map[string]any{})
	assertErrorCode(t, rr, http.StatusConflict, "already_enabled")
}
