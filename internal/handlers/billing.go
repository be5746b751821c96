package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/aurix-studio/api/internal/billing"
	"github.com/aurix-studio/api/internal/domain"
	"github.com/aurix-studio/api/internal/platform/httpx"
	"github.com/aurix-studio/api/internal/services"
)

const (
	// maxWebhookBody matches the processor's documented payload ceiling.
	maxWebhookBody        = 64 * 1024
	maxBillingRequestBody = 8 * 1024
	signatureHeader       = "Stripe-Signature"
)

// BillingHandlers exposes the webhook and checkout endpoints.
type BillingHandlers struct {
	provider      billing.Provider
	subscriptions services.SubscriptionService
	checkout      services.CheckoutService
	logger        services.Logger
}

// NewBillingHandlers constructs billing handlers.
func NewBillingHandlers(provider billing.Provider, subscriptions services.SubscriptionService, checkout services.CheckoutService, logger services.Logger) *BillingHandlers {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &BillingHandlers{
		provider:      provider,
		subscriptions: subscriptions,
		checkout:      checkout,
		logger:        logger,
	}
}

// Routes registers billing endpoints under the provided router.
func (h *BillingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/webhook", h.webhook)
	r.Post("/checkout", h.createCheckout)
	r.Post("/pay-per-image", h.enablePayPerImage)
}

type checkoutRequest struct {
	Tier       string `json:"tier"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

type checkoutResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

type payPerImageResponse struct {
	Enabled   bool   `json:"enabled"`
	SessionID string `json:"sessionId,omitempty"`
	URL       string `json:"url,omitempty"`
}

// webhook verifies the processor signature and applies the event. Unresolved
// identities still return 200 so the processor stops redelivering; only
// verification failures and store errors are surfaced.
func (h *BillingHandlers) webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.provider == nil || h.subscriptions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("billing_unavailable", "billing service unavailable", http.StatusServiceUnavailable))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read webhook payload", http.StatusBadRequest))
		return
	}
	if len(payload) > maxWebhookBody {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "webhook payload too large", http.StatusRequestEntityTooLarge))
		return
	}

	event, err := h.provider.VerifyWebhook(payload, r.Header.Get(signatureHeader))
	if err != nil {
		h.logger(ctx, "billing.webhook_rejected", map[string]any{"error": err.Error()})
		httpx.WriteError(ctx, w, httpx.NewError("webhook_verification_failed", "signature verification failed", http.StatusBadRequest))
		return
	}

	if err := h.subscriptions.ProcessEvent(ctx, event); err != nil {
		h.logger(ctx, "billing.webhook_failed", map[string]any{
			"event_id":   event.ID,
			"event_type": string(event.Type),
			"error":      err.Error(),
		})
		httpx.WriteError(ctx, w, httpx.NewError("webhook_processing_failed", "event could not be applied", http.StatusInternalServerError))
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *BillingHandlers) createCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("billing_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req checkoutRequest
	if err := decodeJSONBody(r, maxBillingRequestBody, &req); err != nil {
		writeBodyError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Tier) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "tier is required", http.StatusBadRequest))
		return
	}

	result, err := h.checkout.CreateSubscriptionCheckout(ctx, services.SubscriptionCheckoutCommand{
		Identity:   clientIdentity(r),
		Tier:       domain.Tier(strings.ToLower(strings.TrimSpace(req.Tier))),
		SuccessURL: strings.TrimSpace(req.SuccessURL),
		CancelURL:  strings.TrimSpace(req.CancelURL),
	})
	if err != nil {
		writeCheckoutError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, checkoutResponse{SessionID: result.SessionID, URL: result.URL})
}

func (h *BillingHandlers) enablePayPerImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("billing_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req checkoutRequest
	if err := decodeJSONBody(r, maxBillingRequestBody, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(w, r, err)
		return
	}

	result, err := h.checkout.EnablePayPerImage(ctx, services.PayPerImageCommand{
		Identity:   clientIdentity(r),
		SuccessURL: strings.TrimSpace(req.SuccessURL),
		CancelURL:  strings.TrimSpace(req.CancelURL),
	})
	if err != nil {
		writeCheckoutError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, payPerImageResponse{
		Enabled:   result.Enabled,
		SessionID: result.SessionID,
		URL:       result.URL,
	})
}

func writeCheckoutError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, services.ErrUnknownTier), errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPayPerImageAlreadyEnabled):
		httpx.WriteError(ctx, w, httpx.NewError("already_enabled", "pay-per-image is already enabled", http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_failed", "unable to create checkout session", http.StatusInternalServerError))
	}
}
