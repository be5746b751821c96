package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aurix-studio/api/internal/billing"
	"github.com/aurix-studio/api/internal/domain"
	"github.com/aurix-studio/api/internal/repositories"
)

// metadataKeyTier carries the purchased plan tier on checkout sessions.
const metadataKeyTier = "tier"

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrUnknownTier indicates the requested plan tier is not in the catalog.
	ErrUnknownTier = errors.New("checkout: unknown plan tier")
	// ErrPayPerImageAlreadyEnabled indicates the metered add-on is already active.
	ErrPayPerImageAlreadyEnabled = errors.New("checkout: pay-per-image already enabled")
)

// Plan describes one purchasable tier.
type Plan struct {
	Tier      domain.Tier
	Name      string
	PriceID   string
	Quota     int64
	Unlimited bool
}

// PlanCatalog maps tiers to their commercial terms.
type PlanCatalog struct {
	plans map[domain.Tier]Plan
	// payPerImagePriceID is the metered add-on price.
	payPerImagePriceID string
	freeQuota          int64
}

// NewPlanCatalog builds the catalog from configured plans.
func NewPlanCatalog(plans []Plan, payPerImagePriceID string, freeQuota int64) PlanCatalog {
	byTier := make(map[domain.Tier]Plan, len(plans))
	for _, plan := range plans {
		byTier[plan.Tier] = plan
	}
	if freeQuota <= 0 {
		freeQuota = defaultFreeLimit
	}
	return PlanCatalog{plans: byTier, payPerImagePriceID: payPerImagePriceID, freeQuota: freeQuota}
}

// ByTier resolves a plan by tier.
func (c PlanCatalog) ByTier(tier domain.Tier) (Plan, bool) {
	plan, ok := c.plans[tier]
	return plan, ok
}

// Free returns the non-paying fallback plan.
func (c PlanCatalog) Free() Plan {
	if plan, ok := c.plans[domain.TierFree]; ok {
		return plan
	}
	return Plan{Tier: domain.TierFree, Name: "Free", Quota: c.freeQuota}
}

// PayPerImagePriceID returns the metered add-on price id.
func (c PlanCatalog) PayPerImagePriceID() string {
	return c.payPerImagePriceID
}

// SubscriptionCheckoutCommand requests a hosted checkout session for a plan.
type SubscriptionCheckoutCommand struct {
	Identity   string
	Tier       domain.Tier
	SuccessURL string
	CancelURL  string
}

// CheckoutResult carries the hosted session back to the client.
type CheckoutResult struct {
	SessionID string
	URL       string
}

// PayPerImageCommand enables the metered add-on for an identity.
type PayPerImageCommand struct {
	Identity   string
	SuccessURL string
	CancelURL  string
}

// PayPerImageResult reports how the add-on was enabled: directly for known
// customers, or via a hosted session otherwise.
type PayPerImageResult struct {
	Enabled   bool
	SessionID string
	URL       string
}

// CheckoutServiceDeps bundles collaborators for session creation.
type CheckoutServiceDeps struct {
	Repository repositories.EntitlementRepository
	Billing    billing.Provider
	Plans      PlanCatalog
	Clock      func() time.Time
	Logger     Logger
}

type checkoutService struct {
	repo    repositories.EntitlementRepository
	billing billing.Provider
	plans   PlanCatalog
	clock   func() time.Time
	logger  Logger
}

// NewCheckoutService constructs the checkout flow.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Repository == nil {
		return nil, errors.New("checkout service: repository is required")
	}
	if deps.Billing == nil {
		return nil, errors.New("checkout service: billing provider is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		repo:    deps.Repository,
		billing: deps.Billing,
		plans:   deps.Plans,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateSubscriptionCheckout opens a hosted session for the requested tier.
// The identity travels in both session and subscription metadata so webhook
// events can always be mapped back.
func (s *checkoutService) CreateSubscriptionCheckout(ctx context.Context, cmd SubscriptionCheckoutCommand) (CheckoutResult, error) {
	identity := strings.TrimSpace(cmd.Identity)
	if identity == "" {
		return CheckoutResult{}, fmt.Errorf("%w: identity is required", ErrCheckoutInvalidInput)
	}

	plan, ok := s.plans.ByTier(cmd.Tier)
	if !ok || plan.PriceID == "" {
		return CheckoutResult{}, fmt.Errorf("%w: %q", ErrUnknownTier, cmd.Tier)
	}

	metadata := map[string]string{
		billing.MetadataKeyUserID: identity,
		metadataKeyTier:           string(plan.Tier),
	}

	var customerID string
	if record, err := s.repo.Find(ctx, identity); err == nil {
		customerID = record.StripeCustomerID
	}

	session, err := s.billing.CreateCheckoutSession(ctx, billing.CheckoutSessionRequest{
		PriceID:              plan.PriceID,
		CustomerID:           customerID,
		SuccessURL:           cmd.SuccessURL,
		CancelURL:            cmd.CancelURL,
		Metadata:             metadata,
		SubscriptionMetadata: map[string]string{billing.MetadataKeyUserID: identity},
	})
	if err != nil {
		return CheckoutResult{}, err
	}

	s.logger(ctx, "checkout.session_created", map[string]any{
		"identity": identity,
		"tier":     string(plan.Tier),
		"session":  session.ID,
	})
	return CheckoutResult{SessionID: session.ID, URL: session.URL}, nil
}

// EnablePayPerImage turns on metered billing. Identities with a known
// processor customer get the add-on subscription created directly; everyone
// else is sent through a hosted session that collects a payment method.
func (s *checkoutService) EnablePayPerImage(ctx context.Context, cmd PayPerImageCommand) (PayPerImageResult, error) {
	identity := strings.TrimSpace(cmd.Identity)
	if identity == "" {
		return PayPerImageResult{}, fmt.Errorf("%w: identity is required", ErrCheckoutInvalidInput)
	}
	priceID := s.plans.PayPerImagePriceID()
	if priceID == "" {
		return PayPerImageResult{}, fmt.Errorf("%w: metered billing is not configured", ErrCheckoutInvalidInput)
	}

	record, err := s.repo.Find(ctx, identity)
	if err != nil && !errors.Is(err, repositories.ErrEntitlementNotFound) {
		return PayPerImageResult{}, err
	}
	if record.PayPerImageEnabled {
		return PayPerImageResult{}, ErrPayPerImageAlreadyEnabled
	}

	metadata := map[string]string{
		billing.MetadataKeyUserID: identity,
		billing.MetadataKeyType:   billing.MetadataTypeMetered,
	}

	if record.StripeCustomerID != "" {
		sub, err := s.billing.CreateMeteredSubscription(ctx, billing.MeteredSubscriptionRequest{
			CustomerID: record.StripeCustomerID,
			PriceID:    priceID,
			Metadata:   metadata,
		})
		if err != nil {
			return PayPerImageResult{}, err
		}

		now := s.clock()
		if _, err := s.repo.Mutate(ctx, identity, func(rec *domain.EntitlementRecord) error {
			rec.PayPerImageEnabled = true
			rec.PayPerImageSubscriptionID = sub.ID
			rec.PayPerImageItemID = sub.FirstItemID
			rec.UpdatedAt = now
			return nil
		}); err != nil {
			return PayPerImageResult{}, err
		}

		s.logger(ctx, "checkout.pay_per_image_enabled", map[string]any{
			"identity":     identity,
			"subscription": sub.ID,
		})
		return PayPerImageResult{Enabled: true}, nil
	}

	session, err := s.billing.CreateCheckoutSession(ctx, billing.CheckoutSessionRequest{
		PriceID:              priceID,
		SuccessURL:           cmd.SuccessURL,
		CancelURL:            cmd.CancelURL,
		Metadata:             metadata,
		SubscriptionMetadata: metadata,
		Metered:              true,
	})
	if err != nil {
		return PayPerImageResult{}, err
	}

	return PayPerImageResult{SessionID: session.ID, URL: session.URL}, nil
}
