package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/aurix-studio/api/internal/platform/textutil"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeSubscriptionAPI interface {
	New(params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	Get(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

type stripeCustomerAPI interface {
	Get(id string, params *stripe.CustomerParams) (*stripe.Customer, error)
}

type stripeUsageRecordAPI interface {
	New(params *stripe.UsageRecordParams) (*stripe.UsageRecord, error)
}

type stripeClients struct {
	sessions      stripeSessionAPI
	subscriptions stripeSubscriptionAPI
	customers     stripeCustomerAPI
	usageRecords  stripeUsageRecordAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	WebhookSecret string
	Backends      *stripe.Backends
	Logger        StripeLogger
	Clock         func() time.Time
	Clients       *stripeClients
}

// StripeProvider implements the Provider interface using Stripe APIs.
type StripeProvider struct {
	api           stripeClients
	webhookSecret string
	clock         func() time.Time
	logger        StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions:      sc.CheckoutSessions,
			subscriptions: sc.Subscriptions,
			customers:     sc.Customers,
			usageRecords:  sc.UsageRecords,
		}
	}

	if clients.sessions == nil || clients.subscriptions == nil || clients.customers == nil || clients.usageRecords == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:           clients,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateCheckoutSession creates a Stripe-hosted subscription checkout session.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if p == nil {
		return CheckoutSession{}, errors.New("stripe: provider is nil")
	}
	priceID := strings.TrimSpace(req.PriceID)
	if priceID == "" {
		return CheckoutSession{}, errors.New("stripe: price id is required")
	}
	if strings.TrimSpace(req.SuccessURL) == "" || strings.TrimSpace(req.CancelURL) == "" {
		return CheckoutSession{}, errors.New("stripe: success and cancel urls are required")
	}

	lineItem := &stripe.CheckoutSessionLineItemParams{
		Price: stripe.String(priceID),
	}
	// Metered prices reject an explicit quantity.
	if !req.Metered {
		lineItem.Quantity = stripe.Int64(1)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems:  []*stripe.CheckoutSessionLineItemParams{lineItem},
	}
	params.Context = ctx

	if customer := strings.TrimSpace(req.CustomerID); customer != "" {
		params.Customer = stripe.String(customer)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = textutil.NormalizeStringMap(req.Metadata)
	}
	if len(req.SubscriptionMetadata) > 0 {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: textutil.NormalizeStringMap(req.SubscriptionMetadata),
		}
	}

	session, err := p.api.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	p.logger(ctx, "stripe.checkout_session_created", map[string]any{
		"sessionId": session.ID,
		"priceId":   priceID,
	})

	return CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// CreateMeteredSubscription attaches a metered add-on subscription to an
// existing customer.
func (p *StripeProvider) CreateMeteredSubscription(ctx context.Context, req MeteredSubscriptionRequest) (Subscription, error) {
	if p == nil {
		return Subscription{}, errors.New("stripe: provider is nil")
	}
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return Subscription{}, errors.New("stripe: customer id is required")
	}
	priceID := strings.TrimSpace(req.PriceID)
	if priceID == "" {
		return Subscription{}, errors.New("stripe: price id is required")
	}

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID)},
		},
	}
	params.Context = ctx
	if len(req.Metadata) > 0 {
		params.Metadata = textutil.NormalizeStringMap(req.Metadata)
	}

	sub, err := p.api.subscriptions.New(params)
	if err != nil {
		return Subscription{}, fmt.Errorf("stripe: create metered subscription: %w", err)
	}

	p.logger(ctx, "stripe.metered_subscription_created", map[string]any{
		"subscriptionId": sub.ID,
		"customerId":     customerID,
	})

	return toSubscription(sub), nil
}

// GetSubscription retrieves and normalises a subscription by id.
func (p *StripeProvider) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	if p == nil {
		return Subscription{}, errors.New("stripe: provider is nil")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Subscription{}, errors.New("stripe: subscription id is required")
	}

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := p.api.subscriptions.Get(id, params)
	if err != nil {
		return Subscription{}, fmt.Errorf("stripe: get subscription %s: %w", id, err)
	}
	return toSubscription(sub), nil
}

// GetCustomer retrieves and normalises a customer by id.
func (p *StripeProvider) GetCustomer(ctx context.Context, id string) (Customer, error) {
	if p == nil {
		return Customer{}, errors.New("stripe: provider is nil")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Customer{}, errors.New("stripe: customer id is required")
	}

	params := &stripe.CustomerParams{}
	params.Context = ctx
	customer, err := p.api.customers.Get(id, params)
	if err != nil {
		return Customer{}, fmt.Errorf("stripe: get customer %s: %w", id, err)
	}
	return Customer{
		ID:       customer.ID,
		Deleted:  customer.Deleted,
		Metadata: customer.Metadata,
	}, nil
}

// ReportUsage records metered consumption against a subscription item.
func (p *StripeProvider) ReportUsage(ctx context.Context, subscriptionItemID string, quantity int64) error {
	if p == nil {
		return errors.New("stripe: provider is nil")
	}
	itemID := strings.TrimSpace(subscriptionItemID)
	if itemID == "" {
		return errors.New("stripe: subscription item id is required")
	}
	if quantity <= 0 {
		return errors.New("stripe: quantity must be positive")
	}

	params := &stripe.UsageRecordParams{
		SubscriptionItem: stripe.String(itemID),
		Quantity:         stripe.Int64(quantity),
		Timestamp:        stripe.Int64(p.clock().Unix()),
		Action:           stripe.String(string(stripe.UsageRecordActionIncrement)),
	}
	params.Context = ctx

	if _, err := p.api.usageRecords.New(params); err != nil {
		return fmt.Errorf("stripe: report usage for item %s: %w", itemID, err)
	}
	return nil
}

// VerifyWebhook validates the signature header against the shared secret and
// decodes the event payload into the normalised Event.
func (p *StripeProvider) VerifyWebhook(payload []byte, signature string) (Event, error) {
	if p == nil {
		return Event{}, errors.New("stripe: provider is nil")
	}
	if p.webhookSecret == "" {
		return Event{}, fmt.Errorf("%w: webhook secret is not configured", ErrWebhookVerification)
	}
	if strings.TrimSpace(signature) == "" {
		return Event{}, fmt.Errorf("%w: missing signature header", ErrWebhookVerification)
	}

	raw, err := webhook.ConstructEvent(payload, signature, p.webhookSecret)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrWebhookVerification, err)
	}
	return decodeEvent(raw)
}

func toSubscription(sub *stripe.Subscription) Subscription {
	if sub == nil {
		return Subscription{}
	}
	result := Subscription{
		ID:       sub.ID,
		Status:   string(sub.Status),
		Metadata: sub.Metadata,
	}
	if sub.Customer != nil {
		result.CustomerID = sub.Customer.ID
	}
	if sub.CurrentPeriodEnd > 0 {
		result.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0] != nil {
		result.FirstItemID = sub.Items.Data[0].ID
	}
	return result
}
