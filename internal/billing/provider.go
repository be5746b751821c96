// Package billing wraps the payment processor behind normalised types so the
// service layer never handles processor SDK values directly.
package billing

import (
	"context"
	"errors"
	"time"
)

// ErrWebhookVerification indicates the webhook payload failed signature
// verification or the verification secret is not configured.
var ErrWebhookVerification = errors.New("billing: webhook verification failed")

// MetadataKeyUserID carries the application identity on processor objects.
const MetadataKeyUserID = "userId"

// MetadataKeyType distinguishes metered add-on subscriptions from plan
// subscriptions in processor metadata.
const (
	MetadataKeyType     = "type"
	MetadataTypeMetered = "pay_per_image"
)

// EventType enumerates the processor event types the synchronizer reacts to.
type EventType string

const (
	EventInvoicePaid         EventType = "invoice.payment_succeeded"
	EventInvoiceFailed       EventType = "invoice.payment_failed"
	EventSubscriptionUpdated EventType = "customer.subscription.updated"
	EventSubscriptionDeleted EventType = "customer.subscription.deleted"
	EventSubscriptionPaused  EventType = "customer.subscription.paused"
	EventSubscriptionResumed EventType = "customer.subscription.resumed"
	EventSubscriptionCreated EventType = "customer.subscription.created"
	EventCheckoutCompleted   EventType = "checkout.session.completed"
)

// Event is a verified processor event with accessors that decode the payload
// into normalised shapes.
type Event struct {
	ID   string
	Type EventType

	invoice      *InvoiceEvent
	subscription *SubscriptionEvent
	checkout     *CheckoutEvent
}

// Invoice returns the invoice payload for invoice.* events.
func (e Event) Invoice() (InvoiceEvent, bool) {
	if e.invoice == nil {
		return InvoiceEvent{}, false
	}
	return *e.invoice, true
}

// Subscription returns the subscription payload for customer.subscription.* events.
func (e Event) Subscription() (SubscriptionEvent, bool) {
	if e.subscription == nil {
		return SubscriptionEvent{}, false
	}
	return *e.subscription, true
}

// Checkout returns the session payload for checkout.session.completed events.
func (e Event) Checkout() (CheckoutEvent, bool) {
	if e.checkout == nil {
		return CheckoutEvent{}, false
	}
	return *e.checkout, true
}

// NewInvoiceEvent builds an invoice-family event.
func NewInvoiceEvent(id string, eventType EventType, payload InvoiceEvent) Event {
	return Event{ID: id, Type: eventType, invoice: &payload}
}

// NewSubscriptionEvent builds a subscription-family event.
func NewSubscriptionEvent(id string, eventType EventType, payload SubscriptionEvent) Event {
	return Event{ID: id, Type: eventType, subscription: &payload}
}

// NewCheckoutEvent builds a checkout.session.completed event.
func NewCheckoutEvent(id string, payload CheckoutEvent) Event {
	return Event{ID: id, Type: EventCheckoutCompleted, checkout: &payload}
}

// InvoiceEvent normalises the invoice fields used by the synchronizer.
type InvoiceEvent struct {
	CustomerID     string
	SubscriptionID string
}

// SubscriptionEvent normalises the subscription fields used by the synchronizer.
type SubscriptionEvent struct {
	ID               string
	CustomerID       string
	Status           string
	Metadata         map[string]string
	CurrentPeriodEnd time.Time
	FirstItemID      string
}

// CheckoutEvent normalises the checkout session fields used by the synchronizer.
type CheckoutEvent struct {
	CustomerID     string
	SubscriptionID string
	Metadata       map[string]string
}

// Subscription describes a processor subscription for retrieval flows.
type Subscription struct {
	ID               string
	CustomerID       string
	Status           string
	Metadata         map[string]string
	CurrentPeriodEnd time.Time
	FirstItemID      string
}

// Customer describes a processor customer for retrieval flows.
type Customer struct {
	ID       string
	Deleted  bool
	Metadata map[string]string
}

// CheckoutSessionRequest captures the payload for a hosted checkout session.
type CheckoutSessionRequest struct {
	PriceID    string
	CustomerID string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
	// SubscriptionMetadata is stamped onto the subscription the session creates.
	SubscriptionMetadata map[string]string
	// Metered omits the line-item quantity, as required for metered prices.
	Metered bool
}

// CheckoutSession is the normalised hosted session returned to the client.
type CheckoutSession struct {
	ID  string
	URL string
}

// MeteredSubscriptionRequest creates a metered add-on subscription directly
// for an existing customer.
type MeteredSubscriptionRequest struct {
	CustomerID string
	PriceID    string
	Metadata   map[string]string
}

// Provider is the contract for payment processor adapters.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	CreateMeteredSubscription(ctx context.Context, req MeteredSubscriptionRequest) (Subscription, error)
	GetSubscription(ctx context.Context, id string) (Subscription, error)
	GetCustomer(ctx context.Context, id string) (Customer, error)
	ReportUsage(ctx context.Context, subscriptionItemID string, quantity int64) error
	VerifyWebhook(payload []byte, signature string) (Event, error)
}
