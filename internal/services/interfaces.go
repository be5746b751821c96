package services

import (
	"context"

	domain "github.com/aurix-studio/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	EntitlementRecord = domain.EntitlementRecord
	UsageStats        = domain.UsageStats
	EnhanceMode       = domain.EnhanceMode
	AddOn             = domain.AddOn
	Feedback          = domain.Feedback
)

// EntitlementService is the usage gate guarding every paid transformation.
type EntitlementService interface {
	// CheckAndReserve validates the identity may consume one transformation.
	// It returns ErrEmailRequired or ErrLimitReached on denial and does not
	// mutate the record.
	CheckAndReserve(ctx context.Context, identity string) (EntitlementRecord, error)

	// CommitUsage increments the usage counter by exactly one. It must only
	// be called after the downstream edit succeeded.
	CommitUsage(ctx context.Context, identity string) (int64, error)

	// RegisterEmail attaches an email address to the identity's record,
	// creating the record lazily on first contact.
	RegisterEmail(ctx context.Context, identity, email string) (EntitlementRecord, error)

	// Profile returns the record for the identity.
	Profile(ctx context.Context, identity string) (EntitlementRecord, error)

	// Stats summarises consumption for the identity.
	Stats(ctx context.Context, identity string) (UsageStats, error)

	// Reset deletes the record. Exposed on the internal surface for
	// development environments only.
	Reset(ctx context.Context, identity string) error
}

// TransformService orchestrates the gate, edit, and upscale sequence.
type TransformService interface {
	Enhance(ctx context.Context, cmd EnhanceCommand) (EnhanceResult, error)
	Remove(ctx context.Context, cmd RemoveCommand) (RemoveResult, error)
}

// SubscriptionService applies payment processor lifecycle events to the
// entitlement store.
type SubscriptionService interface {
	ProcessEvent(ctx context.Context, event ProcessorEvent) error
}

// CheckoutService creates hosted checkout sessions and manages the metered
// add-on for existing customers.
type CheckoutService interface {
	CreateSubscriptionCheckout(ctx context.Context, cmd SubscriptionCheckoutCommand) (CheckoutResult, error)
	EnablePayPerImage(ctx context.Context, cmd PayPerImageCommand) (PayPerImageResult, error)
}

// FeedbackService records dashboard feedback best-effort.
type FeedbackService interface {
	Submit(ctx context.Context, cmd FeedbackCommand) (Feedback, error)
}

// NotificationPublisher delivers asynchronous notifications for feedback
// submissions and webhook reconciliation to background workers.
type NotificationPublisher interface {
	PublishFeedback(ctx context.Context, message FeedbackNotification) (string, error)
	PublishReconciliation(ctx context.Context, message ReconciliationNotice) (string, error)
}

// FeedbackNotification is the payload delivered to the feedback topic.
type FeedbackNotification struct {
	FeedbackID   string `json:"feedbackId"`
	Email        string `json:"email,omitempty"`
	Satisfaction int    `json:"satisfaction"`
	Message      string `json:"message,omitempty"`
}

// ReconciliationNotice flags a webhook event whose identity could not be
// resolved, for manual follow-up.
type ReconciliationNotice struct {
	EventID        string `json:"eventId"`
	EventType      string `json:"eventType"`
	CustomerID     string `json:"customerId,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Reason         string `json:"reason"`
}

// Logger is the structured event logging contract shared by services.
type Logger func(ctx context.Context, event string, fields map[string]any)
