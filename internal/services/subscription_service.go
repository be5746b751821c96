package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aurix-studio/api/internal/billing"
	"github.com/aurix-studio/api/internal/domain"
	"github.com/aurix-studio/api/internal/repositories"
)

// ProcessorEvent is a verified payment processor event.
type ProcessorEvent = billing.Event

// SubscriptionServiceDeps bundles collaborators for the event synchronizer.
type SubscriptionServiceDeps struct {
	Repository repositories.EntitlementRepository
	Billing    billing.Provider
	Plans      PlanCatalog
	// Notifications receives a notice for events whose identity could not be
	// resolved. Optional.
	Notifications NotificationPublisher
	Clock         func() time.Time
	Logger        Logger
}

type subscriptionService struct {
	repo          repositories.EntitlementRepository
	billing       billing.Provider
	plans         PlanCatalog
	notifications NotificationPublisher
	clock         func() time.Time
	logger        Logger
}

// NewSubscriptionService constructs the webhook event synchronizer.
func NewSubscriptionService(deps SubscriptionServiceDeps) (SubscriptionService, error) {
	if deps.Repository == nil {
		return nil, errors.New("subscription service: repository is required")
	}
	if deps.Billing == nil {
		return nil, errors.New("subscription service: billing provider is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &subscriptionService{
		repo:          deps.Repository,
		billing:       deps.Billing,
		plans:         deps.Plans,
		notifications: deps.Notifications,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// ProcessEvent applies one verified processor event to the entitlement store.
// Every transition writes absolute state so redelivered events are harmless.
// Events whose identity cannot be resolved are acknowledged without mutation;
// the gap is logged and published for manual reconciliation.
func (s *subscriptionService) ProcessEvent(ctx context.Context, event ProcessorEvent) error {
	switch event.Type {
	case billing.EventInvoicePaid:
		return s.handleInvoicePaid(ctx, event)
	case billing.EventInvoiceFailed:
		return s.handleInvoiceFailed(ctx, event)
	case billing.EventSubscriptionUpdated:
		return s.handleSubscriptionUpdated(ctx, event)
	case billing.EventSubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, event)
	case billing.EventSubscriptionPaused:
		return s.handleSubscriptionStatus(ctx, event, domain.SubscriptionPaused)
	case billing.EventSubscriptionResumed:
		return s.handleSubscriptionStatus(ctx, event, domain.SubscriptionActive)
	case billing.EventSubscriptionCreated:
		return s.handleSubscriptionCreated(ctx, event)
	case billing.EventCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, event)
	default:
		s.logger(ctx, "billing.event_ignored", map[string]any{
			"event_id":   event.ID,
			"event_type": string(event.Type),
		})
		return nil
	}
}

func (s *subscriptionService) handleInvoicePaid(ctx context.Context, event ProcessorEvent) error {
	invoice, ok := event.Invoice()
	if !ok || invoice.SubscriptionID == "" {
		// One-off invoices carry no subscription and do not affect quota.
		return nil
	}

	identity, found := s.resolveIdentity(ctx, event, invoice.CustomerID, invoice.SubscriptionID)
	if !found {
		return nil
	}

	now := s.clock()
	_, err := s.repo.Mutate(ctx, identity, func(record *domain.EntitlementRecord) error {
		record.UsageCount = 0
		record.SubscriptionStatus = domain.SubscriptionActive
		record.PaymentState = domain.PaymentPaid
		record.UpdatedAt = now
		return nil
	})
	return err
}

func (s *subscriptionService) handleInvoiceFailed(ctx context.Context, event ProcessorEvent) error {
	invoice, ok := event.Invoice()
	if !ok {
		return nil
	}

	identity, found := s.resolveIdentity(ctx, event, invoice.CustomerID, invoice.SubscriptionID)
	if !found {
		return nil
	}

	now := s.clock()
	_, err := s.repo.Mutate(ctx, identity, func(record *domain.EntitlementRecord) error {
		record.SubscriptionStatus = domain.SubscriptionPastDue
		record.PaymentState = domain.PaymentFailed
		record.UpdatedAt = now
		return nil
	})
	return err
}

func (s *subscriptionService) handleSubscriptionUpdated(ctx context.Context, event ProcessorEvent) error {
	sub, ok := event.Subscription()
	if !ok {
		return nil
	}

	identity, found := s.resolveIdentity(ctx, event, sub.CustomerID, sub.ID)
	if !found {
		return nil
	}

	now := s.clock()
	_, err := s.repo.Mutate(ctx, identity, func(record *domain.EntitlementRecord) error {
		record.SubscriptionStatus = normalizeStatus(sub.Status)
		if !sub.CurrentPeriodEnd.IsZero() {
			end := sub.CurrentPeriodEnd
			record.SubscriptionEndDate = &end
		}
		record.UpdatedAt = now
		return nil
	})
	return err
}

func (s *subscriptionService) handleSubscriptionDeleted(ctx context.Context, event ProcessorEvent) error {
	sub, ok := event.Subscription()
	if !ok {
		return nil
	}

	identity, found := s.resolveIdentity(ctx, event, sub.CustomerID, sub.ID)
	if !found {
		return nil
	}

	now := s.clock()
	metered := sub.Metadata[billing.MetadataKeyType] == billing.MetadataTypeMetered

	_, err := s.repo.Mutate(ctx, identity, func(record *domain.EntitlementRecord) error {
		if metered || record.PayPerImageSubscriptionID == sub.ID {
			record.PayPerImageEnabled = false
			record.PayPerImageSubscriptionID = ""
			record.PayPerImageItemID = ""
			record.UpdatedAt = now
			return nil
		}

		free := s.plans.Free()
		record.Pro = false
		record.Quota = free.Quota
		record.Tier = domain.TierFree
		record.TierName = free.Name
		record.SubscriptionStatus = domain.SubscriptionCanceled
		record.StripeSubscriptionID = ""
		record.UpdatedAt = now
		return nil
	})
	return err
}

func (s *subscriptionService) handleSubscriptionStatus(ctx context.Context, event ProcessorEvent, status domain.SubscriptionStatus) error {
	sub, ok := event.Subscription()
	if !ok {
		return nil
	}

	identity, found := s.resolveIdentity(ctx, event, sub.CustomerID, sub.ID)
	if !found {
		return nil
	}

	now := s.clock()
	_, err := s.repo.Mutate(ctx, identity, func(record *domain.EntitlementRecord) error {
		record.SubscriptionStatus = status
		record.UpdatedAt = now
		return nil
	})
	return err
}

func (s *subscriptionService) handleSubscriptionCreated(ctx context.Context, event ProcessorEvent) error {
	sub, ok := event.Subscription()
	if !ok || sub.Metadata[billing.MetadataKeyType] != billing.MetadataTypeMetered {
		// Plan subscriptions are recorded through checkout completion.
		return nil
	}

	identity := strings.TrimSpace(sub.Metadata[billing.MetadataKeyUserID])
	if identity == "" {
		var found bool
		identity, found = s.resolveIdentity(ctx, event, sub.CustomerID, sub.ID)
		if !found {
			return nil
		}
	}

	now := s.clock()
	_, err := s.repo.Mutate(ctx, identity, func(record *domain.EntitlementRecord) error {
		record.PayPerImageEnabled = true
		record.PayPerImageSubscriptionID = sub.ID
		record.PayPerImageItemID = sub.FirstItemID
		if record.StripeCustomerID == "" {
			record.StripeCustomerID = sub.CustomerID
		}
		record.UpdatedAt = now
		return nil
	})
	return err
}

func (s *subscriptionService) handleCheckoutCompleted(ctx context.Context, event ProcessorEvent) error {
	checkout, ok := event.Checkout()
	if !ok {
		return nil
	}

	identity := strings.TrimSpace(checkout.Metadata[billing.MetadataKeyUserID])
	if identity == "" {
		s.reportUnresolved(ctx, event, checkout.CustomerID, checkout.SubscriptionID, "checkout session carries no user metadata")
		return nil
	}

	now := s.clock()

	if checkout.Metadata[billing.MetadataKeyType] == billing.MetadataTypeMetered {
		sub, err := s.billing.GetSubscription(ctx, checkout.SubscriptionID)
		if err != nil {
			return err
		}
		_, err = s.repo.Mutate(ctx, identity, func(record *domain.EntitlementRecord) error {
			record.PayPerImageEnabled = true
			record.PayPerImageSubscriptionID = sub.ID
			record.PayPerImageItemID = sub.FirstItemID
			if record.StripeCustomerID == "" {
				record.StripeCustomerID = checkout.CustomerID
			}
			record.UpdatedAt = now
			return nil
		})
		return err
	}

	plan, hasPlan := s.plans.ByTier(domain.Tier(checkout.Metadata[metadataKeyTier]))

	_, err := s.repo.Mutate(ctx, identity, func(record *domain.EntitlementRecord) error {
		record.StripeCustomerID = checkout.CustomerID
		record.StripeSubscriptionID = checkout.SubscriptionID
		record.SubscriptionStatus = domain.SubscriptionActive
		record.PaymentState = domain.PaymentPaid
		if hasPlan {
			record.Tier = plan.Tier
			record.TierName = plan.Name
			record.Quota = plan.Quota
			record.Pro = plan.Unlimited
		}
		record.UpdatedAt = now
		return nil
	})
	return err
}

// resolveIdentity maps a processor customer/subscription pair to an
// application identity. The chain tries the store first, then the processor's
// subscription metadata, then the customer metadata.
func (s *subscriptionService) resolveIdentity(ctx context.Context, event ProcessorEvent, customerID, subscriptionID string) (string, bool) {
	if customerID != "" {
		record, err := s.repo.FindByStripeCustomer(ctx, customerID)
		if err == nil {
			return record.Identity, true
		}
		if !errors.Is(err, repositories.ErrEntitlementNotFound) {
			s.logger(ctx, "billing.identity_lookup_failed", map[string]any{
				"event_id": event.ID,
				"customer": customerID,
				"error":    err.Error(),
			})
		}
	}

	if subscriptionID != "" {
		sub, err := s.billing.GetSubscription(ctx, subscriptionID)
		if err == nil {
			if identity := strings.TrimSpace(sub.Metadata[billing.MetadataKeyUserID]); identity != "" {
				return identity, true
			}
		}
	}

	if customerID != "" {
		customer, err := s.billing.GetCustomer(ctx, customerID)
		if err == nil && !customer.Deleted {
			if identity := strings.TrimSpace(customer.Metadata[billing.MetadataKeyUserID]); identity != "" {
				return identity, true
			}
		}
	}

	s.reportUnresolved(ctx, event, customerID, subscriptionID, "no entitlement record or metadata match")
	return "", false
}

func (s *subscriptionService) reportUnresolved(ctx context.Context, event ProcessorEvent, customerID, subscriptionID, reason string) {
	s.logger(ctx, "billing.identity_unresolved", map[string]any{
		"event_id":     event.ID,
		"event_type":   string(event.Type),
		"customer":     customerID,
		"subscription": subscriptionID,
		"reason":       reason,
	})
	if s.notifications == nil {
		return
	}
	if _, err := s.notifications.PublishReconciliation(ctx, ReconciliationNotice{
		EventID:        event.ID,
		EventType:      string(event.Type),
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
		Reason:         reason,
	}); err != nil {
		s.logger(ctx, "billing.reconciliation_publish_failed", map[string]any{
			"event_id": event.ID,
			"error":    err.Error(),
		})
	}
}

// normalizeStatus maps processor status strings onto the domain lifecycle.
func normalizeStatus(status string) domain.SubscriptionStatus {
	switch status {
	case "active", "trialing":
		return domain.SubscriptionActive
	case "past_due", "unpaid", "incomplete":
		return domain.SubscriptionPastDue
	case "paused":
		return domain.SubscriptionPaused
	case "canceled", "incomplete_expired":
		return domain.SubscriptionCanceled
	default:
		return domain.SubscriptionStatus(status)
	}
}
