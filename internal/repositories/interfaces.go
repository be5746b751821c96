package repositories

import (
	"context"

	"github.com/aurix-studio/api/internal/domain"
)

// EntitlementRepository persists per-identity usage and billing state.
type EntitlementRepository interface {
	// Find loads the entitlement record for the given identity key. Missing
	// records are reported via ErrEntitlementNotFound.
	Find(ctx context.Context, identity string) (domain.EntitlementRecord, error)

	// FindByStripeCustomer looks up the record carrying the given processor
	// customer reference. Missing matches are reported via ErrEntitlementNotFound.
	FindByStripeCustomer(ctx context.Context, customerID string) (domain.EntitlementRecord, error)

	// Upsert writes the full record, creating it when absent.
	Upsert(ctx context.Context, record domain.EntitlementRecord) (domain.EntitlementRecord, error)

	// IncrementUsage atomically adds one to the usage counter and returns the
	// new count. The record must already exist.
	IncrementUsage(ctx context.Context, identity string) (int64, error)

	// Mutate applies fn to the record inside a transaction, creating an empty
	// record keyed by identity when none exists. The mutated record is written
	// back as a whole, so transitions expressed as absolute state assignments
	// stay idempotent under webhook redelivery.
	Mutate(ctx context.Context, identity string, fn func(*domain.EntitlementRecord) error) (domain.EntitlementRecord, error)

	// Delete removes the record, reporting missing records via
	// ErrEntitlementNotFound. Intended for the development reset flow only.
	Delete(ctx context.Context, identity string) error
}

// FeedbackRepository stores dashboard feedback submissions.
type FeedbackRepository interface {
	Create(ctx context.Context, feedback domain.Feedback) (domain.Feedback, error)
}
