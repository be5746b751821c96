package domain

import (
	"strings"
	"time"
)

// SubscriptionStatus mirrors the payment processor's subscription lifecycle states.
type SubscriptionStatus string

const (
	// SubscriptionNone indicates the identity has never subscribed.
	SubscriptionNone SubscriptionStatus = ""
	// SubscriptionActive indicates an active, paid subscription.
	SubscriptionActive SubscriptionStatus = "active"
	// SubscriptionPastDue indicates the latest invoice failed to collect.
	SubscriptionPastDue SubscriptionStatus = "past_due"
	// SubscriptionPaused indicates collection is paused at the processor.
	SubscriptionPaused SubscriptionStatus = "paused"
	// SubscriptionCanceled indicates the subscription was terminated.
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// PaymentState records the outcome of the most recent invoice attempt.
type PaymentState string

const (
	// PaymentPaid marks the latest invoice as collected.
	PaymentPaid PaymentState = "paid"
	// PaymentFailed marks the latest invoice as failed.
	PaymentFailed PaymentState = "failed"
)

// Tier identifies the commercial plan attached to an entitlement record.
type Tier string

const (
	// TierFree is the default plan assigned on first contact and after downgrade.
	TierFree Tier = "free"
	// TierStarter is the entry paid plan.
	TierStarter Tier = "starter"
	// TierPro covers the metered professional plans.
	TierPro Tier = "pro"
)

// EntitlementRecord tracks usage and billing state for one identity. The
// identity key is either an account id for registered users or a client IP
// for anonymous visitors.
type EntitlementRecord struct {
	Identity string
	Email    string

	UsageCount int64
	Quota      int64
	Pro        bool
	Tier       Tier
	TierName   string

	SubscriptionStatus  SubscriptionStatus
	PaymentState        PaymentState
	SubscriptionEndDate *time.Time

	StripeCustomerID     string
	StripeSubscriptionID string

	PayPerImageEnabled        bool
	PayPerImageSubscriptionID string
	PayPerImageItemID         string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EmailRegistered reports whether the record carries a usable email address.
func (r EntitlementRecord) EmailRegistered() bool {
	return strings.TrimSpace(r.Email) != ""
}

// EffectiveQuota resolves the number of transformations the record may consume
// per cycle. Records without an explicit quota fall back to the supplied free
// limit.
func (r EntitlementRecord) EffectiveQuota(freeLimit int64) int64 {
	if r.Quota > 0 {
		return r.Quota
	}
	return freeLimit
}

// Exhausted reports whether the record has consumed its quota. Pro records and
// records with the metered add-on enabled are never exhausted.
func (r EntitlementRecord) Exhausted(freeLimit int64) bool {
	if r.Pro || r.PayPerImageEnabled {
		return false
	}
	return r.UsageCount >= r.EffectiveQuota(freeLimit)
}

// UsageStats summarises consumption for an identity.
type UsageStats struct {
	Identity       string
	ImagesUsed     int64
	ImagesQuota    int64
	ImagesEnhanced int64
	ImagesRemoved  int64
}
