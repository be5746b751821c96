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

// defaultFreeLimit is the number of free transformations granted per identity.
const defaultFreeLimit = 3

var (
	// ErrEmailRequired indicates the identity has not registered an email and
	// may not consume transformations yet.
	ErrEmailRequired = errors.New("entitlement: email registration required")
	// ErrLimitReached indicates the identity exhausted its quota and holds no
	// unlimited or metered entitlement.
	ErrLimitReached = errors.New("entitlement: usage limit reached")
	// ErrEntitlementInvalidInput indicates the caller supplied invalid parameters.
	ErrEntitlementInvalidInput = errors.New("entitlement: invalid input")
)

// EntitlementServiceDeps bundles collaborators required to construct the gate.
type EntitlementServiceDeps struct {
	Repository repositories.EntitlementRepository
	// Billing reports metered usage for pay-per-image consumption past quota.
	// Optional; when nil, metered consumption is tracked locally only.
	Billing   billing.Provider
	FreeLimit int64
	Clock     func() time.Time
	Logger    Logger
}

type entitlementService struct {
	repo      repositories.EntitlementRepository
	billing   billing.Provider
	freeLimit int64
	clock     func() time.Time
	logger    Logger
}

// NewEntitlementService constructs the usage gate on top of the repository.
func NewEntitlementService(deps EntitlementServiceDeps) (EntitlementService, error) {
	if deps.Repository == nil {
		return nil, errors.New("entitlement service: repository is required")
	}

	freeLimit := deps.FreeLimit
	if freeLimit <= 0 {
		freeLimit = defaultFreeLimit
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &entitlementService{
		repo:      deps.Repository,
		billing:   deps.Billing,
		freeLimit: freeLimit,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CheckAndReserve enforces the gate in fixed order: registered email first,
// then quota. The record is not mutated; CommitUsage performs the increment
// strictly after a successful edit.
func (s *entitlementService) CheckAndReserve(ctx context.Context, identity string) (EntitlementRecord, error) {
	id := strings.TrimSpace(identity)
	if id == "" {
		return EntitlementRecord{}, fmt.Errorf("%w: identity is required", ErrEntitlementInvalidInput)
	}

	record, err := s.repo.Find(ctx, id)
	if errors.Is(err, repositories.ErrEntitlementNotFound) {
		return EntitlementRecord{}, ErrEmailRequired
	}
	if err != nil {
		return EntitlementRecord{}, err
	}
	if !record.EmailRegistered() {
		return EntitlementRecord{}, ErrEmailRequired
	}
	if record.Exhausted(s.freeLimit) {
		return EntitlementRecord{}, ErrLimitReached
	}
	return record, nil
}

// CommitUsage increments the counter atomically and, for metered add-on
// records past their base quota, reports one unit of consumption to the
// payment processor. Reporting failures are logged, never surfaced: the local
// counter is the source of truth for gating.
func (s *entitlementService) CommitUsage(ctx context.Context, identity string) (int64, error) {
	id := strings.TrimSpace(identity)
	if id == "" {
		return 0, fmt.Errorf("%w: identity is required", ErrEntitlementInvalidInput)
	}

	record, err := s.repo.Find(ctx, id)
	if err != nil {
		return 0, err
	}

	count, err := s.repo.IncrementUsage(ctx, id)
	if err != nil {
		return 0, err
	}

	if s.billing != nil && record.PayPerImageEnabled && record.PayPerImageItemID != "" &&
		count > record.EffectiveQuota(s.freeLimit) {
		if err := s.billing.ReportUsage(ctx, record.PayPerImageItemID, 1); err != nil {
			s.logger(ctx, "entitlement.metered_report_failed", map[string]any{
				"identity": id,
				"error":    err.Error(),
			})
		}
	}

	return count, nil
}

// RegisterEmail attaches the email to the identity's record, creating it
// lazily on first contact.
func (s *entitlementService) RegisterEmail(ctx context.Context, identity, email string) (EntitlementRecord, error) {
	id := strings.TrimSpace(identity)
	if id == "" {
		return EntitlementRecord{}, fmt.Errorf("%w: identity is required", ErrEntitlementInvalidInput)
	}
	address := strings.TrimSpace(email)
	if address == "" || !strings.Contains(address, "@") {
		return EntitlementRecord{}, fmt.Errorf("%w: a valid email is required", ErrEntitlementInvalidInput)
	}

	return s.repo.Mutate(ctx, id, func(record *domain.EntitlementRecord) error {
		record.Email = address
		if record.Tier == "" {
			record.Tier = domain.TierFree
			record.TierName = "Free"
		}
		return nil
	})
}

// Profile returns the record for the identity.
func (s *entitlementService) Profile(ctx context.Context, identity string) (EntitlementRecord, error) {
	id := strings.TrimSpace(identity)
	if id == "" {
		return EntitlementRecord{}, fmt.Errorf("%w: identity is required", ErrEntitlementInvalidInput)
	}
	return s.repo.Find(ctx, id)
}

// Stats summarises consumption. The enhanced/removed split is an estimate
// derived from the total; per-operation counters are not tracked.
func (s *entitlementService) Stats(ctx context.Context, identity string) (UsageStats, error) {
	record, err := s.Profile(ctx, identity)
	if err != nil {
		return UsageStats{}, err
	}

	enhanced := record.UsageCount * 7 / 10
	return UsageStats{
		Identity:       record.Identity,
		ImagesUsed:     record.UsageCount,
		ImagesQuota:    record.EffectiveQuota(s.freeLimit),
		ImagesEnhanced: enhanced,
		ImagesRemoved:  record.UsageCount - enhanced,
	}, nil
}

// Reset deletes the record so the identity starts fresh.
func (s *entitlementService) Reset(ctx context.Context, identity string) error {
	id := strings.TrimSpace(identity)
	if id == "" {
		return fmt.Errorf("%w: identity is required", ErrEntitlementInvalidInput)
	}
	return s.repo.Delete(ctx, id)
}
