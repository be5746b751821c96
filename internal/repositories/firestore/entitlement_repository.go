package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aurix-studio/api/internal/domain"
	pfirestore "github.com/aurix-studio/api/internal/platform/firestore"
	"github.com/aurix-studio/api/internal/repositories"
)

const entitlementCollection = "entitlements"

type entitlementDocument struct {
	Email string `firestore:"email,omitempty"`

	UsageCount int64  `firestore:"usageCount"`
	Quota      int64  `firestore:"quota,omitempty"`
	Pro        bool   `firestore:"pro"`
	Tier       string `firestore:"tier,omitempty"`
	TierName   string `firestore:"tierName,omitempty"`

	SubscriptionStatus  string     `firestore:"subscriptionStatus,omitempty"`
	PaymentState        string     `firestore:"paymentState,omitempty"`
	SubscriptionEndDate *time.Time `firestore:"subscriptionEndDate,omitempty"`

	StripeCustomerID     string `firestore:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string `firestore:"stripeSubscriptionId,omitempty"`

	PayPerImageEnabled        bool   `firestore:"payPerImageEnabled"`
	PayPerImageSubscriptionID string `firestore:"payPerImageSubscriptionId,omitempty"`
	PayPerImageItemID         string `firestore:"payPerImageItemId,omitempty"`

	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// EntitlementRepository implements repositories.EntitlementRepository backed by
// Firestore. Usage increments and webhook transitions run inside transactions
// so concurrent requests against the same identity cannot under- or over-count.
type EntitlementRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[entitlementDocument]
	clock    func() time.Time
}

// NewEntitlementRepository constructs a Firestore-backed entitlement repository.
func NewEntitlementRepository(provider *pfirestore.Provider) (*EntitlementRepository, error) {
	if provider == nil {
		return nil, errors.New("entitlement repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[entitlementDocument](provider, entitlementCollection, nil, nil)
	return &EntitlementRepository{
		provider: provider,
		base:     base,
		clock:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Find loads the entitlement record keyed by identity.
func (r *EntitlementRepository) Find(ctx context.Context, identity string) (domain.EntitlementRecord, error) {
	if r == nil || r.base == nil {
		return domain.EntitlementRecord{}, errors.New("entitlement repository not initialised")
	}
	id := strings.TrimSpace(identity)
	if id == "" {
		return domain.EntitlementRecord{}, fmt.Errorf("%w: identity is required", repositories.ErrEntitlementInvalidInput)
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		var ferr *pfirestore.Error
		if errors.As(err, &ferr) && ferr.IsNotFound() {
			return domain.EntitlementRecord{}, repositories.ErrEntitlementNotFound
		}
		return domain.EntitlementRecord{}, err
	}
	return toDomainRecord(doc.ID, doc.Data), nil
}

// FindByStripeCustomer queries for the record carrying the processor customer reference.
func (r *EntitlementRepository) FindByStripeCustomer(ctx context.Context, customerID string) (domain.EntitlementRecord, error) {
	if r == nil || r.base == nil {
		return domain.EntitlementRecord{}, errors.New("entitlement repository not initialised")
	}
	customer := strings.TrimSpace(customerID)
	if customer == "" {
		return domain.EntitlementRecord{}, fmt.Errorf("%w: customer id is required", repositories.ErrEntitlementInvalidInput)
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("stripeCustomerId", "==", customer).Limit(1)
	})
	if err != nil {
		return domain.EntitlementRecord{}, err
	}
	if len(docs) == 0 {
		return domain.EntitlementRecord{}, repositories.ErrEntitlementNotFound
	}
	return toDomainRecord(docs[0].ID, docs[0].Data), nil
}

// Upsert writes the full record, stamping creation and update times.
func (r *EntitlementRepository) Upsert(ctx context.Context, record domain.EntitlementRecord) (domain.EntitlementRecord, error) {
	if r == nil || r.base == nil {
		return domain.EntitlementRecord{}, errors.New("entitlement repository not initialised")
	}
	id := strings.TrimSpace(record.Identity)
	if id == "" {
		return domain.EntitlementRecord{}, fmt.Errorf("%w: identity is required", repositories.ErrEntitlementInvalidInput)
	}

	now := r.clock()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	doc := fromDomainRecord(record)
	if _, err := r.base.Set(ctx, id, doc); err != nil {
		return domain.EntitlementRecord{}, err
	}
	record.Identity = id
	return record, nil
}

// IncrementUsage adds one to the usage counter inside a transaction and
// returns the new count.
func (r *EntitlementRepository) IncrementUsage(ctx context.Context, identity string) (int64, error) {
	if r == nil || r.provider == nil {
		return 0, errors.New("entitlement repository not initialised")
	}
	id := strings.TrimSpace(identity)
	if id == "" {
		return 0, fmt.Errorf("%w: identity is required", repositories.ErrEntitlementInvalidInput)
	}

	var newCount int64
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}

		snapshot, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return repositories.ErrEntitlementNotFound
		}
		if err != nil {
			return err
		}

		var doc entitlementDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore entitlements decode %s: %w", id, err)
		}

		doc.UsageCount++
		doc.UpdatedAt = r.clock()
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		newCount = doc.UsageCount
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newCount, nil
}

// Mutate applies fn to the record inside a transaction, creating an empty
// record when none exists. The whole document is written back so replayed
// transitions settle on the same final state.
func (r *EntitlementRepository) Mutate(ctx context.Context, identity string, fn func(*domain.EntitlementRecord) error) (domain.EntitlementRecord, error) {
	if r == nil || r.provider == nil {
		return domain.EntitlementRecord{}, errors.New("entitlement repository not initialised")
	}
	if fn == nil {
		return domain.EntitlementRecord{}, fmt.Errorf("%w: mutation function is required", repositories.ErrEntitlementInvalidInput)
	}
	id := strings.TrimSpace(identity)
	if id == "" {
		return domain.EntitlementRecord{}, fmt.Errorf("%w: identity is required", repositories.ErrEntitlementInvalidInput)
	}

	var result domain.EntitlementRecord
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}

		now := r.clock()
		record := domain.EntitlementRecord{Identity: id, CreatedAt: now}

		snapshot, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.NotFound:
			// fall through with the empty record
		case codes.OK:
			var doc entitlementDocument
			if err := snapshot.DataTo(&doc); err != nil {
				return fmt.Errorf("firestore entitlements decode %s: %w", id, err)
			}
			record = toDomainRecord(id, doc)
		default:
			return err
		}

		if err := fn(&record); err != nil {
			return err
		}

		record.Identity = id
		record.UpdatedAt = now
		if record.CreatedAt.IsZero() {
			record.CreatedAt = now
		}
		if err := tx.Set(ref, fromDomainRecord(record)); err != nil {
			return err
		}
		result = record
		return nil
	})
	if err != nil {
		return domain.EntitlementRecord{}, err
	}
	return result, nil
}

// Delete removes the record for the identity.
func (r *EntitlementRepository) Delete(ctx context.Context, identity string) error {
	if r == nil || r.base == nil {
		return errors.New("entitlement repository not initialised")
	}
	id := strings.TrimSpace(identity)
	if id == "" {
		return fmt.Errorf("%w: identity is required", repositories.ErrEntitlementInvalidInput)
	}

	if _, err := r.base.Get(ctx, id); err != nil {
		var ferr *pfirestore.Error
		if errors.As(err, &ferr) && ferr.IsNotFound() {
			return repositories.ErrEntitlementNotFound
		}
		return err
	}

	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("entitlements.delete", err)
	}
	return nil
}

func toDomainRecord(id string, doc entitlementDocument) domain.EntitlementRecord {
	return domain.EntitlementRecord{
		Identity:                  id,
		Email:                     doc.Email,
		UsageCount:                doc.UsageCount,
		Quota:                     doc.Quota,
		Pro:                       doc.Pro,
		Tier:                      domain.Tier(doc.Tier),
		TierName:                  doc.TierName,
		SubscriptionStatus:        domain.SubscriptionStatus(doc.SubscriptionStatus),
		PaymentState:              domain.PaymentState(doc.PaymentState),
		SubscriptionEndDate:       doc.SubscriptionEndDate,
		StripeCustomerID:          doc.StripeCustomerID,
		StripeSubscriptionID:      doc.StripeSubscriptionID,
		PayPerImageEnabled:        doc.PayPerImageEnabled,
		PayPerImageSubscriptionID: doc.PayPerImageSubscriptionID,
		PayPerImageItemID:         doc.PayPerImageItemID,
		CreatedAt:                 doc.CreatedAt,
		UpdatedAt:                 doc.UpdatedAt,
	}
}

func fromDomainRecord(record domain.EntitlementRecord) entitlementDocument {
	return entitlementDocument{
		Email:                     strings.TrimSpace(record.Email),
		UsageCount:                record.UsageCount,
		Quota:                     record.Quota,
		Pro:                       record.Pro,
		Tier:                      string(record.Tier),
		TierName:                  record.TierName,
		SubscriptionStatus:        string(record.SubscriptionStatus),
		PaymentState:              string(record.PaymentState),
		SubscriptionEndDate:       record.SubscriptionEndDate,
		StripeCustomerID:          strings.TrimSpace(record.StripeCustomerID),
		StripeSubscriptionID:      strings.TrimSpace(record.StripeSubscriptionID),
		PayPerImageEnabled:        record.PayPerImageEnabled,
		PayPerImageSubscriptionID: strings.TrimSpace(record.PayPerImageSubscriptionID),
		PayPerImageItemID:         strings.TrimSpace(record.PayPerImageItemID),
		CreatedAt:                 record.CreatedAt,
		UpdatedAt:                 record.UpdatedAt,
	}
}
