package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aurix-studio/api/internal/domain"
	pfirestore "github.com/aurix-studio/api/internal/platform/firestore"
)

const feedbackCollection = "feedback"

type feedbackDocument struct {
	Email          string    `firestore:"email,omitempty"`
	Satisfaction   int       `firestore:"satisfaction"`
	WantedFeatures []string  `firestore:"wantedFeatures,omitempty"`
	Message        string    `firestore:"message,omitempty"`
	SubmittedAt    time.Time `firestore:"submittedAt"`
}

// FeedbackRepository stores dashboard feedback submissions in Firestore.
type FeedbackRepository struct {
	base *pfirestore.BaseRepository[feedbackDocument]
}

// NewFeedbackRepository constructs a Firestore-backed feedback repository.
func NewFeedbackRepository(provider *pfirestore.Provider) (*FeedbackRepository, error) {
	if provider == nil {
		return nil, errors.New("feedback repository requires firestore provider")
	}
	return &FeedbackRepository{
		base: pfirestore.NewBaseRepository[feedbackDocument](provider, feedbackCollection, nil, nil),
	}, nil
}

// Create persists the feedback entry, minting a ULID when no ID is supplied.
func (r *FeedbackRepository) Create(ctx context.Context, feedback domain.Feedback) (domain.Feedback, error) {
	if r == nil || r.base == nil {
		return domain.Feedback{}, errors.New("feedback repository not initialised")
	}

	id := strings.TrimSpace(feedback.ID)
	if id == "" {
		id = ulid.Make().String()
	}
	if feedback.SubmittedAt.IsZero() {
		feedback.SubmittedAt = time.Now().UTC()
	}

	doc := feedbackDocument{
		Email:          strings.TrimSpace(feedback.Email),
		Satisfaction:   feedback.Satisfaction,
		WantedFeatures: feedback.WantedFeatures,
		Message:        feedback.Message,
		SubmittedAt:    feedback.SubmittedAt.UTC(),
	}
	if _, err := r.base.Set(ctx, id, doc); err != nil {
		return domain.Feedback{}, err
	}

	feedback.ID = id
	return feedback, nil
}
