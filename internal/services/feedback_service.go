package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/aurix-studio/api/internal/domain"
	"github.com/aurix-studio/api/internal/repositories"
)

// maxFeedbackMessageLength bounds the free-text message.
const maxFeedbackMessageLength = 2000

// ErrFeedbackInvalidInput indicates the caller supplied invalid parameters.
var ErrFeedbackInvalidInput = errors.New("feedback: invalid input")

// FeedbackCommand carries one survey submission.
type FeedbackCommand struct {
	Email          string
	Satisfaction   int
	WantedFeatures []string
	Message        string
}

// FeedbackServiceDeps bundles collaborators for survey intake.
type FeedbackServiceDeps struct {
	Repository repositories.FeedbackRepository
	// Notifications fans the submission out to the team channel. Optional.
	Notifications NotificationPublisher
	Clock         func() time.Time
	Logger        Logger
}

type feedbackService struct {
	repo          repositories.FeedbackRepository
	notifications NotificationPublisher
	sanitizer     *bluemonday.Policy
	clock         func() time.Time
	logger        Logger
}

// NewFeedbackService constructs the survey intake service.
func NewFeedbackService(deps FeedbackServiceDeps) (FeedbackService, error) {
	if deps.Repository == nil {
		return nil, errors.New("feedback service: repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &feedbackService{
		repo:          deps.Repository,
		notifications: deps.Notifications,
		sanitizer:     bluemonday.StrictPolicy(),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Submit sanitises and persists the survey. The notification fan-out is
// best-effort and never fails the submission.
func (s *feedbackService) Submit(ctx context.Context, cmd FeedbackCommand) (Feedback, error) {
	if cmd.Satisfaction < 1 || cmd.Satisfaction > 5 {
		return Feedback{}, fmt.Errorf("%w: satisfaction must be between 1 and 5", ErrFeedbackInvalidInput)
	}

	message := strings.TrimSpace(s.sanitizer.Sanitize(cmd.Message))
	if len(message) > maxFeedbackMessageLength {
		message = message[:maxFeedbackMessageLength]
	}

	features := make([]string, 0, len(cmd.WantedFeatures))
	for _, feature := range cmd.WantedFeatures {
		if cleaned := strings.TrimSpace(s.sanitizer.Sanitize(feature)); cleaned != "" {
			features = append(features, cleaned)
		}
	}

	feedback := domain.Feedback{
		Email:          strings.TrimSpace(cmd.Email),
		Satisfaction:   cmd.Satisfaction,
		WantedFeatures: features,
		Message:        message,
		SubmittedAt:    s.clock(),
	}

	saved, err := s.repo.Create(ctx, feedback)
	if err != nil {
		return Feedback{}, err
	}

	if s.notifications != nil {
		if _, err := s.notifications.PublishFeedback(ctx, FeedbackNotification{
			FeedbackID:   saved.ID,
			Email:        saved.Email,
			Satisfaction: saved.Satisfaction,
			Message:      saved.Message,
		}); err != nil {
			s.logger(ctx, "feedback.notification_failed", map[string]any{
				"feedback_id": saved.ID,
				"error":       err.Error(),
			})
		}
	}

	return saved, nil
}
