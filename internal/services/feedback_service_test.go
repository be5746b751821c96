package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aurix-studio/api/internal/domain"
)

type fakeFeedbackRepo struct {
	created   []domain.Feedback
	createErr error
}

func (f *fakeFeedbackRepo) Create(_ context.Context, feedback domain.Feedback) (domain.Feedback, error) {
	if f.createErr != nil {
		return domain.Feedback{}, f.createErr
	}
	feedback.ID = "fb-1"
	f.created = append(f.created, feedback)
	return feedback, nil
}

func newTestFeedbackService(t *testing.T, deps FeedbackServiceDeps) FeedbackService {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = func() time.Time {
			return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		}
	}
	svc, err := NewFeedbackService(deps)
	if err != nil {
		t.Fatalf("new feedback service: %v", err)
	}
	return svc
}

func TestSubmitStoresSanitisedFeedback(t *testing.T) {
	repo := &fakeFeedbackRepo{}
	notices := &captureNotifications{}
	svc := newTestFeedbackService(t, FeedbackServiceDeps{Repository: repo, Notifications: notices})

	saved, err := svc.Submit(context.Background(), FeedbackCommand{
		Email:          " agent@example.com ",
		Satisfaction:   4,
		WantedFeatures: []string{"<b>batch uploads</b>", "  ", "virtual staging"},
		Message:        "great tool <script>alert(1)</script>overall",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if saved.ID != "fb-1" {
		t.Fatalf("expected stored id, got %q", saved.ID)
	}
	if saved.Email != "agent@example.com" {
		t.Fatalf("unexpected email %q", saved.Email)
	}
	if strings.Contains(saved.Message, "<script>") || strings.Contains(saved.Message, "alert") {
		t.Fatalf("expected script stripped, got %q", saved.Message)
	}
	if len(saved.WantedFeatures) != 2 || saved.WantedFeatures[0] != "batch uploads" {
		t.Fatalf("unexpected features %v", saved.WantedFeatures)
	}

	if len(notices.feedback) != 1 {
		t.Fatalf("expected one notification, got %d", len(notices.feedback))
	}
	if notices.feedback[0].FeedbackID != "fb-1" || notices.feedback[0].Satisfaction != 4 {
		t.Fatalf("unexpected notification %+v", notices.feedback[0])
	}
}

func TestSubmitRejectsOutOfRangeSatisfaction(t *testing.T) {
	svc := newTestFeedbackService(t, FeedbackServiceDeps{Repository: &fakeFeedbackRepo{}})
	ctx := context.Background()

	for _, satisfaction := range []int{0, -1, 6} {
		_, err := svc.Submit(ctx, FeedbackCommand{Satisfaction: satisfaction, Message: "hello"})
		if !errors.Is(err, ErrFeedbackInvalidInput) {
			t.Fatalf("satisfaction %d: expected ErrFeedbackInvalidInput, got %v", satisfaction, err)
		}
	}
}

func TestSubmitTruncatesOversizedMessage(t *testing.T) {
	repo := &fakeFeedbackRepo{}
	svc := newTestFeedbackService(t, FeedbackServiceDeps{Repository: repo})

	saved, err := svc.Submit(context.Background(), FeedbackCommand{
		Satisfaction: 3,
		Message:      strings.Repeat("a", maxFeedbackMessageLength+500),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(saved.Message) != maxFeedbackMessageLength {
		t.Fatalf("expected message truncated to %d, got %d", maxFeedbackMessageLength, len(saved.Message))
	}
}

func TestSubmitSurvivesNotificationFailure(t *testing.T) {
	repo := &fakeFeedbackRepo{}
	notices := &captureNotifications{publishErr: errors.New("topic unavailable")}
	var events []string
	svc := newTestFeedbackService(t, FeedbackServiceDeps{
		Repository:    repo,
		Notifications: notices,
		Logger: func(_ context.Context, event string, _ map[string]any) {
			events = append(events, event)
		},
	})

	if _, err := svc.Submit(context.Background(), FeedbackCommand{Satisfaction: 5, Message: "love it"}); err != nil {
		t.Fatalf("expected publish failure swallowed, got %v", err)
	}
	found := false
	for _, event := range events {
		if event == "feedback.notification_failed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected notification_failed log, got %v", events)
	}
}

func TestSubmitPropagatesStoreFailure(t *testing.T) {
	repo := &fakeFeedbackRepo{createErr: errors.New("firestore unavailable")}
	svc := newTestFeedbackService(t, FeedbackServiceDeps{Repository: repo})

	if _, err := svc.Submit(context.Background(), FeedbackCommand{Satisfaction: 5, Message: "hi"}); err == nil {
		t.Fatal("expected store failure to surface")
	}
}
