package jobs

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/aurix-studio/api/internal/services"
)

func newTestClient(t *testing.T, srv *pstest.Server) *pubsub.Client {
	t.Helper()
	client, err := pubsub.NewClient(context.Background(), "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func TestPubSubNotificationPublisherPublishesFeedback(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client := newTestClient(t, srv)

	topic, err := client.CreateTopic(ctx, "feedback")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubNotificationPublisher(topic, nil)
	if err != nil {
		t.Fatalf("NewPubSubNotificationPublisher: %v", err)
	}

	msg := services.FeedbackNotification{
		FeedbackID:   "fb_01",
		Email:        "agent@example.com",
		Satisfaction: 4,
		Message:      "sky replacement is great",
	}

	if _, err := publisher.PublishFeedback(ctx, msg); err != nil {
		t.Fatalf("PublishFeedback: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.FeedbackNotification
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.FeedbackID != msg.FeedbackID || payload.Satisfaction != msg.Satisfaction {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["feedbackId"]; attr != "fb_01" {
		t.Fatalf("expected feedbackId attribute, got %q", attr)
	}
}

func TestPubSubNotificationPublisherPublishesReconciliation(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client := newTestClient(t, srv)

	topic, err := client.CreateTopic(ctx, "billing-reconciliation")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubNotificationPublisher(nil, topic)
	if err != nil {
		t.Fatalf("NewPubSubNotificationPublisher: %v", err)
	}

	notice := services.ReconciliationNotice{
		EventID:    "evt_123",
		EventType:  "invoice.payment_succeeded",
		CustomerID: "cus_42",
		Reason:     "no entitlement record or metadata match",
	}

	if _, err := publisher.PublishReconciliation(ctx, notice); err != nil {
		t.Fatalf("PublishReconciliation: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if attr := messages[0].Attributes["eventId"]; attr != "evt_123" {
		t.Fatalf("expected eventId attribute, got %q", attr)
	}
}

func TestPubSubNotificationPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubNotificationPublisher(nil, nil); err == nil {
		t.Fatal("expected error for missing topics")
	}

	publisher := &PubSubNotificationPublisher{marshal: json.Marshal}
	if _, err := publisher.PublishFeedback(context.Background(), services.FeedbackNotification{}); err == nil {
		t.Fatal("expected error when feedback topic is not configured")
	}
}
