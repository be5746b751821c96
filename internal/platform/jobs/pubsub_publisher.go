package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/aurix-studio/api/internal/services"
)

// PubSubNotificationPublisher publishes feedback and billing reconciliation
// notices to their Pub/Sub topics.
type PubSubNotificationPublisher struct {
	feedbackTopic       *pubsub.Topic
	reconciliationTopic *pubsub.Topic
	marshal             func(any) ([]byte, error)
}

// NewPubSubNotificationPublisher constructs a Pub/Sub backed notification publisher.
func NewPubSubNotificationPublisher(feedbackTopic, reconciliationTopic *pubsub.Topic) (*PubSubNotificationPublisher, error) {
	if feedbackTopic == nil && reconciliationTopic == nil {
		return nil, errors.New("pubsub notification publisher: at least one topic is required")
	}
	return &PubSubNotificationPublisher{
		feedbackTopic:       feedbackTopic,
		reconciliationTopic: reconciliationTopic,
		marshal:             json.Marshal,
	}, nil
}

// PublishFeedback enqueues a survey submission on the feedback topic.
func (p *PubSubNotificationPublisher) PublishFeedback(ctx context.Context, message services.FeedbackNotification) (string, error) {
	if p == nil || p.feedbackTopic == nil {
		return "", errors.New("pubsub notification publisher: feedback topic not configured")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal feedback notification: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "feedbackId", message.FeedbackID)
	setAttr(attrs, "satisfaction", fmt.Sprintf("%d", message.Satisfaction))

	return p.publish(ctx, p.feedbackTopic, data, attrs, "feedback notification")
}

// PublishReconciliation enqueues an unresolved webhook notice on the
// reconciliation topic.
func (p *PubSubNotificationPublisher) PublishReconciliation(ctx context.Context, message services.ReconciliationNotice) (string, error) {
	if p == nil || p.reconciliationTopic == nil {
		return "", errors.New("pubsub notification publisher: reconciliation topic not configured")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal reconciliation notice: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventId", message.EventID)
	setAttr(attrs, "eventType", message.EventType)
	setAttr(attrs, "customerId", message.CustomerID)

	return p.publish(ctx, p.reconciliationTopic, data, attrs, "reconciliation notice")
}

func (p *PubSubNotificationPublisher) publish(ctx context.Context, topic *pubsub.Topic, data []byte, attrs map[string]string, kind string) (string, error) {
	result := topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", kind, err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
