package store

import (
	"context"
	"errors"
	"time"

	"github.com/PiwnicaQuest/tms-system-sub003/internal/model"
)

// Store is the persistence interface used by the API server and the
// delivery engine. Each delivery pipeline mutates exactly one record by id,
// so atomic update-by-id is the only concurrency requirement.
type Store interface {
	// Subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest, secret string) (model.Subscription, error)
	GetSubscription(ctx context.Context, tenantID, id string) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error)
	PatchSubscription(ctx context.Context, tenantID, id string, patch model.SubscriptionPatch) (model.Subscription, error)
	// DeleteSubscription cascades: the subscription's delivery records go with it.
	DeleteSubscription(ctx context.Context, tenantID, id string) error

	// Webhook deliveries
	CreateDelivery(ctx context.Context, d WebhookDelivery) error
	GetDelivery(ctx context.Context, tenantID, id string) (WebhookDelivery, error)
	// MarkDeliveryAttempt records the final state of one scheduler run.
	// attempts is the new cumulative count; success drives the tri-state flag
	// and deliveredAt.
	MarkDeliveryAttempt(ctx context.Context, id string, success bool, attempts int, statusCode int, responseBody, lastError string, latencyMs int, deliveredAt *time.Time) error
	ListDeliveries(ctx context.Context, tenantID, subscriptionID, status, cursor string, limit int) ([]WebhookDelivery, string, error)
}

var ErrNotFound = errors.New("not found")
