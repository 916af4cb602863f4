package webhooks

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/PiwnicaQuest/tms-system-sub003/internal/metrics"
	"github.com/PiwnicaQuest/tms-system-sub003/internal/model"
	"github.com/PiwnicaQuest/tms-system-sub003/internal/store"
)

var (
	ErrAlreadyDelivered   = errors.New("delivery already succeeded")
	ErrSubscriberInactive = errors.New("subscription is inactive")
)

// FeedEvent is broadcast after each pipeline reaches a terminal state, for
// live admin views.
type FeedEvent struct {
	DeliveryID     string `json:"deliveryId"`
	SubscriptionID string `json:"subscriptionId"`
	EventType      string `json:"eventType"`
	Status         string `json:"status"`
	StatusCode     int    `json:"statusCode,omitempty"`
	Attempts       int    `json:"attempts"`
}

// FeedFunc receives terminal delivery updates. May be nil.
type FeedFunc func(FeedEvent)

// Dispatcher fans one event occurrence out to every active subscription of
// the owning tenant. Each subscriber gets an independent pipeline; one slow
// or failing endpoint never blocks a sibling or the caller.
type Dispatcher struct {
	Store store.Store
	Sched *Scheduler
	Feed  FeedFunc

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewDispatcher(s store.Store, sched *Scheduler) *Dispatcher {
	return &Dispatcher{Store: s, Sched: sched, limiters: map[string]*rate.Limiter{}}
}

// Dispatch is the trigger interface consumed by the business layer. It
// returns immediately; the fan-out runs on its own goroutine with a
// detached context, and failures surface only on the delivery records. The
// caller's transaction must already have committed.
func (d *Dispatcher) Dispatch(tenantID, eventType string, data any) {
	go d.fanOut(context.Background(), tenantID, eventType, data)
}

// fanOut resolves the subscriber list and runs one pipeline per match,
// waiting for all of them. Exposed to Dispatch via goroutine and called
// directly in tests.
func (d *Dispatcher) fanOut(ctx context.Context, tenantID, eventType string, data any) {
	if !ValidEvent(eventType) {
		log.Printf("webhooks: dropping unknown event type %q for tenant %s", eventType, tenantID)
		return
	}
	subs, err := d.Store.GetSubscriptionsForEvent(ctx, tenantID, eventType)
	if err != nil {
		log.Printf("webhooks: subscription lookup failed for %s/%s: %v", tenantID, eventType, err)
		return
	}
	if len(subs) == 0 {
		return
	}
	_, body, sentAt, err := NewEnvelope(eventType, data)
	if err != nil {
		log.Printf("webhooks: envelope for %s/%s: %v", tenantID, eventType, err)
		return
	}
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub model.Subscription) {
			defer wg.Done()
			if _, err := d.deliver(ctx, sub, eventType, body, sentAt, ""); err != nil {
				log.Printf("webhooks: delivery pipeline for sub %s: %v", sub.ID, err)
			}
		}(sub)
	}
	wg.Wait()
}

// deliver runs one full pipeline: create the pending record, sign, execute
// the retry schedule, persist the outcome. deliveryID may be preset (test
// deliveries); otherwise a fresh id is assigned.
func (d *Dispatcher) deliver(ctx context.Context, sub model.Subscription, eventType string, body []byte, sentAt time.Time, deliveryID string) (store.WebhookDelivery, error) {
	if deliveryID == "" {
		deliveryID = uuid.New().String()
	}
	rec := store.WebhookDelivery{
		ID:             deliveryID,
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		EventType:      eventType,
		Payload:        body,
		SentAt:         sentAt,
	}
	if err := d.Store.CreateDelivery(ctx, rec); err != nil {
		return store.WebhookDelivery{}, err
	}
	sig := Sign(sub.Secret, body)
	if lim := d.limiter(sub); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return store.WebhookDelivery{}, err
		}
	}
	res := d.Sched.Execute(ctx, sub, eventType, body, sig, sentAt)
	return d.record(ctx, sub.TenantID, deliveryID, sub.ID, eventType, res, res.Attempts)
}

// record persists a scheduler result and publishes metrics and the feed
// event. attempts is the cumulative count to store.
func (d *Dispatcher) record(ctx context.Context, tenantID, deliveryID, subscriptionID, eventType string, res Result, attempts int) (store.WebhookDelivery, error) {
	var deliveredAt *time.Time
	if res.Outcome.Delivered() {
		now := time.Now().UTC()
		deliveredAt = &now
	}
	err := d.Store.MarkDeliveryAttempt(ctx, deliveryID, res.Outcome.Delivered(), attempts,
		res.Outcome.StatusCode, res.Outcome.Body, res.Outcome.Err, res.Outcome.LatencyMs, deliveredAt)
	if err != nil {
		return store.WebhookDelivery{}, err
	}
	status := "failed"
	if res.Outcome.Delivered() {
		status = "delivered"
	}
	metrics.WebhookDeliveries.WithLabelValues(eventType, status).Inc()
	metrics.WebhookLatency.WithLabelValues(eventType, status).Observe(float64(res.Outcome.LatencyMs))
	if d.Feed != nil {
		d.Feed(FeedEvent{
			DeliveryID:     deliveryID,
			SubscriptionID: subscriptionID,
			EventType:      eventType,
			Status:         status,
			StatusCode:     res.Outcome.StatusCode,
			Attempts:       attempts,
		})
	}
	rec, err := d.Store.GetDelivery(ctx, tenantID, deliveryID)
	if err != nil {
		return store.WebhookDelivery{}, err
	}
	return rec, nil
}

// RetryDelivery re-runs the schedule for a failed delivery against the same
// frozen payload, accumulating the attempt counter. Operator-initiated and
// synchronous, so errors propagate.
func (d *Dispatcher) RetryDelivery(ctx context.Context, tenantID, deliveryID string) (store.WebhookDelivery, error) {
	rec, err := d.Store.GetDelivery(ctx, tenantID, deliveryID)
	if err != nil {
		return store.WebhookDelivery{}, err
	}
	if rec.Success != nil && *rec.Success {
		return store.WebhookDelivery{}, ErrAlreadyDelivered
	}
	sub, err := d.Store.GetSubscription(ctx, rec.TenantID, rec.SubscriptionID)
	if err != nil {
		return store.WebhookDelivery{}, err
	}
	if !sub.Active {
		return store.WebhookDelivery{}, ErrSubscriberInactive
	}
	sig := Sign(sub.Secret, rec.Payload)
	res := d.Sched.Execute(ctx, sub, rec.EventType, rec.Payload, sig, rec.SentAt)
	return d.record(ctx, rec.TenantID, rec.ID, sub.ID, rec.EventType, res, rec.Attempts+res.Attempts)
}

// SendTest delivers a synthetic "test" event through the ordinary pipeline,
// validating connectivity and signature setup end to end.
func (d *Dispatcher) SendTest(ctx context.Context, tenantID, subscriptionID string) (store.WebhookDelivery, error) {
	sub, err := d.Store.GetSubscription(ctx, tenantID, subscriptionID)
	if err != nil {
		return store.WebhookDelivery{}, err
	}
	if !sub.Active {
		return store.WebhookDelivery{}, ErrSubscriberInactive
	}
	data := map[string]any{
		"message":        "webhook connectivity test",
		"subscriptionId": sub.ID,
	}
	_, body, sentAt, err := NewEnvelope(EventTest, data)
	if err != nil {
		return store.WebhookDelivery{}, err
	}
	return d.deliver(ctx, sub, EventTest, body, sentAt, "")
}

// limiter returns the per-subscription outbound rate limiter, or nil when
// the subscription is unlimited.
func (d *Dispatcher) limiter(sub model.Subscription) *rate.Limiter {
	if sub.RateLimitPerSec <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.limiters[sub.ID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(sub.RateLimitPerSec), sub.RateLimitPerSec)
		d.limiters[sub.ID] = lim
	}
	return lim
}
