package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PiwnicaQuest/tms-system-sub003/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu         sync.Mutex
	subs       map[string][]model.Subscription // tenant -> subscriptions
	deliveries map[string]*WebhookDelivery     // id -> record
	byTenant   map[string][]string             // tenant -> delivery ids, insertion order
}

func NewMemory() *Memory {
	return &Memory{
		subs:       map[string][]model.Subscription{},
		deliveries: map[string]*WebhookDelivery{},
		byTenant:   map[string][]string{},
	}
}

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest, secret string) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{
		ID:              uuid.New().String(),
		TenantID:        req.TenantID,
		URL:             req.URL,
		Secret:          secret,
		Events:          req.Events,
		Active:          true,
		Headers:         req.Headers,
		RateLimitPerSec: req.RateLimitPerSec,
	}
	m.subs[req.TenantID] = append(m.subs[req.TenantID], s)
	return s, nil
}

func (m *Memory) GetSubscription(ctx context.Context, tenantID, id string) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs[tenantID] {
		if s.ID == id {
			return s, nil
		}
	}
	return model.Subscription{}, ErrNotFound
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs[tenantID] {
		if s.Active && slices.Contains(s.Events, eventType) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subs[tenantID]
	start := 0
	if cursor != "" {
		for i, s := range list {
			if s.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(list) {
		end = len(list)
	}
	items := append([]model.Subscription(nil), list[start:end]...)
	next := ""
	if end < len(list) && len(items) > 0 {
		next = items[len(items)-1].ID
	}
	return items, next, nil
}

func (m *Memory) PatchSubscription(ctx context.Context, tenantID, id string, patch model.SubscriptionPatch) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	arr := m.subs[tenantID]
	for i, s := range arr {
		if s.ID == id {
			if patch.Active != nil {
				s.Active = *patch.Active
			}
			arr[i] = s
			return s, nil
		}
	}
	return model.Subscription{}, ErrNotFound
}

// DeleteSubscription removes the subscription and explicitly cleans up its
// delivery records (cascade rule lives here, not in the storage engine).
func (m *Memory) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	arr := m.subs[tenantID]
	out := make([]model.Subscription, 0, len(arr))
	found := false
	for _, s := range arr {
		if s.ID == id {
			found = true
			continue
		}
		out = append(out, s)
	}
	if !found {
		return ErrNotFound
	}
	m.subs[tenantID] = out
	ids := m.byTenant[tenantID]
	kept := ids[:0]
	for _, did := range ids {
		if d := m.deliveries[did]; d != nil && d.SubscriptionID == id {
			delete(m.deliveries, did)
			continue
		}
		kept = append(kept, did)
	}
	m.byTenant[tenantID] = kept
	return nil
}

func (m *Memory) CreateDelivery(ctx context.Context, d WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	cp := d
	m.deliveries[d.ID] = &cp
	m.byTenant[d.TenantID] = append(m.byTenant[d.TenantID], d.ID)
	return nil
}

func (m *Memory) GetDelivery(ctx context.Context, tenantID, id string) (WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.TenantID != tenantID {
		return WebhookDelivery{}, ErrNotFound
	}
	return *d, nil
}

func (m *Memory) MarkDeliveryAttempt(ctx context.Context, id string, success bool, attempts int, statusCode int, responseBody, lastError string, latencyMs int, deliveredAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	ok2 := success
	d.Success = &ok2
	d.Attempts = attempts
	d.StatusCode = statusCode
	d.ResponseBody = responseBody
	d.LastError = lastError
	d.LatencyMs = latencyMs
	d.DeliveredAt = deliveredAt
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ListDeliveries(ctx context.Context, tenantID, subscriptionID, status, cursor string, limit int) ([]WebhookDelivery, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byTenant[tenantID]
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	out := []WebhookDelivery{}
	next := ""
	for i := start; i < len(ids) && len(out) < limit; i++ {
		d := m.deliveries[ids[i]]
		if d == nil {
			continue
		}
		if subscriptionID != "" && d.SubscriptionID != subscriptionID {
			continue
		}
		if status != "" && d.Status() != status {
			continue
		}
		out = append(out, *d)
		next = d.ID
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, nil
}
