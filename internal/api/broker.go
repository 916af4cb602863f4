package api

import (
	"sync"
)

// DeliveryEvent is a live update about one webhook delivery, fanned out to
// dashboard streams keyed by subscription id.
type DeliveryEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// EventBroker publishes delivery updates to per-subscription listeners.
type EventBroker interface {
	Subscribe(subscriptionID string) chan DeliveryEvent
	Unsubscribe(subscriptionID string, ch chan DeliveryEvent)
	Publish(subscriptionID string, evt DeliveryEvent)
}

// Broker is the in-process EventBroker used when no REDIS_URL is set.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan DeliveryEvent]struct{} // subscriptionId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan DeliveryEvent]struct{}{}}
}

func (b *Broker) Subscribe(subscriptionID string) chan DeliveryEvent {
	ch := make(chan DeliveryEvent, 8)
	b.mu.Lock()
	if b.subs[subscriptionID] == nil {
		b.subs[subscriptionID] = map[chan DeliveryEvent]struct{}{}
	}
	b.subs[subscriptionID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(subscriptionID string, ch chan DeliveryEvent) {
	b.mu.Lock()
	if m := b.subs[subscriptionID]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, subscriptionID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

func (b *Broker) Publish(subscriptionID string, evt DeliveryEvent) {
	b.mu.Lock()
	m := b.subs[subscriptionID]
	for ch := range m {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}
