package api

import (
	"testing"
	"time"

	"github.com/PiwnicaQuest/tms-system-sub003/internal/webhooks"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("sub1")
	defer b.Unsubscribe("sub1", ch)

	b.Publish("sub1", DeliveryEvent{Type: "delivery.delivered", Data: map[string]any{"deliveryId": "d1"}})
	select {
	case evt := <-ch:
		if evt.Type != "delivery.delivered" || evt.Data["deliveryId"] != "d1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestBrokerScopedBySubscription(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("sub1")
	defer b.Unsubscribe("sub1", ch)

	b.Publish("sub2", DeliveryEvent{Type: "delivery.failed"})
	select {
	case evt := <-ch:
		t.Fatalf("received event for another subscription: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("sub1")
	b.Unsubscribe("sub1", ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
	// publishing after unsubscribe must not panic
	b.Publish("sub1", DeliveryEvent{Type: "delivery.delivered"})
}

func TestBrokerDropsWhenListenerFull(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("sub1")
	defer b.Unsubscribe("sub1", ch)
	for i := 0; i < 20; i++ {
		b.Publish("sub1", DeliveryEvent{Type: "delivery.delivered"})
	}
	// buffered at 8; the rest are dropped rather than blocking the publisher
	if n := len(ch); n != 8 {
		t.Fatalf("expected full buffer of 8, got %d", n)
	}
}

func TestFeedToBrokerRelaysTerminalUpdates(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("sub1")
	defer b.Unsubscribe("sub1", ch)

	feed := feedToBroker(b)
	feed(webhooks.FeedEvent{
		DeliveryID:     "d1",
		SubscriptionID: "sub1",
		EventType:      "order.created",
		Status:         "failed",
		StatusCode:     503,
		Attempts:       3,
	})

	select {
	case evt := <-ch:
		if evt.Type != "delivery.failed" {
			t.Fatalf("type: %q", evt.Type)
		}
		if evt.Data["deliveryId"] != "d1" || evt.Data["attempts"] != 3 {
			t.Fatalf("data: %+v", evt.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no event relayed")
	}
}
