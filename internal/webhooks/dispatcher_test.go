package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PiwnicaQuest/tms-system-sub003/internal/model"
	"github.com/PiwnicaQuest/tms-system-sub003/internal/store"
)

func newTestDispatcher(s store.Store, client *http.Client) *Dispatcher {
	sched := &Scheduler{
		Exec:         &Executor{HTTP: client},
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Sleep:        func(time.Duration) {},
	}
	return NewDispatcher(s, sched)
}

func createSub(t *testing.T, mem *store.Memory, url string, events []string) model.Subscription {
	t.Helper()
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	sub, err := mem.CreateSubscription(context.Background(), model.SubscriptionRequest{
		TenantID: "t1", URL: url, Events: events,
	}, secret)
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	return sub
}

func listDeliveries(t *testing.T, mem *store.Memory, tenantID string) []store.WebhookDelivery {
	t.Helper()
	items, _, err := mem.ListDeliveries(context.Background(), tenantID, "", "", "", 100)
	if err != nil {
		t.Fatalf("ListDeliveries: %v", err)
	}
	return items
}

func TestDispatchEndToEndSuccess(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	sub := createSub(t, mem, srv.URL, []string{EventOrderCreated})
	d := newTestDispatcher(mem, srv.Client())

	d.fanOut(context.Background(), "t1", EventOrderCreated, map[string]any{"orderId": "o1"})

	items := listDeliveries(t, mem, "t1")
	if len(items) != 1 {
		t.Fatalf("expected 1 delivery record, got %d", len(items))
	}
	rec := items[0]
	if rec.SubscriptionID != sub.ID || rec.EventType != EventOrderCreated {
		t.Fatalf("record mismatch: %+v", rec)
	}
	if rec.Attempts != 1 || rec.Success == nil || !*rec.Success || rec.StatusCode != 200 {
		t.Fatalf("expected attempts=1 success=200, got %+v", rec)
	}
	if rec.DeliveredAt == nil {
		t.Fatal("deliveredAt not set")
	}
	if !Verify(sub.Secret, gotBody, gotSig) {
		t.Fatal("transmitted signature does not verify against transmitted body")
	}
	var env Envelope
	if err := json.Unmarshal(gotBody, &env); err != nil {
		t.Fatalf("envelope unmarshal: %v", err)
	}
	if env.Event != EventOrderCreated || env.Timestamp == "" {
		t.Fatalf("bad envelope: %+v", env)
	}
}

func TestDispatchExhaustedRetries(t *testing.T) {
	var calls int32
	bodies := make(map[string]int)
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies[string(b)]++
		mu.Unlock()
		w.WriteHeader(503)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	createSub(t, mem, srv.URL, []string{EventInvoicePaid})
	d := newTestDispatcher(mem, srv.Client())

	d.fanOut(context.Background(), "t1", EventInvoicePaid, map[string]any{"invoiceId": "i1"})

	items := listDeliveries(t, mem, "t1")
	if len(items) != 1 {
		t.Fatalf("expected 1 record, got %d", len(items))
	}
	rec := items[0]
	if rec.Attempts != 3 || rec.Success == nil || *rec.Success {
		t.Fatalf("expected attempts=3 failed, got %+v", rec)
	}
	if rec.LastError == "" || rec.StatusCode != 503 {
		t.Fatalf("expected error and status captured, got %+v", rec)
	}
	if rec.DeliveredAt != nil {
		t.Fatal("deliveredAt set on failed delivery")
	}
	// all three attempts resent byte-identical content
	if len(bodies) != 1 {
		t.Fatalf("expected identical bodies across attempts, saw %d variants", len(bodies))
	}
	for _, n := range bodies {
		if n != 3 {
			t.Fatalf("expected 3 identical sends, got %d", n)
		}
	}
}

func TestDispatchSkipsInactiveAndUnsubscribed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer srv.Close()

	mem := store.NewMemory()
	inactive := createSub(t, mem, srv.URL, []string{EventOrderCreated})
	off := false
	if _, err := mem.PatchSubscription(context.Background(), "t1", inactive.ID, model.SubscriptionPatch{Active: &off}); err != nil {
		t.Fatalf("PatchSubscription: %v", err)
	}
	createSub(t, mem, srv.URL, []string{EventInvoicePaid}) // not subscribed to order.created

	d := newTestDispatcher(mem, srv.Client())
	d.fanOut(context.Background(), "t1", EventOrderCreated, map[string]any{"orderId": "o1"})

	if items := listDeliveries(t, mem, "t1"); len(items) != 0 {
		t.Fatalf("expected no delivery records, got %d", len(items))
	}
}

func TestDispatchIsolatesFailingSubscriber(t *testing.T) {
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer okSrv.Close()
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer badSrv.Close()

	mem := store.NewMemory()
	good := createSub(t, mem, okSrv.URL, []string{EventOrderStatusChanged})
	bad := createSub(t, mem, badSrv.URL, []string{EventOrderStatusChanged})

	d := newTestDispatcher(mem, http.DefaultClient)
	d.fanOut(context.Background(), "t1", EventOrderStatusChanged, map[string]any{"orderId": "o2", "status": "in_transit"})

	items := listDeliveries(t, mem, "t1")
	if len(items) != 2 {
		t.Fatalf("expected 2 records, got %d", len(items))
	}
	bySub := map[string]store.WebhookDelivery{}
	for _, it := range items {
		bySub[it.SubscriptionID] = it
	}
	g := bySub[good.ID]
	if g.Success == nil || !*g.Success {
		t.Fatalf("good subscriber not delivered: %+v", g)
	}
	b := bySub[bad.ID]
	if b.Success == nil || *b.Success {
		t.Fatalf("bad subscriber unexpectedly delivered: %+v", b)
	}
}

func TestDispatchUnknownEventIsDropped(t *testing.T) {
	mem := store.NewMemory()
	createSub(t, mem, "http://127.0.0.1:1", []string{EventOrderCreated})
	d := newTestDispatcher(mem, http.DefaultClient)
	d.fanOut(context.Background(), "t1", "order.exploded", map[string]any{"orderId": "o1"})
	if items := listDeliveries(t, mem, "t1"); len(items) != 0 {
		t.Fatalf("expected no records for unknown event, got %d", len(items))
	}
}

func TestRetryDeliveryAccumulatesAttempts(t *testing.T) {
	var healthy atomic.Bool
	var lastBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastBody, _ = io.ReadAll(r.Body)
		if healthy.Load() {
			w.WriteHeader(200)
			return
		}
		w.WriteHeader(503)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	sub := createSub(t, mem, srv.URL, []string{EventOrderAssigned})
	d := newTestDispatcher(mem, srv.Client())
	d.fanOut(context.Background(), "t1", EventOrderAssigned, map[string]any{"orderId": "o1", "driverId": "d1"})

	items := listDeliveries(t, mem, "t1")
	if len(items) != 1 || items[0].Attempts != 3 {
		t.Fatalf("expected exhausted record, got %+v", items)
	}
	firstPayload := append([]byte(nil), items[0].Payload...)

	// operator fixes the endpoint and retries
	healthy.Store(true)
	rec, err := d.RetryDelivery(context.Background(), "t1", items[0].ID)
	if err != nil {
		t.Fatalf("RetryDelivery: %v", err)
	}
	if rec.Attempts != 4 {
		t.Fatalf("expected cumulative attempts=4, got %d", rec.Attempts)
	}
	if rec.Success == nil || !*rec.Success {
		t.Fatalf("expected success after retry, got %+v", rec)
	}
	if string(lastBody) != string(firstPayload) {
		t.Fatal("manual retry did not resend the frozen payload")
	}
	if !Verify(sub.Secret, lastBody, Sign(sub.Secret, firstPayload)) {
		t.Fatal("signature not stable across manual retry")
	}

	// retrying a delivered record is refused without contacting the endpoint
	if _, err := d.RetryDelivery(context.Background(), "t1", rec.ID); !errors.Is(err, ErrAlreadyDelivered) {
		t.Fatalf("expected ErrAlreadyDelivered, got %v", err)
	}
}

func TestRetryDeliveryErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer srv.Close()

	mem := store.NewMemory()
	sub := createSub(t, mem, srv.URL, []string{EventDriverUpdated})
	d := newTestDispatcher(mem, srv.Client())

	if _, err := d.RetryDelivery(context.Background(), "t1", "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	d.fanOut(context.Background(), "t1", EventDriverUpdated, map[string]any{"driverId": "d9"})
	items := listDeliveries(t, mem, "t1")
	if len(items) != 1 {
		t.Fatalf("expected 1 record, got %d", len(items))
	}

	off := false
	if _, err := mem.PatchSubscription(context.Background(), "t1", sub.ID, model.SubscriptionPatch{Active: &off}); err != nil {
		t.Fatalf("PatchSubscription: %v", err)
	}
	if _, err := d.RetryDelivery(context.Background(), "t1", items[0].ID); !errors.Is(err, ErrSubscriberInactive) {
		t.Fatalf("expected ErrSubscriberInactive, got %v", err)
	}
}

func TestSendTest(t *testing.T) {
	var gotEvent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent = r.Header.Get("X-Webhook-Event")
		w.WriteHeader(200)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	sub := createSub(t, mem, srv.URL, []string{EventOrderCreated})
	d := newTestDispatcher(mem, srv.Client())

	rec, err := d.SendTest(context.Background(), "t1", sub.ID)
	if err != nil {
		t.Fatalf("SendTest: %v", err)
	}
	if rec.EventType != EventTest || gotEvent != EventTest {
		t.Fatalf("expected test event, got rec=%q header=%q", rec.EventType, gotEvent)
	}
	if rec.Success == nil || !*rec.Success || rec.Attempts != 1 {
		t.Fatalf("expected delivered test record, got %+v", rec)
	}
	// recorded like any other delivery
	if items := listDeliveries(t, mem, "t1"); len(items) != 1 {
		t.Fatalf("expected test delivery persisted, got %d records", len(items))
	}

	off := false
	if _, err := mem.PatchSubscription(context.Background(), "t1", sub.ID, model.SubscriptionPatch{Active: &off}); err != nil {
		t.Fatalf("PatchSubscription: %v", err)
	}
	if _, err := d.SendTest(context.Background(), "t1", sub.ID); !errors.Is(err, ErrSubscriberInactive) {
		t.Fatalf("expected ErrSubscriberInactive, got %v", err)
	}
}

func TestDispatchFeedPublishesTerminalUpdate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer srv.Close()

	mem := store.NewMemory()
	sub := createSub(t, mem, srv.URL, []string{EventVehicleUpdated})
	d := newTestDispatcher(mem, srv.Client())

	var mu sync.Mutex
	var feed []FeedEvent
	d.Feed = func(evt FeedEvent) {
		mu.Lock()
		feed = append(feed, evt)
		mu.Unlock()
	}
	d.fanOut(context.Background(), "t1", EventVehicleUpdated, map[string]any{"vehicleId": "v1"})

	mu.Lock()
	defer mu.Unlock()
	if len(feed) != 1 {
		t.Fatalf("expected 1 feed event, got %d", len(feed))
	}
	if feed[0].SubscriptionID != sub.ID || feed[0].Status != "delivered" || feed[0].Attempts != 1 {
		t.Fatalf("bad feed event: %+v", feed[0])
	}
}
