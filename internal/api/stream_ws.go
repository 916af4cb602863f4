package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// DeliveryStreamHandler handles GET /v1/admin/webhook-deliveries/stream.
// It upgrades to WebSocket and relays live delivery updates for one
// subscription (?subscriptionId=...) from the event broker.
func (s *Server) DeliveryStreamHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	subID := r.URL.Query().Get("subscriptionId")
	if subID == "" {
		writeProblem(w, http.StatusBadRequest, "subscriptionId required", "", r.URL.Path)
		return
	}
	// Scope check before upgrading: the subscription must belong to the tenant.
	if _, err := s.Store.GetSubscription(r.Context(), p.Tenant, subID); err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ch := s.Broker.Subscribe(subID)
	done := make(chan struct{})

	// Reader goroutine: consume control frames, detect close.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()
	defer s.Broker.Unsubscribe(subID, ch)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
