// Package main runs a demo WebSocket client for the live delivery feed:
// create a subscription, open the stream, trigger an event, print updates.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Create a subscription pointing at a local sink
	body := []byte(`{"url":"http://localhost:9999/hook","events":["order.created"]}`)
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/subscriptions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "t_demo")
	req.Header.Set("X-Role", "admin")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var sub struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		log.Fatal(err)
	}
	if sub.ID == "" {
		log.Fatal("no subscription id returned")
	}
	log.Printf("Subscription ID: %s", sub.ID)

	// Connect WS
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/admin/webhook-deliveries/stream", RawQuery: "subscriptionId=" + sub.ID}
	hdr := http.Header{}
	hdr.Set("X-Tenant-Id", "t_demo")
	hdr.Set("X-Role", "admin")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m map[string]any
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			out, _ := json.Marshal(m)
			log.Printf("WS <- %s", out)
		}
	}()

	// Trigger an event; the delivery will fail fast (nothing listens on 9999)
	// and the terminal update should arrive on the stream.
	time.Sleep(500 * time.Millisecond)
	evt := []byte(`{"event":"order.created","data":{"orderId":"o1"}}`)
	evtReq, _ := http.NewRequest(http.MethodPost, base+"/v1/events", bytes.NewReader(evt))
	evtReq.Header.Set("Content-Type", "application/json")
	evtReq.Header.Set("X-Tenant-Id", "t_demo")
	evtReq.Header.Set("X-Role", "admin")
	_, _ = http.DefaultClient.Do(evtReq)

	// Wait long enough for the retry schedule to exhaust
	select {
	case <-time.After(10 * time.Second):
	case <-done:
	}
}
