// Package webhooks implements the outbound webhook delivery engine:
// envelope construction, HMAC signing, attempt execution with outcome
// classification, bounded retries with exponential backoff, and tenant
// fan-out to subscribed endpoints.
package webhooks

import (
	"encoding/json"
	"fmt"
	"time"
)

// Closed set of event types the engine dispatches. Extending this list is a
// controlled change; unknown names are rejected before fan-out.
const (
	EventOrderCreated       = "order.created"
	EventOrderUpdated       = "order.updated"
	EventOrderStatusChanged = "order.status_changed"
	EventOrderAssigned      = "order.assigned"
	EventOrderUnassigned    = "order.unassigned"
	EventInvoiceCreated     = "invoice.created"
	EventInvoicePaid        = "invoice.paid"
	EventInvoiceVoided      = "invoice.voided"
	EventDriverUpdated      = "driver.updated"
	EventVehicleUpdated     = "vehicle.updated"
	// EventTest is synthetic, used only for connectivity checks.
	EventTest = "test"
)

var eventTypes = map[string]struct{}{
	EventOrderCreated:       {},
	EventOrderUpdated:       {},
	EventOrderStatusChanged: {},
	EventOrderAssigned:      {},
	EventOrderUnassigned:    {},
	EventInvoiceCreated:     {},
	EventInvoicePaid:        {},
	EventInvoiceVoided:      {},
	EventDriverUpdated:      {},
	EventVehicleUpdated:     {},
	EventTest:               {},
}

// ValidEvent reports whether name is part of the closed event enumeration.
func ValidEvent(name string) bool {
	_, ok := eventTypes[name]
	return ok
}

// EventTypes returns the enumeration for validation/UI purposes.
func EventTypes() []string {
	out := make([]string, 0, len(eventTypes))
	for k := range eventTypes {
		out = append(out, k)
	}
	return out
}

// Envelope is the wire payload. It is marshaled exactly once per delivery;
// retries resend the frozen bytes so the signature stays valid.
type Envelope struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// NewEnvelope builds and freezes the envelope for one event occurrence,
// returning the struct, its canonical bytes, and the dispatch time used in
// the signing context.
func NewEnvelope(event string, data any) (Envelope, []byte, time.Time, error) {
	if !ValidEvent(event) {
		return Envelope{}, nil, time.Time{}, fmt.Errorf("unknown event type: %s", event)
	}
	now := time.Now().UTC()
	env := Envelope{Event: event, Timestamp: now.Format(time.RFC3339), Data: data}
	body, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, nil, time.Time{}, fmt.Errorf("marshal envelope: %w", err)
	}
	return env, body, now, nil
}
