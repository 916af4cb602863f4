package model

// Domain types for the webhook delivery engine. The business CRUD modules
// (orders, drivers, vehicles, invoicing) live elsewhere; only the event
// payload shapes they emit are modeled here.

// SubscriptionRequest is the create payload for a webhook subscription.
// The signing secret is always generated server-side; a client-supplied
// value is ignored.
type SubscriptionRequest struct {
	TenantID string            `json:"tenantId"`
	URL      string            `json:"url"`
	Events   []string          `json:"events"`
	Headers  map[string]string `json:"headers,omitempty"`
	// RateLimitPerSec caps outbound attempts per second to this endpoint; 0 = unlimited.
	RateLimitPerSec int `json:"rateLimitPerSec,omitempty"`
}

// Subscription is a tenant-configured external endpoint registered to
// receive webhook events. Secret is set once at creation, returned only in
// the create response, and otherwise read internally for signing.
type Subscription struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenantId"`
	URL             string            `json:"url"`
	Secret          string            `json:"secret,omitempty"`
	Events          []string          `json:"events"`
	Active          bool              `json:"active"`
	Headers         map[string]string `json:"headers,omitempty"`
	RateLimitPerSec int               `json:"rateLimitPerSec,omitempty"`
}

// Redacted returns a copy safe for list/read responses (secret stripped).
func (s Subscription) Redacted() Subscription {
	s.Secret = ""
	return s
}

// SubscriptionPatch carries mutable subscription fields.
type SubscriptionPatch struct {
	Active *bool `json:"active,omitempty"`
}

// Event payload shapes, one per event family. Producers build these; the
// trigger endpoint validates inbound JSON against the matching shape before
// anything enters the delivery pipeline.

type OrderEventData struct {
	OrderID     string         `json:"orderId"`
	ExternalRef string         `json:"externalRef,omitempty"`
	Status      string         `json:"status,omitempty"`
	PrevStatus  string         `json:"prevStatus,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

type AssignmentEventData struct {
	OrderID    string `json:"orderId"`
	DriverID   string `json:"driverId,omitempty"`
	VehicleID  string `json:"vehicleId,omitempty"`
	AssignedAt string `json:"assignedAt,omitempty"`
}

type InvoiceEventData struct {
	InvoiceID string  `json:"invoiceId"`
	OrderID   string  `json:"orderId,omitempty"`
	Amount    float64 `json:"amount,omitempty"`
	Currency  string  `json:"currency,omitempty"`
	Status    string  `json:"status,omitempty"`
}

type DriverEventData struct {
	DriverID string         `json:"driverId"`
	Changes  map[string]any `json:"changes,omitempty"`
}

type VehicleEventData struct {
	VehicleID string         `json:"vehicleId"`
	Changes   map[string]any `json:"changes,omitempty"`
}
