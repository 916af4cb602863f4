package store

import "time"

// WebhookDelivery is the persisted audit record for one subscriber's
// attempts to receive one event occurrence. Payload is a snapshot frozen at
// dispatch time; retries resend it byte-identical.
type WebhookDelivery struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenantId"`
	SubscriptionID string     `json:"subscriptionId"`
	EventType      string     `json:"eventType"`
	Payload        []byte     `json:"-"`
	SentAt         time.Time  `json:"sentAt"`
	Success        *bool      `json:"success"` // nil until the first attempt sequence finishes
	StatusCode     int        `json:"statusCode,omitempty"`
	ResponseBody   string     `json:"responseBody,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	Attempts       int        `json:"attempts"`
	LatencyMs      int        `json:"latencyMs,omitempty"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Status derives the operator-facing lifecycle state from the tri-state
// success flag.
func (d WebhookDelivery) Status() string {
	switch {
	case d.Success == nil:
		return "pending"
	case *d.Success:
		return "delivered"
	default:
		return "failed"
	}
}
