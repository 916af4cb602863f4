// Package api implements HTTP handlers and helpers for the webhook delivery service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/PiwnicaQuest/tms-system-sub003/internal/model"
	"github.com/PiwnicaQuest/tms-system-sub003/internal/store"
	"github.com/PiwnicaQuest/tms-system-sub003/internal/webhooks"
)

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req model.SubscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		req.TenantID = p.Tenant
		if err := validateSubscriptionRequest(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid subscription", err.Error(), r.URL.Path)
			return
		}
		secret, err := webhooks.GenerateSecret()
		if err != nil {
			writeProblem(w, 500, "Secret generation failed", err.Error(), r.URL.Path)
			return
		}
		sub, err := s.Store.CreateSubscription(r.Context(), req, secret)
		if err != nil {
			writeProblem(w, 500, "Create subscription failed", err.Error(), r.URL.Path)
			return
		}
		// The only response that ever carries the secret.
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListSubscriptions(r.Context(), p.Tenant, cursor, limit)
		if err != nil {
			writeProblem(w, 500, "List subscriptions failed", err.Error(), r.URL.Path)
			return
		}
		out := make([]model.Subscription, 0, len(items))
		for _, it := range items {
			out = append(out, it.Redacted())
		}
		writeJSON(w, 200, map[string]any{"items": out, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionByIDHandler handles /v1/subscriptions/{id} and /v1/subscriptions/{id}/test
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if rest == "" {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	if id, ok := strings.CutSuffix(rest, "/test"); ok {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rec, err := s.Dispatcher.SendTest(r.Context(), p.Tenant, id)
		if err != nil {
			s.writeDispatchError(w, r, err)
			return
		}
		writeJSON(w, 200, deliveryView(rec))
		return
	}
	id := rest
	switch r.Method {
	case http.MethodGet:
		sub, err := s.Store.GetSubscription(r.Context(), p.Tenant, id)
		if err != nil {
			s.writeDispatchError(w, r, err)
			return
		}
		writeJSON(w, 200, sub.Redacted())
	case http.MethodPatch:
		var patch model.SubscriptionPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		sub, err := s.Store.PatchSubscription(r.Context(), p.Tenant, id, patch)
		if err != nil {
			s.writeDispatchError(w, r, err)
			return
		}
		writeJSON(w, 200, sub.Redacted())
	case http.MethodDelete:
		if err := s.Store.DeleteSubscription(r.Context(), p.Tenant, id); err != nil {
			s.writeDispatchError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// EventsHandler handles POST /v1/events — the trigger interface for the
// business layer. The response never waits on delivery pipelines.
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !(p.IsAdmin() || p.Role == "dispatcher") {
		writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	var req struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if !webhooks.ValidEvent(req.Event) {
		writeProblem(w, http.StatusBadRequest, "Unknown event", req.Event, r.URL.Path)
		return
	}
	if err := model.ValidateEventData(req.Event, req.Data); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid event data", err.Error(), r.URL.Path)
		return
	}
	s.Dispatcher.Dispatch(p.Tenant, req.Event, req.Data)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

// WebhookDeliveriesHandler handles GET /v1/admin/webhook-deliveries
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, next, err := s.Store.ListDeliveries(r.Context(), p.Tenant, q.Get("subscriptionId"), q.Get("status"), q.Get("cursor"), limit)
	if err != nil {
		writeProblem(w, 500, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	out := make([]map[string]any, 0, len(items))
	for _, d := range items {
		out = append(out, deliveryView(d))
	}
	writeJSON(w, 200, map[string]any{"items": out, "nextCursor": next})
}

// WebhookDeliveryRetryHandler handles /v1/admin/webhook-deliveries/{id} and
// /v1/admin/webhook-deliveries/{id}/retry
func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/")
	if id, ok := strings.CutSuffix(rest, "/retry"); ok {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rec, err := s.Dispatcher.RetryDelivery(r.Context(), p.Tenant, id)
		if err != nil {
			s.writeDispatchError(w, r, err)
			return
		}
		writeJSON(w, 200, deliveryView(rec))
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rec, err := s.Store.GetDelivery(r.Context(), p.Tenant, rest)
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, 200, deliveryView(rec))
}

// EventTypesHandler handles GET /v1/event-types (the closed enumeration, for UIs)
func (s *Server) EventTypesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, 200, map[string]any{"items": webhooks.EventTypes()})
}

// HealthHandler reports process liveness.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]any{"status": "ok"})
}

// ReadyHandler reports readiness (store reachable).
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if pg, ok := s.Store.(interface{ Ping(context.Context) error }); ok {
		if err := pg.Ping(r.Context()); err != nil {
			writeProblem(w, 503, "Not ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, 200, map[string]any{"status": "ready"})
}

// writeDispatchError maps engine/store sentinel errors onto problem responses.
func (s *Server) writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
	case errors.Is(err, webhooks.ErrAlreadyDelivered):
		writeProblem(w, 409, "Already delivered", err.Error(), r.URL.Path)
	case errors.Is(err, webhooks.ErrSubscriberInactive):
		writeProblem(w, 409, "Subscription inactive", err.Error(), r.URL.Path)
	default:
		writeProblem(w, 500, "Internal error", err.Error(), r.URL.Path)
	}
}

// deliveryView renders a delivery record for API responses, with the derived
// status and the frozen payload inlined as JSON.
func deliveryView(d store.WebhookDelivery) map[string]any {
	out := map[string]any{
		"id":             d.ID,
		"subscriptionId": d.SubscriptionID,
		"eventType":      d.EventType,
		"status":         d.Status(),
		"attempts":       d.Attempts,
		"sentAt":         d.SentAt,
		"createdAt":      d.CreatedAt,
		"updatedAt":      d.UpdatedAt,
	}
	if d.Success != nil {
		out["success"] = *d.Success
	}
	if d.StatusCode != 0 {
		out["statusCode"] = d.StatusCode
	}
	if d.ResponseBody != "" {
		out["responseBody"] = d.ResponseBody
	}
	if d.LastError != "" {
		out["lastError"] = d.LastError
	}
	if d.LatencyMs != 0 {
		out["latencyMs"] = d.LatencyMs
	}
	if d.DeliveredAt != nil {
		out["deliveredAt"] = d.DeliveredAt
	}
	if len(d.Payload) > 0 {
		out["payload"] = json.RawMessage(d.Payload)
	}
	return out
}
