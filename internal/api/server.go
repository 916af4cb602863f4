package api

import (
	"net/http"
	"os"
	"strings"

	"github.com/PiwnicaQuest/tms-system-sub003/internal/auth"
	"github.com/PiwnicaQuest/tms-system-sub003/internal/store"
	"github.com/PiwnicaQuest/tms-system-sub003/internal/webhooks"
)

type Server struct {
	Store      store.Store
	Auth       *auth.Verifier
	Broker     EventBroker
	Dispatcher *webhooks.Dispatcher
}

// NewServer creates a Server. If DATABASE_URL is unset, uses the in-memory store.
func NewServer() (*Server, error) {
	dsn := os.Getenv("DATABASE_URL")
	var s store.Store
	if strings.TrimSpace(dsn) == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		// Run migrations (dev helper)
		if os.Getenv("DB_MIGRATE") != "false" {
			_ = sp.MigrateDir("db/migrations")
		}
		s = sp
	}
	// Broker selection
	var broker EventBroker
	if os.Getenv("REDIS_URL") != "" {
		if rb, err := NewRedisBroker(); err == nil {
			broker = rb
		} else {
			broker = NewBroker()
		}
	} else {
		broker = NewBroker()
	}
	disp := webhooks.NewDispatcher(s, webhooks.NewScheduler(webhooks.NewExecutor()))
	disp.Feed = feedToBroker(broker)
	return &Server{Store: s, Auth: auth.NewVerifierFromEnv(), Broker: broker, Dispatcher: disp}, nil
}

// feedToBroker relays terminal delivery updates onto the per-subscription
// event broker for live admin streams.
func feedToBroker(b EventBroker) webhooks.FeedFunc {
	return func(evt webhooks.FeedEvent) {
		b.Publish(evt.SubscriptionID, DeliveryEvent{
			Type: "delivery." + evt.Status,
			Data: map[string]any{
				"deliveryId":     evt.DeliveryID,
				"subscriptionId": evt.SubscriptionID,
				"eventType":      evt.EventType,
				"status":         evt.Status,
				"statusCode":     evt.StatusCode,
				"attempts":       evt.Attempts,
			},
		})
	}
}

func (s *Server) getPrincipal(r *http.Request) auth.Principal {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		if pr, err := s.Auth.Verify(tok); err == nil {
			return pr
		}
	}
	// Header fallback for dev setups without a token issuer.
	tenant := r.Header.Get("X-Tenant-Id")
	role := r.Header.Get("X-Role")
	if tenant == "" {
		tenant = "t_demo"
	}
	if role == "" {
		role = "admin"
	}
	return auth.Principal{Tenant: tenant, Role: role}
}
