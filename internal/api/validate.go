package api

import (
	"fmt"
	"net/url"

	"github.com/PiwnicaQuest/tms-system-sub003/internal/model"
	"github.com/PiwnicaQuest/tms-system-sub003/internal/webhooks"
)

// validateSubscriptionRequest enforces the configuration rules at creation
// time so bad endpoints never reach the delivery engine.
func validateSubscriptionRequest(req *model.SubscriptionRequest) error {
	u, err := url.Parse(req.URL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) URI")
	}
	if len(req.Events) == 0 {
		return fmt.Errorf("events must be a non-empty set")
	}
	seen := map[string]struct{}{}
	for _, e := range req.Events {
		if !webhooks.ValidEvent(e) {
			return fmt.Errorf("unknown event type: %s", e)
		}
		if _, dup := seen[e]; dup {
			return fmt.Errorf("duplicate event type: %s", e)
		}
		seen[e] = struct{}{}
	}
	if req.RateLimitPerSec < 0 {
		return fmt.Errorf("rateLimitPerSec must be >= 0")
	}
	return nil
}
