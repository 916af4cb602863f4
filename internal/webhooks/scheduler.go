package webhooks

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/PiwnicaQuest/tms-system-sub003/internal/metrics"
	"github.com/PiwnicaQuest/tms-system-sub003/internal/model"
)

// Scheduler drives the executor through a bounded attempt sequence with
// pure exponential backoff (no jitter). It holds no persistent state; the
// caller records the returned result on the delivery record.
type Scheduler struct {
	Exec         *Executor
	MaxAttempts  int
	InitialDelay time.Duration
	// Sleep is swappable in tests; nil means time.Sleep.
	Sleep func(time.Duration)
}

// NewScheduler reads the attempt budget and base delay from env
// (WEBHOOK_MAX_ATTEMPTS, WEBHOOK_BACKOFF_MS), defaulting to 3 attempts and
// a 1s initial delay.
func NewScheduler(exec *Executor) *Scheduler {
	max := 3
	if v := os.Getenv("WEBHOOK_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			max = n
		}
	}
	initial := time.Second
	if v := os.Getenv("WEBHOOK_BACKOFF_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			initial = time.Duration(n) * time.Millisecond
		}
	}
	return &Scheduler{Exec: exec, MaxAttempts: max, InitialDelay: initial}
}

// Result summarizes one scheduler run: how many attempts were performed and
// the last observed outcome.
type Result struct {
	Attempts int
	Outcome  Outcome
}

// Execute runs attempts sequentially until success, a terminal failure, or
// the budget is exhausted. Attempt n (n >= 2) is preceded by a sleep of
// InitialDelay * 2^(n-2): 1s before attempt 2, 2s before attempt 3.
func (s *Scheduler) Execute(ctx context.Context, sub model.Subscription, eventType string, body []byte, signature string, sentAt time.Time) Result {
	max := s.MaxAttempts
	if max <= 0 {
		max = 3
	}
	initial := s.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	sleep := s.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	res := Result{}
	for attempt := 1; attempt <= max; attempt++ {
		if attempt > 1 {
			sleep(initial << (attempt - 2))
		}
		res.Outcome = s.Exec.Attempt(ctx, sub, eventType, body, signature, sentAt)
		res.Attempts = attempt
		metrics.WebhookAttempts.WithLabelValues(eventType, res.Outcome.Class).Inc()
		if !res.Outcome.Retryable() {
			break
		}
	}
	return res
}
