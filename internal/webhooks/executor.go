package webhooks

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/PiwnicaQuest/tms-system-sub003/internal/model"
)

// Outcome classification for a single delivery attempt.
const (
	OutcomeSuccess   = "success"
	OutcomeRetryable = "retryable"
	OutcomeTerminal  = "terminal"
)

// Outcome describes what one HTTP attempt produced.
type Outcome struct {
	Class      string
	StatusCode int
	Body       string // response body, best-effort, size-bounded
	Err        string // transport/timeout reason when no response was seen
	LatencyMs  int
}

// Delivered reports whether the attempt succeeded.
func (o Outcome) Delivered() bool { return o.Class == OutcomeSuccess }

// Retryable reports whether another attempt may be made.
func (o Outcome) Retryable() bool { return o.Class == OutcomeRetryable }

// Executor performs one signed HTTP POST attempt to a subscriber endpoint
// and classifies the result. It holds no delivery state.
type Executor struct {
	HTTP         *http.Client
	MaxBodyBytes int64
}

// NewExecutor builds an executor with the hard per-attempt timeout
// (default 30s, override via WEBHOOK_TIMEOUT_MS).
func NewExecutor() *Executor {
	timeout := 30 * time.Second
	if v := os.Getenv("WEBHOOK_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Millisecond
		}
	}
	return &Executor{HTTP: &http.Client{Timeout: timeout}, MaxBodyBytes: 4096}
}

// Attempt POSTs the frozen envelope bytes to the subscription URL. sentAt is
// the dispatch timestamp captured when the envelope was frozen; it is resent
// unchanged on retries so the signing context stays stable.
func (e *Executor) Attempt(ctx context.Context, sub model.Subscription, eventType string, body []byte, signature string, sentAt time.Time) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return Outcome{Class: OutcomeTerminal, Err: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(sentAt.UnixMilli(), 10))
	req.Header.Set("X-Webhook-Event", eventType)
	req.Header.Set("X-Webhook-Id", sub.ID)
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := e.HTTP.Do(req)
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
			reason = "timeout"
		}
		return Outcome{Class: OutcomeRetryable, Err: reason, LatencyMs: latency}
	}
	defer func() { _ = resp.Body.Close() }()

	captured, _ := io.ReadAll(io.LimitReader(resp.Body, e.maxBody()))
	out := Outcome{StatusCode: resp.StatusCode, Body: string(captured), LatencyMs: latency}
	out.Class = classify(resp.StatusCode)
	if out.Class != OutcomeSuccess {
		out.Err = "http status " + strconv.Itoa(resp.StatusCode)
	}
	return out
}

// classify maps an HTTP status to an outcome class: 2xx success; 4xx except
// 429 assumed permanent; 429, 5xx and anything unexpected retryable.
func classify(status int) string {
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status == http.StatusTooManyRequests:
		return OutcomeRetryable
	case status >= 400 && status < 500:
		return OutcomeTerminal
	default:
		return OutcomeRetryable
	}
}

func (e *Executor) maxBody() int64 {
	if e.MaxBodyBytes > 0 {
		return e.MaxBodyBytes
	}
	return 4096
}

func isClientTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	return errors.As(err, &t) && t.Timeout()
}
