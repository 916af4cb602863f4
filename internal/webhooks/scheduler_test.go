package webhooks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestScheduler(client *http.Client) (*Scheduler, *[]time.Duration) {
	sleeps := &[]time.Duration{}
	s := &Scheduler{
		Exec:         &Executor{HTTP: client},
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Sleep:        func(d time.Duration) { *sleeps = append(*sleeps, d) },
	}
	return s, sleeps
}

func TestExecuteExhaustsBudgetOnRetryable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(503)
	}))
	defer srv.Close()

	s, sleeps := newTestScheduler(srv.Client())
	res := s.Execute(context.Background(), testSub(srv.URL), EventOrderCreated, []byte(`{}`), "sig", time.Now())
	if res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", res.Attempts)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 HTTP calls, got %d", calls)
	}
	if res.Outcome.Delivered() {
		t.Fatal("expected failure")
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*sleeps) != len(want) {
		t.Fatalf("expected backoffs %v, got %v", want, *sleeps)
	}
	for i := range want {
		if (*sleeps)[i] != want[i] {
			t.Fatalf("backoff %d: expected %v, got %v", i, want[i], (*sleeps)[i])
		}
	}
}

func TestExecuteStopsOnTerminalFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(404)
	}))
	defer srv.Close()

	s, sleeps := newTestScheduler(srv.Client())
	res := s.Execute(context.Background(), testSub(srv.URL), EventOrderCreated, []byte(`{}`), "sig", time.Now())
	if res.Attempts != 1 || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected single attempt, got attempts=%d calls=%d", res.Attempts, calls)
	}
	if len(*sleeps) != 0 {
		t.Fatalf("expected no backoff sleeps, got %v", *sleeps)
	}
	if res.Outcome.Class != OutcomeTerminal {
		t.Fatalf("expected terminal outcome, got %s", res.Outcome.Class)
	}
}

func TestExecuteShortCircuitsOnSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(500)
			return
		}
		w.WriteHeader(200)
	}))
	defer srv.Close()

	s, sleeps := newTestScheduler(srv.Client())
	res := s.Execute(context.Background(), testSub(srv.URL), EventOrderCreated, []byte(`{}`), "sig", time.Now())
	if res.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.Attempts)
	}
	if !res.Outcome.Delivered() || res.Outcome.StatusCode != 200 {
		t.Fatalf("expected delivered 200, got %+v", res.Outcome)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != time.Second {
		t.Fatalf("expected one 1s backoff, got %v", *sleeps)
	}
}

func TestNewSchedulerDefaults(t *testing.T) {
	s := NewScheduler(NewExecutor())
	if s.MaxAttempts != 3 {
		t.Fatalf("default max attempts: %d", s.MaxAttempts)
	}
	if s.InitialDelay != time.Second {
		t.Fatalf("default initial delay: %v", s.InitialDelay)
	}
}
