package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"graphgate/pkg/config"
	"graphgate/pkg/faults"
)

func testExecutor(maxAttempts int) (*Executor, *[]time.Duration) {
	cfg := config.Config{
		UpstreamTimeout: 10 * time.Second,
		MaxAttempts:     maxAttempts,
		RetryBase:       500 * time.Millisecond,
		RetryAfterCap:   120 * time.Second,
		Limits:          config.DefaultLimits(),
	}
	e := NewExecutor(cfg, zap.NewNop().Sugar())
	var sleeps []time.Duration
	e.Sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return e, &sleeps
}

func opFor(url string) Operation {
	return Operation{
		Method:        http.MethodGet,
		URL:           url,
		Tenant:        "t1",
		EndpointClass: "mail",
		BearerToken:   "tok-abc",
	}
}

func TestExecute_SuccessCarriesCorrelationAndBearer(t *testing.T) {
	var gotCorr, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCorr = r.Header.Get("X-Correlation-Id")
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	e, _ := testExecutor(4)
	res, err := e.Execute(context.Background(), opFor(srv.URL))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != http.StatusOK || string(res.Body) != `{"ok":true}` {
		t.Fatalf("unexpected result: %d %q", res.Status, res.Body)
	}
	if gotCorr == "" || gotCorr != res.CorrelationID {
		t.Fatalf("correlation id not propagated: sent %q, result %q", gotCorr, res.CorrelationID)
	}
	if gotAuth != "Bearer tok-abc" {
		t.Fatalf("authorization header: %q", gotAuth)
	}
}

func TestExecute_RetryAfterHintHonoredExactly(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	e, sleeps := testExecutor(4)
	res, err := e.Execute(context.Background(), opFor(srv.URL))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Fatalf("status: %d", res.Status)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != 30*time.Second {
		t.Fatalf("expected exactly one 30s wait, got %v", *sleeps)
	}
}

func TestExecute_RetryAfterClampedToCap(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "3600")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	e, sleeps := testExecutor(4)
	if _, err := e.Execute(context.Background(), opFor(srv.URL)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != 120*time.Second {
		t.Fatalf("expected hint clamped to 120s, got %v", *sleeps)
	}
}

func TestExecute_ServerErrorsRetriedThenSurfaced(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e, sleeps := testExecutor(3)
	_, err := e.Execute(context.Background(), opFor(srv.URL))
	if !faults.IsCode(err, faults.UpstreamError) {
		t.Fatalf("expected UPSTREAM_ERROR, got %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
	if len(*sleeps) != 2 {
		t.Fatalf("expected 2 backoff waits, got %v", *sleeps)
	}
}

func TestExecute_ClientErrorIsFinal(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	e, _ := testExecutor(4)
	_, err := e.Execute(context.Background(), opFor(srv.URL))
	if !faults.IsCode(err, faults.UpstreamError) {
		t.Fatalf("expected UPSTREAM_ERROR, got %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", n)
	}
}

func TestExecute_BreakerOpensAndFailsFast(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, _ := testExecutor(12)
	_, err := e.Execute(context.Background(), opFor(srv.URL))
	if !faults.IsCode(err, faults.UpstreamUnavailable) {
		t.Fatalf("expected UPSTREAM_UNAVAILABLE once the breaker opened, got %v", err)
	}
	// The default window is 10: attempt 11 must fail fast without a call.
	if n := atomic.LoadInt32(&hits); n != 10 {
		t.Fatalf("expected 10 upstream hits before the breaker opened, got %d", n)
	}

	// A later call against the open breaker never reaches the server.
	_, err = e.Execute(context.Background(), opFor(srv.URL))
	if !faults.IsCode(err, faults.UpstreamUnavailable) {
		t.Fatalf("expected fail-fast, got %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 10 {
		t.Fatalf("open breaker contacted the server: %d hits", n)
	}
}

func TestExecute_ThrottledProbeDoesNotWedgeBreaker(t *testing.T) {
	var mode int32 // 0 = server error, 1 = throttle, 2 = healthy
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.LoadInt32(&mode) {
		case 0:
			w.WriteHeader(http.StatusInternalServerError)
		case 1:
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	now := time.Unix(1_700_000_000, 0)
	e, _ := testExecutor(1)
	e.Now = func() time.Time { return now }
	ctx := context.Background()

	// Trip the breaker with a full window of server errors.
	for i := 0; i < 10; i++ {
		if _, err := e.Execute(ctx, opFor(srv.URL)); err == nil {
			t.Fatalf("attempt %d should fail", i)
		}
	}
	if _, err := e.Execute(ctx, opFor(srv.URL)); !faults.IsCode(err, faults.UpstreamUnavailable) {
		t.Fatalf("breaker should be open, got %v", err)
	}

	// The cool-down elapses and the probe is answered with load shedding.
	atomic.StoreInt32(&mode, 1)
	now = now.Add(31 * time.Second)
	if _, err := e.Execute(ctx, opFor(srv.URL)); !faults.IsCode(err, faults.UpstreamError) {
		t.Fatalf("throttled probe: %v", err)
	}

	// Once the server hint elapses a healthy upstream must be reachable
	// again; a wedged probe would reject here forever.
	atomic.StoreInt32(&mode, 2)
	now = now.Add(31 * time.Second)
	res, err := e.Execute(ctx, opFor(srv.URL))
	if err != nil {
		t.Fatalf("healthy upstream still rejected: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Fatalf("status: %d", res.Status)
	}
}

func TestExecute_CancellationNotCountedAsBreakerFailure(t *testing.T) {
	var hang int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&hang) == 1 {
			<-r.Context().Done()
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	e, _ := testExecutor(1)

	// A full window's worth of caller-side cancellations.
	atomic.StoreInt32(&hang, 1)
	for i := 0; i < 12; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := e.Execute(ctx, opFor(srv.URL))
		cancel()
		if !faults.IsCode(err, faults.UpstreamTimeout) {
			t.Fatalf("cancelled attempt %d: %v", i, err)
		}
	}

	// The upstream was healthy the whole time; the breaker must agree.
	atomic.StoreInt32(&hang, 0)
	if _, err := e.Execute(context.Background(), opFor(srv.URL)); err != nil {
		t.Fatalf("cancellation burst opened the breaker: %v", err)
	}
}

func TestExecute_CancelledContextStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	e, _ := testExecutor(4)
	e.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	_, err := e.Execute(ctx, opFor(srv.URL))
	if !faults.IsCode(err, faults.UpstreamTimeout) {
		t.Fatalf("expected UPSTREAM_TIMEOUT on cancellation, got %v", err)
	}
}
