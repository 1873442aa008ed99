// internal/upstream/executor.go
package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"graphgate/pkg/config"
	"graphgate/pkg/faults"
	"graphgate/pkg/middleware"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphgate_upstream_attempts_total",
		Help: "Upstream call attempts by outcome.",
	}, []string{"tenant", "class", "outcome"})
	// Throttle volume feeds admission tuning; it is deliberately a
	// separate signal from breaker failures.
	throttledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphgate_upstream_throttled_total",
		Help: "429/503 responses carrying a server retry hint.",
	}, []string{"tenant", "class"})
)

// Operation describes one outbound call.
type Operation struct {
	Method        string
	URL           string
	Body          []byte
	Header        http.Header
	Tenant        string
	EndpointClass string
	BearerToken   string
}

// Result is a completed upstream response. CorrelationID is always set and
// matches the header sent upstream.
type Result struct {
	Status        int
	Body          []byte
	Header        http.Header
	CorrelationID string
}

// Executor performs a single outbound call with correlation, deadline,
// retry with jittered exponential backoff, server retry-hint handling and
// a circuit breaker per (tenant, endpoint class).
type Executor struct {
	client        *http.Client
	maxAttempts   int
	retryBase     time.Duration
	timeout       time.Duration
	retryAfterCap time.Duration
	breakerCfg    config.BreakerLimits
	log           *zap.SugaredLogger

	mu       sync.Mutex
	breakers map[string]*Breaker

	// Now and Sleep are swappable in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(cfg config.Config, log *zap.SugaredLogger) *Executor {
	return &Executor{
		client:        &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		maxAttempts:   cfg.MaxAttempts,
		retryBase:     cfg.RetryBase,
		timeout:       cfg.UpstreamTimeout,
		retryAfterCap: cfg.RetryAfterCap,
		breakerCfg:    cfg.Limits.Breaker,
		log:           log,
		breakers:      map[string]*Breaker{},
		Now:           time.Now,
		Sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Executor) breaker(tenant, class string) *Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := tenant + "/" + class
	b, ok := e.breakers[key]
	if !ok {
		b = NewBreaker(e.breakerCfg, tenant, class, func() time.Time { return e.Now() })
		e.breakers[key] = b
	}
	return b
}

// Execute runs op to completion or exhaustion. Throttle hints are honored
// exactly (clamped) instead of exponential backoff and do not feed the
// breaker; cancellation stops the retry loop immediately.
func (e *Executor) Execute(ctx context.Context, op Operation) (Result, error) {
	corr := middleware.RequestIDFrom(ctx)
	if corr == "" {
		corr = uuid.NewString()
	}
	br := e.breaker(op.Tenant, op.EndpointClass)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryBase
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr *faults.Fault
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, faults.New(faults.UpstreamTimeout, "request cancelled").
				WithCause(err).WithCorrelation(corr)
		}
		ok, retryIn := br.Allow()
		if !ok {
			attemptsTotal.WithLabelValues(op.Tenant, op.EndpointClass, "breaker_open").Inc()
			return Result{}, faults.New(faults.UpstreamUnavailable, "circuit open").
				WithRetryAfter(retryIn).WithCorrelation(corr)
		}

		status, body, hdr, err := e.do(ctx, op, corr)
		var wait time.Duration
		switch {
		case err != nil:
			// A caller-side cancellation aborts the attempt mid-request;
			// that says nothing about upstream health.
			if ctx.Err() != nil {
				return Result{}, faults.New(faults.UpstreamTimeout, "request cancelled").
					WithCause(ctx.Err()).WithCorrelation(corr)
			}
			br.RecordFailure()
			attemptsTotal.WithLabelValues(op.Tenant, op.EndpointClass, "network_error").Inc()
			lastErr = faults.New(faults.UpstreamError, "upstream unreachable").
				WithCause(err).WithCorrelation(corr)
			wait = bo.NextBackOff()

		case (status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable) && hdr.Get("Retry-After") != "":
			throttledTotal.WithLabelValues(op.Tenant, op.EndpointClass).Inc()
			hint := e.parseRetryAfter(hdr.Get("Retry-After"))
			// A throttled half-open probe must still resolve, or the
			// breaker would reject forever; the hint re-arms the open
			// timer without feeding the failure window.
			br.RecordThrottle(hint)
			lastErr = faults.Newf(faults.UpstreamError, "throttled with status %d", status).
				WithRetryAfter(hint).WithCorrelation(corr)
			wait = hint

		case status >= 500:
			br.RecordFailure()
			attemptsTotal.WithLabelValues(op.Tenant, op.EndpointClass, "server_error").Inc()
			lastErr = faults.Newf(faults.UpstreamError, "upstream status %d", status).
				WithCorrelation(corr)
			wait = bo.NextBackOff()

		case status >= 400:
			// Client errors are final and say nothing about upstream health.
			br.RecordSuccess()
			attemptsTotal.WithLabelValues(op.Tenant, op.EndpointClass, "client_error").Inc()
			return Result{}, faults.Newf(faults.UpstreamError, "upstream status %d", status).
				WithCorrelation(corr)

		default:
			br.RecordSuccess()
			attemptsTotal.WithLabelValues(op.Tenant, op.EndpointClass, "success").Inc()
			return Result{Status: status, Body: body, Header: hdr, CorrelationID: corr}, nil
		}

		if attempt >= e.maxAttempts {
			break
		}
		if err := e.Sleep(ctx, wait); err != nil {
			return Result{}, faults.New(faults.UpstreamTimeout, "deadline during backoff").
				WithCause(err).WithCorrelation(corr)
		}
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Result{}, faults.New(faults.UpstreamTimeout, "deadline exhausted").
			WithCorrelation(corr)
	}
	if lastErr == nil {
		lastErr = faults.New(faults.UpstreamError, "attempts exhausted")
	}
	e.log.Warnw("upstream attempts exhausted",
		"tenant", op.Tenant, "class", op.EndpointClass, "corr", corr, "err", lastErr.Message)
	return Result{}, lastErr.WithCorrelation(corr)
}

func (e *Executor) do(ctx context.Context, op Operation, corr string) (int, []byte, http.Header, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var body io.Reader
	if len(op.Body) > 0 {
		body = bytes.NewReader(op.Body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, op.Method, op.URL, body)
	if err != nil {
		return 0, nil, nil, err
	}
	for k, vs := range op.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" && len(op.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if op.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+op.BearerToken)
	}
	req.Header.Set("X-Correlation-Id", corr)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, raw, resp.Header, nil
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms, clamped
// to the configured maximum.
func (e *Executor) parseRetryAfter(v string) time.Duration {
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = t.Sub(e.Now())
	}
	if d <= 0 {
		d = time.Second
	}
	if d > e.retryAfterCap {
		d = e.retryAfterCap
	}
	return d
}
