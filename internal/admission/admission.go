// internal/admission/admission.go
package admission

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"graphgate/pkg/config"
	"graphgate/pkg/faults"
)

var (
	inFlightGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "graphgate_admission_in_flight",
		Help: "Outbound calls currently holding a concurrency slot.",
	}, []string{"tenant", "domain"})
	rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphgate_admission_rejected_total",
		Help: "Acquisitions rejected by bulkhead or token bucket.",
	}, []string{"tenant", "domain", "reason"})
)

// Permit is a held concurrency slot. Release must be called exactly once
// on every path, including cancellation; extra calls are no-ops.
type Permit struct {
	once    sync.Once
	release func()
}

func (p *Permit) Release() { p.once.Do(p.release) }

type partition struct {
	mu       sync.Mutex
	inFlight int
	max      int
	bucket   *rate.Limiter
	refill   float64
}

// Controller gates outbound calls per (tenant, domain). Partitions are
// fully isolated: one pair exhausting its budget never touches another's.
// State is process-local and resets on restart.
type Controller struct {
	mu     sync.Mutex
	parts  map[string]*partition
	limits config.Limits

	// Now is swappable in tests.
	Now func() time.Time
}

func NewController(limits config.Limits) *Controller {
	return &Controller{parts: map[string]*partition{}, limits: limits, Now: time.Now}
}

func (c *Controller) partition(tenant, domain string) *partition {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := tenant + "/" + domain
	p, ok := c.parts[key]
	if !ok {
		lim := c.limits.For(tenant, domain)
		p = &partition{
			max:    lim.MaxConcurrency,
			bucket: rate.NewLimiter(rate.Limit(lim.RefillPerSec), lim.BucketCapacity),
			refill: lim.RefillPerSec,
		}
		c.parts[key] = p
	}
	return p
}

// Acquire takes both a concurrency slot and weight tokens, or rejects
// immediately with a retry hint derived from the bucket refill rate. It
// never blocks.
func (c *Controller) Acquire(ctx context.Context, tenant, domain string, weight int) (*Permit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if weight < 1 {
		weight = 1
	}
	p := c.partition(tenant, domain)
	now := c.Now()

	p.mu.Lock()
	if p.inFlight >= p.max {
		p.mu.Unlock()
		rejectedTotal.WithLabelValues(tenant, domain, "concurrency").Inc()
		return nil, faults.Newf(faults.AdmissionRejected, "bulkhead full for %s/%s", tenant, domain).
			WithRetryAfter(p.refillDelay(1))
	}
	res := p.bucket.ReserveN(now, weight)
	if !res.OK() {
		p.mu.Unlock()
		rejectedTotal.WithLabelValues(tenant, domain, "weight").Inc()
		return nil, faults.Newf(faults.AdmissionRejected, "weight %d exceeds bucket capacity for %s/%s", weight, tenant, domain)
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		p.mu.Unlock()
		rejectedTotal.WithLabelValues(tenant, domain, "rate").Inc()
		return nil, faults.Newf(faults.AdmissionRejected, "rate exceeded for %s/%s", tenant, domain).
			WithRetryAfter(delay)
	}
	p.inFlight++
	p.mu.Unlock()

	inFlightGauge.WithLabelValues(tenant, domain).Inc()
	return &Permit{release: func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
		inFlightGauge.WithLabelValues(tenant, domain).Dec()
	}}, nil
}

// refillDelay estimates how long until n tokens refill.
func (p *partition) refillDelay(n int) time.Duration {
	if p.refill <= 0 {
		return time.Second
	}
	return time.Duration(float64(n) / p.refill * float64(time.Second))
}
