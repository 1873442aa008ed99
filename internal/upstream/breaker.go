// internal/upstream/breaker.go
package upstream

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"graphgate/pkg/config"
)

var breakerStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "graphgate_breaker_state",
	Help: "Circuit breaker state per tenant and endpoint class (0 closed, 1 half-open, 2 open).",
}, []string{"tenant", "class"})

type breakerState int

const (
	stateClosed breakerState = iota
	stateHalfOpen
	stateOpen
)

// Breaker is a per (tenant, endpoint class) circuit breaker with a sliding
// outcome window. Throttle responses are recorded nowhere here: server
// load-shedding is not upstream unhealthiness.
type Breaker struct {
	mu sync.Mutex

	cfg     config.BreakerLimits
	window  []bool // true = failure
	idx     int
	filled  int
	state   breakerState
	openTil time.Time
	cool    time.Duration
	probing bool

	tenant string
	class  string
	now    func() time.Time
}

func NewBreaker(cfg config.BreakerLimits, tenant, class string, now func() time.Time) *Breaker {
	return &Breaker{
		cfg:    cfg,
		window: make([]bool, cfg.Window),
		cool:   cfg.Cooldown,
		tenant: tenant,
		class:  class,
		now:    now,
	}
}

// Allow reports whether a call may proceed. When open it returns the
// remaining cool-down as a retry hint. Half-open admits exactly one probe.
func (b *Breaker) Allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return true, 0
	case stateOpen:
		remaining := b.openTil.Sub(b.now())
		if remaining > 0 {
			return false, remaining
		}
		b.setState(stateHalfOpen)
		b.probing = true
		return true, 0
	default: // half-open
		if b.probing {
			return false, b.cool
		}
		b.probing = true
		return true, 0
	}
}

// RecordSuccess feeds a successful outcome. A half-open probe success
// closes the breaker and resets the cool-down ladder.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateHalfOpen:
		b.reset()
		b.setState(stateClosed)
	case stateClosed:
		b.record(false)
	}
}

// RecordThrottle resolves a half-open probe that was answered with server
// load shedding. The upstream is alive, so the failure window and the
// cool-down ladder stay untouched; the breaker re-opens for the server's
// hint and the next probe runs after it elapses. Closed-state throttles
// are not the breaker's business and are ignored.
func (b *Breaker) RecordThrottle(hint time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateHalfOpen {
		return
	}
	wait := hint
	if wait <= 0 {
		wait = b.cool
	}
	b.openTil = b.now().Add(wait)
	b.probing = false
	b.setState(stateOpen)
}

// RecordFailure feeds a failed outcome. A half-open probe failure reopens
// with the cool-down doubled, capped at MaxCooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateHalfOpen:
		b.cool *= 2
		if b.cool > b.cfg.MaxCooldown {
			b.cool = b.cfg.MaxCooldown
		}
		b.open()
	case stateClosed:
		b.record(true)
		if b.tripped() {
			b.open()
		}
	}
}

func (b *Breaker) record(failure bool) {
	b.window[b.idx] = failure
	b.idx = (b.idx + 1) % len(b.window)
	if b.filled < len(b.window) {
		b.filled++
	}
}

// tripped applies the failure-ratio threshold, but only once the window
// holds the minimum sample count.
func (b *Breaker) tripped() bool {
	if b.filled < len(b.window) {
		return false
	}
	failures := 0
	for _, f := range b.window[:b.filled] {
		if f {
			failures++
		}
	}
	return float64(failures)/float64(b.filled) >= b.cfg.FailureRatio
}

func (b *Breaker) open() {
	b.openTil = b.now().Add(b.cool)
	b.probing = false
	b.setState(stateOpen)
}

func (b *Breaker) reset() {
	b.window = make([]bool, b.cfg.Window)
	b.idx, b.filled = 0, 0
	b.cool = b.cfg.Cooldown
	b.probing = false
}

func (b *Breaker) setState(s breakerState) {
	b.state = s
	breakerStateGauge.WithLabelValues(b.tenant, b.class).Set(float64(s))
}
