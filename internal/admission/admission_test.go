package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"graphgate/pkg/config"
	"graphgate/pkg/faults"
)

func testLimits(maxConc, capacity int, refill float64) config.Limits {
	return config.Limits{
		Defaults: config.BulkheadLimits{
			MaxConcurrency: maxConc,
			BucketCapacity: capacity,
			RefillPerSec:   refill,
		},
		Breaker: config.DefaultLimits().Breaker,
	}
}

func TestAcquire_ConcurrencyLimitRejectsThirdCaller(t *testing.T) {
	c := NewController(testLimits(2, 100, 100))
	ctx := context.Background()

	p1, err := c.Acquire(ctx, "t1", "mail", 1)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	p2, err := c.Acquire(ctx, "t1", "mail", 1)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if _, err := c.Acquire(ctx, "t1", "mail", 1); !faults.IsCode(err, faults.AdmissionRejected) {
		t.Fatalf("expected ADMISSION_REJECTED, got %v", err)
	}

	p1.Release()
	p3, err := c.Acquire(ctx, "t1", "mail", 1)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	p3.Release()
	p2.Release()
}

func TestAcquire_PartitionsAreIsolated(t *testing.T) {
	c := NewController(testLimits(1, 100, 100))
	ctx := context.Background()

	p1, err := c.Acquire(ctx, "t1", "mail", 1)
	if err != nil {
		t.Fatalf("t1/mail: %v", err)
	}
	defer p1.Release()
	if _, err := c.Acquire(ctx, "t1", "mail", 1); err == nil {
		t.Fatal("t1/mail should be saturated")
	}

	// Neither a sibling domain nor another tenant is affected.
	p2, err := c.Acquire(ctx, "t1", "calendar", 1)
	if err != nil {
		t.Fatalf("t1/calendar: %v", err)
	}
	p2.Release()
	p3, err := c.Acquire(ctx, "t2", "mail", 1)
	if err != nil {
		t.Fatalf("t2/mail: %v", err)
	}
	p3.Release()
}

func TestAcquire_WeightAboveCapacityAlwaysRejects(t *testing.T) {
	c := NewController(testLimits(4, 4, 4))
	_, err := c.Acquire(context.Background(), "t1", "drive", 5)
	if !faults.IsCode(err, faults.AdmissionRejected) {
		t.Fatalf("expected ADMISSION_REJECTED, got %v", err)
	}
}

func TestAcquire_RateRejectionCarriesRetryHint(t *testing.T) {
	c := NewController(testLimits(10, 2, 1))
	now := time.Unix(1_700_000_000, 0)
	c.Now = func() time.Time { return now }
	ctx := context.Background()

	// Drain the bucket without advancing the clock.
	p1, err := c.Acquire(ctx, "t1", "mail", 2)
	if err != nil {
		t.Fatalf("draining acquire: %v", err)
	}
	defer p1.Release()

	_, err = c.Acquire(ctx, "t1", "mail", 1)
	if !faults.IsCode(err, faults.AdmissionRejected) {
		t.Fatalf("expected ADMISSION_REJECTED, got %v", err)
	}
	var f *faults.Fault
	if !errors.As(err, &f) || f.RetryAfter <= 0 {
		t.Fatalf("expected a positive RetryAfter hint, got %v", err)
	}

	// After the refill interval the same request is admitted.
	now = now.Add(1100 * time.Millisecond)
	p2, err := c.Acquire(ctx, "t1", "mail", 1)
	if err != nil {
		t.Fatalf("acquire after refill: %v", err)
	}
	p2.Release()
}

func TestAcquire_CancelledContextRejected(t *testing.T) {
	c := NewController(testLimits(4, 8, 4))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Acquire(ctx, "t1", "mail", 1); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPermit_ReleaseIsIdempotent(t *testing.T) {
	c := NewController(testLimits(1, 100, 100))
	ctx := context.Background()
	p, err := c.Acquire(ctx, "t1", "mail", 1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release()
	p.Release()
	// A double release must not free a second slot.
	p2, err := c.Acquire(ctx, "t1", "mail", 1)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	defer p2.Release()
	if _, err := c.Acquire(ctx, "t1", "mail", 1); err == nil {
		t.Fatal("double release freed an extra slot")
	}
}
