// internal/ledger/ledger.go
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"graphgate/pkg/kv"
)

// Status of an idempotency record. Pending marks an in-flight write;
// Completed and Failed are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Kind classifies the outcome of CheckOrReserve.
type Kind int

const (
	Fresh Kind = iota
	DuplicateCompleted
	DuplicateInFlight
	ConflictingFingerprint
)

// Outcome carries the stored result when a duplicate already resolved.
type Outcome struct {
	Kind         Kind
	Status       Status
	Result       []byte
	ResultDigest string
}

// ErrTerminal is returned by Complete when the record already left the
// pending state. Terminal records never transition again.
var ErrTerminal = errors.New("ledger: record already terminal")

type record struct {
	Fingerprint  string    `json:"request_fingerprint"`
	Status       Status    `json:"status"`
	Result       []byte    `json:"result,omitempty"`
	ResultDigest string    `json:"result_digest,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Ledger deduplicates idempotent writes. The conditional insert against
// the durable store is the whole concurrency story: whichever process
// lands the pending record first owns the upstream call.
type Ledger struct {
	store kv.Store
	ttl   time.Duration

	// Now is swappable in tests.
	Now func() time.Time
}

func New(store kv.Store, ttl time.Duration) *Ledger {
	return &Ledger{store: store, ttl: ttl, Now: time.Now}
}

func recordKey(tenant, subject, key string) string {
	return fmt.Sprintf("idem:%s#%s#%s", tenant, subject, key)
}

// CheckOrReserve atomically inserts a pending record at first sight of the
// key. Reuse of a key with a different fingerprint is a caller error and is
// surfaced, never overwritten. Expired records behave as absent.
func (l *Ledger) CheckOrReserve(ctx context.Context, tenant, subject, key, fingerprint string) (Outcome, error) {
	k := recordKey(tenant, subject, key)
	now := l.Now()
	fresh, err := json.Marshal(record{
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(l.ttl),
	})
	if err != nil {
		return Outcome{}, err
	}
	// Two rounds: a record may expire between the failed insert and the Get.
	for attempt := 0; attempt < 2; attempt++ {
		inserted, err := l.store.PutIfAbsent(ctx, k, fresh, l.ttl)
		if err != nil {
			return Outcome{}, err
		}
		if inserted {
			return Outcome{Kind: Fresh}, nil
		}
		rec, err := l.getLive(ctx, k)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return Outcome{}, err
		}
		if rec.Fingerprint != fingerprint {
			return Outcome{Kind: ConflictingFingerprint}, nil
		}
		if rec.Status == StatusPending {
			return Outcome{Kind: DuplicateInFlight}, nil
		}
		return Outcome{
			Kind:         DuplicateCompleted,
			Status:       rec.Status,
			Result:       rec.Result,
			ResultDigest: rec.ResultDigest,
		}, nil
	}
	return Outcome{}, errors.New("ledger: reservation did not settle")
}

// Complete transitions pending to a terminal status, preserving the
// record's original expiry.
func (l *Ledger) Complete(ctx context.Context, tenant, subject, key string, result []byte, digest string, status Status) error {
	if status != StatusCompleted && status != StatusFailed {
		return fmt.Errorf("ledger: %q is not a terminal status", status)
	}
	k := recordKey(tenant, subject, key)
	raw, err := l.store.Get(ctx, k)
	if errors.Is(err, kv.ErrNotFound) {
		// The reservation outlived its TTL mid-call; nothing to record.
		return nil
	}
	if err != nil {
		return err
	}
	var rec record
	if err := json.Unmarshal(raw.Value, &rec); err != nil {
		return err
	}
	if rec.Status != StatusPending {
		return ErrTerminal
	}
	rec.Status = status
	rec.Result = result
	rec.ResultDigest = digest
	updated, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	remaining := rec.ExpiresAt.Sub(l.Now())
	if remaining <= 0 {
		return nil
	}
	ok, err := l.store.CompareAndSwap(ctx, k, raw.Version, updated, remaining)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTerminal
	}
	return nil
}

// Release drops a reservation whose upstream call was never attempted,
// so the caller's retry is not locked out until the TTL. Only the owner
// of a pending reservation may call it.
func (l *Ledger) Release(ctx context.Context, tenant, subject, key string) error {
	_, err := l.store.Delete(ctx, recordKey(tenant, subject, key))
	return err
}

func (l *Ledger) getLive(ctx context.Context, k string) (record, error) {
	raw, err := l.store.Get(ctx, k)
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(raw.Value, &rec); err != nil {
		return record{}, err
	}
	// The store enforces TTL, but a memory/redis clock can lag the
	// record's own expiry; double-check before trusting it.
	if !rec.ExpiresAt.IsZero() && !l.Now().Before(rec.ExpiresAt) {
		return record{}, kv.ErrNotFound
	}
	return rec, nil
}
