// internal/session/store.go
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"graphgate/pkg/kv"
)

// ErrNotFound covers both a never-issued handle and one whose durable
// record expired or was revoked.
var ErrNotFound = errors.New("session: not found")

// Store keeps sessions in the durable store with a shorter-lived cache
// copy in front. The durable record is authoritative; the cached copy
// never outlives it.
type Store struct {
	durable  kv.Store
	cache    kv.Store
	cacheTTL time.Duration

	// Now is swappable in tests.
	Now func() time.Time
}

func NewStore(durable, cache kv.Store, cacheTTL time.Duration) *Store {
	return &Store{durable: durable, cache: cache, cacheTTL: cacheTTL, Now: time.Now}
}

func sessionKey(id string) string { return "session:" + id }

func (s *Store) ttls(sess Session) (durable, cached time.Duration) {
	durable = sess.ExpiresAt.Sub(s.Now())
	cached = s.cacheTTL
	if durable < cached {
		cached = durable
	}
	return durable, cached
}

// Put writes the durable record and the cache copy.
func (s *Store) Put(ctx context.Context, sess Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	durableTTL, cacheTTL := s.ttls(sess)
	if durableTTL <= 0 {
		return ErrNotFound
	}
	if err := s.durable.Put(ctx, sessionKey(sess.ID), raw, durableTTL); err != nil {
		return err
	}
	_ = s.cache.Put(ctx, sessionKey(sess.ID), raw, cacheTTL)
	return nil
}

// Get serves from the cache tier when possible and backfills it on a
// durable hit.
func (s *Store) Get(ctx context.Context, id string) (Session, error) {
	if rec, err := s.cache.Get(ctx, sessionKey(id)); err == nil {
		var sess Session
		if json.Unmarshal(rec.Value, &sess) == nil {
			return sess, nil
		}
	}
	rec, err := s.durable.Get(ctx, sessionKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	var sess Session
	if err := json.Unmarshal(rec.Value, &sess); err != nil {
		return Session{}, err
	}
	if _, cacheTTL := s.ttls(sess); cacheTTL > 0 {
		_ = s.cache.Put(ctx, sessionKey(id), rec.Value, cacheTTL)
	}
	return sess, nil
}

// GetVersioned reads the durable record with its write version for a
// subsequent Update.
func (s *Store) GetVersioned(ctx context.Context, id string) (Session, int64, error) {
	rec, err := s.durable.Get(ctx, sessionKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return Session{}, 0, ErrNotFound
	}
	if err != nil {
		return Session{}, 0, err
	}
	var sess Session
	if err := json.Unmarshal(rec.Value, &sess); err != nil {
		return Session{}, 0, err
	}
	return sess, rec.Version, nil
}

// Update swaps the durable record only if it is still at version; the
// cache copy is overwritten on success. Lost races return false so the
// caller can re-read and retry.
func (s *Store) Update(ctx context.Context, sess Session, version int64) (bool, error) {
	raw, err := json.Marshal(sess)
	if err != nil {
		return false, err
	}
	durableTTL, cacheTTL := s.ttls(sess)
	if durableTTL <= 0 {
		return false, ErrNotFound
	}
	ok, err := s.durable.CompareAndSwap(ctx, sessionKey(sess.ID), version, raw, durableTTL)
	if err != nil || !ok {
		return ok, err
	}
	_ = s.cache.Put(ctx, sessionKey(sess.ID), raw, cacheTTL)
	return true, nil
}

// Delete removes the durable record and every cached copy. Deleting an
// unknown session is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.durable.Delete(ctx, sessionKey(id)); err != nil {
		return err
	}
	_, _ = s.cache.Delete(ctx, sessionKey(id))
	return nil
}
