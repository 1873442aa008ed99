package session

import (
	"context"
	"testing"
	"time"

	"graphgate/pkg/kv"
)

func seedSession(now time.Time) Session {
	return Session{
		ID:            "sess-1",
		TenantID:      "t1",
		SubjectID:     "u1",
		GrantedScopes: []string{"Mail.Read", "offline_access"},
		CredentialRef: "cred-1",
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
	}
}

func TestGet_ServesFromCacheAndBackfills(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	durable := kv.NewMemory()
	cache := kv.NewMemory()
	s := NewStore(durable, cache, 15*time.Minute)
	s.Now = func() time.Time { return now }
	ctx := context.Background()

	if err := s.Put(ctx, seedSession(now)); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Evict the cache copy; the durable read must backfill it.
	if _, err := cache.Delete(ctx, "session:sess-1"); err != nil {
		t.Fatalf("evict: %v", err)
	}
	got, err := s.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CredentialRef != "cred-1" {
		t.Fatalf("wrong session: %+v", got)
	}
	if _, err := cache.Get(ctx, "session:sess-1"); err != nil {
		t.Fatalf("cache not backfilled: %v", err)
	}
}

func TestGet_ExpiredSessionNotFound(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	durable := kv.NewMemory()
	durable.Now = func() time.Time { return now }
	cache := kv.NewMemory()
	cache.Now = durable.Now
	s := NewStore(durable, cache, 15*time.Minute)
	s.Now = durable.Now
	ctx := context.Background()

	if err := s.Put(ctx, seedSession(now)); err != nil {
		t.Fatalf("put: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if _, err := s.Get(ctx, "sess-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdate_StaleVersionLosesRace(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	durable := kv.NewMemory()
	cache := kv.NewMemory()
	s := NewStore(durable, cache, 15*time.Minute)
	s.Now = func() time.Time { return now }
	ctx := context.Background()

	if err := s.Put(ctx, seedSession(now)); err != nil {
		t.Fatalf("put: %v", err)
	}
	sess, ver, err := s.GetVersioned(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get versioned: %v", err)
	}

	// A concurrent writer bumps the version first.
	winner := sess
	winner.CredentialRef = "cred-2"
	if ok, err := s.Update(ctx, winner, ver); err != nil || !ok {
		t.Fatalf("winner update: ok=%v err=%v", ok, err)
	}

	loser := sess
	loser.CredentialRef = "cred-3"
	ok, err := s.Update(ctx, loser, ver)
	if err != nil {
		t.Fatalf("loser update: %v", err)
	}
	if ok {
		t.Fatal("stale version must lose the swap")
	}
	got, err := s.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CredentialRef != "cred-2" {
		t.Fatalf("winner overwritten: %+v", got)
	}
}

func TestDelete_UnknownSessionIsNoError(t *testing.T) {
	s := NewStore(kv.NewMemory(), kv.NewMemory(), 15*time.Minute)
	if err := s.Delete(context.Background(), "never-issued"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestHasScopes(t *testing.T) {
	sess := seedSession(time.Now())
	if !sess.HasScopes(nil) {
		t.Fatal("empty requirement must pass")
	}
	if !sess.HasScopes([]string{"Mail.Read"}) {
		t.Fatal("granted scope rejected")
	}
	if sess.HasScopes([]string{"Mail.Read", "Files.ReadWrite"}) {
		t.Fatal("missing scope accepted")
	}
}
