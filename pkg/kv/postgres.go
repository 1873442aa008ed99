// pkg/kv/postgres.go
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store against a single versioned table. Expired rows
// read as absent; PutIfAbsent may reclaim an expired row in place.
type Postgres struct {
	pool   *pgxpool.Pool
	prefix string
}

func NewPostgres(pool *pgxpool.Pool, prefix string) *Postgres {
	return &Postgres{pool: pool, prefix: prefix}
}

// EnsureSchema creates the record table. Safe to call repeatedly.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS kv_records (
  k text PRIMARY KEY,
  v bytea NOT NULL,
  version bigint NOT NULL DEFAULT 1,
  expires_at timestamptz,
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS kv_records_expires_at ON kv_records (expires_at) WHERE expires_at IS NOT NULL;
`)
	return err
}

func (p *Postgres) key(k string) string { return p.prefix + k }

func expiresParam(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := time.Now().Add(ttl)
	return &t
}

func (p *Postgres) Get(ctx context.Context, key string) (Record, error) {
	var rec Record
	err := p.pool.QueryRow(ctx,
		`SELECT v, version FROM kv_records WHERE k=$1 AND (expires_at IS NULL OR expires_at > NOW())`,
		p.key(key)).Scan(&rec.Value, &rec.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (p *Postgres) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO kv_records (k, v, version, expires_at) VALUES ($1, $2, 1, $3)
ON CONFLICT (k) DO UPDATE
  SET v=EXCLUDED.v, version=kv_records.version+1, expires_at=EXCLUDED.expires_at, updated_at=NOW()`,
		p.key(key), value, expiresParam(ttl))
	return err
}

// PutIfAbsent is the atomic reservation primitive: the insert succeeds only
// when no live row exists. An expired row is overwritten as if absent.
func (p *Postgres) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
INSERT INTO kv_records (k, v, version, expires_at) VALUES ($1, $2, 1, $3)
ON CONFLICT (k) DO UPDATE
  SET v=EXCLUDED.v, version=1, expires_at=EXCLUDED.expires_at, updated_at=NOW()
  WHERE kv_records.expires_at IS NOT NULL AND kv_records.expires_at <= NOW()`,
		p.key(key), value, expiresParam(ttl))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
UPDATE kv_records SET v=$2, version=version+1, expires_at=$3, updated_at=NOW()
 WHERE k=$1 AND version=$4 AND (expires_at IS NULL OR expires_at > NOW())`,
		p.key(key), value, expiresParam(ttl), expectedVersion)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) Delete(ctx context.Context, key string) (bool, error) {
	var wasLive bool
	err := p.pool.QueryRow(ctx,
		`DELETE FROM kv_records WHERE k=$1 RETURNING (expires_at IS NULL OR expires_at > NOW())`,
		p.key(key)).Scan(&wasLive)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return wasLive, err
}
