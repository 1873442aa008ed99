// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	HTTPAddr string

	// Identity provider (authorization-code + PKCE)
	IDPAuthorizeURL   string
	IDPTokenURL       string
	IDPClientID       string
	IDPClientSecret   string
	RedirectAllowList []string

	// OIDC gate for inbound callers (validated before the core runs)
	Issuer   string
	Audience string
	JWKSURL  string

	// Upstream API
	UpstreamBaseURL string
	UpstreamTimeout time.Duration
	MaxAttempts     int
	RetryBase       time.Duration
	RetryAfterCap   time.Duration

	// Broker
	AccessTokenSkew time.Duration
	FlowTTL         time.Duration
	SessionTTL      time.Duration
	SessionCacheTTL time.Duration
	IdempotencyTTL  time.Duration

	// Vault: active key id plus "id=secret,id=secret" key material
	VaultActiveKeyID string
	VaultKeys        map[string]string
	VaultGrace       time.Duration

	// Redis & Postgres
	RedisURL    string
	DatabaseURL string

	// Optional per-tenant admission/breaker overrides
	LimitsFile string
	Limits     Limits
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:               env("GRAPHGATE_ENV", "dev"),
		HTTPAddr:          env("GRAPHGATE_HTTP_ADDR", ":8080"),
		IDPAuthorizeURL:   env("IDP_AUTHORIZE_URL", ""),
		IDPTokenURL:       env("IDP_TOKEN_URL", ""),
		IDPClientID:       env("IDP_CLIENT_ID", ""),
		IDPClientSecret:   env("IDP_CLIENT_SECRET", ""),
		RedirectAllowList: envList("REDIRECT_ALLOWLIST", ""),
		Issuer:            env("OIDC_ISSUER", ""),
		Audience:          env("OIDC_AUDIENCE", "graphgate"),
		JWKSURL:           env("JWKS_URL", ""),
		UpstreamBaseURL:   env("UPSTREAM_BASE_URL", "https://graph.microsoft.com/v1.0"),
		UpstreamTimeout:   envDur("UPSTREAM_TIMEOUT_SEC", 10) * time.Second,
		MaxAttempts:       envInt("MAX_RETRY_ATTEMPTS", 4),
		RetryBase:         envDur("RETRY_BASE_MS", 500) * time.Millisecond,
		RetryAfterCap:     envDur("RETRY_AFTER_CAP_SEC", 120) * time.Second,
		AccessTokenSkew:   envDur("ACCESS_TOKEN_SKEW_SEC", 60) * time.Second,
		FlowTTL:           envDur("FLOW_TTL_SEC", 600) * time.Second,
		SessionTTL:        envDur("SESSION_TTL_HOURS", 720) * time.Hour,
		SessionCacheTTL:   envDur("SESSION_CACHE_TTL_SEC", 900) * time.Second,
		IdempotencyTTL:    envDur("IDEMPOTENCY_TTL_SEC", 1800) * time.Second,
		VaultActiveKeyID:  env("VAULT_ACTIVE_KEY_ID", ""),
		VaultKeys:         envKV("VAULT_KEYS", ""),
		VaultGrace:        envDur("VAULT_ROTATION_GRACE_HOURS", 24) * time.Hour,
		RedisURL:          env("REDIS_URL", ""),
		DatabaseURL:       env("DATABASE_URL", ""),
		LimitsFile:        env("LIMITS_FILE", ""),
	}
	// Pending flows are single-use and short-lived; never beyond 10 minutes.
	if cfg.FlowTTL > 10*time.Minute {
		cfg.FlowTTL = 10 * time.Minute
	}
	cfg.Limits = LoadLimits(cfg.LimitsFile)
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set — using in-memory stores for dev")
	}
	return cfg
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func envDur(k string, def int) time.Duration {
	return time.Duration(envInt(k, def))
}

func envList(k, def string) []string {
	raw := env(k, def)
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envKV parses "id=secret,id2=secret2" pairs.
func envKV(k, def string) map[string]string {
	out := map[string]string{}
	for _, p := range envList(k, def) {
		if i := strings.Index(p, "="); i > 0 {
			out[p[:i]] = p[i+1:]
		}
	}
	return out
}
