// cmd/broker-service/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"graphgate/internal/admission"
	"graphgate/internal/broker"
	"graphgate/internal/graphapi"
	"graphgate/internal/ledger"
	"graphgate/internal/orchestrator"
	"graphgate/internal/session"
	"graphgate/internal/upstream"
	"graphgate/internal/vault"
	"graphgate/pkg/config"
	"graphgate/pkg/db"
	"graphgate/pkg/kv"
	"graphgate/pkg/logger"
	"graphgate/pkg/middleware"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env, "broker-service")

	pool := db.MustConnect(cfg, log)
	rdb := db.MustRedis(cfg, log)

	// Durable store is authoritative; the cache tier fronts it with
	// shorter TTLs. Both degrade to memory for dev bring-up.
	var durable kv.Store = kv.NewMemory()
	if pool != nil {
		if err := kv.EnsureSchema(context.Background(), pool); err != nil {
			log.Fatalw("schema", "err", err)
		}
		durable = kv.NewPostgres(pool, "gg:")
	}
	var cache kv.Store = kv.NewMemory()
	if rdb != nil {
		cache = kv.NewRedis(rdb, "gg:")
	}

	keyring, err := vault.NewKeyring(cfg.VaultActiveKeyID, cfg.VaultKeys, cfg.VaultGrace)
	if err != nil {
		if cfg.Env != "dev" {
			log.Fatalw("vault", "err", err)
		}
		log.Warnw("vault keys not configured, generating an ephemeral dev key")
		keyring, _ = vault.NewKeyring("dev", map[string]string{"dev": fmt.Sprintf("dev-%d", time.Now().UnixNano())}, cfg.VaultGrace)
	}

	sessions := session.NewStore(durable, cache, cfg.SessionCacheTTL)
	idp := broker.NewIDPClient(cfg.IDPAuthorizeURL, cfg.IDPTokenURL, cfg.IDPClientID, cfg.IDPClientSecret, cfg.UpstreamTimeout)
	brk := broker.New(cfg, idp, sessions, durable, cache, keyring, log)
	led := ledger.New(durable, cfg.IdempotencyTTL)
	adm := admission.NewController(cfg.Limits)
	exec := upstream.NewExecutor(cfg, log)
	orch := orchestrator.New(brk, led, adm, exec, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing())
	r.Use(middleware.JWTAuth(cfg))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	graphapi.Router(r, cfg, brk, orch, log)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Infow("broker-service listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	if pool != nil {
		pool.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	fmt.Println("broker-service stopped")
}
