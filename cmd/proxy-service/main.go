// cmd/proxy-service/main.go
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

	"nexus/internal/auth"
	"nexus/internal/credentials"
	"nexus/internal/onboard"
	"nexus/internal/policy"
	"nexus/internal/proxy"
	"nexus/internal/registry"
	"nexus/pkg/config"
	"nexus/pkg/db"
	"nexus/pkg/logger"
	"nexus/pkg/middleware"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)

	pool := db.MustConnect(cfg, log)
	rdb := db.MustRedis(cfg, log)

	var prov credentials.Provider
	if pool != nil {
		if err := credentials.EnsureSchema(context.Background(), pool); err != nil {
			log.Fatalw("schema", "err", err)
		}
		prov = credentials.NewPostgresProvider(pool)
	} else {
		prov = credentials.NewMemoryProviderFromEnv(log)
	}
	store := credentials.NewStore(prov)

	reg, err := registry.New(cfg)
	if err != nil {
		log.Fatalw("registry", "err", err)
	}
	log.Infow("endpoint registry ready", "operations", reg.Operations())
	authn := auth.New(log, cfg, store, reg)
	ob := onboard.New(log, cfg, reg, authn, rdb)
	gate, err := policy.New(context.Background(), log, cfg)
	if err != nil {
		log.Fatalw("policy", "err", err)
	}
	d := proxy.NewDispatcher(log, cfg, reg, authn, ob, gate)

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing(cfg))
	r.Use(middleware.Metrics())
	r.Use(middleware.WithTenant())
	r.Use(middleware.AccessKey(cfg))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	proxy.RegisterHTTP(r, log, d)
	proxy.RegisterAuthHTTP(r, log, authn)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Infow("proxy-service listening", "addr", cfg.HTTPAddr)
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
	fmt.Println("proxy-service stopped")
}
