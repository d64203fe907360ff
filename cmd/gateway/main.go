package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zeitgate.org/internal/accounts"
	"zeitgate.org/internal/audit"
	"zeitgate.org/internal/auth"
	"zeitgate.org/internal/config"
	"zeitgate.org/internal/couch"
	"zeitgate.org/internal/gateway"
	"zeitgate.org/internal/httpapi"
	"zeitgate.org/internal/obs"
	"zeitgate.org/internal/ratelimit"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store, err := couch.NewClient(cfg.CouchURL, cfg.CouchAdminUser, cfg.CouchAdminPass)
	if err != nil {
		log.Fatalf("store client: %v", err)
	}

	ensureCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = store.Ensure(ensureCtx, couch.Databases{
		Times: cfg.TimesDB,
		Users: cfg.UsersDB,
		Audit: cfg.AuditDB,
	})
	cancel()
	if err != nil {
		log.Fatalf("ensure databases: %v", err)
	}

	accountStore := accounts.NewStore(store, cfg.UsersDB)
	authority, err := auth.NewAuthority(cfg.AuthSecret, accountStore)
	if err != nil {
		log.Fatalf("authority: %v", err)
	}

	auditStore := audit.NewStore(store, cfg.AuditDB)
	proxy, err := gateway.New(gateway.Config{
		Verifier:        authority,
		StoreURL:        store.BaseURL(),
		StoreCredential: store.Credential(),
		Collection:      cfg.TimesDB,
		Audit:           audit.NewFilter(auditStore, cfg.TimesDB),
	})
	if err != nil {
		log.Fatalf("gateway: %v", err)
	}

	api := httpapi.New(httpapi.Config{
		Authority:    authority,
		Accounts:     accountStore,
		Audit:        auditStore,
		LoginLimiter: ratelimit.New(cfg.LoginRateWindow, cfg.LoginRateMax),
		Gateway:      proxy,
		Collection:   cfg.TimesDB,
		Probe:        httpapi.ReadyProbe{Store: store},
		Version:      version,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		// No ReadTimeout/WriteTimeout: continuous _bulk_docs uploads and
		// long-held _changes feeds outlive any fixed deadline.
		IdleTimeout: 60 * time.Second,
	}

	log.Printf("Starting zeitgate %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
