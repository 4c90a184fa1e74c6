package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"launchpad.org/internal/httpapi"
	"launchpad.org/internal/launchpad"
	"launchpad.org/internal/ledger"
	"launchpad.org/internal/obs"
	"launchpad.org/internal/store/pg"
	"launchpad.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg := launchpad.Config{
		EscrowAccount: envOr("LAUNCHPAD_ESCROW_ACCOUNT", "escrow"),
		FeeAsset:      envOr("LAUNCHPAD_FEE_ASSET", "LPX"),
		FeeAmount:     envInt64("LAUNCHPAD_FEE_AMOUNT", 0),
	}
	events := stream.New()

	// Postgres when a DSN is configured, in-memory otherwise. The in-memory
	// path is for local development and tests; state does not survive restart.
	var (
		svc   launchpad.Service
		probe httpapi.ReadyProbe
		store *pg.Store
	)
	if dsn := os.Getenv("LAUNCHPAD_PG_DSN"); dsn != "" {
		var err error
		store, err = pg.Open(dsn, cfg, pg.WithEvents(events))
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		svc = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		led := ledger.NewInMemory()
		if _, err := led.CreateAccountWithID(context.Background(), cfg.EscrowAccount, ledger.Money{Asset: cfg.FeeAsset, Amount: 0}); err != nil {
			log.Fatalf("bootstrap escrow account: %v", err)
		}
		svc = launchpad.NewInMemory(led, cfg, launchpad.WithEvents(events))
	}

	api := httpapi.New(probe, version, svc, events)

	srv := &http.Server{
		Addr:              envOr("LAUNCHPAD_HTTP_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting launchpad-api %s on %s", version, srv.Addr)

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
	if store != nil {
		_ = store.Close()
	}
	log.Println("Stopped")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		log.Fatalf("%s: not a non-negative integer: %q", key, v)
	}
	return n
}
