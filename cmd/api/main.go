package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"canonid.io/internal/audit"
	"canonid.io/internal/httpapi"
	"canonid.io/internal/identity"
	"canonid.io/internal/merge"
	"canonid.io/internal/obs"
	"canonid.io/internal/store/pg"
	"canonid.io/internal/stream"
)

var version = "0.3.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("CANONID_COMMIT"))

	hmacKey := os.Getenv("CANONID_AUDIT_HMAC_KEY")
	if hmacKey == "" {
		log.Fatal("CANONID_AUDIT_HMAC_KEY is required")
	}
	sealer, err := audit.NewSealer(audit.StaticKey(hmacKey))
	if err != nil {
		log.Fatalf("sealer: %v", err)
	}

	// Persistent store when a DSN is configured, in-process otherwise.
	var (
		store identity.Store
		db    *sql.DB
	)
	if dsn := os.Getenv("CANONID_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		db = pgStore.DB()
	} else {
		log.Print("CANONID_PG_DSN not set, using in-memory store")
		store = identity.NewInMemory()
	}

	feed := stream.New()
	directory := identity.NewService(store, sealer, identity.WithNotifier(feed.RecordNotifier()))
	merger := merge.NewEngine(store, sealer, merge.WithNotifier(feed.RecordNotifier()))

	api := httpapi.New(store, directory, merger, sealer, feed, httpapi.ReadyProbe{DB: db}, version)

	handler := httpapi.RequestID(
		httpapi.Logging(
			httpapi.SecurityHeaders(
				httpapi.MaxBodyBytes(
					httpapi.RateLimit(api.Handler(), 50, 25),
					1<<20,
				),
			),
		),
	)

	addr := os.Getenv("CANONID_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting canonid-api %s on %s", version, srv.Addr)

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
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
