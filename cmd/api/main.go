package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"haccare.org/internal/auth"
	"haccare.org/internal/httpapi"
	"haccare.org/internal/obs"
	"haccare.org/internal/sim"
	"haccare.org/internal/store/pg"
	"haccare.org/internal/stream"
	"haccare.org/internal/tenant"
)

// Overridden at build time via -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		svc    sim.Service
		dir    tenant.Directory
		grants tenant.GrantStore
		probe  httpapi.ReadyProbe
		closer func()
	)
	if dsn := os.Getenv("HACCARE_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		svc, dir, grants = store, store, store
		probe = httpapi.ReadyProbe{DB: store.DB()}
		closer = func() { _ = store.Close() }
	} else {
		// No DSN: run everything in process. Handy for demos and local
		// frontend work, state is lost on exit.
		mem := tenant.NewInMemory()
		svc = sim.NewInMemory(mem, mem)
		dir, grants = mem, mem
		closer = func() {}
	}

	authz, err := auth.NewAuthorizer(grants)
	if err != nil {
		log.Fatalf("authorizer: %v", err)
	}

	events := stream.New()
	api := httpapi.New(svc, authz, dir, grants, events, probe, version)

	srv := &http.Server{
		Addr:              listenAddr(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Expiry sweep: advisory, completes overdue sessions through the same
	// archival path the API uses.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sweeper := sim.NewSweeper(svc, sweepInterval()).Notify(func(sess sim.Session) {
		events.Publish(stream.LifecycleEvent{
			Type: stream.EventSessionExpiring, SessionID: sess.ID, TenantID: sess.TenantID, Name: sess.Name,
		})
	})
	go sweeper.Run(sweepCtx)

	log.Printf("Starting haccare-sim %s on %s", version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	closer()
	log.Println("Stopped")
}

func listenAddr() string {
	if addr := os.Getenv("HACCARE_LISTEN_ADDR"); addr != "" {
		return addr
	}
	return ":8080"
}

func sweepInterval() time.Duration {
	if raw := os.Getenv("HACCARE_SWEEP_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
		log.Printf("invalid HACCARE_SWEEP_INTERVAL %q, using default", raw)
	}
	return time.Minute
}
