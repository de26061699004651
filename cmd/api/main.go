package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"orbaccess.dev/internal/access"
	"orbaccess.dev/internal/apikey"
	"orbaccess.dev/internal/httpapi"
	"orbaccess.dev/internal/obs"
	"orbaccess.dev/internal/store/memory"
	"orbaccess.dev/internal/store/pg"
)

// Overridden at build time via -ldflags.
var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	httpAddr := envOr("ORB_HTTP_ADDR", ":8080")
	grpcAddr := envOr("ORB_GRPC_ADDR", ":9090")

	// Postgres when a DSN is set, in-memory otherwise (local development).
	var (
		accessStore access.Store
		keyStore    apikey.Store
		probe       httpapi.ReadyProbe
		closeStore  func() error
	)
	if dsn := os.Getenv("ORB_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		accessStore = store
		keyStore = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
		closeStore = store.Close
	} else {
		store := memory.New()
		accessStore = store
		keyStore = store
		closeStore = func() error { return nil }
		obs.Event("warn", "no ORB_PG_DSN set, using in-memory store", nil)
	}

	accessSvc, err := access.NewService(accessStore)
	if err != nil {
		log.Fatalf("access service: %v", err)
	}
	keySvc, err := apikey.NewService(keyStore)
	if err != nil {
		log.Fatalf("key service: %v", err)
	}
	authorizer, err := apikey.NewAuthorizer(keySvc)
	if err != nil {
		log.Fatalf("authorizer: %v", err)
	}

	api := httpapi.New(probe, version, accessSvc, keySvc, authorizer)

	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, httpapi.NewHealthServer(probe))

	log.Printf("Starting orb-access %s on %s (grpc %s)", version, httpAddr, grpcAddr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		if err := grpcSrv.Serve(lis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	grpcSrv.GracefulStop()
	_ = closeStore()
	log.Println("Stopped")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
