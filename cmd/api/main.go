package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"curamed.org/internal/audit"
	"curamed.org/internal/catalog"
	"curamed.org/internal/emergency"
	"curamed.org/internal/engine"
	"curamed.org/internal/httpapi"
	"curamed.org/internal/obs"
	"curamed.org/internal/policy"
	"curamed.org/internal/rbac"
	"curamed.org/internal/session"
	"curamed.org/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("CURAMED_PG_DSN")
	if dsn == "" {
		log.Fatal("missing CURAMED_PG_DSN")
	}
	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	var redisClient *redis.Client
	if addr := os.Getenv("CURAMED_REDIS_ADDR"); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr})
	}
	cache := session.NewCache(redisClient, 0)

	recorder := audit.NewRecorder(store.Audit())

	catalogSvc, err := catalog.NewService(store.Catalog())
	if err != nil {
		log.Fatalf("catalog service: %v", err)
	}
	rbacSvc, err := rbac.NewService(store.RBAC())
	if err != nil {
		log.Fatalf("rbac service: %v", err)
	}
	policySvc, err := policy.NewEvaluator(store.Policies())
	if err != nil {
		log.Fatalf("policy evaluator: %v", err)
	}
	emergencySvc, err := emergency.NewService(store.Emergency(), recorder)
	if err != nil {
		log.Fatalf("emergency service: %v", err)
	}
	sessionSvc, err := session.NewRegistry(store.Sessions(), cache, recorder)
	if err != nil {
		log.Fatalf("session registry: %v", err)
	}
	decisionEngine, err := engine.New(rbacSvc, policySvc, emergencySvc, sessionSvc, recorder)
	if err != nil {
		log.Fatalf("decision engine: %v", err)
	}

	api := httpapi.New(httpapi.Deps{
		Ready:     httpapi.ReadyProbe{DB: store.DB(), Cache: cache},
		Version:   version,
		Catalog:   catalogSvc,
		RBAC:      rbacSvc,
		Policies:  policySvc,
		Emergency: emergencySvc,
		Sessions:  sessionSvc,
		Engine:    decisionEngine,
	})

	addr := os.Getenv("CURAMED_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background maintenance: expire emergency grants and stale sessions.
	sweeper := emergency.NewSweeper(emergencySvc, time.Minute)
	go sweeper.Run(ctx)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := sessionSvc.CleanupExpired(ctx); err != nil {
					log.Printf("session cleanup: %v", err)
				} else if n > 0 {
					log.Printf("session cleanup: terminated %d expired sessions", n)
				}
			}
		}
	}()

	log.Printf("Starting curamed-authz %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = store.Close()
	if redisClient != nil {
		_ = redisClient.Close()
	}
	log.Println("Stopped")
}
