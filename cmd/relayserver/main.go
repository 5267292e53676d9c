package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/jaydenbeard/ratchet-relay/internal/clustering"
	"github.com/jaydenbeard/ratchet-relay/internal/config"
	"github.com/jaydenbeard/ratchet-relay/internal/directory"
	"github.com/jaydenbeard/ratchet-relay/internal/messaging"
	"github.com/jaydenbeard/ratchet-relay/internal/metrics"
	"github.com/jaydenbeard/ratchet-relay/internal/registry"
	"github.com/jaydenbeard/ratchet-relay/internal/relay"
)

func main() {
	cfg := config.Load()
	log.Printf("starting relay instance: %s", cfg.InstanceID)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Printf("WARN: failed to close redis client: %v", err)
		}
	}()

	dir := directory.NewRedisDirectory(redisClient)
	reg := registry.New()

	hub := relay.NewHub(cfg.InstanceID, dir)
	handler := messaging.NewHandler(reg, dir, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := hub.RunInstanceSubscriber(ctx); err != nil && ctx.Err() == nil {
			log.Printf("WARN: instance subscriber exited: %v", err)
		}
	}()
	go hub.RunSelfDestructSweeper(ctx)

	serviceRegistry, err := clustering.NewRegistry(cfg.ConsulURL, cfg.InstanceID, cfg.ListenPort)
	if err != nil {
		log.Fatalf("failed to connect to consul: %v", err)
	}
	if err := serviceRegistry.Register(); err != nil {
		log.Fatalf("failed to register with consul: %v", err)
	}

	server := &relay.Server{
		Hub:       hub,
		Handler:   handler,
		Limiter:   relay.NewConnectLimiter(),
		JWTSecret: []byte(cfg.JWTSecret),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")
	router.HandleFunc("/ws", server.ServeHTTP).Methods("GET")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET"},
		AllowCredentials: false,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.ListenPort,
		Handler:           corsHandler.Handler(router),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("relay instance %s listening on port %s", cfg.InstanceID, cfg.ListenPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %v, starting graceful shutdown", sig)

	if err := serviceRegistry.Deregister(); err != nil {
		log.Printf("WARN: failed to deregister from consul: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARN: http server shutdown error: %v", err)
	}

	cancel()
	log.Println("relay instance stopped gracefully")
}
