package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collab-gateway/internal/api/routes"
	"collab-gateway/internal/authz"
	"collab-gateway/internal/chat"
	"collab-gateway/internal/config"
	"collab-gateway/internal/database"
	"collab-gateway/internal/events"
	"collab-gateway/internal/gateway"
	"collab-gateway/internal/session"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env if present; environment always wins.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	slog.Info("Starting collaboration gateway")

	redisClient, err := database.NewRedisConnection(&cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	db, err := database.NewPostgresConnection(cfg.Database.URI)
	if err != nil {
		slog.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}

	// Session resolution against the shared HTTP session store.
	sessionStore := session.NewRedisStore(redisClient.GetClient())
	resolver := session.NewResolver(
		cfg.Session.CookieName,
		[]byte(cfg.Session.Secret),
		[]byte(cfg.Session.JWTSecret),
		sessionStore,
	)

	gate := authz.NewCachedGate(authz.NewGormGate(db), 30*time.Second)
	chatStore := chat.NewGormStore(db)

	hub := gateway.NewHub(gateway.HubOptions{
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		SendBufferSize:    cfg.Gateway.SendBufferSize,
		MaxMessageSize:    cfg.Gateway.MaxMessageSize,
	})

	bridge := gateway.NewBridge(gateway.NewRedisBus(redisClient.GetClient()), hub)
	bridge.Start(context.Background())

	gateway.NewRouter(hub, gate, bridge, chatStore)
	go hub.Run()

	throttle := gateway.NewThrottle(cfg.Gateway.ThrottleLimit, cfg.Gateway.ThrottleWindow)
	wsHandler := gateway.NewHandler(hub, resolver, throttle)

	// Optional domain-event relay from the CRUD services.
	relayCtx, cancelRelay := context.WithCancel(context.Background())
	var relay *events.Relay
	if cfg.Kafka.Enabled {
		relay = events.NewRelay(cfg.Kafka.Brokers, cfg.Kafka.Topic, hub)
		go relay.Run(relayCtx)
	}

	router := routes.NewRouter(wsHandler, hub, bridge, redisClient, db)
	router.SetupRoutes()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.GetEngine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Teardown order matters: liveness ticker and connections first, the
	// bridge subscription last, so nothing delivers into a closing hub.
	hub.Stop()
	bridge.Stop()
	cancelRelay()
	if relay != nil {
		relay.Close()
	}

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped")
}
