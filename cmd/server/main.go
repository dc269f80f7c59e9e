package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hostwarden/internal/agents"
	"hostwarden/internal/config"
	"hostwarden/internal/db"
	"hostwarden/internal/events"
	"hostwarden/internal/handlers"
	"hostwarden/internal/hub"
	"hostwarden/internal/middleware"
	"hostwarden/internal/notify"
	"hostwarden/internal/version"
)

func main() {
	log.Printf("Hostwarden control plane %s starting", version.Version)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Database error: %v", err)
	}
	defer database.Close()

	if err := agents.Migrate(database); err != nil {
		log.Fatalf("Migration error: %v", err)
	}
	store := agents.NewStore(database)

	// Hub wiring: registry and dashboard hub own the session maps, the
	// dispatcher authenticates inbound traffic against the store.
	bus := events.NewBus()
	registry := hub.NewRegistry(bus)
	dashboards := hub.NewDashboardHub(cfg.DashboardQueue)
	dispatcher := hub.NewDispatcher(store, registry, dashboards, bus, cfg.EnvelopeMaxAge)
	commands := hub.NewCommandChannel(registry, store)
	ws := hub.NewServer(dispatcher, registry, dashboards)

	// Persist first-connect timestamps.
	bus.Subscribe(func(e events.Event) {
		if err := store.TouchLastConnected(e.AgentID); err != nil {
			log.Printf("Stamping last_connected_at for %s: %v", e.AgentID, err)
		}
	}, events.AgentConnected)

	// Re-broadcast live state changes and telemetry to dashboards.
	bus.Subscribe(func(e events.Event) {
		dashboards.BroadcastToDashboards(e)
	}, events.AgentConnected, events.AgentDisconnected, events.AgentStale, events.MetricsReceived)

	liveness := hub.NewLivenessMonitor(registry, bus, cfg.StaleThreshold, cfg.StaleThreshold/4)
	liveness.Start()
	defer liveness.Stop()

	alerts := notify.NewDispatcher(bus, cfg.NotifyURLs, events.SeverityInfo, nil)
	alerts.Start()
	defer alerts.Stop()

	agentAPI := handlers.NewAgentHandlers(store, registry, commands)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.Health)
	mux.HandleFunc("GET /ws/agent", ws.HandleAgent)
	mux.HandleFunc("GET /ws/dashboard", ws.HandleDashboard)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/v1/agents", agentAPI.List)
	api.HandleFunc("POST /api/v1/agents", agentAPI.Provision)
	api.HandleFunc("DELETE /api/v1/agents/{id}", agentAPI.Delete)
	api.HandleFunc("PUT /api/v1/agents/{id}/enabled", agentAPI.SetEnabled)
	api.HandleFunc("GET /api/v1/agents/{id}/status", agentAPI.Status)
	api.HandleFunc("POST /api/v1/agents/{id}/command", agentAPI.Command)

	limiter := middleware.NewRateLimiter(120, time.Minute)
	mux.Handle("/api/v1/",
		middleware.BasicAuth(cfg.AdminUser, cfg.AdminPass, limiter.Limit(api)))

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: middleware.Logging(middleware.CORS(mux)),
	}

	go func() {
		log.Printf("Listening on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	registry.CloseAll()
	dashboards.CloseAll()
}
