package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"warden/internal/auth"
	"warden/internal/config"
	"warden/internal/db"
	"warden/internal/events"
	"warden/internal/gateway"
	"warden/internal/handlers"
	"warden/internal/middleware"
	"warden/internal/notify"
	"warden/internal/orchestrator"
	"warden/internal/version"
)

func main() {
	log.SetFlags(log.Ltime | log.Ldate)
	log.Printf("🚀 %s starting...", version.String())

	cfg := config.Load()

	if err := db.Init(cfg.DBPath); err != nil {
		log.Fatalf("❌ Database init failed: %v", err)
	}
	defer db.DB.Close()
	log.Printf("✅ Database connected (%s)", cfg.DBPath)

	bus := events.NewBus()

	if len(cfg.NotifyURLs) > 0 {
		notifier := notify.NewNotifier(cfg.NotifyURLs, notify.ShoutrrrSender{}, 5*time.Minute)
		notifier.Attach(bus)
		log.Printf("✓ Notifications enabled (%d service(s))", len(cfg.NotifyURLs))
	}

	metrics := gateway.NewMetrics()
	hub := gateway.NewHub(db.DB, bus, metrics, cfg.CommandTimeout)

	sweeper := gateway.NewLivenessSweeper(db.DB, bus, cfg.HeartbeatThreshold, cfg.SweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	auth.CreateDefaultAdmin(db.DB, cfg)
	go sessionCleanupLoop()

	// Handler dependencies.
	handlers.DB = db.DB
	handlers.Hub = hub
	handlers.Orch = orchestrator.New(db.DB, hub, bus, metrics)
	handlers.Cfg = cfg

	protect := func(next http.HandlerFunc) http.HandlerFunc {
		return auth.Middleware(db.DB, cfg, next)
	}
	loginLimiter := middleware.NewRateLimiter(10, time.Minute)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.Health)
	mux.Handle("GET /metrics", metrics.Handler())

	// Agent gateway: agents connect here with ?agent=<name>&token=<token>.
	mux.HandleFunc("GET /api/v1/gateway", hub.HandleAgentConnection)

	mux.HandleFunc("GET /api/v1/auth/status", auth.Status(db.DB, cfg))
	mux.HandleFunc("POST /api/v1/auth/login", loginLimiter.Limit(auth.Login(db.DB, cfg)))
	mux.HandleFunc("POST /api/v1/auth/logout", auth.Logout(db.DB))
	mux.HandleFunc("POST /api/v1/auth/change-password", protect(auth.ChangePassword(db.DB)))

	handlers.RegisterAgentRoutes(mux, protect)
	handlers.RegisterVMRoutes(mux, protect)
	handlers.RegisterVolumeRoutes(mux, protect)
	handlers.RegisterConsoleRoutes(mux, protect)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: middleware.CORS(middleware.Logging(mux)),
	}

	go func() {
		log.Printf("👁️  Warden listening on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("⏹️  Shutting down...")
	hub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  HTTP shutdown: %v", err)
	}
}

// sessionCleanupLoop purges expired admin sessions hourly.
func sessionCleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		auth.CleanupExpiredSessions(db.DB)
	}
}
