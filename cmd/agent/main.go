package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tecnocard-edge-agent/internal/config"
	"tecnocard-edge-agent/internal/gateway"
	"tecnocard-edge-agent/internal/handler"
	"tecnocard-edge-agent/internal/loyalty"
	"tecnocard-edge-agent/internal/middleware"
	"tecnocard-edge-agent/internal/realtime"
	"tecnocard-edge-agent/internal/router"
	"tecnocard-edge-agent/internal/service"
	"tecnocard-edge-agent/internal/store"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting Tecnocard edge agent...")

	// Load configuration
	cfg := config.MustLoad()
	log.Printf("Environment: %s", cfg.App.Environment)

	// Initialize session store based on config
	var sessionStore store.SessionStore
	var auditLog store.AuditLog
	switch cfg.SessionDB.Type {
	case "mysql":
		db, err := sql.Open("mysql", cfg.SessionDB.DSN())
		if err != nil {
			log.Fatalf("Failed to open MySQL: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			log.Fatalf("Failed to ping MySQL: %v", err)
		}
		defer db.Close()

		mysqlStore, err := store.NewMySQLStore(db, cfg.SessionDB.Device)
		if err != nil {
			log.Fatalf("Failed to initialize MySQL store: %v", err)
		}
		sessionStore = mysqlStore
		auditLog = mysqlStore
		log.Printf("MySQL session store initialized (device=%s)", cfg.SessionDB.Device)
	case "memory":
		memStore := store.NewMemoryStore()
		sessionStore = memStore
		auditLog = memStore
		log.Println("In-memory session store initialized")
	default: // sqlite
		sqliteStore, err := store.NewSQLiteStore(cfg.SessionDB.Path)
		if err != nil {
			log.Fatalf("Failed to initialize SQLite store: %v", err)
		}
		defer sqliteStore.Close()
		sessionStore = sqliteStore
		auditLog = sqliteStore
		log.Println("SQLite session store initialized")
	}

	// Initialize Redis client (optional: the agent degrades to poll-only
	// invalidation and static scanner keys without it)
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.RedisAddress(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed: %v", err)
			redisClient = nil
		} else {
			log.Println("Redis client initialized")
		}
		cancel()
	}

	// Initialize the backend gateway
	gw, err := gateway.NewClient(gateway.ClientConfig{
		BaseURL:      cfg.Backend.BaseURL,
		APIKey:       cfg.Backend.APIKey,
		Timeout:      cfg.Backend.Timeout,
		RutCacheSize: cfg.Backend.RutCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize backend gateway: %v", err)
	}

	// Initialize the reconciliation engine. The realtime manager follows the
	// session identity; the engine is the manager's invalidation target.
	var engine *loyalty.Engine
	var realtimeMgr *realtime.Manager

	engine, err = loyalty.New(context.Background(), sessionStore, gw,
		loyalty.WithMilestoneNotifier(func(milestone, visits int) {
			log.Printf("[Milestone] Card reached %d visits (tier %d)", visits, milestone)
		}),
		loyalty.WithIdentityListener(func(channelKey string) {
			if realtimeMgr != nil {
				realtimeMgr.Track(channelKey)
			}
		}),
	)
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}

	realtimeMgr = realtime.NewManager(redisClient, cfg.Realtime.ChannelPrefix, engine)
	if session := engine.Session(); session != nil {
		realtimeMgr.Track(session.Identity.ChannelKey())
	}

	// Fallback poller covers events missed while disconnected
	poller := realtime.NewRefreshPoller(engine, realtime.PollerConfig{
		Interval: cfg.Realtime.PollInterval,
	})
	poller.Start()

	// Initialize services
	var tokenService *service.TokenService
	if redisClient != nil {
		tokenService = service.NewTokenService(redisClient)
	}

	// Initialize handlers
	healthHandler := handler.New(sessionStore, redisClient)
	cardHandler := handler.NewCardHandler(engine, cfg.App.LocalTokens)
	scannerHandler := handler.NewScannerHandler(engine, gw, auditLog)
	dashboardHandler := handler.NewDashboardHandler(gw)
	adminHandler := handler.NewAdminHandler(sessionStore, realtimeMgr, cfg.SessionDB.Type)
	authHandler := handler.NewAuthHandler(tokenService, cfg.App.UnlockKey)

	// Create staff middleware with injected dependencies (NO GLOBALS!)
	staffMiddleware := middleware.NewStaffAuth(middleware.StaffAuthConfig{
		TokenService: tokenService,
		ScannerKeys:  cfg.App.ScannerKeys,
	})

	// Create router
	r := router.New(router.Config{
		Handler:          healthHandler,
		CardHandler:      cardHandler,
		ScannerHandler:   scannerHandler,
		DashboardHandler: dashboardHandler,
		AdminHandler:     adminHandler,
		AuthHandler:      authHandler,
		StaffMiddleware:  staffMiddleware,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Agent listening on %s", cfg.Server.Address())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down agent...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	poller.Stop()
	if err := realtimeMgr.Close(); err != nil {
		log.Printf("Realtime shutdown error: %v", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Agent stopped")
	fmt.Println("Goodbye!")
}
