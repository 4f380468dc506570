package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"studio-booking-backend/config"
	"studio-booking-backend/internal/api"
	"studio-booking-backend/internal/auth"
	"studio-booking-backend/internal/booking"
	"studio-booking-backend/internal/calendar"
	"studio-booking-backend/internal/db"
	"studio-booking-backend/internal/mw"
	"studio-booking-backend/internal/reconcile"
	"studio-booking-backend/internal/store"
)

func main() {
	logger := log.New(os.Stdout, "studio-backend ", log.LstdFlags)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}
	logger.Printf("configuration loaded successfully from %s", configPath)

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	logger.Println("database initialized successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var feed store.Feed
	if cfg.Feed.RedisURL != "" {
		client, err := store.NewRedisClient(ctx, cfg.Feed.RedisURL)
		if err != nil {
			logger.Fatalf("failed to connect to redis: %v", err)
		}
		defer client.Close()
		feed = store.NewRedisFeed(client, cfg.App.ID)
		logger.Println("change feed: redis")
	} else {
		feed = store.NewMemoryFeed()
		logger.Println("change feed: in-process")
	}
	appStore := store.NewGormStore(gormDB, cfg.App.ID, feed)

	var mirror calendar.Mirror = calendar.Disabled{}
	if !cfg.Calendar.Disabled {
		gm, err := calendar.NewGoogleMirror(ctx, &cfg.Calendar)
		if err != nil {
			logger.Fatalf("failed to initialize calendar: %v", err)
		}
		mirror = gm
		logger.Printf("calendar mirror writing to %s", cfg.Calendar.CalendarID)
	} else {
		logger.Println("calendar mirror disabled")
	}

	slots := mw.NewSlotCache(time.Duration(cfg.Server.CacheTTLSeconds) * time.Second)
	svc := booking.NewService(appStore, mirror, slots, booking.Options{
		RoomRate:        cfg.Booking.RoomRate,
		DefaultTimeZone: cfg.Booking.DefaultTimeZone,
		RetryAfter:      cfg.Reconciler.BaseBackoff,
	})

	reconciler := reconcile.New(cfg.Reconciler, appStore, mirror)
	go reconciler.Run(ctx)

	router := api.NewRouter(svc, api.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      rate.Limit(cfg.Server.RateLimitPerSec),
		RateBurst:      cfg.Server.RateLimitBurst,
		Verifier:       auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience),
		Profiles:       appStore,
		Slots:          slots,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Println("Shutdown signal received, stopping services...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("HTTP server Shutdown: %v", err)
	}

	logger.Println("Server gracefully stopped")
}
