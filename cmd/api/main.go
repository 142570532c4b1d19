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

	"github.com/joho/godotenv"
	"github.com/otpcore/server/internal/auth"
	"github.com/otpcore/server/internal/config"
	"github.com/otpcore/server/internal/db"
	httphandler "github.com/otpcore/server/internal/http"
	"github.com/otpcore/server/internal/http/handlers"
	"github.com/otpcore/server/internal/middleware"
	"github.com/otpcore/server/internal/otp"
	"github.com/otpcore/server/internal/repo"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"
	_ "github.com/lib/pq"
)

func main() {
	// Load .env from CWD (env vars override)
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if err := runMigrations(database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize repositories
	deviceRepo := repo.NewDeviceRepo(database, cfg.QueryTimeout)
	auditRepo := repo.NewAuditRepo(database, cfg.QueryTimeout)

	// Initialize core services
	deriver := otp.NewKeyDeriver(cfg.MasterSecret)
	engine := otp.NewEngine(cfg.OTPInterval, cfg.OTPWindow, cfg.OTPDigits)
	recorder := auth.NewRecorder(auditRepo)
	service := auth.NewService(deviceRepo, recorder, deriver, engine)

	var tokens *auth.TokenService
	if cfg.JWTSecret != "" {
		tokens = auth.NewTokenService(cfg.JWTSecret)
	}

	limiter := newLimiter(ctx, cfg)

	// Initialize handlers
	deviceHandler := handlers.NewDeviceHandler(service, engine, cfg.DevMode)
	if cfg.DevMode {
		log.Printf("Dev mode enabled: registration responses include dev_otp")
	}
	otpHandler := handlers.NewOTPHandler(service, cfg.OTPDigits, limiter)
	auditHandler := handlers.NewAuditHandler(auditRepo)
	healthHandler := handlers.NewHealthHandler(database)

	router := httphandler.NewRouter(httphandler.RouterDeps{
		Device:  deviceHandler,
		OTP:     otpHandler,
		Audit:   auditHandler,
		Health:  healthHandler,
		APIKey:  cfg.APIKey,
		Tokens:  tokens,
		Limiter: limiter,
	})

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// newLimiter returns a Redis-backed limiter when REDIS_URL is configured and
// reachable, otherwise the in-process sliding window.
func newLimiter(ctx context.Context, cfg *config.Config) middleware.Limiter {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Printf("Invalid REDIS_URL, falling back to in-memory rate limiting: %v", err)
		} else {
			client := redis.NewClient(opts)
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := client.Ping(pingCtx).Err(); err != nil {
				log.Printf("Redis unreachable, falling back to in-memory rate limiting: %v", err)
			} else {
				log.Printf("Rate limiting backed by Redis")
				return middleware.NewRedisRateLimiter(client, cfg.RateLimitWindow, cfg.RateLimitRequests)
			}
		}
	}
	return middleware.NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitRequests)
}

// runMigrations runs database migrations using goose
func runMigrations(database *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	migrationDir := "internal/db/migrations"
	if info, err := os.Stat(migrationDir); err != nil || !info.IsDir() {
		return fmt.Errorf("migrations directory not found (run from the module root)")
	}

	if err := goose.Up(database, migrationDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
