package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/padsync/collab/internal/v1/archive"
	"github.com/padsync/collab/internal/v1/auth"
	"github.com/padsync/collab/internal/v1/config"
	"github.com/padsync/collab/internal/v1/health"
	"github.com/padsync/collab/internal/v1/logging"
	"github.com/padsync/collab/internal/v1/middleware"
	"github.com/padsync/collab/internal/v1/ratelimit"
	"github.com/padsync/collab/internal/v1/tracing"
	"github.com/padsync/collab/internal/v1/transport"
	"github.com/padsync/collab/internal/v1/types"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../.env", "../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	logging.Initialize(cfg.DevelopmentMode)

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Tracing (Optional) ---
	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(context.Background(), "collabd", cfg.OtelCollectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracer", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
			slog.Info("Tracing initialized", "collector", cfg.OtelCollectorAddr)
		}
	}

	// --- Auth ---
	skipAuth := cfg.SkipAuth
	if !skipAuth && cfg.DevelopmentMode && (cfg.Auth0Domain == "" || cfg.Auth0Audience == "") {
		slog.Warn("Development Mode: Auth0 credentials missing. Auto-enabling SKIP_AUTH.")
		skipAuth = true
	}

	var validator types.TokenValidator
	if skipAuth {
		slog.Warn("Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		validator = &auth.MockValidator{}
	} else {
		if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			slog.Error("AUTH0_DOMAIN and AUTH0_AUDIENCE must be set in environment when SKIP_AUTH=false")
			return
		}
		authValidator, err := auth.NewValidator(context.Background(), cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			slog.Error("Failed to create auth validator", "error", err)
			return
		}
		slog.Info("Auth0 validator initialized", "domain", cfg.Auth0Domain, "audience", cfg.Auth0Audience)
		validator = authValidator
	}

	// --- Redis Snapshot Archive (Optional) ---
	var archiveService *archive.Service
	if cfg.RedisEnabled {
		archiveService, err = archive.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running without snapshot archive", "error", err)
			archiveService = nil
		} else {
			slog.Info("Redis snapshot archive initialized", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running without snapshot archive (Redis disabled)")
	}

	// --- Rate Limiting ---
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, archiveService.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Hub ---
	var archiver types.Archiver
	if archiveService != nil {
		archiver = archiveService
	}
	hub := transport.NewHub(transport.Options{
		Validator:         validator,
		Archiver:          archiver,
		RateLimiter:       rateLimiter,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PresenceTTL:       cfg.PresenceTTL,
	})
	go hub.Run()

	// --- Set up Server ---
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsConfig))
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("collabd"))

	// WebSocket endpoint. Rooms are addressed per message, not per URL.
	router.GET("/ws", hub.ServeWs)

	// Latest archived snapshot, for operational inspection.
	router.GET("/v1/rooms/:roomId/snapshot", rateLimiter.HTTPMiddleware(), func(c *gin.Context) {
		if archiveService == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "snapshot archive disabled"})
			return
		}
		snap, err := archiveService.LoadSnapshot(c.Request.Context(), c.Param("roomId"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot load failed"})
			return
		}
		if snap == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot for room"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"roomId":  snap.RoomID,
			"version": snap.Version,
			"doc":     json.RawMessage(snap.Doc),
		})
	})

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(archiver)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	go func() {
		slog.Info("collabd starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during Hub shutdown:", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	if archiveService != nil {
		if err := archiveService.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Server exiting")
}
