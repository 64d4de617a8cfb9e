package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/civic-dx/register-backend/shared/monitoring"
	"github.com/civic-dx/register-backend/shared/utils"
	v1 "github.com/civic-dx/register-backend/v1"
	v1handlers "github.com/civic-dx/register-backend/v1/handlers"
	"github.com/civic-dx/register-backend/v1/settings"
)

func main() {
	// Load .env file if it exists (optional - fails silently if not found)
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))
	slog.SetDefault(logger)

	slog.Info("Starting Register Backend initialization")

	// Initialize GORM database connection
	dbConfig := v1.NewDatabaseConfig()
	gormDB, err := v1.ConnectGormDB(dbConfig)
	if err != nil {
		slog.Error("Failed to connect to GORM database", "error", err)
		os.Exit(1)
	}

	if err := v1.MigrateSchema(gormDB); err != nil {
		slog.Error("Failed to migrate database schema", "error", err)
		os.Exit(1)
	}

	// Assemble the entity registry; a broken configuration is fatal here
	registry, err := v1.BuildRegistry()
	if err != nil {
		slog.Error("Invalid entity configuration", "error", err)
		os.Exit(1)
	}

	// Live configuration: Redis when configured, otherwise a static fallback
	var provider settings.Provider
	if redisAddr := utils.GetEnvOrDefault("REDIS_ADDR", ""); redisAddr != "" {
		redisProvider, err := settings.NewRedisProvider(&settings.RedisConfig{
			Addr:     redisAddr,
			Password: utils.GetEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       0,
		})
		if err != nil {
			slog.Error("Failed to connect to Redis configuration store", "error", err)
			os.Exit(1)
		}
		defer redisProvider.Close()
		provider = redisProvider
		slog.Info("Using Redis configuration store", "addr", redisAddr)
	} else {
		provider = settings.NewStaticProvider(nil, nil)
		slog.Warn("REDIS_ADDR not set, mapped imports are unavailable until a mapping table is configured")
	}

	// Initialize V1 handlers
	v1Handler, err := v1handlers.NewV1Handler(gormDB, registry, provider)
	if err != nil {
		slog.Error("Failed to initialize V1 handler", "error", err)
		os.Exit(1)
	}

	// Create a mux for API routes
	apiMux := http.NewServeMux()
	v1Handler.SetupV1Routes(apiMux)

	// Middleware chain: CORS, request metrics. An authentication middleware
	// slots in here when the deployment requires one.
	monitoring.RegisterRoutes([]string{
		"/health",
		"/api/v1/persons",
		"/api/v1/persons/:id",
		"/api/v1/custom-fields",
		"/api/v1/custom-fields/:id",
		"/api/v1/custom-fields/:id/choices",
		"/api/v1/custom-fields/:id/choices/:id",
		"/api/v1/import/persons",
		"/api/v1/import/persons/:id",
		"/api/v1/admin/mapping/validate",
	})
	corsMiddleware := utils.NewCORSMiddleware()
	apiHandler := corsMiddleware(monitoring.HTTPMetricsMiddleware(apiMux))

	// Create the MAIN (top-level) mux for all incoming traffic
	topLevelMux := http.NewServeMux()

	topLevelMux.Handle("/health", utils.PanicRecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		type DBHealth struct {
			Status   string `json:"status"`
			Error    string `json:"error,omitempty"`
			Database string `json:"database,omitempty"`
		}
		type HealthStatus struct {
			Status   string   `json:"status"`
			Service  string   `json:"service"`
			Database DBHealth `json:"database"`
		}

		status := HealthStatus{
			Status:   "healthy",
			Service:  "register-backend",
			Database: DBHealth{Status: "unknown"},
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		sqlDB, err := gormDB.DB()
		if err != nil {
			status.Database = DBHealth{Status: "unhealthy", Error: fmt.Sprintf("failed to get sql.DB: %v", err)}
			status.Status = "unhealthy"
		} else if err := sqlDB.PingContext(ctx); err != nil {
			status.Database = DBHealth{Status: "unhealthy", Error: err.Error()}
			status.Status = "unhealthy"
		} else {
			status.Database = DBHealth{Status: "healthy", Database: dbConfig.Database}
		}

		statusCode := http.StatusOK
		if status.Status != "healthy" {
			statusCode = http.StatusServiceUnavailable
		}

		utils.RespondWithJSON(w, statusCode, status)
	})))

	topLevelMux.Handle("/metrics", monitoring.Handler())
	topLevelMux.Handle("/api/v1/", apiHandler)

	// Start server
	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}

	addr := ":" + port
	server := &http.Server{
		Addr:         addr,
		Handler:      topLevelMux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		slog.Info("Register Backend starting", "port", port, "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to start Register Backend", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down Register Backend...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if sqlDB, err := gormDB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			slog.Error("Failed to close database connection", "error", err)
		}
	}

	slog.Info("Register Backend exited")
}
