package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/trading-ledger/internal/accounts"
	"github.com/ksred/trading-ledger/internal/auth"
	"github.com/ksred/trading-ledger/internal/database"
	"github.com/ksred/trading-ledger/internal/trading"
	"github.com/ksred/trading-ledger/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// main initializes and runs the order-execution API server with graceful
// shutdown support. It wires the database, services and routes together.
func main() {
	// Optional .env for local development
	_ = godotenv.Load()

	// Initialize database
	db, err := database.NewDatabase(envOrDefault("DATABASE_PATH", "trading.db"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	jwtSecret := envOrDefault("JWT_SECRET", "trading-ledger-secret-key")

	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	accountsService := accounts.NewService(db)
	accountsHandlers := accounts.NewGinHandlers(accountsService)

	tradingService := trading.NewService(db)
	tradingHandlers := trading.NewGinHandlers(tradingService)

	// Create and start the stale-order processor
	orderProcessor := trading.NewProcessor(tradingService)
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	go orderProcessor.Start(processorCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, jwtSecret, authHandlers, accountsHandlers, tradingHandlers)

	// Get port from env otherwise it's 8080
	port := envOrDefault("PORT", "8080")

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Account and order routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	accountsHandlers *accounts.GinHandlers,
	tradingHandlers *trading.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Account routes
		acct := v1.Group("/accounts")
		acct.Use(middleware.JWTAuth(jwtSecret))
		{
			acct.POST("", accountsHandlers.CreateAccountHandler())
			acct.GET("/:account_id/balance", accountsHandlers.GetBalanceHandler())
			acct.GET("/:account_id/positions", accountsHandlers.GetPositionsHandler())
			acct.GET("/:account_id/ledger", accountsHandlers.GetLedgerHandler())
			acct.GET("/:account_id/orders", tradingHandlers.GetOrderHistoryHandler())
			acct.POST("/:account_id/orders", tradingHandlers.CreateOrderHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(jwtSecret))
		{
			orders.GET("/:order_id", tradingHandlers.GetOrderHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/execution/:order_id", tradingHandlers.ExecuteOrderHandler())
		}
	}
}
