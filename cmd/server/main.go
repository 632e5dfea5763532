package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/marketsim/paper-exchange/internal/auth"
	"github.com/marketsim/paper-exchange/internal/database"
	"github.com/marketsim/paper-exchange/internal/execution"
	"github.com/marketsim/paper-exchange/internal/ledger"
	"github.com/marketsim/paper-exchange/internal/matching"
	"github.com/marketsim/paper-exchange/internal/notifications"
	"github.com/marketsim/paper-exchange/internal/orders"
	"github.com/marketsim/paper-exchange/internal/pricing"
	"github.com/marketsim/paper-exchange/pkg/middleware"

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

// main initializes and runs the exchange API server with graceful shutdown
// support. It wires the price oracle, ledgers, trade executor and matching
// engine together and starts the background matching and price feed loops.
func main() {
	// Initialize database
	db, err := database.NewDatabase()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "paper-exchange-secret"
	}
	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	pricingService := pricing.NewService(db)
	pricingHandlers := pricing.NewGinHandlers(pricingService)
	if err := pricingService.SeedDefaultAssets(); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to seed assets")
	}

	ledgerService := ledger.NewService(db, pricingService)
	ledgerHandlers := ledger.NewGinHandlers(ledgerService)

	notificationService := notifications.NewService(db)
	executor := execution.NewExecutor(db, ledgerService, notificationService)

	orderService := orders.NewService(db, ledgerService, pricingService, executor)
	orderHandlers := orders.NewGinHandlers(orderService)

	engine := matching.NewEngine(db, pricingService, executor)
	matchingHandlers := matching.NewGinHandlers(engine)

	// Start background loops: matching passes and the simulated price feed
	processor := matching.NewProcessor(engine, matchingInterval())
	feed := pricing.NewFeed(pricing.NewDatabase(db), priceFeedInterval())

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	defer backgroundCancel()

	go processor.Start(backgroundCtx)
	go feed.Start(backgroundCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, orderHandlers, ledgerHandlers, pricingHandlers, matchingHandlers)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

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

// matchingInterval reads the matching pass interval from the environment,
// defaulting to 5 seconds
func matchingInterval() time.Duration {
	if raw := os.Getenv("MATCHING_INTERVAL_SECONDS"); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 5 * time.Second
}

// priceFeedInterval reads the price feed tick interval from the environment,
// defaulting to 2 seconds
func priceFeedInterval() time.Duration {
	if raw := os.Getenv("PRICE_FEED_INTERVAL_SECONDS"); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 2 * time.Second
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order and portfolio routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	orderHandlers *orders.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
	pricingHandlers *pricing.GinHandlers,
	matchingHandlers *matching.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		ordersGroup := v1.Group("/orders")
		ordersGroup.Use(middleware.JWTAuth())
		{
			ordersGroup.POST("", orderHandlers.PlaceOrderHandler())
			ordersGroup.GET("/:order_id", orderHandlers.GetOrderStatusHandler())
			ordersGroup.DELETE("/:order_id", orderHandlers.CancelOrderHandler())
		}

		// Portfolio routes
		portfolios := v1.Group("/portfolios")
		portfolios.Use(middleware.JWTAuth())
		{
			portfolios.GET("/:portfolio_id/positions", ledgerHandlers.ListPositionsHandler())
			portfolios.GET("/:portfolio_id/balance", ledgerHandlers.GetBalanceHandler())
			portfolios.GET("/:portfolio_id/analytics", ledgerHandlers.GetAnalyticsHandler())
		}

		// Asset routes
		assets := v1.Group("/assets")
		assets.Use(middleware.JWTAuth())
		{
			assets.GET("", pricingHandlers.ListAssetsHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/matching/run", matchingHandlers.RunPassHandler())
			internal.POST("/deposits", ledgerHandlers.DepositHandler())
		}
	}
}
