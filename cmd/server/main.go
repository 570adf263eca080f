package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/classpay/backend/docs"
	"github.com/classpay/backend/internal/breaker"
	"github.com/classpay/backend/internal/database"
	"github.com/classpay/backend/internal/gateway"
	"github.com/classpay/backend/internal/handlers"
	"github.com/classpay/backend/internal/jobs"
	mW "github.com/classpay/backend/internal/middleware"
	"github.com/classpay/backend/internal/services"
)

// @title ClassPay Finance API
// @version 1.0
// @description Financial ledger and payment execution engine for education centers
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	viper.BindEnv("gateway.name", "GATEWAY_NAME")
	viper.BindEnv("gateway.base_url", "GATEWAY_BASE_URL")
	viper.BindEnv("gateway.api_key", "GATEWAY_API_KEY")
	viper.BindEnv("gateway.hmac_secret", "GATEWAY_HMAC_SECRET")

	viper.BindEnv("finance.fee_negative_ceiling", "FINANCE_FEE_NEGATIVE_CEILING")
	viper.BindEnv("finance.webhook_max_attempts", "FINANCE_WEBHOOK_MAX_ATTEMPTS")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "ClassPay Finance API"
	docs.SwaggerInfo.Description = "Financial ledger and payment execution engine for education centers"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Circuit breaker state lives in Redis so every instance sees the same
	// view of the provider's health; without Redis each instance tracks its
	// own.
	var breakerStore breaker.StateStore
	if redisClient != nil {
		breakerStore = breaker.NewRedisStore(redisClient)
	} else {
		breakerStore = breaker.NewMemoryStore()
	}

	viper.SetDefault("gateway.name", "paygate")
	gatewayName := viper.GetString("gateway.name")
	paymentGateway := gateway.NewHTTPGateway(gateway.Config{
		Name:       gatewayName,
		BaseURL:    viper.GetString("gateway.base_url"),
		APIKey:     viper.GetString("gateway.api_key"),
		HMACSecret: viper.GetString("gateway.hmac_secret"),
	}, breaker.New(gatewayName, breaker.DefaultSettings(), breakerStore))
	gateways := map[string]gateway.PaymentGateway{gatewayName: paymentGateway}

	// Finance services
	metrics := services.NewMetricsRecorder(redisClient)
	wallets := services.NewWalletLedgerService(db)
	cashboxes := services.NewCashboxLedgerService(db)
	ledger := services.NewTransactionLedgerService(db)
	factory := services.NewStrategyFactory(wallets, cashboxes, ledger)
	payments := services.NewPaymentService(db, redisClient, wallets, ledger, factory, gateways, metrics)
	webhooks := services.NewWebhookService(db, payments, gateways, metrics)
	webhookHandler := handlers.NewWebhookHandler(webhooks)

	// Scheduled jobs: webhook retry sweep, nightly reconciliation
	runner := jobs.NewRunner(webhooks, ledger)
	if err := runner.Start(); err != nil {
		log.Fatalf("Failed to start job scheduler: %v", err)
	}
	defer runner.Stop()

	// Setup router
	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Provider webhooks authenticate with HMAC signatures, not JWTs
		r.Post("/finance/webhooks/{provider}", webhookHandler.Receive)

		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/finance/payments", payments.CreatePayment)
			r.Get("/finance/payments", payments.ListPayments)
			r.Get("/finance/payments/{paymentId}", payments.GetPayment)
			r.Post("/finance/payments/{paymentId}/refund", payments.RefundPayment)
			r.Post("/finance/topups", payments.Topup)

			r.Get("/finance/wallets/{walletId}/statement", wallets.WalletStatement)
			r.Get("/finance/cashboxes/{branchId}/statement", cashboxes.CashboxStatement)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
