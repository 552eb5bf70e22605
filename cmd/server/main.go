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

	"github.com/zapbank/backend/internal/database"
	"github.com/zapbank/backend/internal/handlers"
	"github.com/zapbank/backend/internal/ledger"
	"github.com/zapbank/backend/internal/lightning"
	"github.com/zapbank/backend/internal/lock"
	mW "github.com/zapbank/backend/internal/middleware"
	"github.com/zapbank/backend/internal/notify"
	"github.com/zapbank/backend/internal/onchain"
	"github.com/zapbank/backend/internal/payments"
	"github.com/zapbank/backend/internal/prices"
)

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

	viper.BindEnv("lightning.base_url", "LIGHTNING_BASE_URL")
	viper.BindEnv("prices.base_url", "PRICES_BASE_URL")
	viper.BindEnv("onchain.base_url", "ONCHAIN_BASE_URL")
	viper.BindEnv("payments.node_pubkey", "NODE_PUBKEY")
	viper.BindEnv("payments.max_fee_percentage", "MAX_FEE_PERCENTAGE")
	viper.BindEnv("payments.deposit_fee_ratio", "DEPOSIT_FEE_RATIO")
	viper.BindEnv("reconcile.interval", "RECONCILE_INTERVAL")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	viper.SetDefault("reconcile.interval", time.Minute)

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	if err := database.RunMigrations(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	redisClient := database.InitRedis()
	if redisClient == nil {
		log.Fatal("Redis is required for distributed locks")
	}
	defer redisClient.Close()

	locks := lock.NewService(redisClient)
	ledgerFacade := ledger.NewFacade(db)
	lnClient := lightning.NewHTTPClient()
	priceService := prices.NewHTTPService(redisClient)
	payoutClient := onchain.NewHTTPPayoutClient()
	notifier := notify.NewLogNotifier()
	contacts := payments.NewSQLContactRecorder(db)
	invoiceStore := payments.NewSQLWalletInvoiceStore(db)
	lnPaymentStore := payments.NewSQLLnPaymentStore(db)

	executor := payments.NewExecutor(ledgerFacade, locks, lnClient, priceService, payoutClient, notifier, contacts)
	engine := payments.NewReconciliationEngine(ledgerFacade, locks, lnClient, payoutClient, invoiceStore, lnPaymentStore, executor)
	paymentsHandler := handlers.NewPaymentsHandler(executor, engine, ledgerFacade, invoiceStore, contacts)

	// Reconciliation loop runs for the lifetime of the process.
	reconcileCtx, stopReconcile := context.WithCancel(context.Background())
	defer stopReconcile()
	go engine.Run(reconcileCtx, viper.GetDuration("reconcile.interval"))

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
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

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/payments/intraledger", paymentsHandler.SendIntraledger)
		r.Post("/payments/lightning", paymentsHandler.SendLightning)
		r.Post("/payments/onchain", paymentsHandler.SendOnChain)
		r.Get("/payments/{hash}/state", paymentsHandler.PaymentState)

		r.Post("/invoices", paymentsHandler.CreateInvoice)

		r.Get("/wallets/{walletId}/balance", paymentsHandler.WalletBalance)

		r.Get("/accounts/{accountId}/contacts", paymentsHandler.ListContacts)

		r.Post("/reconcile", paymentsHandler.TriggerReconcile)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
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

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopReconcile()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
