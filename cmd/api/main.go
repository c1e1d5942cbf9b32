package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatgate/gatekeeper/internal/bootstrap"
	"github.com/chatgate/gatekeeper/internal/burst"
	"github.com/chatgate/gatekeeper/internal/cache"
	"github.com/chatgate/gatekeeper/internal/config"
	"github.com/chatgate/gatekeeper/internal/database"
	"github.com/chatgate/gatekeeper/internal/gate"
	"github.com/chatgate/gatekeeper/internal/logging"
	"github.com/chatgate/gatekeeper/internal/middleware"
	"github.com/chatgate/gatekeeper/internal/notify"
	"github.com/chatgate/gatekeeper/internal/oauth"
	"github.com/chatgate/gatekeeper/internal/payment"
	"github.com/chatgate/gatekeeper/internal/policy"
	"github.com/chatgate/gatekeeper/internal/store"
	"github.com/chatgate/gatekeeper/internal/tracing"
)

// API holds every dependency the HTTP handlers need. Constructed once at
// startup; no package-level singletons.
type API struct {
	cfg         *config.Config
	log         *logging.Logger
	db          *database.DB
	cache       *cache.Cache
	store       store.Store
	gate        *gate.Gate
	payments    *payment.Service
	oauthRT     *oauth.Runtime
	oauthClient *oauth.Client
}

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if cfg.Tracing.Enabled {
		_, closer, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.JaegerEndpoint)
		if err != nil {
			log.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer closer.Close()
	}

	policy.Configure(policy.Overrides{
		TrialDailyLimit:   cfg.Gate.TrialDailyLimit,
		ExpiredDailyLimit: cfg.Gate.ExpiredDailyLimit,
	})

	ctx := context.Background()

	// Store: Postgres in production, in-memory when no database host is
	// configured (local development).
	var userStore store.Store
	var db *database.DB
	if cfg.Database.Host != "" {
		db, err = database.New(cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		userStore, err = store.NewPostgresStore(ctx, db)
		if err != nil {
			log.Fatalf("Failed to initialize store: %v", err)
		}
	} else {
		log.Warn("No database host configured, using in-memory store")
		userStore = store.NewMemoryStore()
	}

	// One-time legacy snapshot import, gated on an empty store.
	if _, err := store.ImportLegacySnapshot(ctx, userStore, cfg.Gate.DataDir, log); err != nil {
		log.Fatalf("Failed to import legacy snapshot: %v", err)
	}

	var userCache *cache.Cache
	if cfg.Redis.Host != "" {
		userCache, err = cache.New(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, cfg.Gate.CacheTTL)
		if err != nil {
			log.WithError(err).Warn("Redis unavailable, running without record cache")
			userCache = nil
		} else {
			defer userCache.Close()
		}
	}

	var notifier notify.Notifier
	if cfg.Queue.Enabled {
		amqpNotifier, err := notify.NewAMQPNotifier(cfg.Queue, log)
		if err != nil {
			log.Fatalf("Failed to connect to queue: %v", err)
		}
		defer amqpNotifier.Close()
		notifier = amqpNotifier
	} else {
		notifier = notify.NewNopNotifier(log)
	}

	adminIDs := bootstrap.ParseAdminIDs(cfg.Gate.AdminIDs)
	if err := bootstrap.ReconcileOwners(ctx, userStore, adminIDs); err != nil {
		log.Fatalf("Failed to reconcile admin records: %v", err)
	}
	log.Infof("Reconciled %d admin records", len(adminIDs))

	guard := burst.NewGuard(burst.Config{
		Window:       cfg.Gate.BurstWindow,
		MaxMessages:  cfg.Gate.BurstMaxMessages,
		WarnCooldown: cfg.Gate.BurstWarnCooldown,
		MaxEntries:   cfg.Gate.BurstMaxEntries,
	})

	g := gate.New(userStore, guard, userCache, notifier, log, gate.Config{
		AdminIDs:  adminIDs,
		TrialDays: cfg.Gate.TrialDays,
	})

	oauthRT, err := oauth.ResolveRuntimeConfig(cfg.OAuth)
	if err != nil {
		log.Fatalf("Failed to resolve OAuth config: %v", err)
	}

	api := &API{
		cfg:         cfg,
		log:         log,
		db:          db,
		cache:       userCache,
		store:       userStore,
		gate:        g,
		payments:    payment.NewService(userStore, log),
		oauthRT:     oauthRT,
		oauthClient: oauth.NewClient(oauthRT),
	}

	router := api.setupRouter()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Info("Server stopped")
}

func (api *API) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogging(api.log))

	rl := middleware.NewRateLimiter(api.cfg.Server.RateLimitRPS, api.cfg.Server.RateLimitBurst)

	// OAuth redirect endpoints. GET-only per the linking protocol; other
	// methods get 405 with an Allow header.
	startPath := api.oauthRT.StartURL[len(api.oauthRT.PublicBaseURL):]
	callbackPath := api.cfg.OAuth.CallbackPath
	if callbackPath == "" {
		callbackPath = "/auth/google/callback"
	}
	router.Any(startPath, middleware.RateLimit(rl), middleware.MethodGuard(http.MethodGet), api.oauthStart)
	router.Any(callbackPath, middleware.RateLimit(rl), middleware.MethodGuard(http.MethodGet), api.oauthCallback)

	// Billing provider callbacks.
	billing := router.Group("/billing", middleware.RateLimit(rl))
	{
		billing.POST("/pre-checkout", api.preCheckout)
		billing.POST("/payments", api.confirmPayment)
	}

	// Platform-internal hooks for the chat transport and operators.
	v1 := router.Group("/api/v1", api.requireAPIKey())
	{
		v1.POST("/gate/check", api.gateCheck)
		v1.POST("/gate/usage", api.gateUsage)
		v1.POST("/link", api.createLink)

		v1.GET("/users", api.listUsers)
		v1.GET("/users/:id", api.getUser)
		v1.PUT("/users/:id/role", api.updateUserRole)
		v1.POST("/sweep", api.sweepTrials)
	}

	router.GET("/health", api.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}
