package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/danavision/api/internal/autoconfig"
	"github.com/danavision/api/internal/client"
	"github.com/danavision/api/internal/config"
	"github.com/danavision/api/internal/discovery"
	"github.com/danavision/api/internal/extract"
	"github.com/danavision/api/internal/handler"
	"github.com/danavision/api/internal/ledger"
	"github.com/danavision/api/internal/middleware"
	"github.com/danavision/api/internal/registry"
	"github.com/danavision/api/internal/scheduler"
	"github.com/danavision/api/internal/service"
	"github.com/danavision/api/internal/storage"
	ws "github.com/danavision/api/internal/websocket"
	"github.com/danavision/api/internal/worker"
	"github.com/danavision/api/pkg/response"
)

// priceStore is everything the item and price side needs from storage.
type priceStore interface {
	ledger.PriceRepository
	worker.ItemStore
	scheduler.StaleItemSource
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	// Initialize storage (falls back to memory when Postgres is unreachable)
	var (
		storeRepo registry.StoreRepository
		prices    priceStore
	)
	pool, err := storage.NewPostgresPool(ctx, cfg.Postgres.URL)
	if err == nil {
		if err = storage.Migrate(ctx, pool); err != nil {
			pool.Close()
			pool = nil
		}
	}
	if err != nil {
		log.Printf("Warning: Postgres not available, using in-memory storage: %v", err)
		mem := storage.NewMemory()
		storeRepo, prices = mem, mem
	} else {
		defer pool.Close()
		storeRepo = storage.NewStoreRepository(pool)
		prices = storage.NewPriceRepository(pool)
	}

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize external clients
	aiClient := client.NewAIClient(&cfg.AI)
	crawlClient := client.NewCrawl4AIClient(&cfg.Crawl4AI)
	firecrawlClient := client.NewFirecrawlClient(&cfg.Firecrawl)
	prober := client.NewHTTPProber(cfg.Discovery.ProbeRatePerHost, 15*time.Second)

	// Initialize R2 snapshot archive (optional)
	var engineOpts []discovery.Option
	var archiveReady bool
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		archive, err := client.NewR2Archive(&cfg.R2)
		if err != nil {
			log.Printf("Warning: R2 archive not initialized: %v", err)
		} else {
			engineOpts = append(engineOpts, discovery.WithArchive(archive))
			archiveReady = true
		}
	} else {
		log.Println("Info: R2 not configured, page snapshots will not be archived")
	}

	// Initialize domain services
	storeRegistry := registry.New(storeRepo)
	priceLedger := ledger.New(prices)
	extractor := extract.NewExtractor(aiClient, &cfg.Discovery)
	discoveryEngine := discovery.NewEngine(crawlClient, extractor, storeRegistry, &cfg.Discovery, engineOpts...)
	autoConfigEngine := autoconfig.NewEngine(prober, firecrawlClient, aiClient, storeRegistry, nil)
	jobService := service.NewJobService(redisClient, asynqClient, &cfg.Jobs)

	// Initialize handlers
	jobHandler := handler.NewJobHandler(jobService, prices, validate)
	storeHandler := handler.NewStoreHandler(storeRegistry, jobService, validate)
	authHandler := handler.NewAuthHandler(cfg.JWT.Secret)

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		log.Println("Info: Gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		apiAuthMiddleware = middleware.NewAuthMiddleware(cfg.JWT.Secret).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1 * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	health := handler.NewHealthHandler(map[string]handler.HealthCheck{
		"redis": func(ctx context.Context) bool {
			return redisClient.Ping(ctx).Err() == nil
		},
		"postgres":  handler.Static(pool != nil),
		"ai":        handler.Static(aiClient.IsConfigured()),
		"crawl4ai":  handler.Static(crawlClient.IsConfigured()),
		"firecrawl": handler.Static(firecrawlClient.IsConfigured()),
		"r2":        handler.Static(archiveReady),
		"auth":      handler.Static(cfg.Gateway.Enabled || cfg.JWT.Secret != ""),
	})
	app.Get("/health", health.Check)

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	// API routes
	api := app.Group("/api", apiAuthMiddleware)

	api.Post("/discovery", rateLimiter.DiscoveryLimit(cfg.RateLimit.DiscoveryPerHour), jobHandler.StartDiscovery)
	api.Post("/items/:id/refresh", rateLimiter.DiscoveryLimit(cfg.RateLimit.DiscoveryPerHour), jobHandler.StartRefresh)

	jobs := api.Group("/jobs")
	jobs.Get("/", jobHandler.List)
	jobs.Get("/:jobId", jobHandler.Status)
	jobs.Get("/:jobId/result", jobHandler.Result)
	jobs.Post("/:jobId/cancel", jobHandler.Cancel)

	stores := api.Group("/stores")
	stores.Get("/", storeHandler.List)
	stores.Get("/lookup", storeHandler.Lookup)
	stores.Post("/", rateLimiter.AutoConfigLimit(cfg.RateLimit.AutoConfigPerHour), storeHandler.Add)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, apiAuthMiddleware)

	app.Get("/ws/jobs/:jobId", func(c *fiber.Ctx) error {
		if _, err := jobService.GetForOwner(c.UserContext(), c.Params("jobId"), middleware.GetUserID(c)); err != nil {
			return response.FromError(c, err)
		}
		return c.Next()
	}, websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("jobId"))
	}))

	// Start Asynq worker server
	priceWorker := worker.NewPriceWorker(discoveryEngine, priceLedger, prices)
	autoWorker := worker.NewAutoConfigWorker(autoConfigEngine, storeRegistry)
	runner := worker.NewRunner(jobService, hub, &cfg.Jobs)
	srv := newWorkerServer(cfg, redisOpt, jobService)
	mux := asynq.NewServeMux()
	mux.Handle(service.TaskTypeDiscovery, runner.Handler(priceWorker.Discover))
	mux.Handle(service.TaskTypeRefresh, runner.Handler(priceWorker.Refresh))
	mux.Handle(service.TaskTypeAutoConfig, runner.Handler(autoWorker.Configure))
	go func() {
		if err := srv.Run(mux); err != nil {
			log.Printf("Asynq worker error: %v", err)
		}
	}()

	// Start the stale price sweep
	var sweep *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sweep = scheduler.New(prices, jobService, &cfg.Scheduler)
		if err := sweep.Start(ctx); err != nil {
			log.Printf("Warning: scheduler not started: %v", err)
			sweep = nil
		}
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if sweep != nil {
			sweep.Stop()
		}
		srv.Shutdown()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func newWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, jobService *service.JobService) *asynq.Server {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	concurrency := cfg.Jobs.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			service.QueueDefault:  6,
			service.QueueAutoConf: 4,
		},
		LogLevel:       asynqLogLevel,
		RetryDelayFunc: worker.RetryDelay(cfg.Jobs.RetryBackoff),
		ErrorHandler:   worker.ErrorHandler(jobService),
	})
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    response.CodeServiceError,
			"message": message,
		},
	})
}
