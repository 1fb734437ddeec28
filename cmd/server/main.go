package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/texhub/compile-api/internal/affinity"
	"github.com/texhub/compile-api/internal/client"
	"github.com/texhub/compile-api/internal/clsi"
	"github.com/texhub/compile-api/internal/compliance"
	"github.com/texhub/compile-api/internal/config"
	"github.com/texhub/compile-api/internal/dispatch"
	"github.com/texhub/compile-api/internal/handler"
	"github.com/texhub/compile-api/internal/limiter"
	"github.com/texhub/compile-api/internal/middleware"
	"github.com/texhub/compile-api/internal/model"
	"github.com/texhub/compile-api/internal/service"
	"github.com/texhub/compile-api/internal/shardcache"
	"github.com/texhub/compile-api/internal/tasks"
	"github.com/texhub/compile-api/internal/worker"
)

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
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	// Compile node fleets
	probeTimeout := time.Duration(cfg.Clsi.ProbeTimeout) * time.Second
	primaryClsi := clsi.NewClient(cfg.Clsi.URL, cfg.Clsi.CookieName, probeTimeout)
	var shadowClsi *clsi.Client
	if cfg.Clsi.ShadowURL != "" {
		shadowClsi = clsi.NewClient(cfg.Clsi.ShadowURL, cfg.Clsi.CookieName, probeTimeout)
	} else {
		log.Println("Info: shadow fleet not configured, shadow dispatch disabled")
	}

	// Project-state collaborators
	webClient := client.NewWebClient(&cfg.Web)
	docClient := client.NewDocUpdaterClient(&cfg.DocUpdater)

	// Blob store (optional - falls back to serving content through web)
	var blobStore client.BlobStore
	if cfg.Blob.AccessKeyID != "" && cfg.Blob.SecretAccessKey != "" {
		blobStore, err = client.NewS3BlobStore(&cfg.Blob)
		if err != nil {
			log.Fatalf("Failed to initialize blob store: %v", err)
		}
	} else {
		log.Println("Info: blob store not configured, serving file content through web")
		blobStore = webBlobFallback{baseURL: cfg.Web.URL}
	}

	analyticsClient := client.NewAnalyticsClient(&cfg.Analytics)

	// Affinity managers, one per fleet
	affinityStore := affinity.NewRedisStore(redisClient)
	affinityTTL := time.Duration(cfg.Affinity.TTLMinutes) * time.Minute
	regularTTL := time.Duration(cfg.Affinity.RegularTTLMinutes) * time.Minute
	primaryAffinity := affinity.NewManager(affinityStore, primaryClsi, asynqClient, affinity.ManagerConfig{
		BackendClass:  "primary",
		TTL:           affinityTTL,
		RegularTTL:    regularTTL,
		RegularPrefix: cfg.Affinity.RegularPrefix,
	})

	// Dispatch pipeline
	gate := compliance.NewGate(cfg.Compile.MaxSizeBytes)
	builder := dispatch.NewBuilder(webClient, docClient, blobStore)
	compileTimeout := time.Duration(cfg.Clsi.CompileTimeout) * time.Second
	primaryDispatcher := dispatch.NewDispatcher(builder, gate, primaryClsi, primaryAffinity, asynqClient, dispatch.DispatcherConfig{
		CompileTimeout: compileTimeout,
		ShadowEnabled:  shadowClsi != nil,
	})

	var shadowDispatcher *dispatch.Dispatcher
	if shadowClsi != nil {
		shadowAffinity := affinity.NewManager(affinityStore, shadowClsi, nil, affinity.ManagerConfig{
			BackendClass:  cfg.Clsi.ShadowBackendClass,
			TTL:           affinityTTL,
			RegularTTL:    regularTTL,
			RegularPrefix: cfg.Affinity.RegularPrefix,
		})
		shadowDispatcher = dispatch.NewDispatcher(builder, gate, shadowClsi, shadowAffinity, nil, dispatch.DispatcherConfig{
			CompileTimeout: compileTimeout,
		})
	}

	// Entrypoint gates and cache routing
	dedupLock := limiter.NewDedupLock(redisClient)
	tokenBucket := limiter.NewTokenBucket(redisClient)
	cacheRouter := shardcache.NewRouter(cfg.Cache.Shards, time.Duration(cfg.Cache.TimeoutSeconds)*time.Second)

	compileService := service.NewCompileService(
		primaryDispatcher,
		webClient,
		docClient,
		primaryClsi,
		primaryAffinity,
		cacheRouter,
		dedupLock,
		tokenBucket,
		cfg.Compile,
	)

	compileHandler := handler.NewCompileHandler(compileService, validate)

	// Initialize middleware
	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind the gateway: auth is handled by ForwardAuth, read X-User-* headers
		log.Println("Info: Gateway mode enabled — using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		apiAuthMiddleware = middleware.NewAuthMiddleware(cfg.JWT.Secret).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    50 * 1024 * 1024, // 50MB
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(requestid.New(requestid.Config{
		Generator: uuid.NewString,
	}))
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"clsi":        cfg.Clsi.URL != "",
				"shadow":      shadowClsi != nil,
				"blob":        cfg.Blob.AccessKeyID != "",
				"cacheShards": len(cfg.Cache.Shards),
				"auth":        cfg.Gateway.Enabled || cfg.JWT.Secret != "",
			},
		})
	})

	// Prometheus metrics
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Project routes
	project := app.Group("/project", apiAuthMiddleware)
	project.Post("/:projectId/compile", compileHandler.Compile)
	project.Post("/:projectId/user/:userId/compile", compileHandler.Compile)
	project.Post("/:projectId/compile/stop", compileHandler.StopCompile)
	project.Post("/:projectId/user/:userId/compile/stop", compileHandler.StopCompile)
	project.Delete("/:projectId", rateLimiter.CleanupLimit(20), compileHandler.DeleteAux)
	project.Delete("/:projectId/user/:userId", rateLimiter.CleanupLimit(20), compileHandler.DeleteAux)
	project.Get("/:projectId/cached/output/*", rateLimiter.OutputLimit(120), compileHandler.CachedOutput)
	project.Get("/:projectId/user/:userId/cached/output/*", rateLimiter.OutputLimit(120), compileHandler.CachedOutput)
	project.Get("/:projectId/build/:buildId/output/*", rateLimiter.OutputLimit(120), compileHandler.BuildOutput)
	project.Get("/:projectId/user/:userId/build/:buildId/output/*", rateLimiter.OutputLimit(120), compileHandler.BuildOutput)

	// Start Asynq worker server
	go startWorkerServer(cfg, primaryClsi, shadowDispatcher, analyticsClient)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
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

func startWorkerServer(
	cfg *config.Config,
	primaryClsi *clsi.Client,
	shadowDispatcher *dispatch.Dispatcher,
	analyticsClient *client.AnalyticsClient,
) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				tasks.QueueShadow: 6,
				tasks.QueueProbe:  4,
			},
			LogLevel: asynqLogLevel,
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeAffinityClassify, worker.NewClassifyWorker(primaryClsi).ProcessTask)
	if shadowDispatcher != nil {
		mux.HandleFunc(tasks.TypeShadowCompile, worker.NewShadowWorker(shadowDispatcher, analyticsClient).ProcessTask)
	}

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

// webBlobFallback serves file content through the web service's internal API
// when no object store is configured (development setups).
type webBlobFallback struct {
	baseURL string
}

func (f webBlobFallback) URLFor(ctx context.Context, projectID string, file model.FileRef) (string, error) {
	return fmt.Sprintf("%s/internal/project/%s/file/%s/content", f.baseURL, projectID, file.ID), nil
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
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
