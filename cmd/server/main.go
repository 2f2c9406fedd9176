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

	"github.com/makereel/api/internal/client"
	"github.com/makereel/api/internal/config"
	"github.com/makereel/api/internal/handler"
	"github.com/makereel/api/internal/middleware"
	"github.com/makereel/api/internal/service"
	ws "github.com/makereel/api/internal/websocket"
	"github.com/makereel/api/internal/worker"
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
	kv := client.NewRedisKV(redisClient)

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize R2 client (optional - large contexts need it, small ones don't)
	var blobClient client.StorageClient
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Printf("Warning: R2 client not initialized: %v", err)
		} else {
			blobClient = r2Client
		}
	} else {
		log.Println("Info: R2 storage not configured, contexts above the inline threshold will be rejected")
	}

	// Agent client for pipeline stage invocations
	agentClient := client.NewAgentClient(&cfg.Agents)

	// Initialize services
	contextService := service.NewContextService(kv, blobClient, cfg.Context)
	jobService := service.NewJobService(kv, asynqClient, cfg.Pipeline)
	orchestratorService := service.NewOrchestratorService(kv, agentClient, cfg.Pipeline)

	// Initialize handlers
	contextHandler := handler.NewContextHandler(contextService, validate)
	jobHandler := handler.NewJobHandler(jobService, validate)
	pipelineHandler := handler.NewPipelineHandler(orchestratorService, validate)

	// Initialize middleware
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    50 * 1024 * 1024, // 50MB
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PATCH,DELETE,OPTIONS",
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
				"redis": redisClient.Ping(c.Context()).Err() == nil,
				"blob":  blobClient != nil,
				"auth":  cfg.JWT.Secret != "",
			},
		})
	})

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())

	// Context store routes
	contexts := api.Group("/contexts", rateLimiter.ContextsLimit(cfg.RateLimit.ContextsPerMin))
	contexts.Post("/", contextHandler.Store)
	contexts.Get("/", contextHandler.List)
	contexts.Get("/stats", contextHandler.Stats)
	contexts.Post("/cleanup", contextHandler.Cleanup)
	contexts.Get("/:contextId", contextHandler.Retrieve)
	contexts.Patch("/:contextId", contextHandler.Update)
	contexts.Delete("/:contextId", contextHandler.Delete)

	// Job tracker routes
	jobs := api.Group("/jobs", rateLimiter.JobsLimit(cfg.RateLimit.JobsPerMin))
	jobs.Post("/", jobHandler.Accept)
	jobs.Get("/:jobId", jobHandler.Status)

	// Pipeline routes
	pipeline := api.Group("/pipeline")
	pipeline.Post("/run", rateLimiter.PipelineLimit(cfg.RateLimit.PipelinePerHour), pipelineHandler.Run)
	pipeline.Get("/executions/:executionId", pipelineHandler.Execution)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		hub.HandleConnection(c, jobID)
	}))

	// Start Asynq worker server
	go startWorkerServer(cfg, jobService, orchestratorService, agentClient, hub)

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
	jobService *service.JobService,
	orchestratorService *service.OrchestratorService,
	agentClient client.AgentInvoker,
	hub *ws.Hub,
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
				"pipeline": 10,
			},
			LogLevel: asynqLogLevel,
		},
	)

	pipelineWorker := worker.NewPipelineWorker(jobService, orchestratorService, agentClient, hub)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypePipelineJob, pipelineWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
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
