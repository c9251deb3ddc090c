package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"studycoach-backend/internal/config"
	"studycoach-backend/internal/database"
	"studycoach-backend/internal/handlers"
	"studycoach-backend/internal/middleware"
	"studycoach-backend/internal/repository"
	"studycoach-backend/internal/router"
	"studycoach-backend/internal/services"
	"studycoach-backend/internal/websocket"
	"studycoach-backend/internal/worker"
)

func main() {
	log.Println("🚀 Starting StudyCoach Backend...")

	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	log.Println("✓ Environment variables loaded")

	// ──── Step 2: Initialize PostgreSQL Connection Pool ────
	pool, err := database.NewPostgresPool(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("✗ PostgreSQL connection failed: %v", err)
	}
	defer pool.Close()
	log.Println("✓ PostgreSQL connected")

	// ──── Step 3: Initialize Redis Clients ────
	redisClients, err := database.NewRedisClients(cfg.RedisURL)
	if err != nil {
		log.Fatalf("✗ Redis connection failed: %v", err)
	}
	defer redisClients.Close()
	log.Println("✓ Redis connected")

	// ──── Step 4: Run Database Migrations ────
	if err := database.RunMigrations(pool, "migrations"); err != nil {
		log.Fatalf("✗ Database migration failed: %v", err)
	}
	log.Println("✓ Database migrations applied")

	// ──── Initialize Repositories ────
	userRepo := repository.NewUserRepo(pool)
	historyRepo := repository.NewChatHistoryRepo(pool)

	// ──── Step 5: Initialize Gemini Coach Client ────
	gemini, err := services.NewGeminiCoach(cfg.GeminiAPIKey, cfg.GeminiConcurrentReqs)
	if err != nil {
		log.Fatalf("✗ Gemini client initialization failed: %v", err)
	}
	defer gemini.Close()
	log.Println("✓ Gemini coach client initialized")

	// ──── Initialize Services ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)
	authService := services.NewAuthService(userRepo, redisClients.Queue, jwtAuth)

	// Shard count and worker count must match so each history queue has one
	// consumer and per-identity write order holds.
	chatStore := services.NewChatStore(historyRepo, services.NewRedisQueue(redisClients.Queue), cfg.PersistWorkers)
	prefs := services.NewPreferenceService(userRepo)
	autoplay := services.NewAutoPlayController(prefs, func(identity uuid.UUID) services.VoiceAdapter {
		return services.NewBrowserVoice(identity, redisClients.Queue, gemini)
	})
	publisher := services.NewRedisPublisher(redisClients.Queue)

	coachService := services.NewCoachService(
		chatStore,
		gemini,
		publisher,
		autoplay,
		time.Duration(cfg.ReplyTimeoutSeconds)*time.Second,
		cfg.HistoryWindow,
	)

	// ──── Initialize Handlers ────
	authHandler := handlers.NewAuthHandler(authService)
	coachHandler := handlers.NewCoachHandler(coachService, prefs, autoplay)

	// ──── Step 6: Start Persistence Worker Pool ────
	workerPool := worker.NewPool(redisClients.Queue, historyRepo, cfg.PersistWorkers)
	workerPool.Start()
	log.Printf("✓ Persistence worker pool started (%d goroutines)", cfg.PersistWorkers)

	// ──── Step 7: Start WebSocket Hub ────
	wsHub := websocket.NewHub(redisClients.PubSub, cfg.JWTSecret)
	log.Println("✓ WebSocket hub started")

	// ──── Step 8: Start HTTP Server ────
	r := router.New(
		jwtAuth,
		authHandler,
		coachHandler,
		wsHub,
		cfg.FrontendURL,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")
		workerPool.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("✓ StudyCoach Backend ready on http://localhost:%s", cfg.Port)
	log.Printf("  API: http://localhost:%s/api/v1", cfg.Port)
	log.Printf("  WS:  ws://localhost:%s/api/v1/ws", cfg.Port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
