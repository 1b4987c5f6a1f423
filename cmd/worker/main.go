/**
 * Invoice Extraction Worker - Main Entry Point
 *
 * Go worker for invoice and delivery-note line item extraction.
 *
 * Architecture:
 * - Asynq consumer for the Redis-backed extraction queue
 * - Per-page preprocessing (dewarp, deskew, binarize) and Tesseract OCR
 * - Escalating extraction strategies: geometric → pattern → LLM
 * - Self-healing line arithmetic and document-level validation
 * - Confidence scoring with review-band routing
 * - PostgreSQL persistence, Redis page-image cache
 * - HTTP API serving the review queue and page renders
 */

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/owlin/extraction-worker/internal/api"
	"github.com/owlin/extraction-worker/internal/clients"
	"github.com/owlin/extraction-worker/internal/config"
	"github.com/owlin/extraction-worker/internal/processor"
	"github.com/owlin/extraction-worker/internal/queue"
	"github.com/owlin/extraction-worker/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Extraction worker starting...")
	log.Printf("Configuration loaded: Redis=%s, Workers=%d, Queue=%s",
		cfg.RedisURL, cfg.WorkerConcurrency, cfg.QueueName)

	log.Printf("Connecting to storage (PostgreSQL + Redis)...")
	storageManager, err := storage.NewStorageManager(cfg.DatabaseURL, cfg.RedisURL, cfg.PageCacheTTL)
	if err != nil {
		log.Fatalf("Failed to initialize storage manager: %v", err)
	}
	defer storageManager.Close()
	log.Printf("Storage manager initialized")

	var reconstructor processor.Reconstructor
	if llm := clients.NewLLMReconstructor(cfg.OpenAIAPIKey, cfg.OpenAIModel,
		cfg.Thresholds.LLMMinConfidence); llm != nil {
		reconstructor = llm
		log.Printf("LLM fallback enabled (model=%s)", cfg.OpenAIModel)
	} else {
		log.Printf("LLM fallback disabled: no OPENAI_API_KEY configured")
	}

	proc, err := processor.NewDocumentProcessor(&processor.ProcessorConfig{
		Engine:         processor.NewTesseractEngine(cfg.TesseractLanguage),
		Reconstructor:  reconstructor,
		Thresholds:     cfg.Thresholds,
		OCRPageTimeout: cfg.OCRPageTimeout,
		LLMTimeout:     cfg.LLMTimeout,
	})
	if err != nil {
		log.Fatalf("Failed to initialize document processor: %v", err)
	}
	log.Printf("Document processor initialized (tesseract lang=%s)", cfg.TesseractLanguage)

	consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
		RedisURL:          cfg.RedisURL,
		QueueName:         cfg.QueueName,
		Concurrency:       cfg.WorkerConcurrency,
		ProcessingTimeout: cfg.ProcessingTimeout,
		Processor:         proc,
		Storage:           storageManager,
	})
	if err != nil {
		log.Fatalf("Failed to initialize queue consumer: %v", err)
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	if err := consumer.Start(rootCtx); err != nil {
		log.Fatalf("Failed to start queue consumer: %v", err)
	}
	log.Printf("Queue consumer started with concurrency=%d", cfg.WorkerConcurrency)

	watchdog := queue.NewWatchdog(storageManager, cfg.WatchdogInterval, cfg.StuckThreshold)
	go watchdog.Run(rootCtx)

	server := api.NewServer(cfg.HTTPAddr, storageManager)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	log.Printf("===========================================")
	log.Printf("Extraction worker is READY")
	log.Printf("===========================================")
	log.Printf("Queue: %s", cfg.QueueName)
	log.Printf("Workers: %d", cfg.WorkerConcurrency)
	log.Printf("HTTP API: %s", cfg.HTTPAddr)
	log.Printf("Watchdog: every %v, stuck threshold %v", cfg.WatchdogInterval, cfg.StuckThreshold)
	log.Printf("===========================================")
	log.Printf("Waiting for documents...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	cancelRoot()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error stopping HTTP server: %v", err)
	}

	if err := consumer.Stop(shutdownCtx); err != nil {
		log.Printf("Error stopping queue consumer: %v", err)
	} else {
		log.Printf("Queue consumer stopped successfully")
	}

	if err := storageManager.Close(); err != nil {
		log.Printf("Error closing storage manager: %v", err)
	} else {
		log.Printf("Storage manager closed")
	}

	log.Printf("Shutdown complete")
}
