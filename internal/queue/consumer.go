/**
 * Queue Consumer for the Invoice Extraction Worker
 *
 * Consumes extraction tasks from Redis and drives them through the
 * pipeline. Uses Asynq for queue management. Whatever happens to a
 * task, the document always lands in a terminal state: ready,
 * needs_review or error.
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	ierrors "github.com/owlin/extraction-worker/internal/errors"
	"github.com/owlin/extraction-worker/internal/processor"
	"github.com/owlin/extraction-worker/internal/storage"
)

// TaskExtractDocument is the task type enqueued by the upload API
const TaskExtractDocument = "extract:document"

// TaskPayload is the payload of an extract:document task
type TaskPayload struct {
	DocumentID string `json:"documentId"`
	Filename   string `json:"filename"`
	// SourceType says how the pages were captured, "scan" or "photo".
	// Photographed pages get perspective correction before OCR.
	SourceType string   `json:"sourceType"`
	PageImages [][]byte `json:"pageImages"`
}

// Consumer handles task consumption from the Redis queue
type Consumer struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor *processor.DocumentProcessor
	storage   *storage.StorageManager
	config    *ConsumerConfig
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	ProcessingTimeout time.Duration
	Processor         *processor.DocumentProcessor
	Storage           *storage.StorageManager
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("Storage is required")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				// Exponential backoff: 5s, 10s, 20s, capped at 60s
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Printf("Task processing error: type=%s, error=%v", task.Type(), err)
			}),
		},
	)

	mux := asynq.NewServeMux()

	consumer := &Consumer{
		client:    client,
		server:    server,
		mux:       mux,
		processor: cfg.Processor,
		storage:   cfg.Storage,
		config:    cfg,
	}

	mux.HandleFunc(TaskExtractDocument, consumer.handleExtractDocument)

	return consumer, nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	log.Printf("Starting queue consumer (concurrency=%d, queue=%s)...",
		c.config.Concurrency, c.config.QueueName)

	go func() {
		if err := c.server.Run(c.mux); err != nil {
			log.Printf("Queue consumer error: %v", err)
		}
	}()

	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	log.Printf("Stopping queue consumer...")

	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}

	log.Printf("Queue consumer stopped")
	return nil
}

// Enqueue submits a document for extraction
func (c *Consumer) Enqueue(ctx context.Context, payload *TaskPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	task := asynq.NewTask(TaskExtractDocument, data)
	if _, err := c.client.EnqueueContext(ctx, task, asynq.Queue(c.config.QueueName)); err != nil {
		return fmt.Errorf("failed to enqueue document %s: %w", payload.DocumentID, err)
	}
	return nil
}

// handleExtractDocument runs one document through the pipeline
func (c *Consumer) handleExtractDocument(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		// unparseable payloads can never succeed; don't retry
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	log.Printf("[Doc %s] Received extraction task: filename=%s, pages=%d",
		payload.DocumentID, payload.Filename, len(payload.PageImages))

	if err := c.storage.MarkProcessing(ctx, payload.DocumentID, payload.Filename); err != nil {
		log.Printf("[Doc %s] Warning: Failed to mark processing: %v", payload.DocumentID, err)
	}

	processCtx, cancel := context.WithTimeout(ctx, c.config.ProcessingTimeout)
	defer cancel()

	result, err := c.processor.ProcessDocument(processCtx, &processor.ProcessRequest{
		DocumentID: payload.DocumentID,
		Filename:   payload.Filename,
		SourceType: payload.SourceType,
		PageImages: payload.PageImages,
	})

	duration := time.Since(startTime)

	if err != nil {
		return c.failDocument(ctx, processCtx, &payload, duration, err)
	}

	if err := c.storage.SaveResult(ctx, result, payload.Filename); err != nil {
		log.Printf("[Doc %s] Failed to persist result: %v", payload.DocumentID, err)
		storageErr := ierrors.NewStorageFailedError(payload.DocumentID, err)
		if markErr := c.storage.MarkError(ctx, storageErr); markErr != nil {
			log.Printf("[Doc %s] Warning: Failed to mark error: %v", payload.DocumentID, markErr)
		}
		return storageErr
	}

	log.Printf("[Doc %s] Extraction completed in %v: status=%s, band=%s, items=%d, strategy=%s",
		payload.DocumentID, duration, result.Status, result.Confidence.Band,
		len(result.Extraction.Items), result.Extraction.Strategy)

	return nil
}

// failDocument records a pipeline failure. Timeouts and unsupported
// formats are permanent; transient failures are left to Asynq's retry
// schedule with the document held in processing until the last attempt.
func (c *Consumer) failDocument(ctx context.Context, processCtx context.Context, payload *TaskPayload, duration time.Duration, err error) error {
	documentID := payload.DocumentID

	if processCtx.Err() == context.DeadlineExceeded {
		log.Printf("[Doc %s] Processing timed out after %v", documentID, duration)
		timeoutErr := ierrors.NewProcessingTimeoutError(documentID, c.config.ProcessingTimeout, err)
		if markErr := c.storage.MarkError(ctx, timeoutErr); markErr != nil {
			log.Printf("[Doc %s] Warning: Failed to mark error: %v", documentID, markErr)
		}
		return fmt.Errorf("processing timeout: %v: %w", timeoutErr, asynq.SkipRetry)
	}

	var procErr *ierrors.ProcessingError
	if errors.As(err, &procErr) && isPermanent(procErr.Code) {
		log.Printf("[Doc %s] Permanent failure after %v: %v", documentID, duration, err)
		if markErr := c.storage.MarkError(ctx, procErr); markErr != nil {
			log.Printf("[Doc %s] Warning: Failed to mark error: %v", documentID, markErr)
		}
		return fmt.Errorf("extraction failed: %v: %w", err, asynq.SkipRetry)
	}

	log.Printf("[Doc %s] Processing failed after %v (will retry): %v", documentID, duration, err)
	return fmt.Errorf("document extraction failed: %w", err)
}

func isPermanent(code ierrors.ErrorCode) bool {
	switch code {
	case ierrors.ErrorUnsupportedFormat, ierrors.ErrorEngineUnavailable:
		return true
	}
	return false
}
