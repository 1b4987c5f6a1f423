/**
 * Storage Manager for the Invoice Extraction Worker
 *
 * Coordinates storage across PostgreSQL (documents, line items, review
 * queue) and Redis (page-image cache, in-flight set). Status writes and
 * result writes are sequenced so a reader never sees a terminal status
 * without its line items.
 */

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	ierrors "github.com/owlin/extraction-worker/internal/errors"
	"github.com/owlin/extraction-worker/internal/logging"
	"github.com/owlin/extraction-worker/internal/processor"
)

// StorageManager coordinates PostgreSQL and Redis operations
type StorageManager struct {
	postgres *PostgresClient
	pages    *PageCache
	logger   *logging.Logger
}

// NewStorageManager creates a new storage manager
func NewStorageManager(postgresURL, redisURL string, pageTTL time.Duration) (*StorageManager, error) {
	postgres, err := NewPostgresClient(postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	pages, err := NewPageCache(redisURL, pageTTL)
	if err != nil {
		postgres.Close()
		return nil, fmt.Errorf("failed to initialize page cache: %w", err)
	}

	return &StorageManager{
		postgres: postgres,
		pages:    pages,
		logger:   logging.NewLogger("storage"),
	}, nil
}

// MarkProcessing records that a document entered the pipeline
func (sm *StorageManager) MarkProcessing(ctx context.Context, documentID, filename string) error {
	if _, err := uuid.Parse(documentID); err != nil {
		return fmt.Errorf("invalid document ID %q: %w", documentID, err)
	}

	if err := sm.postgres.UpdateDocumentStatus(ctx, &DocumentUpdate{
		DocumentID: documentID,
		Status:     processor.StatusProcessing,
		Filename:   filename,
	}); err != nil {
		return err
	}

	if err := sm.pages.MarkProcessing(ctx, documentID); err != nil {
		// in-flight set is advisory; the database status is the truth
		sm.logger.Warn("Failed to add document to in-flight set",
			"document_id", documentID, "error", err)
	}
	return nil
}

// SaveResult persists a completed pipeline run: line items first, then
// page images, then the terminal status flip
func (sm *StorageManager) SaveResult(ctx context.Context, result *processor.ProcessResult, filename string) error {
	ext := result.Extraction

	if err := sm.postgres.UpdateDocumentStatus(ctx, &DocumentUpdate{
		DocumentID:       ext.DocumentID,
		Status:           processor.StatusProcessing,
		Confidence:       result.Confidence.Score,
		Band:             result.Confidence.Band,
		ReviewAction:     result.Confidence.ReviewAction,
		Strategy:         ext.Strategy,
		ProcessingTimeMs: result.Duration.Milliseconds(),
		Filename:         filename,
		PageCount:        ext.PageCount,
	}); err != nil {
		return err
	}

	if err := sm.postgres.StoreExtraction(ctx, result); err != nil {
		return err
	}

	for _, page := range result.Pages {
		if err := sm.pages.StorePage(ctx, ext.DocumentID, page.PageNumber, page.PNG); err != nil {
			sm.logger.Warn("Failed to cache page image",
				"document_id", ext.DocumentID, "page", page.PageNumber, "error", err)
		}
	}

	if err := sm.postgres.UpdateDocumentStatus(ctx, &DocumentUpdate{
		DocumentID: ext.DocumentID,
		Status:     result.Status,
	}); err != nil {
		return err
	}

	if err := sm.pages.ClearProcessing(ctx, ext.DocumentID); err != nil {
		sm.logger.Warn("Failed to clear in-flight marker",
			"document_id", ext.DocumentID, "error", err)
	}
	return nil
}

// MarkError moves a document to the error terminal state. The full
// structured error, cause and details included, lands in the jsonb
// error column so the review UI can show more than a code.
func (sm *StorageManager) MarkError(ctx context.Context, perr *ierrors.ProcessingError) error {
	if err := sm.postgres.UpdateDocumentStatus(ctx, &DocumentUpdate{
		DocumentID:   perr.DocumentID,
		Status:       processor.StatusError,
		ErrorCode:    string(perr.Code),
		ErrorMessage: perr.Message,
		ErrorDetails: perr.ToMap(),
	}); err != nil {
		return err
	}

	if err := sm.pages.ClearProcessing(ctx, perr.DocumentID); err != nil {
		sm.logger.Warn("Failed to clear in-flight marker",
			"document_id", perr.DocumentID, "error", err)
	}
	return nil
}

// SweepStuck forces documents stuck in processing into the error state.
// Returns the ids it transitioned.
func (sm *StorageManager) SweepStuck(ctx context.Context, threshold time.Duration) ([]string, error) {
	ids, err := sm.postgres.ListStuckProcessing(ctx, threshold)
	if err != nil {
		return nil, err
	}

	var swept []string
	for _, id := range ids {
		if err := sm.MarkError(ctx, ierrors.NewWatchdogTimeoutError(id, threshold)); err != nil {
			sm.logger.Error("Watchdog failed to fail stuck document",
				"document_id", id, "error", err)
			continue
		}
		swept = append(swept, id)
	}
	return swept, nil
}

// ReviewQueue lists documents awaiting review
func (sm *StorageManager) ReviewQueue(ctx context.Context, limit int) ([]ReviewItem, error) {
	return sm.postgres.ListReviewQueue(ctx, limit)
}

// ApproveDocument accepts a reviewed extraction
func (sm *StorageManager) ApproveDocument(ctx context.Context, documentID string) error {
	return sm.postgres.ApproveDocument(ctx, documentID)
}

// EscalateDocument routes a reviewed extraction to manual entry
func (sm *StorageManager) EscalateDocument(ctx context.Context, documentID string) error {
	return sm.postgres.EscalateDocument(ctx, documentID)
}

// GetDocument returns a document with its line items
func (sm *StorageManager) GetDocument(ctx context.Context, documentID string) (map[string]interface{}, error) {
	return sm.postgres.GetDocument(ctx, documentID)
}

// GetPageImage returns a cached page render
func (sm *StorageManager) GetPageImage(ctx context.Context, documentID string, page int) ([]byte, error) {
	return sm.pages.GetPage(ctx, documentID, page)
}

// HealthCheck verifies both backing stores
func (sm *StorageManager) HealthCheck(ctx context.Context) error {
	if err := sm.postgres.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := sm.pages.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// Close releases both connections
func (sm *StorageManager) Close() error {
	var firstErr error
	if err := sm.postgres.Close(); err != nil {
		firstErr = err
	}
	if err := sm.pages.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
