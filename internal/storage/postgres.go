/**
 * PostgreSQL Client for the Invoice Extraction Worker
 *
 * Persists document status, extracted line items and the review queue.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/owlin/extraction-worker/internal/processor"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// DocumentUpdate represents a document status update
type DocumentUpdate struct {
	DocumentID       string
	Status           string
	Confidence       float64
	Band             string
	ReviewAction     string
	Strategy         string
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	ErrorDetails     map[string]interface{}
	Filename         string
	PageCount        int
}

// ReviewItem is one review queue entry
type ReviewItem struct {
	DocumentID   string    `json:"document_id"`
	Filename     string    `json:"filename"`
	SupplierName string    `json:"supplier_name"`
	Confidence   float64   `json:"confidence"`
	Band         string    `json:"band"`
	ReviewAction string    `json:"review_action"`
	ItemCount    int       `json:"item_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// sanitizeConfidence rounds confidence to 4 decimal places to prevent
// PostgreSQL float precision errors. FLOAT values like 0.9632000000000001
// fail NUMERIC(5,4) casts, so precision is bounded before the value
// reaches the driver.
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// UpdateDocumentStatus upserts a document row. UPSERT rather than UPDATE
// because the worker may see a document before the API created its row.
func (p *PostgresClient) UpdateDocumentStatus(ctx context.Context, update *DocumentUpdate) error {
	if update.DocumentID == "" {
		return fmt.Errorf("document ID is required")
	}
	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	sanitized := sanitizeConfidence(update.Confidence)

	detailsJSON := ""
	if len(update.ErrorDetails) > 0 {
		b, err := json.Marshal(update.ErrorDetails)
		if err != nil {
			return fmt.Errorf("failed to marshal error details: %w", err)
		}
		detailsJSON = string(b)
	}

	query := `
		INSERT INTO extraction.documents (
			id, filename, status, confidence, band, review_action,
			strategy, processing_time_ms, page_count,
			error_code, error_message, error_details, created_at, updated_at
		) VALUES (
			$1::uuid, COALESCE(NULLIF($2, ''), 'unknown'),
			$3, NULLIF($4::NUMERIC(5,4), 0), NULLIF($5, ''), NULLIF($6, ''),
			NULLIF($7, ''), NULLIF($8, 0), NULLIF($9, 0),
			NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, '')::jsonb, NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			confidence = COALESCE(NULLIF(EXCLUDED.confidence::NUMERIC(5,4), 0), extraction.documents.confidence),
			band = COALESCE(EXCLUDED.band, extraction.documents.band),
			review_action = COALESCE(EXCLUDED.review_action, extraction.documents.review_action),
			strategy = COALESCE(EXCLUDED.strategy, extraction.documents.strategy),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, extraction.documents.processing_time_ms),
			page_count = COALESCE(EXCLUDED.page_count, extraction.documents.page_count),
			error_code = NULLIF(EXCLUDED.error_code, ''),
			error_message = NULLIF(EXCLUDED.error_message, ''),
			error_details = EXCLUDED.error_details,
			filename = COALESCE(EXCLUDED.filename, extraction.documents.filename),
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err := p.db.QueryRowContext(
		ctx,
		query,
		update.DocumentID,
		update.Filename,
		update.Status,
		sanitized,
		update.Band,
		update.ReviewAction,
		update.Strategy,
		update.ProcessingTimeMs,
		update.PageCount,
		update.ErrorCode,
		update.ErrorMessage,
		detailsJSON,
	).Scan(&returnedID)

	if err != nil {
		return fmt.Errorf("failed to update document status (document=%s, status=%s, confidence=%.4f): %w",
			update.DocumentID, update.Status, sanitized, err)
	}

	return nil
}

// StoreExtraction persists header fields, validation output and line
// items in one transaction. Items are replaced wholesale so a rerun
// never leaves stale lines behind.
func (p *PostgresClient) StoreExtraction(ctx context.Context, result *processor.ProcessResult) error {
	ext := result.Extraction
	if ext == nil || ext.DocumentID == "" {
		return fmt.Errorf("extraction result with document ID is required")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	correctionsJSON, err := json.Marshal(result.Validation.Corrections)
	if err != nil {
		return fmt.Errorf("failed to marshal corrections: %w", err)
	}
	issuesJSON, err := json.Marshal(result.Validation.Issues)
	if err != nil {
		return fmt.Errorf("failed to marshal issues: %w", err)
	}
	attemptsJSON, err := json.Marshal(result.Attempts)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy attempts: %w", err)
	}

	h := ext.Header
	_, err = tx.ExecContext(ctx, `
		UPDATE extraction.documents SET
			supplier_name = NULLIF($2, ''),
			invoice_number = NULLIF($3, ''),
			invoice_date = NULLIF($4, ''),
			currency = NULLIF($5, ''),
			subtotal = $6,
			vat_amount = $7,
			vat_rate = $8,
			grand_total = $9,
			corrections = $10::jsonb,
			issues = $11::jsonb,
			strategy_attempts = $12::jsonb,
			updated_at = NOW()
		WHERE id = $1::uuid
	`,
		ext.DocumentID,
		h.SupplierName,
		h.InvoiceNumber,
		h.InvoiceDate,
		h.Currency,
		nullableFloat(h.Subtotal),
		nullableFloat(h.VATAmount),
		nullableFloat(h.VATRate),
		nullableFloat(h.GrandTotal),
		correctionsJSON,
		issuesJSON,
		attemptsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to store header fields: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM extraction.line_items WHERE document_id = $1::uuid`, ext.DocumentID); err != nil {
		return fmt.Errorf("failed to clear prior line items: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO extraction.line_items (
			document_id, position, description, quantity, unit_price,
			line_total, page, bbox, confidence, flags
		) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10::jsonb)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare line item insert: %w", err)
	}
	defer stmt.Close()

	for i, item := range ext.Items {
		bboxJSON, err := json.Marshal(item.Box)
		if err != nil {
			return fmt.Errorf("failed to marshal bbox: %w", err)
		}
		flagsJSON, err := json.Marshal(item.Flags)
		if err != nil {
			return fmt.Errorf("failed to marshal flags: %w", err)
		}

		if _, err := stmt.ExecContext(ctx,
			ext.DocumentID,
			i,
			item.Description,
			nullableFloat(item.Quantity),
			nullableFloat(item.UnitPrice),
			nullableFloat(item.LineTotal),
			item.Page,
			bboxJSON,
			sanitizeConfidence(item.Confidence),
			flagsJSON,
		); err != nil {
			return fmt.Errorf("failed to insert line item %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit extraction: %w", err)
	}
	return nil
}

// ListReviewQueue returns documents awaiting human review, worst first
func (p *PostgresClient) ListReviewQueue(ctx context.Context, limit int) ([]ReviewItem, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT d.id, d.filename, COALESCE(d.supplier_name, ''),
			COALESCE(d.confidence, 0), COALESCE(d.band, ''),
			COALESCE(d.review_action, ''),
			(SELECT COUNT(*) FROM extraction.line_items li WHERE li.document_id = d.id),
			d.updated_at
		FROM extraction.documents d
		WHERE d.status = $1
		ORDER BY d.confidence ASC NULLS FIRST, d.updated_at ASC
		LIMIT $2
	`, processor.StatusNeedsReview, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query review queue: %w", err)
	}
	defer rows.Close()

	var items []ReviewItem
	for rows.Next() {
		var item ReviewItem
		if err := rows.Scan(&item.DocumentID, &item.Filename, &item.SupplierName,
			&item.Confidence, &item.Band, &item.ReviewAction,
			&item.ItemCount, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ApproveDocument moves a reviewed document into the ready state
func (p *PostgresClient) ApproveDocument(ctx context.Context, documentID string) error {
	return p.transitionReviewed(ctx, documentID, processor.StatusReady, "")
}

// EscalateDocument marks a reviewed document for manual entry
func (p *PostgresClient) EscalateDocument(ctx context.Context, documentID string) error {
	return p.transitionReviewed(ctx, documentID, processor.StatusNeedsReview, "manual_entry")
}

func (p *PostgresClient) transitionReviewed(ctx context.Context, documentID, status, reviewAction string) error {
	if documentID == "" {
		return fmt.Errorf("document ID is required")
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE extraction.documents
		SET status = $2,
			review_action = COALESCE(NULLIF($3, ''), review_action),
			updated_at = NOW()
		WHERE id = $1::uuid AND status = $4
	`, documentID, status, reviewAction, processor.StatusNeedsReview)
	if err != nil {
		return fmt.Errorf("failed to transition document %s: %w", documentID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("document %s is not awaiting review", documentID)
	}
	return nil
}

// ListStuckProcessing returns ids of documents that have sat in the
// processing state longer than threshold. The watchdog forces these
// into the error state so nothing is stuck forever.
func (p *PostgresClient) ListStuckProcessing(ctx context.Context, threshold time.Duration) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM extraction.documents
		WHERE status = $1 AND updated_at < NOW() - $2::interval
	`, processor.StatusProcessing, fmt.Sprintf("%d seconds", int(threshold.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetDocument retrieves a document with its line items
func (p *PostgresClient) GetDocument(ctx context.Context, documentID string) (map[string]interface{}, error) {
	if documentID == "" {
		return nil, fmt.Errorf("document ID is required")
	}

	var (
		id, filename                         string
		status                               string
		supplier, invoiceNumber, invoiceDate sql.NullString
		currency, band, reviewAction         sql.NullString
		strategy, errorCode, errorMessage    sql.NullString
		confidence                           sql.NullFloat64
		subtotal, vatAmount, vatRate         sql.NullFloat64
		grandTotal                           sql.NullFloat64
		correctionsJSON, issuesJSON          []byte
		errorDetailsJSON                     []byte
		createdAt, updatedAt                 time.Time
	)

	err := p.db.QueryRowContext(ctx, `
		SELECT id, filename, status, supplier_name, invoice_number, invoice_date,
			currency, band, review_action, strategy, error_code, error_message,
			error_details, confidence, subtotal, vat_amount, vat_rate, grand_total,
			corrections, issues, created_at, updated_at
		FROM extraction.documents
		WHERE id = $1::uuid
	`, documentID).Scan(
		&id, &filename, &status, &supplier, &invoiceNumber, &invoiceDate,
		&currency, &band, &reviewAction, &strategy, &errorCode, &errorMessage,
		&errorDetailsJSON, &confidence, &subtotal, &vatAmount, &vatRate, &grandTotal,
		&correctionsJSON, &issuesJSON, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("document not found: %s", documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	doc := map[string]interface{}{
		"id":        id,
		"filename":  filename,
		"status":    status,
		"createdAt": createdAt,
		"updatedAt": updatedAt,
	}
	putString(doc, "supplierName", supplier)
	putString(doc, "invoiceNumber", invoiceNumber)
	putString(doc, "invoiceDate", invoiceDate)
	putString(doc, "currency", currency)
	putString(doc, "band", band)
	putString(doc, "reviewAction", reviewAction)
	putString(doc, "strategy", strategy)
	putString(doc, "errorCode", errorCode)
	putString(doc, "errorMessage", errorMessage)
	if len(errorDetailsJSON) > 0 {
		var details map[string]interface{}
		if err := json.Unmarshal(errorDetailsJSON, &details); err == nil {
			doc["errorDetails"] = details
		}
	}
	putFloat(doc, "confidence", confidence)
	putFloat(doc, "subtotal", subtotal)
	putFloat(doc, "vatAmount", vatAmount)
	putFloat(doc, "vatRate", vatRate)
	putFloat(doc, "grandTotal", grandTotal)

	if len(correctionsJSON) > 0 {
		var corrections []processor.Correction
		if err := json.Unmarshal(correctionsJSON, &corrections); err == nil {
			doc["corrections"] = corrections
		}
	}
	if len(issuesJSON) > 0 {
		var issues []string
		if err := json.Unmarshal(issuesJSON, &issues); err == nil {
			doc["issues"] = issues
		}
	}

	items, err := p.getLineItems(ctx, documentID)
	if err != nil {
		return nil, err
	}
	doc["lineItems"] = items

	return doc, nil
}

func (p *PostgresClient) getLineItems(ctx context.Context, documentID string) ([]processor.LineItem, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT description, quantity, unit_price, line_total, page, bbox, confidence, flags
		FROM extraction.line_items
		WHERE document_id = $1::uuid
		ORDER BY position
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query line items: %w", err)
	}
	defer rows.Close()

	items := []processor.LineItem{}
	for rows.Next() {
		var item processor.LineItem
		var qty, unit, total sql.NullFloat64
		var bboxJSON, flagsJSON []byte

		if err := rows.Scan(&item.Description, &qty, &unit, &total,
			&item.Page, &bboxJSON, &item.Confidence, &flagsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan line item: %w", err)
		}

		item.Quantity = optFloat(qty)
		item.UnitPrice = optFloat(unit)
		item.LineTotal = optFloat(total)
		if len(bboxJSON) > 0 {
			_ = json.Unmarshal(bboxJSON, &item.Box)
		}
		if len(flagsJSON) > 0 {
			_ = json.Unmarshal(flagsJSON, &item.Flags)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func optFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func putString(m map[string]interface{}, key string, v sql.NullString) {
	if v.Valid {
		m[key] = v.String
	}
}

func putFloat(m map[string]interface{}, key string, v sql.NullFloat64) {
	if v.Valid {
		m[key] = v.Float64
	}
}
