package errors

import (
	"fmt"
	"time"
)

/**
 * Custom error types for the Invoice Extraction Worker
 *
 * Design Pattern: Factory Pattern for error creation
 * SOLID Principle: Single Responsibility (each error type has one purpose)
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Processing errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorOCRFailed         ErrorCode = "OCR_FAILED"
	ErrorEngineUnavailable ErrorCode = "ENGINE_UNAVAILABLE"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorExtractionFailed  ErrorCode = "EXTRACTION_FAILED"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"

	// Watchdog errors
	ErrorWatchdogTimeout ErrorCode = "WATCHDOG_TIMEOUT"

	// LLM fallback errors
	ErrorLLMFailed ErrorCode = "LLM_FAILED"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code       ErrorCode
	Message    string
	DocumentID string
	Timestamp  time.Time
	Details    map[string]interface{}
	Cause      error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Factory functions for common errors

func NewProcessingTimeoutError(documentID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:       ErrorProcessingTimeout,
		Message:    fmt.Sprintf("Processing timed out after %v", duration),
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewOCRFailedError(documentID string, page int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:       ErrorOCRFailed,
		Message:    fmt.Sprintf("OCR failed on page %d", page),
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Details: map[string]interface{}{
			"page": page,
		},
		Cause: cause,
	}
}

func NewEngineUnavailableError(documentID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:       ErrorEngineUnavailable,
		Message:    "OCR engine is not available on this host",
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Cause:      cause,
	}
}

func NewUnsupportedFormatError(documentID string, mimeType string) *ProcessingError {
	return &ProcessingError{
		Code:       ErrorUnsupportedFormat,
		Message:    fmt.Sprintf("Unsupported file format: %s", mimeType),
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
	}
}

func NewExtractionFailedError(documentID string, strategy string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:       ErrorExtractionFailed,
		Message:    fmt.Sprintf("Line item extraction failed (strategy: %s)", strategy),
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Details: map[string]interface{}{
			"strategy": strategy,
		},
		Cause: cause,
	}
}

func NewStorageFailedError(documentID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:       ErrorStorageFailed,
		Message:    "Failed to store extraction results",
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Cause:      cause,
	}
}

func NewWatchdogTimeoutError(documentID string, threshold time.Duration) *ProcessingError {
	return &ProcessingError{
		Code:       ErrorWatchdogTimeout,
		Message:    fmt.Sprintf("Document stuck in processing for over %v", threshold),
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Details: map[string]interface{}{
			"stuck_threshold": threshold.String(),
		},
	}
}

func NewLLMFailedError(documentID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:       ErrorLLMFailed,
		Message:    "LLM reconstruction fallback failed",
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Cause:      cause,
	}
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
