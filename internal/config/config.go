/**
 * Configuration for the Invoice Extraction Worker
 *
 * Loads configuration from environment variables. All heuristic tunables
 * live in the Thresholds struct so the pipeline never reads package-level
 * constants.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration (queue + page-image cache)
	RedisURL string

	// PostgreSQL configuration
	DatabaseURL string

	// HTTP listen address for the page-image / review-queue API
	HTTPAddr string

	// OpenAI API key for the LLM reconstruction fallback.
	// Optional: when empty the fallback is disabled and low-confidence
	// documents go straight to human review.
	OpenAIAPIKey string
	OpenAIModel  string

	// Worker configuration
	QueueName         string
	WorkerConcurrency int
	ProcessingTimeout time.Duration // whole-document budget
	OCRPageTimeout    time.Duration // per-page OCR budget
	LLMTimeout        time.Duration // per-document LLM budget

	// Watchdog configuration
	WatchdogInterval time.Duration
	StuckThreshold   time.Duration

	// Tesseract configuration
	TesseractLanguage string

	// Page-image cache TTL
	PageCacheTTL time.Duration

	// Pipeline heuristics
	Thresholds Thresholds
}

// Thresholds collects every empirically tuned constant used by the
// extraction pipeline. Defaults mirror the values the pipeline was
// calibrated with; tests vary them freely.
type Thresholds struct {
	// Layout: a page taller than ReceiptAspectRatio × its width is
	// classified as a till receipt.
	ReceiptAspectRatio float64

	// Column clustering. Both factors scale with the detected average
	// token height so the extractor is resolution-agnostic.
	RowToleranceFactor float64 // row grouping tolerance = factor × avg token height
	ColumnGapFactor    float64 // new-column gap = factor × avg token height
	ReceiptGapScale    float64 // multiplier applied to ColumnGapFactor in receipt mode

	// Strategy selection
	MinGeometricRows int     // fall through to pattern extraction below this
	LowOCRConfidence float64 // prefer pattern extraction below this OCR quality
	LLMEscalateBelow float64 // invoke LLM fallback below this overall confidence
	LLMMinConfidence float64 // discard LLM reconstructions under this model confidence

	// Validation
	MoneyTolerance         float64 // absolute tolerance for rounding differences
	TotalMismatchThreshold float64 // relative grand-total error treated as critical
	DefaultVATRate         float64

	// Confidence weights and band cutoffs
	OCRWeight        float64
	ExtractionWeight float64
	ValidationWeight float64
	HighBandCutoff   float64
	MediumBandCutoff float64
	LowBandCutoff    float64
}

// DefaultThresholds returns the calibrated defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ReceiptAspectRatio:     2.0,
		RowToleranceFactor:     0.7,
		ColumnGapFactor:        1.5,
		ReceiptGapScale:        0.6,
		MinGeometricRows:       2,
		LowOCRConfidence:       0.5,
		LLMEscalateBelow:       0.6,
		LLMMinConfidence:       0.5,
		MoneyTolerance:         0.05,
		TotalMismatchThreshold: 0.10,
		DefaultVATRate:         0.20,
		OCRWeight:              0.40,
		ExtractionWeight:       0.35,
		ValidationWeight:       0.25,
		HighBandCutoff:         0.80,
		MediumBandCutoff:       0.60,
		LowBandCutoff:          0.40,
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:          getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		DatabaseURL:       getEnvOrThrow("DATABASE_URL"),
		HTTPAddr:          getEnvOrDefault("HTTP_ADDR", ":8087"),
		OpenAIAPIKey:      getEnvOrDefault("OPENAI_API_KEY", ""),
		OpenAIModel:       getEnvOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		QueueName:         getEnvOrDefault("QUEUE_NAME", "extraction"),
		WorkerConcurrency: getEnvAsIntOrDefault("WORKER_CONCURRENCY", 8),
		ProcessingTimeout: getEnvAsDurationOrDefault("PROCESSING_TIMEOUT", 5*time.Minute),
		OCRPageTimeout:    getEnvAsDurationOrDefault("OCR_PAGE_TIMEOUT", 45*time.Second),
		LLMTimeout:        getEnvAsDurationOrDefault("LLM_TIMEOUT", 60*time.Second),
		WatchdogInterval:  getEnvAsDurationOrDefault("WATCHDOG_INTERVAL", time.Minute),
		StuckThreshold:    getEnvAsDurationOrDefault("STUCK_THRESHOLD", 10*time.Minute),
		TesseractLanguage: getEnvOrDefault("TESSERACT_LANG", "eng"),
		PageCacheTTL:      getEnvAsDurationOrDefault("PAGE_CACHE_TTL", 24*time.Hour),
		Thresholds:        DefaultThresholds(),
	}

	if v := getEnvAsFloat("RECEIPT_ASPECT_RATIO"); v > 0 {
		cfg.Thresholds.ReceiptAspectRatio = v
	}
	if v := getEnvAsFloat("TOTAL_MISMATCH_THRESHOLD"); v > 0 {
		cfg.Thresholds.TotalMismatchThreshold = v
	}
	if v := getEnvAsFloat("DEFAULT_VAT_RATE"); v > 0 {
		cfg.Thresholds.DefaultVATRate = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.ProcessingTimeout < time.Second {
		return fmt.Errorf("PROCESSING_TIMEOUT must be at least 1s, got %v", c.ProcessingTimeout)
	}

	if c.StuckThreshold < c.ProcessingTimeout {
		return fmt.Errorf("STUCK_THRESHOLD (%v) must not be shorter than PROCESSING_TIMEOUT (%v)",
			c.StuckThreshold, c.ProcessingTimeout)
	}

	return c.Thresholds.Validate()
}

// Validate checks threshold sanity
func (t Thresholds) Validate() error {
	if t.ReceiptAspectRatio <= 1.0 {
		return fmt.Errorf("receipt aspect ratio must exceed 1.0, got %.2f", t.ReceiptAspectRatio)
	}

	weightSum := t.OCRWeight + t.ExtractionWeight + t.ValidationWeight
	if weightSum < 0.99 || weightSum > 1.01 {
		return fmt.Errorf("confidence weights must sum to 1.0, got %.3f", weightSum)
	}

	if !(t.LowBandCutoff < t.MediumBandCutoff && t.MediumBandCutoff < t.HighBandCutoff) {
		return fmt.Errorf("band cutoffs must be strictly increasing: %.2f / %.2f / %.2f",
			t.LowBandCutoff, t.MediumBandCutoff, t.HighBandCutoff)
	}

	if t.TotalMismatchThreshold <= 0 || t.TotalMismatchThreshold >= 1 {
		return fmt.Errorf("total mismatch threshold must be in (0,1), got %.2f", t.TotalMismatchThreshold)
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrThrow gets environment variable or panics
func getEnvOrThrow(key string) string {
	value := os.Getenv(key)
	if value == "" {
		panic(fmt.Sprintf("Required environment variable %s is not set", key))
	}
	return value
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsDurationOrDefault parses values like "45s" or "10m"
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloat returns 0 when unset or unparseable
func getEnvAsFloat(key string) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return 0
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0
	}

	return value
}
