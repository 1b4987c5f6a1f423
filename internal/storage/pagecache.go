/**
 * Redis page-image cache
 *
 * Holds the preprocessed page PNGs the review UI displays under each
 * extracted line's bounding box, keyed by document id and page number.
 * Also tracks the in-flight document set the watchdog sweeps.
 */

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PageCache stores rendered page images in Redis
type PageCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPageCache connects to Redis and verifies the connection
func NewPageCache(redisURL string, ttl time.Duration) (*PageCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &PageCache{client: client, ttl: ttl}, nil
}

func pageKey(documentID string, page int) string {
	return fmt.Sprintf("pages:%s:%d", documentID, page)
}

const processingSetKey = "extraction:processing"

// StorePage caches one page image
func (c *PageCache) StorePage(ctx context.Context, documentID string, page int, png []byte) error {
	if len(png) == 0 {
		return nil
	}
	if err := c.client.Set(ctx, pageKey(documentID, page), png, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache page %d of %s: %w", page, documentID, err)
	}
	return nil
}

// GetPage fetches a cached page image. Returns nil bytes when the page
// is not cached (expired or never stored).
func (c *PageCache) GetPage(ctx context.Context, documentID string, page int) ([]byte, error) {
	data, err := c.client.Get(ctx, pageKey(documentID, page)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached page: %w", err)
	}
	return data, nil
}

// MarkProcessing adds a document to the in-flight set
func (c *PageCache) MarkProcessing(ctx context.Context, documentID string) error {
	return c.client.SAdd(ctx, processingSetKey, documentID).Err()
}

// ClearProcessing removes a document from the in-flight set
func (c *PageCache) ClearProcessing(ctx context.Context, documentID string) error {
	return c.client.SRem(ctx, processingSetKey, documentID).Err()
}

// Ping checks Redis connectivity
func (c *PageCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *PageCache) Close() error {
	return c.client.Close()
}
