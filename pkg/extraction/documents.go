package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chronica-ai/timeline/pkg/common/httpclient"
	"github.com/chronica-ai/timeline/pkg/common/logger"
	"github.com/redis/go-redis/v9"
)

// ErrDocumentNotFound reports a document reference the extractor does not
// know. An image-only document is NOT an error: it yields empty text.
var ErrDocumentNotFound = errors.New("document not found")

// TextExtractor is the binary-document collaborator: PDF/HTML/RTF to plain
// text. Empty text with a nil error is a valid result for image-only
// documents.
type TextExtractor interface {
	ExtractText(ctx context.Context, documentRef string) (string, error)
}

// HTTPTextExtractor calls the external document extraction service.
type HTTPTextExtractor struct {
	client  *http.Client
	baseURL string
}

func NewHTTPTextExtractor(baseURL string, timeout time.Duration) *HTTPTextExtractor {
	return &HTTPTextExtractor{
		client:  httpclient.New(timeout),
		baseURL: baseURL,
	}
}

func (e *HTTPTextExtractor) ExtractText(ctx context.Context, documentRef string) (string, error) {
	url := fmt.Sprintf("%s/api/v1/documents/%s/text", e.baseURL, documentRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", httpclient.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrDocumentNotFound, documentRef)
	}
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: extractor returned %d", httpclient.ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("extractor returned %d for %s", resp.StatusCode, documentRef)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading extractor response: %v", httpclient.ErrTransient, err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decoding extractor response: %w", err)
	}
	return result.Text, nil
}

// DocumentCache is the explicit, injectable store of extracted document text.
// Retention is TTL-based; redis handles eviction. Cached empty text is a
// legitimate hit (image-only documents), distinguished from a miss.
type DocumentCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewDocumentCache(client *redis.Client, ttl time.Duration) *DocumentCache {
	return &DocumentCache{client: client, ttl: ttl}
}

func (c *DocumentCache) Get(ctx context.Context, documentRef string) (string, bool, error) {
	text, err := c.client.Get(ctx, cacheKey(documentRef)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return text, true, nil
}

func (c *DocumentCache) Set(ctx context.Context, documentRef, text string) error {
	return c.client.Set(ctx, cacheKey(documentRef), text, c.ttl).Err()
}

func cacheKey(documentRef string) string {
	return "doctext:" + documentRef
}

// CachingExtractor wraps a TextExtractor with the document cache so repeated
// tier-2 escalations against the same document fetch it once.
type CachingExtractor struct {
	inner TextExtractor
	cache *DocumentCache
}

func NewCachingExtractor(inner TextExtractor, cache *DocumentCache) *CachingExtractor {
	return &CachingExtractor{inner: inner, cache: cache}
}

func (c *CachingExtractor) ExtractText(ctx context.Context, documentRef string) (string, error) {
	if c.cache != nil {
		if text, ok, err := c.cache.Get(ctx, documentRef); err == nil && ok {
			return text, nil
		} else if err != nil {
			logger.Log.WithError(err).Warn("document cache read failed, fetching directly")
		}
	}

	text, err := c.inner.ExtractText(ctx, documentRef)
	if err != nil {
		return "", err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, documentRef, text); err != nil {
			logger.Log.WithError(err).Warn("document cache write failed")
		}
	}
	return text, nil
}
