// Package cache implements the exact-match response cache over Redis.
// Streaming requests never touch it; the cache key is the canonical JSON of
// the request with the stream flag cleared, so a streamed and a buffered
// request for the same prompt share nothing.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/schema"
	"github.com/hadrianai/hadrian/internal/services/dispatch"
)

type ResponseCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewResponseCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *ResponseCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponseCache{client: client, ttl: ttl, logger: logger}
}

type storedEntry struct {
	Body     json.RawMessage `json:"body"`
	CachedAt time.Time       `json:"cached_at"`
}

// Key hashes the request into the cache key. Exported for tests and for
// operators invalidating entries by hand.
func Key(req *schema.ChatRequest) string {
	canonical := *req
	canonical.Stream = false
	raw, err := json.Marshal(&canonical)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return "hadrian:cache:" + hex.EncodeToString(sum[:])
}

func (c *ResponseCache) Lookup(ctx context.Context, req *schema.ChatRequest) (*dispatch.CacheEntry, bool) {
	key := Key(req)
	if key == "" {
		return nil, false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var entry storedEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("cache entry corrupt, dropping", zap.Error(err))
		c.client.Del(ctx, key)
		return nil, false
	}
	return &dispatch.CacheEntry{Body: entry.Body, CachedAt: entry.CachedAt}, true
}

func (c *ResponseCache) Store(ctx context.Context, req *schema.ChatRequest, body []byte) {
	key := Key(req)
	if key == "" || !json.Valid(body) {
		return
	}
	data, err := json.Marshal(storedEntry{Body: body, CachedAt: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", zap.Error(err))
	}
}
