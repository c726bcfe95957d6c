// Package auth holds the authentication surfaces the gateway core consumes:
// the external API-key and session stores, and a Redis read-through cache in
// front of the key store used on the WebSocket upgrade path.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrKeyNotFound = errors.New("api key not found")
	ErrKeyRevoked  = errors.New("api key revoked")
	ErrKeyExpired  = errors.New("api key expired")
)

// ApiKey is the stored record for one key, looked up by hash.
type ApiKey struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id,omitempty"`
	TeamID    string     `json:"team_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Valid enforces revocation and expiry.
func (k *ApiKey) Valid(now time.Time) error {
	if k.RevokedAt != nil && !k.RevokedAt.After(now) {
		return ErrKeyRevoked
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return ErrKeyExpired
	}
	return nil
}

// ApiKeyStore is the external persistence for API keys.
type ApiKeyStore interface {
	LookupByHash(ctx context.Context, hash string) (*ApiKey, error)
}

// Session is an SSO session resolved from a cookie.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionStore is the external session persistence.
type SessionStore interface {
	Lookup(ctx context.Context, sessionID string) (*Session, error)
}

// HashKey is the canonical key hashing used for store lookups and cache
// keys: hex SHA-256 of the raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// KeyCache is a Redis read-through cache over an ApiKeyStore. Validity is
// re-checked on every hit so a cached record never outlives its own expiry
// or revocation.
type KeyCache struct {
	store  ApiKeyStore
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewKeyCache(store ApiKeyStore, client *redis.Client, ttl time.Duration, logger *zap.Logger) *KeyCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyCache{store: store, redis: client, ttl: ttl, logger: logger}
}

func cacheKey(hash string) string { return "hadrian:apikey:" + hash }

// Authenticate resolves a raw API key to its record, consulting the cache
// before the store.
func (c *KeyCache) Authenticate(ctx context.Context, rawKey string) (*ApiKey, error) {
	hash := HashKey(rawKey)

	if c.redis != nil {
		data, err := c.redis.Get(ctx, cacheKey(hash)).Bytes()
		if err == nil {
			var key ApiKey
			if err := json.Unmarshal(data, &key); err == nil {
				if verr := key.Valid(time.Now()); verr != nil {
					c.invalidate(ctx, hash)
					return nil, verr
				}
				return &key, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			c.logger.Warn("api key cache read failed", zap.Error(err))
		}
	}

	key, err := c.store.LookupByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, ErrKeyNotFound
	}
	if verr := key.Valid(time.Now()); verr != nil {
		return nil, verr
	}

	if c.redis != nil {
		if data, err := json.Marshal(key); err == nil {
			if err := c.redis.Set(ctx, cacheKey(hash), data, c.ttl).Err(); err != nil {
				c.logger.Warn("api key cache write failed", zap.Error(err))
			}
		}
	}
	return key, nil
}

func (c *KeyCache) invalidate(ctx context.Context, hash string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, cacheKey(hash)).Err(); err != nil {
		c.logger.Warn("api key cache invalidate failed", zap.Error(err))
	}
}
