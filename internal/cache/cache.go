// Package cache implements the Embedding Cache (Component B): a
// content-addressed store of text embeddings with a bounded in-memory LRU
// tier backed by a persistent Redis tier, following the teacher's
// CacheService/MemoryCache/RedisCache dual-tier shape in
// internal/services/cache.go, generalized from JSON response caching to
// float32 vector caching.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/text/unicode/norm"

	"github.com/chatmemory/agentcore/internal/apperr"
	"github.com/chatmemory/agentcore/internal/config"
)

// EmbeddingProvider is the external model operation an EmbeddingCache falls
// back to on a miss. internal/llm.Client satisfies this.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingCache implements the embed(text) -> vector contract in §4.B.
type EmbeddingCache struct {
	provider EmbeddingProvider
	modelID  string

	memory *lruCache
	redis  *redis.Client

	sem          chan struct{}
	minInterCall time.Duration
	mu           sync.Mutex
	lastCall     time.Time
}

func New(cfg *config.Config, provider EmbeddingProvider, redisClient *redis.Client) *EmbeddingCache {
	capacity := cfg.Cache.MemoryCapacity
	if capacity <= 0 {
		capacity = 10000
	}
	concurrency := cfg.Model.EmbedConcurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	minDelay := cfg.Model.EmbedMinDelay
	if minDelay <= 0 {
		minDelay = time.Second
	}

	return &EmbeddingCache{
		provider:     provider,
		modelID:      cfg.Model.EmbeddingModelID,
		memory:       newLRUCache(capacity),
		redis:        redisClient,
		sem:          make(chan struct{}, concurrency),
		minInterCall: minDelay,
	}
}

// Embed returns the embedding vector for text, consulting the memory tier,
// then the Redis tier, then the external provider in that order. The bool
// result is the cache-hit flag the contract requires so callers can
// distinguish cheap hits from provider round-trips. Any provider failure is
// reported as EmbeddingUnavailable; callers degrade.
func (c *EmbeddingCache) Embed(ctx context.Context, text string) ([]float32, bool, error) {
	key := cacheKey(text, c.modelID)

	if vec, ok := c.memory.get(key); ok {
		return vec, true, nil
	}

	if c.redis != nil {
		if vec, ok := c.getRedis(ctx, key); ok {
			c.memory.set(key, vec)
			return vec, true, nil
		}
	}

	vec, err := c.callProvider(ctx, text)
	if err != nil {
		return nil, false, apperr.Wrap(err, apperr.ErrEmbeddingUnavailable)
	}

	c.memory.set(key, vec)
	if c.redis != nil {
		c.setRedis(ctx, key, vec)
	}
	return vec, false, nil
}

// callProvider guards the external embed() call with a bounded concurrency
// semaphore and a minimum inter-call delay, per §4.B's rate-limit contract.
func (c *EmbeddingCache) callProvider(ctx context.Context, text string) ([]float32, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	c.mu.Lock()
	wait := c.minInterCall - time.Since(c.lastCall)
	c.mu.Unlock()
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	vec, err := c.provider.Embed(ctx, text)

	c.mu.Lock()
	c.lastCall = time.Now()
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return vec, nil
}

func (c *EmbeddingCache) getRedis(ctx context.Context, key string) ([]float32, bool) {
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("embedding cache redis get failed", "error", err)
		}
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal([]byte(val), &vec); err != nil {
		slog.Warn("embedding cache redis decode failed", "error", err)
		return nil, false
	}
	return vec, true
}

func (c *EmbeddingCache) setRedis(ctx context.Context, key string, vec []float32) {
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, 0).Err(); err != nil {
		slog.Warn("embedding cache redis set failed", "error", err)
	}
}

// cacheKey implements the §4.B key formula: sha256(normalize(text)) || model_id.
func cacheKey(text, modelID string) string {
	hash := sha256.Sum256([]byte(normalizeText(text)))
	return "emb:" + hex.EncodeToString(hash[:]) + ":" + modelID
}

// normalizeText applies NFC normalization, trims, and lowercases, exactly
// the three steps the contract specifies.
func normalizeText(text string) string {
	normalized := norm.NFC.String(text)
	return strings.ToLower(strings.TrimSpace(normalized))
}

// lruCache is a bounded least-recently-used map, adapted in the teacher's
// style from MemoryCache but with an eviction policy since the teacher's
// in-memory fallback never bounds its size.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	key   string
	value []float32
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *lruCache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (c *lruCache) set(key string, value []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*lruEntry).value = value
		return
	}

	el := c.ll.PushFront(&lruEntry{key: key, value: value})
	c.items[key] = el

	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}
