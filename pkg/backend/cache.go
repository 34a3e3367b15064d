package backend

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/medinsight-report-assembler/internal/domain"
)

// RedisCache stores diagnosis sets in Redis
type RedisCache struct {
	redis      *redis.Client
	defaultTTL time.Duration
}

// CachedDiagnoses is the Redis representation of a cached diagnosis set
type CachedDiagnoses struct {
	Data      *domain.DiagnosisSet `json:"data"`
	CachedAt  time.Time            `json:"cached_at"`
	ExpiresAt time.Time            `json:"expires_at"`
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(ctx context.Context, config domain.CacheConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.PoolTimeout > 0 {
		opts.PoolTimeout = config.PoolTimeout
	}
	if config.MaxRetries > 0 {
		opts.MaxRetries = config.MaxRetries
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := config.DefaultTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	return &RedisCache{redis: client, defaultTTL: ttl}, nil
}

// Get returns the cached set for analysis
func (c *RedisCache) Get(ctx context.Context, analysis *domain.AnalysisResult) (*domain.DiagnosisSet, bool, error) {
	key, err := CacheKey(analysis)
	if err != nil {
		return nil, false, err
	}

	val, err := c.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get diagnosis cache: %w", err)
	}

	var cached CachedDiagnoses
	if err := json.Unmarshal([]byte(val), &cached); err != nil || cached.Data == nil {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}
	if time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}
	return cached.Data, true, nil
}

// Set stores set for analysis with the default TTL
func (c *RedisCache) Set(ctx context.Context, analysis *domain.AnalysisResult, set *domain.DiagnosisSet) error {
	key, err := CacheKey(analysis)
	if err != nil {
		return err
	}

	now := time.Now()
	data, err := json.Marshal(CachedDiagnoses{Data: set, CachedAt: now, ExpiresAt: now.Add(c.defaultTTL)})
	if err != nil {
		return fmt.Errorf("failed to marshal diagnosis cache data: %w", err)
	}
	return c.redis.Set(ctx, key, data, c.defaultTTL).Err()
}

// Ping checks if the Redis connection is alive
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.redis.Close()
}

// CacheStats represents diagnosis cache statistics
type CacheStats struct {
	MemoryHits    int64 `json:"memory_hits"`
	MemoryMisses  int64 `json:"memory_misses"`
	RedisHits     int64 `json:"redis_hits"`
	RedisMisses   int64 `json:"redis_misses"`
	BackendCalls  int64 `json:"backend_calls"`
	ErrorCount    int64 `json:"error_count"`
	TotalRequests int64 `json:"total_requests"`
}

// CachedBackend decorates a backend with a two-tier diagnosis cache: an
// in-memory expiring LRU in front of an optional Redis tier. Only successful
// enumerations are cached; every other call passes through. Each caller gets
// its own copy of a cached set.
type CachedBackend struct {
	domain.AnalysisBackend

	memory  *expirable.LRU[string, *domain.DiagnosisSet]
	remote  domain.DiagnosisCache
	metrics *Metrics
	logger  *logrus.Logger

	statsMu sync.Mutex
	stats   CacheStats
}

// NewCachedBackend wraps next. remote may be nil to run memory-only.
func NewCachedBackend(next domain.AnalysisBackend, config domain.CacheConfig, remote domain.DiagnosisCache, metrics *Metrics, logger *logrus.Logger) *CachedBackend {
	size := config.MemorySize
	if size <= 0 {
		size = 256
	}
	ttl := config.MemoryTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &CachedBackend{
		AnalysisBackend: next,
		memory:          expirable.NewLRU[string, *domain.DiagnosisSet](size, nil, ttl),
		remote:          remote,
		metrics:         metrics,
		logger:          logger,
	}
}

// PossibleDiagnoses serves from cache when possible
func (b *CachedBackend) PossibleDiagnoses(ctx context.Context, analysis *domain.AnalysisResult) (*domain.DiagnosisSet, error) {
	key, err := CacheKey(analysis)
	if err != nil {
		b.record(func(s *CacheStats) { s.ErrorCount++ })
		return b.AnalysisBackend.PossibleDiagnoses(ctx, analysis)
	}
	b.record(func(s *CacheStats) { s.TotalRequests++ })

	if set, ok := b.memory.Get(key); ok {
		b.record(func(s *CacheStats) { s.MemoryHits++ })
		b.metrics.cacheLookup("memory", "hit")
		b.logger.WithFields(logrus.Fields{"cache_key": key, "cache_tier": "memory"}).Debug("Diagnosis cache hit")
		return set.Clone(), nil
	}
	b.record(func(s *CacheStats) { s.MemoryMisses++ })
	b.metrics.cacheLookup("memory", "miss")

	if b.remote != nil {
		set, ok, err := b.remote.Get(ctx, analysis)
		switch {
		case err != nil:
			b.record(func(s *CacheStats) { s.ErrorCount++ })
			b.logger.WithError(err).Warn("Diagnosis cache lookup failed")
		case ok:
			b.record(func(s *CacheStats) { s.RedisHits++ })
			b.metrics.cacheLookup("redis", "hit")
			b.logger.WithFields(logrus.Fields{"cache_key": key, "cache_tier": "redis"}).Debug("Diagnosis cache hit")
			b.memory.Add(key, set.Clone())
			return set, nil
		default:
			b.record(func(s *CacheStats) { s.RedisMisses++ })
			b.metrics.cacheLookup("redis", "miss")
		}
	}

	b.record(func(s *CacheStats) { s.BackendCalls++ })
	set, err := b.AnalysisBackend.PossibleDiagnoses(ctx, analysis)
	if err != nil {
		return nil, err
	}

	b.memory.Add(key, set.Clone())
	if b.remote != nil {
		if err := b.remote.Set(ctx, analysis, set); err != nil {
			b.record(func(s *CacheStats) { s.ErrorCount++ })
			b.logger.WithError(err).Warn("Failed to store diagnoses in cache")
		}
	}
	return set, nil
}

// Stats returns a copy of the cache statistics
func (b *CachedBackend) Stats() CacheStats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}

// Purge drops every in-memory entry
func (b *CachedBackend) Purge() {
	b.memory.Purge()
}

func (b *CachedBackend) record(update func(*CacheStats)) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	update(&b.stats)
}

// CacheKey derives the cache key of an analysis result from its canonical
// JSON encoding.
func CacheKey(analysis *domain.AnalysisResult) (string, error) {
	if analysis == nil {
		return "", errors.New("analysis result is nil")
	}
	data, err := json.Marshal(analysis)
	if err != nil {
		return "", fmt.Errorf("failed to encode analysis result: %w", err)
	}
	hash := sha256.Sum256(data)
	return fmt.Sprintf("diagnoses:analysis:%x", hash[:16]), nil
}
