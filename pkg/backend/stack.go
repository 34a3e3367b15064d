package backend

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/medinsight-report-assembler/internal/domain"
)

// Stack is the analysis client together with its optional cache tiers
type Stack struct {
	Client  *Client
	Cached  *CachedBackend
	Metrics *Metrics
	redis   *RedisCache
}

// NewStack builds the client and, when caching is enabled, the diagnosis
// cache in front of it. An unreachable Redis degrades to the memory tier.
func NewStack(ctx context.Context, backendConfig domain.BackendConfig, cacheConfig domain.CacheConfig, reg prometheus.Registerer, logger *logrus.Logger) *Stack {
	metrics := NewMetrics("medinsight", reg)
	s := &Stack{
		Client:  NewClient(backendConfig, logger, metrics),
		Metrics: metrics,
	}
	if !cacheConfig.Enabled {
		return s
	}

	var remote domain.DiagnosisCache
	if cacheConfig.RedisURL != "" {
		rc, err := NewRedisCache(ctx, cacheConfig)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, diagnosis cache runs memory-only")
		} else {
			s.redis = rc
			remote = rc
		}
	}
	s.Cached = NewCachedBackend(s.Client, cacheConfig, remote, metrics, logger)
	return s
}

// Backend returns the outermost backend of the stack
func (s *Stack) Backend() domain.AnalysisBackend {
	if s.Cached != nil {
		return s.Cached
	}
	return s.Client
}

// Close releases the Redis connection, if any
func (s *Stack) Close() error {
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}
