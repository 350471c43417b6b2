package cache

import (
	"fmt"

	"github.com/kjstillabower/trendy-lights/internal/config"
)

// Backend names accepted in cache.backend.
const (
	BackendInMemory  = "in_memory"
	BackendMemcached = "memcached"
	BackendRedis     = "redis"
	BackendBadger    = "badger"
)

// New builds the configured backend wrapped with metrics.
func New(cfg *config.Config) (*Instrumented, error) {
	switch cfg.CacheBackend {
	case BackendInMemory, "":
		return Instrument(NewInMemoryCache(), BackendInMemory), nil
	case BackendMemcached:
		mc, err := NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, fmt.Errorf("memcached cache: %w", err)
		}
		return Instrument(mc, BackendMemcached), nil
	case BackendRedis:
		rc := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTimeout)
		return Instrument(rc, BackendRedis), nil
	case BackendBadger:
		bc, err := OpenBadgerCache(cfg.BadgerDir)
		if err != nil {
			return nil, err
		}
		return Instrument(bc, BackendBadger), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}
