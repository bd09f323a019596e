// Package cache holds the in-memory caches of a chime node, backed by Ristretto.
package cache

import (
	"github.com/dgraph-io/ristretto"
)

// CacheMetrics provides cache performance metrics
type CacheMetrics struct {
	Hits        uint64
	Misses      uint64
	KeysAdded   uint64
	KeysEvicted uint64
	CostAdded   uint64
	CostEvicted uint64
}

// RistrettoConfig holds Ristretto cache configuration
type RistrettoConfig struct {
	MaxCost     int64 // Maximum cost of cache (bytes)
	NumCounters int64 // Number of counters for TinyLFU admission policy
	BufferItems int64 // Buffer size for async operations
	Metrics     bool  // Enable metrics collection
}

// DefaultRistrettoConfig is small enough for a single chime
func DefaultRistrettoConfig() RistrettoConfig {
	return RistrettoConfig{
		MaxCost:     1 << 20,
		NumCounters: 100000,
		BufferItems: 64,
		Metrics:     true,
	}
}

// ristrettoStore wraps the settings and accounting shared by the caches
type ristrettoStore struct {
	cache  *ristretto.Cache
	config RistrettoConfig
}

func newRistrettoStore(config RistrettoConfig) (*ristrettoStore, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		MaxCost:     config.MaxCost,
		NumCounters: config.NumCounters,
		BufferItems: config.BufferItems,
		Metrics:     config.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &ristrettoStore{cache: c, config: config}, nil
}

// Size returns the approximate number of items in the cache.
// Ristretto is eventually consistent, so this might not be exact.
func (s *ristrettoStore) Size() int {
	if !s.config.Metrics {
		return 0
	}
	m := s.cache.Metrics
	return int(m.KeysAdded() - m.KeysEvicted())
}

// Metrics returns cache performance metrics
func (s *ristrettoStore) Metrics() CacheMetrics {
	if !s.config.Metrics {
		return CacheMetrics{}
	}
	m := s.cache.Metrics
	return CacheMetrics{
		Hits:        m.Hits(),
		Misses:      m.Misses(),
		KeysAdded:   m.KeysAdded(),
		KeysEvicted: m.KeysEvicted(),
		CostAdded:   m.CostAdded(),
		CostEvicted: m.CostEvicted(),
	}
}

// Close stops Ristretto's background goroutines
func (s *ristrettoStore) Close() {
	s.cache.Close()
}
