// Package cache provides a TTL cache in front of slow enrichment lookups.
//
// Values are stored JSON-encoded in a Store keyed by raw identifier. A stored
// value that no longer decodes is treated as a miss. Writes are best-effort:
// a failing Store never fails the lookup that is being cached.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	jsoniter "github.com/json-iterator/go"

	"procodus.dev/flight-collector/pkg/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultTTL is how long an enrichment result stays cached.
const DefaultTTL = 600 * time.Second

// Store is a byte-oriented key/value store with per-entry expiry.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the stored value, or ok=false when the key is missing or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Close releases the store's resources.
	Close() error
}

// Payload is a cacheable enrichment result. Empty payloads are never stored.
type Payload interface {
	IsEmpty() bool
}

// negative is implemented by payloads that can be a "not found" answer.
type negative interface {
	IsUnknown() bool
}

// Config holds the configuration for a Cache.
type Config struct {
	Logger *slog.Logger
	Store  Store
	// Namespace prefixes every key so that caches can share one Store.
	Namespace string
	// TTL defaults to DefaultTTL.
	TTL time.Duration
	// NegativeTTL applies to negative results; zero means TTL.
	NegativeTTL time.Duration
	// Metrics is optional.
	Metrics *metrics.CollectorMetrics
}

// Cache memoizes lookups in a Store.
type Cache struct {
	logger      *slog.Logger
	store       Store
	namespace   string
	ttl         time.Duration
	negativeTTL time.Duration
	metrics     *metrics.CollectorMetrics
}

// New creates a new Cache instance.
func New(cfg *Config) (*Cache, error) {
	if cfg == nil {
		return nil, errors.New("cache config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	negativeTTL := cfg.NegativeTTL
	if negativeTTL <= 0 {
		negativeTTL = ttl
	}

	return &Cache{
		logger:      cfg.Logger,
		store:       cfg.Store,
		namespace:   cfg.Namespace,
		ttl:         ttl,
		negativeTTL: negativeTTL,
		metrics:     cfg.Metrics,
	}, nil
}

// TTL returns the configured time-to-live for positive results.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// GetOrFetch returns the cached value for key, or calls fetch on a miss and
// caches a non-empty result. Store failures are logged and swallowed.
func GetOrFetch[T Payload](ctx context.Context, c *Cache, key string, fetch func(context.Context, string) T) T {
	storeKey := c.namespace + key

	raw, ok, err := c.store.Get(ctx, storeKey)
	switch {
	case err != nil:
		c.logger.Warn("cache read failed", "key", storeKey, "error", err)
		c.count("miss")
	case ok:
		var cached T
		decodeErr := json.Unmarshal(raw, &cached)
		if decodeErr == nil {
			c.count("hit")
			return cached
		}
		c.logger.Warn("cache decode error", "key", storeKey, "error", decodeErr)
		c.count("decode_error")
	default:
		c.count("miss")
	}

	fresh := fetch(ctx, key)
	if fresh.IsEmpty() {
		return fresh
	}

	encoded, err := json.Marshal(fresh)
	if err != nil {
		c.logger.Warn("cache encode error", "key", storeKey, "error", err)
		c.writeFailed()
		return fresh
	}

	ttl := c.ttl
	if n, isNeg := any(fresh).(negative); isNeg && n.IsUnknown() {
		ttl = c.negativeTTL
	}

	if err := c.store.Set(ctx, storeKey, encoded, ttl); err != nil {
		c.logger.Warn("cache write failed", "key", storeKey, "error", err)
		c.writeFailed()
	}
	return fresh
}

func (c *Cache) count(result string) {
	if c.metrics != nil {
		c.metrics.CacheRequestsTotal.WithLabelValues(result).Inc()
	}
}

func (c *Cache) writeFailed() {
	if c.metrics != nil {
		c.metrics.CacheWriteFailures.Inc()
	}
}
