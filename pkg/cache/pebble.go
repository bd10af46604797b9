package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
)

// expiryPrefixLen is the size of the big-endian unix-nano expiry stored in
// front of every value.
const expiryPrefixLen = 8

var errCorruptEntry = errors.New("cache entry shorter than expiry prefix")

// PebbleStoreConfig holds the configuration for a PebbleStore.
type PebbleStoreConfig struct {
	Path string
	// CacheSizeBytes sizes pebble's block cache; zero uses pebble's default.
	CacheSizeBytes int64
	// Now overrides the clock; used by tests.
	Now func() time.Time
}

// PebbleStore is a Store persisted on disk, so cached enrichment survives
// restarts.
type PebbleStore struct {
	db    *pebble.DB
	cache *pebble.Cache
	now   func() time.Time
}

// OpenPebbleStore opens or creates a pebble database at cfg.Path.
func OpenPebbleStore(cfg *PebbleStoreConfig) (*PebbleStore, error) {
	if cfg == nil {
		return nil, errors.New("pebble store config cannot be nil")
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("pebble store path cannot be empty")
	}

	opts := &pebble.Options{}
	if cfg.CacheSizeBytes > 0 {
		opts.Cache = pebble.NewCache(cfg.CacheSizeBytes)
	}

	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		if opts.Cache != nil {
			opts.Cache.Unref()
		}
		return nil, fmt.Errorf("failed to open pebble store: %w", err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &PebbleStore{db: db, cache: opts.Cache, now: now}, nil
}

// Get implements Store. Expired entries are deleted and reported as missing.
func (s *PebbleStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	raw, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read %q: %w", key, err)
	}
	value, expires, decodeErr := decodeEntry(raw)
	_ = closer.Close()
	if decodeErr != nil {
		return nil, false, decodeErr
	}

	if !s.now().Before(expires) {
		if err := s.db.Delete([]byte(key), pebble.NoSync); err != nil {
			return nil, false, fmt.Errorf("failed to delete expired %q: %w", key, err)
		}
		return nil, false, nil
	}
	return value, true, nil
}

// Set implements Store.
func (s *PebbleStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	buf := make([]byte, expiryPrefixLen+len(value))
	binary.BigEndian.PutUint64(buf[:expiryPrefixLen], uint64(s.now().Add(ttl).UnixNano()))
	copy(buf[expiryPrefixLen:], value)

	if err := s.db.Set([]byte(key), buf, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	return nil
}

// Sweep deletes every expired entry and returns how many were removed.
func (s *PebbleStore) Sweep() (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to open iterator: %w", err)
	}

	now := s.now()
	batch := s.db.NewBatch()
	removed := 0
	for valid := iter.First(); valid; valid = iter.Next() {
		_, expires, decodeErr := decodeEntry(iter.Value())
		if decodeErr == nil && now.Before(expires) {
			continue
		}
		key := append([]byte(nil), iter.Key()...)
		if err := batch.Delete(key, nil); err != nil {
			_ = iter.Close()
			_ = batch.Close()
			return 0, fmt.Errorf("failed to stage delete: %w", err)
		}
		removed++
	}
	if err := iter.Close(); err != nil {
		_ = batch.Close()
		return 0, fmt.Errorf("failed to close iterator: %w", err)
	}
	if err := batch.Commit(pebble.NoSync); err != nil {
		return 0, fmt.Errorf("failed to commit sweep: %w", err)
	}
	return removed, nil
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.cache != nil {
		s.cache.Unref()
	}
	if err != nil {
		return fmt.Errorf("failed to close pebble store: %w", err)
	}
	return nil
}

func decodeEntry(raw []byte) ([]byte, time.Time, error) {
	if len(raw) < expiryPrefixLen {
		return nil, time.Time{}, errCorruptEntry
	}
	nanos := int64(binary.BigEndian.Uint64(raw[:expiryPrefixLen]))
	value := make([]byte, len(raw)-expiryPrefixLen)
	copy(value, raw[expiryPrefixLen:])
	return value, time.Unix(0, nanos), nil
}

// Ensure PebbleStore implements Store.
var _ Store = (*PebbleStore)(nil)
