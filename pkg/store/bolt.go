package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/markus-lassfolk/locationd/pkg/locate"
	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// Bucket names for the bbolt database
const (
	LocationBucket = "location"
	FlagsBucket    = "flags"
)

// currentKey holds the single accepted estimate per store.
const currentKey = "current"

// Config holds persistent store configuration.
type Config struct {
	Path        string        `json:"path"`
	PrimaryTTL  time.Duration `json:"primary_ttl"`
	FallbackTTL time.Duration `json:"fallback_ttl"`
}

// DefaultConfig returns store defaults.
func DefaultConfig() *Config {
	return &Config{
		Path:        "/var/lib/locationd/cache.db",
		PrimaryTTL:  10 * time.Minute,
		FallbackTTL: 60 * time.Minute,
	}
}

// Stats tracks store outcomes.
type Stats struct {
	Hits             int64 `json:"hits"`
	Misses           int64 `json:"misses"`
	StaleHits        int64 `json:"stale_hits"`
	Writes           int64 `json:"writes"`
	OverwriteRejects int64 `json:"overwrite_rejects"`
}

// BoltStore persists the current estimate and permission flags in a bbolt
// database so both survive restarts. The current record is mirrored in
// memory so reads never touch the database. Implements locate.CacheStore
// and locate.FlagStore.
type BoltStore struct {
	config *Config
	logger *logx.Logger
	db     *bolt.DB

	mu     sync.Mutex
	cached *locationRecord
	stats  Stats

	now func() time.Time
}

// NewBoltStore opens (creating if needed) the database at config.Path.
func NewBoltStore(config *Config, logger *logx.Logger) (*BoltStore, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PrimaryTTL <= 0 {
		config.PrimaryTTL = 10 * time.Minute
	}
	if config.FallbackTTL <= config.PrimaryTTL {
		config.FallbackTTL = 60 * time.Minute
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bolt.Open(config.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	s := &BoltStore{
		config: config,
		logger: logger,
		db:     db,
		now:    time.Now,
	}
	if err := s.initializeBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store buckets: %w", err)
	}
	s.cached = s.load()

	logger.Info("store_opened",
		"path", config.Path,
		"primary_ttl", config.PrimaryTTL.String(),
		"fallback_ttl", config.FallbackTTL.String(),
	)
	return s, nil
}

func (s *BoltStore) initializeBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{LocationBucket, FlagsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// Get returns the estimate while its primary TTL holds, additionally
// bounded by maxAge when positive. Expired or missing entries return nil.
// Reads are served from the in-memory mirror, never the database.
func (s *BoltStore) Get(maxAge time.Duration) *locate.LocationEstimate {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.cached
	if rec == nil {
		s.stats.Misses++
		return nil
	}

	now := s.now()
	if now.After(rec.ExpiresAt) {
		s.stats.Misses++
		return nil
	}
	if maxAge > 0 && now.Sub(rec.CapturedAt) > maxAge {
		s.stats.Misses++
		return nil
	}

	s.stats.Hits++
	return rec.toEstimate()
}

// GetFallback returns the estimate in its stale window, past the primary
// TTL but before the fallback expiry, marked IsStale. An entry still inside
// the primary TTL is served as a plain hit.
func (s *BoltStore) GetFallback() *locate.LocationEstimate {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.cached
	if rec == nil {
		s.stats.Misses++
		return nil
	}

	now := s.now()
	if now.After(rec.FallbackExpiry) {
		s.stats.Misses++
		return nil
	}

	est := rec.toEstimate()
	if now.After(rec.ExpiresAt) {
		est.IsStale = true
		s.stats.StaleHits++
	} else {
		s.stats.Hits++
	}
	return est
}

// Put stores the estimate unless a live entry already holds a strictly
// newer or better-tier fix. Rejections are silent so a losing late write
// never fails a resolution. Accepted writes update the memory mirror and
// the database together.
func (s *BoltStore) Put(est *locate.LocationEstimate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.cached != nil && !s.cached.supersededBy(est, now) {
		s.stats.OverwriteRejects++
		s.logger.LogDebugVerbose("store_overwrite_rejected", map[string]interface{}{
			"existing_tier": s.cached.QualityTier,
			"incoming_tier": int(est.QualityTier),
		})
		return nil
	}

	rec := recordFromEstimate(est, now, s.config.PrimaryTTL, s.config.FallbackTTL)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal location record: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(LocationBucket))
		if bucket == nil {
			return fmt.Errorf("location bucket not found")
		}
		return bucket.Put([]byte(currentKey), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store estimate: %w", err)
	}

	s.cached = rec
	s.stats.Writes++
	return nil
}

// Clear removes the stored estimate from memory and disk.
func (s *BoltStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(LocationBucket))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(currentKey))
	})
	if err != nil {
		return err
	}
	s.cached = nil
	return nil
}

// GetFlag returns a persisted flag value.
func (s *BoltStore) GetFlag(name string) (string, bool) {
	var value string
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(FlagsBucket))
		if bucket == nil {
			return nil
		}
		if data := bucket.Get([]byte(name)); data != nil {
			value = string(data)
			found = true
		}
		return nil
	})
	return value, found
}

// SetFlag persists a flag value.
func (s *BoltStore) SetFlag(name, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(FlagsBucket))
		if bucket == nil {
			return fmt.Errorf("flags bucket not found")
		}
		return bucket.Put([]byte(name), []byte(value))
	})
}

// DeleteFlag removes a flag.
func (s *BoltStore) DeleteFlag(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(FlagsBucket))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(name))
	})
}

// Stats returns a copy of the store statistics.
func (s *BoltStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) load() *locationRecord {
	var rec *locationRecord
	_ = s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(LocationBucket))
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(currentKey))
		if data == nil {
			return nil
		}
		rec = &locationRecord{}
		if err := json.Unmarshal(data, rec); err != nil {
			rec = nil
			s.logger.Warn("store_record_corrupt", "error", err.Error())
		}
		return nil
	})
	return rec
}
