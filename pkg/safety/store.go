package safety

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/markus-lassfolk/safetrack/pkg/logx"
	bolt "go.etcd.io/bbolt"
)

const scoreCacheBucket = "safety_score_cache"

// CacheStore persists the last score across restarts. It is never a source
// of truth: loaded entries are re-validated before use.
type CacheStore interface {
	Load(sessionID string) (CacheEntry, bool, error)
	Save(sessionID string, entry CacheEntry) error
	Delete(sessionID string) error
}

// BoltCacheStore keeps one entry per session in a bbolt bucket
type BoltCacheStore struct {
	db     *bolt.DB
	logger *logx.Logger
}

// OpenBoltCacheStore opens (or creates) the store at path
func OpenBoltCacheStore(path string, logger *logx.Logger) (*BoltCacheStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open score cache: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(scoreCacheBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize score cache bucket: %w", err)
	}

	logger.Info("Safety score cache opened", "path", path)
	return &BoltCacheStore{db: db, logger: logger}, nil
}

// Load returns the entry for sessionID
func (s *BoltCacheStore) Load(sessionID string) (CacheEntry, bool, error) {
	var entry CacheEntry
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(scoreCacheBucket)).Get([]byte(sessionID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("failed to load score cache: %w", err)
	}
	return entry, found, nil
}

// Save replaces the entry for sessionID
func (s *BoltCacheStore) Save(sessionID string, entry CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal score cache entry: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(scoreCacheBucket)).Put([]byte(sessionID), data)
	})
}

// Delete removes the entry for sessionID
func (s *BoltCacheStore) Delete(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(scoreCacheBucket)).Delete([]byte(sessionID))
	})
}

// Close closes the database
func (s *BoltCacheStore) Close() error {
	return s.db.Close()
}
