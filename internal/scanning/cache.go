package scanning

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const scanBucket = "scans"

// Cache stores scan results keyed by content hash
type Cache interface {
	// Get returns the cached result for key, if any
	Get(key string) (*ReceiptData, bool, error)

	// Put stores a result for key
	Put(key string, data *ReceiptData) error

	// Close releases the cache
	Close() error
}

// BoltCache implements Cache using BoltDB
type BoltCache struct {
	db *bbolt.DB
}

// NewBoltCache opens (or creates) a cache database at path
func NewBoltCache(path string) (*BoltCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(scanBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltCache{db: db}, nil
}

// Get retrieves a cached scan result
func (b *BoltCache) Get(key string) (*ReceiptData, bool, error) {
	var data *ReceiptData
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(scanBucket)).Get([]byte(key))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &data)
	})
	if err != nil {
		return nil, false, fmt.Errorf("reading scan cache: %w", err)
	}
	return data, data != nil, nil
}

// Put saves a scan result
func (b *BoltCache) Put(key string, data *ReceiptData) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshaling scan result: %w", err)
		}
		return tx.Bucket([]byte(scanBucket)).Put([]byte(key), raw)
	})
}

// Close closes the database
func (b *BoltCache) Close() error {
	return b.db.Close()
}

// CachedScanner remembers results so re-uploading the same document does
// not hit the vision model again
type CachedScanner struct {
	scanner Scanner
	cache   Cache
}

// NewCachedScanner wraps scanner with cache
func NewCachedScanner(scanner Scanner, cache Cache) *CachedScanner {
	return &CachedScanner{scanner: scanner, cache: cache}
}

// ScanReceipt returns a cached result when the same bytes were scanned before
func (c *CachedScanner) ScanReceipt(imageData []byte, contentType string) (*ReceiptData, error) {
	sum := sha256.Sum256(imageData)
	key := hex.EncodeToString(sum[:])

	if data, ok, err := c.cache.Get(key); err != nil {
		slog.Warn("Scan cache lookup failed", "error", err)
	} else if ok {
		slog.Debug("Scan cache hit", "key", key)
		return data, nil
	}

	data, err := c.scanner.ScanReceipt(imageData, contentType)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Put(key, data); err != nil {
		slog.Warn("Failed to cache scan result", "error", err)
	}
	return data, nil
}

// Name reports the wrapped engine
func (c *CachedScanner) Name() string {
	return c.scanner.Name()
}

// Close closes the scanner and the cache
func (c *CachedScanner) Close() error {
	return errors.Join(c.scanner.Close(), c.cache.Close())
}
