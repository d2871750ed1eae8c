// Package hashcache persists file fingerprints between runs so unchanged files
// are not re-read. Entries are keyed by absolute path and invalidated when the
// size or modification time changes.
package hashcache

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"patchsync/internal/hash"
)

var bucketHashes = []byte("hashes")

type entry struct {
	Size    int64  `json:"size"`
	ModTime int64  `json:"mtime"`
	Hash    string `json:"hash"`
}

// Cache implements hash.Hasher on top of a bbolt database.
type Cache struct {
	db    *bolt.DB
	inner hash.Hasher
}

// Open opens (or creates) the cache database at path. inner computes hashes on
// a miss; nil means hash.FileHasher.
func Open(path string, inner hash.Hasher) (*Cache, error) {
	if inner == nil {
		inner = hash.FileHasher{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open hash cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketHashes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Cache{db: db, inner: inner}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Hash returns the stored fingerprint when size and mtime still match info,
// otherwise hashes the file and stores the result. A failed store is not an
// error; the hash is still returned.
func (c *Cache) Hash(path string, info fs.FileInfo) (string, error) {
	if info == nil {
		return c.inner.Hash(path, info)
	}

	key := []byte(cacheKey(path))
	if h, ok := c.lookup(key, info); ok {
		return h, nil
	}

	h, err := c.inner.Hash(path, info)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(entry{
		Size:    info.Size(),
		ModTime: info.ModTime().UnixNano(),
		Hash:    h,
	})
	if err == nil {
		_ = c.db.Batch(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketHashes).Put(key, data)
		})
	}

	return h, nil
}

func (c *Cache) lookup(key []byte, info fs.FileInfo) (string, bool) {
	var e entry
	found := false
	_ = c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHashes).Get(key)
		if data == nil {
			return nil
		}
		if json.Unmarshal(data, &e) == nil {
			found = true
		}
		return nil
	})

	if !found || e.Size != info.Size() || e.ModTime != info.ModTime().UnixNano() {
		return "", false
	}
	return e.Hash, true
}

// Forget drops the entry for path, if any.
func (c *Cache) Forget(path string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHashes).Delete([]byte(cacheKey(path)))
	})
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	n := 0
	_ = c.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketHashes).Stats().KeyN
		return nil
	})
	return n
}

func cacheKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(path)
}
