// Package bboltstore is an embedded on-disk cache.Backend using
// go.etcd.io/bbolt, the maintained fork of the coreos/bbolt backend
// this proxy's ancestor supported for larger-than-memory, process-
// local caches.
package bboltstore

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Backend stores the whole key->entry map inside a single bbolt
// bucket; Load/Persist still move the full map through memory (the
// Cache Store's own invariant layer is what's backend-agnostic, not
// this backend's I/O granularity), matching the "single persistent
// document" model.
type Backend struct {
	db     *bolt.DB
	bucket []byte
}

// New opens (creating if needed) a bbolt database at path with the
// named bucket.
func New(path, bucket string) (*Backend, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("bboltstore: open %s: %w", path, err)
	}
	b := []byte(bucket)
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("bboltstore: create bucket: %w", err)
	}
	return &Backend{db: db, bucket: b}, nil
}

func (b *Backend) Load() (map[string][]byte, error) {
	m := make(map[string][]byte)
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(b.bucket)
		if bk == nil {
			return nil
		}
		return bk.ForEach(func(k, v []byte) error {
			val := make([]byte, len(v))
			copy(val, v)
			m[string(k)] = val
			return nil
		})
	})
	if err != nil {
		return map[string][]byte{}, fmt.Errorf("bboltstore: load: %w", err)
	}
	return m, nil
}

// Persist replaces the bucket's contents wholesale inside a single
// transaction, giving the same crash-atomicity guarantee the document
// backend gets from rename(2).
func (b *Backend) Persist(all map[string][]byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(b.bucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		bk, err := tx.CreateBucket(b.bucket)
		if err != nil {
			return err
		}
		for k, v := range all {
			if err := bk.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Backend) Close() error {
	return b.db.Close()
}
