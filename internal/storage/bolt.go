package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// DiskStore is one bolt database file shared by every persistent bucket of a
// member that names the same disk store.
type DiskStore struct {
	name string
	db   *bolt.DB
}

// OpenDiskStore opens (creating if needed) <dir>/<name>.db.
func OpenDiskStore(dir, name string) (*DiskStore, error) {
	if name == "" {
		name = "DEFAULT"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create disk store dir %s", dir)
	}
	path := filepath.Join(dir, name+".db")
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open disk store %s", path)
	}
	return &DiskStore{name: name, db: db}, nil
}

// Name returns the disk store name.
func (d *DiskStore) Name() string { return d.name }

// Close closes the underlying database.
func (d *DiskStore) Close() error {
	return d.db.Close()
}

// Bucket returns the persistent store for one region bucket. The bolt bucket
// is created if it does not exist yet, so reopening a region recovers the
// entries written before.
func (d *DiskStore) Bucket(region string, bucketID int) (*BoltStore, error) {
	table := []byte(fmt.Sprintf("%s/%d", region, bucketID))
	err := d.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(table)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create table %s", table)
	}
	return &BoltStore{disk: d, table: table}, nil
}

// BoltStore implements Store on top of one bolt bucket.
type BoltStore struct {
	disk  *DiskStore
	table []byte
}

// Get returns a copy of the value stored under key.
func (b *BoltStore) Get(key string) ([]byte, error) {
	var out []byte
	err := b.disk.db.View(func(tx *bolt.Tx) error {
		t := tx.Bucket(b.table)
		if t == nil {
			return ErrClosed
		}
		v := t.Get([]byte(key))
		if v == nil {
			return ErrKeyNotFound
		}
		// bolt values are only valid inside the transaction
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Put stores value under key.
func (b *BoltStore) Put(key string, value []byte) error {
	return b.disk.db.Update(func(tx *bolt.Tx) error {
		t := tx.Bucket(b.table)
		if t == nil {
			return ErrClosed
		}
		return t.Put([]byte(key), value)
	})
}

// Delete removes key. A missing key is not an error.
func (b *BoltStore) Delete(key string) error {
	return b.disk.db.Update(func(tx *bolt.Tx) error {
		t := tx.Bucket(b.table)
		if t == nil {
			return ErrClosed
		}
		return t.Delete([]byte(key))
	})
}

// List returns the keys in byte order.
func (b *BoltStore) List() []string {
	var keys []string
	_ = b.disk.db.View(func(tx *bolt.Tx) error {
		t := tx.Bucket(b.table)
		if t == nil {
			return nil
		}
		return t.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys
}

// Stats counts the keys and value bytes of the bucket.
func (b *BoltStore) Stats() StoreStats {
	var stats StoreStats
	_ = b.disk.db.View(func(tx *bolt.Tx) error {
		t := tx.Bucket(b.table)
		if t == nil {
			return nil
		}
		return t.ForEach(func(_, v []byte) error {
			stats.Keys++
			stats.Bytes += len(v)
			return nil
		})
	})
	return stats
}

// Drop deletes the bolt bucket and its entries from disk.
func (b *BoltStore) Drop() error {
	err := b.disk.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(b.table)
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
	return errors.Wrapf(err, "drop table %s", b.table)
}
