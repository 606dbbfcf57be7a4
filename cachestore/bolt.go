package cachestore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketEntries = []byte("entries")

// boltRecords stores every record in one bbolt bucket. Each operation is a
// single transaction, so a reader sees either the old or the new record.
type boltRecords struct {
	db *bbolt.DB
}

// OpenBolt opens (creating if needed) a bbolt-backed cache at path.
func OpenBolt(path string, opts ...Option) (*Cache, error) {
	c, err := newCache(opts)
	if err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  c.noSync,
	})
	if err != nil {
		c.codec.close()
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		_ = db.Close()
		c.codec.close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketEntries, err)
	}

	c.records = &boltRecords{db: db}
	c.logger.Debug("opened cache", "driver", "bolt", "path", path, "noSync", c.noSync)
	return c, nil
}

func (b *boltRecords) get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get([]byte(key))
		if v == nil {
			return errNotFound
		}
		// Values are only valid for the life of the transaction.
		out = bytes.Clone(v)
		return nil
	})
	return out, err
}

func (b *boltRecords) put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(key), value)
	})
}

func (b *boltRecords) del(ctx context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

func (b *boltRecords) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := []byte(prefix)
	err := b.db.View(func(tx *bbolt.Tx) error {
		cur := tx.Bucket(bucketEntries).Cursor()
		for k, _ := cur.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = cur.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

func (b *boltRecords) close() error {
	return b.db.Close()
}
