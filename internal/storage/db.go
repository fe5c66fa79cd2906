package storage

import (
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const (
	metaBucket          = "meta"
	conversationsBucket = "conversations"
	stagedBucket        = "staged"
)

// DB is the local bbolt file shared by the history cache and the staging
// store.
type DB struct {
	bolt *bbolt.DB
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{metaBucket, conversationsBucket, stagedBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{bolt: db}, nil
}

func (d *DB) Close() error {
	if d == nil || d.bolt == nil {
		return nil
	}
	return d.bolt.Close()
}
