package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	// DBFilename is the name of the database file within the data
	// directory.
	DBFilename = "lnmobile.db"
)

// valuesBucket holds every key/value pair.
var valuesBucket = []byte("lnmobile-values")

// KVStore is a Store backed by a kvdb database.
type KVStore struct {
	db kvdb.Backend
}

// A compile-time check to ensure KVStore implements Store.
var _ Store = (*KVStore)(nil)

// OpenKVStore opens, creating it if needed, the bolt database in dataDir.
func OpenKVStore(dataDir string) (*KVStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dataDir, DBFilename)
	db, err := kvdb.Create(
		kvdb.BoltBackendName, dbPath, true, kvdb.DefaultDBTimeout,
		false,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to open %v: %w", dbPath, err)
	}

	store, err := NewKVStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Infof("Opened storage at %v", dbPath)

	return store, nil
}

// NewKVStore creates a KVStore on an open database.
func NewKVStore(db kvdb.Backend) (*KVStore, error) {
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		_, err := tx.CreateTopLevelBucket(valuesBucket)
		return err
	}, func() {})
	if err != nil {
		return nil, err
	}

	return &KVStore{db: db}, nil
}

// Get returns the value stored under key.
func (s *KVStore) Get(key string) (string, error) {
	var value string
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(valuesBucket)
		if bucket == nil {
			return ErrNotFound
		}

		v := bucket.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		value = string(v)

		return nil
	}, func() {
		value = ""
	})
	if err != nil {
		return "", err
	}

	return value, nil
}

// Set stores value under key.
func (s *KVStore) Set(key, value string) error {
	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(valuesBucket)
		if bucket == nil {
			return fmt.Errorf("bucket %s missing", valuesBucket)
		}

		return bucket.Put([]byte(key), []byte(value))
	}, func() {})
}

// ListKeys returns all keys in ascending order.
func (s *KVStore) ListKeys() ([]string, error) {
	var keys []string
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(valuesBucket)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	}, func() {
		keys = nil
	})
	if err != nil {
		return nil, err
	}

	return keys, nil
}

// Close closes the database.
func (s *KVStore) Close() error {
	return s.db.Close()
}
