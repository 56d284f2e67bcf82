package mobile

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lightningnetwork/lnmobile/storage"
)

// NativeStorage is a key/value store implemented by the host app, for
// example on top of the platform's preferences. Get returns an empty string
// for unknown keys.
type NativeStorage interface {
	Get(key string) (string, error)
	Set(key, value string) error

	// ListKeys returns a JSON array of all keys.
	ListKeys() (string, error)
}

// storageAdapter exposes a NativeStorage as a storage.Store.
type storageAdapter struct {
	native NativeStorage
}

// A compile-time check to ensure storageAdapter implements storage.Store.
var _ storage.Store = (*storageAdapter)(nil)

func (s *storageAdapter) Get(key string) (string, error) {
	value, err := s.native.Get(key)
	if err != nil {
		return "", err
	}
	if value == "" {
		return "", storage.ErrNotFound
	}

	return value, nil
}

func (s *storageAdapter) Set(key, value string) error {
	return s.native.Set(key, value)
}

func (s *storageAdapter) ListKeys() ([]string, error) {
	raw, err := s.native.ListKeys()
	if err != nil {
		return nil, err
	}

	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("invalid key listing: %w", err)
	}
	sort.Strings(keys)

	return keys, nil
}
