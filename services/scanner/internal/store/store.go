package store

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Well-known record keys.
const (
	KeyCurrentSession = "session:current"
	userKeyPrefix     = "users:"
)

// ErrCorruptRecord is returned when a stored value cannot be decoded.
var ErrCorruptRecord = errors.New("corrupt record")

// UserKey returns the local account record key for an email.
func UserKey(email string) string {
	return userKeyPrefix + email
}

// RecordStore persists small JSON documents by key. Get reports false when
// the key is absent.
type RecordStore interface {
	Get(key string, out any) (bool, error)
	Put(key string, value any) error
	Delete(key string) error
}

func encode(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return data, nil
}

func decode(key string, data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w %q: %v", ErrCorruptRecord, key, err)
	}
	return nil
}
