// Package store provides the key-value persistence layer. Keys are string
// arrays namespaced per session; values are opaque JSON blobs. The SQLite
// implementation backs production use, the memory implementation backs
// tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("store: key not found")

// KV is the storage contract the core consumes. Implementations must be
// safe for concurrent use across sessions.
type KV interface {
	// Read returns the value at key or ErrNotFound.
	Read(ctx context.Context, key []string) ([]byte, error)
	// Write stores value at key, replacing any previous value.
	Write(ctx context.Context, key []string, value []byte) error
	// Remove deletes the key. Removing an absent key is not an error.
	Remove(ctx context.Context, key []string) error
	// List returns every stored key equal to or nested under prefix.
	List(ctx context.Context, prefix []string) ([][]string, error)
}

// keySeparator joins key parts into the stored form.
const keySeparator = "/"

// EncodeKey joins a key array. Parts must be non-empty and must not
// contain the separator.
func EncodeKey(key []string) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("store: empty key")
	}
	for _, part := range key {
		if part == "" {
			return "", fmt.Errorf("store: empty key part in %v", key)
		}
		if strings.Contains(part, keySeparator) {
			return "", fmt.Errorf("store: key part %q contains separator", part)
		}
	}
	return strings.Join(key, keySeparator), nil
}

// DecodeKey splits a stored key back into its array form.
func DecodeKey(s string) []string {
	return strings.Split(s, keySeparator)
}

// ReadJSON reads and unmarshals the value at key into out.
func ReadJSON(ctx context.Context, kv KV, key []string, out interface{}) error {
	data, err := kv.Read(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("store: decode %v: %w", key, err)
	}
	return nil
}

// WriteJSON marshals v and stores it at key.
func WriteJSON(ctx context.Context, kv KV, key []string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %v: %w", key, err)
	}
	return kv.Write(ctx, key, data)
}
