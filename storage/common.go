package storage

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound returned when a requested key or hash field is not present
var ErrKeyNotFound = errors.New("key not found")

// KeyValueStore shared store interface used for cross-process coordination.
// Values are stored as serialized JSON. A TTL of zero means no expiry.
//
// Hash operations act on one hash key mapping field => JSON value; the TTL of
// a hash is re-applied on every write so entries of a live process never lapse.
type KeyValueStore interface {
	// Get fetch the value of a key into result
	Get(key string, result interface{}, ctxt context.Context) error
	// Set record the value of a key
	Set(key string, value interface{}, ttl time.Duration, ctxt context.Context) error
	// Delete remove a key
	Delete(key string, ctxt context.Context) error
	// ListKeys list all keys matching a prefix
	ListKeys(prefix string, ctxt context.Context) ([]string, error)
	// HashSet record one field of a hash, refreshing the hash TTL
	HashSet(key, field string, value interface{}, ttl time.Duration, ctxt context.Context) error
	// HashGet fetch one field of a hash into result
	HashGet(key, field string, result interface{}, ctxt context.Context) error
	// HashGetAll fetch every field of a hash as raw serialized values
	HashGetAll(key string, ctxt context.Context) (map[string]string, error)
	// HashDelete remove fields from a hash
	HashDelete(key string, fields []string, ctxt context.Context) error
	// HashLen the number of fields in a hash
	HashLen(key string, ctxt context.Context) (int64, error)
	// Close release the store client
	Close() error
}
