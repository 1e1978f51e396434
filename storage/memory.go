package storage

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/mqcoord/common"
	"github.com/apex/log"
)

// memoryEntry one stored value with optional expiry
type memoryEntry struct {
	data   []byte
	expiry time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

// inMemoryStorage process local KeyValueStore for single-instance deployments
// and unit testing. TTLs are honored lazily on access.
type inMemoryStorage struct {
	common.Component
	keys       map[string]memoryEntry
	hashes     map[string]map[string][]byte
	hashExpiry map[string]time.Time
	lclMutex   sync.Mutex
}

// CreateInMemoryStorage define a process local KeyValueStore
func CreateInMemoryStorage() KeyValueStore {
	logTags := log.Fields{"module": "storage", "component": "in-memory"}
	return &inMemoryStorage{
		Component:  common.Component{LogTags: logTags},
		keys:       make(map[string]memoryEntry),
		hashes:     make(map[string]map[string][]byte),
		hashExpiry: make(map[string]time.Time),
	}
}

// Get fetch the value of a key into result
func (d *inMemoryStorage) Get(key string, result interface{}, ctxt context.Context) error {
	d.lclMutex.Lock()
	defer d.lclMutex.Unlock()
	entry, ok := d.keys[key]
	if !ok || entry.expired(time.Now()) {
		delete(d.keys, key)
		return ErrKeyNotFound
	}
	return json.Unmarshal(entry.data, result)
}

// Set record the value of a key
func (d *inMemoryStorage) Set(
	key string, value interface{}, ttl time.Duration, ctxt context.Context,
) error {
	toStore, err := json.Marshal(value)
	if err != nil {
		return err
	}
	var expiry time.Time
	if ttl > 0 {
		expiry = time.Now().Add(ttl)
	}
	d.lclMutex.Lock()
	defer d.lclMutex.Unlock()
	d.keys[key] = memoryEntry{data: toStore, expiry: expiry}
	return nil
}

// Delete remove a key
func (d *inMemoryStorage) Delete(key string, ctxt context.Context) error {
	d.lclMutex.Lock()
	defer d.lclMutex.Unlock()
	delete(d.keys, key)
	return nil
}

// ListKeys list all keys matching a prefix
func (d *inMemoryStorage) ListKeys(prefix string, ctxt context.Context) ([]string, error) {
	d.lclMutex.Lock()
	defer d.lclMutex.Unlock()
	now := time.Now()
	results := []string{}
	for key, entry := range d.keys {
		if entry.expired(now) {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			results = append(results, key)
		}
	}
	return results, nil
}

// clearedHash fetch a hash, dropping it first if its TTL lapsed.
//
// Caller must hold lclMutex.
func (d *inMemoryStorage) clearedHash(key string) map[string][]byte {
	if expiry, ok := d.hashExpiry[key]; ok && time.Now().After(expiry) {
		delete(d.hashes, key)
		delete(d.hashExpiry, key)
	}
	return d.hashes[key]
}

// HashSet record one field of a hash, refreshing the hash TTL
func (d *inMemoryStorage) HashSet(
	key, field string, value interface{}, ttl time.Duration, ctxt context.Context,
) error {
	toStore, err := json.Marshal(value)
	if err != nil {
		return err
	}
	d.lclMutex.Lock()
	defer d.lclMutex.Unlock()
	hash := d.clearedHash(key)
	if hash == nil {
		hash = make(map[string][]byte)
		d.hashes[key] = hash
	}
	hash[field] = toStore
	if ttl > 0 {
		d.hashExpiry[key] = time.Now().Add(ttl)
	}
	return nil
}

// HashGet fetch one field of a hash into result
func (d *inMemoryStorage) HashGet(
	key, field string, result interface{}, ctxt context.Context,
) error {
	d.lclMutex.Lock()
	defer d.lclMutex.Unlock()
	hash := d.clearedHash(key)
	if hash == nil {
		return ErrKeyNotFound
	}
	raw, ok := hash[field]
	if !ok {
		return ErrKeyNotFound
	}
	return json.Unmarshal(raw, result)
}

// HashGetAll fetch every field of a hash as raw serialized values
func (d *inMemoryStorage) HashGetAll(
	key string, ctxt context.Context,
) (map[string]string, error) {
	d.lclMutex.Lock()
	defer d.lclMutex.Unlock()
	results := map[string]string{}
	for field, raw := range d.clearedHash(key) {
		results[field] = string(raw)
	}
	return results, nil
}

// HashDelete remove fields from a hash
func (d *inMemoryStorage) HashDelete(key string, fields []string, ctxt context.Context) error {
	d.lclMutex.Lock()
	defer d.lclMutex.Unlock()
	hash := d.clearedHash(key)
	for _, field := range fields {
		delete(hash, field)
	}
	return nil
}

// HashLen the number of fields in a hash
func (d *inMemoryStorage) HashLen(key string, ctxt context.Context) (int64, error) {
	d.lclMutex.Lock()
	defer d.lclMutex.Unlock()
	return int64(len(d.clearedHash(key))), nil
}

// Close release the store
func (d *inMemoryStorage) Close() error {
	return nil
}
