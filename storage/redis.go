package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alwitt/mqcoord/common"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// redisBackedStorage driver for interacting with Redis as the shared store
type redisBackedStorage struct {
	common.Component
	client *redis.Client
}

// CreateRedisBackedStorage define a Redis backed shared store driver
func CreateRedisBackedStorage(
	addr, password string, db int, ctxt context.Context,
) (KeyValueStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctxt).Err(); err != nil {
		log.WithError(err).Errorf("Unable to connect with redis server %s", addr)
		return nil, err
	}
	logTags := log.Fields{"module": "storage", "component": "redis-backed", "instance": addr}
	log.WithFields(logTags).Infof("Connected with redis server %s", addr)
	return &redisBackedStorage{
		Component: common.Component{LogTags: logTags},
		client:    client,
	}, nil
}

// Get fetch the value of a key into result
func (d *redisBackedStorage) Get(key string, result interface{}, ctxt context.Context) error {
	raw, err := d.client.Get(ctxt, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrKeyNotFound
		}
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to GET %s", key)
		return err
	}
	if err := json.Unmarshal(raw, result); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Unable to parse value of %s", key)
		return err
	}
	return nil
}

// Set record the value of a key
func (d *redisBackedStorage) Set(
	key string, value interface{}, ttl time.Duration, ctxt context.Context,
) error {
	toStore, err := json.Marshal(value)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to serialize value for storage")
		return err
	}
	if err := d.client.Set(ctxt, key, toStore, ttl).Err(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to SET %s", key)
		return err
	}
	log.WithFields(d.LogTags).Debugf("SET %s", key)
	return nil
}

// Delete remove a key
func (d *redisBackedStorage) Delete(key string, ctxt context.Context) error {
	if err := d.client.Del(ctxt, key).Err(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to DEL %s", key)
		return err
	}
	return nil
}

// ListKeys list all keys matching a prefix
func (d *redisBackedStorage) ListKeys(prefix string, ctxt context.Context) ([]string, error) {
	results := []string{}
	iter := d.client.Scan(ctxt, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctxt) {
		results = append(results, iter.Val())
	}
	if err := iter.Err(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to SCAN %s*", prefix)
		return nil, err
	}
	return results, nil
}

// HashSet record one field of a hash, refreshing the hash TTL
func (d *redisBackedStorage) HashSet(
	key, field string, value interface{}, ttl time.Duration, ctxt context.Context,
) error {
	toStore, err := json.Marshal(value)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to serialize value for storage")
		return err
	}
	if err := d.client.HSet(ctxt, key, field, toStore).Err(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to HSET %s[%s]", key, field)
		return err
	}
	if ttl > 0 {
		if err := d.client.Expire(ctxt, key, ttl).Err(); err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf("Failed to refresh TTL of %s", key)
			return err
		}
	}
	log.WithFields(d.LogTags).Debugf("HSET %s[%s]", key, field)
	return nil
}

// HashGet fetch one field of a hash into result
func (d *redisBackedStorage) HashGet(
	key, field string, result interface{}, ctxt context.Context,
) error {
	raw, err := d.client.HGet(ctxt, key, field).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrKeyNotFound
		}
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to HGET %s[%s]", key, field)
		return err
	}
	if err := json.Unmarshal(raw, result); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Unable to parse value of %s[%s]", key, field,
		)
		return err
	}
	return nil
}

// HashGetAll fetch every field of a hash as raw serialized values
func (d *redisBackedStorage) HashGetAll(
	key string, ctxt context.Context,
) (map[string]string, error) {
	entries, err := d.client.HGetAll(ctxt, key).Result()
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to HGETALL %s", key)
		return nil, err
	}
	return entries, nil
}

// HashDelete remove fields from a hash
func (d *redisBackedStorage) HashDelete(key string, fields []string, ctxt context.Context) error {
	if len(fields) == 0 {
		return nil
	}
	if err := d.client.HDel(ctxt, key, fields...).Err(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to HDEL %s %v", key, fields)
		return err
	}
	return nil
}

// HashLen the number of fields in a hash
func (d *redisBackedStorage) HashLen(key string, ctxt context.Context) (int64, error) {
	count, err := d.client.HLen(ctxt, key).Result()
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to HLEN %s", key)
		return 0, err
	}
	return count, nil
}

// Close release the store client
func (d *redisBackedStorage) Close() error {
	return d.client.Close()
}
