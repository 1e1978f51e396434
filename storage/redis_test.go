package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRedisBackedStorage(t *testing.T) {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("Skipping test. Define REDIS_ADDR to run against a live redis server")
	}
	assert := assert.New(t)

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	uut, err := CreateRedisBackedStorage(redisAddr, "", 0, ctxt)
	assert.Nil(err)

	prefix := uuid.New().String()

	// Case 0: fetch an unknown key
	{
		var result storedValue
		assert.Equal(ErrKeyNotFound, uut.Get(prefix+"/unknown", &result, ctxt))
	}

	// Case 1: round trip a value
	{
		original := storedValue{Name: "case-1", Count: 7}
		assert.Nil(uut.Set(prefix+"/case-1", original, time.Minute, ctxt))
		var result storedValue
		assert.Nil(uut.Get(prefix+"/case-1", &result, ctxt))
		assert.Equal(original, result)
		assert.Nil(uut.Delete(prefix+"/case-1", ctxt))
		assert.Equal(ErrKeyNotFound, uut.Get(prefix+"/case-1", &result, ctxt))
	}

	// Case 2: hash operations
	{
		hashKey := prefix + "/hash"
		assert.Nil(uut.HashSet(hashKey, "f0", storedValue{Name: "f0"}, time.Minute, ctxt))
		assert.Nil(uut.HashSet(hashKey, "f1", storedValue{Name: "f1"}, time.Minute, ctxt))
		length, err := uut.HashLen(hashKey, ctxt)
		assert.Nil(err)
		assert.Equal(int64(2), length)
		var result storedValue
		assert.Nil(uut.HashGet(hashKey, "f0", &result, ctxt))
		assert.Equal("f0", result.Name)
		all, err := uut.HashGetAll(hashKey, ctxt)
		assert.Nil(err)
		assert.Len(all, 2)
		assert.Nil(uut.HashDelete(hashKey, []string{"f0", "f1"}, ctxt))
		length, err = uut.HashLen(hashKey, ctxt)
		assert.Nil(err)
		assert.Equal(int64(0), length)
	}

	// Case 3: prefix listing
	{
		assert.Nil(uut.Set(prefix+"/group/a", storedValue{Name: "a"}, time.Minute, ctxt))
		assert.Nil(uut.Set(prefix+"/group/b", storedValue{Name: "b"}, time.Minute, ctxt))
		keys, err := uut.ListKeys(prefix+"/group/", ctxt)
		assert.Nil(err)
		assert.Len(keys, 2)
		assert.Nil(uut.Delete(prefix+"/group/a", ctxt))
		assert.Nil(uut.Delete(prefix+"/group/b", ctxt))
	}

	assert.Nil(uut.Close())
}
