package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type storedValue struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestInMemoryKeyOperations(t *testing.T) {
	assert := assert.New(t)
	uut := CreateInMemoryStorage()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Case 0: fetch an unknown key
	{
		var result storedValue
		assert.Equal(ErrKeyNotFound, uut.Get("unit-test/unknown", &result, ctxt))
	}

	// Case 1: round trip a value
	{
		original := storedValue{Name: "case-1", Count: 3}
		assert.Nil(uut.Set("unit-test/case-1", original, 0, ctxt))
		var result storedValue
		assert.Nil(uut.Get("unit-test/case-1", &result, ctxt))
		assert.Equal(original, result)
	}

	// Case 2: delete the value
	{
		assert.Nil(uut.Delete("unit-test/case-1", ctxt))
		var result storedValue
		assert.Equal(ErrKeyNotFound, uut.Get("unit-test/case-1", &result, ctxt))
	}

	// Case 3: TTL lapse
	{
		original := storedValue{Name: "case-3", Count: 1}
		assert.Nil(uut.Set("unit-test/case-3", original, time.Millisecond*50, ctxt))
		var result storedValue
		assert.Nil(uut.Get("unit-test/case-3", &result, ctxt))
		time.Sleep(time.Millisecond * 75)
		assert.Equal(ErrKeyNotFound, uut.Get("unit-test/case-3", &result, ctxt))
	}

	// Case 4: prefix listing
	{
		assert.Nil(uut.Set("unit-test/group/a", storedValue{Name: "a"}, 0, ctxt))
		assert.Nil(uut.Set("unit-test/group/b", storedValue{Name: "b"}, 0, ctxt))
		assert.Nil(uut.Set("unit-test/other/c", storedValue{Name: "c"}, 0, ctxt))
		keys, err := uut.ListKeys("unit-test/group/", ctxt)
		assert.Nil(err)
		assert.Len(keys, 2)
	}

	assert.Nil(uut.Close())
}

func TestInMemoryHashOperations(t *testing.T) {
	assert := assert.New(t)
	uut := CreateInMemoryStorage()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	hashKey := "unit-test/hash"

	// Case 0: fetch from an unknown hash
	{
		var result storedValue
		assert.Equal(ErrKeyNotFound, uut.HashGet(hashKey, "f0", &result, ctxt))
		length, err := uut.HashLen(hashKey, ctxt)
		assert.Nil(err)
		assert.Equal(int64(0), length)
	}

	// Case 1: round trip fields
	{
		assert.Nil(uut.HashSet(hashKey, "f0", storedValue{Name: "f0"}, 0, ctxt))
		assert.Nil(uut.HashSet(hashKey, "f1", storedValue{Name: "f1"}, 0, ctxt))
		var result storedValue
		assert.Nil(uut.HashGet(hashKey, "f1", &result, ctxt))
		assert.Equal("f1", result.Name)
		length, err := uut.HashLen(hashKey, ctxt)
		assert.Nil(err)
		assert.Equal(int64(2), length)
		all, err := uut.HashGetAll(hashKey, ctxt)
		assert.Nil(err)
		assert.Len(all, 2)
	}

	// Case 2: delete a field
	{
		assert.Nil(uut.HashDelete(hashKey, []string{"f0"}, ctxt))
		var result storedValue
		assert.Equal(ErrKeyNotFound, uut.HashGet(hashKey, "f0", &result, ctxt))
		length, err := uut.HashLen(hashKey, ctxt)
		assert.Nil(err)
		assert.Equal(int64(1), length)
	}

	// Case 3: hash TTL lapse
	{
		assert.Nil(uut.HashSet(hashKey, "f2", storedValue{Name: "f2"}, time.Millisecond*50, ctxt))
		time.Sleep(time.Millisecond * 75)
		length, err := uut.HashLen(hashKey, ctxt)
		assert.Nil(err)
		assert.Equal(int64(0), length)
	}

	assert.Nil(uut.Close())
}
