package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/mqcoord/common"
	"github.com/alwitt/mqcoord/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// testRegistry one registry instance with its own event loop
type testRegistry struct {
	registry SessionRegistry
	tp       common.TaskProcessor
	stop     func()
}

func defineTestRegistry(
	t *testing.T, dataStore storage.KeyValueStore, instance, keyPrefix string,
) testRegistry {
	wg := &sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())

	tp, err := common.GetNewTaskProcessorInstance(
		fmt.Sprintf("stream-sessions-%s", instance), 16,
	)
	assert.Nil(t, err)
	registry, err := DefineSessionRegistry(
		dataStore,
		tp,
		instance,
		keyPrefix,
		common.StreamSessionsConfig{
			HeartbeatInterval:  1,
			StalenessThreshold: 300,
			ReaperInterval:     1,
		},
		ctxt,
		wg,
	)
	assert.Nil(t, err)
	assert.Nil(t, tp.StartEventLoop(wg))

	return testRegistry{
		registry: registry,
		tp:       tp,
		stop: func() {
			assert.Nil(t, tp.StopEventLoop())
			cancel()
			wg.Wait()
		},
	}
}

func TestSessionRegisterAndStop(t *testing.T) {
	assert := assert.New(t)
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataStore := storage.CreateInMemoryStorage()
	keyPrefix := uuid.New().String()
	instance0 := defineTestRegistry(t, dataStore, "instance-0", keyPrefix)
	defer instance0.stop()
	uut := instance0.registry

	cleanupLock := sync.Mutex{}
	cleanupCalls := 0
	cleanup := func() {
		cleanupLock.Lock()
		defer cleanupLock.Unlock()
		cleanupCalls++
	}

	sessionID := uuid.New().String()
	assert.True(uut.Register(sessionID, "user-0", "broker-0", "q0", cleanup, ctxt))

	{
		stats, err := uut.GetHealthStats(ctxt)
		assert.Nil(err)
		assert.Equal(1, stats.Active)
		assert.Equal(0, stats.Stopping)
		assert.Equal(1, stats.PerInstance["instance-0"])
	}

	// Case 0: stop runs the cleanup exactly once
	assert.True(uut.Stop(sessionID, ctxt))
	cleanupLock.Lock()
	assert.Equal(1, cleanupCalls)
	cleanupLock.Unlock()

	// Case 1: stopping again reports unknown
	assert.False(uut.Stop(sessionID, ctxt))
	cleanupLock.Lock()
	assert.Equal(1, cleanupCalls)
	cleanupLock.Unlock()

	{
		stats, err := uut.GetHealthStats(ctxt)
		assert.Nil(err)
		assert.Equal(0, stats.Active)
	}
}

func TestSessionCrossInstanceStop(t *testing.T) {
	assert := assert.New(t)
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataStore := storage.CreateInMemoryStorage()
	keyPrefix := uuid.New().String()
	instance0 := defineTestRegistry(t, dataStore, "instance-0", keyPrefix)
	defer instance0.stop()
	instance1 := defineTestRegistry(t, dataStore, "instance-1", keyPrefix)
	defer instance1.stop()

	cleanupLock := sync.Mutex{}
	cleanupCalls := 0
	cleanup := func() {
		cleanupLock.Lock()
		defer cleanupLock.Unlock()
		cleanupCalls++
	}

	sessionID := uuid.New().String()
	assert.True(instance0.registry.Register(sessionID, "user-0", "broker-0", "q0", cleanup, ctxt))

	// Any instance can mark the session stopped, but only the owner runs cleanup
	assert.True(instance1.registry.Stop(sessionID, ctxt))
	cleanupLock.Lock()
	assert.Equal(0, cleanupCalls)
	cleanupLock.Unlock()

	stats, err := instance0.registry.GetHealthStats(ctxt)
	assert.Nil(err)
	assert.Equal(0, stats.Active)
}

func TestSessionBulkStops(t *testing.T) {
	assert := assert.New(t)
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataStore := storage.CreateInMemoryStorage()
	keyPrefix := uuid.New().String()
	instance0 := defineTestRegistry(t, dataStore, "instance-0", keyPrefix)
	defer instance0.stop()
	uut := instance0.registry

	noop := func() {}
	assert.True(uut.Register(uuid.New().String(), "user-0", "broker-0", "q0", noop, ctxt))
	assert.True(uut.Register(uuid.New().String(), "user-0", "broker-1", "q1", noop, ctxt))
	assert.True(uut.Register(uuid.New().String(), "user-1", "broker-1", "q2", noop, ctxt))

	// Case 0: stop by user
	assert.Equal(2, uut.StopByOwner("user-0", ctxt))
	{
		stats, err := uut.GetHealthStats(ctxt)
		assert.Nil(err)
		assert.Equal(1, stats.Active)
	}

	// Case 1: stop by broker
	assert.Equal(1, uut.StopByBroker("broker-1", ctxt))
	assert.Equal(0, uut.StopByBroker("broker-1", ctxt))

	// Case 2: stop by instance
	assert.True(uut.Register(uuid.New().String(), "user-2", "broker-2", "q3", noop, ctxt))
	assert.Equal(1, uut.StopByInstance("instance-0", ctxt))
	{
		stats, err := uut.GetHealthStats(ctxt)
		assert.Nil(err)
		assert.Equal(0, stats.Active)
	}
}

func TestSessionStaleReaping(t *testing.T) {
	assert := assert.New(t)
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataStore := storage.CreateInMemoryStorage()
	keyPrefix := uuid.New().String()
	instance0 := defineTestRegistry(t, dataStore, "instance-0", keyPrefix)
	defer instance0.stop()
	uut := instance0.registry
	storeKey := fmt.Sprintf("%s/stream-sessions", keyPrefix)

	cleanupLock := sync.Mutex{}
	cleanupCalls := 0
	cleanup := func() {
		cleanupLock.Lock()
		defer cleanupLock.Unlock()
		cleanupCalls++
	}

	ownedID := uuid.New().String()
	foreignID := uuid.New().String()
	assert.True(uut.Register(ownedID, "user-0", "broker-0", "q0", cleanup, ctxt))
	assert.True(uut.Register(foreignID, "user-1", "broker-0", "q1", func() {}, ctxt))

	// Backdate both rows past the staleness threshold; reassign the second to
	// a crashed instance
	stale := time.Now().UTC().Add(-time.Hour)
	var owned StreamSession
	assert.Nil(dataStore.HashGet(storeKey, ownedID, &owned, ctxt))
	owned.LastHeartbeat = stale
	assert.Nil(dataStore.HashSet(storeKey, ownedID, owned, 0, ctxt))
	var foreign StreamSession
	assert.Nil(dataStore.HashGet(storeKey, foreignID, &foreign, ctxt))
	foreign.InstanceID = "instance-gone"
	foreign.LastHeartbeat = stale
	assert.Nil(dataStore.HashSet(storeKey, foreignID, foreign, 0, ctxt))

	// Trigger one reap sweep. The trailing health query is processed after the
	// sweep on the same event loop.
	assert.Nil(instance0.tp.Submit(sessionReapReq{}, ctxt))
	stats, err := uut.GetHealthStats(ctxt)
	assert.Nil(err)
	assert.Equal(0, stats.Active)

	// Only the owned session's cleanup ran, and only once
	cleanupLock.Lock()
	assert.Equal(1, cleanupCalls)
	cleanupLock.Unlock()

	// The reaped session is unknown to stop
	assert.False(uut.Stop(ownedID, ctxt))
	cleanupLock.Lock()
	assert.Equal(1, cleanupCalls)
	cleanupLock.Unlock()
}

func TestSessionHeartbeatRefresh(t *testing.T) {
	assert := assert.New(t)
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataStore := storage.CreateInMemoryStorage()
	keyPrefix := uuid.New().String()
	instance0 := defineTestRegistry(t, dataStore, "instance-0", keyPrefix)
	defer instance0.stop()
	uut := instance0.registry
	storeKey := fmt.Sprintf("%s/stream-sessions", keyPrefix)

	ownedID := uuid.New().String()
	foreignID := uuid.New().String()
	assert.True(uut.Register(ownedID, "user-0", "broker-0", "q0", func() {}, ctxt))
	assert.True(uut.Register(foreignID, "user-1", "broker-0", "q1", func() {}, ctxt))

	// Backdate both rows; the second belongs to another instance
	stale := time.Now().UTC().Add(-time.Hour)
	var owned StreamSession
	assert.Nil(dataStore.HashGet(storeKey, ownedID, &owned, ctxt))
	owned.LastHeartbeat = stale
	assert.Nil(dataStore.HashSet(storeKey, ownedID, owned, 0, ctxt))
	var foreign StreamSession
	assert.Nil(dataStore.HashGet(storeKey, foreignID, &foreign, ctxt))
	foreign.InstanceID = "instance-1"
	foreign.LastHeartbeat = stale
	assert.Nil(dataStore.HashSet(storeKey, foreignID, foreign, 0, ctxt))

	// Trigger one heartbeat pass, then wait for the loop to drain
	assert.Nil(instance0.tp.Submit(sessionHeartbeatReq{}, ctxt))
	_, err := uut.GetHealthStats(ctxt)
	assert.Nil(err)

	// Only the owned session was refreshed
	assert.Nil(dataStore.HashGet(storeKey, ownedID, &owned, ctxt))
	assert.True(owned.LastHeartbeat.After(stale))
	assert.Nil(dataStore.HashGet(storeKey, foreignID, &foreign, ctxt))
	assert.Equal(stale.Unix(), foreign.LastHeartbeat.Unix())
}
