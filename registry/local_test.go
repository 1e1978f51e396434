package registry

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestInProcessConnectionRegistry(t *testing.T) {
	assert := assert.New(t)
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := DefineInProcessConnectionRegistry("instance-0")
	assert.Nil(err)

	broker0 := uuid.New().String()
	broker1 := uuid.New().String()

	// Case 0: empty registry admits
	assert.True(uut.CanCreateConnection(broker0, 1, ctxt))

	// Case 1: one entry per broker
	assert.Nil(uut.RegisterConnection(broker0, "host-0:5672/", ctxt))
	assert.False(uut.CanCreateConnection(broker0, 1, ctxt))
	assert.True(uut.CanCreateConnection(broker1, 1, ctxt))

	// Case 2: stats report the entry
	{
		stats, err := uut.GetConnectionStats(broker0, 1, ctxt)
		assert.Nil(err)
		assert.Equal(1, stats.Active)
		assert.Equal(1, stats.Max)
		assert.Equal("instance-0", stats.Entries[0].InstanceID)
	}

	// Case 3: remove re-opens admission
	assert.Nil(uut.RemoveConnection(broker0, ctxt))
	assert.True(uut.CanCreateConnection(broker0, 1, ctxt))

	// Case 4: shutdown cleanup
	assert.Nil(uut.RegisterConnection(broker0, "host-0:5672/", ctxt))
	assert.Nil(uut.RegisterConnection(broker1, "host-1:5672/", ctxt))
	assert.Nil(uut.CleanupAllConnections(ctxt))
	assert.True(uut.CanCreateConnection(broker0, 1, ctxt))
	assert.True(uut.CanCreateConnection(broker1, 1, ctxt))
}
