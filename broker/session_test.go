package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/mqcoord/common"
	"github.com/alwitt/mqcoord/core"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

// fakeMessageChannel in-memory stand-in for the AMQP operation channel
type fakeMessageChannel struct {
	lock        sync.Mutex
	deliveries  map[string]chan amqp.Delivery
	consumeArgs map[string]amqp.Table
	acked       []uint64
	nacked      []uint64
}

func newFakeMessageChannel() *fakeMessageChannel {
	return &fakeMessageChannel{
		deliveries:  make(map[string]chan amqp.Delivery),
		consumeArgs: make(map[string]amqp.Table),
	}
}

func (c *fakeMessageChannel) Consume(
	queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table,
) (<-chan amqp.Delivery, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	feed := make(chan amqp.Delivery, 8)
	c.deliveries[consumer] = feed
	c.consumeArgs[consumer] = args
	return feed, nil
}

func (c *fakeMessageChannel) Cancel(consumer string, noWait bool) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if feed, ok := c.deliveries[consumer]; ok {
		close(feed)
		delete(c.deliveries, consumer)
	}
	return nil
}

func (c *fakeMessageChannel) Ack(tag uint64, multiple bool) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.acked = append(c.acked, tag)
	return nil
}

func (c *fakeMessageChannel) Nack(tag uint64, multiple bool, requeue bool) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.nacked = append(c.nacked, tag)
	return nil
}

func (c *fakeMessageChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return nil
}

func (c *fakeMessageChannel) Close() error {
	return nil
}

func (c *fakeMessageChannel) consumerCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.deliveries)
}

func (c *fakeMessageChannel) deliver(consumer string, delivery amqp.Delivery) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	feed, ok := c.deliveries[consumer]
	if !ok {
		return false
	}
	feed <- delivery
	return true
}

// queueProbe one recorded passive queue verification
type queueProbe struct {
	name       string
	durable    bool
	autoDelete bool
}

// fakeBrokerConnection in-memory stand-in for the native broker connection
type fakeBrokerConnection struct {
	channel   *fakeMessageChannel
	queues    map[string]bool
	probes    []queueProbe
	closeChan chan *amqp.Error
}

func newFakeBrokerConnection(queues ...string) *fakeBrokerConnection {
	known := make(map[string]bool)
	for _, name := range queues {
		known[name] = true
	}
	return &fakeBrokerConnection{channel: newFakeMessageChannel(), queues: known}
}

func (c *fakeBrokerConnection) Channel() core.MessageChannel {
	return c.channel
}

func (c *fakeBrokerConnection) QueueExists(
	ctxt context.Context, name string, durable, autoDelete bool,
) (bool, error) {
	c.probes = append(c.probes, queueProbe{name: name, durable: durable, autoDelete: autoDelete})
	return c.queues[name], nil
}

func (c *fakeBrokerConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.closeChan = receiver
	return receiver
}

func (c *fakeBrokerConnection) Close(ctxt context.Context) {
	if c.closeChan != nil {
		close(c.closeChan)
	}
}

// defineTestSession build a session against a fake connection
func defineTestSession(
	t *testing.T,
	conn *fakeBrokerConnection,
	instance string,
	persistCB PausePersistFunc,
	onTeardown SessionTeardownCB,
) ProtocolSession {
	target := BrokerTarget{
		ID:       "unit-test-broker",
		Host:     "localhost",
		Port:     5672,
		Username: "guest",
		Password: "guest",
	}
	dialDefaults := common.AmqpConnectConfig{ConnectTimeout: 1, Heartbeat: 1}
	session, err := DefineProtocolSession(target, dialDefaults, instance, persistCB, onTeardown)
	assert.Nil(t, err)
	session.(*protocolSessionImpl).connector = func(
		core.AmqpConnectParams,
	) (core.BrokerConnection, error) {
		return conn, nil
	}
	return session
}

func TestProtocolSessionLifecycle(t *testing.T) {
	assert := assert.New(t)
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	tornDown := make(chan string, 1)
	conn := newFakeBrokerConnection()
	uut := defineTestSession(t, conn, "instance-0", nil, func(brokerID string) {
		tornDown <- brokerID
	})

	// Case 0: operations before connect fail
	assert.False(uut.IsLive())
	_, err := uut.PauseQueue("q0", ctxt)
	assert.IsType(common.ChannelError{}, err)

	// Case 1: connect is idempotent
	assert.Nil(uut.Connect(ctxt))
	assert.True(uut.IsLive())
	assert.Nil(uut.Connect(ctxt))

	// Case 2: disconnect notifies the factory
	assert.Nil(uut.Disconnect(ctxt))
	assert.False(uut.IsLive())
	select {
	case brokerID := <-tornDown:
		assert.Equal("unit-test-broker", brokerID)
	case <-time.After(time.Second):
		assert.FailNow("teardown notification never fired")
	}

	// Case 3: disconnect is idempotent
	assert.Nil(uut.Disconnect(ctxt))
}

func TestProtocolSessionAsyncConnectionLoss(t *testing.T) {
	assert := assert.New(t)
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	tornDown := make(chan string, 1)
	conn := newFakeBrokerConnection()
	uut := defineTestSession(t, conn, "instance-0", nil, func(brokerID string) {
		tornDown <- brokerID
	})
	assert.Nil(uut.Connect(ctxt))

	conn.closeChan <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "testing"}
	select {
	case brokerID := <-tornDown:
		assert.Equal("unit-test-broker", brokerID)
	case <-time.After(time.Second):
		assert.FailNow("teardown notification never fired")
	}
	assert.False(uut.IsLive())
}

func TestQueuePauseResume(t *testing.T) {
	assert := assert.New(t)
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	persistLock := sync.Mutex{}
	persisted := []PauseRecord{}
	persistCB := func(record PauseRecord, ctxt context.Context) error {
		persistLock.Lock()
		defer persistLock.Unlock()
		persisted = append(persisted, record)
		return nil
	}

	conn := newFakeBrokerConnection("q0")
	uut := defineTestSession(t, conn, "instance-0", persistCB, nil)
	assert.Nil(uut.Connect(ctxt))

	// Case 0: pause an unknown queue
	{
		_, err := uut.PauseQueue("missing", ctxt)
		assert.IsType(common.NotFoundError{}, err)
	}

	// Case 1: pause registers a maximal priority blocking consumer
	record, err := uut.PauseQueue("q0", ctxt)
	assert.Nil(err)
	assert.True(record.IsPaused)
	assert.Equal("instance-0", record.OwnerInstance)
	assert.Len(record.PausedConsumerIDs, 1)
	assert.Equal(1, conn.channel.consumerCount())
	{
		conn.channel.lock.Lock()
		args := conn.channel.consumeArgs[record.PausedConsumerIDs[0]]
		conn.channel.lock.Unlock()
		assert.Equal(pauseConsumerPriority, args["x-priority"])
	}
	persistLock.Lock()
	assert.Len(persisted, 1)
	persistLock.Unlock()

	// Case 2: pausing again is a no-op
	again, err := uut.PauseQueue("q0", ctxt)
	assert.Nil(err)
	assert.Equal(record.PausedConsumerIDs, again.PausedConsumerIDs)
	assert.Equal(1, conn.channel.consumerCount())

	// Case 3: the blocking consumer drains without acknowledging
	assert.True(conn.channel.deliver(
		record.PausedConsumerIDs[0], amqp.Delivery{DeliveryTag: 1},
	))
	time.Sleep(time.Millisecond * 50)
	conn.channel.lock.Lock()
	assert.Empty(conn.channel.acked)
	assert.Empty(conn.channel.nacked)
	conn.channel.lock.Unlock()

	// Case 4: resume cancels the blocking consumer
	resumed, err := uut.ResumeQueue("q0", ctxt)
	assert.Nil(err)
	assert.False(resumed.IsPaused)
	assert.NotNil(resumed.ResumedAt)
	assert.Empty(resumed.PausedConsumerIDs)
	assert.Equal(0, conn.channel.consumerCount())
	persistLock.Lock()
	assert.Len(persisted, 2)
	persistLock.Unlock()

	// Case 5: resuming a queue which is not paused
	{
		_, err := uut.ResumeQueue("q0", ctxt)
		assert.IsType(common.NotFoundError{}, err)
	}
}

func TestReconnectKeepsPauseBehavior(t *testing.T) {
	assert := assert.New(t)
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	persistLock := sync.Mutex{}
	persisted := []PauseRecord{}
	persistCB := func(record PauseRecord, ctxt context.Context) error {
		persistLock.Lock()
		defer persistLock.Unlock()
		persisted = append(persisted, record)
		return nil
	}

	conn := newFakeBrokerConnection("q0")
	uut := defineTestSession(t, conn, "instance-0", persistCB, nil)
	assert.Nil(uut.Connect(ctxt))

	record, err := uut.PauseQueue("q0", ctxt)
	assert.Nil(err)
	assert.True(record.IsPaused)

	// Drop the connection and re-establish against a fresh one to the same
	// broker
	assert.Nil(uut.Disconnect(ctxt))
	reconn := newFakeBrokerConnection("q0")
	uut.(*protocolSessionImpl).connector = func(
		core.AmqpConnectParams,
	) (core.BrokerConnection, error) {
		return reconn, nil
	}
	assert.Nil(uut.Connect(ctxt))
	assert.True(uut.IsLive())

	// The pause bookkeeping and the durable record both survived
	current, ok := uut.PauseState("q0")
	assert.True(ok)
	assert.True(current.IsPaused)
	assert.Equal(record.PausedConsumerIDs, current.PausedConsumerIDs)
	persistLock.Lock()
	assert.Len(persisted, 1)
	assert.True(persisted[0].IsPaused)
	persistLock.Unlock()

	// Resume still works against the new connection
	resumed, err := uut.ResumeQueue("q0", ctxt)
	assert.Nil(err)
	assert.False(resumed.IsPaused)
	assert.Empty(resumed.PausedConsumerIDs)
	persistLock.Lock()
	assert.Len(persisted, 2)
	assert.False(persisted[1].IsPaused)
	persistLock.Unlock()

	// And resuming again reports no pause, as on a never-paused queue
	_, err = uut.ResumeQueue("q0", ctxt)
	assert.IsType(common.NotFoundError{}, err)
}

func TestResumeOfForeignPause(t *testing.T) {
	assert := assert.New(t)
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newFakeBrokerConnection("q0")
	uut := defineTestSession(t, conn, "instance-0", nil, nil)
	assert.Nil(uut.Connect(ctxt))

	// Seed a record owned by another instance, as after a coordinator restart
	now := time.Now().UTC()
	uut.LoadPauseStates([]PauseRecord{{
		BrokerID:          "unit-test-broker",
		QueueName:         "q0",
		IsPaused:          true,
		PausedAt:          &now,
		PausedConsumerIDs: []string{"pause-q0-foreign"},
		OwnerInstance:     "instance-1",
	}})

	seeded, ok := uut.PauseState("q0")
	assert.True(ok)
	assert.True(seeded.IsPaused)

	_, err := uut.ResumeQueue("q0", ctxt)
	notOwned, ok := err.(common.NotOwnedError)
	assert.True(ok)
	assert.Equal("instance-1", notOwned.OwnerInstance)
}

func TestLoadPauseStatesKeepsLiveRecords(t *testing.T) {
	assert := assert.New(t)
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newFakeBrokerConnection("q0")
	uut := defineTestSession(t, conn, "instance-0", nil, nil)
	assert.Nil(uut.Connect(ctxt))

	record, err := uut.PauseQueue("q0", ctxt)
	assert.Nil(err)

	uut.LoadPauseStates([]PauseRecord{{
		BrokerID:      "unit-test-broker",
		QueueName:     "q0",
		IsPaused:      false,
		OwnerInstance: "instance-0",
	}})

	current, ok := uut.PauseState("q0")
	assert.True(ok)
	assert.True(current.IsPaused)
	assert.Equal(record.PausedConsumerIDs, current.PausedConsumerIDs)
}

func TestConsumerOperations(t *testing.T) {
	assert := assert.New(t)
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newFakeBrokerConnection("q0")
	uut := defineTestSession(t, conn, "instance-0", nil, nil)
	assert.Nil(uut.Connect(ctxt))

	received := make(chan amqp.Delivery, 1)
	handler := func(delivery amqp.Delivery) error {
		received <- delivery
		return nil
	}

	// Consuming from an unknown queue is rejected before touching the
	// operation channel
	{
		_, err := uut.CreateConsumer("missing", handler, DefaultConsumerOptions(), ctxt)
		assert.IsType(common.NotFoundError{}, err)
		assert.Equal(0, conn.channel.consumerCount())
	}

	opts := DefaultConsumerOptions()
	opts.Priority = 5
	consumerID, err := uut.CreateConsumer("q0", handler, opts, ctxt)
	assert.Nil(err)
	{
		conn.channel.lock.Lock()
		args := conn.channel.consumeArgs[consumerID]
		conn.channel.lock.Unlock()
		assert.Equal(int32(5), args["x-priority"])
	}

	// The expected queue attributes rode on the verification probe
	{
		probe := conn.probes[len(conn.probes)-1]
		assert.Equal("q0", probe.name)
		assert.True(probe.durable)
		assert.False(probe.autoDelete)
	}

	// Deliveries reach the handler
	assert.True(conn.channel.deliver(consumerID, amqp.Delivery{DeliveryTag: 42}))
	select {
	case delivery := <-received:
		assert.Equal(uint64(42), delivery.DeliveryTag)
	case <-time.After(time.Second):
		assert.FailNow("delivery never reached handler")
	}

	// Acknowledgments pass through to the channel
	assert.Nil(uut.Acknowledge(42, ctxt))
	assert.Nil(uut.NegativeAcknowledge(43, true, ctxt))
	conn.channel.lock.Lock()
	assert.Equal([]uint64{42}, conn.channel.acked)
	assert.Equal([]uint64{43}, conn.channel.nacked)
	conn.channel.lock.Unlock()

	assert.Nil(uut.CancelConsumer(consumerID, ctxt))
	assert.Equal(0, conn.channel.consumerCount())
}
