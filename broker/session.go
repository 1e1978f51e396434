package broker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/alwitt/mqcoord/common"
	"github.com/alwitt/mqcoord/core"
	"github.com/apex/log"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// pauseConsumerPriority scheduling priority of the blocking consumer. Must
// outrank any consumer a client would normally register.
const pauseConsumerPriority = int32(math.MaxInt32)

// ProtocolSession one native AMQP connection plus one multiplexed channel to
// a single target broker. Owns consumer registration, acknowledgment, and
// the queue pause / resume mechanism.
//
// Connection level errors are fatal to the session: the liveness flag flips
// and the session must be recreated. Individual consumer operation errors
// are surfaced to the caller and do not tear down the session.
type ProtocolSession interface {
	// Connect establish the connection and channel if not already live. Idempotent.
	Connect(ctxt context.Context) error
	// Disconnect close channel then connection, clear local consumer bookkeeping,
	// and asynchronously notify the owning factory
	Disconnect(ctxt context.Context) error
	// IsLive whether the session is fully connected
	IsLive() bool
	// Target the broker this session serves
	Target() BrokerTarget
	// PauseQueue starve a queue's normal consumers by registering a maximal
	// priority, never acknowledging consumer. Idempotent.
	PauseQueue(queueName string, ctxt context.Context) (PauseRecord, error)
	// ResumeQueue cancel the blocking consumers of a previously paused queue
	ResumeQueue(queueName string, ctxt context.Context) (PauseRecord, error)
	// CreateConsumer register a consumer against a queue
	CreateConsumer(
		queueName string, handler MessageHandler, opts ConsumerOptions, ctxt context.Context,
	) (string, error)
	// CancelConsumer cancel a consumer by identifier
	CancelConsumer(consumerID string, ctxt context.Context) error
	// Acknowledge positively acknowledge a delivery
	Acknowledge(deliveryTag uint64, ctxt context.Context) error
	// NegativeAcknowledge negatively acknowledge a delivery
	NegativeAcknowledge(deliveryTag uint64, requeue bool, ctxt context.Context) error
	// LoadPauseStates seed in-memory pause bookkeeping from persisted records
	LoadPauseStates(records []PauseRecord)
	// PauseState fetch the in-memory pause record of a queue
	PauseState(queueName string) (PauseRecord, bool)
}

// protocolSessionImpl implements ProtocolSession
type protocolSessionImpl struct {
	common.Component
	target     BrokerTarget
	instance   string
	dialParams core.AmqpConnectParams
	connector  func(core.AmqpConnectParams) (core.BrokerConnection, error)
	conn       core.BrokerConnection
	live       bool
	consumers  map[string]bool
	pauses     map[string]PauseRecord
	persistCB  PausePersistFunc
	onTeardown SessionTeardownCB
	lclMutex   sync.Mutex
}

// DefineProtocolSession create a new protocol session for one target broker.
// The session is not connected until Connect is called.
func DefineProtocolSession(
	target BrokerTarget,
	dialDefaults common.AmqpConnectConfig,
	instance string,
	persistCB PausePersistFunc,
	onTeardown SessionTeardownCB,
) (ProtocolSession, error) {
	logTags := log.Fields{
		"module":    "broker",
		"component": "protocol-session",
		"instance":  fmt.Sprintf("%s@%s:%d", target.ID, target.Host, target.Port),
	}
	return &protocolSessionImpl{
		Component: common.Component{LogTags: logTags},
		target:    target,
		instance:  instance,
		dialParams: core.AmqpConnectParams{
			Host:           target.Host,
			Port:           target.Port,
			Username:       target.Username,
			Password:       target.Password,
			VHost:          target.VHost,
			UseTLS:         target.UseTLS,
			Heartbeat:      time.Second * time.Duration(dialDefaults.Heartbeat),
			ConnectTimeout: time.Second * time.Duration(dialDefaults.ConnectTimeout),
		},
		connector: func(param core.AmqpConnectParams) (core.BrokerConnection, error) {
			return core.GetAmqpClient(param)
		},
		consumers:  make(map[string]bool),
		pauses:     make(map[string]PauseRecord),
		persistCB:  persistCB,
		onTeardown: onTeardown,
	}, nil
}

// Target the broker this session serves
func (s *protocolSessionImpl) Target() BrokerTarget {
	return s.target
}

// IsLive whether the session is fully connected
func (s *protocolSessionImpl) IsLive() bool {
	s.lclMutex.Lock()
	defer s.lclMutex.Unlock()
	return s.live
}

// Connect establish the connection and channel if not already live. Idempotent.
// On failure the session retains no partial state.
func (s *protocolSessionImpl) Connect(ctxt context.Context) error {
	s.lclMutex.Lock()
	defer s.lclMutex.Unlock()
	if s.live {
		return nil
	}
	conn, err := s.connector(s.dialParams)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Session connect failed")
		return err
	}
	s.conn = conn
	s.live = true
	s.consumers = make(map[string]bool)

	// Watch for async connection loss. The session flips to not-connected and
	// the factory is notified so the registry entry is released even on an
	// error path teardown.
	closeChan := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		closeErr, ok := <-closeChan
		if !ok || closeErr == nil {
			// clean shutdown already handled by Disconnect
			return
		}
		log.WithError(closeErr).WithFields(s.LogTags).Error("Session connection lost")
		s.lclMutex.Lock()
		s.live = false
		s.conn = nil
		s.consumers = make(map[string]bool)
		s.lclMutex.Unlock()
		if s.onTeardown != nil {
			s.onTeardown(s.target.ID)
		}
	}()

	log.WithFields(s.LogTags).Info("Session connected")
	return nil
}

// Disconnect close channel then connection, clear local consumer bookkeeping,
// and asynchronously notify the owning factory
func (s *protocolSessionImpl) Disconnect(ctxt context.Context) error {
	s.lclMutex.Lock()
	if !s.live {
		s.lclMutex.Unlock()
		return nil
	}
	conn := s.conn
	s.live = false
	s.conn = nil
	s.consumers = make(map[string]bool)
	s.lclMutex.Unlock()

	conn.Close(ctxt)
	log.WithFields(s.LogTags).Info("Session disconnected")

	if s.onTeardown != nil {
		go s.onTeardown(s.target.ID)
	}
	return nil
}

// liveChannel fetch the operation channel, or a ChannelError for op.
//
// Caller must hold lclMutex.
func (s *protocolSessionImpl) liveChannel(op string) (core.MessageChannel, error) {
	if !s.live || s.conn == nil {
		return nil, common.ChannelError{Op: op}
	}
	return s.conn.Channel(), nil
}

// persistPauseRecord run the durable-storage callback. Failures are logged
// and swallowed; the live operation already succeeded against the broker.
func (s *protocolSessionImpl) persistPauseRecord(record PauseRecord, ctxt context.Context) {
	if s.persistCB == nil {
		return
	}
	if err := s.persistCB(record, ctxt); err != nil {
		log.WithError(err).WithFields(s.LogTags).Warnf(
			"Failed to persist pause state of queue %s", record.QueueName,
		)
	}
}

// PauseQueue starve a queue's normal consumers by registering a maximal
// priority, manual acknowledgment consumer which receives deliveries but
// never acknowledges or requeues them.
//
// Pausing an already paused queue returns the existing record without
// creating a second blocking consumer.
func (s *protocolSessionImpl) PauseQueue(
	queueName string, ctxt context.Context,
) (PauseRecord, error) {
	s.lclMutex.Lock()
	defer s.lclMutex.Unlock()

	if existing, ok := s.pauses[queueName]; ok && existing.IsPaused {
		log.WithFields(s.LogTags).Infof("Queue %s already paused", queueName)
		return existing, nil
	}

	channel, err := s.liveChannel("pauseQueue")
	if err != nil {
		return PauseRecord{}, err
	}

	defaults := DefaultConsumerOptions()
	exists, err := s.conn.QueueExists(ctxt, queueName, defaults.Durable, defaults.AutoDelete)
	if err != nil {
		return PauseRecord{}, err
	}
	if !exists {
		return PauseRecord{}, common.NotFoundError{Resource: "queue", Name: queueName}
	}

	consumerID := fmt.Sprintf("pause-%s-%s", queueName, uuid.New().String())
	deliveries, err := channel.Consume(
		queueName,
		consumerID,
		false,
		false,
		false,
		false,
		amqp.Table{"x-priority": pauseConsumerPriority},
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to register blocking consumer on queue %s", queueName,
		)
		return PauseRecord{}, err
	}

	// Receive and hold. Deliveries are never acknowledged or requeued, which
	// starves normally registered consumers of delivery priority. The loop
	// exits when the consumer is cancelled or the channel dies.
	go func() {
		for range deliveries {
		}
		log.WithFields(s.LogTags).Debugf("Blocking consumer %s released", consumerID)
	}()

	now := time.Now().UTC()
	record := PauseRecord{
		BrokerID:          s.target.ID,
		QueueName:         queueName,
		VHost:             s.target.VHost,
		IsPaused:          true,
		PausedAt:          &now,
		PausedConsumerIDs: []string{consumerID},
		OwnerInstance:     s.instance,
	}
	s.pauses[queueName] = record
	s.consumers[consumerID] = true
	s.persistPauseRecord(record, ctxt)

	log.WithFields(s.LogTags).Infof(
		"Paused queue %s with blocking consumer %s", queueName, consumerID,
	)
	return record, nil
}

// ResumeQueue cancel every blocking consumer recorded for the queue. A
// failure to cancel one consumer is logged and does not abort cancelling
// the rest.
//
// A pause owned by another instance can not be resumed here; the blocking
// consumers are bound to that instance's channel.
func (s *protocolSessionImpl) ResumeQueue(
	queueName string, ctxt context.Context,
) (PauseRecord, error) {
	s.lclMutex.Lock()
	defer s.lclMutex.Unlock()

	record, ok := s.pauses[queueName]
	if !ok || !record.IsPaused {
		return PauseRecord{}, common.NotFoundError{Resource: "pause record", Name: queueName}
	}
	if record.OwnerInstance != s.instance {
		return PauseRecord{}, common.NotOwnedError{
			Resource: "pause record", Name: queueName, OwnerInstance: record.OwnerInstance,
		}
	}

	channel, err := s.liveChannel("resumeQueue")
	if err != nil {
		return PauseRecord{}, err
	}

	for _, consumerID := range record.PausedConsumerIDs {
		if err := channel.Cancel(consumerID, false); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Failed to cancel blocking consumer %s on queue %s", consumerID, queueName,
			)
		}
		delete(s.consumers, consumerID)
	}

	now := time.Now().UTC()
	record.IsPaused = false
	record.ResumedAt = &now
	record.PausedConsumerIDs = []string{}
	s.pauses[queueName] = record
	s.persistPauseRecord(record, ctxt)

	log.WithFields(s.LogTags).Infof("Resumed queue %s", queueName)
	return record, nil
}

// CreateConsumer register a consumer against a queue. Deliveries are passed
// to the handler on a dedicated goroutine until the consumer is cancelled.
func (s *protocolSessionImpl) CreateConsumer(
	queueName string, handler MessageHandler, opts ConsumerOptions, ctxt context.Context,
) (string, error) {
	s.lclMutex.Lock()
	defer s.lclMutex.Unlock()

	channel, err := s.liveChannel("createConsumer")
	if err != nil {
		return "", err
	}

	// Verify against a probe channel first. Consuming from a missing queue
	// would kill the shared operation channel.
	exists, err := s.conn.QueueExists(ctxt, queueName, opts.Durable, opts.AutoDelete)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", common.NotFoundError{Resource: "queue", Name: queueName}
	}

	args := amqp.Table{}
	for name, value := range opts.Arguments {
		args[name] = value
	}
	if opts.Priority != 0 {
		args["x-priority"] = int32(opts.Priority)
	}

	consumerID := fmt.Sprintf("consumer-%s-%s", queueName, uuid.New().String())
	deliveries, err := channel.Consume(
		queueName,
		consumerID,
		!opts.ManualAck,
		opts.Exclusive,
		false,
		false,
		args,
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to register consumer on queue %s", queueName,
		)
		return "", err
	}

	go func() {
		for delivery := range deliveries {
			if err := handler(delivery); err != nil {
				log.WithError(err).WithFields(s.LogTags).Errorf(
					"Consumer %s handler failed on delivery %d", consumerID, delivery.DeliveryTag,
				)
			}
		}
		log.WithFields(s.LogTags).Debugf("Consumer %s delivery loop exited", consumerID)
	}()

	s.consumers[consumerID] = true
	log.WithFields(s.LogTags).Infof("Registered consumer %s on queue %s", consumerID, queueName)
	return consumerID, nil
}

// CancelConsumer cancel a consumer by identifier
func (s *protocolSessionImpl) CancelConsumer(consumerID string, ctxt context.Context) error {
	s.lclMutex.Lock()
	defer s.lclMutex.Unlock()

	channel, err := s.liveChannel("cancelConsumer")
	if err != nil {
		return err
	}
	if err := channel.Cancel(consumerID, false); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to cancel consumer %s", consumerID,
		)
		return err
	}
	delete(s.consumers, consumerID)
	return nil
}

// Acknowledge positively acknowledge a delivery
func (s *protocolSessionImpl) Acknowledge(deliveryTag uint64, ctxt context.Context) error {
	s.lclMutex.Lock()
	defer s.lclMutex.Unlock()

	channel, err := s.liveChannel("acknowledge")
	if err != nil {
		return err
	}
	return channel.Ack(deliveryTag, false)
}

// NegativeAcknowledge negatively acknowledge a delivery
func (s *protocolSessionImpl) NegativeAcknowledge(
	deliveryTag uint64, requeue bool, ctxt context.Context,
) error {
	s.lclMutex.Lock()
	defer s.lclMutex.Unlock()

	channel, err := s.liveChannel("negativeAcknowledge")
	if err != nil {
		return err
	}
	return channel.Nack(deliveryTag, false, requeue)
}

// LoadPauseStates seed in-memory pause bookkeeping from persisted records.
// Used after a restart so this process knows which queues are paused, though
// it can not act on blocking consumers it never registered.
func (s *protocolSessionImpl) LoadPauseStates(records []PauseRecord) {
	s.lclMutex.Lock()
	defer s.lclMutex.Unlock()
	for _, record := range records {
		if existing, ok := s.pauses[record.QueueName]; ok && existing.IsPaused {
			// live local state wins over a stale persisted record
			continue
		}
		s.pauses[record.QueueName] = record
	}
	log.WithFields(s.LogTags).Infof("Seeded %d persisted pause records", len(records))
}

// PauseState fetch the in-memory pause record of a queue
func (s *protocolSessionImpl) PauseState(queueName string) (PauseRecord, bool) {
	s.lclMutex.Lock()
	defer s.lclMutex.Unlock()
	record, ok := s.pauses[queueName]
	return record, ok
}
