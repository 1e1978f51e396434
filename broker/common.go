package broker

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// BrokerTarget identifies one target broker cluster endpoint
type BrokerTarget struct {
	// ID the broker identifier within the dashboard
	ID string `json:"id" validate:"required"`
	// Host broker hostname
	Host string `json:"host" validate:"required"`
	// Port broker AMQP listener port
	Port int `json:"port" validate:"required,gt=0,lt=65536"`
	// Username broker login user
	Username string `json:"username" validate:"required"`
	// Password broker login password
	Password string `json:"-"`
	// VHost target virtual host
	VHost string `json:"vhost"`
	// UseTLS dial with amqps instead of amqp
	UseTLS bool `json:"useTls"`
}

// PauseRecord the coherent pause state of one queue
type PauseRecord struct {
	// BrokerID the owning broker
	BrokerID string `json:"brokerId" validate:"required"`
	// QueueName the paused queue
	QueueName string `json:"queueName" validate:"required"`
	// VHost the queue's virtual host
	VHost string `json:"vhost"`
	// IsPaused whether the queue is currently paused
	IsPaused bool `json:"isPaused"`
	// PausedAt when the pause was applied
	PausedAt *time.Time `json:"pausedAt,omitempty"`
	// ResumedAt when the pause was lifted
	ResumedAt *time.Time `json:"resumedAt,omitempty"`
	// PausedConsumerIDs the blocking consumer identifiers holding the queue paused
	PausedConsumerIDs []string `json:"pausedConsumerIds"`
	// OwnerInstance the process instance which registered the blocking consumers.
	// Only that instance can cancel them; see ResumeQueue.
	OwnerInstance string `json:"ownerInstance"`
}

// ConsumerOptions consumer configuration passed through to the protocol layer
type ConsumerOptions struct {
	// Durable expected durability of the target queue, carried on the passive
	// queue verification. Default true.
	Durable bool
	// AutoDelete expected auto-delete flag of the target queue, carried on the
	// passive queue verification. Default false.
	AutoDelete bool
	// Exclusive request exclusive access to the queue. Default false.
	Exclusive bool
	// Priority consumer scheduling priority, applied as x-priority. Default 0.
	Priority int
	// ManualAck deliveries require explicit acknowledgment. Default true.
	ManualAck bool
	// Arguments additional consumer arguments
	Arguments map[string]interface{}
}

// DefaultConsumerOptions the documented option defaults
func DefaultConsumerOptions() ConsumerOptions {
	return ConsumerOptions{
		Durable:    true,
		AutoDelete: false,
		Exclusive:  false,
		Priority:   0,
		ManualAck:  true,
	}
}

// MessageHandler callback invoked per delivery of a consumer
type MessageHandler func(delivery amqp.Delivery) error

// PausePersistFunc caller supplied durable-storage callback invoked after
// every pause state mutation. Failures are logged by the session, never
// propagated; losing a bookkeeping write must not abort an operation which
// already succeeded against the broker.
type PausePersistFunc func(record PauseRecord, ctxt context.Context) error

// SessionTeardownCB notification that a session released its connection and
// its registry entry should be dropped
type SessionTeardownCB func(brokerID string)
