package core

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/alwitt/mqcoord/common"
	"github.com/apex/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AmqpConnectParams AMQP broker connection parameters
type AmqpConnectParams struct {
	// Host broker hostname
	Host string `validate:"required"`
	// Port broker AMQP listener port
	Port int `validate:"required,gt=0,lt=65536"`
	// Username broker login user
	Username string `validate:"required"`
	// Password broker login password
	Password string
	// VHost target virtual host
	VHost string
	// UseTLS dial with amqps instead of amqp
	UseTLS bool
	// Heartbeat AMQP heartbeat interval
	Heartbeat time.Duration
	// ConnectTimeout max time to wait for the dial to complete
	ConnectTimeout time.Duration
}

// URI build the broker connection URI from the parameters
func (p AmqpConnectParams) URI() string {
	scheme := "amqp"
	if p.UseTLS {
		scheme = "amqps"
	}
	vhost := p.VHost
	if vhost == "" {
		vhost = "/"
	}
	return fmt.Sprintf(
		"%s://%s:%s@%s:%d/%s",
		scheme,
		url.QueryEscape(p.Username),
		url.QueryEscape(p.Password),
		p.Host,
		p.Port,
		url.QueryEscape(vhost),
	)
}

// Endpoint host:port string for logging. Never includes credentials.
func (p AmqpConnectParams) Endpoint() string {
	return fmt.Sprintf("%s:%d/%s", p.Host, p.Port, p.VHost)
}

// MessageChannel the subset of AMQP channel operations used by the coordinator.
// Implemented by *amqp091.Channel.
type MessageChannel interface {
	Consume(
		queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table,
	) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

// BrokerConnection a live native connection to one target broker, with one
// multiplexed channel for consumer and acknowledgment operations
type BrokerConnection interface {
	// Channel fetch the multiplexed operation channel
	Channel() MessageChannel
	// QueueExists check whether a queue is defined on the broker, passing the
	// expected durability attributes through the passive declare
	QueueExists(ctxt context.Context, name string, durable, autoDelete bool) (bool, error)
	// NotifyClose register a listener for async connection loss
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	// Close close the channel, then the connection
	Close(ctxt context.Context)
}

// AmqpClient AMQP broker connection as coordinator core
type AmqpClient struct {
	common.Component
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Channel fetch the multiplexed operation channel
func (c *AmqpClient) Channel() MessageChannel {
	return c.ch
}

// QueueExists check whether a queue is defined on the broker. The caller's
// expected durability attributes are carried on the passive declare.
//
// Uses a throwaway channel for the passive declare; a missing queue closes
// the channel it was checked on, which must not take down the operation
// channel.
func (c *AmqpClient) QueueExists(
	ctxt context.Context, name string, durable, autoDelete bool,
) (bool, error) {
	probe, err := c.conn.Channel()
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to open queue probe channel")
		return false, err
	}
	_, err = probe.QueueDeclarePassive(name, durable, autoDelete, false, false, nil)
	if err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			return false, nil
		}
		log.WithError(err).WithFields(c.LogTags).Errorf("Queue %s probe failed", name)
		return false, err
	}
	_ = probe.Close()
	return true, nil
}

// NotifyClose register a listener for async connection loss
func (c *AmqpClient) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

// Close close the channel, then the connection
func (c *AmqpClient) Close(ctxt context.Context) {
	if err := c.ch.Close(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("AMQP channel close failed")
	}
	if err := c.conn.Close(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("AMQP connection close failed")
	}
	log.WithFields(c.LogTags).Infof("Closed AMQP client")
}

// GetAmqpClient define a new AMQP broker connection core.
//
// Either the connection and channel both open, or an error is returned and
// nothing is retained.
func GetAmqpClient(param AmqpConnectParams) (*AmqpClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "amqp-backend",
		"instance":  param.Endpoint(),
	}
	dialConfig := amqp.Config{
		Heartbeat: param.Heartbeat,
		Dial:      amqp.DefaultDial(param.ConnectTimeout),
	}
	if param.UseTLS {
		dialConfig.TLSClientConfig = &tls.Config{}
	}
	conn, err := amqp.DialConfig(param.URI(), dialConfig)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("AMQP client connect failed")
		return nil, common.ConnectionError{Endpoint: param.Endpoint(), Err: err}
	}

	// Define the multiplexed operation channel
	ch, err := conn.Channel()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to open operation channel")
		_ = conn.Close()
		return nil, common.ConnectionError{Endpoint: param.Endpoint(), Err: err}
	}
	log.WithFields(logTags).Info("Created AMQP client")

	return &AmqpClient{
		Component: common.Component{LogTags: logTags},
		conn:      conn,
		ch:        ch,
	}, nil
}
