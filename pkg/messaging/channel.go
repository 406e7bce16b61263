package messaging

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/rabbitmq/amqp091-go"
)

var (
	ErrNotConnected      = errors.New("broker not connected")
	ErrBrokerUnavailable = errors.New("broker unavailable")
)

// Channel is the subset of *amqp091.Channel used by this package.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// ChannelSource hands out the active channel. Implemented by Manager.
type ChannelSource interface {
	Channel() (Channel, error)
	IsConnected() bool
	// Blocked reports broker flow control on the connection.
	Blocked() bool
}

// DeadLetterQueue names the queue that receives messages rejected from queue.
func DeadLetterQueue(queue string) string {
	return queue + ".dead"
}

// DeclareQueue declares a durable quorum queue and its dead-letter queue.
// Arguments are fixed so repeated declarations never conflict.
func DeclareQueue(ch Channel, queue string) error {
	dead := DeadLetterQueue(queue)
	if _, err := ch.QueueDeclare(dead, true, false, false, false, amqp091.Table{
		amqp091.QueueTypeArg: amqp091.QueueTypeQuorum,
	}); err != nil {
		return errors.Wrapf(err, "declare queue %s", dead)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp091.Table{
		amqp091.QueueTypeArg:        amqp091.QueueTypeQuorum,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dead,
	}); err != nil {
		return errors.Wrapf(err, "declare queue %s", queue)
	}
	return nil
}

// Topology lists what a service declares after every (re)connect.
type Topology struct {
	Queues []string
	// LogExchange is a topic exchange; LogQueue is bound to it with "#".
	LogExchange string
	LogQueue    string
}

func (t Topology) Declare(ch Channel) error {
	for _, q := range t.Queues {
		if err := DeclareQueue(ch, q); err != nil {
			return err
		}
	}

	if t.LogExchange == "" {
		return nil
	}
	if err := ch.ExchangeDeclare(t.LogExchange, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare exchange %s", t.LogExchange)
	}
	if t.LogQueue == "" {
		return nil
	}
	if _, err := ch.QueueDeclare(t.LogQueue, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare queue %s", t.LogQueue)
	}
	if err := ch.QueueBind(t.LogQueue, "#", t.LogExchange, false, nil); err != nil {
		return errors.Wrapf(err, "bind queue %s", t.LogQueue)
	}
	return nil
}
