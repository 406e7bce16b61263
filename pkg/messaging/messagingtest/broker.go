// Package messagingtest provides an in-memory broker that speaks the
// messaging.Channel interface: durable queues, manual acknowledgement,
// requeue with a delivery counter, and dead-letter routing.
package messagingtest

import (
	"context"
	"strings"
	"sync"

	"github.com/go-faster/errors"
	"github.com/rabbitmq/amqp091-go"

	"fooddelivery/pkg/messaging"
)

var _ messaging.ChannelSource = (*Broker)(nil)
var _ messaging.Channel = (*Broker)(nil)
var _ amqp091.Acknowledger = (*Broker)(nil)

type Stats struct {
	Published    int
	Acked        int
	Requeued     int
	DeadLettered int
}

type queue struct {
	name     string
	args     amqp091.Table
	ready    []amqp091.Delivery
	log      []amqp091.Delivery
	consumer chan amqp091.Delivery
	tag      string
	inflight int
	stats    Stats
}

type inflight struct {
	queue    *queue
	delivery amqp091.Delivery
}

type binding struct {
	exchange string
	key      string
	queue    string
}

type Broker struct {
	mu         sync.Mutex
	queues     map[string]*queue
	exchanges  map[string]string
	bindings   []binding
	unacked    map[uint64]inflight
	nextTag    uint64
	prefetch   int
	connected  bool
	blocked    bool
	publishErr error
}

func NewBroker() *Broker {
	return &Broker{
		queues:    make(map[string]*queue),
		exchanges: make(map[string]string),
		unacked:   make(map[uint64]inflight),
		connected: true,
	}
}

// ChannelSource

func (b *Broker) Channel() (messaging.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, messaging.ErrNotConnected
	}
	return b, nil
}

func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Broker) Blocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocked
}

// SetConnected simulates losing or regaining the connection. Disconnecting
// closes consumer channels and returns unacknowledged messages to their queues.
func (b *Broker) SetConnected(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = v
	if v {
		return
	}
	for tag, f := range b.unacked {
		delete(b.unacked, tag)
		f.queue.inflight--
		f.queue.ready = append([]amqp091.Delivery{redeliver(f.delivery)}, f.queue.ready...)
	}
	for _, q := range b.queues {
		b.cancelLocked(q)
	}
}

func (b *Broker) SetBlocked(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked = v
}

// FailPublish makes every publish return err until called with nil.
func (b *Broker) FailPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// Channel

func (b *Broker) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp091.Table) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return errors.Errorf("exchange %s redeclared as %s", name, kind)
	}
	b.exchanges[name] = kind
	return nil
}

func (b *Broker) QueueDeclare(name string, _, _, _, _ bool, args amqp091.Table) (amqp091.Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queueLocked(name)
	if q.args == nil {
		q.args = args
	}
	return amqp091.Queue{Name: name, Messages: len(q.ready)}, nil
}

func (b *Broker) QueueBind(name, key, exchange string, _ bool, _ amqp091.Table) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[exchange]; !ok {
		return errors.Errorf("no exchange %s", exchange)
	}
	b.queueLocked(name)
	for _, bd := range b.bindings {
		if bd.exchange == exchange && bd.key == key && bd.queue == name {
			return nil
		}
	}
	b.bindings = append(b.bindings, binding{exchange: exchange, key: key, queue: name})
	return nil
}

func (b *Broker) Qos(prefetchCount, _ int, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prefetch = prefetchCount
	return nil
}

func (b *Broker) Consume(name, consumer string, _, _, _, _ bool, _ amqp091.Table) (<-chan amqp091.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, messaging.ErrNotConnected
	}
	q, ok := b.queues[name]
	if !ok {
		return nil, errors.Errorf("no queue %s", name)
	}
	if q.consumer != nil {
		return nil, errors.Errorf("queue %s already has a consumer", name)
	}
	q.consumer = make(chan amqp091.Delivery, 1024)
	q.tag = consumer
	b.dispatchLocked(q)
	return q.consumer, nil
}

func (b *Broker) Cancel(consumer string, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.queues {
		if q.tag == consumer {
			b.cancelLocked(q)
		}
	}
	return nil
}

func (b *Broker) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return amqp091.ErrClosed
	}
	if b.publishErr != nil {
		return b.publishErr
	}

	for _, name := range b.routeLocked(exchange, key) {
		q := b.queues[name]
		d := delivery(msg, exchange, key)
		q.ready = append(q.ready, d)
		q.log = append(q.log, d)
		q.stats.Published++
		b.dispatchLocked(q)
	}
	return nil
}

// Acknowledger

func (b *Broker) Ack(tag uint64, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.unacked[tag]
	if !ok {
		return errors.Errorf("unknown delivery tag %d", tag)
	}
	delete(b.unacked, tag)
	q := f.queue
	q.inflight--
	q.stats.Acked++
	b.dispatchLocked(q)
	return nil
}

func (b *Broker) Nack(tag uint64, _ bool, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nackLocked(tag, requeue)
}

func (b *Broker) Reject(tag uint64, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nackLocked(tag, requeue)
}

// Inspection

// Messages returns every message ever routed to the queue, in publish order.
func (b *Broker) Messages(name string) []amqp091.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	return append([]amqp091.Delivery(nil), q.log...)
}

// Ready returns how many messages wait for delivery on the queue.
func (b *Broker) Ready(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

func (b *Broker) Stats(name string) Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.stats
	}
	return Stats{}
}

// Prefetch returns the last prefetch count set through Qos.
func (b *Broker) Prefetch() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prefetch
}

// QueueArgs returns the arguments the queue was first declared with.
func (b *Broker) QueueArgs(name string) amqp091.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.args
	}
	return nil
}

func (b *Broker) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name}
		b.queues[name] = q
	}
	return q
}

func (b *Broker) routeLocked(exchange, key string) []string {
	if exchange == "" {
		if _, ok := b.queues[key]; ok {
			return []string{key}
		}
		return nil
	}
	var out []string
	for _, bd := range b.bindings {
		if bd.exchange == exchange && topicMatch(bd.key, key) {
			out = append(out, bd.queue)
		}
	}
	return out
}

func (b *Broker) dispatchLocked(q *queue) {
	limit := b.prefetch
	for q.consumer != nil && len(q.ready) > 0 && (limit <= 0 || q.inflight < limit) {
		d := q.ready[0]
		q.ready = q.ready[1:]
		b.nextTag++
		d.DeliveryTag = b.nextTag
		d.ConsumerTag = q.tag
		d.Acknowledger = b
		b.unacked[d.DeliveryTag] = inflight{queue: q, delivery: d}
		q.inflight++
		q.consumer <- d
	}
}

func (b *Broker) nackLocked(tag uint64, requeue bool) error {
	f, ok := b.unacked[tag]
	if !ok {
		return errors.Errorf("unknown delivery tag %d", tag)
	}
	delete(b.unacked, tag)
	q := f.queue
	q.inflight--

	if requeue {
		q.ready = append(q.ready, redeliver(f.delivery))
		q.stats.Requeued++
		b.dispatchLocked(q)
		return nil
	}

	q.stats.DeadLettered++
	if key, ok := q.args["x-dead-letter-routing-key"].(string); ok {
		if dlq, ok := b.queues[key]; ok {
			d := f.delivery
			d.RoutingKey = key
			d.DeliveryTag, d.ConsumerTag, d.Acknowledger = 0, "", nil
			dlq.ready = append(dlq.ready, d)
			dlq.log = append(dlq.log, d)
			dlq.stats.Published++
			b.dispatchLocked(dlq)
		}
	}
	b.dispatchLocked(q)
	return nil
}

// redeliver returns a copy of d marked as redelivered with its count bumped.
func redeliver(d amqp091.Delivery) amqp091.Delivery {
	headers := amqp091.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	count, _ := headers[messaging.DeliveryCountHeader].(int64)
	headers[messaging.DeliveryCountHeader] = count + 1
	d.Headers = headers
	d.Redelivered = true
	d.DeliveryTag, d.ConsumerTag, d.Acknowledger = 0, "", nil
	return d
}

func (b *Broker) cancelLocked(q *queue) {
	if q.consumer == nil {
		return
	}
	close(q.consumer)
	q.consumer = nil
	q.tag = ""
}

func delivery(msg amqp091.Publishing, exchange, key string) amqp091.Delivery {
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return amqp091.Delivery{
		Headers:         headers,
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		DeliveryMode:    msg.DeliveryMode,
		Priority:        msg.Priority,
		CorrelationId:   msg.CorrelationId,
		ReplyTo:         msg.ReplyTo,
		Expiration:      msg.Expiration,
		MessageId:       msg.MessageId,
		Timestamp:       msg.Timestamp,
		Type:            msg.Type,
		UserId:          msg.UserId,
		AppId:           msg.AppId,
		Exchange:        exchange,
		RoutingKey:      key,
		Body:            append([]byte(nil), msg.Body...),
	}
}

// topicMatch supports "#" (everything), "*" (one word) and literal words.
func topicMatch(pattern, key string) bool {
	if pattern == "#" {
		return true
	}
	pw := strings.Split(pattern, ".")
	kw := strings.Split(key, ".")
	if len(pw) != len(kw) {
		return false
	}
	for i := range pw {
		if pw[i] != "*" && pw[i] != kw[i] {
			return false
		}
	}
	return true
}
