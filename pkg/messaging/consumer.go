package messaging

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"fooddelivery/pkg/contracts"
)

// Handler processes one decoded message. A returned error requeues it.
type Handler func(ctx context.Context, msg contracts.Message) error

type ConsumerConfig struct {
	Queue string
	// Prefetch bounds unacknowledged deliveries; 1 serializes handling.
	Prefetch int
	// MaxDeliveries dead-letters a message once it failed this many times.
	// Zero retries forever.
	MaxDeliveries int
	// RetryDelay is the pause before resubscribing after the channel drops.
	RetryDelay time.Duration
}

type Consumer struct {
	source  ChannelSource
	cfg     ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics instruments
	tag     string
	started atomic.Bool
}

func NewConsumer(source ChannelSource, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultReconnectDelay
	}
	return &Consumer{
		source:  source,
		cfg:     cfg,
		logger:  logger.With(zap.String("queue", cfg.Queue)),
		tracer:  otel.Tracer(instrumentationName),
		metrics: newInstruments(),
		tag:     fmt.Sprintf("%s-%s", cfg.Queue, uuid.NewString()),
	}
}

// Start subscribes and handles deliveries one at a time until ctx is done.
// It resubscribes whenever the channel goes away. Calling it again while it
// runs is a no-op.
func (c *Consumer) Start(ctx context.Context, handler Handler) error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	defer c.started.Store(false)

	for {
		msgs, ch, err := c.subscribe()
		if err != nil {
			c.logger.Warn("subscribe failed", zap.Error(err), zap.Duration("retry_in", c.cfg.RetryDelay))
		} else {
			c.logger.Info("consumer started", zap.Int("prefetch", c.cfg.Prefetch))
			c.drain(ctx, msgs, handler)
			_ = ch.Cancel(c.tag, false)
		}

		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.RetryDelay):
		}
	}
}

func (c *Consumer) subscribe() (<-chan amqp091.Delivery, Channel, error) {
	ch, err := c.source.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := DeclareQueue(ch, c.cfg.Queue); err != nil {
		return nil, nil, err
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return nil, nil, errors.Wrap(err, "set qos")
	}
	msgs, err := ch.Consume(c.cfg.Queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "consume queue")
	}
	return msgs, ch, nil
}

func (c *Consumer) drain(ctx context.Context, msgs <-chan amqp091.Delivery, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				c.logger.Info("consumer channel closed")
				return
			}
			c.handle(ctx, d, handler)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp091.Delivery, handler Handler) {
	correlationID := d.CorrelationId
	if correlationID == "" {
		correlationID = contracts.PeekCorrelationID(d.Body)
	}
	attempt := deliveryCount(d.Headers) + 1

	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(d.Headers))
	ctx, span := c.tracer.Start(ctx, "consume "+c.cfg.Queue,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", c.cfg.Queue),
			attribute.String("messaging.message.conversation_id", correlationID),
			attribute.Int("messaging.delivery.attempt", attempt),
		),
	)
	defer span.End()

	log := c.logger.With(zap.String("correlation_id", correlationID), zap.Int("attempt", attempt))

	if emptyBody(d.Body) {
		log.Warn("empty message ignored")
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error("ack failed", zap.Error(ackErr))
			return
		}
		c.metrics.add(ctx, c.metrics.acked, c.cfg.Queue)
		return
	}

	err := c.dispatch(ctx, d, handler)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error("ack failed", zap.Error(ackErr))
			return
		}
		c.metrics.add(ctx, c.metrics.acked, c.cfg.Queue)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if c.cfg.MaxDeliveries > 0 && attempt >= c.cfg.MaxDeliveries {
		log.Error("handler failed, dead-lettering", zap.Error(err), zap.String("dead_letter_queue", DeadLetterQueue(c.cfg.Queue)))
		if nackErr := d.Nack(false, false); nackErr != nil {
			log.Error("nack failed", zap.Error(nackErr))
			return
		}
		c.metrics.add(ctx, c.metrics.deadLettered, c.cfg.Queue)
		return
	}

	log.Warn("handler failed, requeueing", zap.Error(err))
	if nackErr := d.Nack(false, true); nackErr != nil {
		log.Error("nack failed", zap.Error(nackErr))
		return
	}
	c.metrics.add(ctx, c.metrics.requeued, c.cfg.Queue)
}

// emptyBody reports a body that carries no message at all: nothing, or a JSON null.
func emptyBody(body []byte) bool {
	body = bytes.TrimSpace(body)
	return len(body) == 0 || bytes.Equal(body, []byte("null"))
}

func (c *Consumer) dispatch(ctx context.Context, d amqp091.Delivery, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()

	kind := contracts.Kind(d.Type)
	if kind == "" {
		kind = contracts.Kind(c.cfg.Queue)
	}
	msg, err := contracts.Decode(kind, d.Body)
	if err != nil {
		return err
	}
	return handler(ctx, msg)
}
