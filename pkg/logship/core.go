// Package logship forwards log entries to the broker's topic exchange so a
// central consumer can collect every service's logs.
package logship

import (
	"context"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fooddelivery/pkg/messaging"
)

const (
	DefaultExchange = "logs"
	DefaultQueue    = "logs.central"

	publishTimeout = time.Second
)

// Core publishes entries as JSON with routing key "<service>.<level>".
// Entries are dropped while the broker is unreachable; shipping never fails
// or blocks the caller beyond publishTimeout.
type Core struct {
	zapcore.LevelEnabler
	source   messaging.ChannelSource
	exchange string
	service  string
	enc      zapcore.Encoder
}

func NewCore(source messaging.ChannelSource, exchange, service string, level zapcore.LevelEnabler) *Core {
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	enc.AddString("service", service)
	return &Core{
		LevelEnabler: level,
		source:       source,
		exchange:     exchange,
		service:      service,
		enc:          enc,
	}
}

func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.enc = c.enc.Clone()
	for _, f := range fields {
		f.AddTo(clone.enc)
	}
	return &clone
}

func (c *Core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *Core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	if !c.source.IsConnected() {
		return nil
	}
	ch, err := c.source.Channel()
	if err != nil {
		return nil
	}

	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	defer buf.Free()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	_ = ch.PublishWithContext(ctx, c.exchange, RoutingKey(c.service, ent.Level), false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Transient,
		Timestamp:    ent.Time,
		AppId:        c.service,
		Body:         append([]byte(nil), buf.Bytes()...),
	})
	return nil
}

func (c *Core) Sync() error {
	return nil
}

func RoutingKey(service string, level zapcore.Level) string {
	return service + "." + level.String()
}
