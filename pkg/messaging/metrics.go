package messaging

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "fooddelivery/pkg/messaging"

type instruments struct {
	published    metric.Int64Counter
	acked        metric.Int64Counter
	requeued     metric.Int64Counter
	deadLettered metric.Int64Counter
}

func newInstruments() instruments {
	meter := otel.Meter(instrumentationName)
	return instruments{
		published:    counter(meter, "messaging.published", "Messages accepted by the broker"),
		acked:        counter(meter, "messaging.acked", "Messages handled and acknowledged"),
		requeued:     counter(meter, "messaging.requeued", "Messages negatively acknowledged with requeue"),
		deadLettered: counter(meter, "messaging.dead_lettered", "Messages rejected after exhausting deliveries"),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		c, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter(name)
	}
	return c
}

func (i instruments) add(ctx context.Context, c metric.Int64Counter, queue string) {
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}
