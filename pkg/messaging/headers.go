package messaging

import (
	"github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/propagation"
)

// DeliveryCountHeader is maintained by quorum queues on every redelivery.
const DeliveryCountHeader = "x-delivery-count"

// headerCarrier adapts AMQP headers for trace context propagation.
type headerCarrier amqp091.Table

var _ propagation.TextMapCarrier = headerCarrier(nil)

func (c headerCarrier) Get(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// deliveryCount returns how many times the broker delivered the message before.
func deliveryCount(headers amqp091.Table) int {
	switch v := headers[DeliveryCountHeader].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint32:
		return int(v)
	case uint64:
		return int(v)
	default:
		return 0
	}
}
