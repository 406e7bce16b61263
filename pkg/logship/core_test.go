package logship

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fooddelivery/pkg/messaging"
	"fooddelivery/pkg/messaging/messagingtest"
)

func newBroker(t *testing.T) *messagingtest.Broker {
	t.Helper()
	broker := messagingtest.NewBroker()
	ch, err := broker.Channel()
	require.NoError(t, err)
	require.NoError(t, messaging.Topology{LogExchange: DefaultExchange, LogQueue: DefaultQueue}.Declare(ch))
	return broker
}

func TestCoreShipsEntries(t *testing.T) {
	broker := newBroker(t)
	lg := zap.New(NewCore(broker, DefaultExchange, "orders", zapcore.InfoLevel)).With(zap.String("queue", "payment.result"))

	lg.Debug("too quiet")
	lg.Info("order confirmed", zap.String("order_id", "o1"))
	lg.Error("store down")

	msgs := broker.Messages(DefaultQueue)
	require.Len(t, msgs, 2)
	assert.Equal(t, "orders.info", msgs[0].RoutingKey)
	assert.Equal(t, "orders.error", msgs[1].RoutingKey)

	body := string(msgs[0].Body)
	assert.Contains(t, body, `"msg":"order confirmed"`)
	assert.Contains(t, body, `"order_id":"o1"`)
	assert.Contains(t, body, `"service":"orders"`)
	assert.Contains(t, body, `"queue":"payment.result"`)
}

func TestCoreDropsWhileDisconnected(t *testing.T) {
	broker := newBroker(t)
	broker.SetConnected(false)
	lg := zap.New(NewCore(broker, DefaultExchange, "payments", zapcore.DebugLevel))

	lg.Warn("nobody listening")

	broker.SetConnected(true)
	assert.Empty(t, broker.Messages(DefaultQueue))
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "payments.warn", RoutingKey("payments", zapcore.WarnLevel))
}
