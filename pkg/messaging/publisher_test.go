package messaging_test

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fooddelivery/pkg/contracts"
	"fooddelivery/pkg/messaging"
	"fooddelivery/pkg/messaging/messagingtest"
)

func TestPublishPersistent(t *testing.T) {
	broker := messagingtest.NewBroker()
	pub := messaging.NewPublisher(broker, zap.NewNop())

	err := pub.Publish(context.Background(), contracts.QueuePaymentResult, &contracts.PaymentResultMessage{
		CorrelationID: "c1",
		OrderID:       "o1",
		PaymentID:     "p1",
		Status:        contracts.PaymentCompleted,
		TransactionID: "TXN-1",
	})
	require.NoError(t, err)

	msgs := broker.Messages(contracts.QueuePaymentResult)
	require.Len(t, msgs, 1)
	assert.Equal(t, amqp091.Persistent, msgs[0].DeliveryMode)
	assert.Equal(t, "c1", msgs[0].CorrelationId)
	assert.Equal(t, string(contracts.KindPaymentResult), msgs[0].Type)
	assert.Equal(t, "application/json", msgs[0].ContentType)
	assert.NotEmpty(t, msgs[0].MessageId)

	args := broker.QueueArgs(contracts.QueuePaymentResult)
	assert.Equal(t, amqp091.QueueTypeQuorum, args[amqp091.QueueTypeArg])
	assert.Equal(t, messaging.DeadLetterQueue(contracts.QueuePaymentResult), args["x-dead-letter-routing-key"])
}

func TestPublishBrokerUnavailable(t *testing.T) {
	broker := messagingtest.NewBroker()
	broker.SetConnected(false)
	pub := messaging.NewPublisher(broker, zap.NewNop())

	err := pub.Publish(context.Background(), contracts.QueuePaymentResult, &contracts.PaymentResultMessage{
		OrderID: "o1",
		Status:  contracts.PaymentFailed,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, messaging.ErrBrokerUnavailable))
	assert.Empty(t, broker.Messages(contracts.QueuePaymentResult))
}

func TestPublishRejectedByBroker(t *testing.T) {
	broker := messagingtest.NewBroker()
	broker.FailPublish(amqp091.ErrClosed)
	pub := messaging.NewPublisher(broker, zap.NewNop())

	_, err := pub.RequestPaymentProcessing(context.Background(), messaging.PaymentRequest{
		OrderID: "o1", Amount: 10, Currency: "EUR", PaymentMethod: "CARD",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, messaging.ErrBrokerUnavailable))
}

func TestPublishUnderFlowControlStillSucceeds(t *testing.T) {
	broker := messagingtest.NewBroker()
	broker.SetBlocked(true)
	pub := messaging.NewPublisher(broker, zap.NewNop())

	err := pub.Publish(context.Background(), contracts.QueuePaymentResult, &contracts.PaymentResultMessage{
		CorrelationID: "c1", OrderID: "o1", PaymentID: "p1", Status: contracts.PaymentFailed,
	})
	require.NoError(t, err)
	assert.Len(t, broker.Messages(contracts.QueuePaymentResult), 1)
}

func TestRequestPaymentProcessingStampsCorrelation(t *testing.T) {
	broker := messagingtest.NewBroker()
	pub := messaging.NewPublisher(broker, zap.NewNop())

	first, err := pub.RequestPaymentProcessing(context.Background(), messaging.PaymentRequest{
		OrderID:        "o1",
		Amount:         45.99,
		Currency:       "EUR",
		PaymentMethod:  "CARD",
		CardNumber:     "4242424242424242",
		CardExpiry:     "12/25",
		CardCvv:        "123",
		CardholderName: "John Doe",
	})
	require.NoError(t, err)
	second, err := pub.RequestPaymentProcessing(context.Background(), messaging.PaymentRequest{
		OrderID: "o2", Amount: 1, Currency: "EUR", PaymentMethod: "CARD",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)

	msgs := broker.Messages(contracts.QueuePaymentProcess)
	require.Len(t, msgs, 2)

	decoded, err := contracts.Decode(contracts.KindProcessPayment, msgs[0].Body)
	require.NoError(t, err)
	m := decoded.(*contracts.ProcessPaymentMessage)
	assert.Equal(t, first, m.CorrelationID)
	assert.Equal(t, first, msgs[0].CorrelationId)
	assert.Equal(t, "o1", m.OrderID)
	assert.Equal(t, 45.99, m.Amount)
}
