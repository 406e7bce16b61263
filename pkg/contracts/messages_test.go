package contracts

import (
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeProcessPayment(t *testing.T) {
	body := []byte(`{"correlationId":"c1","orderId":"o1","amount":45.99,"currency":"EUR",
		"paymentMethod":"CARD","cardNumber":"4242424242424242","cardExpiry":"12/25",
		"cardCvv":"123","cardholderName":"John Doe"}`)

	msg, err := Decode(KindProcessPayment, body)
	require.NoError(t, err)

	m, ok := msg.(*ProcessPaymentMessage)
	require.True(t, ok)
	assert.Equal(t, "c1", m.Correlation())
	assert.Equal(t, "o1", m.OrderID)
	assert.Equal(t, 45.99, m.Amount)
	assert.Equal(t, "John Doe", m.CardholderName)
}

func TestDecodeMissingCorrelation(t *testing.T) {
	msg, err := Decode(KindPaymentResult, []byte(`{"orderId":"o1","paymentId":"p1","status":"FAILED"}`))
	require.NoError(t, err)
	assert.Equal(t, UnknownCorrelationID, msg.Correlation())
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		body string
	}{
		{"empty body", KindPaymentResult, "  "},
		{"not json", KindPaymentResult, "{nope"},
		{"unknown kind", Kind("order.created"), `{"orderId":"o1"}`},
		{"unknown field", KindPaymentResult, `{"orderId":"o1","status":"COMPLETED","extra":1}`},
		{"bad status", KindPaymentResult, `{"orderId":"o1","status":"MAYBE"}`},
		{"missing order", KindProcessPayment, `{"amount":1,"currency":"EUR","paymentMethod":"CARD"}`},
		{"zero amount", KindProcessPayment, `{"orderId":"o1","amount":0,"currency":"EUR","paymentMethod":"CARD"}`},
		{"result on process queue", KindProcessPayment, `{"orderId":"o1","paymentId":"p1","status":"COMPLETED"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.kind, []byte(tt.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDeserialization))
		})
	}
}

func TestEncodeOmitsEmptyOptionalFields(t *testing.T) {
	body, err := Encode(&PaymentResultMessage{
		CorrelationID: "c1",
		OrderID:       "o1",
		PaymentID:     "p1",
		Status:        PaymentFailed,
		ErrorMessage:  "declined",
	})
	require.NoError(t, err)
	assert.NotContains(t, string(body), "transactionId")
	assert.Contains(t, string(body), `"errorMessage":"declined"`)
}

func TestPeekCorrelationID(t *testing.T) {
	assert.Equal(t, "c9", PeekCorrelationID([]byte(`{"correlationId":"c9","junk":true}`)))
	assert.Equal(t, UnknownCorrelationID, PeekCorrelationID([]byte(`garbage`)))
	assert.Equal(t, UnknownCorrelationID, PeekCorrelationID([]byte(`{}`)))
}
