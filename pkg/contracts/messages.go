package contracts

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/go-faster/errors"
)

// Queue names double as message kinds: each queue carries exactly one variant.
const (
	QueuePaymentProcess = "payment.process"
	QueuePaymentResult  = "payment.result"
)

// UnknownCorrelationID is stamped on decoded messages that arrived without one.
const UnknownCorrelationID = "unknown"

var ErrDeserialization = errors.New("message deserialization failed")

type Kind string

const (
	KindProcessPayment Kind = QueuePaymentProcess
	KindPaymentResult  Kind = QueuePaymentResult
)

// Message is implemented only by the wire variants in this package.
type Message interface {
	Kind() Kind
	Correlation() string
	isMessage()
}

type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// ProcessPaymentMessage asks the payments service to charge a card for an order.
type ProcessPaymentMessage struct {
	CorrelationID  string  `json:"correlationId"`
	OrderID        string  `json:"orderId"`
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency"`
	PaymentMethod  string  `json:"paymentMethod"`
	CardNumber     string  `json:"cardNumber"`
	CardExpiry     string  `json:"cardExpiry"`
	CardCvv        string  `json:"cardCvv"`
	CardholderName string  `json:"cardholderName"`
}

func (*ProcessPaymentMessage) Kind() Kind            { return KindProcessPayment }
func (m *ProcessPaymentMessage) Correlation() string { return m.CorrelationID }
func (*ProcessPaymentMessage) isMessage()            {}

func (m *ProcessPaymentMessage) validate() error {
	switch {
	case m.OrderID == "":
		return errors.New("orderId is required")
	case m.Amount <= 0:
		return errors.New("amount must be positive")
	case m.Currency == "":
		return errors.New("currency is required")
	case m.PaymentMethod == "":
		return errors.New("paymentMethod is required")
	}
	return nil
}

// PaymentResultMessage reports the outcome of a ProcessPaymentMessage.
type PaymentResultMessage struct {
	CorrelationID string        `json:"correlationId"`
	OrderID       string        `json:"orderId"`
	PaymentID     string        `json:"paymentId"`
	Status        PaymentStatus `json:"status"`
	TransactionID string        `json:"transactionId,omitempty"`
	ErrorMessage  string        `json:"errorMessage,omitempty"`
}

func (*PaymentResultMessage) Kind() Kind            { return KindPaymentResult }
func (m *PaymentResultMessage) Correlation() string { return m.CorrelationID }
func (*PaymentResultMessage) isMessage()            {}

func (m *PaymentResultMessage) validate() error {
	if m.OrderID == "" {
		return errors.New("orderId is required")
	}
	switch m.Status {
	case PaymentCompleted, PaymentFailed:
		return nil
	default:
		return errors.Errorf("unknown status %q", m.Status)
	}
}

// Encode serializes a message for the wire.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", m.Kind())
	}
	return body, nil
}

// Decode parses body as the variant named by kind. Unknown kinds, unknown fields
// and missing required fields all yield ErrDeserialization.
func Decode(kind Kind, body []byte) (Message, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.Wrap(ErrDeserialization, "empty body")
	}

	var (
		msg      Message
		validate func() error
	)
	switch kind {
	case KindProcessPayment:
		m := &ProcessPaymentMessage{}
		msg, validate = m, m.validate
		if err := decodeStrict(body, m); err != nil {
			return nil, deserializationError(kind, err)
		}
		if m.CorrelationID == "" {
			m.CorrelationID = UnknownCorrelationID
		}
	case KindPaymentResult:
		m := &PaymentResultMessage{}
		msg, validate = m, m.validate
		if err := decodeStrict(body, m); err != nil {
			return nil, deserializationError(kind, err)
		}
		if m.CorrelationID == "" {
			m.CorrelationID = UnknownCorrelationID
		}
	default:
		return nil, errors.Wrapf(ErrDeserialization, "unknown message kind %q", kind)
	}

	if err := validate(); err != nil {
		return nil, deserializationError(kind, err)
	}
	return msg, nil
}

// PeekCorrelationID extracts a correlation id from a body that may not decode.
func PeekCorrelationID(body []byte) string {
	var probe struct {
		CorrelationID string `json:"correlationId"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || strings.TrimSpace(probe.CorrelationID) == "" {
		return UnknownCorrelationID
	}
	return probe.CorrelationID
}

func decodeStrict(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func deserializationError(kind Kind, err error) error {
	return errors.Wrapf(ErrDeserialization, "decode %s: %v", kind, err)
}
