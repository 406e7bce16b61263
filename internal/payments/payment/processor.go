package payment

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"fooddelivery/pkg/contracts"
)

var (
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrDuplicatePayment  = errors.New("payment already exists for correlation id")
	ErrStatusConflict    = errors.New("payment status changed concurrently")
	ErrInvalidTransition = errors.New("invalid payment status transition")
)

// Update carries the fields written together with a status change.
type Update struct {
	TransactionID string
	ErrorMessage  string
	// Message goes to the history row.
	Message string
}

// Store persists payments and their history. Create writes the PENDING
// history row; Transition is a compare-and-set on from that appends the
// history row in the same transaction.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByCorrelation(ctx context.Context, correlationID string) (*Payment, error)
	GetByOrder(ctx context.Context, orderID string) (*Payment, error)
	Transition(ctx context.Context, id string, from, to Status, upd Update) (*Payment, error)
	History(ctx context.Context, id string) ([]HistoryEntry, error)
}

type ResultPublisher interface {
	Publish(ctx context.Context, queue string, msg contracts.Message) error
}

const interruptedMessage = "processing interrupted"

// Processor runs the payment side of the saga: one ProcessPaymentMessage in,
// exactly one PaymentResultMessage out per payment it starts.
type Processor struct {
	store     Store
	gateway   Gateway
	publisher ResultPublisher
	seen      *seenFilter
	logger    *zap.Logger
	processed metric.Int64Counter
}

func NewProcessor(store Store, gateway Gateway, publisher ResultPublisher, logger *zap.Logger) *Processor {
	processed, err := otel.Meter("fooddelivery/internal/payments/payment").Int64Counter("payments.processed",
		metric.WithDescription("Payment results produced, by status"))
	if err != nil {
		logger.Warn("create processed counter", zap.Error(err))
	}
	return &Processor{
		store:     store,
		gateway:   gateway,
		publisher: publisher,
		seen:      newSeenFilter(1_000_000, 0.001),
		logger:    logger,
		processed: processed,
	}
}

// HandleMessage is the consumer entry point for the payment.process queue.
func (p *Processor) HandleMessage(ctx context.Context, msg contracts.Message) error {
	switch m := msg.(type) {
	case *contracts.ProcessPaymentMessage:
		return p.Process(ctx, m)
	default:
		return errors.Wrapf(contracts.ErrDeserialization, "unexpected %s message", msg.Kind())
	}
}

// Process charges the order once per correlation id. A redelivered request
// republishes the stored outcome instead of charging again. The returned
// error is only non-nil when the result could not be published or nothing
// was started, so the request is redelivered.
func (p *Processor) Process(ctx context.Context, msg *contracts.ProcessPaymentMessage) error {
	log := p.logger.With(
		zap.String("order_id", msg.OrderID),
		zap.String("correlation_id", msg.CorrelationID),
	)
	dedup := msg.CorrelationID != contracts.UnknownCorrelationID

	if dedup && p.seen.Test(msg.CorrelationID) {
		existing, err := p.store.GetByCorrelation(ctx, msg.CorrelationID)
		switch {
		case err == nil:
			return p.replay(ctx, log, existing, msg)
		case !errors.Is(err, ErrPaymentNotFound):
			return errors.Wrap(err, "lookup payment")
		}
	}

	pay := newPayment(msg)
	if err := p.store.Create(ctx, pay); err != nil {
		if !dedup || !errors.Is(err, ErrDuplicatePayment) {
			return errors.Wrap(err, "create payment")
		}
		existing, err := p.store.GetByCorrelation(ctx, msg.CorrelationID)
		if err != nil {
			return errors.Wrap(err, "lookup duplicate payment")
		}
		return p.replay(ctx, log, existing, msg)
	}
	if dedup {
		p.seen.Add(msg.CorrelationID)
	}
	log = log.With(zap.String("payment_id", pay.ID))
	log.Info("payment created", zap.String("card_brand", pay.CardBrand), zap.String("amount", pay.Amount.String()))

	return p.publish(ctx, log, p.charge(ctx, log, pay), msg)
}

func newPayment(msg *contracts.ProcessPaymentMessage) *Payment {
	now := time.Now().UTC()
	pay := &Payment{
		ID:            uuid.NewString(),
		CorrelationID: msg.CorrelationID,
		OrderID:       msg.OrderID,
		Amount:        decimal.NewFromFloat(msg.Amount).Round(2),
		Currency:      strings.ToUpper(msg.Currency),
		PaymentMethod: msg.PaymentMethod,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if msg.CardNumber != "" {
		pay.CardBrand = DetectCardBrand(msg.CardNumber)
		pay.CardLast4 = Last4(msg.CardNumber)
	}
	return pay
}

// charge walks PENDING -> PROCESSING -> COMPLETED|FAILED and always returns
// the payment in the state its result should report.
func (p *Processor) charge(ctx context.Context, log *zap.Logger, pay *Payment) *Payment {
	processing, err := p.store.Transition(ctx, pay.ID, StatusPending, StatusProcessing, Update{Message: "processing started"})
	if err != nil {
		log.Error("mark payment processing", zap.Error(err))
		return p.fail(ctx, log, pay, StatusPending, "processing error")
	}

	txID, err := p.gateway.Charge(ctx, processing)
	if err != nil {
		msg := ErrDeclined.Error()
		if !errors.Is(err, ErrDeclined) {
			log.Error("gateway charge failed", zap.Error(err))
			msg = "processing error"
		}
		return p.fail(ctx, log, processing, StatusProcessing, msg)
	}

	completed, err := p.store.Transition(ctx, pay.ID, StatusProcessing, StatusCompleted, Update{
		TransactionID: txID,
		Message:       "payment completed",
	})
	if err != nil {
		log.Error("mark payment completed", zap.Error(err), zap.String("transaction_id", txID))
		return p.fail(ctx, log, processing, StatusProcessing, "processing error")
	}
	return completed
}

// fail records FAILED when the store allows it. The returned payment is
// FAILED either way so a result still goes out.
func (p *Processor) fail(ctx context.Context, log *zap.Logger, pay *Payment, from Status, reason string) *Payment {
	failed, err := p.store.Transition(ctx, pay.ID, from, StatusFailed, Update{ErrorMessage: reason, Message: reason})
	if err == nil {
		return failed
	}
	log.Error("mark payment failed", zap.Error(err))
	out := *pay
	out.Status = StatusFailed
	out.ErrorMessage = reason
	out.TransactionID = ""
	return &out
}

// replay answers a redelivered request from what was stored for it.
func (p *Processor) replay(ctx context.Context, log *zap.Logger, pay *Payment, msg *contracts.ProcessPaymentMessage) error {
	log = log.With(zap.String("payment_id", pay.ID))
	if !pay.Status.Terminal() {
		log.Warn("payment left unfinished, failing it", zap.String("status", string(pay.Status)))
		pay = p.fail(ctx, log, pay, pay.Status, interruptedMessage)
	} else {
		log.Info("duplicate payment request, republishing result", zap.String("status", string(pay.Status)))
	}
	return p.publish(ctx, log, pay, msg)
}

func (p *Processor) publish(ctx context.Context, log *zap.Logger, pay *Payment, msg *contracts.ProcessPaymentMessage) error {
	res := ResultOf(pay, msg.CorrelationID)
	if err := p.publisher.Publish(ctx, contracts.QueuePaymentResult, res); err != nil {
		log.Error("publish payment result", zap.Error(err))
		return errors.Wrap(err, "publish payment result")
	}
	if p.processed != nil {
		p.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(res.Status))))
	}
	log.Info("payment result published", zap.String("status", string(res.Status)))
	return nil
}

// ResultOf maps a finished payment to its wire result. A refunded payment
// had completed when its result was first sent.
func ResultOf(pay *Payment, correlationID string) *contracts.PaymentResultMessage {
	res := &contracts.PaymentResultMessage{
		CorrelationID: correlationID,
		OrderID:       pay.OrderID,
		PaymentID:     pay.ID,
	}
	switch pay.Status {
	case StatusCompleted, StatusRefunded:
		res.Status = contracts.PaymentCompleted
		res.TransactionID = pay.TransactionID
	default:
		res.Status = contracts.PaymentFailed
		res.ErrorMessage = pay.ErrorMessage
		if res.ErrorMessage == "" {
			res.ErrorMessage = "processing error"
		}
	}
	return res
}
