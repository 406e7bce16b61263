package order

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fooddelivery/pkg/contracts"
	"fooddelivery/pkg/messaging"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrStatusConflict     = errors.New("order status changed concurrently")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrPaymentUnavailable = errors.New("payment processing unavailable")
	ErrValidation         = errors.New("invalid order")
)

// Store persists orders. UpdateStatus is a compare-and-set: it only writes
// when the stored status equals from, otherwise it returns ErrStatusConflict.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	UpdateStatus(ctx context.Context, id string, from, to Status, reason string) (*Order, error)
	ListStalePending(ctx context.Context, method PaymentMethod, before time.Time, limit int) ([]Order, error)
}

type PaymentRequester interface {
	RequestPaymentProcessing(ctx context.Context, req messaging.PaymentRequest) (string, error)
}

// Notifier is told about every status change that was written.
type Notifier interface {
	OrderUpdated(o *Order)
}

type Card struct {
	Number     string `json:"number"`
	Expiry     string `json:"expiry"`
	CVV        string `json:"cvv"`
	HolderName string `json:"holderName"`
}

type CreateInput struct {
	CustomerID      string
	RestaurantID    string
	DeliveryAddress string
	Items           []Item
	DeliveryFee     decimal.Decimal
	Currency        string
	PaymentMethod   PaymentMethod
	Card            *Card
	Notes           string
}

type Service struct {
	store           Store
	payments        PaymentRequester
	notifier        Notifier
	logger          *zap.Logger
	defaultCurrency string
	now             func() time.Time
}

func NewService(store Store, payments PaymentRequester, notifier Notifier, defaultCurrency string, logger *zap.Logger) *Service {
	return &Service{
		store:           store,
		payments:        payments,
		notifier:        notifier,
		logger:          logger,
		defaultCurrency: defaultCurrency,
		now:             time.Now,
	}
}

// Create stores a pending order and starts its payment. Cash orders are
// confirmed before returning. Card orders stay pending until the payment
// result arrives; if the request cannot be published the order is cancelled
// and ErrPaymentUnavailable is returned.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Order, error) {
	if err := validate(in); err != nil {
		return nil, err
	}

	currency := in.Currency
	if currency == "" {
		currency = s.defaultCurrency
	}
	now := s.now().UTC()
	o := &Order{
		ID:              uuid.NewString(),
		CustomerID:      in.CustomerID,
		RestaurantID:    in.RestaurantID,
		DeliveryAddress: in.DeliveryAddress,
		Items:           in.Items,
		DeliveryFee:     in.DeliveryFee,
		TotalAmount:     CalculateTotal(in.Items, in.DeliveryFee),
		Currency:        strings.ToUpper(currency),
		PaymentMethod:   in.PaymentMethod,
		Status:          StatusPending,
		Notes:           in.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	log := s.logger.With(zap.String("order_id", o.ID), zap.String("payment_method", string(o.PaymentMethod)))

	if o.PaymentMethod == PaymentCash {
		confirmed, err := s.transition(ctx, o.ID, StatusPending, StatusConfirmed, ReasonCashOnDelivery)
		if err != nil {
			return nil, errors.Wrap(err, "confirm cash order")
		}
		log.Info("cash order confirmed")
		return confirmed, nil
	}

	correlationID, err := s.payments.RequestPaymentProcessing(ctx, messaging.PaymentRequest{
		OrderID:        o.ID,
		Amount:         o.TotalAmount.InexactFloat64(),
		Currency:       o.Currency,
		PaymentMethod:  string(o.PaymentMethod),
		CardNumber:     in.Card.Number,
		CardExpiry:     in.Card.Expiry,
		CardCvv:        in.Card.CVV,
		CardholderName: in.Card.HolderName,
	})
	if err != nil {
		log.Error("payment request failed, cancelling order", zap.Error(err))
		if _, cerr := s.transition(ctx, o.ID, StatusPending, StatusCancelled, ReasonPaymentUnavailable); cerr != nil {
			log.Error("cancel unpaid order", zap.Error(cerr))
		}
		return nil, errors.Wrapf(ErrPaymentUnavailable, "order %s: %v", o.ID, err)
	}

	log.Info("order awaiting payment", zap.String("correlation_id", correlationID))
	return o, nil
}

func validate(in CreateInput) error {
	switch {
	case in.CustomerID == "":
		return errors.Wrap(ErrValidation, "customer id is required")
	case in.RestaurantID == "":
		return errors.Wrap(ErrValidation, "restaurant id is required")
	case in.DeliveryAddress == "":
		return errors.Wrap(ErrValidation, "delivery address is required")
	case len(in.Items) == 0:
		return errors.Wrap(ErrValidation, "at least one item is required")
	case in.DeliveryFee.IsNegative():
		return errors.Wrap(ErrValidation, "delivery fee must not be negative")
	case !in.PaymentMethod.Valid():
		return errors.Wrapf(ErrValidation, "unknown payment method %q", in.PaymentMethod)
	case in.PaymentMethod == PaymentCard && (in.Card == nil || in.Card.Number == ""):
		return errors.Wrap(ErrValidation, "card details are required for card payments")
	}
	for _, it := range in.Items {
		if it.Quantity <= 0 {
			return errors.Wrapf(ErrValidation, "quantity must be positive for item %s", it.MenuItemID)
		}
		if it.UnitPrice.IsNegative() {
			return errors.Wrapf(ErrValidation, "unit price must not be negative for item %s", it.MenuItemID)
		}
	}
	// The payments side only accepts positive amounts.
	if in.PaymentMethod == PaymentCard && !CalculateTotal(in.Items, in.DeliveryFee).IsPositive() {
		return errors.Wrap(ErrValidation, "card payments require a positive total")
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// HandleMessage is the consumer entry point for the payment.result queue.
func (s *Service) HandleMessage(ctx context.Context, msg contracts.Message) error {
	switch m := msg.(type) {
	case *contracts.PaymentResultMessage:
		return s.ApplyPaymentResult(ctx, m)
	default:
		return errors.Wrapf(contracts.ErrDeserialization, "unexpected %s message", msg.Kind())
	}
}

// ApplyPaymentResult moves a pending order to confirmed or cancelled.
// Applying the same result again is a no-op. A result for an order that
// already left pending by another path is logged and dropped.
func (s *Service) ApplyPaymentResult(ctx context.Context, res *contracts.PaymentResultMessage) error {
	log := s.logger.With(
		zap.String("order_id", res.OrderID),
		zap.String("payment_id", res.PaymentID),
		zap.String("correlation_id", res.CorrelationID),
	)

	target, reason := StatusCancelled, ReasonPaymentFailed
	if res.Status == contracts.PaymentCompleted {
		target, reason = StatusConfirmed, ReasonPaymentCompleted
	}

	o, err := s.store.Get(ctx, res.OrderID)
	if err != nil {
		return errors.Wrap(err, "load order")
	}

	for attempt := 0; ; attempt++ {
		switch {
		case o.Status == target:
			log.Debug("payment result already applied", zap.String("status", string(o.Status)))
			return nil
		case o.Status != StatusPending:
			s.conflict(log, o, res)
			return nil
		}

		_, err = s.transition(ctx, o.ID, StatusPending, target, reason)
		if err == nil {
			log.Info("payment result applied", zap.String("status", string(target)), zap.String("error_message", res.ErrorMessage))
			return nil
		}
		if !errors.Is(err, ErrStatusConflict) || attempt > 0 {
			return errors.Wrap(err, "update order status")
		}
		if o, err = s.store.Get(ctx, res.OrderID); err != nil {
			return errors.Wrap(err, "reload order")
		}
	}
}

func (s *Service) conflict(log *zap.Logger, o *Order, res *contracts.PaymentResultMessage) {
	if res.Status == contracts.PaymentCompleted && o.Status == StatusCancelled {
		log.Warn("payment completed for cancelled order, refund required",
			zap.String("status_reason", o.StatusReason),
			zap.String("transaction_id", res.TransactionID),
		)
		return
	}
	log.Warn("payment result ignored, order no longer pending",
		zap.String("status", string(o.Status)),
		zap.String("result", string(res.Status)),
	)
}

// Cancel cancels an order that has not left the restaurant yet.
func (s *Service) Cancel(ctx context.Context, id string) (*Order, error) {
	return s.UpdateStatus(ctx, id, StatusCancelled)
}

// UpdateStatus applies a manual lifecycle step. The write only succeeds if
// the status is still the one that was validated.
func (s *Service) UpdateStatus(ctx context.Context, id string, to Status) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(o.Status, to) {
		return nil, errors.Wrapf(ErrInvalidTransition, "%s -> %s", o.Status, to)
	}

	reason := ""
	if to == StatusCancelled {
		reason = ReasonCancelledByRequest
	}
	updated, err := s.transition(ctx, id, o.Status, to, reason)
	if err != nil {
		return nil, err
	}
	s.logger.Info("order status updated",
		zap.String("order_id", id),
		zap.String("from", string(o.Status)),
		zap.String("to", string(to)),
	)
	return updated, nil
}

// ExpirePending cancels card orders still waiting for a payment result that
// were created before the cutoff. It returns how many it cancelled.
func (s *Service) ExpirePending(ctx context.Context, before time.Time, limit int) (int, error) {
	stale, err := s.store.ListStalePending(ctx, PaymentCard, before, limit)
	if err != nil {
		return 0, errors.Wrap(err, "list stale orders")
	}

	expired := 0
	for _, o := range stale {
		_, err := s.transition(ctx, o.ID, StatusPending, StatusCancelled, ReasonPaymentTimeout)
		switch {
		case err == nil:
			expired++
			s.logger.Warn("payment timed out, order cancelled",
				zap.String("order_id", o.ID),
				zap.Time("created_at", o.CreatedAt),
			)
		case errors.Is(err, ErrStatusConflict):
			// The result arrived between listing and cancelling.
		default:
			return expired, errors.Wrapf(err, "expire order %s", o.ID)
		}
	}
	return expired, nil
}

func (s *Service) transition(ctx context.Context, id string, from, to Status, reason string) (*Order, error) {
	updated, err := s.store.UpdateStatus(ctx, id, from, to, reason)
	if err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.OrderUpdated(updated)
	}
	return updated, nil
}
